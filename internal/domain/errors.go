package domain

import "errors"

// Sentinel errors shared across packages. Callers match with errors.Is.
var (
	// ErrNotFound indicates a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleFeed indicates the spot feed has not delivered a tick within
	// the configured staleness bound.
	ErrStaleFeed = errors.New("stale spot feed")

	// ErrStaleVol indicates no usable implied-vol snapshot is available.
	ErrStaleVol = errors.New("stale vol snapshot")

	// ErrRiskDenied indicates the risk ledger refused a reservation.
	ErrRiskDenied = errors.New("risk reservation denied")

	// ErrThinBook indicates the order book failed the pair-sum sanity check
	// and must not be traded against.
	ErrThinBook = errors.New("thin or crossed book")

	// ErrInvalidOrder indicates an order request failed local validation
	// before it was sent anywhere.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrSigningFailed indicates the order could not be signed.
	ErrSigningFailed = errors.New("order signing failed")

	// ErrUnauthorized indicates missing or invalid API credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the venue rejected a request for rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrWSDisconnect indicates a websocket connection dropped and the
	// caller should reconnect.
	ErrWSDisconnect = errors.New("websocket disconnected")

	// ErrDuplicateTrade indicates a trade ID was already settled.
	ErrDuplicateTrade = errors.New("duplicate trade settlement")
)
