package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/quantfold/windarb/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIEvent represents an event as returned by the Polymarket Gamma API.
// An event groups one or more related markets.
type APIEvent struct {
	ID      string      `json:"id"`
	Title   string      `json:"title"`
	Slug    string      `json:"slug"`
	Active  flexBool    `json:"active"`
	Closed  flexBool    `json:"closed"`
	EndDate string      `json:"endDate"`
	Markets []APIMarket `json:"markets"`
}

// APIMarket represents a market as returned by the Polymarket Gamma API.
type APIMarket struct {
	ID            string   `json:"id"`
	Question      string   `json:"question"`
	ConditionID   string   `json:"conditionId"`
	Slug          string   `json:"slug"`
	Active        flexBool `json:"active"`
	Closed        flexBool `json:"closed"`
	NegRisk       bool     `json:"negRisk"`
	EndDate       string   `json:"endDate"`
	Outcomes      string   `json:"outcomes"`      // JSON-encoded: "[\"Yes\",\"No\"]"
	OutcomePrices string   `json:"outcomePrices"` // JSON-encoded: "[\"1\",\"0\"]"
	ClobTokenIDs  string   `json:"clobTokenIds"`  // JSON-encoded: "[\"123\",\"456\"]"
}

// TokenIDs decodes the JSON-encoded clobTokenIds field. The first entry is
// the YES token, the second the NO token.
func (m *APIMarket) TokenIDs() []string {
	var ids []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &ids); err != nil {
		return nil
	}
	return ids
}

// ResolvedPrices decodes outcomePrices into (yes, no). ok is false when the
// field is missing or malformed.
func (m *APIMarket) ResolvedPrices() (yes, no float64, ok bool) {
	var prices []string
	if err := json.Unmarshal([]byte(m.OutcomePrices), &prices); err != nil || len(prices) < 2 {
		return 0, 0, false
	}
	yes, err1 := strconv.ParseFloat(prices[0], 64)
	no, err2 := strconv.ParseFloat(prices[1], 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return yes, no, true
}

// Expiry parses the market's end date. The zero time means unparseable.
func (m *APIMarket) Expiry() time.Time {
	if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
		return t
	}
	return time.Time{}
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	OrderID     string `json:"orderID,omitempty"`
	Status      string `json:"status,omitempty"`
	TransactID  string `json:"transactID,omitempty"`
	ShouldRetry bool   `json:"shouldRetry,omitempty"`
}

// APIOrder is the subset of the CLOB order record the executor polls.
type APIOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"` // "LIVE", "MATCHED", "CANCELED", ...
	AssetID      string `json:"asset_id"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
}

// FilledSize returns the matched size as a float.
func (o *APIOrder) FilledSize() float64 {
	v, _ := strconv.ParseFloat(o.SizeMatched, 64)
	return v
}

// FilledPrice returns the order price as a float.
func (o *APIOrder) FilledPrice() float64 {
	v, _ := strconv.ParseFloat(o.Price, 64)
	return v
}

// feeRateResponse is the CLOB fee-rate endpoint payload, in decimal
// fractions (0 means fee free).
type feeRateResponse struct {
	Maker float64 `json:"maker"`
	Taker float64 `json:"taker"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// wsCommand is the JSON payload sent to the market channel to subscribe.
type wsCommand struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}

// wsEnvelope carries the fields shared by every market channel frame.
type wsEnvelope struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Timestamp string `json:"timestamp"`
}

// bookMessage is a full orderbook snapshot from the "book" event, also
// reused for "price_change" frames which carry the same level arrays.
type bookMessage struct {
	AssetID   string         `json:"asset_id"`
	Bids      []wsPriceLevel `json:"bids"`
	Asks      []wsPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
}

// bestBidAskMessage is the "best_bid_ask" event payload.
type bestBidAskMessage struct {
	AssetID string `json:"asset_id"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// wsPriceLevel is a single bid/ask level in the WebSocket orderbook data.
type wsPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// bookTopFromLevels extracts the best bid (max) and best ask (min) from the
// level arrays, ignoring zero-size levels.
func bookTopFromLevels(msg *bookMessage, now time.Time) domain.BookTop {
	top := domain.BookTop{TokenID: msg.AssetID, UpdatedAt: now}

	for _, lvl := range msg.Bids {
		p, errP := strconv.ParseFloat(lvl.Price, 64)
		s, errS := strconv.ParseFloat(lvl.Size, 64)
		if errP != nil || errS != nil || s <= 0 {
			continue
		}
		if p > top.BestBid {
			top.BestBid = p
		}
	}
	for _, lvl := range msg.Asks {
		p, errP := strconv.ParseFloat(lvl.Price, 64)
		s, errS := strconv.ParseFloat(lvl.Size, 64)
		if errP != nil || errS != nil || s <= 0 {
			continue
		}
		if top.BestAsk == 0 || p < top.BestAsk {
			top.BestAsk = p
		}
	}

	if ts, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil && ts > 0 {
		top.UpdatedAt = time.UnixMilli(ts)
	}
	return top
}
