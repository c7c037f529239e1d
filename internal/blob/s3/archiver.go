package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/quantfold/windarb/internal/domain"
)

// objectStore is the slice of Blob the archiver needs.
type objectStore interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver implements domain.TradeArchiver: one JSONL object per UTC day for
// trades and one for alerts, under archive/trades/ and archive/alerts/.
// Re-archiving a day overwrites the object, so the nightly job is idempotent.
type Archiver struct {
	store  objectStore
	logger *slog.Logger
}

// NewArchiver creates an Archiver writing through the given blob store.
func NewArchiver(blob *Blob, logger *slog.Logger) *Archiver {
	return &Archiver{
		store:  blob,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTrades uploads the day's settled trades as JSONL. day is a UTC
// date, YYYY-MM-DD. An empty batch uploads nothing.
func (a *Archiver) ArchiveTrades(ctx context.Context, day string, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	buf, err := marshalJSONL(trades)
	if err != nil {
		return fmt.Errorf("s3blob: archive trades %s: %w", day, err)
	}
	path := archivePath("trades", day)
	if err := a.store.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive trades %s: %w", day, err)
	}
	a.logger.Info("trades archived", slog.String("path", path), slog.Int("count", len(trades)))
	return nil
}

// ArchiveAlerts uploads the day's alerts as JSONL.
func (a *Archiver) ArchiveAlerts(ctx context.Context, day string, alerts []domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	buf, err := marshalJSONL(alerts)
	if err != nil {
		return fmt.Errorf("s3blob: archive alerts %s: %w", day, err)
	}
	path := archivePath("alerts", day)
	if err := a.store.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: archive alerts %s: %w", day, err)
	}
	a.logger.Info("alerts archived", slog.String("path", path), slog.Int("count", len(alerts)))
	return nil
}

// Archived reports whether a trade archive already exists for the day.
func (a *Archiver) Archived(ctx context.Context, day string) (bool, error) {
	return a.store.Exists(ctx, archivePath("trades", day))
}

// LoadTrades fetches an archived day back, for verification or replay.
func (a *Archiver) LoadTrades(ctx context.Context, day string) ([]domain.Trade, error) {
	body, err := a.store.Get(ctx, archivePath("trades", day))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var trades []domain.Trade
	dec := json.NewDecoder(body)
	for dec.More() {
		var t domain.Trade
		if err := dec.Decode(&t); err != nil {
			return nil, fmt.Errorf("s3blob: decode archived trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// archivePath builds the object key for one day's archive.
//
//	archive/trades/2026-08-29.jsonl
func archivePath(kind, day string) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, day)
}

// marshalJSONL encodes a slice as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.TradeArchiver = (*Archiver)(nil)
