package s3blob

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/windarb/internal/domain"
)

type memBlob struct {
	objects map[string][]byte
}

func newMemBlob() *memBlob {
	return &memBlob{objects: make(map[string][]byte)}
}

func (m *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlob) Exists(_ context.Context, path string) (bool, error) {
	_, ok := m.objects[path]
	return ok, nil
}

func newTestArchiver(store objectStore) *Archiver {
	return &Archiver{store: store, logger: slog.New(slog.DiscardHandler)}
}

func sampleTrades() []domain.Trade {
	opened := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	return []domain.Trade{
		{ID: "t1", Asset: "BTC", Side: domain.SideYes, EntryPrice: 0.41, Shares: 100,
			PnL: 59, Outcome: domain.OutcomeConverged, OpenedAt: opened, SettledAt: opened.Add(5 * time.Minute)},
		{ID: "t2", Asset: "ETH", Side: domain.SideNo, EntryPrice: 0.55, Shares: 50,
			PnL: -27.5, Outcome: domain.OutcomeAdverse, OpenedAt: opened, SettledAt: opened.Add(5 * time.Minute)},
	}
}

func TestArchiveTradesRoundTrip(t *testing.T) {
	store := newMemBlob()
	a := newTestArchiver(store)
	ctx := context.Background()

	require.NoError(t, a.ArchiveTrades(ctx, "2026-08-29", sampleTrades()))

	raw, ok := store.objects["archive/trades/2026-08-29.jsonl"]
	require.True(t, ok)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Len(t, lines, 2, "one JSON line per trade")

	got, err := a.LoadTrades(ctx, "2026-08-29")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].ID)
	assert.Equal(t, domain.OutcomeAdverse, got[1].Outcome)
	assert.InDelta(t, -27.5, got[1].PnL, 1e-9)
}

func TestArchiveEmptyDayUploadsNothing(t *testing.T) {
	store := newMemBlob()
	a := newTestArchiver(store)

	require.NoError(t, a.ArchiveTrades(context.Background(), "2026-08-29", nil))
	require.NoError(t, a.ArchiveAlerts(context.Background(), "2026-08-29", nil))
	assert.Empty(t, store.objects)
}

func TestArchivedReportsExisting(t *testing.T) {
	store := newMemBlob()
	a := newTestArchiver(store)
	ctx := context.Background()

	done, err := a.Archived(ctx, "2026-08-29")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, a.ArchiveTrades(ctx, "2026-08-29", sampleTrades()))

	done, err = a.Archived(ctx, "2026-08-29")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestArchiveAlerts(t *testing.T) {
	store := newMemBlob()
	a := newTestArchiver(store)

	alerts := []domain.Alert{
		{Timestamp: time.Now().UTC(), Severity: domain.SeverityInfo,
			Category: domain.CategoryWindowOpen, Asset: "BTC", Message: "window opened"},
	}
	require.NoError(t, a.ArchiveAlerts(context.Background(), "2026-08-29", alerts))

	raw, ok := store.objects["archive/alerts/2026-08-29.jsonl"]
	require.True(t, ok)
	assert.Contains(t, string(raw), `"window_open"`)
}

func TestLoadTradesMissingDay(t *testing.T) {
	a := newTestArchiver(newMemBlob())
	_, err := a.LoadTrades(context.Background(), "2026-01-01")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
