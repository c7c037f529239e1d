package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/windarb/internal/domain"
)

type fakeSender struct {
	name     string
	titles   []string
	messages []string
	err      error
}

func (f *fakeSender) Send(_ context.Context, title, message string) error {
	if f.err != nil {
		return f.err
	}
	f.titles = append(f.titles, title)
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeSender) Name() string { return f.name }

func testAlert(sev domain.AlertSeverity) domain.Alert {
	return domain.Alert{
		Timestamp: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
		Severity:  sev,
		Category:  domain.CategoryFill,
		Asset:     "BTC",
		Message:   "order filled",
		Data:      map[string]any{"price": 0.41, "edge": 0.09},
	}
}

func TestNotifierFansOut(t *testing.T) {
	a := &fakeSender{name: "a"}
	b := &fakeSender{name: "b"}
	n := NewNotifier([]Sender{a, b}, domain.SeverityInfo, slog.New(slog.DiscardHandler))

	require.NoError(t, n.Publish(context.Background(), testAlert(domain.SeverityInfo)))

	require.Len(t, a.titles, 1)
	require.Len(t, b.titles, 1)
	assert.Equal(t, "INFO fill BTC", a.titles[0])
	// Data keys render sorted.
	assert.Equal(t, "order filled\nedge: 0.09\nprice: 0.41", a.messages[0])
}

func TestNotifierSeverityFilter(t *testing.T) {
	s := &fakeSender{name: "s"}
	n := NewNotifier([]Sender{s}, domain.SeverityWarning, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	require.NoError(t, n.Publish(ctx, testAlert(domain.SeverityInfo)))
	assert.Empty(t, s.titles)

	require.NoError(t, n.Publish(ctx, testAlert(domain.SeverityCritical)))
	assert.Len(t, s.titles, 1)
}

func TestNotifierPartialFailure(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("webhook down")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, domain.SeverityInfo, slog.New(slog.DiscardHandler))

	err := n.Publish(context.Background(), testAlert(domain.SeverityInfo))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.titles, 1, "remaining senders still deliver")
}

func TestTelegramSenderPostsSendMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, jsonDecode(r, &gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "chat-1")
	s.apiBase = srv.URL

	require.NoError(t, s.Send(context.Background(), "INFO fill BTC", "order filled"))
	assert.Equal(t, "/bottok/sendMessage", gotPath)
	assert.Equal(t, "chat-1", gotBody["chat_id"])
	assert.Equal(t, "*INFO fill BTC*\norder filled", gotBody["text"])
}

func TestDiscordSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewDiscordSender(srv.URL)
	err := s.Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func jsonDecode(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
