package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/windarb/internal/domain"
	"github.com/quantfold/windarb/internal/server/handler"
)

type stubStatus struct{ status domain.Status }

func (s stubStatus) Status() domain.Status { return s.status }

type stubAlerts struct{ alerts []domain.Alert }

func (s stubAlerts) Recent(limit int) []domain.Alert {
	if limit < len(s.alerts) {
		return s.alerts[:limit]
	}
	return s.alerts
}

type stubTrades struct{ trades []domain.Trade }

func (s stubTrades) Recent(limit int) []domain.Trade {
	if limit < len(s.trades) {
		return s.trades[:limit]
	}
	return s.trades
}

func newTestServer(apiKey string) *Server {
	status := domain.Status{
		GeneratedAt: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
		Spot:        map[string]float64{"BTC": 65000},
		Windows:     []domain.WindowStatus{{Asset: "BTC", State: "monitoring"}},
	}
	alerts := []domain.Alert{
		{Severity: domain.SeverityInfo, Category: domain.CategoryWindowOpen, Asset: "BTC", Message: "window opened"},
		{Severity: domain.SeverityInfo, Category: domain.CategoryDivergence, Asset: "BTC", Message: "edge above soft"},
	}
	trades := []domain.Trade{{ID: "t1", Asset: "BTC", Side: domain.SideYes}}

	return NewServer(
		Config{Port: 0, APIKey: apiKey},
		Handlers{
			Health: handler.NewHealthHandler("test"),
			Status: handler.NewStatusHandler(stubStatus{status}),
			Alerts: handler.NewAlertsHandler(stubAlerts{alerts}),
			Trades: handler.NewTradesHandler(stubTrades{trades}),
		},
		nil,
		slog.New(slog.DiscardHandler),
	)
}

func get(t *testing.T, h http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer("")
	rec := get(t, srv.Handler(), "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status domain.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 65000.0, status.Spot["BTC"])
	require.Len(t, status.Windows, 1)
	assert.Equal(t, "monitoring", status.Windows[0].State)
}

func TestAlertsEndpointLimit(t *testing.T) {
	srv := newTestServer("")

	rec := get(t, srv.Handler(), "/api/alerts?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Alerts []domain.Alert `json:"alerts"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)

	rec = get(t, srv.Handler(), "/api/alerts?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTradesEndpoint(t *testing.T) {
	srv := newTestServer("")
	rec := get(t, srv.Handler(), "/api/trades", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Trades []domain.Trade `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Trades, 1)
	assert.Equal(t, "t1", body.Trades[0].ID)
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer("secret-key")

	rec := get(t, srv.Handler(), "/api/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(t, srv.Handler(), "/api/status", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(t, srv.Handler(), "/api/status", map[string]string{"X-API-Key": "secret-key"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, srv.Handler(), "/api/status", map[string]string{"Authorization": "Bearer secret-key"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := newTestServer("secret-key")
	rec := get(t, srv.Handler(), "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer("")
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWriteMethodsRejected(t *testing.T) {
	srv := newTestServer("")
	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
