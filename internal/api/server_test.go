package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinlink-go/internal/alert"
	"coinlink-go/internal/market"
	"coinlink-go/internal/sentiment"
	"coinlink-go/internal/signal"
)

type fakeMarket struct {
	snap *market.Snapshot
	sum  market.Summary
}

func (f fakeMarket) Latest() *market.Snapshot { return f.snap }

func (f fakeMarket) Summary() (market.Summary, bool) {
	return f.sum, f.snap != nil
}

type fakeInjector struct {
	mu    sync.Mutex
	ticks []signal.Tick
}

func (f *fakeInjector) InjectTick(_ context.Context, tk signal.Tick) error {
	f.mu.Lock()
	f.ticks = append(f.ticks, tk)
	f.mu.Unlock()
	return nil
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(m fakeMarket, inj Injector) (*Server, *sentiment.Correlator) {
	corr := sentiment.NewCorrelator(sentiment.Config{Now: func() time.Time { return now }}, zerolog.Nop())
	s := New(Deps{Market: m, Correlation: corr, Injector: inj}, zerolog.Nop())
	s.now = func() time.Time { return now }
	return s, corr
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSummaryUnavailableBeforeFirstTick(t *testing.T) {
	s, _ := newTestServer(fakeMarket{}, nil)
	rec := do(t, s.Routes(), http.MethodGet, "/api/summary", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestSummary(t *testing.T) {
	change := 1.5
	snap := &market.Snapshot{Version: 3, Symbol: "BTCUSDT", Price: decimal.NewFromInt(120000), Timestamp: now}
	sum := market.Summary{Symbol: "BTCUSDT", Price: 120000, Version: 3, Changes: map[string]*float64{"1h": &change, "24h": nil}}
	s, _ := newTestServer(fakeMarket{snap: snap, sum: sum}, nil)

	rec := do(t, s.Routes(), http.MethodGet, "/api/summary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got market.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != 3 || got.Changes["1h"] == nil || *got.Changes["1h"] != 1.5 || got.Changes["24h"] != nil {
		t.Fatalf("unexpected summary %+v", got)
	}
}

func TestCorrelationAndSnapshot(t *testing.T) {
	snap := &market.Snapshot{Version: 9, Symbol: "BTCUSDT", Price: decimal.NewFromInt(100), Timestamp: now}
	s, _ := newTestServer(fakeMarket{snap: snap}, nil)
	h := s.Routes()

	rec := do(t, h, http.MethodGet, "/api/correlation", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"confidence":"degraded"`) {
		t.Fatalf("unexpected correlation response %d %s", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodGet, "/api/snapshot", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version":9`) {
		t.Fatalf("unexpected snapshot response %d %s", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body)
	}
}

func TestPostTick(t *testing.T) {
	inj := &fakeInjector{}
	s, _ := newTestServer(fakeMarket{}, inj)
	h := s.Routes()

	rec := do(t, h, http.MethodPost, "/api/ticks", `{"price":"121600.5","volume":0.25}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodPost, "/api/ticks", `{"price":119000,"timestamp":"2024-06-01T11:59:30Z"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	if len(inj.ticks) != 2 {
		t.Fatalf("expected 2 injected ticks, got %d", len(inj.ticks))
	}
	first, second := inj.ticks[0], inj.ticks[1]
	if !first.Price.Equal(decimal.RequireFromString("121600.5")) || !first.Volume.Equal(decimal.RequireFromString("0.25")) || !first.Ts.Equal(now) {
		t.Fatalf("unexpected first tick %+v", first)
	}
	if !second.Volume.IsZero() || !second.Ts.Equal(now.Add(-30*time.Second)) {
		t.Fatalf("unexpected second tick %+v", second)
	}

	for _, body := range []string{`{}`, `{"price":"abc"}`, `not json`, `{"price":1,"timestamp":"soon"}`} {
		if rec := do(t, h, http.MethodPost, "/api/ticks", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", body, rec.Code)
		}
	}
}

func TestTickRouteDisabledWithoutInjector(t *testing.T) {
	s, _ := newTestServer(fakeMarket{}, nil)
	rec := do(t, s.Routes(), http.MethodPost, "/api/ticks", `{"price":1}`)
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected injection route to be absent, got %d", rec.Code)
	}
}

func TestPostSentiment(t *testing.T) {
	s, _ := newTestServer(fakeMarket{}, nil)
	h := s.Routes()

	rec := do(t, h, http.MethodPost, "/api/sentiment", `{"label":"positive","score":0.7}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	rec = do(t, h, http.MethodPost, "/api/sentiment", `{"label":"positive","score":7}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

type fakeAlerts struct{ recs []alert.Record }

func (f *fakeAlerts) Recent(limit int) []alert.Record {
	if limit <= 0 || limit > len(f.recs) {
		limit = len(f.recs)
	}
	return f.recs[:limit]
}

func (f *fakeAlerts) Reset() { f.recs = nil }

func TestAlerts(t *testing.T) {
	s, _ := newTestServer(fakeMarket{}, nil)
	entries := &fakeAlerts{recs: []alert.Record{
		{ID: "b", Type: alert.VolumeSpike, Severity: alert.High, Timestamp: now},
		{ID: "a", Type: alert.PriceMove, Severity: alert.Medium, Timestamp: now},
	}}
	s.deps.Alerts = entries
	h := s.Routes()

	rec := do(t, h, http.MethodGet, "/api/alerts?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" || got[0].Type != "volume_spike" {
		t.Fatalf("unexpected alerts %+v", got)
	}

	if rec := do(t, h, http.MethodGet, "/api/alerts?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}

	if rec := do(t, h, http.MethodDelete, "/api/alerts", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/api/alerts", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty journal after reset, got %s", rec.Body.String())
	}
}
