// Package api serves the HTTP query surface, injection endpoints and the push socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"coinlink-go/internal/alert"
	"coinlink-go/internal/market"
	"coinlink-go/internal/metrics"
	"coinlink-go/internal/sentiment"
	"coinlink-go/internal/signal"
)

// MarketView is the read side of the market engine.
type MarketView interface {
	Latest() *market.Snapshot
	Summary() (market.Summary, bool)
}

// Correlator accepts samples and reports the current reading.
type Correlator interface {
	Snapshot() sentiment.Snapshot
	Submit(ctx context.Context, s signal.SentimentSample) error
}

// Injector feeds synthetic ticks through the normal ingest path.
type Injector interface {
	InjectTick(ctx context.Context, tk signal.Tick) error
}

// AlertLog lists recently emitted alerts, newest first.
type AlertLog interface {
	Recent(limit int) []alert.Record
	Reset()
}

// Deps wires the server. Injector, Alerts and WS may be nil to disable those routes.
type Deps struct {
	Market      MarketView
	Correlation Correlator
	Injector    Injector
	Alerts      AlertLog
	WS          http.Handler
}

// Server holds the handlers behind Routes.
type Server struct {
	deps Deps
	log  zerolog.Logger
	now  func() time.Time
}

// New builds a server over deps.
func New(deps Deps, log zerolog.Logger) *Server {
	return &Server{deps: deps, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("req_id", middleware.GetReqID(r.Context())).
			Int("status", status).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/summary", s.summary)
		r.Get("/snapshot", s.snapshot)
		r.Get("/correlation", s.correlation)
		r.Post("/sentiment", s.postSentiment)
		if s.deps.Injector != nil {
			r.Post("/ticks", s.postTick)
		}
		if s.deps.Alerts != nil {
			r.Get("/alerts", s.alerts)
			r.Delete("/alerts", s.clearAlerts)
		}
	})
	if s.deps.WS != nil {
		r.Handle("/ws", s.deps.WS)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	if snap := s.deps.Market.Latest(); snap != nil {
		out["version"] = snap.Version
		out["stale"] = snap.Stale
		out["last_tick"] = snap.Timestamp
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	sum, ok := s.deps.Market.Summary()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, errors.New("no market data yet"))
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) correlation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Correlation.Snapshot())
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	corr := s.deps.Correlation.Snapshot()
	writeJSON(w, http.StatusOK, struct {
		Market      *market.Snapshot    `json:"market"`
		Correlation *sentiment.Snapshot `json:"correlation"`
	}{s.deps.Market.Latest(), &corr})
}

// alerts returns the journal, newest first. ?limit=N caps the result.
func (s *Server) alerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	recs := s.deps.Alerts.Recent(limit)
	if recs == nil {
		recs = []alert.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// clearAlerts empties the in-memory journal; the JSONL file is left alone.
func (s *Server) clearAlerts(w http.ResponseWriter, r *http.Request) {
	s.deps.Alerts.Reset()
	w.WriteHeader(http.StatusNoContent)
}

const maxBody = 64 << 10

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New("body must be a json object")
	}
	return body, nil
}

func (s *Server) postSentiment(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sample, err := sentiment.ParseSample(body, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Correlation.Submit(r.Context(), sample); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, sentiment.ErrInvalidSample) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	metrics.SentimentSamples.WithLabelValues("http").Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "timestamp": sample.Ts})
}

// parseTick accepts {"price": ..., "volume": ..., "timestamp": ...}; numbers may be quoted.
func parseTick(body []byte, now time.Time) (signal.Tick, error) {
	res := gjson.GetManyBytes(body, "price", "volume", "timestamp")
	if !res[0].Exists() {
		return signal.Tick{}, errors.New("price is required")
	}
	price, err := decimal.NewFromString(res[0].String())
	if err != nil {
		return signal.Tick{}, fmt.Errorf("price: %w", err)
	}
	volume := decimal.Zero
	if res[1].Exists() {
		if volume, err = decimal.NewFromString(res[1].String()); err != nil {
			return signal.Tick{}, fmt.Errorf("volume: %w", err)
		}
	}
	ts := now
	switch res[2].Type {
	case gjson.Number:
		ts = time.UnixMilli(res[2].Int()).UTC()
	case gjson.String:
		if ts, err = time.Parse(time.RFC3339Nano, res[2].String()); err != nil {
			return signal.Tick{}, fmt.Errorf("timestamp: %w", err)
		}
		ts = ts.UTC()
	}
	return signal.Tick{Price: price, Volume: volume, Ts: ts, Source: "inject"}, nil
}

func (s *Server) postTick(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tk, err := parseTick(body, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Range checks are left to feed normalization.
	if err := s.deps.Injector.InjectTick(r.Context(), tk); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":  true,
		"price":     tk.Price.String(),
		"volume":    tk.Volume.String(),
		"timestamp": tk.Ts,
	})
}
