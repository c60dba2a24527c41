package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"coinlink-go/internal/metrics"
	"coinlink-go/internal/signal"
)

// Horizons reported by the summary, in display order.
var Horizons = []struct {
	Label string
	Span  time.Duration
}{
	{"1h", time.Hour},
	{"24h", 24 * time.Hour},
	{"7d", 7 * 24 * time.Hour},
	{"30d", 30 * 24 * time.Hour},
}

// Summary is the contextual price view served to the query surface.
type Summary struct {
	Symbol    string              `json:"symbol"`
	Price     float64             `json:"price"`
	Timestamp time.Time           `json:"timestamp"`
	Version   uint64              `json:"version"`
	Stale     bool                `json:"stale"`
	RSI       float64             `json:"rsi"`
	Changes   map[string]*float64 `json:"changes"`
}

type subscriber struct {
	name string
	ch   chan Snapshot
}

// Engine is the single writer of market state. It publishes every snapshot atomically
// and offers it to subscribers without blocking.
type Engine struct {
	log     zerolog.Logger
	state   *State
	history *History
	latest  atomic.Pointer[Snapshot]

	mu   sync.Mutex
	subs []subscriber
}

// NewEngine builds an engine around a fresh State.
func NewEngine(cfg Config, log zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		log:     log,
		state:   NewState(cfg),
		history: NewHistory(cfg.History + time.Hour),
	}
}

// Subscribe registers a named consumer. Call before Run; channels close when Run returns.
func (e *Engine) Subscribe(name string, buffer int) <-chan Snapshot {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	e.mu.Lock()
	e.subs = append(e.subs, subscriber{name: name, ch: ch})
	e.mu.Unlock()
	return ch
}

// History exposes the minute-close history (for seeding and queries).
func (e *Engine) History() *History { return e.history }

// Latest returns the most recent snapshot or nil before the first tick.
func (e *Engine) Latest() *Snapshot { return e.latest.Load() }

// MarkStale republishes the latest snapshot flagged stale. The next tick clears the flag.
func (e *Engine) MarkStale() {
	for {
		cur := e.latest.Load()
		if cur == nil || cur.Stale {
			return
		}
		next := *cur
		next.Stale = true
		if e.latest.CompareAndSwap(cur, &next) {
			return
		}
	}
}

// Run applies ticks until ctx is canceled or ticks is closed.
func (e *Engine) Run(ctx context.Context, ticks <-chan signal.Tick) error {
	defer e.closeSubscribers()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tk, ok := <-ticks:
			if !ok {
				return nil
			}
			if err := e.apply(tk); err != nil {
				e.log.Warn().Err(err).Time("ts", tk.Ts).Msg("tick not applied")
			}
		}
	}
}

func (e *Engine) apply(tk signal.Tick) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply panic: %v", r)
		}
	}()

	snap, err := e.state.Apply(tk)
	if err != nil {
		if errors.Is(err, ErrOutOfOrder) {
			metrics.TicksDiscarded.WithLabelValues("out_of_order").Inc()
		}
		return err
	}
	e.history.Record(snap.Timestamp, snap.PriceFloat())
	e.latest.Store(&snap)
	metrics.SnapshotVersion.Set(float64(snap.Version))

	e.mu.Lock()
	subs := e.subs
	e.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.ch <- snap:
		default:
			metrics.SubscriberDrops.WithLabelValues(sub.name).Inc()
			e.log.Debug().Str("subscriber", sub.name).Uint64("version", snap.Version).Msg("subscriber full, snapshot dropped")
		}
	}
	return nil
}

func (e *Engine) closeSubscribers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sub := range e.subs {
		close(sub.ch)
	}
	e.subs = nil
}

// Summary reports the latest price with changes over the standard horizons.
// Horizons not covered by history are nil.
func (e *Engine) Summary() (Summary, bool) {
	snap := e.Latest()
	if snap == nil {
		return Summary{}, false
	}
	price := snap.PriceFloat()
	out := Summary{
		Symbol:    snap.Symbol,
		Price:     price,
		Timestamp: snap.Timestamp,
		Version:   snap.Version,
		Stale:     snap.Stale,
		RSI:       snap.RSI,
		Changes:   make(map[string]*float64, len(Horizons)),
	}
	for _, h := range Horizons {
		ref, ok := e.history.PriceAt(snap.Timestamp.Add(-h.Span))
		if !ok || ref <= 0 {
			out.Changes[h.Label] = nil
			continue
		}
		pct := (price - ref) / ref * 100
		out.Changes[h.Label] = &pct
	}
	return out, true
}
