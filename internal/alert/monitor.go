package alert

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coinlink-go/internal/market"
	"coinlink-go/internal/metrics"
)

// Monitor owns the previous RSI and the cooldown table and turns snapshots into events.
type Monitor struct {
	log       zerolog.Logger
	rules     []Rule
	cooldowns Cooldowns
	prevRSI   float64
	havePrev  bool

	mu   sync.Mutex
	subs []chan Event
}

// NewMonitor builds a monitor over rules.
func NewMonitor(rules []Rule, cd Cooldowns, log zerolog.Logger) *Monitor {
	return &Monitor{log: log, rules: rules, cooldowns: cd}
}

// Subscribe returns a channel receiving every emitted event. Call before Run.
func (m *Monitor) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Observe evaluates one snapshot, records cooldowns and returns the fired events.
func (m *Monitor) Observe(snap market.Snapshot) []Event {
	prev := snap.RSI
	if m.havePrev {
		prev = m.prevRSI
	}
	events, errs := Evaluate(snap, prev, m.cooldowns, m.rules)
	m.prevRSI, m.havePrev = snap.RSI, true

	for _, err := range errs {
		kind := "unknown"
		var re *RuleError
		if errors.As(err, &re) {
			kind = string(re.Kind)
		}
		metrics.RuleErrors.WithLabelValues(kind).Inc()
		m.log.Error().Err(err).Uint64("version", snap.Version).Msg("alert rule failed")
	}
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		events[i].ID = uuid.NewString()
		metrics.AlertsTotal.WithLabelValues(string(events[i].Kind), string(events[i].Severity)).Inc()
		m.log.Info().Str("kind", string(events[i].Kind)).Str("severity", string(events[i].Severity)).Msg(events[i].Message)
	}
	m.cooldowns = m.cooldowns.Record(events)
	return events
}

// Run consumes snapshots until the channel closes or ctx ends.
func (m *Monitor) Run(ctx context.Context, snaps <-chan market.Snapshot) error {
	defer m.closeSubscribers()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			m.publish(m.safeObserve(snap))
		}
	}
}

func (m *Monitor) safeObserve(snap market.Snapshot) (events []Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Uint64("version", snap.Version).Msg("alert pass aborted")
			events = nil
		}
	}()
	return m.Observe(snap)
}

func (m *Monitor) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	subs := m.subs
	m.mu.Unlock()
	for _, ev := range events {
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
				metrics.SubscriberDrops.WithLabelValues("alerts").Inc()
				m.log.Warn().Str("id", ev.ID).Msg("alert subscriber full, event dropped")
			}
		}
	}
}

func (m *Monitor) closeSubscribers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
}
