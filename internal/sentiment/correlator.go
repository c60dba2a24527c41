// Package sentiment correlates classifier output with price returns.
package sentiment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"coinlink-go/internal/market"
	"coinlink-go/internal/signal"
)

// Confidence qualifies a correlation reading.
type Confidence string

const (
	High     Confidence = "high"
	Low      Confidence = "low"
	Degraded Confidence = "degraded"
)

// ErrInvalidSample is wrapped by Submit for samples that fail validation.
var ErrInvalidSample = errors.New("invalid sentiment sample")

// Snapshot is the published correlation state.
type Snapshot struct {
	Coefficient        float64    `json:"coefficient"`
	LeadLagMinutes     int        `json:"lead_lag_minutes"`
	LeadLagCoefficient float64    `json:"lead_lag_coefficient"`
	WindowMinutes      int        `json:"window_minutes"`
	Samples            int        `json:"samples"`
	Confidence         Confidence `json:"confidence"`
	LastSample         time.Time  `json:"last_sample"`
	ComputedAt         time.Time  `json:"computed_at"`
}

// Config tunes the correlator.
type Config struct {
	Window     time.Duration
	MaxShift   time.Duration
	StaleAfter time.Duration
	MinPairs   int
	Now        func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 30 * time.Minute
	}
	if c.MaxShift < 0 {
		c.MaxShift = 0
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.MinPairs < 3 {
		c.MinPairs = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type minuteClose struct {
	minute time.Time
	price  float64
}

// Correlator owns the paired series. Only Run touches closes and samples.
type Correlator struct {
	cfg     Config
	log     zerolog.Logger
	in      chan signal.SentimentSample
	closes  []minuteClose
	samples []signal.SentimentSample
	latest  atomic.Pointer[Snapshot]
}

// NewCorrelator builds a correlator with an empty series.
func NewCorrelator(cfg Config, log zerolog.Logger) *Correlator {
	cfg = cfg.withDefaults()
	c := &Correlator{cfg: cfg, log: log, in: make(chan signal.SentimentSample, 256)}
	c.latest.Store(&Snapshot{WindowMinutes: int(cfg.Window / time.Minute), Confidence: Degraded})
	return c
}

// Submit validates s and queues it for the correlator goroutine.
func (c *Correlator) Submit(ctx context.Context, s signal.SentimentSample) error {
	if err := validate(s); err != nil {
		return err
	}
	select {
	case c.in <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the latest reading, degraded when no sample arrived within the staleness window.
func (c *Correlator) Snapshot() Snapshot {
	snap := *c.latest.Load()
	if snap.LastSample.IsZero() || c.cfg.Now().Sub(snap.LastSample) > c.cfg.StaleAfter {
		snap.Confidence = Degraded
	}
	return snap
}

// Run consumes price snapshots and queued samples until ctx ends or prices closes.
func (c *Correlator) Run(ctx context.Context, prices <-chan market.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-prices:
			if !ok {
				return nil
			}
			c.safeObserve(snap)
		case s := <-c.in:
			c.safeAdd(s)
		}
	}
}

func (c *Correlator) safeObserve(snap market.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Uint64("version", snap.Version).Msg("price bucketing aborted")
		}
	}()
	c.observePrice(snap.Timestamp, snap.PriceFloat())
}

func (c *Correlator) safeAdd(s signal.SentimentSample) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("correlation update aborted")
		}
	}()
	snap := c.addSample(s)
	c.log.Debug().Float64("coefficient", snap.Coefficient).Int("lead_lag", snap.LeadLagMinutes).
		Int("samples", snap.Samples).Str("confidence", string(snap.Confidence)).Msg("correlation updated")
}

func (c *Correlator) horizon() time.Duration {
	return c.cfg.Window + c.cfg.MaxShift + 2*time.Minute
}

func (c *Correlator) observePrice(ts time.Time, price float64) {
	if price <= 0 {
		return
	}
	minute := ts.Truncate(time.Minute)
	n := len(c.closes)
	switch {
	case n > 0 && c.closes[n-1].minute.Equal(minute):
		c.closes[n-1].price = price
	case n > 0 && minute.Before(c.closes[n-1].minute):
		return
	default:
		c.closes = append(c.closes, minuteClose{minute: minute, price: price})
	}
	cutoff := ts.Add(-c.horizon())
	idx := 0
	for idx < len(c.closes)-1 && c.closes[idx].minute.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		c.closes = c.closes[idx:]
	}
}

func (c *Correlator) addSample(s signal.SentimentSample) Snapshot {
	idx := sort.Search(len(c.samples), func(i int) bool { return c.samples[i].Ts.After(s.Ts) })
	c.samples = append(c.samples, signal.SentimentSample{})
	copy(c.samples[idx+1:], c.samples[idx:])
	c.samples[idx] = s

	now := c.cfg.Now()
	cutoff := now.Add(-c.horizon())
	trim := 0
	for trim < len(c.samples) && c.samples[trim].Ts.Before(cutoff) {
		trim++
	}
	if trim > 0 {
		c.samples = c.samples[trim:]
	}

	snap := c.compute(now)
	last := c.samples[len(c.samples)-1].Ts
	if prev := c.latest.Load(); prev != nil && prev.LastSample.After(last) {
		last = prev.LastSample
	}
	snap.LastSample = last
	c.latest.Store(&snap)
	return snap
}

// returnAt is the price return of the given minute against the previous recorded close.
func (c *Correlator) returnAt(minute time.Time) (float64, bool) {
	i := sort.Search(len(c.closes), func(i int) bool { return !c.closes[i].minute.Before(minute) })
	if i == 0 || i >= len(c.closes) || !c.closes[i].minute.Equal(minute) {
		return 0, false
	}
	prev := c.closes[i-1].price
	return c.closes[i].price/prev - 1, true
}

func (c *Correlator) compute(now time.Time) Snapshot {
	snap := Snapshot{
		WindowMinutes: int(c.cfg.Window / time.Minute),
		ComputedAt:    now,
		Confidence:    Low,
	}
	maxShift := int(c.cfg.MaxShift / time.Minute)
	bestAbs := -1.0
	for k := 0; k <= maxShift; k++ {
		shift := time.Duration(k) * time.Minute
		lo, hi := now.Add(-c.cfg.Window-shift), now.Add(-shift)
		var xs, ys []float64
		for _, s := range c.samples {
			if s.Ts.Before(lo) || s.Ts.After(hi) {
				continue
			}
			r, ok := c.returnAt(s.Ts.Truncate(time.Minute).Add(shift))
			if !ok {
				continue
			}
			xs = append(xs, s.Value())
			ys = append(ys, r)
		}
		r := pearson(xs, ys)
		if k == 0 {
			snap.Coefficient = r
			snap.Samples = len(xs)
			if c.notable(r, len(xs)) {
				snap.Confidence = High
			}
		}
		if c.notable(r, len(xs)) && math.Abs(r) > bestAbs {
			bestAbs = math.Abs(r)
			snap.LeadLagMinutes = k
			snap.LeadLagCoefficient = r
		}
	}
	if bestAbs < 0 {
		snap.LeadLagCoefficient = snap.Coefficient
	}
	return snap
}

// notable applies a t-test at roughly the 5% level.
func (c *Correlator) notable(r float64, n int) bool {
	if n < c.cfg.MinPairs {
		return false
	}
	ar := math.Abs(r)
	if ar >= 1 {
		return true
	}
	t := ar * math.Sqrt(float64(n-2)/(1-ar*ar))
	return t >= 2
}

func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n < 3 || n != len(ys) {
		return 0
	}
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= float64(n)
	my /= float64(n)
	var cov, vx, vy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		cov += dx * dy
		vx += dx * dx
		vy += dy * dy
	}
	if vx == 0 || vy == 0 {
		return 0
	}
	r := cov / math.Sqrt(vx*vy)
	if r > 1 {
		return 1
	}
	if r < -1 {
		return -1
	}
	return r
}

func validate(s signal.SentimentSample) error {
	switch s.Label {
	case signal.Positive, signal.Negative, signal.Neutral:
	default:
		return fmt.Errorf("%w: label %q", ErrInvalidSample, s.Label)
	}
	if math.IsNaN(s.Score) || s.Score < 0 || s.Score > 1 {
		return fmt.Errorf("%w: score %v outside [0,1]", ErrInvalidSample, s.Score)
	}
	if s.Ts.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSample)
	}
	return nil
}
