// Package market owns the rolling indicator state for the tracked instrument.
package market

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"coinlink-go/internal/signal"
)

// ErrOutOfOrder is returned when a tick is older than the last applied one.
var ErrOutOfOrder = errors.New("tick older than last applied")

// Snapshot is an immutable view of the market state after one tick.
type Snapshot struct {
	Version     uint64          `json:"version"`
	Symbol      string          `json:"symbol"`
	Price       decimal.Decimal `json:"price"`
	Volume      decimal.Decimal `json:"volume"`
	Timestamp   time.Time       `json:"timestamp"`
	RSI         float64         `json:"rsi"`
	RSIReady    bool            `json:"rsi_ready"`
	Change1mPct float64         `json:"change_1m_pct"`
	Support     float64         `json:"support"`
	Resistance  float64         `json:"resistance"`
	LevelsReady bool            `json:"levels_ready"`
	Vol1m       float64         `json:"vol_1m"`
	Vol5mAvg    float64         `json:"vol_5m_avg"`
	VolumeRatio float64         `json:"volume_ratio"`
	Stale       bool            `json:"stale"`
}

// PriceFloat returns the price as float64 for indicator math.
func (s Snapshot) PriceFloat() float64 { return s.Price.InexactFloat64() }

// Config tunes the state windows.
type Config struct {
	Symbol         string
	BarInterval    time.Duration
	RSIPeriod      int
	LevelsLookback time.Duration
	LevelsWarmup   time.Duration
	History        time.Duration
}

func (c Config) withDefaults() Config {
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.LevelsLookback <= 0 {
		c.LevelsLookback = time.Hour
	}
	if c.LevelsWarmup < 0 {
		c.LevelsWarmup = 0
	}
	if c.History <= 0 {
		c.History = 30 * 24 * time.Hour
	}
	return c
}

// State is not safe for concurrent use; Engine serializes access.
type State struct {
	cfg     Config
	version uint64
	first   time.Time
	last    time.Time

	change changeWindow
	volume volumeWindow
	levels levels
	rsi    *RSI
}

// NewState builds an empty state.
func NewState(cfg Config) *State {
	cfg = cfg.withDefaults()
	return &State{
		cfg:    cfg,
		change: changeWindow{span: time.Minute},
		levels: levels{lookback: cfg.LevelsLookback},
		rsi:    NewRSI(cfg.RSIPeriod, cfg.BarInterval),
	}
}

// Apply folds tk into the state and returns the next snapshot.
func (s *State) Apply(tk signal.Tick) (Snapshot, error) {
	if !s.last.IsZero() && tk.Ts.Before(s.last) {
		return Snapshot{}, ErrOutOfOrder
	}
	if s.first.IsZero() {
		s.first = tk.Ts
	}
	s.last = tk.Ts

	price := tk.Price.InexactFloat64()
	change := s.change.add(tk.Ts, price)
	s.volume.add(tk.Ts, tk.Volume)
	vol1m, avg5m, ratio := s.volume.stats(tk.Ts)
	support, resistance := s.levels.observe(tk.Ts, price)
	rsi := clamp(s.rsi.Update(price, tk.Ts), 0, 100)

	s.version++
	symbol := tk.Symbol
	if symbol == "" {
		symbol = s.cfg.Symbol
	}
	return Snapshot{
		Version:     s.version,
		Symbol:      symbol,
		Price:       tk.Price,
		Volume:      tk.Volume,
		Timestamp:   tk.Ts,
		RSI:         rsi,
		RSIReady:    s.rsi.Ready(),
		Change1mPct: change,
		Support:     support,
		Resistance:  resistance,
		LevelsReady: tk.Ts.Sub(s.first) >= s.cfg.LevelsWarmup && s.version > 1,
		Vol1m:       vol1m,
		Vol5mAvg:    avg5m,
		VolumeRatio: ratio,
		Stale:       tk.Stale,
	}, nil
}

// Version returns the number of ticks applied.
func (s *State) Version() uint64 { return s.version }
