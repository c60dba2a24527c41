package alert

import (
	"fmt"
	"math"

	"coinlink-go/internal/market"
)

// Input is what a rule sees for one evaluation pass.
type Input struct {
	Snapshot market.Snapshot
	PrevRSI  float64
}

// Rule checks one condition. A nil event means the rule did not fire.
type Rule interface {
	Kind() Kind
	Check(in Input) (*Event, error)
}

// Thresholds parameterizes the built-in rules.
type Thresholds struct {
	PriceMovePct  float64
	RSIOverbought float64
	RSIOversold   float64
	BreachPct     float64
	VolumeRatio   float64
}

// DefaultThresholds mirrors the production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{PriceMovePct: 2, RSIOverbought: 70, RSIOversold: 30, BreachPct: 0.5, VolumeRatio: 3}
}

// NewRules returns the built-in rule set in evaluation order.
func NewRules(th Thresholds) []Rule {
	def := DefaultThresholds()
	if th.PriceMovePct <= 0 {
		th.PriceMovePct = def.PriceMovePct
	}
	if th.RSIOverbought <= 0 {
		th.RSIOverbought = def.RSIOverbought
	}
	if th.RSIOversold <= 0 {
		th.RSIOversold = def.RSIOversold
	}
	if th.BreachPct <= 0 {
		th.BreachPct = def.BreachPct
	}
	if th.VolumeRatio <= 0 {
		th.VolumeRatio = def.VolumeRatio
	}
	return []Rule{
		priceMoveRule{threshold: th.PriceMovePct},
		rsiCrossRule{upper: th.RSIOverbought, lower: th.RSIOversold},
		levelBreachRule{pct: th.BreachPct},
		volumeSpikeRule{ratio: th.VolumeRatio},
	}
}

type priceMoveRule struct{ threshold float64 }

func (priceMoveRule) Kind() Kind { return PriceMove }

func (r priceMoveRule) Check(in Input) (*Event, error) {
	chg := in.Snapshot.Change1mPct
	if math.IsNaN(chg) || math.IsInf(chg, 0) {
		return nil, fmt.Errorf("invalid 1m change %v", chg)
	}
	if math.Abs(chg) <= r.threshold {
		return nil, nil
	}
	sev := Medium
	if math.Abs(chg) >= 2*r.threshold {
		sev = High
	}
	return &Event{
		Severity: sev,
		Message:  fmt.Sprintf("%s moved %+.2f%% in 1m to %s", in.Snapshot.Symbol, chg, in.Snapshot.Price.StringFixed(2)),
		Detail:   PriceMoveDetail{ChangePct: chg},
	}, nil
}

type rsiCrossRule struct{ upper, lower float64 }

func (rsiCrossRule) Kind() Kind { return RSICross }

func (r rsiCrossRule) Check(in Input) (*Event, error) {
	prev, cur := in.PrevRSI, in.Snapshot.RSI
	if prev < 0 || prev > 100 || cur < 0 || cur > 100 || math.IsNaN(prev) || math.IsNaN(cur) {
		return nil, fmt.Errorf("rsi out of range: %v -> %v", prev, cur)
	}
	crossed := func(level float64) bool { return (prev < level) != (cur < level) }
	if !crossed(r.upper) && !crossed(r.lower) {
		return nil, nil
	}

	var (
		level float64
		dir   = "up"
		sev   = Medium
		what  string
	)
	if cur < prev {
		dir = "down"
	}
	switch {
	case cur >= r.upper:
		level, what = r.upper, "entered overbought"
	case cur < r.lower:
		level, what = r.lower, "entered oversold"
	case prev >= r.upper:
		level, what, sev = r.upper, "left overbought", Low
	default:
		level, what, sev = r.lower, "left oversold", Low
	}
	return &Event{
		Severity: sev,
		Message:  fmt.Sprintf("%s RSI %s, crossed %.0f (%.1f -> %.1f)", in.Snapshot.Symbol, what, level, prev, cur),
		Detail:   RSICrossDetail{From: prev, To: cur, Level: level, Direction: dir},
	}, nil
}

type levelBreachRule struct{ pct float64 }

func (levelBreachRule) Kind() Kind { return LevelBreach }

func (r levelBreachRule) Check(in Input) (*Event, error) {
	s := in.Snapshot
	if !s.LevelsReady {
		return nil, nil
	}
	if s.Support <= 0 || s.Resistance <= 0 {
		return nil, fmt.Errorf("levels not positive: %v/%v", s.Support, s.Resistance)
	}
	if s.Support >= s.Resistance {
		return nil, nil
	}
	price := s.PriceFloat()
	distSupport := (price - s.Support) / s.Support * 100
	distResistance := (s.Resistance - price) / s.Resistance * 100

	side, level, dist := "support", s.Support, distSupport
	if distResistance < distSupport {
		side, level, dist = "resistance", s.Resistance, distResistance
	}
	if dist > r.pct {
		return nil, nil
	}

	broken := dist < 0
	sev := Medium
	msg := fmt.Sprintf("%s testing %s %.2f (%.2f%% away)", s.Symbol, side, level, math.Abs(dist))
	if broken {
		sev = High
		verb := "below"
		if side == "resistance" {
			verb = "above"
		}
		msg = fmt.Sprintf("%s broke %s %s %.2f", s.Symbol, verb, side, level)
	}
	return &Event{
		Severity: sev,
		Message:  msg,
		Detail:   LevelBreachDetail{Side: side, Level: level, Price: price, DistancePct: dist, Broken: broken},
	}, nil
}

type volumeSpikeRule struct{ ratio float64 }

func (volumeSpikeRule) Kind() Kind { return VolumeSpike }

func (r volumeSpikeRule) Check(in Input) (*Event, error) {
	s := in.Snapshot
	if math.IsNaN(s.VolumeRatio) || s.VolumeRatio < 0 {
		return nil, fmt.Errorf("invalid volume ratio %v", s.VolumeRatio)
	}
	if s.VolumeRatio <= r.ratio {
		return nil, nil
	}
	sev := Medium
	if s.VolumeRatio >= 2*r.ratio {
		sev = High
	}
	return &Event{
		Severity: sev,
		Message:  fmt.Sprintf("%s volume spike %.1fx the 5m average", s.Symbol, s.VolumeRatio),
		Detail:   VolumeSpikeDetail{Ratio: s.VolumeRatio, Vol1m: s.Vol1m, Vol5mAvg: s.Vol5mAvg},
	}, nil
}
