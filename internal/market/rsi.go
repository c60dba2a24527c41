package market

import "time"

const neutralRSI = 50.0

// RSI is a Wilder-smoothed relative strength index sampled on fixed bars.
// With a zero bar interval every tick is its own period.
type RSI struct {
	period int
	bar    time.Duration

	barStart time.Time
	hasBar   bool
	forming  float64

	lastClose float64
	haveClose bool
	changes   int
	seedGain  float64
	seedLoss  float64
	avgGain   float64
	avgLoss   float64
}

// NewRSI builds an RSI over period changes. Non-positive periods fall back to 14.
func NewRSI(period int, bar time.Duration) *RSI {
	if period <= 0 {
		period = 14
	}
	if bar < 0 {
		bar = 0
	}
	return &RSI{period: period, bar: bar}
}

// Update feeds a price observed at ts and returns the current value.
// In bar mode the forming bar's latest price acts as a provisional close.
func (r *RSI) Update(price float64, ts time.Time) float64 {
	if r.bar == 0 {
		r.commit(price)
		return r.Value()
	}
	bucket := ts.Truncate(r.bar)
	switch {
	case !r.hasBar:
		r.barStart, r.forming, r.hasBar = bucket, price, true
	case bucket.After(r.barStart):
		r.commit(r.forming)
		r.barStart, r.forming = bucket, price
	default:
		r.forming = price
	}
	return r.Peek(r.forming)
}

// Ready reports whether enough periods exist for a non-neutral value.
func (r *RSI) Ready() bool {
	if r.bar > 0 && r.haveClose {
		return r.changes+1 >= r.period
	}
	return r.changes >= r.period
}

// Value returns the RSI over committed periods only.
func (r *RSI) Value() float64 {
	if r.changes < r.period {
		return neutralRSI
	}
	return rsiFrom(r.avgGain, r.avgLoss)
}

// Peek computes the value as if close were committed next, without mutating state.
func (r *RSI) Peek(close float64) float64 {
	if !r.haveClose {
		return neutralRSI
	}
	gain, loss := split(close - r.lastClose)
	n := r.changes + 1
	p := float64(r.period)
	switch {
	case n < r.period:
		return neutralRSI
	case n == r.period:
		return rsiFrom((r.seedGain+gain)/p, (r.seedLoss+loss)/p)
	default:
		return rsiFrom((r.avgGain*(p-1)+gain)/p, (r.avgLoss*(p-1)+loss)/p)
	}
}

func (r *RSI) commit(close float64) {
	if !r.haveClose {
		r.lastClose, r.haveClose = close, true
		return
	}
	gain, loss := split(close - r.lastClose)
	r.lastClose = close
	r.changes++
	p := float64(r.period)
	switch {
	case r.changes < r.period:
		r.seedGain += gain
		r.seedLoss += loss
	case r.changes == r.period:
		r.avgGain = (r.seedGain + gain) / p
		r.avgLoss = (r.seedLoss + loss) / p
	default:
		r.avgGain = (r.avgGain*(p-1) + gain) / p
		r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	}
}

func split(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return neutralRSI
		}
		return 100
	}
	rs := avgGain / avgLoss
	return clamp(100-100/(1+rs), 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
