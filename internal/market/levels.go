package market

import "time"

// levels tracks trailing support (min) and resistance (max) with monotonic deques.
type levels struct {
	lookback time.Duration
	lows     []point
	highs    []point
}

// observe returns the levels formed by prices before ts, then records price.
func (l *levels) observe(ts time.Time, price float64) (support, resistance float64) {
	cutoff := ts.Add(-l.lookback)
	for len(l.lows) > 0 && !l.lows[0].ts.After(cutoff) {
		l.lows = l.lows[1:]
	}
	for len(l.highs) > 0 && !l.highs[0].ts.After(cutoff) {
		l.highs = l.highs[1:]
	}

	support, resistance = price, price
	if len(l.lows) > 0 {
		support = l.lows[0].price
	}
	if len(l.highs) > 0 {
		resistance = l.highs[0].price
	}

	for len(l.lows) > 0 && l.lows[len(l.lows)-1].price >= price {
		l.lows = l.lows[:len(l.lows)-1]
	}
	l.lows = append(l.lows, point{ts: ts, price: price})
	for len(l.highs) > 0 && l.highs[len(l.highs)-1].price <= price {
		l.highs = l.highs[:len(l.highs)-1]
	}
	l.highs = append(l.highs, point{ts: ts, price: price})
	return support, resistance
}
