package market

import (
	"time"

	"github.com/shopspring/decimal"
)

type point struct {
	ts    time.Time
	price float64
}

// changeWindow keeps the samples needed to compute a percent change over span.
// pts[0] is the newest sample at or before the cutoff when one exists, otherwise the earliest sample.
type changeWindow struct {
	span time.Duration
	pts  []point
}

func (w *changeWindow) add(ts time.Time, price float64) float64 {
	w.pts = append(w.pts, point{ts: ts, price: price})
	cutoff := ts.Add(-w.span)
	anchor := 0
	for i, p := range w.pts {
		if p.ts.After(cutoff) {
			break
		}
		anchor = i
	}
	if anchor > 0 {
		w.pts = w.pts[anchor:]
	}
	base := w.pts[0].price
	if base <= 0 {
		return 0
	}
	return (price - base) / base * 100
}

type volPoint struct {
	ts  time.Time
	vol decimal.Decimal
}

// volumeWindow sums tick volume over the trailing minute and five minutes.
type volumeWindow struct {
	pts   []volPoint
	i1    int
	i5    int
	sum1  decimal.Decimal
	sum5  decimal.Decimal
	first time.Time
}

const (
	oneMinute   = time.Minute
	fiveMinutes = 5 * time.Minute
)

func (w *volumeWindow) add(ts time.Time, vol decimal.Decimal) {
	if w.first.IsZero() {
		w.first = ts
	}
	w.pts = append(w.pts, volPoint{ts: ts, vol: vol})
	w.sum1 = w.sum1.Add(vol)
	w.sum5 = w.sum5.Add(vol)

	cut5 := ts.Add(-fiveMinutes)
	for w.i5 < len(w.pts) && !w.pts[w.i5].ts.After(cut5) {
		w.sum5 = w.sum5.Sub(w.pts[w.i5].vol)
		w.i5++
	}
	cut1 := ts.Add(-oneMinute)
	for w.i1 < len(w.pts) && !w.pts[w.i1].ts.After(cut1) {
		w.sum1 = w.sum1.Sub(w.pts[w.i1].vol)
		w.i1++
	}
	if w.i5 > 1024 && w.i5 > len(w.pts)/2 {
		w.pts = append([]volPoint(nil), w.pts[w.i5:]...)
		w.i1 -= w.i5
		w.i5 = 0
	}
}

// stats returns vol_1m, the per-minute 5m average, and their ratio.
// The average divides by the minutes actually observed (1..5) so a fresh window is not a spike.
func (w *volumeWindow) stats(now time.Time) (vol1m, avg5m, ratio float64) {
	vol1m = w.sum1.InexactFloat64()
	minutes := now.Sub(w.first).Minutes()
	if minutes < 1 {
		minutes = 1
	}
	if minutes > 5 {
		minutes = 5
	}
	avg5m = w.sum5.InexactFloat64() / minutes
	if avg5m > 0 {
		ratio = vol1m / avg5m
	}
	return vol1m, avg5m, ratio
}
