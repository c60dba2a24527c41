package market

import (
	"sort"
	"sync"
	"time"
)

// PricePoint is a reference price at a point in time.
type PricePoint struct {
	Ts    time.Time
	Price float64
}

// History keeps one close per minute for the summary horizons.
// The engine writes; HTTP handlers read.
type History struct {
	mu        sync.RWMutex
	retention time.Duration
	points    []PricePoint
}

// NewHistory builds a history retaining the given span.
func NewHistory(retention time.Duration) *History {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &History{retention: retention}
}

// Record stores price as the latest close for the minute of ts.
func (h *History) Record(ts time.Time, price float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.points)
	if n > 0 {
		last := h.points[n-1]
		if ts.Before(last.Ts) {
			return
		}
		if last.Ts.Truncate(time.Minute).Equal(ts.Truncate(time.Minute)) {
			h.points[n-1] = PricePoint{Ts: ts, Price: price}
			return
		}
	}
	h.points = append(h.points, PricePoint{Ts: ts, Price: price})
	h.trim(ts)
}

// Seed merges older reference points (e.g. exchange klines) ahead of live data.
func (h *History) Seed(points []PricePoint) {
	if len(points) == 0 {
		return
	}
	sorted := append([]PricePoint(nil), points...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ts.Before(sorted[j].Ts) })

	h.mu.Lock()
	defer h.mu.Unlock()

	var older []PricePoint
	for _, p := range sorted {
		if p.Price <= 0 {
			continue
		}
		if len(h.points) > 0 && !p.Ts.Before(h.points[0].Ts) {
			break
		}
		if len(older) > 0 && !p.Ts.After(older[len(older)-1].Ts) {
			continue
		}
		older = append(older, p)
	}
	h.points = append(older, h.points...)
	if n := len(h.points); n > 0 {
		h.trim(h.points[n-1].Ts)
	}
}

// PriceAt returns the newest recorded price at or before t.
func (h *History) PriceAt(t time.Time) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	idx := sort.Search(len(h.points), func(i int) bool { return h.points[i].Ts.After(t) })
	if idx == 0 {
		return 0, false
	}
	return h.points[idx-1].Price, true
}

// Len reports the number of stored points.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.points)
}

func (h *History) trim(now time.Time) {
	cutoff := now.Add(-h.retention)
	idx := 0
	for idx < len(h.points) && h.points[idx].Ts.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		h.points = append([]PricePoint(nil), h.points[idx:]...)
	}
}
