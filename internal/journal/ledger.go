// Package journal keeps a record of emitted alerts in memory and on disk.
package journal

import (
	"sync"

	"coinlink-go/internal/alert"
)

// Ledger keeps the most recent alerts in memory for quick inspection.
type Ledger struct {
	mu      sync.Mutex
	records []alert.Record
	max     int
}

// NewLedger keeps at most capacity records.
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = 100
	}
	return &Ledger{records: make([]alert.Record, 0, capacity), max: capacity}
}

// Record appends a record, evicting the oldest when full.
func (l *Ledger) Record(rec alert.Record) {
	l.mu.Lock()
	if len(l.records) == l.max {
		copy(l.records, l.records[1:])
		l.records = l.records[:l.max-1]
	}
	l.records = append(l.records, rec)
	l.mu.Unlock()
}

// Recent returns up to limit records, newest first. limit <= 0 returns everything.
func (l *Ledger) Recent(limit int) []alert.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]alert.Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.records[i])
	}
	return out
}

// Reset clears all stored records.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.records = l.records[:0]
	l.mu.Unlock()
}
