package alert

import "time"

// Cooldowns is a copy-on-write table of last firing times per key.
type Cooldowns struct {
	def     time.Duration
	windows map[Kind]time.Duration
	last    map[Key]time.Time
}

// NewCooldowns builds an empty table with a default window and per-kind overrides.
func NewCooldowns(def time.Duration, overrides map[Kind]time.Duration) Cooldowns {
	windows := make(map[Kind]time.Duration, len(overrides))
	for k, d := range overrides {
		windows[k] = d
	}
	return Cooldowns{def: def, windows: windows, last: map[Key]time.Time{}}
}

// Window returns the cooldown applied to kind.
func (c Cooldowns) Window(kind Kind) time.Duration {
	if d, ok := c.windows[kind]; ok {
		return d
	}
	return c.def
}

// Active reports whether key fired less than its window before now.
func (c Cooldowns) Active(key Key, now time.Time) bool {
	last, ok := c.last[key]
	if !ok {
		return false
	}
	return now.Sub(last) < c.Window(key.Kind)
}

// Record returns a new table with the events' timestamps stored. The receiver is untouched.
func (c Cooldowns) Record(events []Event) Cooldowns {
	if len(events) == 0 {
		return c
	}
	next := Cooldowns{def: c.def, windows: c.windows, last: make(map[Key]time.Time, len(c.last)+len(events))}
	for k, v := range c.last {
		next.last[k] = v
	}
	for _, ev := range events {
		next.last[ev.Key] = ev.Timestamp
	}
	return next
}
