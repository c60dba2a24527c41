package alert

import (
	"fmt"

	"coinlink-go/internal/market"
)

// RuleError reports a rule that failed during one pass.
type RuleError struct {
	Kind Kind
	Err  error
}

func (e *RuleError) Error() string { return fmt.Sprintf("rule %s: %v", e.Kind, e.Err) }

func (e *RuleError) Unwrap() error { return e.Err }

// Evaluate runs every rule against snap and returns the events that fired, in rule order.
// It reads cd but never modifies it. A failing rule yields a RuleError and does not stop the others.
func Evaluate(snap market.Snapshot, prevRSI float64, cd Cooldowns, rules []Rule) ([]Event, []error) {
	in := Input{Snapshot: snap, PrevRSI: prevRSI}
	var (
		events []Event
		errs   []error
	)
	for _, rule := range rules {
		key := Key{Instrument: snap.Symbol, Kind: rule.Kind()}
		if cd.Active(key, snap.Timestamp) {
			continue
		}
		ev, err := check(rule, in)
		if err != nil {
			errs = append(errs, &RuleError{Kind: rule.Kind(), Err: err})
			continue
		}
		if ev == nil {
			continue
		}
		ev.Kind = rule.Kind()
		ev.Key = key
		ev.Timestamp = snap.Timestamp
		events = append(events, *ev)
	}
	return events, errs
}

func check(rule Rule, in Input) (ev *Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return rule.Check(in)
}
