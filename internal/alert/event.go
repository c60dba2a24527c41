// Package alert evaluates threshold rules over market snapshots.
package alert

import "time"

// Kind names an alert rule type.
type Kind string

const (
	PriceMove   Kind = "price_move"
	RSICross    Kind = "rsi_cross"
	LevelBreach Kind = "sr_breach"
	VolumeSpike Kind = "volume_spike"
)

// Kinds lists every rule type in evaluation order.
var Kinds = []Kind{PriceMove, RSICross, LevelBreach, VolumeSpike}

// Severity grades an alert for consumers.
type Severity string

const (
	Low    Severity = "low"
	Medium Severity = "medium"
	High   Severity = "high"
)

// Key identifies a cooldown slot.
type Key struct {
	Instrument string
	Kind       Kind
}

// Event is emitted once per rule firing and never modified afterwards.
type Event struct {
	ID        string
	Kind      Kind
	Severity  Severity
	Message   string
	Timestamp time.Time
	Key       Key
	Detail    Detail
}

// Record is the JSON form of an Event shared by push, journal and Redis consumers.
type Record struct {
	ID         string    `json:"id"`
	Type       Kind      `json:"type"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	Instrument string    `json:"instrument"`
	Detail     Detail    `json:"detail,omitempty"`
}

// Record converts e to its JSON form.
func (e Event) Record() Record {
	return Record{
		ID:         e.ID,
		Type:       e.Kind,
		Severity:   e.Severity,
		Message:    e.Message,
		Timestamp:  e.Timestamp,
		Instrument: e.Key.Instrument,
		Detail:     e.Detail,
	}
}

// Detail carries the rule-specific payload. Only the types in this package implement it.
type Detail interface {
	detailKind() Kind
}

// PriceMoveDetail carries the 1m change that tripped a price_move alert.
type PriceMoveDetail struct {
	ChangePct float64 `json:"change_pct"`
}

// RSICrossDetail records the RSI values either side of the crossed level.
type RSICrossDetail struct {
	From      float64 `json:"from"`
	To        float64 `json:"to"`
	Level     float64 `json:"level"`
	Direction string  `json:"direction"` // up or down
}

// LevelBreachDetail names the support or resistance level the price reached.
type LevelBreachDetail struct {
	Side        string  `json:"side"` // support or resistance
	Level       float64 `json:"level"`
	Price       float64 `json:"price"`
	DistancePct float64 `json:"distance_pct"`
	Broken      bool    `json:"broken"`
}

// VolumeSpikeDetail holds the volume figures behind a volume_spike alert.
type VolumeSpikeDetail struct {
	Ratio    float64 `json:"ratio"`
	Vol1m    float64 `json:"vol_1m"`
	Vol5mAvg float64 `json:"vol_5m_avg"`
}

func (PriceMoveDetail) detailKind() Kind   { return PriceMove }
func (RSICrossDetail) detailKind() Kind    { return RSICross }
func (LevelBreachDetail) detailKind() Kind { return LevelBreach }
func (VolumeSpikeDetail) detailKind() Kind { return VolumeSpike }
