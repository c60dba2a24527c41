// Package signal standardizes payloads shared between ingestion and the analytics layers.
package signal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single normalized price observation for the tracked instrument.
type Tick struct {
	Symbol string
	Price  decimal.Decimal
	Volume decimal.Decimal
	Ts     time.Time
	Stale  bool   // produced by the polling fallback while the stream is down
	Source string // binance, poll, stub, inject
}

// Label is the sentiment classifier's verdict.
type Label string

const (
	Positive Label = "positive"
	Negative Label = "negative"
	Neutral  Label = "neutral"
)

// ParseLabel maps classifier output onto a Label, accepting a few common spellings.
func ParseLabel(s string) (Label, bool) {
	switch s {
	case "positive", "POSITIVE", "Positive", "bullish", "pos":
		return Positive, true
	case "negative", "NEGATIVE", "Negative", "bearish", "neg":
		return Negative, true
	case "neutral", "NEUTRAL", "Neutral", "neu":
		return Neutral, true
	}
	return "", false
}

// SentimentSample is one output of the external sentiment classifier.
type SentimentSample struct {
	Label Label
	Score float64 // classifier confidence in [0,1]
	Ts    time.Time
}

// Value returns the signed sentiment used for correlation.
func (s SentimentSample) Value() float64 {
	switch s.Label {
	case Positive:
		return s.Score
	case Negative:
		return -s.Score
	default:
		return 0
	}
}
