// Package broadcast pushes market, alert and correlation updates to websocket clients.
package broadcast

import (
	"encoding/json"
	"time"

	"coinlink-go/internal/market"
	"coinlink-go/internal/sentiment"
)

// Push message types.
const (
	TypePriceUpdate = "price_update"
	TypeAlert       = "alert"
	TypeConnection  = "connection"
	TypeSnapshot    = "snapshot"
)

// Envelope is the wire frame for every push message.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// PriceUpdate is pushed for every forwarded snapshot.
type PriceUpdate struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	RSI       float64   `json:"rsi"`
	Volume    float64   `json:"volume"`
	Version   uint64    `json:"version"`
	Stale     bool      `json:"stale"`
}

type ConnectionMessage struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type SnapshotMessage struct {
	Market      *market.Snapshot    `json:"market"`
	Correlation *sentiment.Snapshot `json:"correlation"`
}

// Encode marshals a message once so it can be shared by every connection.
func Encode(typ string, data any) ([]byte, error) {
	return json.Marshal(Envelope{Type: typ, Data: data})
}

func priceUpdate(s market.Snapshot) PriceUpdate {
	return PriceUpdate{
		Symbol:    s.Symbol,
		Price:     s.PriceFloat(),
		Timestamp: s.Timestamp,
		RSI:       s.RSI,
		Volume:    s.Volume.InexactFloat64(),
		Version:   s.Version,
		Stale:     s.Stale,
	}
}
