package models

import (
	"encoding/json"
	"strconv"
)

// RawReading is a single interval sample as returned by the vendor API,
// before any parsing.
type RawReading struct {
	Start     string          `json:"zeitpunktVon"`
	End       string          `json:"zeitpunktBis,omitempty"`
	Quantity  json.RawMessage `json:"wert"`
	Estimated bool            `json:"geschaetzt,omitempty"`
}

// StatisticPoint represents one entry of the cumulative series
type StatisticPoint struct {
	Start string  `json:"start"`
	State float64 `json:"state"`
	Sum   float64 `json:"sum"`

	// Exact decimal text of State and Sum.
	StateDecimal string `json:"-"`
	SumDecimal   string `json:"-"`
}

// Payload is the message body published for a point.
type Payload struct {
	Value     json.Number `json:"value"`
	Timestamp string      `json:"timestamp"`
}

// Payload returns the publish form of the point: the running total at its
// start timestamp. The exact decimal text is used when known.
func (p StatisticPoint) Payload() Payload {
	value := p.SumDecimal
	if value == "" {
		value = strconv.FormatFloat(p.Sum, 'f', -1, 64)
	}
	return Payload{Value: json.Number(value), Timestamp: p.Start}
}
