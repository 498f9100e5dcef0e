package store

import "time"

// Conversion is one conversion event accepted by the collector. Empty
// identifier fields mean the event did not carry them.
type Conversion struct {
	ID            int64
	ClientEventID string
	APIKey        string
	SessionID     string
	VisitorID     string
	VariationID   string
	Amount        float64
	Currency      string
	URL           string
	Device        string
	Payload       string // Raw event JSON as received
	ReceivedAt    time.Time
}

type VariationStats struct {
	VariationID string // Empty for unattributed conversions
	Conversions int
	Visitors    int
	Revenue     float64
}
