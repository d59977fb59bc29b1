package domain

import "time"

type UpdateKind string

const (
	// UpdateLimit rests until the market reaches its price.
	UpdateLimit UpdateKind = "limit"
	// UpdateMarket closes immediately at the locked live quote.
	UpdateMarket UpdateKind = "market"
)

func (k UpdateKind) Valid() bool {
	return k == UpdateLimit || k == UpdateMarket
}

// TakeProfitUpdate is one rung of a signal's take-profit ladder.
type TakeProfitUpdate struct {
	ID           string     `json:"id"`
	SignalID     string     `json:"signal_id"`
	Label        string     `json:"label"` // e.g. "TP 2"
	Price        float64    `json:"price"`
	ClosePercent float64    `json:"close_percent"` // percent of the original risk, (0, 100]
	Kind         UpdateKind `json:"kind"`
	Note         string     `json:"note"`
	CreatedBy    string     `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
}
