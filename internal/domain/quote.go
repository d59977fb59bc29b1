package domain

import "time"

// Quote is a single last-traded price observation.
type Quote struct {
	Symbol   string
	Price    float64
	QuotedAt time.Time
}

// Usable reports whether the quote may be used for a real close.
func (q Quote) Usable() bool {
	return IsFinite(q.Price) && q.Price > 0
}
