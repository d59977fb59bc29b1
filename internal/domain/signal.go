package domain

import "time"

type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

type SignalStatus string

const (
	SignalUpcoming  SignalStatus = "upcoming"
	SignalActive    SignalStatus = "active"
	SignalClosed    SignalStatus = "closed"
	SignalCancelled SignalStatus = "cancelled"
)

type MarketMode string

const (
	MarketManual MarketMode = "manual"
	MarketLive   MarketMode = "live"
)

func (m MarketMode) Valid() bool {
	return m == MarketManual || m == MarketLive
}

// Signal is a published trade idea. TakeProfit is the initial target set at
// creation; later targets live in the take-profit ladder.
type Signal struct {
	ID         string       `json:"id"`
	Symbol     string       `json:"symbol"`
	Category   string       `json:"category"`
	Direction  Direction    `json:"direction"`
	EntryPrice float64      `json:"entry_price"`
	StopLoss   float64      `json:"stop_loss"`
	TakeProfit float64      `json:"take_profit"`
	Status     SignalStatus `json:"status"`
	MarketMode MarketMode   `json:"market_mode"`
	CreatedBy  string       `json:"created_by"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// IsOpen reports whether the ladder may still change.
func (s *Signal) IsOpen() bool {
	return s.Status == SignalUpcoming || s.Status == SignalActive
}

func (s *Signal) IsLive() bool {
	return s.MarketMode == MarketLive
}

// AtBreakeven reports whether the stop has been moved onto the entry price.
func (s *Signal) AtBreakeven() bool {
	return PriceEqual(s.StopLoss, s.EntryPrice)
}
