package domain

import "time"

type TradeResult string

const (
	ResultPending   TradeResult = "pending"
	ResultWin       TradeResult = "win"
	ResultLoss      TradeResult = "loss"
	ResultBreakeven TradeResult = "breakeven"
)

// UserTrade is one subscriber's position against a signal.
// RemainingRiskAmount is the running total maintained by the settlement path;
// it only decreases while Result is pending and is frozen afterwards.
type UserTrade struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"user_id"`
	SignalID            string      `json:"signal_id"`
	InitialRiskAmount   float64     `json:"initial_risk_amount"`
	InitialRiskPercent  float64     `json:"initial_risk_percent"`
	RemainingRiskAmount float64     `json:"remaining_risk_amount"`
	Result              TradeResult `json:"result"`
	RealizedPnL         float64     `json:"realized_pnl"`
	OpenedAt            time.Time   `json:"opened_at"`
	ClosedAt            *time.Time  `json:"closed_at,omitempty"`
}

func (t *UserTrade) IsPending() bool {
	return t.Result == ResultPending
}

// AppliedUpdate records the realized effect of one ladder rung on one trade.
type AppliedUpdate struct {
	TradeID        string    `json:"trade_id"`
	UpdateID       string    `json:"update_id"`
	ClosePercent   float64   `json:"close_percent"` // percent of the original risk actually consumed
	ExecutionPrice float64   `json:"execution_price"`
	ConsumedRisk   float64   `json:"consumed_risk"`
	RealizedPnL    float64   `json:"realized_pnl"`
	RemainingAfter float64   `json:"remaining_after"`
	AppliedAt      time.Time `json:"applied_at"`
}
