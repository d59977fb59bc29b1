package domain

import "context"

// PriceSource supplies the last traded price for a symbol.
type PriceSource interface {
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
}

// SignalRepository defines storage operations for signals.
type SignalRepository interface {
	SaveSignal(ctx context.Context, signal *Signal) error
	GetSignal(ctx context.Context, id string) (*Signal, error)
	ListOpenSignals(ctx context.Context) ([]*Signal, error)
	// UpdateStopLoss moves the stop only if it still equals expected.
	UpdateStopLoss(ctx context.Context, id string, expected, next float64) error
	UpdateSignalStatus(ctx context.Context, id string, status SignalStatus) error
}

// LadderRepository defines storage operations for take-profit ladders.
type LadderRepository interface {
	// ListUpdates returns a signal's ladder ordered by creation.
	ListUpdates(ctx context.Context, signalID string) ([]TakeProfitUpdate, error)
	GetUpdate(ctx context.Context, id string) (*TakeProfitUpdate, error)
	// InsertUpdates persists one submission and its history rows atomically.
	InsertUpdates(ctx context.Context, updates []TakeProfitUpdate, events []SignalEvent) error
	// UpdatePendingUpdate and DeletePendingUpdate return ErrNotPending when
	// the row has triggered, was applied, or is not limit kind.
	UpdatePendingUpdate(ctx context.Context, update *TakeProfitUpdate) error
	DeletePendingUpdate(ctx context.Context, id string) error
}

// EventRepository defines storage operations for the signal event history.
type EventRepository interface {
	ListEvents(ctx context.Context, signalID string, types ...EventType) ([]SignalEvent, error)
	AppendEvent(ctx context.Context, event *SignalEvent) error
}

// TradeRepository defines storage operations for subscriber trades.
type TradeRepository interface {
	SaveTrade(ctx context.Context, trade *UserTrade) error
	GetTrade(ctx context.Context, id string) (*UserTrade, error)
	ListTradesBySignal(ctx context.Context, signalID string) ([]*UserTrade, error)
	ListAppliedUpdates(ctx context.Context, tradeID string, updateIDs ...string) ([]AppliedUpdate, error)
	// ApplyUpdate records one rung against a trade and writes the trade's new
	// running totals, provided its remaining risk still equals expectedRemaining.
	ApplyUpdate(ctx context.Context, applied AppliedUpdate, trade *UserTrade, expectedRemaining float64) error
	// CloseTrade freezes a pending trade with its final result.
	CloseTrade(ctx context.Context, trade *UserTrade) error
}

// Change is a "something changed" notification. SignalID is only a hint for
// scoping invalidation; consumers always re-fetch.
type Change struct {
	Table    string
	SignalID string
}

// ChangeFeed delivers change notifications until ctx is done.
type ChangeFeed interface {
	Subscribe(ctx context.Context) (<-chan Change, error)
}

// Notifier delivers human-facing messages about ladder activity.
type Notifier interface {
	LadderPublished(ctx context.Context, signal *Signal, updates []TakeProfitUpdate) error
	UpdateTriggered(ctx context.Context, signal *Signal, update TakeProfitUpdate, price float64) error
	BreakevenApplied(ctx context.Context, signal *Signal) error
}
