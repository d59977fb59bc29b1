package usecase_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vitos/signal_ladder/internal/domain"
	"github.com/vitos/signal_ladder/internal/usecase"
)

func TestBreakevenRule_Check(t *testing.T) {
	rule := usecase.NewBreakevenRule()

	atEntry := buySignal(domain.MarketManual)
	atEntry.StopLoss = atEntry.EntryPrice

	closed := buySignal(domain.MarketManual)
	closed.Status = domain.SignalClosed

	tests := []struct {
		name    string
		signal  *domain.Signal
		live    *float64
		wantErr error
	}{
		{"manual needs no quote", buySignal(domain.MarketManual), nil, nil},
		{"live in profit", buySignal(domain.MarketLive), ptr(101), nil},
		{"sell live in profit", sellSignal(domain.MarketLive), ptr(99), nil},
		{"live at entry", buySignal(domain.MarketLive), ptr(100), domain.ErrBreakevenNotAllowed},
		{"live in loss", buySignal(domain.MarketLive), ptr(95), domain.ErrBreakevenNotAllowed},
		{"sell live in loss", sellSignal(domain.MarketLive), ptr(101), domain.ErrBreakevenNotAllowed},
		{"live without quote", buySignal(domain.MarketLive), nil, domain.ErrQuoteUnavailable},
		{"already at entry", atEntry, nil, domain.ErrBreakevenNotAllowed},
		{"closed signal", closed, nil, domain.ErrSignalClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rule.Check(tt.signal, tt.live)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				assert.Equal(t, tt.signal.EntryPrice, rule.Target(tt.signal))
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBreakevenRule_Ratchet(t *testing.T) {
	rule := usecase.NewBreakevenRule()
	sig := buySignal(domain.MarketManual)

	assert.NoError(t, rule.CheckStopChange(sig, 95))
	assert.NoError(t, rule.CheckStopChange(sig, 100))
	assert.ErrorIs(t, rule.CheckStopChange(sig, 101), domain.ErrBreakevenNotAllowed)

	sig.StopLoss = 100
	assert.NoError(t, rule.CheckStopChange(sig, 100))
	assert.ErrorIs(t, rule.CheckStopChange(sig, 90), domain.ErrBreakevenNotAllowed)
}

func TestRiskStop(t *testing.T) {
	sig := buySignal(domain.MarketManual)
	assert.Equal(t, 90.0, usecase.RiskStop(sig, nil))

	sig.StopLoss = 100
	events := []domain.ExecutionEvent{
		domain.TPPublished{LadderRef: domain.LadderRef{UpdateID: "tp1", Price: 110}},
		domain.BreakevenApplied{PreviousStop: 92, NewStop: 100},
	}
	assert.Equal(t, 92.0, usecase.RiskStop(sig, events))

	// Without history the zero-risk stop is all there is.
	assert.Equal(t, 100.0, usecase.RiskStop(sig, nil))
}

func TestDisplayRemaining(t *testing.T) {
	actual := usecase.Exposure{RemainingRisk: 70}
	trade := pendingTrade(100, 70, base)

	sig := buySignal(domain.MarketLive)
	assert.Equal(t, 70.0, usecase.DisplayRemaining(sig, trade, actual))

	sig.StopLoss = sig.EntryPrice
	assert.Zero(t, usecase.DisplayRemaining(sig, trade, actual))

	sig.StopLoss = 90
	trade.Result = domain.ResultWin
	assert.Zero(t, usecase.DisplayRemaining(sig, trade, actual))
}
