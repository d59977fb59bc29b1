package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/vitos/signal_ladder/internal/domain"
)

const tradeColumns = `id, user_id, signal_id, initial_risk_amount, initial_risk_percent, remaining_risk_amount, result, realized_pnl, opened_at, closed_at`

func (s *SQLStore) SaveTrade(ctx context.Context, t *domain.UserTrade) error {
	_, err := s.exec(ctx, s.db,
		`INSERT INTO user_trades (`+tradeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.SignalID, t.InitialRiskAmount, t.InitialRiskPercent, t.RemainingRiskAmount,
		string(t.Result), t.RealizedPnL, utc(t.OpenedAt), nullTime(t))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("trade %s: %w", t.ID, domain.ErrConflict)
		}
		return err
	}
	s.publish("user_trades", t.SignalID)
	return nil
}

func (s *SQLStore) GetTrade(ctx context.Context, id string) (*domain.UserTrade, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+tradeColumns+` FROM user_trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if err != nil {
		return nil, notFound(err, "trade", id)
	}
	return t, nil
}

func (s *SQLStore) ListTradesBySignal(ctx context.Context, signalID string) ([]*domain.UserTrade, error) {
	rows, err := s.query(ctx, `SELECT `+tradeColumns+` FROM user_trades WHERE signal_id = ? ORDER BY opened_at, id`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.UserTrade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLStore) ListAppliedUpdates(ctx context.Context, tradeID string, updateIDs ...string) ([]domain.AppliedUpdate, error) {
	query := `SELECT trade_id, update_id, close_percent, execution_price, consumed_risk, realized_pnl, remaining_after, applied_at
			  FROM trade_applied_updates WHERE trade_id = ?`
	args := []any{tradeID}
	if len(updateIDs) > 0 {
		query += ` AND update_id IN (?` + strings.Repeat(", ?", len(updateIDs)-1) + `)`
		for _, id := range updateIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY applied_at`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []domain.AppliedUpdate
	for rows.Next() {
		var a domain.AppliedUpdate
		if err := rows.Scan(&a.TradeID, &a.UpdateID, &a.ClosePercent, &a.ExecutionPrice, &a.ConsumedRisk,
			&a.RealizedPnL, &a.RemainingAfter, &a.AppliedAt); err != nil {
			return nil, err
		}
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

// ApplyUpdate records one rung and the trade's new totals in one transaction.
// The trade row is only written while it is pending and its remaining risk
// still equals expectedRemaining; otherwise nothing is written and
// ErrConflict is returned. Applying the same rung twice is also a conflict.
func (s *SQLStore) ApplyUpdate(ctx context.Context, a domain.AppliedUpdate, t *domain.UserTrade, expectedRemaining float64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx,
			`UPDATE user_trades SET remaining_risk_amount = ?, realized_pnl = ?, result = ?, closed_at = ?
			 WHERE id = ? AND result = 'pending' AND ABS(remaining_risk_amount - ?) <= ?`,
			t.RemainingRiskAmount, t.RealizedPnL, string(t.Result), nullTime(t), t.ID, expectedRemaining, priceTolerance)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("trade %s: %w", t.ID, domain.ErrConflict)
		}

		_, err = s.exec(ctx, tx,
			`INSERT INTO trade_applied_updates (trade_id, update_id, close_percent, execution_price, consumed_risk, realized_pnl, remaining_after, applied_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.TradeID, a.UpdateID, a.ClosePercent, a.ExecutionPrice, a.ConsumedRisk, a.RealizedPnL, a.RemainingAfter, utc(a.AppliedAt))
		if err != nil && isUniqueViolation(err) {
			return fmt.Errorf("update %s already applied to trade %s: %w", a.UpdateID, a.TradeID, domain.ErrConflict)
		}
		return err
	})
	if err != nil {
		return err
	}
	s.publish("user_trades", t.SignalID)
	return nil
}

// CloseTrade freezes a pending trade. Closing a trade that is no longer
// pending returns ErrConflict.
func (s *SQLStore) CloseTrade(ctx context.Context, t *domain.UserTrade) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE user_trades SET remaining_risk_amount = ?, realized_pnl = ?, result = ?, closed_at = ?
		 WHERE id = ? AND result = 'pending'`,
		t.RemainingRiskAmount, t.RealizedPnL, string(t.Result), nullTime(t), t.ID)
	if err != nil {
		return err
	}
	if err := s.requireRow(ctx, res, "user_trades", t.ID); err != nil {
		return err
	}
	s.publish("user_trades", t.SignalID)
	return nil
}

func nullTime(t *domain.UserTrade) sql.NullTime {
	if t.ClosedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: utc(*t.ClosedAt), Valid: true}
}

func scanTrade(row scanner) (*domain.UserTrade, error) {
	var (
		t        domain.UserTrade
		result   string
		closedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.UserID, &t.SignalID, &t.InitialRiskAmount, &t.InitialRiskPercent,
		&t.RemainingRiskAmount, &result, &t.RealizedPnL, &t.OpenedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	t.Result = domain.TradeResult(result)
	if closedAt.Valid {
		ts := closedAt.Time
		t.ClosedAt = &ts
	}
	return &t, nil
}
