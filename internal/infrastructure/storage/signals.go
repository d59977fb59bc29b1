package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vitos/signal_ladder/internal/domain"
)

const signalColumns = `id, symbol, category, direction, entry_price, stop_loss, take_profit, status, market_mode, created_by, created_at, updated_at`

func (s *SQLStore) SaveSignal(ctx context.Context, sig *domain.Signal) error {
	query := `INSERT INTO signals (` + signalColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  symbol=excluded.symbol,
			  category=excluded.category,
			  direction=excluded.direction,
			  entry_price=excluded.entry_price,
			  stop_loss=excluded.stop_loss,
			  take_profit=excluded.take_profit,
			  status=excluded.status,
			  market_mode=excluded.market_mode,
			  updated_at=excluded.updated_at`
	_, err := s.exec(ctx, s.db, query,
		sig.ID, sig.Symbol, sig.Category, string(sig.Direction), sig.EntryPrice, sig.StopLoss, sig.TakeProfit,
		string(sig.Status), string(sig.MarketMode), sig.CreatedBy, utc(sig.CreatedAt), utc(sig.UpdatedAt))
	if err != nil {
		return err
	}
	s.publish("signals", sig.ID)
	return nil
}

func (s *SQLStore) GetSignal(ctx context.Context, id string) (*domain.Signal, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+signalColumns+` FROM signals WHERE id = ?`, id)
	sig, err := scanSignal(row)
	if err != nil {
		return nil, notFound(err, "signal", id)
	}
	return sig, nil
}

func (s *SQLStore) ListOpenSignals(ctx context.Context) ([]*domain.Signal, error) {
	rows, err := s.query(ctx, `SELECT `+signalColumns+` FROM signals WHERE status IN (?, ?) ORDER BY created_at`,
		string(domain.SignalUpcoming), string(domain.SignalActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*domain.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

// UpdateStopLoss moves the stop only while it still equals expected and the
// signal is open. A lost race returns ErrConflict.
func (s *SQLStore) UpdateStopLoss(ctx context.Context, id string, expected, next float64) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE signals SET stop_loss = ?, updated_at = ?
		 WHERE id = ? AND ABS(stop_loss - ?) <= ? AND status IN (?, ?)`,
		next, utc(time.Now()), id, expected, priceTolerance,
		string(domain.SignalUpcoming), string(domain.SignalActive))
	if err != nil {
		return err
	}
	if err := s.requireRow(ctx, res, "signals", id); err != nil {
		return err
	}
	s.publish("signals", id)
	return nil
}

func (s *SQLStore) UpdateSignalStatus(ctx context.Context, id string, status domain.SignalStatus) error {
	res, err := s.exec(ctx, s.db, `UPDATE signals SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), utc(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("signal %s: %w", id, domain.ErrNotFound)
	}
	s.publish("signals", id)
	return nil
}

// requireRow turns a conditional write that touched nothing into
// ErrNotFound or ErrConflict.
func (s *SQLStore) requireRow(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	ok, err := s.exists(ctx, table, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", table, id, domain.ErrNotFound)
	}
	return fmt.Errorf("%s %s changed concurrently: %w", table, id, domain.ErrConflict)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSignal(row scanner) (*domain.Signal, error) {
	var (
		sig                     domain.Signal
		direction, status, mode string
	)
	err := row.Scan(&sig.ID, &sig.Symbol, &sig.Category, &direction, &sig.EntryPrice, &sig.StopLoss,
		&sig.TakeProfit, &status, &mode, &sig.CreatedBy, &sig.CreatedAt, &sig.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sig.Direction = domain.Direction(direction)
	sig.Status = domain.SignalStatus(status)
	sig.MarketMode = domain.MarketMode(mode)
	return &sig, nil
}
