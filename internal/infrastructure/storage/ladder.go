package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vitos/signal_ladder/internal/domain"
)

const updateColumns = `id, signal_id, label, price, close_percent, kind, note, created_by, created_at`

// pendingCondition holds while a row is limit kind, has no trigger event and
// was never applied to a trade.
const pendingCondition = `kind = 'limit'
	AND NOT EXISTS (SELECT 1 FROM signal_events e WHERE e.update_id = take_profit_updates.id AND e.type = 'tp_update_triggered')
	AND NOT EXISTS (SELECT 1 FROM trade_applied_updates a WHERE a.update_id = take_profit_updates.id)`

func (s *SQLStore) ListUpdates(ctx context.Context, signalID string) ([]domain.TakeProfitUpdate, error) {
	rows, err := s.query(ctx,
		`SELECT `+updateColumns+` FROM take_profit_updates WHERE signal_id = ? ORDER BY created_at, id`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []domain.TakeProfitUpdate
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}
		updates = append(updates, *u)
	}
	return updates, rows.Err()
}

func (s *SQLStore) GetUpdate(ctx context.Context, id string) (*domain.TakeProfitUpdate, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+updateColumns+` FROM take_profit_updates WHERE id = ?`, id)
	u, err := scanUpdate(row)
	if err != nil {
		return nil, notFound(err, "take-profit update", id)
	}
	return u, nil
}

// InsertUpdates writes a whole submission and its history rows in one
// transaction. Either every row is visible afterwards or none is.
func (s *SQLStore) InsertUpdates(ctx context.Context, updates []domain.TakeProfitUpdate, events []domain.SignalEvent) error {
	if len(updates) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, u := range updates {
			_, err := s.exec(ctx, tx,
				`INSERT INTO take_profit_updates (`+updateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				u.ID, u.SignalID, u.Label, u.Price, u.ClosePercent, string(u.Kind), u.Note, u.CreatedBy, utc(u.CreatedAt))
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("take-profit update %s: %w", u.ID, domain.ErrConflict)
				}
				return err
			}
		}
		for i := range events {
			if err := s.insertEvent(ctx, tx, &events[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish("take_profit_updates", updates[0].SignalID)
	return nil
}

func (s *SQLStore) UpdatePendingUpdate(ctx context.Context, u *domain.TakeProfitUpdate) error {
	res, err := s.exec(ctx, s.db,
		`UPDATE take_profit_updates SET label = ?, price = ?, close_percent = ?, note = ?
		 WHERE id = ? AND `+pendingCondition,
		u.Label, u.Price, u.ClosePercent, u.Note, u.ID)
	if err != nil {
		return err
	}
	if err := s.requirePending(ctx, res, u.ID); err != nil {
		return err
	}
	s.publish("take_profit_updates", u.SignalID)
	return nil
}

func (s *SQLStore) DeletePendingUpdate(ctx context.Context, id string) error {
	u, err := s.GetUpdate(ctx, id)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, s.db, `DELETE FROM take_profit_updates WHERE id = ? AND `+pendingCondition, id)
	if err != nil {
		return err
	}
	if err := s.requirePending(ctx, res, id); err != nil {
		return err
	}
	s.publish("take_profit_updates", u.SignalID)
	return nil
}

func (s *SQLStore) requirePending(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	ok, err := s.exists(ctx, "take_profit_updates", id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("take-profit update %s: %w", id, domain.ErrNotFound)
	}
	return fmt.Errorf("take-profit update %s: %w", id, domain.ErrNotPending)
}

// ListEvents returns a signal's history in append order, optionally
// restricted to the given types.
func (s *SQLStore) ListEvents(ctx context.Context, signalID string, types ...domain.EventType) ([]domain.SignalEvent, error) {
	query := `SELECT id, signal_id, type, payload, created_at FROM signal_events WHERE signal_id = ?`
	args := []any{signalID}
	if len(types) > 0 {
		query += ` AND type IN (?` + strings.Repeat(", ?", len(types)-1) + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.SignalEvent
	for rows.Next() {
		var (
			e            domain.SignalEvent
			typ, payload string
		)
		if err := rows.Scan(&e.ID, &e.SignalID, &typ, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = domain.EventType(typ)
		e.Payload = []byte(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLStore) AppendEvent(ctx context.Context, e *domain.SignalEvent) error {
	if err := s.insertEvent(ctx, s.db, e); err != nil {
		return err
	}
	s.publish("signal_events", e.SignalID)
	return nil
}

func (s *SQLStore) insertEvent(ctx context.Context, q execer, e *domain.SignalEvent) error {
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.exec(ctx, q,
		`INSERT INTO signal_events (id, signal_id, type, update_id, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SignalID, string(e.Type), payloadUpdateID(e.Payload), payload, utc(e.CreatedAt))
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("event %s: %w", e.ID, domain.ErrConflict)
	}
	return err
}

// payloadUpdateID extracts the explicit ladder link so the pending check can
// use an index. Malformed payloads simply have no link.
func payloadUpdateID(payload []byte) string {
	var p struct {
		UpdateID       string `json:"update_id"`
		LegacyUpdateID string `json:"tp_update_id"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &p) != nil {
		return ""
	}
	if id := strings.TrimSpace(p.UpdateID); id != "" {
		return id
	}
	return strings.TrimSpace(p.LegacyUpdateID)
}

func scanUpdate(row scanner) (*domain.TakeProfitUpdate, error) {
	var (
		u    domain.TakeProfitUpdate
		kind string
	)
	err := row.Scan(&u.ID, &u.SignalID, &u.Label, &u.Price, &u.ClosePercent, &kind, &u.Note, &u.CreatedBy, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.Kind = domain.UpdateKind(kind)
	return &u, nil
}
