package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/vitos/signal_ladder/internal/domain"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// priceTolerance is used by conditional writes comparing stored floats.
const priceTolerance = 1e-8

// SQLStore implements the signal, ladder, event and trade repositories on
// SQLite or PostgreSQL. Queries are written with ? placeholders and rebound
// for the postgres driver.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	changes *MemoryChangeFeed
}

func NewSQLStore(dialect Dialect, dsn string) (*SQLStore, error) {
	driver := "sqlite3"
	switch dialect {
	case DialectSQLite:
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		// A single connection keeps :memory: databases shared and serializes writers.
		db.SetMaxOpenConns(1)
	}

	store := &SQLStore{db: db, dialect: dialect, changes: NewMemoryChangeFeed()}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore opens a SQLite database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	return NewSQLStore(DialectSQLite, dbPath)
}

func (s *SQLStore) Close() error {
	s.changes.Close()
	return s.db.Close()
}

func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Changes reports writes made through this store.
func (s *SQLStore) Changes() *MemoryChangeFeed {
	return s.changes
}

func (s *SQLStore) initSchema() error {
	ts := "DATETIME"
	if s.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	queries := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION NOT NULL,
			take_profit DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			market_mode TEXT NOT NULL DEFAULT 'manual',
			created_by TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_signals_status ON signals(status);`,
		`CREATE TABLE IF NOT EXISTS take_profit_updates (
			id TEXT PRIMARY KEY,
			signal_id TEXT NOT NULL REFERENCES signals(id),
			label TEXT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			close_percent DOUBLE PRECISION NOT NULL,
			kind TEXT NOT NULL DEFAULT 'limit',
			note TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tp_updates_signal ON take_profit_updates(signal_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS signal_events (
			id TEXT PRIMARY KEY,
			signal_id TEXT NOT NULL REFERENCES signals(id),
			type TEXT NOT NULL,
			update_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			created_at ` + ts + ` NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_signal_events_signal ON signal_events(signal_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_signal_events_update ON signal_events(update_id, type);`,
		`CREATE TABLE IF NOT EXISTS user_trades (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			signal_id TEXT NOT NULL REFERENCES signals(id),
			initial_risk_amount DOUBLE PRECISION NOT NULL,
			initial_risk_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			remaining_risk_amount DOUBLE PRECISION NOT NULL,
			result TEXT NOT NULL DEFAULT 'pending',
			realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			opened_at ` + ts + ` NOT NULL,
			closed_at ` + ts + `
		);`,
		`CREATE INDEX IF NOT EXISTS idx_user_trades_signal ON user_trades(signal_id);`,
		`CREATE TABLE IF NOT EXISTS trade_applied_updates (
			trade_id TEXT NOT NULL REFERENCES user_trades(id),
			update_id TEXT NOT NULL,
			close_percent DOUBLE PRECISION NOT NULL,
			execution_price DOUBLE PRECISION NOT NULL,
			consumed_risk DOUBLE PRECISION NOT NULL,
			realized_pnl DOUBLE PRECISION NOT NULL,
			remaining_after DOUBLE PRECISION NOT NULL,
			applied_at ` + ts + ` NOT NULL,
			PRIMARY KEY (trade_id, update_id)
		);`,
	}
	if s.dialect == DialectPostgres {
		queries = append(queries, postgresNotifyQueries()...)
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// postgresNotifyQueries installs triggers that announce every write on
// NotifyChannel for other processes sharing the database.
func postgresNotifyQueries() []string {
	queries := []string{
		`CREATE OR REPLACE FUNCTION notify_ladder_change() RETURNS trigger AS $$
		DECLARE rec jsonb;
		BEGIN
			IF TG_OP = 'DELETE' THEN rec := to_jsonb(OLD); ELSE rec := to_jsonb(NEW); END IF;
			PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
				'table', TG_TABLE_NAME,
				'signal_id', COALESCE(rec->>'signal_id', CASE WHEN TG_TABLE_NAME = 'signals' THEN rec->>'id' END)
			)::text);
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql;`,
	}
	for _, table := range []string{"signals", "take_profit_updates", "signal_events", "user_trades"} {
		trigger := table + "_notify"
		queries = append(queries,
			`DROP TRIGGER IF EXISTS `+trigger+` ON `+table+`;`,
			`CREATE TRIGGER `+trigger+` AFTER INSERT OR UPDATE OR DELETE ON `+table+
				` FOR EACH ROW EXECUTE FUNCTION notify_ladder_change();`,
		)
	}
	return queries
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.rebind(query), args...)
}

// withTx runs fn in a transaction, committing only if fn succeeds.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// exists reports whether a row with id is present in table.
func (s *SQLStore) exists(ctx context.Context, table, id string) (bool, error) {
	var n int
	err := s.queryRow(ctx, s.db, `SELECT COUNT(1) FROM `+table+` WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

func (s *SQLStore) publish(table, signalID string) {
	s.changes.Publish(domain.Change{Table: table, SignalID: signalID})
}

// notFound maps sql.ErrNoRows onto the domain error.
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, domain.ErrNotFound)
	}
	return err
}

// isUniqueViolation recognizes duplicate-key errors from either driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func utc(t time.Time) time.Time {
	return t.UTC()
}
