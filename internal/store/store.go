package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"github.com/andresmejia3/veil/internal/types"
)

// Store manages the PostgreSQL connection pool for the filter event history.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Connect calls New with Fibonacci backoff, for databases that are still
// starting up (docker compose).
func Connect(ctx context.Context, connString string, attempts uint64, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var s *Store
	b := retry.NewFibonacci(500 * time.Millisecond)
	err := retry.Do(ctx, retry.WithMaxRetries(attempts, b), func(ctx context.Context) error {
		var err error
		s, err = New(ctx, connString)
		if err != nil {
			logger.Debug("store: connect failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// initSchema creates the event table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS filter_events (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			ts TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			category TEXT NOT NULL,
			confidence REAL NOT NULL,
			action TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS filter_events_ts_idx ON filter_events (ts DESC);
		CREATE INDEX IF NOT EXISTS filter_events_category_idx ON filter_events (category);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close terminates the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// InsertEvent saves one filter event.
func (s *Store) InsertEvent(ctx context.Context, e types.FilterEvent) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO filter_events (session_id, ts, category, confidence, action)
		VALUES ($1, $2, $3, $4, $5)
	`, e.SessionID, ts, e.Category, e.Confidence, string(e.Action))
	return err
}

// Query filters ListEvents and CountEvents. Zero values match everything.
type Query struct {
	Since     time.Time
	Until     time.Time
	Category  string
	SessionID string
	Limit     int
}

func (q Query) where() (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if !q.Since.IsZero() {
		add("ts >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		add("ts < $%d", q.Until)
	}
	if q.Category != "" {
		add("category = $%d", q.Category)
	}
	if q.SessionID != "" {
		add("session_id = $%d", q.SessionID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListEvents returns matching events, newest first.
func (s *Store) ListEvents(ctx context.Context, q Query) ([]types.FilterEvent, error) {
	where, args := q.where()
	sql := "SELECT id, session_id, ts, category, confidence, action FROM filter_events" + where + " ORDER BY ts DESC, id DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.FilterEvent, error) {
		var e types.FilterEvent
		var action string
		err := row.Scan(&e.ID, &e.SessionID, &e.Timestamp, &e.Category, &e.Confidence, &action)
		e.Action = types.Action(action)
		return e, err
	})
}

// CountEvents returns the number of matching events.
func (s *Store) CountEvents(ctx context.Context, q Query) (int64, error) {
	where, args := q.where()
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM filter_events"+where, args...).Scan(&n)
	return n, err
}

// CategoryCount is one row of CountByCategory.
type CategoryCount struct {
	Category string
	Count    int64
}

// CountByCategory groups the history by category, most frequent first.
func (s *Store) CountByCategory(ctx context.Context) ([]CategoryCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT category, COUNT(*) FROM filter_events
		GROUP BY category
		ORDER BY COUNT(*) DESC, category ASC
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[CategoryCount])
}

// DeleteOlderThan removes events recorded before cutoff and returns how many went.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM filter_events WHERE ts < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteAll empties the history.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM filter_events")
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS filter_events CASCADE;`)
	return err
}
