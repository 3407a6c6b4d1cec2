// Package db provides database connection helpers, schema migration, and the
// repository backing subscription and live-state persistence.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
)

// Connect opens a Postgres connection for the given DSN.
func Connect(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent embedded schema changes. It is the fallback for
// deployments without the versioned migrations directory; RunMigrations is
// the primary path.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id SERIAL PRIMARY KEY,
			chat_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (chat_id, channel)
		)`,
		`CREATE TABLE IF NOT EXISTS live_state (
			channel TEXT PRIMARY KEY,
			is_live BOOLEAN NOT NULL DEFAULT FALSE,
			checked_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_channel ON subscriptions(channel)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_chat ON subscriptions(chat_id)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// Repo is the persistence adapter used by the subscription store (write-through
// subscriptions) and the monitor (live-state snapshot, cycle heartbeat).
type Repo struct {
	DB *sql.DB
}

// LoadSubscriptions returns all persisted (group, channel) pairs in insertion
// order, for seeding the in-memory store at boot.
func (r *Repo) LoadSubscriptions(ctx context.Context) ([]Pair, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT chat_id, channel FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	defer rows.Close()
	var out []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Group, &p.Channel); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Pair is one persisted (group, channel) subscription.
type Pair struct {
	Group   string
	Channel string
}

// InsertSubscription stores a pair; inserting an existing pair is a no-op.
func (r *Repo) InsertSubscription(ctx context.Context, group, channel string) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO subscriptions (chat_id, channel) VALUES ($1, $2) ON CONFLICT (chat_id, channel) DO NOTHING`,
		group, channel)
	return err
}

// DeleteSubscription removes a pair; deleting a missing pair is a no-op.
func (r *Repo) DeleteSubscription(ctx context.Context, group, channel string) error {
	_, err := r.DB.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE chat_id=$1 AND channel=$2`,
		group, channel)
	return err
}

// SaveLiveSnapshot replaces the persisted live set with the given channels.
// The snapshot suppresses duplicate go-live announcements across restarts.
func (r *Repo) SaveLiveSnapshot(ctx context.Context, live []string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM live_state`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear live snapshot: %w", err)
	}
	for _, c := range live {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO live_state (channel, is_live, checked_at) VALUES ($1, TRUE, NOW())`, c); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert live snapshot: %w", err)
		}
	}
	return tx.Commit()
}

// LoadLiveSnapshot returns the channels recorded live by the last cycle.
func (r *Repo) LoadLiveSnapshot(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT channel FROM live_state WHERE is_live ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("load live snapshot: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan live snapshot: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetLastCycle records the completion time of the most recent poll cycle.
func (r *Repo) SetLastCycle(ctx context.Context, at time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES ('monitor_last_cycle', $1, NOW())
		 ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
		at.UTC().Format(time.RFC3339))
	return err
}

// LastCycle returns the recorded completion time of the most recent poll
// cycle, or the zero time when no cycle has run yet.
func (r *Repo) LastCycle(ctx context.Context) (time.Time, error) {
	var v string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key='monitor_last_cycle'`).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last cycle: %w", err)
	}
	return t, nil
}
