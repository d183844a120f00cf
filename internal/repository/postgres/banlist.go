// Package postgres implements the durable banlist store against PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/sentinelops/banhammer/internal/sink"
)

// BanlistRepo implements sink.Persister against PostgreSQL.
type BanlistRepo struct{ db *sql.DB }

// NewBanlistRepo creates a Postgres-backed banlist repository.
func NewBanlistRepo(db *sql.DB) *BanlistRepo { return &BanlistRepo{db: db} }

// Open connects to the database and ensures the banlist table exists.
func Open(ctx context.Context, databaseURL string) (*BanlistRepo, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := NewBanlistRepo(db)
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *BanlistRepo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS banlist (
			email TEXT PRIMARY KEY,
			first_banlisted_at TIMESTAMPTZ NOT NULL,
			last_seen_banlisted_at TIMESTAMPTZ NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate banlist: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *BanlistRepo) Close() error { return r.db.Close() }

// LoadAll returns every banlist row, oldest first.
func (r *BanlistRepo) LoadAll(ctx context.Context) ([]sink.BanlistRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT email, first_banlisted_at, last_seen_banlisted_at, reason
		FROM banlist
		ORDER BY first_banlisted_at
	`)
	if err != nil {
		return nil, fmt.Errorf("load banlist: %w", err)
	}
	defer rows.Close()

	var out []sink.BanlistRecord
	for rows.Next() {
		var rec sink.BanlistRecord
		if err := rows.Scan(&rec.Email, &rec.FirstBanlistedAt, &rec.LastSeenBanlistedAt, &rec.Reason); err != nil {
			return nil, fmt.Errorf("scan banlist row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Upsert inserts a banlist row or, on conflict, refreshes last-seen and the
// reason. first_banlisted_at never moves.
func (r *BanlistRepo) Upsert(ctx context.Context, email string, now time.Time, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO banlist (email, first_banlisted_at, last_seen_banlisted_at, reason)
		VALUES ($1, $2, $2, $3)
		ON CONFLICT (email) DO UPDATE
		SET last_seen_banlisted_at = EXCLUDED.last_seen_banlisted_at,
		    reason = EXCLUDED.reason
	`, email, now, reason)
	if err != nil {
		return fmt.Errorf("upsert banlist %s: %w", email, err)
	}
	return nil
}

// Delete removes one banlist row.
func (r *BanlistRepo) Delete(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM banlist WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("delete banlist %s: %w", email, err)
	}
	return nil
}

// Clear empties the banlist table.
func (r *BanlistRepo) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM banlist`)
	if err != nil {
		return fmt.Errorf("clear banlist: %w", err)
	}
	return nil
}
