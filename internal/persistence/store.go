// Package persistence provides the Postgres-backed SnapshotStore so breach
// snapshots survive client restarts.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"RiskWatch/internal/state"
)

// PostgresStore implements risk.SnapshotStore on Postgres via lib/pq.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the snapshot table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS violation_snapshots (
			account_id       TEXT NOT NULL,
			episode_id       TEXT NOT NULL,
			kind             TEXT NOT NULL,
			drawdown_percent DOUBLE PRECISION NOT NULL,
			captured_at      TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (account_id, episode_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure violation_snapshots: %w", err)
	}
	return nil
}

// Put writes the snapshot for (account, episode). The first write wins:
// ON CONFLICT DO NOTHING keeps the snapshot immutable for its episode.
func (s *PostgresStore) Put(ctx context.Context, snap state.ViolationSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO violation_snapshots
			(account_id, episode_id, kind, drawdown_percent, captured_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, episode_id) DO NOTHING
	`, snap.AccountID, snap.EpisodeID, snap.Kind.String(), snap.DrawdownPercent, snap.CapturedAt)
	if err != nil {
		return fmt.Errorf("put violation snapshot: %w", err)
	}
	return nil
}

// Get loads the snapshot for (account, episode), or nil if absent.
func (s *PostgresStore) Get(ctx context.Context, accountID, episodeID string) (*state.ViolationSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kind, drawdown_percent, captured_at
		FROM violation_snapshots
		WHERE account_id = $1 AND episode_id = $2
	`, accountID, episodeID)

	var (
		kindStr    string
		pct        float64
		capturedAt time.Time
	)
	if err := row.Scan(&kindStr, &pct, &capturedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get violation snapshot: %w", err)
	}

	kind, _ := state.ParseViolationKind(kindStr)
	return &state.ViolationSnapshot{
		AccountID:       accountID,
		EpisodeID:       episodeID,
		Kind:            kind,
		DrawdownPercent: pct,
		CapturedAt:      capturedAt,
	}, nil
}

// Delete removes the snapshot of an ended episode.
func (s *PostgresStore) Delete(ctx context.Context, accountID, episodeID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM violation_snapshots
		WHERE account_id = $1 AND episode_id = $2
	`, accountID, episodeID)
	if err != nil {
		return fmt.Errorf("delete violation snapshot: %w", err)
	}
	return nil
}
