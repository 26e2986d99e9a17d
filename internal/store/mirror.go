// Package store is the pgx-backed mirror store: the deal↔order mapping and
// sync-run audit rows.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"dealbridge.app/sync/core/db"
	"dealbridge.app/sync/internal/domain"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *db.DB
}

func New(database *db.DB) *Store {
	return &Store{db: database}
}

// EnsureSchema applies the schema. Safe to run multiple times.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Pool().Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS order_mappings (
	deal_id    TEXT PRIMARY KEY,
	order_id   TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id          BIGINT PRIMARY KEY,
	deal_id     TEXT NOT NULL,
	workflow    TEXT NOT NULL,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	item_count  INT NOT NULL DEFAULT 0,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS sync_runs_deal_idx ON sync_runs (deal_id, started_at DESC);
`

func (s *Store) UpsertOrderMapping(ctx context.Context, dealID, orderID string) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO order_mappings (deal_id, order_id, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (deal_id) DO UPDATE SET order_id = EXCLUDED.order_id, updated_at = now()
	`, dealID, orderID)
	if err != nil {
		return fmt.Errorf("upserting order mapping: %w", err)
	}
	return nil
}

func (s *Store) GetOrderID(ctx context.Context, dealID string) (string, error) {
	var orderID string
	err := s.db.Pool().QueryRow(ctx,
		`SELECT order_id FROM order_mappings WHERE deal_id = $1`, dealID,
	).Scan(&orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("fetching order mapping: %w", err)
	}
	return orderID, nil
}

func (s *Store) RecordSyncRun(ctx context.Context, run domain.SyncRun) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO sync_runs (id, deal_id, workflow, status, reason, error, item_count, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, run.ID, run.DealID, run.Workflow, run.Status, run.Reason, run.Error, run.ItemCount, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("recording sync run: %w", err)
	}
	return nil
}

// ListSyncRuns returns the most recent runs for a deal, newest first.
func (s *Store) ListSyncRuns(ctx context.Context, dealID string, limit int32) ([]domain.SyncRun, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, deal_id, workflow, status, reason, error, item_count, started_at, finished_at
		FROM sync_runs
		WHERE deal_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, dealID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.SyncRun
	for rows.Next() {
		var run domain.SyncRun
		if err := rows.Scan(&run.ID, &run.DealID, &run.Workflow, &run.Status, &run.Reason,
			&run.Error, &run.ItemCount, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning sync run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
