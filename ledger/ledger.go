// Package ledger tracks, per source connection, which entities were seen
// in which sync job and what their content hash was, so each run can
// decide to insert, update, or skip an entity, and so entities missing
// from the current run can be identified as orphans once the run finishes
// cleanly.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Action is what the caller should do with an entity after consulting the
// ledger.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionKeep   Action = "keep"
)

// Ledger is a PostgreSQL-backed entity version ledger.
type Ledger struct {
	pool *pgxpool.Pool
}

// New wraps an existing pgx pool. The caller owns the pool's lifecycle.
func New(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Migrate creates the ledger table if it doesn't exist.
func (l *Ledger) Migrate(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sync_ledger (
			source_connection_id  TEXT NOT NULL,
			entity_id             TEXT NOT NULL,
			content_hash          TEXT NOT NULL,
			last_sync_job_id      TEXT NOT NULL,
			db_entity_id          TEXT NOT NULL,
			destination_vector_id TEXT,
			first_seen_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (source_connection_id, entity_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("ledger: migrating: %w", err)
	}
	return nil
}

// RecordResult is what the caller learns from diffing one entity against
// the ledger: the action to take, and the db_entity_id assigned to it —
// allocated fresh on insert, carried forward unchanged on update or keep
// (spec.md §4.7) so a destination's own row/vector identity stays stable
// across re-syncs of unchanged or updated content.
type RecordResult struct {
	Action     Action
	DBEntityID string
}

// Record consults the ledger for one entity and reports whether it's new,
// changed, or unchanged, then stamps it with the current sync job ID. When
// the entity already has a row, the FOR UPDATE lock serialises workers
// racing to record the same entity_id within one job (e.g. a lazy entity
// materialized twice). A first-time entity has no row to lock: concurrent
// callers both attempt the INSERT, the primary key rejects the second one,
// and Record returns that error.
func (l *Ledger) Record(ctx context.Context, sourceConnectionID, entityID, contentHash, syncJobID string) (RecordResult, error) {
	var result RecordResult

	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return RecordResult{}, fmt.Errorf("ledger: beginning tx for entity %s: %w", entityID, err)
	}
	defer tx.Rollback(ctx)

	var existingHash, existingDBEntityID string
	err = tx.QueryRow(ctx, `
		SELECT content_hash, db_entity_id FROM sync_ledger
		WHERE source_connection_id = $1 AND entity_id = $2
		FOR UPDATE
	`, sourceConnectionID, entityID).Scan(&existingHash, &existingDBEntityID)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		result.Action = ActionInsert
		result.DBEntityID = uuid.NewString()
		_, err = tx.Exec(ctx, `
			INSERT INTO sync_ledger (source_connection_id, entity_id, content_hash, last_sync_job_id, db_entity_id)
			VALUES ($1, $2, $3, $4, $5)
		`, sourceConnectionID, entityID, contentHash, syncJobID, result.DBEntityID)
		if err != nil {
			return RecordResult{}, fmt.Errorf("ledger: inserting entity %s: %w", entityID, err)
		}

	case err != nil:
		return RecordResult{}, fmt.Errorf("ledger: looking up entity %s: %w", entityID, err)

	default:
		result.DBEntityID = existingDBEntityID
		if existingHash == contentHash {
			result.Action = ActionKeep
		} else {
			result.Action = ActionUpdate
		}
		_, err = tx.Exec(ctx, `
			UPDATE sync_ledger
			SET content_hash = $1, last_sync_job_id = $2, last_seen_at = NOW()
			WHERE source_connection_id = $3 AND entity_id = $4
		`, contentHash, syncJobID, sourceConnectionID, entityID)
		if err != nil {
			return RecordResult{}, fmt.Errorf("ledger: updating entity %s: %w", entityID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return RecordResult{}, fmt.Errorf("ledger: committing entity %s: %w", entityID, err)
	}
	return result, nil
}

// SetVectorID persists the destination's own identifier for an entity's
// vector/row once an upsert that produced it has succeeded. Called after
// the destination write, never before, so a failed upsert never leaves a
// vector id pointing at a row that doesn't exist.
func (l *Ledger) SetVectorID(ctx context.Context, sourceConnectionID, entityID, vectorID string) error {
	_, err := l.pool.Exec(ctx, `
		UPDATE sync_ledger
		SET destination_vector_id = $1
		WHERE source_connection_id = $2 AND entity_id = $3
	`, vectorID, sourceConnectionID, entityID)
	if err != nil {
		return fmt.Errorf("ledger: setting vector id for entity %s: %w", entityID, err)
	}
	return nil
}

// Orphans returns entity IDs for a source connection whose last recorded
// sync job is not syncJobID, meaning the current run didn't touch them.
// Callers must only treat these as deletable once the stream that
// produced syncJobID exited normally (not after a cancel or crash), since
// a partial run would otherwise orphan entities it simply hadn't reached
// yet.
func (l *Ledger) Orphans(ctx context.Context, sourceConnectionID, syncJobID string) ([]string, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT entity_id FROM sync_ledger
		WHERE source_connection_id = $1 AND last_sync_job_id != $2
	`, sourceConnectionID, syncJobID)
	if err != nil {
		return nil, fmt.Errorf("ledger: querying orphans: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: scanning orphan row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ForgetOrphans removes orphaned rows from the ledger after their
// destination-side deletion has been confirmed, so they don't get
// reported as orphans again on a future run.
func (l *Ledger) ForgetOrphans(ctx context.Context, sourceConnectionID string, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	_, err := l.pool.Exec(ctx, `
		DELETE FROM sync_ledger
		WHERE source_connection_id = $1 AND entity_id = ANY($2)
	`, sourceConnectionID, entityIDs)
	if err != nil {
		return fmt.Errorf("ledger: forgetting orphans: %w", err)
	}
	return nil
}

// Stats reports row counts for a source connection, used for sync job
// summaries.
type Stats struct {
	TotalEntities int64
	OldestSeen    time.Time
	NewestSeen    time.Time
}

func (l *Ledger) Stats(ctx context.Context, sourceConnectionID string) (Stats, error) {
	var stats Stats
	err := l.pool.QueryRow(ctx, `
		SELECT COUNT(*), MIN(first_seen_at), MAX(last_seen_at)
		FROM sync_ledger WHERE source_connection_id = $1
	`, sourceConnectionID).Scan(&stats.TotalEntities, &stats.OldestSeen, &stats.NewestSeen)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: computing stats: %w", err)
	}
	return stats, nil
}
