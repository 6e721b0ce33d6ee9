// Package workflowruntime provides the durable shell around the sync
// orchestrator: persisted sync_job rows, a heartbeat-driven cancellation
// path, a trigger scheduler, and pollers that pick up queued sync requests.
// There is no external workflow engine in the dependency set this runtime
// is built on, so a Postgres row is the checkpoint and context.Context
// cancellation is the suspension mechanism, in place of an activity
// heartbeat.
package workflowruntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobStatus mirrors orchestrator.Status in the persisted row so the store
// package doesn't need to import orchestrator just for a string type.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// SyncJobRow is one sync_job table row: the durable record of a single
// orchestrator.Run invocation.
type SyncJobRow struct {
	ID                 string
	SyncID             string
	SourceConnectionID string
	Status             JobStatus
	ForceFullSync      bool
	Inserted           int
	Updated            int
	Kept               int
	Deleted            int
	Skipped            int
	Encountered        int
	Error              string
	StartedAt          time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// JobStore persists sync_job rows in Postgres. It plays the role a
// Temporal/Cadence activity heartbeat would elsewhere: the row's
// updated_at column is the liveness signal a crashed-poller detector
// checks, and its status column is the single source of truth a restarted
// process resumes from.
type JobStore struct {
	pool    *pgxpool.Pool
	channel string
}

// NewJobStore wraps an existing pgx pool. notifyChannel is the Postgres
// NOTIFY channel cancellation requests are published on.
func NewJobStore(pool *pgxpool.Pool, notifyChannel string) *JobStore {
	if notifyChannel == "" {
		notifyChannel = "sync_job_events"
	}
	return &JobStore{pool: pool, channel: notifyChannel}
}

// Migrate creates the sync_job table if it doesn't exist.
func (s *JobStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sync_job (
			id                    TEXT PRIMARY KEY,
			sync_id               TEXT NOT NULL,
			source_connection_id  TEXT NOT NULL,
			status                TEXT NOT NULL,
			force_full_sync       BOOLEAN NOT NULL DEFAULT FALSE,
			inserted              INTEGER NOT NULL DEFAULT 0,
			updated_count         INTEGER NOT NULL DEFAULT 0,
			kept                  INTEGER NOT NULL DEFAULT 0,
			deleted               INTEGER NOT NULL DEFAULT 0,
			skipped               INTEGER NOT NULL DEFAULT 0,
			encountered           INTEGER NOT NULL DEFAULT 0,
			error                 TEXT,
			started_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at          TIMESTAMPTZ,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("workflowruntime: migrating sync_job: %w", err)
	}
	return nil
}

// Create inserts a new pending sync_job row (the create_sync_job activity).
func (s *JobStore) Create(ctx context.Context, id, syncID, sourceConnectionID string, forceFullSync bool) (*SyncJobRow, error) {
	row := &SyncJobRow{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sync_job (id, sync_id, source_connection_id, status, force_full_sync)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, sync_id, source_connection_id, status, force_full_sync,
		          inserted, updated_count, kept, deleted, skipped, encountered,
		          COALESCE(error, ''), started_at, completed_at, created_at, updated_at
	`, id, syncID, sourceConnectionID, JobPending, forceFullSync).Scan(
		&row.ID, &row.SyncID, &row.SourceConnectionID, &row.Status, &row.ForceFullSync,
		&row.Inserted, &row.Updated, &row.Kept, &row.Deleted, &row.Skipped, &row.Encountered,
		&row.Error, &row.StartedAt, &row.CompletedAt, &row.CreatedAt, &row.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("workflowruntime: creating sync_job %s: %w", id, err)
	}
	return row, nil
}

// Get loads one sync_job row by ID.
func (s *JobStore) Get(ctx context.Context, id string) (*SyncJobRow, error) {
	row := &SyncJobRow{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, sync_id, source_connection_id, status, force_full_sync,
		       inserted, updated_count, kept, deleted, skipped, encountered,
		       COALESCE(error, ''), started_at, completed_at, created_at, updated_at
		FROM sync_job WHERE id = $1
	`, id).Scan(
		&row.ID, &row.SyncID, &row.SourceConnectionID, &row.Status, &row.ForceFullSync,
		&row.Inserted, &row.Updated, &row.Kept, &row.Deleted, &row.Skipped, &row.Encountered,
		&row.Error, &row.StartedAt, &row.CompletedAt, &row.CreatedAt, &row.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflowruntime: sync_job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("workflowruntime: getting sync_job %s: %w", id, err)
	}
	return row, nil
}

// MarkRunning transitions a job to running and stamps started_at.
func (s *JobStore) MarkRunning(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_job SET status = $1, started_at = NOW(), updated_at = NOW() WHERE id = $2
	`, JobRunning, id)
	if err != nil {
		return fmt.Errorf("workflowruntime: marking sync_job %s running: %w", id, err)
	}
	return s.notify(ctx, id, JobRunning, "")
}

// Heartbeat bumps updated_at without changing status, the liveness signal
// a watchdog scanning for stuck jobs checks against.
func (s *JobStore) Heartbeat(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sync_job SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("workflowruntime: heartbeat for sync_job %s: %w", id, err)
	}
	return nil
}

// Finish persists the terminal state and counters of a completed run (the
// run_sync activity's return path, successful or not).
func (s *JobStore) Finish(ctx context.Context, id string, status JobStatus, errMsg string, inserted, updated, kept, deleted, skipped, encountered int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_job
		SET status = $1, error = NULLIF($2, ''), inserted = $3, updated_count = $4,
		    kept = $5, deleted = $6, skipped = $7, encountered = $8,
		    completed_at = NOW(), updated_at = NOW()
		WHERE id = $9
	`, status, errMsg, inserted, updated, kept, deleted, skipped, encountered, id)
	if err != nil {
		return fmt.Errorf("workflowruntime: finishing sync_job %s: %w", id, err)
	}
	return s.notify(ctx, id, status, errMsg)
}

// RequestCancel publishes a cancellation NOTIFY for id. A job not being run
// by this process's Registry is not affected directly; CancelListener is
// what turns the notification into an actual context cancel.
func (s *JobStore) RequestCancel(ctx context.Context, id string) error {
	payload, err := json.Marshal(JobEvent{Type: "cancel_requested", SyncJobID: id})
	if err != nil {
		return fmt.Errorf("workflowruntime: encoding cancel request for sync_job %s: %w", id, err)
	}
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, payload); err != nil {
		return fmt.Errorf("workflowruntime: requesting cancel for sync_job %s: %w", id, err)
	}
	return nil
}

func (s *JobStore) notify(ctx context.Context, id string, status JobStatus, errMsg string) error {
	payload, err := json.Marshal(JobEvent{Type: "status_changed", SyncJobID: id, Status: string(status), Error: errMsg})
	if err != nil {
		return fmt.Errorf("workflowruntime: encoding status notification for sync_job %s: %w", id, err)
	}
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, payload); err != nil {
		return fmt.Errorf("workflowruntime: notifying sync_job %s: %w", id, err)
	}
	return nil
}
