package workflowruntime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/evalgo/airweave-sync/dag"
	"github.com/evalgo/airweave-sync/destination"
	"github.com/evalgo/airweave-sync/internal/errutil"
	"github.com/evalgo/airweave-sync/ledger"
	"github.com/evalgo/airweave-sync/orchestrator"
	"github.com/evalgo/airweave-sync/pubsub"
	"github.com/evalgo/airweave-sync/source"
	"github.com/evalgo/airweave-sync/transformer"
)

// createSyncJobTimeout bounds the create_sync_job activity: it only ever
// does one INSERT, so 30s is generous.
const createSyncJobTimeout = 30 * time.Second

// runSyncStartToCloseTimeout bounds the run_sync activity overall: a sync
// job touching a very large source connection is allowed up to a week,
// matching the spec's long-tail source sizes.
const runSyncStartToCloseTimeout = 7 * 24 * time.Hour

// heartbeatInterval is how often run_sync stamps sync_job.updated_at,
// standing in for the heartbeat an external workflow engine's activity
// context would otherwise require.
const heartbeatInterval = 15 * time.Second

// Deps bundles everything RunSourceConnection needs to build one
// Orchestrator run. Destinations and Transformers are shared across jobs;
// Adapter and Graph are resolved by the caller per source connection
// before invoking the workflow (that resolution — looking up credentials,
// parsing a DAG definition file — lives outside this package's scope,
// which starts once a runnable Adapter/Graph pair exists).
type Deps struct {
	Adapter      source.Adapter
	Graph        *dag.Graph
	Transformers *transformer.Registry
	Destinations map[string]destination.Destination
	Ledger       *ledger.Ledger
	Cursors      *ledger.CursorStore
	Progress     *pubsub.Broker
	Registry     *orchestrator.Registry
	Jobs         *JobStore
	Logger       *logrus.Entry
}

func (d *Deps) logger() *logrus.Entry {
	if d.Logger == nil {
		return logrus.NewEntry(logrus.New())
	}
	return d.Logger
}

// WorkflowConfig is the input a scheduler or poller supplies to run one
// source connection through to completion.
type WorkflowConfig struct {
	SyncID             string
	SourceConnectionID string
	SourceNodeID       string
	ForceFullSync      bool
	CollectionID       string
	VectorSize         int
}

// RunSourceConnection is the workflow function: it creates the sync_job
// row, drives it to a terminal state, and runs the cancel compensation if
// the run ends up cancelled. It returns the final persisted row.
func RunSourceConnection(ctx context.Context, deps Deps, cfg WorkflowConfig) (*SyncJobRow, error) {
	syncJobID := uuid.New().String()
	log := deps.logger().WithFields(logrus.Fields{"sync_id": cfg.SyncID, "sync_job_id": syncJobID})

	if err := CreateSyncJob(ctx, deps, syncJobID, cfg); err != nil {
		return nil, err
	}

	result := RunSync(ctx, deps, syncJobID, cfg)

	if result.Status == orchestrator.StatusCancelled {
		// ABANDON semantics: the compensation runs even if the caller's
		// context is already gone, so a cancelled job is never left
		// stuck in "running" because the cancel also killed our ability
		// to write the terminal row.
		MarkSyncJobCancelled(deps, syncJobID, result)
	}

	if result.Error != nil {
		log.WithError(result.Error).Warn("sync job ended in error")
	}

	return deps.Jobs.Get(ctx, syncJobID)
}

// CreateSyncJob is the create_sync_job activity: a single INSERT with no
// retries (a failed insert means the workflow never started, nothing to
// retry into).
func CreateSyncJob(ctx context.Context, deps Deps, syncJobID string, cfg WorkflowConfig) error {
	ctx, cancel := context.WithTimeout(ctx, createSyncJobTimeout)
	defer cancel()

	if _, err := deps.Jobs.Create(ctx, syncJobID, cfg.SyncID, cfg.SourceConnectionID, cfg.ForceFullSync); err != nil {
		return fmt.Errorf("workflowruntime: create_sync_job: %w", err)
	}
	return nil
}

// RunSync is the run_sync activity: it builds an Orchestrator, wires a
// heartbeat ticker onto the job row, runs it to completion, and persists
// the terminal result. Unlike a Temporal activity it doesn't get
// heartbeat-triggered cancellation for free — that's why the orchestrator
// Registry's own cancel flag (driven by CancelListener) is what actually
// unwinds the run; this function's heartbeat is purely the liveness
// signal external watchdogs read.
func RunSync(ctx context.Context, deps Deps, syncJobID string, cfg WorkflowConfig) orchestrator.Result {
	log := deps.logger().WithFields(logrus.Fields{"sync_id": cfg.SyncID, "sync_job_id": syncJobID})

	runCtx, cancel := context.WithTimeout(ctx, runSyncStartToCloseTimeout)
	defer cancel()

	if err := deps.Jobs.MarkRunning(runCtx, syncJobID); err != nil {
		return orchestrator.Result{Status: orchestrator.StatusFailed, Error: err}
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := deps.Jobs.Heartbeat(context.Background(), syncJobID); err != nil {
					log.WithError(err).Warn("heartbeat failed")
				}
			case <-runCtx.Done():
				return
			}
		}
	}()

	o := orchestrator.New(
		orchestrator.Config{
			SyncID:             cfg.SyncID,
			SyncJobID:          syncJobID,
			SourceConnectionID: cfg.SourceConnectionID,
			SourceNodeID:       cfg.SourceNodeID,
			ForceFullSync:      cfg.ForceFullSync,
			CollectionID:       cfg.CollectionID,
			VectorSize:         cfg.VectorSize,
			Logger:             log,
		},
		deps.Adapter, deps.Graph, deps.Transformers, deps.Destinations,
		deps.Ledger, deps.Cursors, deps.Progress, deps.Registry,
	)

	result := o.Run(runCtx)
	cancel()
	<-heartbeatDone

	// Cancellation is persisted by the dedicated compensation activity
	// below, not here: it must run on a context immune to whatever just
	// cancelled this run, and a single codepath for that is easier to
	// reason about than duplicating the WithoutCancel dance inline.
	if result.Status == orchestrator.StatusCancelled {
		return result
	}

	finishErr := ""
	if result.Error != nil {
		finishErr = errutil.RootCauseMessage(result.Error)
	}
	status := JobStatus(result.Status)
	if err := deps.Jobs.Finish(context.Background(), syncJobID, status, finishErr,
		result.Counters.Inserted, result.Counters.Updated, result.Counters.Kept,
		result.Counters.Deleted, result.Counters.Skipped, result.Counters.Encountered); err != nil {
		log.WithError(err).Error("failed to persist terminal sync_job state")
	}

	return result
}

// MarkSyncJobCancelled is the cancel compensation activity. It takes no
// context from the caller and always runs on its own timeout context built
// over context.WithoutCancel(context.Background()), so it still completes
// after the parent context that triggered the cancel has itself been torn
// down (ABANDON-type compensation semantics, spec.md
// §4.11). It persists whatever counters the cancelled run had accumulated.
func MarkSyncJobCancelled(deps Deps, syncJobID string, result orchestrator.Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), createSyncJobTimeout)
	defer cancel()

	if err := deps.Jobs.Finish(ctx, syncJobID, JobCancelled, "cancelled",
		result.Counters.Inserted, result.Counters.Updated, result.Counters.Kept,
		result.Counters.Deleted, result.Counters.Skipped, result.Counters.Encountered); err != nil {
		deps.logger().WithError(err).WithField("sync_job_id", syncJobID).Error("cancel compensation failed to persist")
	}
}
