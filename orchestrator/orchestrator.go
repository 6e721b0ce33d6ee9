package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo/airweave-sync/credentials"
	"github.com/evalgo/airweave-sync/dag"
	"github.com/evalgo/airweave-sync/destination"
	"github.com/evalgo/airweave-sync/embedding"
	"github.com/evalgo/airweave-sync/entity"
	"github.com/evalgo/airweave-sync/ledger"
	"github.com/evalgo/airweave-sync/pubsub"
	"github.com/evalgo/airweave-sync/source"
	"github.com/evalgo/airweave-sync/stream"
	"github.com/evalgo/airweave-sync/transformer"
	"github.com/evalgo/airweave-sync/workerpool"
)

// Config parameterizes one Orchestrator run. Everything here is resolved
// by the caller (the workflow runtime's run_sync activity) from the
// sync/sync_job/dag rows before Run is invoked.
type Config struct {
	SyncID              string
	SyncJobID           string
	SourceConnectionID  string
	SourceNodeID        string // the DAG's single source node, routing starts here
	ForceFullSync       bool
	CollectionID        string // passed to setup_collection; defaults to SyncID
	VectorSize          int    // embedding dimension, passed to setup_collection

	StreamBufferSize int           // default 1000 (spec §4.4)
	Concurrency      int64         // worker pool cap, default 100 (spec §4.5)
	BatchMaxOps      int           // per-destination batcher flush threshold
	BatchFlushEvery  time.Duration // per-destination batcher flush interval
	ProgressEvery    int           // publish progress every N entities processed
	WorkerGrace      time.Duration // drain grace after cancel, default 30s

	Logger *logrus.Entry
}

func (c *Config) setDefaults() {
	if c.StreamBufferSize <= 0 {
		c.StreamBufferSize = 1000
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 100
	}
	if c.BatchMaxOps <= 0 {
		c.BatchMaxOps = 50
	}
	if c.BatchFlushEvery <= 0 {
		c.BatchFlushEvery = 5 * time.Second
	}
	if c.ProgressEvery <= 0 {
		c.ProgressEvery = 20
	}
	if c.WorkerGrace <= 0 {
		c.WorkerGrace = 30 * time.Second
	}
	if c.CollectionID == "" {
		c.CollectionID = c.SyncID
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.New())
	}
}

// Result is what Run returns: the final counters and terminal status, for
// the caller to persist onto the sync_job row.
type Result struct {
	Status   Status
	Error    error
	Counters JobState
}

// Orchestrator assembles a source adapter, DAG router, ledger, cursor
// store, and per-destination batchers for one sync job and drives it from
// pending to a terminal state (spec.md §4.10).
type Orchestrator struct {
	cfg Config

	adapter  source.Adapter
	router   *dag.Router
	batchers map[string]*Batcher
	ledger   *ledger.Ledger
	cursors  *ledger.CursorStore
	progress *pubsub.Broker
	registry *Registry
}

// New builds an Orchestrator. destinations maps the DAG's destination node
// names to their concrete implementations; each is wrapped in its own
// Batcher. progress may be nil, in which case progress publication is
// skipped (useful for tests without Redis).
func New(cfg Config, adapter source.Adapter, graph *dag.Graph, transformersReg *transformer.Registry, destinations map[string]destination.Destination, led *ledger.Ledger, cursors *ledger.CursorStore, progress *pubsub.Broker, registry *Registry) *Orchestrator {
	cfg.setDefaults()

	batchers := make(map[string]*Batcher, len(destinations))
	routed := make(map[string]destination.Destination, len(destinations))
	for name, d := range destinations {
		b := NewBatcher(d, cfg.BatchMaxOps, cfg.BatchFlushEvery, cfg.Logger)
		batchers[name] = b
		routed[name] = b
	}

	router := dag.NewRouter(graph, transformersReg, routed, led, cfg.SyncJobID).
		WithEmbedder(embedding.NewHashVectorizer(cfg.VectorSize))

	return &Orchestrator{
		cfg:      cfg,
		adapter:  adapter,
		router:   router,
		batchers: batchers,
		ledger:   led,
		cursors:  cursors,
		progress: progress,
		registry: registry,
	}
}

// Run drives the sync job to completion. It returns once the job reaches
// a terminal state; the caller is responsible for persisting Result onto
// the sync_job row.
func (o *Orchestrator) Run(ctx context.Context) Result {
	runCtx, cancel := context.WithCancel(ctx)
	o.registry.Start(o.cfg.SyncJobID, cancel)
	defer cancel()

	if err := o.registry.Transition(o.cfg.SyncJobID, StatusRunning, ""); err != nil {
		return Result{Status: StatusFailed, Error: err}
	}

	for _, b := range o.batchers {
		if setup, ok := b.dest.(destination.CollectionSetup); ok {
			if err := setup.SetupCollection(runCtx, o.cfg.CollectionID, o.cfg.VectorSize); err != nil {
				return o.fail(ctx, fmt.Errorf("orchestrator: setup_collection on %s: %w", b.Name(), err))
			}
		}
	}

	cursorVal, _, err := o.cursors.Get(ctx, o.cfg.SourceConnectionID)
	if err != nil {
		return o.fail(ctx, fmt.Errorf("orchestrator: loading cursor: %w", err))
	}
	var cursor *source.Cursor
	if cursorVal != "" {
		cursor = &source.Cursor{Value: cursorVal}
	}

	strm := stream.New(o.cfg.StreamBufferSize)

	var newCursor *source.Cursor
	var generateErr error
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		defer strm.Close()
		newCursor, generateErr = o.adapter.Generate(runCtx, cursor, func(ectx context.Context, e entity.Entity) error {
			e.SyncID = o.cfg.SyncID
			e.SyncJobID = o.cfg.SyncJobID
			e.SourceConnectionID = o.cfg.SourceConnectionID
			return strm.Send(ectx, e)
		})
		if generateErr != nil {
			_ = strm.SendError(runCtx, generateErr)
		}
	}()

	for _, b := range o.batchers {
		stopFn := b.StartTimer(runCtx)
		defer stopFn()
	}

	pool := workerpool.New(workerpool.Config{Concurrency: o.cfg.Concurrency}, o.cfg.Logger)

	var mu sync.Mutex
	var totals JobState
	var encountered int64
	var streamErr error

	consumeLoop:
	for {
		select {
		case env, ok := <-strm.Recv():
			if !ok {
				break consumeLoop
			}
			if env.Err != nil {
				streamErr = env.Err
				continue
			}
			e := env.Entity
			atomic.AddInt64(&encountered, 1)
			_ = pool.Submit(runCtx, workerpool.Task{
				ID: e.EntityID,
				Run: func(taskCtx context.Context) error {
					counters, rErr := o.router.Route(taskCtx, o.cfg.SourceNodeID, e)
					mu.Lock()
					totals.Inserted += counters.Inserted
					totals.Updated += counters.Updated
					totals.Kept += counters.Kept
					totals.Skipped += counters.Skipped
					mu.Unlock()
					if rErr != nil {
						o.cfg.Logger.WithError(rErr).
							WithField("entity_id", e.EntityID).
							WithField("fields", credentials.Sanitize(e.Fields)).
							Warn("routing entity failed, counted as skipped")
						mu.Lock()
						totals.Skipped++
						mu.Unlock()
					}
					if n := atomic.LoadInt64(&encountered); o.progress != nil && n%int64(o.cfg.ProgressEvery) == 0 {
						o.publishProgress(runCtx, totals, false, false, "")
					}
					return nil
				},
			})
		case <-runCtx.Done():
			break consumeLoop
		}
	}

	// Give in-flight workers their grace period even if we broke out early
	// due to cancellation; the stream producer itself observes runCtx.Done
	// at its next Send and unwinds on its own.
	waitDone := make(chan struct{})
	go func() { pool.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(o.cfg.WorkerGrace):
		o.cfg.Logger.Warn("worker grace period elapsed with tasks still in flight")
	}

	for _, b := range o.batchers {
		if err := b.Flush(ctx); err != nil {
			o.cfg.Logger.WithError(err).Warn("final batch flush failed")
		}
		totals.Skipped += b.Skipped()
	}

	select {
	case <-producerDone:
	case <-time.After(5 * time.Second):
	}

	cancelled := runCtx.Err() != nil
	totals.Encountered = int(atomic.LoadInt64(&encountered))

	if cancelled {
		_ = o.registry.Transition(o.cfg.SyncJobID, StatusCancelled, "cancelled")
		o.publishProgress(ctx, totals, false, false, "cancelled")
		return Result{Status: StatusCancelled, Counters: totals}
	}

	if streamErr != nil {
		return o.fail(ctx, fmt.Errorf("orchestrator: source adapter failed: %w", streamErr))
	}

	// Orphan deletion runs only when the stream exited normally and the
	// job requested a full sync (Open Question #3, spec.md §9): a
	// partial/cancelled run's "encountered" set is not the true
	// complement of what the source actually has.
	if o.cfg.ForceFullSync {
		deleted, err := o.deleteOrphans(ctx)
		if err != nil {
			return o.fail(ctx, fmt.Errorf("orchestrator: orphan deletion: %w", err))
		}
		totals.Deleted = deleted
	}

	if newCursor != nil {
		if err := o.cursors.Set(ctx, o.cfg.SourceConnectionID, newCursor.Value); err != nil {
			return o.fail(ctx, fmt.Errorf("orchestrator: persisting cursor: %w", err))
		}
	}

	if err := o.registry.Transition(o.cfg.SyncJobID, StatusCompleted, ""); err != nil {
		return o.fail(ctx, err)
	}
	o.publishProgress(ctx, totals, true, false, "")
	return Result{Status: StatusCompleted, Counters: totals}
}

func (o *Orchestrator) fail(ctx context.Context, err error) Result {
	_ = o.registry.Transition(o.cfg.SyncJobID, StatusFailed, err.Error())
	o.publishProgress(ctx, JobState{}, false, true, err.Error())
	return Result{Status: StatusFailed, Error: err}
}

func (o *Orchestrator) deleteOrphans(ctx context.Context) (int, error) {
	orphanIDs, err := o.ledger.Orphans(ctx, o.cfg.SourceConnectionID, o.cfg.SyncJobID)
	if err != nil {
		return 0, err
	}
	if len(orphanIDs) == 0 {
		return 0, nil
	}
	for _, b := range o.batchers {
		if err := b.Delete(ctx, o.cfg.SourceConnectionID, orphanIDs); err != nil {
			return 0, fmt.Errorf("deleting from %s: %w", b.Name(), err)
		}
		if cascader, ok := b.dest.(destination.ParentCascadeDeleter); ok {
			for _, id := range orphanIDs {
				_ = cascader.DeleteByParent(ctx, o.cfg.SourceConnectionID, id)
			}
		}
	}
	if err := o.ledger.ForgetOrphans(ctx, o.cfg.SourceConnectionID, orphanIDs); err != nil {
		return 0, err
	}
	return len(orphanIDs), nil
}

func (o *Orchestrator) publishProgress(ctx context.Context, totals JobState, complete, failed bool, errMsg string) {
	if o.progress == nil {
		return
	}
	_ = o.progress.Publish(ctx, pubsub.ProgressEvent{
		SyncJobID:         o.cfg.SyncJobID,
		Phase:             string(progressPhase(complete, failed)),
		EntitiesProcessed: int64(totals.Encountered),
		EntitiesInserted:  int64(totals.Inserted),
		EntitiesUpdated:   int64(totals.Updated),
		EntitiesDeleted:   int64(totals.Deleted),
		Error:             errMsg,
	})
}

func progressPhase(complete, failed bool) Status {
	switch {
	case failed:
		return StatusFailed
	case complete:
		return StatusCompleted
	default:
		return StatusRunning
	}
}
