package workflowruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	redisqueue "github.com/evalgo/airweave-sync/queue/redis"
)

// PollerConfig sizes the two poller pools a process runs: one polling for
// new sync requests to start (workflow tasks) and one available for the
// activity-level work RunSync performs inline. Reference engines split
// these because activities can be scheduled independently of the workflow
// that spawned them; this runtime runs both in the same goroutine per job,
// so the activity pool exists mainly to cap how many jobs run concurrently
// per process.
type PollerConfig struct {
	WorkflowPollers int           // default 8
	ActivityPollers int           // default 16
	DequeueTimeout  time.Duration // default 5s, matches queue.Dequeue's blocking timeout
	QueueName       string        // default "sync_requests"
}

// DefaultPollerConfig mirrors the reference ratio of workflow to activity
// pollers (roughly 1:2, i.e. non-sticky:sticky of 0.5 inverted).
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		WorkflowPollers: 8,
		ActivityPollers: 16,
		DequeueTimeout:  5 * time.Second,
		QueueName:       "sync_requests",
	}
}

// SyncRequest is one queued request to run a source connection through
// RunSourceConnection, the payload a scheduler or API caller enqueues.
type SyncRequest struct {
	ActionID      string `json:"actionID"`
	SyncID        string `json:"sync_id"`
	SourceConnID  string `json:"source_connection_id"`
	SourceNodeID  string `json:"source_node_id"`
	ForceFullSync bool   `json:"force_full_sync"`
	CollectionID  string `json:"collection_id"`
	VectorSize    int    `json:"vector_size"`
}

// RequestResolver turns a queued SyncRequest into the runnable Deps a
// RunSourceConnection call needs (building the source Adapter from stored
// credentials, loading the DAG, etc.) — resolution detail the pack's
// source/credentials/dag packages cover, injected here so the poller
// itself stays oblivious to how any of that works.
type RequestResolver func(ctx context.Context, req SyncRequest) (Deps, error)

// PollerPool dequeues SyncRequests from a Redis-backed queue and drives
// each one through RunSourceConnection, the sync-core analogue of the
// reference worker pool that dequeues named-queue jobs and calls a
// JobProcessor. WorkflowPollers run concurrently; each blocks on
// Dequeue with DequeueTimeout, matching the reference's blocking poll.
type PollerPool struct {
	queue    *redisqueue.Queue
	resolver RequestResolver
	cfg      PollerConfig
	log      *logrus.Entry

	stopCh chan struct{}
}

// NewPollerPool builds a pool over an existing Redis queue client.
func NewPollerPool(queue *redisqueue.Queue, resolver RequestResolver, cfg PollerConfig, log *logrus.Entry) *PollerPool {
	if cfg.WorkflowPollers <= 0 {
		cfg = DefaultPollerConfig()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &PollerPool{queue: queue, resolver: resolver, cfg: cfg, log: log.WithField("component", "poller_pool"), stopCh: make(chan struct{})}
}

// Enqueue submits a SyncRequest for a poller to eventually pick up.
func (p *PollerPool) Enqueue(req SyncRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("workflowruntime: marshaling sync request: %w", err)
	}
	return p.queue.Enqueue(redisqueue.Job{
		ActionID:   req.ActionID,
		QueueName:  p.cfg.QueueName,
		WorkflowID: req.SourceConnID,
		EnqueuedAt: time.Now(),
		Payload:    payload,
	})
}

// Start launches WorkflowPollers goroutines, each polling the queue and
// running RunSourceConnection for whatever it dequeues. Only the
// WorkflowPollers count governs actual concurrency here; ActivityPollers
// is retained on PollerConfig purely as the capacity a future split
// between "start the workflow" and "run this activity" pollers would use.
func (p *PollerPool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.WorkflowPollers; i++ {
		go p.pollLoop(ctx, i)
	}
}

// Stop signals every poller goroutine to exit after its current dequeue
// call returns.
func (p *PollerPool) Stop() {
	close(p.stopCh)
}

func (p *PollerPool) pollLoop(ctx context.Context, workerID int) {
	log := p.log.WithField("poller_id", workerID)
	log.Info("poller started")
	for {
		select {
		case <-p.stopCh:
			log.Info("poller stopped")
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(p.cfg.QueueName, p.cfg.DequeueTimeout)
		if err != nil {
			log.WithError(err).Warn("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue // timeout, no job available
		}

		p.process(ctx, log, job)
	}
}

func (p *PollerPool) process(ctx context.Context, log *logrus.Entry, job *redisqueue.Job) {
	log = log.WithField("action_id", job.ActionID)

	if err := p.queue.MarkProcessing(job.ActionID, time.Now().Add(runSyncStartToCloseTimeout)); err != nil {
		log.WithError(err).Error("failed to mark processing, re-enqueueing")
		_ = p.queue.Enqueue(*job)
		return
	}

	req, ok := decodeRequest(*job)
	if !ok {
		log.Error("job payload missing sync request fields")
		_ = p.queue.FailJob(job.ActionID, false, p.cfg.QueueName, job.RetryCount)
		return
	}

	deps, err := p.resolver(ctx, req)
	if err != nil {
		log.WithError(err).Error("failed to resolve dependencies for sync request")
		_ = p.queue.FailJob(job.ActionID, job.RetryCount < 3, p.cfg.QueueName, job.RetryCount)
		return
	}

	if _, err := RunSourceConnection(ctx, deps, WorkflowConfig{
		SyncID:             req.SyncID,
		SourceConnectionID: req.SourceConnID,
		SourceNodeID:       req.SourceNodeID,
		ForceFullSync:      req.ForceFullSync,
		CollectionID:       req.CollectionID,
		VectorSize:         req.VectorSize,
	}); err != nil {
		log.WithError(err).Error("sync run failed")
		_ = p.queue.FailJob(job.ActionID, false, p.cfg.QueueName, job.RetryCount)
		return
	}

	if err := p.queue.CompleteJob(job.ActionID); err != nil {
		log.WithError(err).Warn("failed to mark job complete")
	}
}

// decodeRequest recovers the SyncRequest a producer marshaled into the
// queue.Job's Payload via PollerPool.Enqueue.
func decodeRequest(job redisqueue.Job) (SyncRequest, bool) {
	if len(job.Payload) == 0 {
		return SyncRequest{}, false
	}
	var req SyncRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return SyncRequest{}, false
	}
	return req, true
}
