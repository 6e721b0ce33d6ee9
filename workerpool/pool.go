// Package workerpool runs a bounded-concurrency pool of tasks over a batch
// of work, the way the reference worker pool dispatches queued jobs to a
// fixed number of workers, but built directly on golang.org/x/sync
// primitives instead of a queue abstraction: tasks are submitted
// in-process rather than pulled off a broker.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Config configures the pool.
type Config struct {
	Concurrency int64
	TaskTimeout time.Duration
}

// DefaultConfig mirrors the reference pool's "parallel" queue sizing.
func DefaultConfig() Config {
	return Config{Concurrency: 5, TaskTimeout: 2 * time.Minute}
}

// Task is one unit of work submitted to the pool.
type Task struct {
	ID  string
	Run func(ctx context.Context) error
}

// Pool runs submitted tasks with at most Config.Concurrency running at
// once, tracking completion counts so callers can wait for a whole batch
// to drain before deciding what to do next (e.g. before running orphan
// deletion, which must only happen after every entity in the run finished).
type Pool struct {
	cfg Config
	sem *semaphore.Weighted
	log *logrus.Entry

	wg sync.WaitGroup

	mu       sync.Mutex
	firstErr error

	completed int64
	failed    int64
}

// New creates a pool. log may be nil, in which case a disabled logger is
// used.
func New(cfg Config, log *logrus.Entry) *Pool {
	if cfg.Concurrency <= 0 {
		cfg = DefaultConfig()
	}
	if log == nil {
		l := logrus.New()
		l.SetOutput(discardWriter{})
		log = logrus.NewEntry(l)
	}
	return &Pool{cfg: cfg, sem: semaphore.NewWeighted(cfg.Concurrency), log: log}
}

// Submit blocks until a worker slot is free, then runs the task in its own
// goroutine. Submit itself never returns the task's error; call Wait for
// that once all tasks have been submitted.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("workerpool: acquiring slot for task %s: %w", task.ID, err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		p.run(ctx, task)
	}()
	return nil
}

func (p *Pool) run(ctx context.Context, task Task) {
	taskCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	start := time.Now()
	err := task.Run(taskCtx)
	elapsed := time.Since(start)

	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.log.WithError(err).WithFields(logrus.Fields{"task_id": task.ID, "elapsed_ms": elapsed.Milliseconds()}).Error("task failed")
		p.mu.Lock()
		if p.firstErr == nil {
			p.firstErr = fmt.Errorf("task %s: %w", task.ID, err)
		}
		p.mu.Unlock()
		return
	}

	atomic.AddInt64(&p.completed, 1)
	p.log.WithFields(logrus.Fields{"task_id": task.ID, "elapsed_ms": elapsed.Milliseconds()}).Debug("task completed")
}

// Wait blocks until every submitted task has finished, then returns the
// first error encountered (if any). Later tasks keep running to completion
// even after one fails, so a partial batch failure doesn't strand workers.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstErr
}

// Counts returns the number of completed and failed tasks so far.
func (p *Pool) Counts() (completed, failed int64) {
	return atomic.LoadInt64(&p.completed), atomic.LoadInt64(&p.failed)
}

type discardWriter struct{}

func (discardWriter) Write(b []byte) (int, error) { return len(b), nil }
