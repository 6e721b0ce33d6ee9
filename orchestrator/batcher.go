package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/evalgo/airweave-sync/destination"
	"github.com/evalgo/airweave-sync/entity"
)

// Batcher wraps a destination.Destination so entities the DAG router
// decides to write accumulate in memory instead of hitting the
// destination one at a time, flushing every maxOps entities or every
// flushEvery interval, whichever comes first (spec.md §4.10 step 7). It
// implements destination.Destination itself so the DAG router can write
// through it without knowing batching is happening underneath.
type Batcher struct {
	dest       destination.Destination
	maxOps     int
	flushEvery time.Duration
	log        *logrus.Entry

	mu  sync.Mutex
	buf []entity.Entity

	skipped int64

	stop chan struct{}
	done chan struct{}
}

// NewBatcher wraps dest. maxOps <= 0 disables count-based flushing (timer
// only); flushEvery <= 0 disables timer-based flushing (count only). At
// least one must be set for the buffer to ever drain.
func NewBatcher(dest destination.Destination, maxOps int, flushEvery time.Duration, log *logrus.Entry) *Batcher {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Batcher{dest: dest, maxOps: maxOps, flushEvery: flushEvery, log: log}
}

func (b *Batcher) Name() string { return b.dest.Name() }

// Upsert buffers entities and flushes immediately once the buffer reaches
// maxOps. It practically never errors itself (buffering can't fail); real
// write errors surface from the timer-driven or final Flush call instead,
// where destination.RetryableUpsert's batch-shrink policy applies.
func (b *Batcher) Upsert(ctx context.Context, entities []entity.Entity) error {
	b.mu.Lock()
	b.buf = append(b.buf, entities...)
	var toFlush []entity.Entity
	if b.maxOps > 0 && len(b.buf) >= b.maxOps {
		toFlush = b.buf
		b.buf = nil
	}
	b.mu.Unlock()

	if toFlush == nil {
		return nil
	}
	return b.write(ctx, toFlush)
}

func (b *Batcher) write(ctx context.Context, batch []entity.Entity) error {
	outcome, err := destination.RetryableUpsert(ctx, b.dest, batch)
	atomic.AddInt64(&b.skipped, int64(len(outcome.Skipped)))
	if len(outcome.Skipped) > 0 {
		b.log.WithField("destination", b.dest.Name()).WithField("count", len(outcome.Skipped)).Warn("entities skipped after retries exhausted")
	}
	return err
}

// Delete passes through immediately: deletions are infrequent (orphan
// cleanup) and don't need batching.
func (b *Batcher) Delete(ctx context.Context, sourceConnectionID string, entityIDs []string) error {
	return b.dest.Delete(ctx, sourceConnectionID, entityIDs)
}

func (b *Batcher) Close() error { return b.dest.Close() }

// Skipped returns the number of entities abandoned after exhausting the
// batch-shrink retry policy, across every flush so far.
func (b *Batcher) Skipped() int {
	return int(atomic.LoadInt64(&b.skipped))
}

// Flush writes out whatever is currently buffered, regardless of size.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return b.write(ctx, batch)
}

// StartTimer launches the periodic flush loop and returns a function that
// stops it. Safe to call at most once per Batcher.
func (b *Batcher) StartTimer(ctx context.Context) func() {
	if b.flushEvery <= 0 {
		return func() {}
	}
	b.stop = make(chan struct{})
	b.done = make(chan struct{})

	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := b.Flush(ctx); err != nil {
					b.log.WithError(err).WithField("destination", b.dest.Name()).Error("periodic batch flush failed")
				}
			case <-b.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		select {
		case <-b.stop:
		default:
			close(b.stop)
		}
		<-b.done
	}
}
