package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsAllSubmittedTasks(t *testing.T) {
	p := New(Config{Concurrency: 4}, nil)
	ctx := context.Background()

	var ran int64
	for i := 0; i < 20; i++ {
		if err := p.Submit(ctx, Task{ID: "t", Run: func(ctx context.Context) error {
			atomic.AddInt64(&ran, 1)
			return nil
		}}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("unexpected error from Wait: %v", err)
	}
	if got := atomic.LoadInt64(&ran); got != 20 {
		t.Fatalf("expected 20 tasks to run, got %d", got)
	}
	completed, failed := p.Counts()
	if completed != 20 || failed != 0 {
		t.Fatalf("expected 20 completed / 0 failed, got %d / %d", completed, failed)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(Config{Concurrency: 2}, nil)
	ctx := context.Background()

	var current, maxObserved int64
	for i := 0; i < 10; i++ {
		_ = p.Submit(ctx, Task{ID: "t", Run: func(ctx context.Context) error {
			n := atomic.AddInt64(&current, 1)
			for {
				old := atomic.LoadInt64(&maxObserved)
				if n <= old || atomic.CompareAndSwapInt64(&maxObserved, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}})
	}
	_ = p.Wait()
	if maxObserved > 2 {
		t.Fatalf("expected at most 2 concurrent tasks, observed %d", maxObserved)
	}
}

func TestPoolSurfacesFirstErrorButKeepsRunning(t *testing.T) {
	p := New(Config{Concurrency: 2}, nil)
	ctx := context.Background()

	boom := errors.New("boom")
	var successCount int64
	_ = p.Submit(ctx, Task{ID: "fails", Run: func(ctx context.Context) error { return boom }})
	for i := 0; i < 5; i++ {
		_ = p.Submit(ctx, Task{ID: "ok", Run: func(ctx context.Context) error {
			atomic.AddInt64(&successCount, 1)
			return nil
		}})
	}

	err := p.Wait()
	if err == nil {
		t.Fatal("expected Wait to surface the failing task's error")
	}
	if got := atomic.LoadInt64(&successCount); got != 5 {
		t.Fatalf("expected the other 5 tasks to still run to completion, got %d", got)
	}
	completed, failed := p.Counts()
	if completed != 5 || failed != 1 {
		t.Fatalf("expected 5 completed / 1 failed, got %d / %d", completed, failed)
	}
}
