package orchestrator

import (
	"testing"
)

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []Status{StatusPending, StatusRunning}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("expected %s to not be terminal", s)
		}
	}
}

func TestStatusCanTransitionTo(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransitionTo(c.to); got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestRegistryStartCreatesPendingJob(t *testing.T) {
	r := NewRegistry(10)
	job := r.Start("job-1", func() {})
	if job.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", job.Status)
	}

	got, ok := r.Get("job-1")
	if !ok {
		t.Fatal("expected job to be registered")
	}
	if got.SyncJobID != "job-1" {
		t.Fatalf("got %q, want job-1", got.SyncJobID)
	}
}

func TestRegistryTransitionHappyPath(t *testing.T) {
	r := NewRegistry(10)
	r.Start("job-1", nil)

	if err := r.Transition("job-1", StatusRunning, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Transition("job-1", StatusCompleted, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := r.Get("job-1")
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("expected CompletedAt to be set on terminal transition")
	}
}

func TestRegistryTransitionRejectsResurrectingTerminalJob(t *testing.T) {
	r := NewRegistry(10)
	r.Start("job-1", nil)
	if err := r.Transition("job-1", StatusFailed, "boom"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Transition("job-1", StatusRunning, ""); err == nil {
		t.Fatal("expected error transitioning out of a terminal state")
	}
}

func TestRegistryTransitionRejectsInvalidEdge(t *testing.T) {
	r := NewRegistry(10)
	r.Start("job-1", nil)
	if err := r.Transition("job-1", StatusCompleted, ""); err == nil {
		t.Fatal("expected error transitioning pending -> completed directly")
	}
}

func TestRegistryTransitionUnknownJobErrors(t *testing.T) {
	r := NewRegistry(10)
	if err := r.Transition("missing", StatusRunning, ""); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestRegistryCancelInvokesCancelFunc(t *testing.T) {
	r := NewRegistry(10)
	called := false
	r.Start("job-1", func() { called = true })
	r.Transition("job-1", StatusRunning, "")

	if ok := r.Cancel("job-1"); !ok {
		t.Fatal("expected Cancel to report success")
	}
	if !called {
		t.Fatal("expected cancel func to be invoked")
	}
}

func TestRegistryCancelOnTerminalJobIsNoop(t *testing.T) {
	r := NewRegistry(10)
	called := false
	r.Start("job-1", func() { called = true })
	r.Transition("job-1", StatusFailed, "boom")

	if ok := r.Cancel("job-1"); ok {
		t.Fatal("expected Cancel to report failure for terminal job")
	}
	if called {
		t.Fatal("expected cancel func not to be invoked")
	}
}

func TestRegistryCancelOnUnknownJobIsNoop(t *testing.T) {
	r := NewRegistry(10)
	if ok := r.Cancel("missing"); ok {
		t.Fatal("expected Cancel to report failure for unknown job")
	}
}

func TestRegistryEvictsOldestJobAtCapacity(t *testing.T) {
	r := NewRegistry(2)
	r.Start("job-1", nil)
	r.Start("job-2", nil)
	r.Start("job-3", nil)

	if _, ok := r.Get("job-1"); ok {
		t.Fatal("expected oldest job to be evicted")
	}
	if _, ok := r.Get("job-2"); !ok {
		t.Fatal("expected job-2 to still be present")
	}
	if _, ok := r.Get("job-3"); !ok {
		t.Fatal("expected job-3 to still be present")
	}
}

func TestRegistryActiveExcludesTerminalJobs(t *testing.T) {
	r := NewRegistry(10)
	r.Start("job-1", nil)
	r.Start("job-2", nil)
	r.Transition("job-2", StatusFailed, "boom")

	active := r.Active()
	if len(active) != 1 || active[0].SyncJobID != "job-1" {
		t.Fatalf("expected only job-1 active, got %+v", active)
	}
}

func TestJobStateIsCompleteAndIsFailed(t *testing.T) {
	j := &JobState{Status: StatusCompleted}
	if !j.IsComplete() {
		t.Fatal("expected IsComplete true")
	}
	if j.IsFailed() {
		t.Fatal("expected IsFailed false")
	}

	j2 := &JobState{Status: StatusFailed}
	if j2.IsComplete() {
		t.Fatal("expected IsComplete false")
	}
	if !j2.IsFailed() {
		t.Fatal("expected IsFailed true")
	}
}

func TestRegistrySetCancelAttachesCancelFunc(t *testing.T) {
	r := NewRegistry(10)
	r.Start("job-1", nil)

	called := false
	r.SetCancel("job-1", func() { called = true })
	r.Transition("job-1", StatusRunning, "")

	if ok := r.Cancel("job-1"); !ok {
		t.Fatal("expected Cancel to succeed after SetCancel")
	}
	if !called {
		t.Fatal("expected attached cancel func to run")
	}
}
