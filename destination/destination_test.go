package destination

import (
	"context"
	"errors"
	"testing"

	"github.com/evalgo/airweave-sync/entity"
)

type recordingDestination struct {
	name     string
	failIDs  map[string]bool
	upserted [][]string
}

func (d *recordingDestination) Name() string { return d.name }

func (d *recordingDestination) Upsert(ctx context.Context, entities []entity.Entity) error {
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.EntityID
	}
	d.upserted = append(d.upserted, ids)
	for _, e := range entities {
		if d.failIDs[e.EntityID] {
			return errors.New("rejected by destination")
		}
	}
	return nil
}

func (d *recordingDestination) Delete(ctx context.Context, sourceConnectionID string, entityIDs []string) error {
	return nil
}

func (d *recordingDestination) Close() error { return nil }

func entitiesWithIDs(ids ...string) []entity.Entity {
	out := make([]entity.Entity, len(ids))
	for i, id := range ids {
		out[i] = entity.Entity{EntityID: id}
	}
	return out
}

func TestRetryableUpsertSucceedsWholeBatch(t *testing.T) {
	dest := &recordingDestination{name: "test"}
	outcome, err := RetryableUpsert(context.Background(), dest, entitiesWithIDs("a", "b", "c"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.Skipped) != 0 {
		t.Fatalf("expected no skipped entities, got %v", outcome.Skipped)
	}
	if len(dest.upserted) != 1 {
		t.Fatalf("expected a single whole-batch upsert, got %d calls", len(dest.upserted))
	}
}

func TestRetryableUpsertEmptyBatchIsNoop(t *testing.T) {
	dest := &recordingDestination{name: "test"}
	outcome, err := RetryableUpsert(context.Background(), dest, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.Skipped) != 0 {
		t.Fatalf("expected no skipped entities, got %v", outcome.Skipped)
	}
	if len(dest.upserted) != 0 {
		t.Fatalf("expected no destination calls, got %d", len(dest.upserted))
	}
}

func TestRetryableUpsertIsolatesPoisonEntityByHalving(t *testing.T) {
	dest := &recordingDestination{name: "test", failIDs: map[string]bool{"c": true}}
	outcome, err := RetryableUpsert(context.Background(), dest, entitiesWithIDs("a", "b", "c", "d"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.Skipped) != 1 || outcome.Skipped[0] != "c" {
		t.Fatalf("expected only 'c' skipped, got %v", outcome.Skipped)
	}
}

func TestRetryableUpsertSingleEntityFailureIsSkippedNotPropagated(t *testing.T) {
	dest := &recordingDestination{name: "test", failIDs: map[string]bool{"only": true}}
	outcome, err := RetryableUpsert(context.Background(), dest, entitiesWithIDs("only"))
	if err != nil {
		t.Fatalf("expected nil error, single-entity failures are recorded as skipped: %v", err)
	}
	if len(outcome.Skipped) != 1 || outcome.Skipped[0] != "only" {
		t.Fatalf("expected 'only' to be skipped, got %v", outcome.Skipped)
	}
}

func TestRetryableUpsertAllPoisonSkipsEveryEntity(t *testing.T) {
	dest := &recordingDestination{name: "test", failIDs: map[string]bool{"a": true, "b": true}}
	outcome, err := RetryableUpsert(context.Background(), dest, entitiesWithIDs("a", "b"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outcome.Skipped) != 2 {
		t.Fatalf("expected both entities skipped, got %v", outcome.Skipped)
	}
}
