// Package destination defines the contract sync destinations implement and
// the batching/retry wrapper the orchestrator drives them through.
package destination

import (
	"context"

	"github.com/evalgo/airweave-sync/entity"
)

// Destination is where transformed, embedded entities land. Implementations
// must make Upsert idempotent on (source_connection_id, entity_id) so a
// retried batch after a partial failure doesn't duplicate rows.
type Destination interface {
	Name() string

	// Upsert writes or updates a batch of entities. On partial failure the
	// caller is expected to shrink the batch and retry rather than assume
	// all-or-nothing semantics — not every destination can offer
	// transactional batch writes (S3 in particular cannot).
	Upsert(ctx context.Context, entities []entity.Entity) error

	// Delete removes entities from destination storage, used for entities
	// the ledger diff marked orphaned (present last run, absent this run).
	Delete(ctx context.Context, sourceConnectionID string, entityIDs []string) error

	// Close releases any held connections/handles.
	Close() error
}

// UpsertOutcome reports which entities a retried batch ultimately gave up
// on. Skipped entities do not fail the sync job; the caller counts them
// as `skipped` and moves on.
type UpsertOutcome struct {
	Skipped []string
}

// RetryableUpsert calls dest.Upsert, and on failure halves the batch and
// retries each half independently, bottoming out at single-entity batches.
// This isolates poison entities (e.g. one with a field the destination
// rejects) without failing the whole sync job over one bad record: a size-1
// batch that still fails is recorded as skipped rather than propagated, per
// the destination batch-shrink failure policy.
func RetryableUpsert(ctx context.Context, dest Destination, entities []entity.Entity) (UpsertOutcome, error) {
	if len(entities) == 0 {
		return UpsertOutcome{}, nil
	}
	err := dest.Upsert(ctx, entities)
	if err == nil {
		return UpsertOutcome{}, nil
	}
	if len(entities) == 1 {
		return UpsertOutcome{Skipped: []string{entities[0].EntityID}}, nil
	}

	mid := len(entities) / 2
	firstOut, errFirst := RetryableUpsert(ctx, dest, entities[:mid])
	if errFirst != nil {
		return firstOut, errFirst
	}
	secondOut, errSecond := RetryableUpsert(ctx, dest, entities[mid:])
	if errSecond != nil {
		return firstOut, errSecond
	}
	return UpsertOutcome{Skipped: append(firstOut.Skipped, secondOut.Skipped...)}, nil
}

// CollectionSetup is implemented by destinations whose backing store needs
// an explicit, idempotent setup step before the first upsert (e.g.
// creating a table/collection sized for the embedding model's vector
// dimension). Destinations that provision lazily need not implement it.
type CollectionSetup interface {
	SetupCollection(ctx context.Context, collectionID string, vectorSize int) error
}

// ParentCascadeDeleter is implemented by destinations that can delete every
// chunk descended from a parent entity in one call, used for orphan
// cascade cleanup (§4.7): deleting a file also deletes its chunks.
type ParentCascadeDeleter interface {
	DeleteByParent(ctx context.Context, sourceConnectionID, parentEntityID string) error
}

// SyncScopeDeleter is implemented by destinations that can delete every
// entity belonging to a sync in one call. No destination in this module
// implements it and nothing calls it; force-full-sync runs remove orphans
// through the orchestrator's per-entity orphan deletion instead.
type SyncScopeDeleter interface {
	DeleteBySyncID(ctx context.Context, syncID string) error
}
