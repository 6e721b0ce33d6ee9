//go:build integration

package orchestrator_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evalgo/airweave-sync/dag"
	"github.com/evalgo/airweave-sync/destination"
	"github.com/evalgo/airweave-sync/destination/boltstore"
	"github.com/evalgo/airweave-sync/entity"
	"github.com/evalgo/airweave-sync/internal/dbtest"
	"github.com/evalgo/airweave-sync/ledger"
	"github.com/evalgo/airweave-sync/orchestrator"
	"github.com/evalgo/airweave-sync/source"
	"github.com/evalgo/airweave-sync/stream"
	"github.com/evalgo/airweave-sync/transformer"
)

// fixedAdapter emits a fixed slice of entities once per Generate call, for
// deterministic multi-run scenarios (spec.md §8 S1/S2/S3).
type fixedAdapter struct {
	entities []entity.Entity
}

func (a *fixedAdapter) Name() string { return "fixed" }

func (a *fixedAdapter) Generate(ctx context.Context, cursor *source.Cursor, emit source.EmitFunc) (*source.Cursor, error) {
	for _, e := range a.entities {
		if err := emit(ctx, e); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func newTestEnv(t *testing.T) (*pgxpool.Pool, *ledger.Ledger, *ledger.CursorStore, *boltstore.Store) {
	t.Helper()
	ctx := context.Background()

	connStr, cleanup, err := dbtest.SetupPostgres(ctx, nil)
	if err != nil {
		t.Fatalf("starting postgres: %v", err)
	}
	t.Cleanup(cleanup)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(pool.Close)

	led := ledger.New(pool)
	if err := led.Migrate(ctx); err != nil {
		t.Fatalf("migrating ledger: %v", err)
	}
	cursors := ledger.NewCursorStore(led)
	if err := cursors.Migrate(ctx); err != nil {
		t.Fatalf("migrating cursors: %v", err)
	}

	dest, err := boltstore.Open(filepath.Join(t.TempDir(), "dest.bolt"))
	if err != nil {
		t.Fatalf("opening bolt destination: %v", err)
	}
	t.Cleanup(func() { _ = dest.Close() })

	return pool, led, cursors, dest
}

func buildGraph(t *testing.T) *dag.Graph {
	t.Helper()
	g, err := dag.Build(dag.Definition{
		ID: "test-sync",
		Nodes: []dag.Node{
			{ID: "src", Kind: dag.NodeSource},
			{ID: "dst", Kind: dag.NodeDestination, DestinationName: "bolt"},
		},
		Edges: []dag.Edge{{From: "src", To: "dst"}},
	})
	if err != nil {
		t.Fatalf("building graph: %v", err)
	}
	return g
}

func runOnce(t *testing.T, syncJobID string, adapter source.Adapter, led *ledger.Ledger, cursors *ledger.CursorStore, dest destination.Destination, forceFullSync bool) orchestrator.Result {
	t.Helper()
	reg := orchestrator.NewRegistry(100)
	cfg := orchestrator.Config{
		SyncID:             "sync-1",
		SyncJobID:          syncJobID,
		SourceConnectionID: "conn-1",
		SourceNodeID:       "src",
		ForceFullSync:      forceFullSync,
	}
	o := orchestrator.New(cfg, adapter, buildGraph(t), transformer.NewRegistry(),
		map[string]destination.Destination{"bolt": dest}, led, cursors, nil, reg)
	return o.Run(context.Background())
}

// TestFreshSyncInsertsAllEntities covers S1 (spec.md §8): a fresh sync with
// 3 new entities inserts all 3 and writes them to the destination.
func TestFreshSyncInsertsAllEntities(t *testing.T) {
	_, led, cursors, dest := newTestEnv(t)
	adapter := &fixedAdapter{entities: []entity.Entity{
		{EntityID: "e1", EntityType: "Doc", SourceConnectionID: "conn-1", Fields: map[string]any{"v": 1}},
		{EntityID: "e2", EntityType: "Doc", SourceConnectionID: "conn-1", Fields: map[string]any{"v": 1}},
		{EntityID: "e3", EntityType: "Doc", SourceConnectionID: "conn-1", Fields: map[string]any{"v": 1}},
	}}

	result := runOnce(t, "job-1", adapter, led, cursors, dest, true)
	if result.Status != orchestrator.StatusCompleted {
		t.Fatalf("expected completed, got %v (err=%v)", result.Status, result.Error)
	}
	if result.Counters.Inserted != 3 {
		t.Fatalf("expected 3 inserts, got %+v", result.Counters)
	}

	ids, err := dest.ListIDs("conn-1")
	if err != nil {
		t.Fatalf("listing ids: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 entities written to destination, got %d", len(ids))
	}
}

// TestIncrementalRerunKeepsUnchangedAndUpdatesMutated covers S2: a second
// run with one entity mutated produces 1 update and 2 keeps.
func TestIncrementalRerunKeepsUnchangedAndUpdatesMutated(t *testing.T) {
	_, led, cursors, dest := newTestEnv(t)
	base := []entity.Entity{
		{EntityID: "e1", EntityType: "Doc", SourceConnectionID: "conn-1", Fields: map[string]any{"v": 1}},
		{EntityID: "e2", EntityType: "Doc", SourceConnectionID: "conn-1", Fields: map[string]any{"v": 1}},
		{EntityID: "e3", EntityType: "Doc", SourceConnectionID: "conn-1", Fields: map[string]any{"v": 1}},
	}
	first := runOnce(t, "job-1", &fixedAdapter{entities: base}, led, cursors, dest, true)
	if first.Status != orchestrator.StatusCompleted {
		t.Fatalf("first run: expected completed, got %v (err=%v)", first.Status, first.Error)
	}

	mutated := append([]entity.Entity{}, base...)
	mutated[0].Fields = map[string]any{"v": 2}

	second := runOnce(t, "job-2", &fixedAdapter{entities: mutated}, led, cursors, dest, true)
	if second.Status != orchestrator.StatusCompleted {
		t.Fatalf("second run: expected completed, got %v (err=%v)", second.Status, second.Error)
	}
	if second.Counters.Updated != 1 || second.Counters.Kept != 2 {
		t.Fatalf("expected 1 update / 2 keeps, got %+v", second.Counters)
	}
}

// TestFullSyncDeletesOrphans covers S3: a full sync that omits a
// previously-seen entity deletes it from the destination and forgets it in
// the ledger.
func TestFullSyncDeletesOrphans(t *testing.T) {
	_, led, cursors, dest := newTestEnv(t)
	first := []entity.Entity{
		{EntityID: "e1", EntityType: "Doc", SourceConnectionID: "conn-1"},
		{EntityID: "e2", EntityType: "Doc", SourceConnectionID: "conn-1"},
	}
	if r := runOnce(t, "job-1", &fixedAdapter{entities: first}, led, cursors, dest, true); r.Status != orchestrator.StatusCompleted {
		t.Fatalf("first run: expected completed, got %v (err=%v)", r.Status, r.Error)
	}

	second := []entity.Entity{
		{EntityID: "e1", EntityType: "Doc", SourceConnectionID: "conn-1"},
	}
	r := runOnce(t, "job-2", &fixedAdapter{entities: second}, led, cursors, dest, true)
	if r.Status != orchestrator.StatusCompleted {
		t.Fatalf("second run: expected completed, got %v (err=%v)", r.Status, r.Error)
	}
	if r.Counters.Deleted != 1 {
		t.Fatalf("expected 1 orphan deleted, got %+v", r.Counters)
	}

	if _, err := dest.Get("conn-1", "e2"); err == nil {
		t.Fatal("expected e2 removed from destination as an orphan")
	}
	if _, err := dest.Get("conn-1", "e1"); err != nil {
		t.Fatalf("expected e1 to remain: %v", err)
	}

	orphans, err := led.Orphans(context.Background(), "conn-1", "job-2")
	if err != nil {
		t.Fatalf("orphans: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("expected ledger to have forgotten the orphan, got %v", orphans)
	}
}
