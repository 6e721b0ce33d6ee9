//go:build integration

package ledger_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/evalgo/airweave-sync/internal/dbtest"
	"github.com/evalgo/airweave-sync/ledger"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	ctx := context.Background()

	connStr, cleanup, err := dbtest.SetupPostgres(ctx, nil)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(cleanup)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(pool.Close)

	l := ledger.New(pool)
	if err := l.Migrate(ctx); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return l
}

func TestRecordInsertThenKeepThenUpdate(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Record(ctx, "conn-1", "e1", "hash-a", "job-1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if first.Action != ledger.ActionInsert {
		t.Fatalf("expected insert on first sighting, got %v", first.Action)
	}
	if first.DBEntityID == "" {
		t.Fatal("expected a fresh db_entity_id to be allocated on insert")
	}

	second, err := l.Record(ctx, "conn-1", "e1", "hash-a", "job-2")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if second.Action != ledger.ActionKeep {
		t.Fatalf("expected keep for unchanged hash, got %v", second.Action)
	}
	if second.DBEntityID != first.DBEntityID {
		t.Fatalf("expected db_entity_id to be reused on keep, got %q != %q", second.DBEntityID, first.DBEntityID)
	}

	third, err := l.Record(ctx, "conn-1", "e1", "hash-b", "job-3")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if third.Action != ledger.ActionUpdate {
		t.Fatalf("expected update for changed hash, got %v", third.Action)
	}
	if third.DBEntityID != first.DBEntityID {
		t.Fatalf("expected db_entity_id to be reused on update, got %q != %q", third.DBEntityID, first.DBEntityID)
	}

	if err := l.SetVectorID(ctx, "conn-1", "e1", "pgvector:"+third.DBEntityID); err != nil {
		t.Fatalf("set vector id: %v", err)
	}
}

func TestOrphansExcludesCurrentJobEntities(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Record(ctx, "conn-1", "keep-me", "hash-a", "job-1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := l.Record(ctx, "conn-1", "drop-me", "hash-b", "job-1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	// job-2 only touches keep-me; drop-me becomes an orphan of job-2.
	if _, err := l.Record(ctx, "conn-1", "keep-me", "hash-a", "job-2"); err != nil {
		t.Fatalf("record: %v", err)
	}

	orphans, err := l.Orphans(ctx, "conn-1", "job-2")
	if err != nil {
		t.Fatalf("orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0] != "drop-me" {
		t.Fatalf("expected exactly [drop-me], got %v", orphans)
	}

	if err := l.ForgetOrphans(ctx, "conn-1", orphans); err != nil {
		t.Fatalf("forget orphans: %v", err)
	}
	orphans, err = l.Orphans(ctx, "conn-1", "job-2")
	if err != nil {
		t.Fatalf("orphans after forget: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("expected no orphans after forgetting, got %v", orphans)
	}
}

func TestStatsReportsEntityCount(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		if _, err := l.Record(ctx, "conn-2", id, "hash", "job-1"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	stats, err := l.Stats(ctx, "conn-2")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEntities != 3 {
		t.Fatalf("expected 3 entities, got %d", stats.TotalEntities)
	}
}
