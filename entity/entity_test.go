package entity

import (
	"context"
	"errors"
	"testing"
)

func TestHashStableAcrossSyncJobID(t *testing.T) {
	a := Entity{
		EntityID:           "a",
		EntityType:         "NotionPage",
		SourceConnectionID: "conn-1",
		SyncJobID:          "job-1",
		Fields:             map[string]any{"title": "hello"},
	}
	b := a
	b.SyncJobID = "job-2"

	ha, err := a.Hash()
	if err != nil {
		t.Fatalf("hashing a: %v", err)
	}
	hb, err := b.Hash()
	if err != nil {
		t.Fatalf("hashing b: %v", err)
	}
	if ha != hb {
		t.Fatalf("hash must be stable across sync_job_id: %s != %s", ha, hb)
	}
}

func TestHashChangesWithFields(t *testing.T) {
	a := Entity{EntityID: "a", EntityType: "t", Fields: map[string]any{"title": "one"}}
	b := Entity{EntityID: "a", EntityType: "t", Fields: map[string]any{"title": "two"}}

	ha, _ := a.Hash()
	hb, _ := b.Hash()
	if ha == hb {
		t.Fatalf("expected different hashes for different field content")
	}
}

func TestHashDeterministicAcrossMapIterationOrder(t *testing.T) {
	a := Entity{
		EntityID:   "a",
		EntityType: "t",
		Fields:     map[string]any{"z": 1, "a": 2, "m": 3},
	}
	h1, _ := a.Hash()
	h2, _ := a.Hash()
	if h1 != h2 {
		t.Fatalf("hash must be deterministic: %s != %s", h1, h2)
	}
}

func TestMaterializeRunsLazyOpsAndWritesFields(t *testing.T) {
	e := Entity{
		EntityID: "a",
		Fields:   map[string]any{},
		LazyOps: []LazyOp{
			{Name: "local_path", Fn: func(ctx context.Context) (any, error) { return "/tmp/a", nil }},
			{Name: "checksum", Fn: func(ctx context.Context) (any, error) { return "deadbeef", nil }},
		},
	}
	if err := e.Materialize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Fields["local_path"] != "/tmp/a" || e.Fields["checksum"] != "deadbeef" {
		t.Fatalf("lazy op results not written into Fields: %+v", e.Fields)
	}
	if e.LazyOps != nil {
		t.Fatal("expected LazyOps to be cleared after Materialize")
	}
}

func TestMaterializeReturnsErrorButStillRunsAllOps(t *testing.T) {
	boom := errors.New("boom")
	e := Entity{
		Fields: map[string]any{},
		LazyOps: []LazyOp{
			{Name: "bad", Fn: func(ctx context.Context) (any, error) { return nil, boom }},
			{Name: "good", Fn: func(ctx context.Context) (any, error) { return "ok", nil }},
		},
	}
	err := e.Materialize(context.Background())
	if err == nil {
		t.Fatal("expected error from failing lazy op")
	}
	if e.Fields["good"] != "ok" {
		t.Fatalf("expected successful op to still write its result, got %+v", e.Fields)
	}
}

func TestMaterializeNoOpWithoutLazyOps(t *testing.T) {
	e := Entity{Fields: map[string]any{"x": 1}}
	if err := e.Materialize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(e.Fields) != 1 {
		t.Fatalf("expected Fields untouched, got %+v", e.Fields)
	}
}

func TestEmbeddableTextJoinsMarkedFieldsInOrder(t *testing.T) {
	e := Entity{
		Fields:           map[string]any{"title": "Hello", "text": "World", "other": "skip"},
		EmbeddableFields: []string{"title", "text"},
	}
	got := e.EmbeddableText()
	want := "Hello\n\nWorld"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEmbeddableTextEmptyWithoutMarkedFields(t *testing.T) {
	e := Entity{Fields: map[string]any{"title": "Hello"}}
	if got := e.EmbeddableText(); got != "" {
		t.Fatalf("got %q, want empty string", got)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]any{"b": 1, "a": 2, "c": 3})
	want := []string{"a", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("got %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("got %v, want %v", keys, want)
		}
	}
}
