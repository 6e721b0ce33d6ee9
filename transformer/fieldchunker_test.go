package transformer

import (
	"context"
	"strings"
	"testing"

	"github.com/evalgo/airweave-sync/entity"
)

func TestFieldChunkerLeavesSmallEntityUnchanged(t *testing.T) {
	c := NewFieldChunker(ChunkConfig{MaxChunkSize: 5000, MarginOfError: 200, MetadataSize: 256})
	in := entity.Entity{
		EntityID:   "row-1",
		EntityType: "TableRow",
		Fields:     map[string]any{"description": "short text"},
	}
	out, err := c.Transform(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].EntityID != "row-1" {
		t.Fatalf("expected entity to pass through unchanged, got %+v", out)
	}
}

func TestFieldChunkerSplitsLargestChunkableField(t *testing.T) {
	c := NewFieldChunker(ChunkConfig{MaxChunkSize: 1000, MarginOfError: 50, MetadataSize: 100})
	big := strings.Repeat("word ", 400) // ~2000 chars
	in := entity.Entity{
		EntityID:   "row-2",
		EntityType: "TableRow",
		Fields: map[string]any{
			"description": big,
			"url":         strings.Repeat("x", 900), // large but non-chunkable
			"entity_id":   "row-2",
		},
	}
	out, err := c.Transform(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) < 2 {
		t.Fatalf("expected entity to be split across multiple chunks, got %d", len(out))
	}
	for i, e := range out {
		if e.Fields["chunk_index"] != i {
			t.Fatalf("chunk %d has chunk_index %v, want %d", i, e.Fields["chunk_index"], i)
		}
		// Non-chunkable fields must be preserved verbatim in every chunk.
		if e.Fields["url"] != in.Fields["url"] {
			t.Fatalf("chunk %d mutated non-chunkable field url", i)
		}
		if e.Fields["entity_id"] != "row-2" {
			t.Fatalf("chunk %d mutated non-chunkable field entity_id", i)
		}
		if _, isString := e.Fields["description"].(string); !isString {
			t.Fatalf("chunk %d description field not a string: %v", i, e.Fields["description"])
		}
	}
}

func TestFieldChunkerSkipsAlreadyChunkedEntity(t *testing.T) {
	c := NewFieldChunker(ChunkConfig{MaxChunkSize: 10, MarginOfError: 0, MetadataSize: 0})
	in := entity.Entity{
		EntityID: "row-3",
		Fields: map[string]any{
			"description": strings.Repeat("y", 500),
			"chunk_index": 0,
		},
	}
	out, err := c.Transform(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected entity already carrying a chunk_index to pass through as-is, got %d entities", len(out))
	}
}

func TestFindFieldToChunkIgnoresNonChunkableFields(t *testing.T) {
	fields := map[string]any{
		"entity_id":   strings.Repeat("a", 1000),
		"breadcrumbs": strings.Repeat("b", 1000),
		"body":        strings.Repeat("c", 50),
	}
	_, sizes := calculateEntitySize(fields)
	field, _ := findFieldToChunk(fields, sizes)
	if field != "body" {
		t.Fatalf("expected to pick the only chunkable field 'body', got %q", field)
	}
}

func TestSplitByRuneCountPrefersSentenceBoundary(t *testing.T) {
	text := "First sentence ends here. Second sentence continues on and on and on."
	pieces := splitByRuneCount(text, 30)
	if len(pieces) < 2 {
		t.Fatalf("expected text longer than target to be split, got %d pieces", len(pieces))
	}
	if !strings.HasSuffix(pieces[0], ". ") && !strings.HasSuffix(strings.TrimRight(pieces[0], " "), ".") {
		t.Fatalf("expected first piece to break at a sentence boundary, got %q", pieces[0])
	}
	joined := strings.Join(pieces, "")
	if joined != text {
		t.Fatalf("splitting must be lossless: got %q, want %q", joined, text)
	}
}

func TestSplitByRuneCountNoSplitWhenUnderTarget(t *testing.T) {
	pieces := splitByRuneCount("short", 100)
	if len(pieces) != 1 || pieces[0] != "short" {
		t.Fatalf("expected single unsplit piece, got %+v", pieces)
	}
}
