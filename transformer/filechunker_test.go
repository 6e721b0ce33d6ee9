package transformer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/evalgo/airweave-sync/entity"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestFileChunkerLeavesSmallContentUnchanged(t *testing.T) {
	c := NewFileChunker(ChunkConfig{MaxChunkSize: 5000})
	path := writeTempFile(t, "# Title\n\nshort content")

	out, err := c.Transform(context.Background(), entityWithLocalPath("file-1", path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one chunk for small content, got %d", len(out))
	}
}

func TestFileChunkerSplitsLargeContentWithinBudget(t *testing.T) {
	// Build ~18,000 characters of markdown with headers, matching S4 in
	// spec.md §8.
	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("# Section ")
		b.WriteString(strings.Repeat("x", 2))
		b.WriteString("\n\n")
		b.WriteString(strings.Repeat("word ", 60))
		b.WriteString("\n\n")
	}
	content := b.String()
	if len(content) < 15000 {
		t.Fatalf("test setup: content too small (%d chars)", len(content))
	}

	maxChunkSize := 2000
	c := NewFileChunker(ChunkConfig{MaxChunkSize: maxChunkSize})
	path := writeTempFile(t, content)

	out, err := c.Transform(context.Background(), entityWithLocalPath("file-1", path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) < 3 {
		t.Fatalf("expected at least 3 chunks for large content, got %d", len(out))
	}
	for i, chunk := range out {
		text, _ := chunk.Fields["text"].(string)
		if len(text) > maxChunkSize {
			t.Fatalf("chunk %d exceeds max chunk size: %d > %d", i, len(text), maxChunkSize)
		}
		if chunk.Fields["parent_entity_id"] != "file-1" {
			t.Fatalf("chunk %d has wrong parent_entity_id: %v", i, chunk.Fields["parent_entity_id"])
		}
		if chunk.Fields["chunk_index"] != i {
			t.Fatalf("chunk %d has chunk_index %v, want %d", i, chunk.Fields["chunk_index"], i)
		}
		if chunk.Fields["total_chunks"] != len(out) {
			t.Fatalf("chunk %d has total_chunks %v, want %d", i, chunk.Fields["total_chunks"], len(out))
		}
	}
}

func TestFileChunkerNeverSplitsInsideCodeFence(t *testing.T) {
	var b strings.Builder
	b.WriteString("# intro\n\n")
	b.WriteString(strings.Repeat("filler ", 100))
	b.WriteString("\n\n```\n")
	for i := 0; i < 50; i++ {
		b.WriteString("line of code that stays inside the fence\n")
	}
	b.WriteString("```\n\n")
	b.WriteString(strings.Repeat("more filler ", 100))

	c := NewFileChunker(ChunkConfig{MaxChunkSize: 400})
	path := writeTempFile(t, b.String())

	out, err := c.Transform(context.Background(), entityWithLocalPath("file-2", path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, chunk := range out {
		text, _ := chunk.Fields["text"].(string)
		if strings.Count(text, "```")%2 != 0 {
			t.Fatalf("chunk split inside a code fence: %q", text)
		}
	}
}

func entityWithLocalPath(entityID, path string) entity.Entity {
	return entity.Entity{EntityID: entityID, Fields: map[string]any{"local_path": path, "file_name": "doc.md"}}
}
