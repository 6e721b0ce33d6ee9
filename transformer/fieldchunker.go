package transformer

import (
	"context"
	"fmt"
	"strings"

	"github.com/evalgo/airweave-sync/entity"
)

// nonChunkableFields are system/bookkeeping fields that must never be split
// even if they happen to hold a long string.
var nonChunkableFields = map[string]bool{
	"entity_id": true, "breadcrumbs": true, "source_name": true,
	"sync_id": true, "sync_job_id": true, "url": true, "sync_metadata": true,
	"parent_entity_id": true, "vector": true, "chunk_index": true, "embedding": true,
}

// FieldChunker keeps whole entities under MaxChunkSize by splitting the
// single largest chunkable text field across multiple copies of the entity,
// each carrying one slice of that field and a distinct chunk_index. This
// targets polymorphic/table-row entities whose size comes from one
// oversized column rather than a dedicated file body.
type FieldChunker struct {
	cfg ChunkConfig
}

func NewFieldChunker(cfg ChunkConfig) *FieldChunker {
	if cfg.MaxChunkSize <= 0 {
		cfg = DefaultChunkConfig()
	}
	return &FieldChunker{cfg: cfg}
}

func (c *FieldChunker) Name() string { return "entity_field_chunker" }

func (c *FieldChunker) Transform(ctx context.Context, in entity.Entity) ([]entity.Entity, error) {
	if _, already := in.Fields["chunk_index"]; already {
		return []entity.Entity{in}, nil
	}

	totalSize, fieldSizes := calculateEntitySize(in.Fields)
	if totalSize <= c.cfg.MaxChunkSize-c.cfg.MarginOfError {
		return []entity.Entity{in}, nil
	}

	field, fieldSize := findFieldToChunk(in.Fields, fieldSizes)
	if field == "" {
		// Nothing safe to split; pass through rather than drop data.
		return []entity.Entity{in}, nil
	}

	overhead := totalSize - fieldSize
	target := c.cfg.MaxChunkSize - overhead - c.cfg.MetadataSize
	if target <= 0 {
		target = max(100, c.cfg.MaxChunkSize/5)
	}

	text, _ := in.Fields[field].(string)
	pieces := splitByRuneCount(text, target)

	out := make([]entity.Entity, 0, len(pieces))
	for i, piece := range pieces {
		fields := make(map[string]any, len(in.Fields))
		for k, v := range in.Fields {
			fields[k] = v
		}
		fields[field] = piece
		fields["chunk_index"] = i

		out = append(out, entity.Entity{
			EntityID:           fmt.Sprintf("%s:field:%d", in.EntityID, i),
			EntityType:         in.EntityType,
			SourceConnectionID: in.SourceConnectionID,
			SyncID:             in.SyncID,
			SyncJobID:          in.SyncJobID,
			BreadcrumbPath:     in.BreadcrumbPath,
			Fields:             fields,
			EmbeddableFields:   []string{field},
		})
	}
	return out, nil
}

func calculateEntitySize(fields map[string]any) (int, map[string]int) {
	total := 0
	sizes := make(map[string]int, len(fields))
	for name, v := range fields {
		switch val := v.(type) {
		case string:
			sizes[name] = len(val)
			total += len(val)
		case map[string]any, []any:
			s := len(fmt.Sprintf("%v", val))
			sizes[name] = s
			total += s
		}
	}
	return total, sizes
}

func findFieldToChunk(fields map[string]any, sizes map[string]int) (string, int) {
	var best string
	var bestSize int
	for name, size := range sizes {
		if nonChunkableFields[name] {
			continue
		}
		if _, isString := fields[name].(string); !isString {
			continue
		}
		if size > bestSize {
			best, bestSize = name, size
		}
	}
	return best, bestSize
}

// splitByRuneCount splits text into pieces of at most target runes,
// preferring to break on sentence boundaries near the target so chunks
// don't cut mid-sentence when avoidable.
func splitByRuneCount(text string, target int) []string {
	runes := []rune(text)
	if target <= 0 || len(runes) <= target {
		return []string{text}
	}

	var pieces []string
	remaining := runes
	for len(remaining) > target {
		cut := target
		for i := target - 1; i > target/2; i-- {
			if strings.ContainsRune(".!?\n", remaining[i]) {
				cut = i + 1
				break
			}
		}
		pieces = append(pieces, string(remaining[:cut]))
		remaining = remaining[cut:]
	}
	if len(remaining) > 0 {
		pieces = append(pieces, string(remaining))
	}
	return pieces
}
