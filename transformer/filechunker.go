package transformer

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/evalgo/airweave-sync/entity"
)

// ChunkConfig sizes the chunking transformers, mirroring the teacher
// system's character-budget approach rather than a true tokenizer. Sizes
// are compared against len() of the text, i.e. UTF-8 bytes, except in the
// field chunker's final split, which counts runes; for non-ASCII text a
// byte-measured chunk holds fewer characters than MaxChunkSize.
type ChunkConfig struct {
	MaxChunkSize int
	MarginOfError int
	MetadataSize  int
}

// DefaultChunkConfig matches the reference implementation's constants.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{MaxChunkSize: 5000, MarginOfError: 200, MetadataSize: 256}
}

// FileChunker reads a FileEntity's local file content and splits it into
// ChunkEntity values, preferring to split at markdown headers and falling
// back to paragraph boundaries only when a single section still exceeds
// MaxChunkSize.
type FileChunker struct {
	cfg ChunkConfig
}

func NewFileChunker(cfg ChunkConfig) *FileChunker {
	if cfg.MaxChunkSize <= 0 {
		cfg = DefaultChunkConfig()
	}
	return &FileChunker{cfg: cfg}
}

func (c *FileChunker) Name() string { return "file_chunker" }

func (c *FileChunker) Transform(ctx context.Context, in entity.Entity) ([]entity.Entity, error) {
	localPath, _ := in.Fields["local_path"].(string)
	if localPath == "" {
		return nil, fmt.Errorf("file_chunker: entity %s has no local_path", in.EntityID)
	}

	content, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("file_chunker: reading %s: %w", localPath, err)
	}

	chunks := splitIntoChunks(string(content), c.cfg.MaxChunkSize)
	out := make([]entity.Entity, 0, len(chunks))

	for i, chunk := range chunks {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		fileName, _ := in.Fields["file_name"].(string)
		chunkEntity := entity.Entity{
			EntityID:           fmt.Sprintf("%s:chunk:%d", in.EntityID, i),
			EntityType:         "chunk",
			SourceConnectionID: in.SourceConnectionID,
			SyncID:             in.SyncID,
			SyncJobID:          in.SyncJobID,
			BreadcrumbPath:     in.BreadcrumbPath,
			Fields: map[string]any{
				"parent_entity_id": in.EntityID,
				"chunk_index":      i,
				"total_chunks":     len(chunks),
				"text":             chunk,
				"title":            fmt.Sprintf("%s - Chunk %d", fileName, i+1),
			},
			EmbeddableFields: []string{"text"},
		}
		out = append(out, chunkEntity)
	}
	return out, nil
}

// splitIntoChunks ports the reference chunker's header-then-paragraph
// splitting strategy: keep content whole when it fits, otherwise split at
// major markdown headers, and only fall back to paragraph-level splitting
// for sections that are still oversized.
func splitIntoChunks(content string, maxChunkSize int) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	if len(content) <= maxChunkSize {
		return []string{content}
	}

	headerChunks := splitByHeaders(content, maxChunkSize)

	var final []string
	for _, chunk := range headerChunks {
		if len(chunk) <= maxChunkSize {
			final = append(final, chunk)
			continue
		}
		final = append(final, splitByParagraphs(chunk, maxChunkSize)...)
	}
	return final
}

func splitByHeaders(content string, maxChunkSize int) []string {
	if len(content) <= maxChunkSize {
		return []string{content}
	}

	var chunks []string
	lines := strings.Split(content, "\n")
	var current []string
	currentSize := 0
	inCodeBlock := false

	for _, line := range lines {
		isFence := strings.HasPrefix(strings.TrimSpace(line), "```")
		if isFence {
			inCodeBlock = !inCodeBlock
		}

		lineSize := len(line) + 1
		isMajorHeader := strings.HasPrefix(line, "# ") || strings.HasPrefix(line, "## ")
		shouldSplit := isMajorHeader && currentSize > int(float64(maxChunkSize)*0.5) && currentSize > 0
		if currentSize+lineSize > maxChunkSize {
			shouldSplit = true
		}
		if inCodeBlock || isFence {
			shouldSplit = false
		}

		if shouldSplit && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n"))
			current = nil
			currentSize = 0
		}

		current = append(current, line)
		currentSize += lineSize
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n"))
	}
	return chunks
}

func splitByParagraphs(chunk string, maxChunkSize int) []string {
	var paragraphs []string
	var current []string
	inCodeBlock := false

	for _, line := range strings.Split(chunk, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inCodeBlock = !inCodeBlock
		}
		if strings.TrimSpace(line) == "" && !inCodeBlock && len(current) > 0 {
			paragraphs = append(paragraphs, strings.Join(current, "\n"))
			current = nil
			continue
		}
		current = append(current, line)
	}
	if len(current) > 0 {
		paragraphs = append(paragraphs, strings.Join(current, "\n"))
	}

	var final []string
	var accum []string
	accumSize := 0

	for _, para := range paragraphs {
		paraSize := len(para) + 2
		if accumSize+paraSize > maxChunkSize && len(accum) > 0 {
			final = append(final, strings.Join(accum, "\n\n"))
			accum = nil
			accumSize = 0
		}
		if paraSize > maxChunkSize {
			if len(accum) > 0 {
				final = append(final, strings.Join(accum, "\n\n"))
				accum = nil
				accumSize = 0
			}
			final = append(final, para)
			continue
		}
		accum = append(accum, para)
		accumSize += paraSize
	}
	if len(accum) > 0 {
		final = append(final, strings.Join(accum, "\n\n"))
	}
	return final
}
