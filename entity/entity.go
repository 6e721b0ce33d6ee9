// Package entity defines the canonical in-memory representation of content
// flowing through the sync pipeline: what a source adapter produces, what a
// transformer consumes and emits, and what a destination upserts.
package entity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Entity is the common envelope every piece of synced content carries,
// regardless of its concrete payload. SourceConnectionID + EntityID
// (source-assigned) together form the natural key the ledger diffs against.
type Entity struct {
	EntityID           string         `json:"entity_id"`
	EntityType         string         `json:"entity_type"`
	SourceConnectionID string         `json:"source_connection_id"`
	SyncID             string         `json:"sync_id"`
	SyncJobID          string         `json:"sync_job_id"`
	BreadcrumbPath     []Breadcrumb   `json:"breadcrumb_path,omitempty"`
	Fields             map[string]any `json:"fields"`
	CreatedAt          time.Time      `json:"created_at,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at,omitempty"`

	// DBEntityID is the destination-scoped identity assigned once, the
	// first time the ledger records this entity (spec.md §3, §4.7): fresh
	// on insert, carried forward unchanged on every later update/keep. It
	// is not part of the content hash since the ledger assigns it after
	// hashing, not before.
	DBEntityID string `json:"db_entity_id,omitempty"`

	// DestinationVectorID is the destination's own row/vector identifier
	// for this entity (spec.md §6's ledger schema), recorded once the
	// destination upsert that produced it succeeds.
	DestinationVectorID string `json:"destination_vector_id,omitempty"`

	// EmbeddableFields names the Fields keys that feed the vector model
	// (spec.md §3: "a subset are declared embeddable"). Transformers that
	// produce embeddable text (chunkers) set this on the entities they
	// emit; an entity with no marked fields skips the embed step.
	EmbeddableFields []string `json:"embeddable_fields,omitempty"`

	// LazyOps are deferred operations a source adapter captured instead of
	// paying their cost during Generate (spec.md §9's lazy entity design
	// note): a worker runs them concurrently during Materialize, just
	// before the entity reaches a destination.
	LazyOps []LazyOp `json:"-"`

	// volatile fields excluded from Hash(); they change run to run without
	// representing a real content change.
	LastSeenAt time.Time `json:"-"`
}

// LazyOp is one deferred operation captured by a source adapter: Name is
// the Fields key the result is written back under, Fn is the deferred call
// itself (e.g. downloading a blob the adapter only linked to).
type LazyOp struct {
	Name string
	Fn   func(ctx context.Context) (any, error)
}

// Materialize runs every pending LazyOp concurrently, bounded by the
// worker's own budget rather than the pool's (spec.md §9), and writes each
// result back into Fields under its op's Name. It clears LazyOps so
// materializing the same entity twice is a no-op. The first error
// encountered is returned after every op has finished, so one failing
// download doesn't leave the others unresolved.
func (e *Entity) Materialize(ctx context.Context) error {
	if len(e.LazyOps) == 0 {
		return nil
	}

	type result struct {
		name string
		val  any
		err  error
	}
	results := make(chan result, len(e.LazyOps))
	for _, op := range e.LazyOps {
		op := op
		go func() {
			val, err := op.Fn(ctx)
			results <- result{name: op.Name, val: val, err: err}
		}()
	}

	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	var firstErr error
	for range e.LazyOps {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("materializing %q: %w", r.name, r.err)
			}
			continue
		}
		e.Fields[r.name] = r.val
	}
	e.LazyOps = nil
	return firstErr
}

// EmbeddableText concatenates the fields named in EmbeddableFields, in
// order, separated by a blank line, into the text an Embedder vectorizes.
// Returns "" if nothing is marked embeddable.
func (e *Entity) EmbeddableText() string {
	if len(e.EmbeddableFields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(e.EmbeddableFields))
	for _, name := range e.EmbeddableFields {
		if s, ok := e.Fields[name].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Breadcrumb is one flattened (id, name, type) triple in an entity's
// ancestor chain, e.g. drive -> folder -> subfolder for a file entity.
// Kept as a flat triple rather than a nested tree so the ledger can store
// and diff it as a plain JSON column.
type Breadcrumb struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}

// FileEntity is a binary payload entity (document, image, attachment) that
// must be downloaded and chunked before it reaches a destination.
type FileEntity struct {
	Entity
	FileName     string `json:"file_name"`
	MimeType     string `json:"mime_type"`
	SizeBytes    int64  `json:"size_bytes"`
	DownloadURL  string `json:"download_url,omitempty"`
	LocalPath    string `json:"local_path,omitempty"`
	Checksum     string `json:"checksum,omitempty"`
}

// ChunkEntity is a unit of text produced by a transformer and destined for
// embedding. Multiple ChunkEntities derive from one parent Entity/FileEntity.
type ChunkEntity struct {
	Entity
	ParentEntityID string    `json:"parent_entity_id"`
	ChunkIndex     int       `json:"chunk_index"`
	Text           string    `json:"text"`
	Embedding      []float32 `json:"embedding,omitempty"`
}

// PolymorphicEntity represents a row from a tabular/schemaless source (a
// database table, a CouchDB document) where the entity "type" is the
// table/collection name rather than a fixed Go type. Fields carries the raw
// row/document as a map.
type PolymorphicEntity struct {
	Entity
	TableName string `json:"table_name"`
}

// hashableView is the subset of an entity's content that participates in
// the content hash. sync_job_id and other run-scoped identifiers are
// deliberately excluded so re-syncing unchanged content produces the same
// hash across runs.
type hashableView struct {
	EntityID           string         `json:"entity_id"`
	EntityType         string         `json:"entity_type"`
	SourceConnectionID string         `json:"source_connection_id"`
	BreadcrumbPath     []Breadcrumb   `json:"breadcrumb_path,omitempty"`
	Fields             map[string]any `json:"fields"`
}

// Hash computes a stable SHA-256 content hash over the entity's identity and
// fields, excluding sync_job_id and other volatile bookkeeping. The ledger
// diff algorithm compares this hash across runs to decide insert/update/keep.
func (e *Entity) Hash() (string, error) {
	view := hashableView{
		EntityID:           e.EntityID,
		EntityType:         e.EntityType,
		SourceConnectionID: e.SourceConnectionID,
		BreadcrumbPath:     e.BreadcrumbPath,
		Fields:             canonicalize(e.Fields),
	}
	data, err := json.Marshal(view)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize returns a shallow copy of fields. It does no reordering of
// its own: json.Marshal writes map keys in sorted order at every nesting
// level, which is what makes the hash independent of Go map iteration
// order. Values json cannot encode, such as NaN, are copied unchanged and
// make Hash return json.Marshal's error.
func canonicalize(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// SortedKeys returns the map's keys in sorted order, used where iteration
// order must be deterministic (e.g. building a breadcrumb display string).
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
