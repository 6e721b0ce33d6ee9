// Package transformer defines the DAG node contract: a pure function from
// one entity to zero or more derived entities, plus the stock transformers
// (file chunking, field chunking, file conversion, web fetching) every sync
// job's DAG can route through.
package transformer

import (
	"context"

	"github.com/evalgo/airweave-sync/entity"
)

// Transformer maps one input entity to the entities that should continue
// downstream. Returning an empty slice drops the entity from the pipeline
// (e.g. a chunker that found no extractable content).
type Transformer interface {
	Name() string
	Transform(ctx context.Context, in entity.Entity) ([]entity.Entity, error)
}

// Func adapts a plain function to the Transformer interface.
type Func struct {
	FuncName string
	Fn       func(ctx context.Context, in entity.Entity) ([]entity.Entity, error)
}

func (f Func) Name() string { return f.FuncName }

func (f Func) Transform(ctx context.Context, in entity.Entity) ([]entity.Entity, error) {
	return f.Fn(ctx, in)
}

// Registry maps transformer names to instances, looked up by the DAG router
// when wiring edges parsed from a DAG definition.
type Registry struct {
	transformers map[string]Transformer
}

func NewRegistry() *Registry {
	return &Registry{transformers: make(map[string]Transformer)}
}

func (r *Registry) Register(t Transformer) {
	r.transformers[t.Name()] = t
}

func (r *Registry) Get(name string) (Transformer, bool) {
	t, ok := r.transformers[name]
	return t, ok
}

// DefaultRegistry builds a Registry pre-populated with the stock
// transformers, using cfg to size their chunking behavior.
func DefaultRegistry(cfg ChunkConfig) *Registry {
	r := NewRegistry()
	r.Register(NewFileChunker(cfg))
	r.Register(NewFieldChunker(cfg))
	r.Register(NewFileConverter())
	r.Register(NewWebFetcher(WebFetcherConfig{}))
	return r
}
