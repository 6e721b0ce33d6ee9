package dag

import (
	"context"
	"fmt"

	"github.com/evalgo/airweave-sync/destination"
	"github.com/evalgo/airweave-sync/embedding"
	"github.com/evalgo/airweave-sync/entity"
	"github.com/evalgo/airweave-sync/ledger"
	"github.com/evalgo/airweave-sync/transformer"
)

// Ledger is the subset of ledger.Ledger the router needs to diff a
// terminal entity before it reaches a destination. Kept as an interface
// here so tests can substitute an in-memory fake without a Postgres pool.
type Ledger interface {
	Record(ctx context.Context, sourceConnectionID, entityID, contentHash, syncJobID string) (ledger.RecordResult, error)
	SetVectorID(ctx context.Context, sourceConnectionID, entityID, vectorID string) error
}

// Counters accumulates the per-action tallies §4.7 requires the
// orchestrator to maintain. One Counters value is returned per Route call
// so the orchestrator can fold deltas in without workers contending on a
// shared counter (Design Notes, "message passing vs shared state").
type Counters struct {
	Inserted int
	Updated  int
	Kept     int
	Skipped  int
}

// Add folds another Counters' values into c.
func (c *Counters) Add(o Counters) {
	c.Inserted += o.Inserted
	c.Updated += o.Updated
	c.Kept += o.Kept
	c.Skipped += o.Skipped
}

// Router dispatches entities through a built Graph, running transformers
// and writing to destinations along the way. Routing fans out: one
// incoming entity can reach multiple transformer branches and multiple
// destinations if the graph's edges say so.
type Router struct {
	graph        *Graph
	transformers *transformer.Registry
	destinations map[string]destination.Destination
	ledger       Ledger
	syncJobID    string
	embedder     embedding.Vectorizer

	maxDepth int
}

// NewRouter builds a Router over an already-validated Graph. ledger and
// syncJobID may be left zero-valued by tests that only exercise transformer
// fan-out; production callers always supply both so destination writes are
// diffed per §4.7 before they happen.
func NewRouter(graph *Graph, transformers *transformer.Registry, destinations map[string]destination.Destination, ledger Ledger, syncJobID string) *Router {
	return &Router{graph: graph, transformers: transformers, destinations: destinations, ledger: ledger, syncJobID: syncJobID, maxDepth: 64}
}

// WithEmbedder attaches the vectorizer the finalize step uses to embed an
// entity's embeddable fields before it reaches a destination. Left nil, the
// embed step is skipped entirely (e.g. in tests that don't care about
// vectors). Returns r so it chains onto NewRouter.
func (r *Router) WithEmbedder(v embedding.Vectorizer) *Router {
	r.embedder = v
	return r
}

// Route pushes one entity from a source node through the graph, running
// every transformer and destination it's wired to reach, and returns the
// insert/update/keep/skip tally produced along every destination path it
// reached. maxDepth bounds transformer chains so a misconfigured graph
// (e.g. an edge that loops back without Build catching it because it's
// across disjoint subgraphs never revisited by the cycle check) can't hang
// a sync job forever.
func (r *Router) Route(ctx context.Context, sourceNodeID string, e entity.Entity) (Counters, error) {
	var counters Counters
	err := r.routeFrom(ctx, sourceNodeID, []entity.Entity{e}, 0, &counters)
	return counters, err
}

func (r *Router) routeFrom(ctx context.Context, nodeID string, entities []entity.Entity, depth int, counters *Counters) error {
	if depth > r.maxDepth {
		return fmt.Errorf("dag: routing depth exceeded %d at node %q, possible misconfigured graph", r.maxDepth, nodeID)
	}

	for _, nextID := range r.graph.Next(nodeID) {
		node, ok := r.graph.Node(nextID)
		if !ok {
			return fmt.Errorf("dag: node %q has unknown successor %q", nodeID, nextID)
		}

		accepted := filterByType(entities, node.EntityTypes)
		if len(accepted) == 0 {
			continue
		}

		switch node.Kind {
		case NodeTransformer:
			produced, err := r.runTransformer(ctx, node, accepted)
			if err != nil {
				return err
			}
			if err := r.routeFrom(ctx, nextID, produced, depth+1, counters); err != nil {
				return err
			}

		case NodeDestination:
			if err := r.runDestination(ctx, node, accepted, counters); err != nil {
				return err
			}

		default:
			return fmt.Errorf("dag: node %q has unroutable kind %q", nextID, node.Kind)
		}
	}
	return nil
}

func (r *Router) runTransformer(ctx context.Context, node Node, entities []entity.Entity) ([]entity.Entity, error) {
	t, ok := r.transformers.Get(node.TransformerName)
	if !ok {
		return nil, fmt.Errorf("dag: transformer node %q references unregistered transformer %q", node.ID, node.TransformerName)
	}

	var out []entity.Entity
	for _, e := range entities {
		produced, err := t.Transform(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("dag: transformer %q on entity %s: %w", node.TransformerName, e.EntityID, err)
		}
		out = append(out, produced...)
	}
	return out, nil
}

// runDestination finalizes each entity (spec.md line 144: materialize any
// lazy operations, embed its embeddable fields, diff against the ledger,
// emit the resulting action) before deciding whether it needs to be written
// at all: a "keep" costs nothing but a row lookup, so unchanged content
// never touches the destination.
func (r *Router) runDestination(ctx context.Context, node Node, entities []entity.Entity, counters *Counters) error {
	dest, ok := r.destinations[node.DestinationName]
	if !ok {
		return fmt.Errorf("dag: destination node %q references unregistered destination %q", node.ID, node.DestinationName)
	}

	var toWrite []entity.Entity
	for _, e := range entities {
		if err := e.Materialize(ctx); err != nil {
			return fmt.Errorf("dag: materializing entity %s: %w", e.EntityID, err)
		}
		if r.embedder != nil {
			if text := e.EmbeddableText(); text != "" {
				vec, err := r.embedder.Embed(ctx, text)
				if err != nil {
					return fmt.Errorf("dag: embedding entity %s: %w", e.EntityID, err)
				}
				if e.Fields == nil {
					e.Fields = map[string]any{}
				}
				e.Fields["embedding"] = vec
			}
		}

		if r.ledger == nil {
			toWrite = append(toWrite, e)
			continue
		}
		hash, err := e.Hash()
		if err != nil {
			return fmt.Errorf("dag: hashing entity %s: %w", e.EntityID, err)
		}
		result, err := r.ledger.Record(ctx, e.SourceConnectionID, e.EntityID, hash, r.syncJobID)
		if err != nil {
			return fmt.Errorf("dag: diffing entity %s against ledger: %w", e.EntityID, err)
		}
		e.DBEntityID = result.DBEntityID
		switch result.Action {
		case ledger.ActionInsert:
			counters.Inserted++
			toWrite = append(toWrite, e)
		case ledger.ActionUpdate:
			counters.Updated++
			toWrite = append(toWrite, e)
		case ledger.ActionKeep:
			counters.Kept++
		default:
			return fmt.Errorf("dag: ledger returned unknown action %q for entity %s", result.Action, e.EntityID)
		}
	}

	if len(toWrite) == 0 {
		return nil
	}
	outcome, err := destination.RetryableUpsert(ctx, dest, toWrite)
	if err != nil {
		return fmt.Errorf("dag: destination %q upserting batch: %w", node.DestinationName, err)
	}
	counters.Skipped += len(outcome.Skipped)

	if r.ledger != nil {
		skipped := make(map[string]bool, len(outcome.Skipped))
		for _, id := range outcome.Skipped {
			skipped[id] = true
		}
		for _, e := range toWrite {
			if e.DBEntityID == "" || skipped[e.EntityID] {
				continue
			}
			vectorID := node.DestinationName + ":" + e.DBEntityID
			if err := r.ledger.SetVectorID(ctx, e.SourceConnectionID, e.EntityID, vectorID); err != nil {
				return fmt.Errorf("dag: recording vector id for entity %s: %w", e.EntityID, err)
			}
		}
	}
	return nil
}

func filterByType(entities []entity.Entity, allowed []string) []entity.Entity {
	if len(allowed) == 0 {
		return entities
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, t := range allowed {
		allowedSet[t] = true
	}
	var out []entity.Entity
	for _, e := range entities {
		if allowedSet[e.EntityType] {
			out = append(out, e)
		}
	}
	return out
}
