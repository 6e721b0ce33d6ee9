// Package source defines the pluggable source adapter contract and the
// shared rate-limiting/retry scaffolding concrete adapters build on.
package source

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/evalgo/airweave-sync/entity"
)

// Cursor is an opaque, source-defined position marker persisted between
// sync runs so an adapter can resume an incremental sync instead of
// re-walking the entire source.
type Cursor struct {
	Value string `json:"value"`
}

// EmitFunc is how an adapter hands a freshly produced entity to the stream
// that's driving it. Implementations block (applying backpressure) when the
// stream's internal buffer is full.
type EmitFunc func(context.Context, entity.Entity) error

// Adapter is implemented by every source integration (Gmail, Google Drive,
// Outlook/OneDrive, Gitea/GitLab issue trackers, CouchDB-backed polymorphic
// tables, ...). Generate is expected to run until it has walked the entire
// source (full sync) or exhausted everything newer than cursor (incremental
// sync), pushing each entity through emit.
type Adapter interface {
	// Name identifies the adapter for logging, registry lookup, and DAG
	// routing (entities carry the adapter's name as part of their type).
	Name() string

	// Generate walks the source and emits every entity it finds. It must
	// respect ctx cancellation promptly: the orchestrator cancels it when
	// a sync job is paused, cancelled, or hits its deadline.
	Generate(ctx context.Context, cursor *Cursor, emit EmitFunc) (*Cursor, error)
}

// Policy configures the shared rate-limit/retry behavior every BaseAdapter
// applies to outbound calls, so individual adapters don't reimplement
// backoff bookkeeping.
type Policy struct {
	// RequestsPerSecond bounds outbound call rate. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int

	// MaxRetries is the number of attempts backoff.Retry makes before
	// giving up and returning the last error.
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy mirrors the retry shape used across the source adapters:
// three attempts, exponential backoff between 2s and 10s.
func DefaultPolicy() Policy {
	return Policy{
		RequestsPerSecond: 5,
		Burst:             10,
		MaxRetries:        3,
		InitialInterval:   2 * time.Second,
		MaxInterval:       10 * time.Second,
	}
}

// BaseAdapter provides rate limiting, retry-with-backoff, and an HTTP
// client to concrete adapters via embedding. It does not implement Adapter
// itself — Generate is always adapter-specific.
type BaseAdapter struct {
	Policy     Policy
	HTTPClient *http.Client

	mu      sync.Mutex
	limiter *rate.Limiter
}

// NewBaseAdapter constructs a BaseAdapter from policy, creating its rate
// limiter up front when RequestsPerSecond is positive.
func NewBaseAdapter(policy Policy) *BaseAdapter {
	ba := &BaseAdapter{Policy: policy, HTTPClient: &http.Client{Timeout: 30 * time.Second}}
	if policy.RequestsPerSecond > 0 {
		ba.limiter = rate.NewLimiter(rate.Limit(policy.RequestsPerSecond), policy.Burst)
	}
	return ba
}

// Throttle blocks until the rate limiter admits the caller, or ctx is done.
func (ba *BaseAdapter) Throttle(ctx context.Context) error {
	ba.mu.Lock()
	limiter := ba.limiter
	ba.mu.Unlock()
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

// Retry runs fn under the adapter's backoff policy, respecting ctx
// cancellation between attempts. Only errors classified as retryable by the
// caller (via errutil) should reach here after passing through Throttle.
func (ba *BaseAdapter) Retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ba.Policy.InitialInterval
	b.MaxInterval = ba.Policy.MaxInterval
	bctx := backoff.WithContext(b, ctx)

	attempts := uint64(0)
	operation := func() error {
		attempts++
		if err := ba.Throttle(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := fn()
		if err != nil && ba.Policy.MaxRetries > 0 && attempts >= ba.Policy.MaxRetries {
			return backoff.Permanent(fmt.Errorf("giving up after %d attempts: %w", attempts, err))
		}
		return err
	}

	return backoff.Retry(operation, bctx)
}
