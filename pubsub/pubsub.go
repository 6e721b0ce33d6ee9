// Package pubsub broadcasts sync job progress over Redis pub/sub, keyed by
// sync job ID, so any number of HTTP clients can watch one job's progress
// without polling the ledger or orchestrator directly.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProgressEvent is one update about a running sync job.
type ProgressEvent struct {
	SyncJobID         string    `json:"sync_job_id"`
	Phase             string    `json:"phase"`
	EntitiesProcessed int64     `json:"entities_processed"`
	EntitiesInserted  int64     `json:"entities_inserted"`
	EntitiesUpdated   int64     `json:"entities_updated"`
	EntitiesDeleted   int64     `json:"entities_deleted"`
	Message           string    `json:"message,omitempty"`
	Error             string    `json:"error,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Broker publishes and subscribes to per-sync-job progress channels.
type Broker struct {
	client *redis.Client
	prefix string
}

// NewBroker dials Redis and verifies connectivity.
func NewBroker(ctx context.Context, redisURL, keyPrefix string) (*Broker, error) {
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("pubsub: parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pubsub: connecting to redis: %w", err)
	}
	if keyPrefix == "" {
		keyPrefix = "airweave:progress:"
	}
	return &Broker{client: client, prefix: keyPrefix}, nil
}

func (b *Broker) Close() error { return b.client.Close() }

func (b *Broker) channel(syncJobID string) string {
	return b.prefix + syncJobID
}

// Publish broadcasts a progress event to anyone subscribed to this sync
// job's channel. Publishing is fire-and-forget: if nobody is subscribed
// the event is simply dropped, since progress pub/sub is an observability
// channel, not a durable event log (the ledger and sync job row are the
// durable records).
func (b *Broker) Publish(ctx context.Context, event ProgressEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("pubsub: marshaling progress event: %w", err)
	}
	return b.client.Publish(ctx, b.channel(event.SyncJobID), data).Err()
}

// Subscribe returns a channel of progress events for one sync job. The
// returned channel closes when ctx is canceled or the caller calls the
// returned cancel function.
func (b *Broker) Subscribe(ctx context.Context, syncJobID string) (<-chan ProgressEvent, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel(syncJobID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("pubsub: subscribing to %s: %w", syncJobID, err)
	}

	out := make(chan ProgressEvent)
	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { sub.Close() }
	return out, cancel, nil
}
