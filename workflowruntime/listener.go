package workflowruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// JobEvent is a decoded sync_job NOTIFY payload.
type JobEvent struct {
	Type      string `json:"type"`
	SyncJobID string `json:"sync_job_id"`
	Status    string `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// JobEventHandler is called for every decoded notification.
type JobEventHandler func(event JobEvent)

// CancelListener subscribes to the JobStore's Postgres NOTIFY channel and
// dispatches every decoded event (cancel_requested and status_changed) to
// registered handlers, reconnecting
// on a dropped LISTEN connection. This is what lets a cancel request
// submitted by any process in the fleet reach the one process actually
// running the job's goroutine.
type CancelListener struct {
	pool    *pgxpool.Pool
	channel string
	log     *logrus.Entry

	mu       sync.RWMutex
	handlers []JobEventHandler

	cancel context.CancelFunc
}

// NewCancelListener builds a listener for channel (matching the JobStore's
// notifyChannel).
func NewCancelListener(pool *pgxpool.Pool, channel string, log *logrus.Entry) *CancelListener {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &CancelListener{pool: pool, channel: channel, log: log.WithField("component", "cancel_listener")}
}

// OnEvent registers a handler invoked for every decoded notification.
func (l *CancelListener) OnEvent(h JobEventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Start begins listening in the background. Stop or ctx cancellation ends
// the loop.
func (l *CancelListener) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.loop(ctx)
}

// Stop ends the listen loop.
func (l *CancelListener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

func (l *CancelListener) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := l.listen(ctx); err != nil {
				l.log.WithError(err).Warn("listen error, reconnecting in 1s")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}
		}
	}
}

func (l *CancelListener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", l.channel)); err != nil {
		return fmt.Errorf("starting LISTEN: %w", err)
	}
	l.log.WithField("channel", l.channel).Info("listening for sync_job events")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("waiting for notification: %w", err)
		}

		var event JobEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			l.log.WithError(err).Warn("failed to parse sync_job event payload")
			continue
		}
		l.dispatch(event)
	}
}

func (l *CancelListener) dispatch(event JobEvent) {
	l.mu.RLock()
	handlers := make([]JobEventHandler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.RUnlock()

	for _, h := range handlers {
		go h(event)
	}
}
