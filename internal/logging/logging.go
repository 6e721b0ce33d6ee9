// Package logging provides the structured logger used across the sync core.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes error-level records to stderr and everything else to
// stdout, so container log collectors can separate severities without
// parsing structured fields.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte("level=fatal")) ||
		bytes.Contains(p, []byte(`"level":"error"`)) || bytes.Contains(p, []byte(`"level":"fatal"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logrus instance. Packages that need a logger
// and weren't handed one explicitly fall back to this.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
}

// Config controls how a Logger is constructed.
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // "json" or "text"
	Service   string
	AddCaller bool
}

// New builds a logrus.Logger configured per Config, with the output splitter
// wired in so error-level entries land on stderr.
func New(cfg Config) *logrus.Logger {
	l := logrus.New()

	switch cfg.Level {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warn":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	l.SetReportCaller(cfg.AddCaller)
	l.SetOutput(&OutputSplitter{})
	return l
}

// ctxKey namespaces context values stored in request/job scopes.
type ctxKey string

const (
	ctxKeySyncJobID ctxKey = "sync_job_id"
	ctxKeySourceID  ctxKey = "source_connection_id"
)

// WithSyncJob returns a context carrying the sync job ID for downstream
// log-field extraction.
func WithSyncJob(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, ctxKeySyncJobID, jobID)
}

// WithSourceConnection returns a context carrying the source connection ID.
func WithSourceConnection(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeySourceID, id)
}

// FromContext builds a logrus.Entry pre-populated with whatever job/source
// identifiers are present in ctx.
func FromContext(ctx context.Context, base *logrus.Logger) *logrus.Entry {
	if base == nil {
		base = Logger
	}
	fields := logrus.Fields{}
	if v := ctx.Value(ctxKeySyncJobID); v != nil {
		fields["sync_job_id"] = v
	}
	if v := ctx.Value(ctxKeySourceID); v != nil {
		fields["source_connection_id"] = v
	}
	return base.WithFields(fields)
}

// Operation logs the start/end of a named operation along with its duration,
// and attaches the error if fn fails.
func Operation(entry *logrus.Entry, name string, fn func() error) error {
	start := time.Now()
	entry.WithField("operation", name).Debug("operation started")
	err := fn()
	fields := logrus.Fields{"operation": name, "duration_ms": time.Since(start).Milliseconds()}
	if err != nil {
		entry.WithFields(fields).WithError(err).Error("operation failed")
		return err
	}
	entry.WithFields(fields).Debug("operation completed")
	return nil
}

// RecoverPanic logs a recovered panic with its stack trace. Call via defer.
func RecoverPanic(entry *logrus.Entry) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		entry.WithFields(logrus.Fields{
			"panic": fmt.Sprintf("%v", r),
			"stack": string(buf[:n]),
		}).Error("panic recovered")
	}
}
