package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func newBufferedLogger() (*logrus.Logger, *bytes.Buffer) {
	l := logrus.New()
	buf := &bytes.Buffer{}
	l.SetOutput(buf)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	l.SetLevel(logrus.DebugLevel)
	return l, buf
}

func TestNewAppliesLevelAndFormat(t *testing.T) {
	l := New(Config{Level: "debug", Format: "json", Service: "test-svc"})
	if l.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %v", l.GetLevel())
	}
	if _, ok := l.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected JSON formatter, got %T", l.Formatter)
	}
}

func TestNewDefaultsToInfoLevelAndTextFormat(t *testing.T) {
	l := New(Config{})
	if l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %v", l.GetLevel())
	}
	if _, ok := l.Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("expected text formatter, got %T", l.Formatter)
	}
}

func TestWithSyncJobAndSourceConnectionPopulateFromContext(t *testing.T) {
	base, buf := newBufferedLogger()

	ctx := context.Background()
	ctx = WithSyncJob(ctx, "job-123")
	ctx = WithSourceConnection(ctx, "conn-456")

	FromContext(ctx, base).Info("hello")

	out := buf.String()
	if !strings.Contains(out, "sync_job_id=job-123") {
		t.Fatalf("expected sync_job_id field in output, got %q", out)
	}
	if !strings.Contains(out, "source_connection_id=conn-456") {
		t.Fatalf("expected source_connection_id field in output, got %q", out)
	}
}

func TestFromContextWithoutValuesOmitsFields(t *testing.T) {
	base, buf := newBufferedLogger()
	FromContext(context.Background(), base).Info("hello")

	out := buf.String()
	if strings.Contains(out, "sync_job_id=") {
		t.Fatalf("did not expect sync_job_id field, got %q", out)
	}
}

func TestFromContextNilBaseFallsBackToPackageLogger(t *testing.T) {
	entry := FromContext(context.Background(), nil)
	if entry.Logger != Logger {
		t.Fatal("expected fallback to package-level Logger")
	}
}

func TestOperationLogsSuccessAndReturnsNil(t *testing.T) {
	base, buf := newBufferedLogger()
	entry := base.WithField("test", true)

	called := false
	err := Operation(entry, "do-thing", func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
	if !strings.Contains(buf.String(), "operation completed") {
		t.Fatalf("expected completion log, got %q", buf.String())
	}
}

func TestOperationLogsFailureAndPropagatesError(t *testing.T) {
	base, buf := newBufferedLogger()
	entry := base.WithField("test", true)

	wantErr := errors.New("boom")
	err := Operation(entry, "do-thing", func() error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if !strings.Contains(buf.String(), "operation failed") {
		t.Fatalf("expected failure log, got %q", buf.String())
	}
}

func TestRecoverPanicLogsRecoveredPanic(t *testing.T) {
	base, buf := newBufferedLogger()
	entry := base.WithField("test", true)

	func() {
		defer RecoverPanic(entry)
		panic("something broke")
	}()

	out := buf.String()
	if !strings.Contains(out, "panic recovered") {
		t.Fatalf("expected panic recovered log, got %q", out)
	}
	if !strings.Contains(out, "something broke") {
		t.Fatalf("expected panic message in log, got %q", out)
	}
}

func TestOutputSplitterWritesInfoLine(t *testing.T) {
	s := OutputSplitter{}
	n, err := s.Write([]byte("level=info msg=hello\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n == 0 {
		t.Fatal("expected non-zero bytes written")
	}
}
