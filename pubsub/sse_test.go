package pubsub

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func newTestGatewayServer(t *testing.T, b *Broker) *httptest.Server {
	t.Helper()
	e := echo.New()
	NewGateway(b).RegisterRoutes(e.Group(""))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

func TestGatewayStreamsPublishedEventsAsSSE(t *testing.T) {
	b := newTestBroker(t)
	srv := newTestGatewayServer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sync-jobs/job-1/progress", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("performing request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("got Content-Type %q, want text/event-stream", ct)
	}

	// Give the subscription time to register before publishing, since Redis
	// pub/sub drops messages published with no active listener.
	time.Sleep(100 * time.Millisecond)

	if err := b.Publish(context.Background(), ProgressEvent{SyncJobID: "job-1", Phase: "routing", EntitiesProcessed: 5}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading SSE stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if !strings.Contains(line, "job-1") || !strings.Contains(line, "routing") {
				t.Fatalf("unexpected event payload: %q", line)
			}
			return
		}
	}
	t.Fatal("timed out waiting for SSE event")
}

func TestGatewayRejectsMissingSyncJobID(t *testing.T) {
	b := newTestBroker(t)
	srv := newTestGatewayServer(t, b)

	resp, err := http.Get(srv.URL + "/sync-jobs//progress")
	if err != nil {
		t.Fatalf("performing request: %v", err)
	}
	defer resp.Body.Close()

	// Echo's router treats an empty path param as a 404 (no route match)
	// rather than routing to the handler with an empty id.
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d, want 404 or 400", resp.StatusCode)
	}
}
