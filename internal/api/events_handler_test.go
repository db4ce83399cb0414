package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestEventsReplayWithLastEventID(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})
	s.hub.Publish("dispatch.started", map[string]any{"request_id": "a"})
	s.hub.Publish("dispatch.succeeded", map[string]any{"request_id": "a"})

	srv := httptest.NewServer(s.setupRoutes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer ro-token")
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q, want text/event-stream", ct)
	}

	// Only the second buffered event should be replayed past ID 1.
	scanner := bufio.NewScanner(resp.Body)
	var sawSecond, sawFirst bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "event: dispatch.succeeded") {
			sawSecond = true
			break
		}
		if strings.Contains(line, "event: dispatch.started") {
			sawFirst = true
		}
	}
	if sawFirst {
		t.Error("event with ID <= Last-Event-ID was replayed")
	}
	if !sawSecond {
		t.Error("buffered event past Last-Event-ID was not replayed")
	}
}

func TestEventsRequiresEventsScope(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})

	rec := doRequest(s, http.MethodGet, "/events", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
}
