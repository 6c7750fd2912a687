package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/collection"
)

func readSSEFrame(t *testing.T, reader *bufio.Reader) feedFrame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if strings.Contains(payload, "\"time\"") {
			continue
		}
		var frame feedFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			t.Fatalf("failed to decode frame %q: %v", payload, err)
		}
		return frame
	}
	t.Fatalf("no change frame before deadline")
	return feedFrame{}
}

func TestFeedStreamDeliversChangeEvents(t *testing.T) {
	harness := newTestHarness(t)
	token := harness.issueToken(t, "user-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, harness.server.URL+"/feed/article?access_token="+token, nil)
	if err != nil {
		t.Fatalf("failed to build stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on stream, got %d", response.StatusCode)
	}
	if !strings.HasPrefix(response.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("expected event stream content type, got %q", response.Header.Get("Content-Type"))
	}

	// Give the handler time to register its feed subscription.
	time.Sleep(100 * time.Millisecond)

	entityType, err := collection.NewEntityType("article")
	if err != nil {
		t.Fatalf("failed to build entity type: %v", err)
	}
	if _, err := harness.entities.Insert(context.Background(), "user-1", entityType, map[string]any{
		"id":    "a-1",
		"title": "hello",
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	frame := readSSEFrame(t, bufio.NewReader(response.Body))
	if frame.Operation != string(collection.OperationInsert) {
		t.Fatalf("expected insert frame, got %s", frame.Operation)
	}
	if frame.After["id"] != "a-1" {
		t.Fatalf("expected frame for a-1, got %v", frame.After["id"])
	}
}

func TestFeedStreamRequiresAuthorization(t *testing.T) {
	harness := newTestHarness(t)

	response, err := http.Get(harness.server.URL + "/feed/article")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", response.StatusCode)
	}
}
