package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
)

func TestEntityLifecycleOverHTTP(t *testing.T) {
	harness := newTestHarness(t)
	token := harness.issueToken(t, "user-1")

	status, payload := harness.request(t, http.MethodPost, "/entities/article", token, map[string]any{
		"id":    "a-1",
		"title": "hello",
	})
	if status != http.StatusCreated {
		t.Fatalf("expected 201 on insert, got %d: %s", status, payload)
	}

	var created recordPayload
	if err := json.Unmarshal(payload, &created); err != nil {
		t.Fatalf("failed to decode insert response: %v", err)
	}
	if created.ID != "a-1" {
		t.Fatalf("expected id a-1, got %s", created.ID)
	}
	if created.Fields["owner_id"] != "user-1" {
		t.Fatalf("expected owner_id user-1, got %v", created.Fields["owner_id"])
	}

	status, payload = harness.request(t, http.MethodPatch, "/entities/article/a-1", token, map[string]any{
		"title": "revised",
	})
	if status != http.StatusOK {
		t.Fatalf("expected 200 on update, got %d: %s", status, payload)
	}
	var updated recordPayload
	if err := json.Unmarshal(payload, &updated); err != nil {
		t.Fatalf("failed to decode update response: %v", err)
	}
	if updated.Fields["title"] != "revised" {
		t.Fatalf("expected revised title, got %v", updated.Fields["title"])
	}

	status, payload = harness.request(t, http.MethodGet, "/entities/article", token, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 on list, got %d", status)
	}
	var listing listResponsePayload
	if err := json.Unmarshal(payload, &listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	if listing.Total != 1 || len(listing.Records) != 1 {
		t.Fatalf("expected one record, got total=%d len=%d", listing.Total, len(listing.Records))
	}
	if listing.HasMore {
		t.Fatalf("expected has_more false for single page")
	}

	status, _ = harness.request(t, http.MethodDelete, "/entities/article/a-1", token, nil)
	if status != http.StatusNoContent {
		t.Fatalf("expected 204 on delete, got %d", status)
	}

	status, payload = harness.request(t, http.MethodGet, "/entities/article", token, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 on list, got %d", status)
	}
	if err := json.Unmarshal(payload, &listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	if listing.Total != 0 {
		t.Fatalf("expected empty collection after delete, got %d", listing.Total)
	}
}

func TestEntityInsertConflictMapsTo409(t *testing.T) {
	harness := newTestHarness(t)
	token := harness.issueToken(t, "user-1")

	status, _ := harness.request(t, http.MethodPost, "/entities/article", token, map[string]any{"id": "a-1"})
	if status != http.StatusCreated {
		t.Fatalf("expected 201 on first insert, got %d", status)
	}
	status, payload := harness.request(t, http.MethodPost, "/entities/article", token, map[string]any{"id": "a-1"})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate insert, got %d: %s", status, payload)
	}
	var body map[string]string
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if body["error"] != "unique_violation" {
		t.Fatalf("expected unique_violation error code, got %q", body["error"])
	}
}

func TestEntityUpdateForeignRowMapsTo403(t *testing.T) {
	harness := newTestHarness(t)
	ownerToken := harness.issueToken(t, "user-1")
	otherToken := harness.issueToken(t, "user-2")

	status, _ := harness.request(t, http.MethodPost, "/entities/article", ownerToken, map[string]any{"id": "a-1"})
	if status != http.StatusCreated {
		t.Fatalf("expected 201 on insert, got %d", status)
	}

	status, _ = harness.request(t, http.MethodPatch, "/entities/article/a-1", otherToken, map[string]any{"title": "stolen"})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign update, got %d", status)
	}
	status, _ = harness.request(t, http.MethodDelete, "/entities/article/a-1", otherToken, nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign delete, got %d", status)
	}
}

func TestEntityUpdateMissingRowMapsTo404(t *testing.T) {
	harness := newTestHarness(t)
	token := harness.issueToken(t, "user-1")

	status, _ := harness.request(t, http.MethodPatch, "/entities/article/ghost", token, map[string]any{"title": "x"})
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for missing row, got %d", status)
	}
}

func TestEntityListPaginatesWithHasMore(t *testing.T) {
	harness := newTestHarness(t)
	token := harness.issueToken(t, "user-1")

	for index := 0; index < 5; index++ {
		status, _ := harness.request(t, http.MethodPost, "/entities/article", token, map[string]any{
			"id": fmt.Sprintf("a-%d", index),
		})
		if status != http.StatusCreated {
			t.Fatalf("expected 201 on insert %d, got %d", index, status)
		}
	}

	status, payload := harness.request(t, http.MethodGet, "/entities/article?page=1&page_size=2", token, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 on list, got %d", status)
	}
	var listing listResponsePayload
	if err := json.Unmarshal(payload, &listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	if listing.Total != 5 || len(listing.Records) != 2 || !listing.HasMore {
		t.Fatalf("unexpected first page: total=%d len=%d has_more=%v", listing.Total, len(listing.Records), listing.HasMore)
	}

	status, payload = harness.request(t, http.MethodGet, "/entities/article?page=3&page_size=2", token, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200 on final page, got %d", status)
	}
	if err := json.Unmarshal(payload, &listing); err != nil {
		t.Fatalf("failed to decode final page: %v", err)
	}
	if len(listing.Records) != 1 || listing.HasMore {
		t.Fatalf("unexpected final page: len=%d has_more=%v", len(listing.Records), listing.HasMore)
	}

	status, _ = harness.request(t, http.MethodGet, "/entities/article?page=0", token, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid page, got %d", status)
	}
}

func TestCounterEndpointStoresValue(t *testing.T) {
	harness := newTestHarness(t)
	token := harness.issueToken(t, "user-1")

	status, _ := harness.request(t, http.MethodPut, "/counters/article/a-1/likes", token, map[string]any{"value": 4})
	if status != http.StatusNoContent {
		t.Fatalf("expected 204 on counter write, got %d", status)
	}
}

func TestEntityEndpointsRejectInvalidType(t *testing.T) {
	harness := newTestHarness(t)
	token := harness.issueToken(t, "user-1")

	status, _ := harness.request(t, http.MethodGet, "/entities/%20", token, nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank entity type, got %d", status)
	}
}
