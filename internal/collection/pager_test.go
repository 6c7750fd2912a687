package collection

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func newTestPager(t *testing.T, store *Store, fetcher PageFetcher, pageSize int) *Pager {
	t.Helper()
	pager, err := NewPager(PagerConfig{
		Fetcher:    fetcher,
		Store:      store,
		EntityType: mustEntityType(t, "reports"),
		PageSize:   pageSize,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected pager error: %v", err)
	}
	return pager
}

func TestLoadPageComputesOffsetsAndHasMore(t *testing.T) {
	store := NewStore()
	fetcher := &fakeFetcher{
		rows:  []Record{testRecord("r-1", nil), testRecord("r-2", nil)},
		total: 25,
	}
	pager := newTestPager(t, store, fetcher, 10)

	result, err := pager.LoadPage(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fetcher.requests) != 1 {
		t.Fatalf("expected one fetch, got %d", len(fetcher.requests))
	}
	if fetcher.requests[0].offset != 10 || fetcher.requests[0].limit != 10 {
		t.Fatalf("unexpected page window: %+v", fetcher.requests[0])
	}
	if !result.HasMore {
		t.Fatalf("page 2 of 25 rows must report more")
	}

	result, err = pager.LoadPage(context.Background(), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.HasMore {
		t.Fatalf("page 3 of 25 rows must not report more")
	}
	if pager.Total() != 25 {
		t.Fatalf("expected advisory total 25, got %d", pager.Total())
	}
}

func TestLoadPageDeduplicatesRealtimeRows(t *testing.T) {
	store := NewStore()
	fetcher := &fakeFetcher{
		rows: []Record{
			testRecord("r-1", map[string]any{"title": "fetched"}),
			testRecord("r-2", map[string]any{"title": "two"}),
		},
		total: 10,
	}
	pager := newTestPager(t, store, fetcher, 10)
	if _, err := pager.LoadPage(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", store.Len())
	}

	// A realtime insert for an id already present in page 1 must not grow the
	// store or create a duplicate entry.
	store.Upsert(testRecord("r-1", map[string]any{"title": "realtime"}))
	if store.Len() != 2 {
		t.Fatalf("expected store to stay at 2 records, got %d", store.Len())
	}

	// Reloading the page keeps membership by id, not position.
	if _, err := pager.LoadPage(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("reload must not duplicate rows, got %d", store.Len())
	}
	record, _ := store.Get("r-1")
	if record.Field("title") != "fetched" {
		t.Fatalf("expected reload to merge fetched fields, got %v", record.Field("title"))
	}
}

func TestLoadPageRejectsInvalidPageNumber(t *testing.T) {
	pager := newTestPager(t, NewStore(), &fakeFetcher{}, 10)
	if _, err := pager.LoadPage(context.Background(), 0); !errors.Is(err, errInvalidPage) {
		t.Fatalf("expected invalid page error, got %v", err)
	}
}

func TestLoadPagePropagatesFetchError(t *testing.T) {
	fetchFailure := errors.New("backend offline")
	store := NewStore()
	pager := newTestPager(t, store, &fakeFetcher{err: fetchFailure}, 10)
	if _, err := pager.LoadPage(context.Background(), 1); !errors.Is(err, fetchFailure) {
		t.Fatalf("expected fetch failure, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("failed fetch must not touch the store")
	}
}

func TestLoadPageDiscardsResultAfterTeardown(t *testing.T) {
	store := NewStore()
	lifecycle := NewSubscriptionSet()
	fetcher := &fakeFetcher{rows: []Record{testRecord("r-1", nil)}, total: 1}
	pager, err := NewPager(PagerConfig{
		Fetcher:    fetcher,
		Store:      store,
		EntityType: mustEntityType(t, "reports"),
		Lifecycle:  lifecycle,
	})
	if err != nil {
		t.Fatalf("unexpected pager error: %v", err)
	}
	lifecycle.CloseAll()

	if _, err := pager.LoadPage(context.Background(), 1); err == nil {
		t.Fatalf("expected error after teardown")
	}
	if store.Len() != 0 {
		t.Fatalf("fetched rows must be discarded after teardown")
	}
}
