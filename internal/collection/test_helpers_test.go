package collection

import (
	"context"
	"sync"
	"testing"
)

func mustEntityType(t *testing.T, value string) EntityType {
	t.Helper()
	entityType, err := NewEntityType(value)
	if err != nil {
		t.Fatalf("unexpected entity type error: %v", err)
	}
	return entityType
}

func mustEntityID(t *testing.T, value string) EntityID {
	t.Helper()
	entityID, err := NewEntityID(value)
	if err != nil {
		t.Fatalf("unexpected entity id error: %v", err)
	}
	return entityID
}

// fakeTransport delivers pushed messages synchronously to every registered
// sink, mimicking an in-order per-channel feed.
type fakeTransport struct {
	mu            sync.Mutex
	sinks         []FeedSink
	subscribeErr  error
	cancelledByID []int
}

func (f *fakeTransport) Subscribe(_ EntityType, _ Filter, sink FeedSink) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	index := len(f.sinks)
	f.sinks = append(f.sinks, sink)
	return func() {
		f.mu.Lock()
		f.cancelledByID = append(f.cancelledByID, index)
		f.mu.Unlock()
	}, nil
}

func (f *fakeTransport) push(message FeedMessage) {
	f.mu.Lock()
	sinks := make([]FeedSink, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.Unlock()
	for _, sink := range sinks {
		sink.Deliver(message)
	}
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	sinks := make([]FeedSink, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.Unlock()
	for _, sink := range sinks {
		sink.Fail(err)
	}
}

func (f *fakeTransport) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelledByID)
}

// fakeFetcher serves scripted pages.
type fakeFetcher struct {
	rows     []Record
	total    int64
	err      error
	requests []fetchRequest
}

type fetchRequest struct {
	offset int
	limit  int
}

func (f *fakeFetcher) FetchPage(_ context.Context, _ EntityType, _ Filter, offset, limit int) ([]Record, int64, error) {
	f.requests = append(f.requests, fetchRequest{offset: offset, limit: limit})
	if f.err != nil {
		return nil, 0, f.err
	}
	copied := make([]Record, len(f.rows))
	for index, row := range f.rows {
		copied[index] = row.Clone()
	}
	return copied, f.total, nil
}

// fakeWriter settles each update per its script. When block is non-nil, the
// call waits until the channel is closed before settling, which lets tests
// interleave a second intent while the first is in flight.
type fakeWriter struct {
	mu        sync.Mutex
	canonical *Record
	err       error
	block     chan struct{}
	calls     []Patch
}

func (f *fakeWriter) Update(ctx context.Context, _ EntityType, id string, patch Patch) (Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, patch)
	block := f.block
	canonical := f.canonical
	scriptedErr := f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}
	if scriptedErr != nil {
		return Record{}, scriptedErr
	}
	if canonical != nil {
		return canonical.Clone(), nil
	}
	return Record{ID: id, Fields: map[string]any(patch)}.Clone(), nil
}

func (f *fakeWriter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testRecord(id string, fields map[string]any) Record {
	return Record{ID: id, Fields: fields}
}
