package collection

import "sync"

const defaultMaxPendingCounters = 256

// CounterUpdate is one out-of-band metric value tied to an entity id.
type CounterUpdate struct {
	EntityID string
	Metric   string
	Value    int64
}

// CounterStore holds out-of-band aggregate metrics keyed by entity id and
// metric name. Counter updates never create or remove the entity record they
// describe; updates for ids the collection does not yet hold are buffered and
// applied once the record appears. The buffer is bounded; when full the oldest
// pending update is dropped.
type CounterStore struct {
	mu         sync.Mutex
	values     map[string]map[string]int64
	pending    []CounterUpdate
	maxPending int
}

// NewCounterStore constructs a counter store with the provided pending buffer
// bound. Non-positive bounds fall back to the default.
func NewCounterStore(maxPending int) *CounterStore {
	if maxPending <= 0 {
		maxPending = defaultMaxPendingCounters
	}
	return &CounterStore{
		values:     make(map[string]map[string]int64),
		maxPending: maxPending,
	}
}

// Set records the metric value for the entity id. Zero is a valid value;
// counters are never deleted explicitly.
func (c *CounterStore) Set(entityID, metric string, value int64) {
	if entityID == "" || metric == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	metrics, exists := c.values[entityID]
	if !exists {
		metrics = make(map[string]int64)
		c.values[entityID] = metrics
	}
	metrics[metric] = value
}

// Value returns the recorded metric value and whether one exists.
func (c *CounterStore) Value(entityID, metric string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	metrics, exists := c.values[entityID]
	if !exists {
		return 0, false
	}
	value, found := metrics[metric]
	return value, found
}

// Buffer queues an update whose entity record is not yet known locally.
func (c *CounterStore) Buffer(update CounterUpdate) {
	if update.EntityID == "" || update.Metric == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= c.maxPending {
		c.pending = c.pending[1:]
	}
	c.pending = append(c.pending, update)
}

// PendingCount returns the number of buffered updates.
func (c *CounterStore) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Flush drains buffered updates whose entity id now satisfies exists,
// recording their values and returning them in arrival order so the caller
// can merge the scalar into the entity record. Updates for still-unknown ids
// stay buffered.
func (c *CounterStore) Flush(exists func(entityID string) bool) []CounterUpdate {
	if exists == nil {
		return nil
	}
	c.mu.Lock()
	var flushed []CounterUpdate
	remaining := c.pending[:0]
	for _, update := range c.pending {
		if exists(update.EntityID) {
			flushed = append(flushed, update)
		} else {
			remaining = append(remaining, update)
		}
	}
	c.pending = remaining
	c.mu.Unlock()

	for _, update := range flushed {
		c.Set(update.EntityID, update.Metric, update.Value)
	}
	return flushed
}
