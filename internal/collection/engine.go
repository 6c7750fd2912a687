package collection

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config assembles a synced collection for one entity type. Transport,
// Fetcher and Writer are the three environment interfaces; everything else is
// policy. CounterTransport is optional and only required when WatchCounter is
// used.
type Config struct {
	EntityType       EntityType
	Schema           Schema
	Filter           Filter
	Transport        Transport
	CounterTransport Transport
	Fetcher          PageFetcher
	Writer           Writer

	PageSize           int
	MaxPendingCounters int
	MutationTimeout    time.Duration

	Logger    *zap.Logger
	OnWarning func(err error)
	OnChange  func()
}

// SyncedCollection is the generic realtime engine one consuming view builds
// on: an initial bounded fetch plus a change feed subscription keep the store
// current, user actions go through the optimistic coordinator, and teardown
// closes every open subscription exactly once.
type SyncedCollection struct {
	entityType  EntityType
	filter      Filter
	store       *Store
	counters    *CounterStore
	subscriber  *Subscriber
	coordinator *Coordinator
	pager       *Pager
	lifecycle   *SubscriptionSet
	logger      *zap.Logger
	onWarning   func(error)

	counterTransport Transport
	reconcilerMu     sync.Mutex
	reconcilers      []*CounterReconciler
	unsubscribeStore func()
}

// NewSyncedCollection wires the store, subscriber, coordinator and pager
// behind a shared lifecycle tracker.
func NewSyncedCollection(cfg Config) (*SyncedCollection, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := NewStore()
	counters := NewCounterStore(cfg.MaxPendingCounters)
	lifecycle := NewSubscriptionSet()

	subscriber, err := NewSubscriber(SubscriberConfig{
		Transport: cfg.Transport,
		Store:     store,
		Schema:    cfg.Schema,
		Lifecycle: lifecycle,
		Logger:    logger,
		OnWarning: cfg.OnWarning,
		OnApply:   cfg.OnChange,
	})
	if err != nil {
		return nil, err
	}
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Writer:     cfg.Writer,
		Store:      store,
		EntityType: cfg.EntityType,
		Lifecycle:  lifecycle,
		Timeout:    cfg.MutationTimeout,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	pager, err := NewPager(PagerConfig{
		Fetcher:    cfg.Fetcher,
		Store:      store,
		EntityType: cfg.EntityType,
		Filter:     cfg.Filter,
		PageSize:   cfg.PageSize,
		Lifecycle:  lifecycle,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	collection := &SyncedCollection{
		entityType:       cfg.EntityType,
		filter:           cfg.Filter,
		store:            store,
		counters:         counters,
		subscriber:       subscriber,
		coordinator:      coordinator,
		pager:            pager,
		lifecycle:        lifecycle,
		logger:           logger,
		onWarning:        cfg.OnWarning,
		counterTransport: cfg.CounterTransport,
	}
	collection.unsubscribeStore = store.Subscribe(collection.flushPendingCounters)
	return collection, nil
}

// Open performs the initial bounded fetch and subscribes to the entity change
// feed. A failed subscription leaves the fetched state intact; the failure
// surfaces through OnWarning and the returned subscription status.
func (c *SyncedCollection) Open(ctx context.Context) error {
	if _, err := c.pager.LoadPage(ctx, 1); err != nil {
		return err
	}
	if _, err := c.subscriber.Open(c.entityType, c.filter); err != nil {
		return err
	}
	return nil
}

// WatchCounter subscribes to the dedicated feed of one aggregate metric.
func (c *SyncedCollection) WatchCounter(metric string, filter Filter) error {
	reconciler, err := NewCounterReconciler(CounterReconcilerConfig{
		Transport: c.counterTransport,
		Store:     c.store,
		Counters:  c.counters,
		Metric:    metric,
		Lifecycle: c.lifecycle,
		Logger:    c.logger,
		OnWarning: c.onWarning,
	})
	if err != nil {
		return err
	}
	c.reconcilerMu.Lock()
	c.reconcilers = append(c.reconcilers, reconciler)
	c.reconcilerMu.Unlock()
	if _, err := reconciler.Open(c.entityType, filter); err != nil {
		return err
	}
	return nil
}

// LoadPage fetches and merges one more page.
func (c *SyncedCollection) LoadPage(ctx context.Context, pageNumber int) (PageResult, error) {
	return c.pager.LoadPage(ctx, pageNumber)
}

// Apply runs an optimistic mutation through the coordinator.
func (c *SyncedCollection) Apply(ctx context.Context, intent Intent) Outcome {
	return c.coordinator.Apply(ctx, intent)
}

// Toggle builds and applies a like/unlike style intent against the current
// store state.
func (c *SyncedCollection) Toggle(ctx context.Context, targetID, flagField, counterField string) Outcome {
	intent, err := ToggleIntent(c.store, targetID, flagField, counterField)
	if err != nil {
		return Outcome{Status: IntentRolledBack, Err: err}
	}
	return c.Apply(ctx, intent)
}

// Store exposes the view-owned collection store.
func (c *SyncedCollection) Store() *Store {
	return c.store
}

// Counters exposes the view-owned aggregate counter store.
func (c *SyncedCollection) Counters() *CounterStore {
	return c.counters
}

// Closed reports whether teardown has been initiated.
func (c *SyncedCollection) Closed() bool {
	return c.lifecycle.Closed()
}

// Close tears down every open subscription exactly once. Events delivered
// afterwards are discarded; calling Close again is a no-op.
func (c *SyncedCollection) Close() {
	if c.unsubscribeStore != nil {
		c.unsubscribeStore()
		c.unsubscribeStore = nil
	}
	c.lifecycle.CloseAll()
}

func (c *SyncedCollection) flushPendingCounters() {
	c.reconcilerMu.Lock()
	reconcilers := make([]*CounterReconciler, len(c.reconcilers))
	copy(reconcilers, c.reconcilers)
	c.reconcilerMu.Unlock()
	for _, reconciler := range reconcilers {
		reconciler.FlushPending()
	}
}
