package collection

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var errMissingCounters = errors.New("collection: counter store is required")

const (
	attributeKeyEntityID = "entity_id"
	attributeKeyValue    = "value"
)

// CounterReconcilerConfig wires a reconciler to its collaborators.
type CounterReconcilerConfig struct {
	Transport Transport
	Store     *Store
	Counters  *CounterStore
	Metric    string
	Lifecycle *SubscriptionSet
	Logger    *zap.Logger
	OnWarning func(err error)
}

// CounterReconciler subscribes to the dedicated feed of one aggregate metric
// and folds {entityId, value} updates into the counter store and the matching
// record's scalar field. It never creates or removes the underlying record:
// updates for locally-unknown ids are buffered until the record appears.
type CounterReconciler struct {
	transport Transport
	store     *Store
	counters  *CounterStore
	metric    string
	lifecycle *SubscriptionSet
	logger    *zap.Logger
	onWarning func(error)
}

// NewCounterReconciler validates the configuration and constructs a reconciler.
func NewCounterReconciler(cfg CounterReconcilerConfig) (*CounterReconciler, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Counters == nil {
		return nil, errMissingCounters
	}
	if cfg.Metric == "" {
		return nil, fmt.Errorf("collection: metric name is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lifecycle := cfg.Lifecycle
	if lifecycle == nil {
		lifecycle = NewSubscriptionSet()
	}
	return &CounterReconciler{
		transport: cfg.Transport,
		store:     cfg.Store,
		counters:  cfg.Counters,
		metric:    cfg.Metric,
		lifecycle: lifecycle,
		logger:    logger,
		onWarning: cfg.OnWarning,
	}, nil
}

// Open subscribes to the metric feed for entityType. The subscriber wiring
// mirrors Subscriber.Open; the returned subscription is tracked for teardown.
func (r *CounterReconciler) Open(entityType EntityType, filter Filter) (*Subscription, error) {
	subscription := &Subscription{
		id:         newSubscriptionID(),
		entityType: entityType,
		filter:     filter,
		status:     SubscriptionConnecting,
	}
	sink := &reconcilerSink{reconciler: r, subscription: subscription}
	cancel, err := r.transport.Subscribe(entityType, filter, sink)
	if err != nil {
		subscription.mu.Lock()
		subscription.status = SubscriptionError
		subscription.mu.Unlock()
		if r.onWarning != nil {
			r.onWarning(err)
		}
		return subscription, err
	}
	subscription.mu.Lock()
	if subscription.status == SubscriptionConnecting {
		subscription.status = SubscriptionOpen
		subscription.cancel = cancel
		subscription.mu.Unlock()
	} else {
		subscription.mu.Unlock()
		cancel()
	}
	r.lifecycle.Track(subscription)
	return subscription, nil
}

// FlushPending applies buffered updates whose records have since appeared.
// The engine calls this from its store listener.
func (r *CounterReconciler) FlushPending() {
	if r.lifecycle.Closed() {
		return
	}
	flushed := r.counters.Flush(r.store.Contains)
	for _, update := range flushed {
		r.mergeScalar(update)
	}
}

type reconcilerSink struct {
	reconciler   *CounterReconciler
	subscription *Subscription
}

func (sink *reconcilerSink) Deliver(message FeedMessage) {
	sink.reconciler.dispatch(sink.subscription, message)
}

func (sink *reconcilerSink) Fail(err error) {
	if !sink.subscription.markError() {
		return
	}
	sink.reconciler.logger.Warn("aggregate feed transport failed",
		zap.String("metric", sink.reconciler.metric),
		zap.String("subscription_id", sink.subscription.id),
		zap.Error(err))
	if sink.reconciler.onWarning != nil {
		sink.reconciler.onWarning(err)
	}
}

func (r *CounterReconciler) dispatch(subscription *Subscription, message FeedMessage) {
	if r.lifecycle.Closed() || !subscription.accepting() {
		return
	}
	subscription.markOpen()

	entityID, ok := message.After[attributeKeyEntityID].(string)
	if !ok || entityID == "" {
		r.logger.Warn("dropping malformed counter event",
			zap.String("metric", r.metric),
			zap.String("subscription_id", subscription.id))
		return
	}
	update := CounterUpdate{
		EntityID: entityID,
		Metric:   r.metric,
		Value:    coerceNumber(message.After[attributeKeyValue]),
	}

	if !r.store.Contains(update.EntityID) {
		r.counters.Buffer(update)
		return
	}
	r.counters.Set(update.EntityID, update.Metric, update.Value)
	r.mergeScalar(update)
}

// mergeScalar folds the counter value into the record's scalar field. The
// record is known to exist; Upsert therefore merges and never inserts.
func (r *CounterReconciler) mergeScalar(update CounterUpdate) {
	r.store.Upsert(Record{
		ID:     update.EntityID,
		Fields: map[string]any{update.Metric: update.Value},
	})
}
