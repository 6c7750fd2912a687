package collection

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingTransport = errors.New("collection: transport is required")
	errMissingStore     = errors.New("collection: store is required")
)

func newSubscriptionID() string {
	return uuid.NewString()
}

// Filter restricts a subscription to rows matching an equality predicate on
// one column. The zero value matches every row.
type Filter struct {
	Column string
	Value  string
}

// IsZero reports whether the filter matches every row.
func (f Filter) IsZero() bool {
	return f.Column == ""
}

// Matches evaluates the predicate against a raw attribute map.
func (f Filter) Matches(attributes map[string]any) bool {
	if f.IsZero() {
		return true
	}
	value, ok := attributes[f.Column].(string)
	return ok && value == f.Value
}

// FeedMessage is a transport-level push payload: the operation plus the row
// images surrounding it.
type FeedMessage struct {
	Operation  string
	EntityType string
	Before     map[string]any
	After      map[string]any
}

// FeedSink receives messages and transport failures for one subscription.
type FeedSink interface {
	Deliver(message FeedMessage)
	Fail(err error)
}

// Transport delivers server-pushed change notifications. Subscribe returns a
// cancel func that releases the underlying channel; cancel must tolerate
// repeated calls. Messages on one subscription arrive in emission order; no
// ordering holds across subscriptions.
type Transport interface {
	Subscribe(entityType EntityType, filter Filter, sink FeedSink) (cancel func(), err error)
}

// SubscriptionStatus tracks the lifecycle of one live channel.
type SubscriptionStatus string

const (
	// SubscriptionConnecting marks a channel whose handshake has not finished.
	SubscriptionConnecting SubscriptionStatus = "connecting"
	// SubscriptionOpen marks a live channel.
	SubscriptionOpen SubscriptionStatus = "open"
	// SubscriptionError marks a channel that failed; store state is preserved
	// and re-subscription is the consuming view's decision.
	SubscriptionError SubscriptionStatus = "error"
	// SubscriptionClosed marks a torn-down channel.
	SubscriptionClosed SubscriptionStatus = "closed"
)

// Subscription is a live channel bound to one entity type and optional filter.
// Closing is idempotent; events delivered after close are discarded.
type Subscription struct {
	id         string
	entityType EntityType
	filter     Filter

	mu     sync.Mutex
	status SubscriptionStatus
	cancel func()
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string {
	return s.id
}

// EntityType returns the entity type the channel is bound to.
func (s *Subscription) EntityType() EntityType {
	return s.entityType
}

// Status returns the current lifecycle status.
func (s *Subscription) Status() SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close tears the channel down at most once. Closing an already-closed
// subscription is a no-op.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.status == SubscriptionClosed {
		s.mu.Unlock()
		return
	}
	s.status = SubscriptionClosed
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Subscription) markOpen() {
	s.mu.Lock()
	if s.status == SubscriptionConnecting {
		s.status = SubscriptionOpen
	}
	s.mu.Unlock()
}

func (s *Subscription) markError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == SubscriptionClosed {
		return false
	}
	s.status = SubscriptionError
	return true
}

func (s *Subscription) accepting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == SubscriptionConnecting || s.status == SubscriptionOpen
}

// SubscriptionSet tracks every open subscription for a consuming view and
// guarantees they are closed exactly once on teardown.
type SubscriptionSet struct {
	mu            sync.Mutex
	subscriptions []interface{ Close() }
	closed        bool
}

// NewSubscriptionSet constructs an empty lifecycle tracker.
func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{}
}

// Track registers a subscription for teardown. Tracking after CloseAll closes
// the subscription immediately.
func (set *SubscriptionSet) Track(subscription interface{ Close() }) {
	if subscription == nil {
		return
	}
	set.mu.Lock()
	if set.closed {
		set.mu.Unlock()
		subscription.Close()
		return
	}
	set.subscriptions = append(set.subscriptions, subscription)
	set.mu.Unlock()
}

// CloseAll closes every tracked subscription. It is idempotent and safe to
// call multiple times.
func (set *SubscriptionSet) CloseAll() {
	set.mu.Lock()
	if set.closed {
		set.mu.Unlock()
		return
	}
	set.closed = true
	tracked := set.subscriptions
	set.subscriptions = nil
	set.mu.Unlock()
	for _, subscription := range tracked {
		subscription.Close()
	}
}

// Closed reports whether teardown has been initiated. No store mutation may
// occur once this returns true.
func (set *SubscriptionSet) Closed() bool {
	set.mu.Lock()
	defer set.mu.Unlock()
	return set.closed
}

// SubscriberConfig wires a Subscriber to its collaborators.
type SubscriberConfig struct {
	Transport Transport
	Store     *Store
	Schema    Schema
	Lifecycle *SubscriptionSet
	Logger    *zap.Logger
	// OnWarning surfaces non-fatal subscription failures to the consuming
	// view. Optional.
	OnWarning func(err error)
	// OnApply runs after each event lands in the store. Optional.
	OnApply func()
}

// Subscriber owns subscription lifecycles for one entity type's change feed,
// decodes transport messages into change events and dispatches them to the
// store. Mechanism-level failures are absorbed here and never propagate to
// the consuming view as errors.
type Subscriber struct {
	transport Transport
	store     *Store
	schema    Schema
	lifecycle *SubscriptionSet
	logger    *zap.Logger
	onWarning func(error)
	onApply   func()
}

// NewSubscriber validates the configuration and constructs a Subscriber.
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lifecycle := cfg.Lifecycle
	if lifecycle == nil {
		lifecycle = NewSubscriptionSet()
	}
	return &Subscriber{
		transport: cfg.Transport,
		store:     cfg.Store,
		schema:    cfg.Schema,
		lifecycle: lifecycle,
		logger:    logger,
		onWarning: cfg.OnWarning,
		onApply:   cfg.OnApply,
	}, nil
}

// Open subscribes to the change feed for entityType and wires events into the
// store. The returned subscription is already tracked for teardown.
func (s *Subscriber) Open(entityType EntityType, filter Filter) (*Subscription, error) {
	subscription := &Subscription{
		id:         newSubscriptionID(),
		entityType: entityType,
		filter:     filter,
		status:     SubscriptionConnecting,
	}
	sink := &subscriberSink{subscriber: s, subscription: subscription}
	cancel, err := s.transport.Subscribe(entityType, filter, sink)
	if err != nil {
		subscription.mu.Lock()
		subscription.status = SubscriptionError
		subscription.mu.Unlock()
		s.warn(err)
		return subscription, err
	}
	subscription.mu.Lock()
	if subscription.status == SubscriptionConnecting {
		subscription.status = SubscriptionOpen
		subscription.cancel = cancel
		subscription.mu.Unlock()
	} else {
		// Closed or failed during the handshake; release the channel.
		subscription.mu.Unlock()
		cancel()
	}
	s.lifecycle.Track(subscription)
	return subscription, nil
}

type subscriberSink struct {
	subscriber   *Subscriber
	subscription *Subscription
}

func (sink *subscriberSink) Deliver(message FeedMessage) {
	sink.subscriber.dispatch(sink.subscription, message)
}

func (sink *subscriberSink) Fail(err error) {
	if !sink.subscription.markError() {
		return
	}
	sink.subscriber.logger.Warn("change feed transport failed",
		zap.String("entity_type", sink.subscription.entityType.String()),
		zap.String("subscription_id", sink.subscription.id),
		zap.Error(err))
	sink.subscriber.warn(err)
}

// dispatch applies one transport message to the store. A malformed payload is
// dropped with a warning; the subscription remains open. Nothing is applied
// once teardown has been initiated.
func (s *Subscriber) dispatch(subscription *Subscription, message FeedMessage) {
	if s.lifecycle.Closed() || !subscription.accepting() {
		return
	}
	subscription.markOpen()

	operation, err := ParseOperation(message.Operation)
	if err != nil {
		s.dropEvent(subscription, err)
		return
	}

	switch operation {
	case OperationDelete:
		id, idErr := EventID(message.After, message.Before)
		if idErr != nil {
			s.dropEvent(subscription, idErr)
			return
		}
		s.store.Remove(id)
	default:
		record, decodeErr := s.schema.DecodeRecord(message.After)
		if decodeErr != nil {
			s.dropEvent(subscription, decodeErr)
			return
		}
		s.store.Upsert(record)
	}
	if s.onApply != nil {
		s.onApply()
	}
}

func (s *Subscriber) dropEvent(subscription *Subscription, err error) {
	s.logger.Warn("dropping malformed change event",
		zap.String("entity_type", subscription.entityType.String()),
		zap.String("subscription_id", subscription.id),
		zap.Error(err))
}

func (s *Subscriber) warn(err error) {
	if s.onWarning != nil {
		s.onWarning(err)
	}
}
