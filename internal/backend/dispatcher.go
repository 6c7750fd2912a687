package backend

import (
	"sync"

	"github.com/MarcoPoloResearchLab/undertow/internal/collection"
)

const defaultFeedBufferSize = 16

// Dispatcher is the in-process change feed transport: it fans published
// messages out to every subscriber of the matching channel. Each subscriber
// owns a buffered stream pumped to its sink by a dedicated goroutine, so
// per-channel emission order is preserved while a slow consumer only costs
// itself dropped messages, never a blocked publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*feedSubscriber
	nextID      int64
	bufferSize  int
}

type feedSubscriber struct {
	id     int64
	filter collection.Filter
	stream chan collection.FeedMessage
	done   chan struct{}
}

// NewDispatcher constructs a dispatcher with the provided per-subscriber
// buffer size. Non-positive sizes fall back to the default.
func NewDispatcher(bufferSize int) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = defaultFeedBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*feedSubscriber),
		bufferSize:  bufferSize,
	}
}

// EntityFeed returns the transport view over entity change channels.
func (d *Dispatcher) EntityFeed() collection.Transport {
	return &feedTransport{dispatcher: d, channelOf: entityChannel}
}

// CounterFeed returns the transport view over the aggregate feed of one
// metric. The channel is scoped per metric so entity and counter events never
// interleave.
func (d *Dispatcher) CounterFeed(metric string) collection.Transport {
	return &feedTransport{
		dispatcher: d,
		channelOf: func(entityType collection.EntityType) string {
			return counterChannel(entityType, metric)
		},
	}
}

// PublishEntity fans an entity change out to subscribers of its type.
func (d *Dispatcher) PublishEntity(entityType collection.EntityType, message collection.FeedMessage) {
	d.publish(entityChannel(entityType), message)
}

// PublishCounter fans an aggregate update out to subscribers of its metric.
func (d *Dispatcher) PublishCounter(entityType collection.EntityType, metric string, message collection.FeedMessage) {
	d.publish(counterChannel(entityType, metric), message)
}

func entityChannel(entityType collection.EntityType) string {
	return "entity:" + entityType.String()
}

func counterChannel(entityType collection.EntityType, metric string) string {
	return "counter:" + entityType.String() + ":" + metric
}

type feedTransport struct {
	dispatcher *Dispatcher
	channelOf  func(collection.EntityType) string
}

func (t *feedTransport) Subscribe(entityType collection.EntityType, filter collection.Filter, sink collection.FeedSink) (func(), error) {
	return t.dispatcher.subscribe(t.channelOf(entityType), filter, sink)
}

func (d *Dispatcher) subscribe(channel string, filter collection.Filter, sink collection.FeedSink) (func(), error) {
	subscriber := &feedSubscriber{
		id:     d.nextSequence(),
		filter: filter,
		stream: make(chan collection.FeedMessage, d.bufferSize),
		done:   make(chan struct{}),
	}
	d.registerSubscriber(channel, subscriber)

	go func() {
		for {
			select {
			case message := <-subscriber.stream:
				sink.Deliver(message)
			case <-subscriber.done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.unregisterSubscriber(channel, subscriber.id)
			close(subscriber.done)
		})
	}
	return cancel, nil
}

func (d *Dispatcher) publish(channel string, message collection.FeedMessage) {
	d.mu.RLock()
	subscribers := d.subscribers[channel]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*feedSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		if !subscriber.matches(message) {
			continue
		}
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (s *feedSubscriber) matches(message collection.FeedMessage) bool {
	if s.filter.IsZero() {
		return true
	}
	if message.After != nil {
		return s.filter.Matches(message.After)
	}
	return s.filter.Matches(message.Before)
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(channel string, subscriber *feedSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[channel]; !ok {
		d.subscribers[channel] = make(map[int64]*feedSubscriber)
	}
	d.subscribers[channel][subscriber.id] = subscriber
}

func (d *Dispatcher) unregisterSubscriber(channel string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[channel]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, channel)
		}
	}
	d.mu.Unlock()
}
