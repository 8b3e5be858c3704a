// Package events fans issue status and log notifications out to live
// stream subscribers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const defaultBufferSize = 256

var (
	// SubscribersActive tracks open subscriptions.
	SubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "autofix",
		Subsystem: "events",
		Name:      "subscribers_active",
		Help:      "Number of open event stream subscriptions",
	})

	// EventsDropped counts deliveries skipped because a subscriber was full.
	// Each one also closes that subscription.
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "autofix",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Total number of events dropped for slow subscribers",
	})
)

// Publisher receives a copy of every broadcast event.
type Publisher interface {
	Publish(topic string, ev Event) error
}

// Subscription is one subscriber's channel. C is closed on Unsubscribe.
type Subscription struct {
	ID    uuid.UUID
	Topic string
	C     <-chan Event

	ch chan Event
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize sets the per-subscription channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithPublisher mirrors every event to p.
func WithPublisher(p Publisher) Option {
	return func(b *Bus) {
		b.publisher = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bus delivers events to subscribers keyed by issue id. Broadcast never
// blocks. A subscriber whose buffer is full is closed instead of silently
// missing events, so stream clients reconnect and replay from the store.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string]map[uuid.UUID]*Subscription
	buffer    int
	publisher Publisher
	logger    *zap.Logger
	dropped   atomic.Int64
	closed    bool
}

// NewBus creates an empty Bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		topics: make(map[string]map[uuid.UUID]*Subscription),
		buffer: defaultBufferSize,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers interest in topic, an issue id or AllTopic.
func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan Event, b.buffer)
	sub := &Subscription{
		ID:    uuid.New(),
		Topic: topic,
		C:     ch,
		ch:    ch,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uuid.UUID]*Subscription)
		b.topics[topic] = subs
	}
	subs[sub.ID] = sub
	SubscribersActive.Inc()
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call more
// than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub)
}

// remove must be called with mu held. It reports whether sub was open.
func (b *Bus) remove(sub *Subscription) bool {
	subs, ok := b.topics[sub.Topic]
	if !ok {
		return false
	}
	if _, ok := subs[sub.ID]; !ok {
		return false
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(b.topics, sub.Topic)
	}
	close(sub.ch)
	SubscribersActive.Dec()
	return true
}

// Broadcast delivers ev to subscribers of topic and, unless topic is
// AllTopic, to AllTopic subscribers.
func (b *Bus) Broadcast(topic string, ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	lagging := b.deliver(topic, ev, nil)
	if topic != AllTopic {
		lagging = b.deliver(AllTopic, ev, lagging)
	}
	publisher := b.publisher
	b.mu.RUnlock()

	if len(lagging) > 0 {
		b.evict(lagging)
	}

	if publisher != nil {
		if err := publisher.Publish(topic, ev); err != nil {
			b.logger.Warn("event relay failed",
				zap.String("topic", topic),
				zap.String("type", ev.Type),
				zap.Error(err))
		}
	}
}

// deliver must be called with mu held. It appends full subscribers to
// lagging.
func (b *Bus) deliver(topic string, ev Event, lagging []*Subscription) []*Subscription {
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			EventsDropped.Inc()
			lagging = append(lagging, sub)
		}
	}
	return lagging
}

func (b *Bus) evict(subs []*Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range subs {
		if b.remove(sub) {
			b.logger.Warn("closing lagging event subscriber",
				zap.String("topic", sub.Topic),
				zap.String("subscription", sub.ID.String()))
		}
	}
}

// Dropped returns how many deliveries were skipped for full subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of subscriptions on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close closes every subscription. Later broadcasts are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, subs := range b.topics {
		for _, sub := range subs {
			close(sub.ch)
			SubscribersActive.Dec()
		}
		delete(b.topics, topic)
	}
}
