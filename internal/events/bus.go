package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/metrics"
)

// Common errors
var (
	ErrBusClosed         = fmt.Errorf("event bus closed")
	ErrWriterFull        = fmt.Errorf("event writer queue full")
	ErrWriterUnavailable = fmt.Errorf("async event writer not running")
)

// Filter selects events within a topic. A nil filter accepts everything.
type Filter func(Event) bool

// Bus is the in-process pub/sub fabric. Persistable events are written to
// the event log before any subscriber sees them; if the write fails the
// event is not emitted and the caller gets the error.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(topic Topic, filter Filter, buffer int) (*Subscription, error)
	Close()
}

// Subscription is one subscriber's queue. Events the queue cannot absorb are
// dropped, never buffered on the bus side.
type Subscription struct {
	C <-chan Event

	id     int64
	bus    *MemoryBus
	cancel sync.Once
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.cancel.Do(func() {
		s.bus.detach(s.id)
	})
}

type subscriber struct {
	topic  Topic
	filter Filter
	ch     chan Event
}

// MemoryBus is the single-process Bus implementation.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int64]*subscriber
	nextID int64
	closed bool

	store        EventStore
	async        *AsyncWriter
	persistTicks bool

	metrics *metrics.Registry
	log     zerolog.Logger
}

// BusOptions configures persistence routing for a MemoryBus.
type BusOptions struct {
	// Store receives synchronous writes for low-rate persistable events.
	// Nil disables event persistence entirely.
	Store EventStore
	// Async receives high-rate persistable events. Required when
	// PersistTicks is set.
	Async *AsyncWriter
	// PersistTicks opts tick events into the event log.
	PersistTicks bool
}

// NewMemoryBus builds a bus. Metrics and logging are always wired; the
// caller decides persistence through opts.
func NewMemoryBus(opts BusOptions, m *metrics.Registry, log zerolog.Logger) *MemoryBus {
	return &MemoryBus{
		subs:         make(map[int64]*subscriber),
		store:        opts.Store,
		async:        opts.Async,
		persistTicks: opts.PersistTicks,
		metrics:      m,
		log:          log.With().Str("component", "event_bus").Logger(),
	}
}

// Publish persists the event when its class requires it, then fans it out.
// Fan-out never blocks: a full subscriber queue drops the event with a
// counter.
func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	b.mu.RUnlock()

	if err := b.persist(ctx, ev); err != nil {
		return fmt.Errorf("persist %s event: %w", ev.Type, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, sub := range b.subs {
		if sub.topic != ev.Topic {
			continue
		}
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.metrics.EventsDropped.WithLabelValues(string(ev.Topic)).Inc()
		}
	}
	return nil
}

func (b *MemoryBus) persist(ctx context.Context, ev Event) error {
	switch {
	case ev.Type == EventTick:
		if !b.persistTicks {
			return nil
		}
		if b.async == nil {
			return ErrWriterUnavailable
		}
		return b.async.Enqueue(ev)
	case !ev.Type.Persistable():
		return nil
	case b.store == nil:
		return nil
	case ev.Type.HighRate() && b.async != nil:
		return b.async.Enqueue(ev)
	default:
		return b.store.InsertEvent(ctx, ev)
	}
}

// Subscribe registers a queue on one topic. Buffer must be positive.
func (b *MemoryBus) Subscribe(topic Topic, filter Filter, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	sub := &subscriber{topic: topic, filter: filter, ch: make(chan Event, buffer)}
	b.subs[id] = sub
	return &Subscription{C: sub.ch, id: id, bus: b}, nil
}

func (b *MemoryBus) detach(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Close drops all subscriptions and rejects further publishes.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
