// Package eventbus implements the in-process, multi-subscriber pub/sub bus
// that the Agent Runtime Loop and Scheduler publish lifecycle and streaming
// events to. Each subscriber gets its own filtered, bounded queue so a slow
// consumer cannot stall the others or the publisher.
package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/conclave-run/conclave/internal/core"
)

const DefaultQueueCapacity = 256

// Filter decides whether a subscriber wants a given event.
type Filter func(core.Event) bool

// MatchAll is a Filter that accepts every event.
func MatchAll(core.Event) bool { return true }

// Bus fans out published events to independently-queued subscribers.
type Bus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	dropped uint64
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscription with the given filter and queue
// capacity (DefaultQueueCapacity if capacity <= 0). Call the returned
// cancel function to unsubscribe and release the subscription's goroutine.
func (b *Bus) Subscribe(filter Filter, capacity int) (*Subscription, func()) {
	if filter == nil {
		filter = MatchAll
	}
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	sub := newSubscription(filter, capacity)

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.close()
	}
	return sub, cancel
}

// Publish delivers an event to every subscriber whose filter matches it.
// A full subscriber queue drops its oldest droppable entry to make room;
// if none is droppable and the incoming event itself is droppable, the
// incoming event is dropped instead. Non-droppable events are never lost:
// the queue grows past capacity rather than drop one.
func (b *Bus) Publish(e core.Event) {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	anyDropped := false
	for _, s := range targets {
		if !s.filter(e) {
			continue
		}
		if s.enqueue(e) {
			anyDropped = true
		}
	}

	if anyDropped && e.Type != core.EventBusDropped {
		atomic.AddUint64(&b.dropped, 1)
		b.publishDropNotice()
	}
}

func (b *Bus) publishDropNotice() {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	notice := core.Event{Type: core.EventBusDropped, Payload: atomic.LoadUint64(&b.dropped)}
	for _, s := range targets {
		if s.filter(notice) {
			s.enqueue(notice)
		}
	}
}

// DroppedCount returns the total number of events dropped for backpressure
// across all subscribers since the bus was created.
func (b *Bus) DroppedCount() uint64 {
	return atomic.LoadUint64(&b.dropped)
}
