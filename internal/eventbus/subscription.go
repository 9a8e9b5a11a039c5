package eventbus

import (
	"sync"

	"github.com/conclave-run/conclave/internal/core"
)

// Subscription is one consumer's view of the bus: a filtered, bounded,
// FIFO-ordered event queue drained by Events().
type Subscription struct {
	filter   Filter
	capacity int

	mu     sync.Mutex
	queue  []core.Event
	notify chan struct{}

	out    chan core.Event
	stopCh chan struct{}
	once   sync.Once
}

func newSubscription(filter Filter, capacity int) *Subscription {
	s := &Subscription{
		filter:   filter,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		out:      make(chan core.Event),
		stopCh:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Events returns the channel subscribers read delivered events from. It is
// closed once the subscription is cancelled.
func (s *Subscription) Events() <-chan core.Event {
	return s.out
}

// enqueue appends e to the subscription's queue, applying the
// drop-oldest-droppable-first backpressure policy when at capacity.
// Returns true if any event (the incoming one or a queued one) was dropped.
// A bus.dropped notice is appended without evicting anything, so reporting
// an eviction never costs the subscriber the event that survived it.
func (s *Subscription) enqueue(e core.Event) bool {
	s.mu.Lock()
	dropped := false
	if len(s.queue) >= s.capacity && e.Type != core.EventBusDropped {
		if idx := s.oldestDroppableIndex(); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
			dropped = true
		} else if e.Type.Droppable() {
			s.mu.Unlock()
			return true
		}
		// else: non-droppable incoming event with a queue full of
		// non-droppable entries — grow rather than lose it.
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) oldestDroppableIndex() int {
	for i, e := range s.queue {
		if e.Type.Droppable() {
			return i
		}
	}
	return -1
}

func (s *Subscription) popFront() (core.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return core.Event{}, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true
}

// pump drains the queue into out, one event at a time, preserving FIFO
// order, until the subscription is closed.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		if e, ok := s.popFront(); ok {
			select {
			case s.out <- e:
				continue
			case <-s.stopCh:
				return
			}
		}
		select {
		case <-s.notify:
		case <-s.stopCh:
			return
		}
	}
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.stopCh) })
}
