package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRingSize is the number of recent events kept for catchup.
	DefaultRingSize = 1000

	// DefaultQueueSize is the per-subscriber outbound queue bound.
	DefaultQueueSize = 256
)

// Sink receives events for one subscriber. DeliverEvent may block on I/O;
// the bus calls it from a dedicated per-subscriber goroutine and never while
// holding bus locks.
type Sink interface {
	DeliverEvent(Event)
}

// Subscription is the handle returned by Subscribe. One subscriber holds at
// most one subscription; patterns can be added and removed over its lifetime.
type Subscription struct {
	bus  *Bus
	sink Sink

	mu       sync.Mutex
	patterns []string
	queue    []Event
	dropped  bool
	closed   bool

	wake chan struct{}
	done chan struct{}
}

// Bus is the in-process event bus.
type Bus struct {
	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	ring      []Event
	ringSize  int
	queueSize int
}

// NewBus creates a bus with the given ring and per-subscriber queue bounds.
// Zero values select the defaults.
func NewBus(ringSize, queueSize int) *Bus {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[*Subscription]struct{}),
		ringSize:  ringSize,
		queueSize: queueSize,
	}
}

// Emit assigns the event an ID and timestamp, appends it to the ring, and
// queues it to every matching subscriber. Emit never blocks: overflowing
// subscribers lose their oldest pending events and get one EVENTS_DROPPED
// marker in their place.
func (b *Bus) Emit(eventType string, fields map[string]any) Event {
	evt := Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Type:      eventType,
		Fields:    fields,
	}

	b.mu.Lock()
	b.ring = append(b.ring, evt)
	if len(b.ring) > b.ringSize {
		b.ring = b.ring[len(b.ring)-b.ringSize:]
	}
	// Snapshot subscribers so enqueue happens without holding the bus lock.
	targets := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.offer(evt, b.queueSize)
	}
	return evt
}

// Subscribe registers a sink with an initial pattern set and starts its
// delivery goroutine.
func (b *Bus) Subscribe(sink Sink, patterns []string) *Subscription {
	sub := &Subscription{
		bus:      b,
		sink:     sink,
		patterns: append([]string(nil), patterns...),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.deliverLoop()
	return sub
}

// Unsubscribe removes the subscription and stops its delivery goroutine.
// Pending queued events are discarded. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()

	sub.mu.Lock()
	alreadyClosed := sub.closed
	sub.closed = true
	sub.queue = nil
	sub.mu.Unlock()

	if !alreadyClosed {
		close(sub.done)
	}
}

// History returns up to limit buffered events matching any of the patterns,
// oldest first. limit <= 0 means no limit.
func (b *Bus) History(patterns []string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, evt := range b.ring {
		if matchesAny(evt.Type, patterns) {
			out = append(out, evt)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// AddPatterns extends the subscription's pattern set.
func (s *Subscription) AddPatterns(patterns []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range patterns {
		if !containsPattern(s.patterns, p) {
			s.patterns = append(s.patterns, p)
		}
	}
}

// RemovePatterns removes patterns from the subscription's set.
func (s *Subscription) RemovePatterns(patterns []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.patterns[:0]
	for _, existing := range s.patterns {
		if !containsPattern(patterns, existing) {
			kept = append(kept, existing)
		}
	}
	s.patterns = kept
}

// Patterns returns a copy of the current pattern set.
func (s *Subscription) Patterns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.patterns...)
}

// offer enqueues one event if it matches the subscription's patterns,
// applying the overflow policy. A subscriber receives at most one copy per
// event regardless of pattern overlap.
func (s *Subscription) offer(evt Event, queueSize int) {
	s.mu.Lock()
	if s.closed || !matchesAny(evt.Type, s.patterns) {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= queueSize {
		// Drop oldest; remember to surface the gap exactly once.
		s.queue = s.queue[1:]
		s.dropped = true
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// deliverLoop drains the queue in emit order, calling the sink outside all
// locks. A pending drop marker is delivered before the next real event.
func (s *Subscription) deliverLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			evt, ok := s.next()
			if !ok {
				break
			}
			s.sink.DeliverEvent(evt)
		}

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
	}
}

// next pops the next deliverable event: a pending drop marker takes the
// place of the events it displaced.
func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Event{}, false
	}
	if s.dropped {
		s.dropped = false
		return Event{
			ID:        uuid.New().String(),
			Timestamp: time.Now(),
			Type:      TypeEventsDropped,
		}, true
	}
	if len(s.queue) > 0 {
		evt := s.queue[0]
		s.queue = s.queue[1:]
		return evt, true
	}
	return Event{}, false
}

func matchesAny(eventType string, patterns []string) bool {
	for _, p := range patterns {
		if MatchesPattern(eventType, p) {
			return true
		}
	}
	return false
}

func containsPattern(patterns []string, p string) bool {
	for _, existing := range patterns {
		if existing == p {
			return true
		}
	}
	return false
}
