// Package events is the in-process lifecycle event channel. Every subscriber
// owns an unbounded queue, so publishers never block and nothing is dropped
// while the subscription is open.
package events

import (
	"sync"
	"time"

	"github.com/shehryarbajwa/browserbase-geo/internal/metrics"
)

// Name identifies an event kind
type Name string

const (
	RegionHealthChanged    Name = "region:health-changed"
	RegionEvacuating       Name = "region:evacuating"
	RegionEvacuated        Name = "region:evacuated"
	SessionRegistered      Name = "session:registered"
	SessionMigrating       Name = "session:migrating"
	SessionMigrated        Name = "session:migrated"
	SessionMigrationFailed Name = "session:migration-failed"
	SessionTerminated      Name = "session:terminated"
)

// Event is a single lifecycle notification
type Event struct {
	Name      Name           `json:"name"`
	SessionID string         `json:"sessionId,omitempty"`
	RegionID  string         `json:"regionId,omitempty"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}

// Key returns the id events of the same entity are grouped under
func (e Event) Key() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.RegionID
}

// Publisher is the narrow side of the bus that producers depend on
type Publisher interface {
	Publish(e Event)
}

// Bus fans events out to subscribers
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]struct{}),
	}
}

// Publish enqueues e for every current subscriber. It never blocks on slow consumers.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	metrics.EventsPublished.WithLabelValues(string(e.Name)).Inc()

	for s := range b.subs {
		s.enqueue(e)
	}
}

// Subscribe registers a new subscriber. buffer sizes the delivery channel only;
// the queue behind it is unbounded.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	s := &Subscription{
		bus:     b,
		out:     make(chan Event, buffer),
		notify:  make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.stop()
		close(s.out)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.drain()
	return s
}

// Len returns the number of open subscriptions
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription once it has delivered what is already queued.
// Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for s := range subs {
		s.finish()
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription receives events in publish order on C()
type Subscription struct {
	bus     *Bus
	out     chan Event
	notify  chan struct{}
	closing chan struct{}
	done    chan struct{}

	mu         sync.Mutex
	queue      []Event
	stopOnce   sync.Once
	finishOnce sync.Once
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Close unsubscribes. Events still queued are discarded.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.stop()
}

func (s *Subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// finish lets drain deliver the remaining queue before closing C()
func (s *Subscription) finish() {
	s.finishOnce.Do(func() { close(s.closing) })
}

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) drain() {
	defer close(s.out)

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, e := range batch {
			select {
			case s.out <- e:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.closing:
			s.mu.Lock()
			empty := len(s.queue) == 0
			s.mu.Unlock()
			if empty {
				return
			}
		case <-s.done:
			return
		}
	}
}
