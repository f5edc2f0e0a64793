// Package watch fans committed listing changes out to subscribed viewers as
// ordered delta streams.
package watch

import (
	"sync"

	"github.com/google/uuid"

	"replateo/listing"
)

// Filter selects which listings a viewer observes. Zero-valued fields match
// everything.
type Filter struct {
	OwnerID    string
	ClaimantID string
	Kind       listing.Kind
	Category   string
}

// Matches reports whether the listing falls inside the filter.
func (f Filter) Matches(l listing.Listing) bool {
	if f.OwnerID != "" && l.OwnerID != f.OwnerID {
		return false
	}
	if f.ClaimantID != "" && (l.ClaimantID == nil || *l.ClaimantID != f.ClaimantID) {
		return false
	}
	if f.Kind != "" && l.Kind != f.Kind {
		return false
	}
	if f.Category != "" && l.Category != f.Category {
		return false
	}
	return true
}

// Event is one delta delivered to a subscriber. Seq is assigned in commit
// order; deltas for the same listing always arrive in Seq order, while no
// ordering holds across distinct listings for different subscribers.
type Event struct {
	Seq     uint64
	Type    listing.ChangeType
	Listing listing.Listing
}

// Broker distributes listing changes to active subscriptions. Publish never
// blocks on a slow viewer: each subscription drains its own queue.
type Broker struct {
	mu   sync.Mutex
	seq  uint64
	subs map[string]*Subscription
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]*Subscription)}
}

// Publish satisfies listing.Notifier. It enqueues the change for every
// matching subscription and returns without waiting for delivery.
func (b *Broker) Publish(ch listing.Change) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{Seq: b.seq, Type: ch.Type, Listing: ch.Listing}
	for _, sub := range b.subs {
		if sub.filter.Matches(ch.Listing) {
			sub.enqueue(ev)
		}
	}
}

// Subscribe registers a viewer. The returned subscription delivers matching
// events in publish order on Events() until Cancel is called.
func (b *Broker) Subscribe(f Filter) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		filter: f,
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	sub.detach = func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.drain()
	return sub
}

// Subscribers reports the number of active subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscription is one viewer's delta stream. It is meant for a single
// consuming goroutine, the same one that eventually calls Cancel.
type Subscription struct {
	id     string
	filter Filter
	detach func()

	mu     sync.Mutex
	queue  []Event
	closed bool

	out  chan Event
	wake chan struct{}
	done chan struct{}
}

// Events returns the ordered delta stream. The channel closes after Cancel.
func (s *Subscription) Events() <-chan Event { return s.out }

// Cancel detaches the subscription. After it returns no further event is
// enqueued, pending undelivered events are discarded (including one already
// offered on the Events channel), and the drain goroutine is released. The
// no-delivery-after-return guarantee holds under the single-consumer
// contract: a second goroutine blocked on Events while Cancel runs may still
// win the in-flight delivery. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.detach()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	s.mu.Unlock()

	// The drain goroutine may already be offering an event on out. Absorb
	// it so a receiver arriving after Cancel only observes the close.
	select {
	case <-s.out:
	default:
	}
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Subscription) drain() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
