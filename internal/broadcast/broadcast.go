// Package broadcast fans update events out to any number of subscribers,
// each with its own ordered queue.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/fixbridge/internal/gps"
)

// EventName is the name every update carries on the wire.
const EventName = "update"

// DefaultBacklog caps how many undelivered events one subscriber may hold.
const DefaultBacklog = 1 << 16

var (
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("subscription closed")
	// ErrSlowConsumer is returned by Next when the backlog overflowed. The
	// subscription is dead; resubscribe to get a fresh replay.
	ErrSlowConsumer = errors.New("subscriber backlog overflow")
)

// Event announces a newly accepted fix.
type Event struct {
	Seq     uint64 // 0 for replay events
	Triplet gps.Triplet
	Time    time.Time // acceptance time
	Replay  bool
}

// MarshalJSON encodes {"event":"update","data":[lat,lon,alt],"time":iso}.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Event  string      `json:"event"`
		Data   gps.Triplet `json:"data"`
		Time   string      `json:"time"`
		Replay bool        `json:"replay,omitempty"`
	}{EventName, e.Triplet, e.Time.UTC().Format(time.RFC3339Nano), e.Replay})
}

// ReplayFunc reconstructs the current state as an event. It is called while
// the broadcaster lock is held and must not block.
type ReplayFunc func() (Event, bool)

// Broadcaster delivers every published event to every live subscriber in
// publish order.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	replay  ReplayFunc
	backlog int
	seq     uint64
}

// New returns a Broadcaster. replay may be nil; backlog <= 0 selects
// DefaultBacklog.
func New(replay ReplayFunc, backlog int) *Broadcaster {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Broadcaster{
		subs:    make(map[*Subscription]struct{}),
		replay:  replay,
		backlog: backlog,
	}
}

// Publish enqueues ev for every subscriber. It never waits on consumers.
func (b *Broadcaster) Publish(ev Event) {
	b.Commit(nil, ev)
}

// Commit runs apply and publishes ev as one step with respect to Subscribe,
// so a new subscriber either replays the state apply produced or receives
// ev, never both and never neither.
func (b *Broadcaster) Commit(apply func(), ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if apply != nil {
		apply()
	}
	b.seq++
	ev.Seq = b.seq
	ev.Replay = false
	for sub := range b.subs {
		if !sub.push(ev) {
			delete(b.subs, sub)
			log.Printf("[stream] subscriber %s dropped: backlog of %d exceeded", sub.ID, b.backlog)
		}
	}
}

// Subscribe registers a new subscriber. If the replay func reports current
// state, it is queued first.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		ID:      uuid.NewString(),
		b:       b,
		limit:   b.backlog,
		pending: make([]Event, 0, 4),
		notify:  make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.replay != nil {
		if ev, ok := b.replay(); ok {
			ev.Seq = 0
			ev.Replay = true
			sub.push(ev)
		}
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Len returns the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscription is one consumer's ordered view of the event stream.
type Subscription struct {
	ID string

	b      *Broadcaster
	limit  int
	notify chan struct{}

	mu      sync.Mutex
	pending []Event
	err     error
}

// push queues ev; false means the subscription died of overflow.
func (s *Subscription) push(ev Event) bool {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return false
	}
	if len(s.pending) >= s.limit {
		s.pending = nil
		s.err = ErrSlowConsumer
		s.mu.Unlock()
		s.wake()
		return false
	}
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	s.wake()
	return true
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, ctx is done, or the
// subscription ends.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending[0] = Event{}
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return ev, nil
		}
		err := s.err
		s.mu.Unlock()
		if err != nil {
			return Event{}, err
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Pending returns the number of queued, undelivered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close unregisters the subscription. Queued events are discarded.
func (s *Subscription) Close() {
	s.b.remove(s)
	s.mu.Lock()
	if s.err == nil {
		s.err = ErrClosed
	}
	s.pending = nil
	s.mu.Unlock()
	s.wake()
}
