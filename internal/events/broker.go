package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberBuffer = 256

// Sink receives every published event after local fan-out. Publish must not
// block the caller.
type Sink interface {
	Publish(ctx context.Context, e Event)
}

// Observer is notified of deliveries and drops, typically for metrics.
type Observer interface {
	Published(e Event)
	Dropped(e Event)
}

// Option configures a Broker.
type Option func(*Broker)

// WithSink adds a sink that receives every published event.
func WithSink(s Sink) Option {
	return func(b *Broker) {
		if s != nil {
			b.sinks = append(b.sinks, s)
		}
	}
}

func WithObserver(o Observer) Option {
	return func(b *Broker) { b.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// Broker fans events out to per-workflow subscribers.
type Broker struct {
	mu       sync.Mutex
	subs     map[uuid.UUID]map[*Subscription]struct{}
	seq      map[uuid.UUID]uint64
	sinks    []Sink
	observer Observer
	now      func() time.Time
}

// NewBroker returns a Broker with no subscribers.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		subs: make(map[uuid.UUID]map[*Subscription]struct{}),
		seq:  make(map[uuid.UUID]uint64),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription receives one workflow's events on C until Close.
type Subscription struct {
	C          <-chan Event
	ch         chan Event
	workflowID uuid.UUID
	broker     *Broker
	once       sync.Once
}

// Subscribe attaches to a workflow's stream. Events published before the
// call are not replayed.
func (b *Broker) Subscribe(workflowID uuid.UUID) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, workflowID: workflowID, broker: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[workflowID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[workflowID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Close detaches the subscription and closes its channel. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[s.workflowID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.workflowID)
			}
		}
		close(s.ch)
	})
}

// Publish stamps the event and delivers it to the workflow's subscribers.
// A subscriber whose buffer is full misses the event rather than stalling
// the workflow.
func (b *Broker) Publish(e Event) Event {
	b.mu.Lock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}
	b.seq[e.WorkflowID]++
	e.Sequence = b.seq[e.WorkflowID]
	for sub := range b.subs[e.WorkflowID] {
		select {
		case sub.ch <- e:
			if b.observer != nil {
				b.observer.Published(e)
			}
		default:
			if b.observer != nil {
				b.observer.Dropped(e)
			}
		}
	}
	for _, s := range b.sinks {
		s.Publish(context.Background(), e)
	}
	b.mu.Unlock()
	return e
}

// Forget drops the workflow's sequence counter. Later events for the
// workflow start a new sequence at 1.
func (b *Broker) Forget(workflowID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.seq, workflowID)
}

// Subscribers reports how many subscribers a workflow currently has.
func (b *Broker) Subscribers(workflowID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[workflowID])
}
