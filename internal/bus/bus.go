package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"exchange/internal/obs"
)

var (
	ErrStale               = errors.New("subscription marked stale")
	ErrDuplicateSubscriber = errors.New("subscriber name already registered")
)

// Policy is the backpressure contract applied when a subscriber queue is full.
// Either way the publisher never blocks.
type Policy uint8

const (
	// PolicyDropOldest evicts the oldest events and leaves a gap marker in their place.
	PolicyDropOldest Policy = iota
	// PolicyMarkStale closes the subscription on the first overflow.
	PolicyMarkStale
)

func (p Policy) String() string {
	switch p {
	case PolicyDropOldest:
		return "drop-oldest"
	case PolicyMarkStale:
		return "mark-stale"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config value to a policy. Empty means drop-oldest.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "drop-oldest":
		return PolicyDropOldest, nil
	case "mark-stale":
		return PolicyMarkStale, nil
	default:
		return PolicyDropOldest, fmt.Errorf("unknown backpressure policy: %s", s)
	}
}

// Bus fans sequenced events out to independent subscriber queues.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]*Subscription
	metrics *obs.Metrics
}

// New creates an empty bus. metrics may be nil.
func New(metrics *obs.Metrics) *Bus {
	return &Bus{
		subs:    make(map[string]*Subscription),
		metrics: metrics,
	}
}

// Subscribe registers a named subscriber. Drop-oldest needs a capacity of at least 2.
func (b *Bus) Subscribe(name string, capacity int, policy Policy) (*Subscription, error) {
	if policy == PolicyDropOldest && capacity < 2 {
		capacity = 2
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[name]; ok {
		return nil, ErrDuplicateSubscriber
	}
	sub := &Subscription{
		name:   name,
		policy: policy,
		queue:  NewQueue(capacity),
		bus:    b,
	}
	b.subs[name] = sub
	return sub, nil
}

// Unsubscribe removes and closes the named subscriber.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	delete(b.subs, name)
	b.mu.Unlock()
	if ok {
		sub.queue.Close()
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	var stale []*Subscription
	b.mu.RLock()
	for _, sub := range b.subs {
		if !sub.offer(e) {
			stale = append(stale, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range stale {
		b.mu.Lock()
		if b.subs[sub.name] == sub {
			delete(b.subs, sub.name)
		}
		b.mu.Unlock()
	}
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.queue.Close()
	}
}

// Subscription is one subscriber's ordered view of the stream.
type Subscription struct {
	name    string
	policy  Policy
	queue   *Queue
	bus     *Bus
	stale   atomic.Bool
	dropped atomic.Uint64
}

// Name returns the registered subscriber name.
func (s *Subscription) Name() string {
	return s.name
}

// Stale reports whether the subscription overflowed under PolicyMarkStale.
func (s *Subscription) Stale() bool {
	return s.stale.Load()
}

// Dropped returns the number of events evicted under PolicyDropOldest.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Next returns the next event in sequence order. Gap markers are delivered in place of
// evicted events. A stale subscription returns ErrStale once its queue is drained.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	e, err := s.queue.Next(ctx)
	if errors.Is(err, ErrQueueClosed) && s.Stale() {
		return Event{}, ErrStale
	}
	return e, err
}

// TryNext returns the next queued event, if any, without waiting.
func (s *Subscription) TryNext() (Event, bool) {
	return s.queue.TryNext()
}

// Run calls handler for each event until ctx is done or the subscription ends.
func (s *Subscription) Run(ctx context.Context, handler func(Event)) error {
	for {
		e, err := s.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return nil
			}
			return err
		}
		handler(e)
	}
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.bus.Unsubscribe(s.name)
}

// offer enqueues e under the subscription policy. It returns false when the subscription went stale.
func (s *Subscription) offer(e Event) bool {
	switch s.policy {
	case PolicyMarkStale:
		err := s.queue.TryPublish(e)
		switch {
		case err == nil:
			return true
		case errors.Is(err, ErrQueueFull):
			if s.stale.CompareAndSwap(false, true) {
				s.bus.metrics.IncStale()
			}
			s.queue.Close()
			return false
		default:
			s.bus.metrics.IncQueueClosed()
			return true
		}
	default:
		n, err := s.queue.PublishDropOldest(e)
		if err != nil {
			s.bus.metrics.IncQueueClosed()
			return true
		}
		if n > 0 {
			s.dropped.Add(uint64(n))
			s.bus.metrics.IncQueueDrop(n)
		}
		return true
	}
}
