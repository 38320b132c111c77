package bus

import (
	"context"
	"errors"
	"sync"

	"exchange/internal/codec"
	"exchange/internal/schema"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Event is the unit passed through the in-memory bus.
// Payload is the encoded body; Body is the same body decoded.
type Event struct {
	Header  schema.EventHeader
	Payload []byte
	Body    schema.Payload
}

// GapEvent builds the unsequenced marker for evicted sequences from..to.
func GapEvent(from, to uint64) Event {
	gap := schema.Gap{From: from, To: to}
	return Event{
		Header:  schema.NewHeader(schema.EventGap, 0, 0, 0, 0),
		Payload: codec.EncodeGap(nil, gap),
		Body:    gap,
	}
}

// Queue is a bounded FIFO of events. Publishing never blocks.
type Queue struct {
	mu     sync.Mutex
	buf    []Event
	head   int
	size   int
	closed bool
	notify chan struct{}
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		buf:    make([]Event, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// TryPublish enqueues an event without blocking.
func (q *Queue) TryPublish(e Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.size == len(q.buf) {
		return ErrQueueFull
	}
	q.push(e)
	return nil
}

// PublishDropOldest enqueues e, evicting the oldest events when full. Evicted sequences are
// folded into a gap marker at the head of the queue. It returns the number of evicted events.
func (q *Queue) PublishDropOldest(e Event) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrQueueClosed
	}
	if q.size < len(q.buf) {
		q.push(e)
		return 0, nil
	}
	if len(q.buf) < 2 {
		return 0, ErrQueueFull
	}

	// Two slots are freed: one for the marker, one for e. A marker already at the head is merged.
	var (
		from, to uint64
		evicted  int
	)
	for i := 0; i < 2; i++ {
		old := q.pop()
		lo, hi := old.Header.Seq, old.Header.Seq
		if gap, ok := old.Body.(schema.Gap); ok {
			lo, hi = gap.From, gap.To
		} else {
			evicted++
		}
		if from == 0 || lo < from {
			from = lo
		}
		if hi > to {
			to = hi
		}
	}
	q.pushFront(GapEvent(from, to))
	q.push(e)
	return evicted, nil
}

// Close stops the queue from accepting new events. Queued events can still be consumed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signal()
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Next blocks until an event is available, the queue is closed and drained, or ctx is done.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			e := q.pop()
			q.mu.Unlock()
			return e, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Event{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// TryNext pops the next event without waiting.
func (q *Queue) TryNext() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return Event{}, false
	}
	return q.pop(), true
}

// Run consumes events until the context is done or the queue is closed.
func (q *Queue) Run(ctx context.Context, handler func(Event)) {
	for {
		e, err := q.Next(ctx)
		if err != nil {
			return
		}
		handler(e)
	}
}

func (q *Queue) push(e Event) {
	q.buf[(q.head+q.size)%len(q.buf)] = e
	q.size++
	q.signal()
}

func (q *Queue) pushFront(e Event) {
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = e
	q.size++
	q.signal()
}

func (q *Queue) pop() Event {
	e := q.buf[q.head]
	q.buf[q.head] = Event{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return e
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
