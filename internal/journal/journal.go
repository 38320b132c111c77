package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"exchange/internal/bus"
	"exchange/internal/codec"
	"exchange/internal/obs"
	"exchange/internal/schema"
	"exchange/internal/sequence"
)

// WAL is the durable append target, normally a *recorder.Writer.
type WAL interface {
	Append(ctx context.Context, header schema.EventHeader, payload []byte) error
}

// Publisher receives every sequenced event after it is stored, normally a *bus.Bus.
type Publisher interface {
	Publish(e bus.Event)
}

// Journal is the single point where events get their global sequence number.
// Stamping, history append, WAL append and publication happen under one lock, so every consumer
// observes the same order.
type Journal struct {
	mu      sync.Mutex
	seq     *sequence.Sequencer
	store   Store
	wal     WAL
	pub     Publisher
	metrics *obs.Metrics
	now     func() int64
}

// Option configures a Journal.
type Option func(*Journal)

// WithWAL appends every event to w.
func WithWAL(w WAL) Option {
	return func(j *Journal) { j.wal = w }
}

// WithPublisher fans every event out to p.
func WithPublisher(p Publisher) Option {
	return func(j *Journal) { j.pub = p }
}

// WithMetrics counts events and append failures.
func WithMetrics(m *obs.Metrics) Option {
	return func(j *Journal) { j.metrics = m }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() int64) Option {
	return func(j *Journal) {
		if now != nil {
			j.now = now
		}
	}
}

// New creates a journal stamping from seq into store.
func New(seq *sequence.Sequencer, store Store, opts ...Option) *Journal {
	j := &Journal{
		seq:   seq,
		store: store,
		now:   func() int64 { return time.Now().UTC().UnixNano() },
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Emit stamps payloads with consecutive sequence numbers and hands them on in order. Every
// header carries trace. A payload that cannot be encoded fails the whole set before any
// sequence is taken.
func (j *Journal) Emit(instrument schema.InstrumentID, trace uint64, payloads []schema.Payload) ([]uint64, error) {
	encoded := make([][]byte, len(payloads))
	for i, p := range payloads {
		payload, err := codec.Encode(nil, p)
		if err != nil {
			logs.Errorf("encode %s for instrument %d, err: %+v", p.EventType(), instrument, err)
			return nil, fmt.Errorf("encode event %d of %d: %w", i+1, len(payloads), err)
		}
		encoded[i] = payload
	}

	seqs := make([]uint64, len(payloads))
	ctx := context.Background()

	j.mu.Lock()
	defer j.mu.Unlock()

	ts := j.now()
	for i, p := range payloads {
		header := schema.NewHeader(p.EventType(), uint16(instrument), j.seq.Next(), ts, ts)
		header.TraceID = trace
		seqs[i] = header.Seq
		if t, ok := p.(schema.Trade); ok {
			t.Seq = header.Seq
			p = t
		} else if d, ok := p.(schema.BookDelta); ok {
			d.Seq = header.Seq
			p = d
		}
		e := bus.Event{Header: header, Payload: encoded[i], Body: p}

		if err := j.store.Append(e); err != nil {
			j.metrics.IncStoreError()
			logs.Errorf("history append seq %d, err: %+v", header.Seq, err)
		}
		if j.wal != nil {
			if err := j.wal.Append(ctx, header, encoded[i]); err != nil {
				j.metrics.IncWALError()
				logs.Errorf("wal append seq %d, err: %+v", header.Seq, err)
			}
		}
		if j.pub != nil {
			j.pub.Publish(e)
		}
		j.metrics.ObserveEvent(header)
	}
	return seqs, nil
}

// Last returns the last sequence handed out.
func (j *Journal) Last() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq.Current()
}

// Replay streams stored events from seq from up to the last sequence at call time.
func (j *Journal) Replay(ctx context.Context, from uint64, fn func(bus.Event) error) error {
	to := j.Last()
	if from == 0 {
		from = 1
	}
	if from > to {
		return nil
	}
	next := from
	err := j.store.Scan(from, to, func(e bus.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Header.Seq != next {
			return fmt.Errorf("%w: want seq %d, history has %d", ErrTruncated, next, e.Header.Seq)
		}
		next++
		return fn(e)
	})
	if err != nil {
		return err
	}
	if next <= to {
		return fmt.Errorf("%w: history ends before seq %d", ErrTruncated, to)
	}
	return nil
}

// Store returns the underlying history store.
func (j *Journal) Store() Store {
	return j.store
}
