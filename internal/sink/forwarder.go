package sink

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/yanun0323/logs"

	"exchange/internal/bus"
	"exchange/internal/journal"
	"exchange/internal/obs"
	"exchange/internal/schema"
)

const (
	defaultBatchSize = 256
	defaultCapacity  = 4096
)

// History replays sequenced events, normally a *journal.Journal.
type History interface {
	Replay(ctx context.Context, from uint64, fn func(bus.Event) error) error
	Last() uint64
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithBatchSize caps the number of events per Write.
func WithBatchSize(n int) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.batchSize = n
		}
	}
}

// WithCapacity sets the bus queue capacity.
func WithCapacity(n int) ForwarderOption {
	return func(f *Forwarder) {
		if n > 0 {
			f.capacity = n
		}
	}
}

// WithStartSeq makes the forwarder deliver everything after seq. Without it the forwarder resumes
// from the sink when it is a Resumer, or starts live.
func WithStartSeq(seq uint64) ForwarderOption {
	return func(f *Forwarder) {
		f.start = &seq
	}
}

// WithBackOff replaces the retry policy factory.
func WithBackOff(fn func() backoff.BackOff) ForwarderOption {
	return func(f *Forwarder) {
		f.newBackOff = fn
	}
}

// WithForwarderMetrics counts writes and retries.
func WithForwarderMetrics(m *obs.Metrics) ForwarderOption {
	return func(f *Forwarder) {
		f.metrics = m
	}
}

// Forwarder delivers the sequenced stream to a Sink without loss or reordering. Bus gaps and
// stale subscriptions are filled from History; failed writes are retried until ctx is done.
type Forwarder struct {
	name    string
	bus     *bus.Bus
	history History
	sink    Sink

	batchSize  int
	capacity   int
	start      *uint64
	newBackOff func() backoff.BackOff
	metrics    *obs.Metrics

	// last is owned by the Run goroutine; forwarded mirrors it for readers.
	last      uint64
	forwarded atomic.Uint64
}

// NewForwarder creates a forwarder subscribing to b as name.
func NewForwarder(name string, b *bus.Bus, history History, sink Sink, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		name:       name,
		bus:        b,
		history:    history,
		sink:       sink,
		batchSize:  defaultBatchSize,
		capacity:   defaultCapacity,
		newBackOff: defaultBackOff,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// LastSeq returns the last sequence handed to the sink.
func (f *Forwarder) LastSeq() uint64 {
	return f.forwarded.Load()
}

func (f *Forwarder) advance(seq uint64) {
	f.last = seq
	f.forwarded.Store(seq)
}

// Run forwards until ctx is done. It closes the sink on return.
func (f *Forwarder) Run(ctx context.Context) error {
	defer func() {
		if err := f.sink.Close(); err != nil {
			logs.Errorf("close sink %s, err: %+v", f.name, err)
		}
	}()

	if err := f.resume(ctx); err != nil {
		return err
	}
	logs.Infof("sink %s forwarding after seq %d", f.name, f.last)

	for {
		sub, err := f.bus.Subscribe(f.name, f.capacity, bus.PolicyMarkStale)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", f.name, err)
		}
		if err := f.catchUp(ctx); err != nil {
			sub.Close()
			return ignoreCanceled(err)
		}

		err = f.consume(ctx, sub)
		sub.Close()
		if errors.Is(err, bus.ErrStale) {
			logs.Infof("sink %s went stale at seq %d, resubscribing", f.name, f.last)
			continue
		}
		return ignoreCanceled(err)
	}
}

func (f *Forwarder) resume(ctx context.Context) error {
	switch {
	case f.start != nil:
		f.advance(*f.start)
	default:
		if r, ok := f.sink.(Resumer); ok {
			last, err := r.LastSeq(ctx)
			if err != nil {
				return err
			}
			f.advance(last)
			return nil
		}
		f.advance(f.history.Last())
	}
	return nil
}

func (f *Forwarder) consume(ctx context.Context, sub *bus.Subscription) error {
	batch := make([]bus.Event, 0, f.batchSize)
	for {
		e, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrQueueClosed) {
				return nil
			}
			return err
		}

		batch = batch[:0]
		gap := false
		for {
			switch {
			case e.Header.Type == schema.EventGap:
				gap = true
			case e.Header.Seq <= f.last:
			case e.Header.Seq != f.last+uint64(len(batch))+1:
				gap = true
			default:
				batch = append(batch, e)
			}
			if gap || len(batch) == f.batchSize {
				break
			}
			next, ok := sub.TryNext()
			if !ok {
				break
			}
			e = next
		}

		if err := f.write(ctx, batch); err != nil {
			return err
		}
		if gap {
			if err := f.catchUp(ctx); err != nil {
				return err
			}
		}
	}
}

// catchUp writes everything in history after the last forwarded sequence.
func (f *Forwarder) catchUp(ctx context.Context) error {
	from := f.last + 1
	batch := make([]bus.Event, 0, f.batchSize)
	err := f.history.Replay(ctx, from, func(e bus.Event) error {
		if e.Header.Seq <= f.last {
			return nil
		}
		batch = append(batch, e)
		if len(batch) < f.batchSize {
			return nil
		}
		err := f.write(ctx, batch)
		batch = batch[:0]
		return err
	})
	if errors.Is(err, journal.ErrTruncated) {
		last := f.history.Last()
		logs.Errorf("sink %s lost seq %d..%d to history retention, err: %+v", f.name, from, last, err)
		f.advance(last)
		return nil
	}
	if err != nil {
		return err
	}
	return f.write(ctx, batch)
}

func (f *Forwarder) write(ctx context.Context, batch []bus.Event) error {
	if len(batch) == 0 {
		return nil
	}
	op := func() error {
		return f.sink.Write(ctx, batch)
	}
	notify := func(err error, wait time.Duration) {
		f.metrics.IncSinkRetry()
		logs.Errorf("sink %s write seq %d..%d, retry in %s, err: %+v",
			f.name, batch[0].Header.Seq, batch[len(batch)-1].Header.Seq, wait, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(f.newBackOff(), ctx), notify); err != nil {
		return err
	}
	f.metrics.AddSinkWrites(len(batch))
	f.advance(batch[len(batch)-1].Header.Seq)
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
