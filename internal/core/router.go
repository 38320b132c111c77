package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"exchange/internal/book"
	"exchange/internal/matching"
	"exchange/internal/obs"
	"exchange/internal/schema"
	"exchange/internal/state"
)

const defaultQueueSize = 1024

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrOverloaded        = errors.New("instrument queue overloaded")
	ErrStopped           = errors.New("router stopped")
)

// Emitter stamps and forwards engine events, normally a *journal.Journal.
type Emitter interface {
	matching.Emitter
	Last() uint64
}

// Config controls the router.
type Config struct {
	QueueSize int
	Policy    matching.Policy
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics counts halts.
func WithMetrics(m *obs.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithRecovered starts every engine from the rebuilt books.
func WithRecovered(rb *state.Rebuilder) Option {
	return func(r *Router) { r.recovered = rb }
}

// WithClock overrides the trade timestamp source of every engine.
func WithClock(now func() int64) Option {
	return func(r *Router) { r.now = now }
}

// Router dispatches commands to the per-instrument shards.
type Router struct {
	cfg       Config
	registry  *schema.Registry
	emitter   Emitter
	metrics   *obs.Metrics
	recovered *state.Rebuilder
	now       func() int64

	shards  map[schema.InstrumentID]*Shard
	done    chan struct{}
	stopped sync.Once
}

// NewRouter creates one shard per registered instrument.
func NewRouter(cfg Config, registry *schema.Registry, emitter Emitter, opts ...Option) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	r := &Router{
		cfg:      cfg,
		registry: registry,
		emitter:  emitter,
		shards:   make(map[schema.InstrumentID]*Shard),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, inst := range registry.Instruments() {
		engOpts := []matching.Option{
			matching.WithPolicy(cfg.Policy),
			matching.WithAlarm(r.alarm),
		}
		if r.now != nil {
			engOpts = append(engOpts, matching.WithClock(r.now))
		}
		engine := matching.New(inst.ID, emitter, engOpts...)
		if r.recovered != nil {
			engine.Restore(r.recovered.Book(inst.ID))
			if r.recovered.Halted(inst.ID) {
				registry.SetStatus(inst.ID, schema.TradingStatusHalted)
			}
		}
		r.shards[inst.ID] = newShard(inst.ID, engine, cfg.QueueSize, emitter.Last)
	}
	return r
}

// Run runs every shard until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	defer r.stopped.Do(func() { close(r.done) })

	eg, ctx := errgroup.WithContext(ctx)
	for _, shard := range r.shards {
		shard := shard
		eg.Go(func() error {
			return shard.Run(ctx)
		})
	}
	logs.Infof("router started with %d shards", len(r.shards))
	return eg.Wait()
}

// Shard returns the shard of an instrument.
func (r *Router) Shard(id schema.InstrumentID) (*Shard, bool) {
	s, ok := r.shards[id]
	return s, ok
}

// Submit matches a new order on its instrument's shard.
func (r *Router) Submit(ctx context.Context, o *book.Order) (matching.Outcome, error) {
	res, err := r.do(ctx, o.Instrument, command{kind: cmdSubmit, order: o})
	return res.outcome, err
}

// Cancel removes a resting order.
func (r *Router) Cancel(ctx context.Context, instrument schema.InstrumentID, req matching.CancelRequest) (matching.CancelOutcome, error) {
	res, err := r.do(ctx, instrument, command{kind: cmdCancel, cancel: req})
	return res.cancel, err
}

// Modify replaces a resting order.
func (r *Router) Modify(ctx context.Context, instrument schema.InstrumentID, req matching.ModifyRequest) (matching.Outcome, error) {
	res, err := r.do(ctx, instrument, command{kind: cmdModify, modify: req})
	return res.outcome, err
}

// Expire cancels the instrument's resting day orders.
func (r *Router) Expire(ctx context.Context, instrument schema.InstrumentID) (int, error) {
	res, err := r.do(ctx, instrument, command{kind: cmdExpire})
	return res.expired, err
}

// Snapshot captures the instrument's book from inside its shard.
func (r *Router) Snapshot(ctx context.Context, instrument schema.InstrumentID) (state.BookSnapshot, error) {
	res, err := r.do(ctx, instrument, command{kind: cmdSnapshot})
	return res.snapshot, err
}

// do enqueues cmd and waits for the shard's reply. A queue that stays full until ctx is done
// reports ErrOverloaded; a command is never dropped once enqueued.
func (r *Router) do(ctx context.Context, instrument schema.InstrumentID, cmd command) (result, error) {
	shard, ok := r.shards[instrument]
	if !ok {
		return result{}, ErrUnknownInstrument
	}
	cmd.reply = make(chan result, 1)

	select {
	case shard.cmds <- cmd:
	case <-r.done:
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, fmt.Errorf("%w: %d pending: %v", ErrOverloaded, shard.Pending(), ctx.Err())
	}

	select {
	case res := <-cmd.reply:
		return res, nil
	case <-r.done:
		return result{}, ErrStopped
	}
}

func (r *Router) alarm(instrument schema.InstrumentID, err error) {
	r.registry.SetStatus(instrument, schema.TradingStatusHalted)
	r.metrics.IncHalt()
	logs.Errorf("instrument %d halted, err: %+v", instrument, err)
}
