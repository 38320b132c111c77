package chaos

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"exchange/internal/bus"
)

// Config controls fault injection on an event stream.
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	ReorderWindow int
	MaxDelay      time.Duration
}

// Engine drops, duplicates, reorders and delays bus events. It is not safe for concurrent use.
type Engine struct {
	cfg     Config
	rng     *rand.Rand
	pending []bus.Event

	dropped    int
	duplicated int
}

// NewEngine validates cfg. A reorder window below one means no reordering, a zero seed
// uses the clock.
func NewEngine(cfg Config) (*Engine, error) {
	cfg.ReorderWindow = max(cfg.ReorderWindow, 1)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Engine{cfg: cfg, rng: rand.New(rand.NewSource(seed))}, nil
}

// Validate reports the first out of range knob.
func (c Config) Validate() error {
	rate := func(v float64) bool { return v >= 0 && v <= 1 }
	for _, check := range []struct {
		ok   bool
		name string
		val  any
	}{
		{rate(c.DropRate), "drop rate", c.DropRate},
		{rate(c.DuplicateRate), "duplicate rate", c.DuplicateRate},
		{c.ReorderWindow >= 1, "reorder window", c.ReorderWindow},
		{c.MaxDelay >= 0, "max delay", c.MaxDelay},
	} {
		if !check.ok {
			return fmt.Errorf("chaos: %s out of range: %v", check.name, check.val)
		}
	}
	return nil
}

// Process takes one event and returns what is delivered now, possibly nothing.
// With a reorder window of n, delivery starts once n events are buffered.
func (e *Engine) Process(ev bus.Event) []bus.Event {
	if e == nil {
		return []bus.Event{ev}
	}
	if e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate {
		e.dropped++
		return nil
	}
	ev = e.delay(ev)
	if e.cfg.ReorderWindow <= 1 {
		return e.duplicate(ev)
	}
	e.pending = append(e.pending, ev)
	if len(e.pending) < e.cfg.ReorderWindow {
		return nil
	}
	return e.duplicate(e.take())
}

// Flush drains the reorder buffer in random order.
func (e *Engine) Flush() []bus.Event {
	if e == nil || len(e.pending) == 0 {
		return nil
	}
	out := make([]bus.Event, 0, len(e.pending))
	for len(e.pending) > 0 {
		out = append(out, e.duplicate(e.take())...)
	}
	return out
}

// Dropped returns how many events were dropped so far.
func (e *Engine) Dropped() int { return e.dropped }

// Duplicated returns how many extra copies were delivered so far.
func (e *Engine) Duplicated() int { return e.duplicated }

// Pipe reads sub through the engine into fn until the subscription closes or ctx is done.
// Buffered events are flushed when the subscription closes.
func (e *Engine) Pipe(ctx context.Context, sub *bus.Subscription, fn func(context.Context, bus.Event) error) error {
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, bus.ErrQueueClosed) {
			return deliver(ctx, e.Flush(), fn)
		}
		if err != nil {
			return err
		}
		if err := deliver(ctx, e.Process(ev), fn); err != nil {
			return err
		}
	}
}

func deliver(ctx context.Context, events []bus.Event, fn func(context.Context, bus.Event) error) error {
	for _, ev := range events {
		if err := fn(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// take removes a random buffered event.
func (e *Engine) take() bus.Event {
	last := len(e.pending) - 1
	i := e.rng.Intn(last + 1)
	ev := e.pending[i]
	e.pending[i] = e.pending[last]
	e.pending = e.pending[:last]
	return ev
}

func (e *Engine) duplicate(ev bus.Event) []bus.Event {
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		e.duplicated++
		return []bus.Event{ev, ev}
	}
	return []bus.Event{ev}
}

// delay pushes the receive timestamp back; sequence numbers are untouched.
func (e *Engine) delay(ev bus.Event) bus.Event {
	if e.cfg.MaxDelay <= 0 {
		return ev
	}
	d := e.rng.Int63n(int64(e.cfg.MaxDelay) + 1)
	base := ev.Header.TsRecv
	if base == 0 {
		base = ev.Header.TsEvent
	}
	ev.Header.TsRecv = base + d
	return ev
}
