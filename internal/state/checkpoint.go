package state

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"exchange/internal/bus"
	"exchange/internal/recorder"
)

// Checkpointer rebuilds engine state from the event stream on its own copy of the books and
// writes it to a snapshot file at most once per interval. Recovery then only replays the WAL
// written after the last checkpoint.
type Checkpointer struct {
	rb       *Rebuilder
	path     string
	interval time.Duration
	now      func() time.Time

	pruneDir    string
	prunePrefix string

	lastWrite time.Time
	applied   atomic.Uint64
	written   atomic.Uint64
	broken    error
}

// CheckpointOption configures a Checkpointer.
type CheckpointOption func(*Checkpointer)

// WithWALPrune removes WAL segments fully covered by each written checkpoint.
// A pruned WAL can no longer be replayed from an empty state.
func WithWALPrune(dir, prefix string) CheckpointOption {
	return func(c *Checkpointer) {
		c.pruneDir = dir
		c.prunePrefix = prefix
	}
}

// NewCheckpointer starts from seed, normally the snapshot of the recovered state.
func NewCheckpointer(path string, interval time.Duration, seed Snapshot, opts ...CheckpointOption) (*Checkpointer, error) {
	rb := NewRebuilder()
	if err := rb.Seed(seed); err != nil {
		return nil, err
	}
	c := &Checkpointer{
		rb:        rb,
		path:      path,
		interval:  interval,
		now:       time.Now,
		lastWrite: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.applied.Store(seed.LastSeq)
	c.written.Store(seed.LastSeq)
	return c, nil
}

// LastSeq reports the last applied sequence so a forwarder resumes right after it.
func (c *Checkpointer) LastSeq(context.Context) (uint64, error) {
	return c.rb.LastSeq(), nil
}

// Applied returns the last sequence folded into the checkpoint state. Safe for concurrent use.
func (c *Checkpointer) Applied() uint64 {
	return c.applied.Load()
}

// Written returns the sequence of the last snapshot written. Safe for concurrent use.
func (c *Checkpointer) Written() uint64 {
	return c.written.Load()
}

// Write applies events and checkpoints when the interval has passed. A rebuild failure stops
// checkpointing for good; the stream keeps flowing.
func (c *Checkpointer) Write(_ context.Context, events []bus.Event) error {
	if c.broken != nil {
		return nil
	}
	for _, e := range events {
		if err := c.rb.Apply(e.Header, e.Body); err != nil {
			c.broken = err
			logs.Errorf("checkpoint rebuild diverged at seq %d, checkpoints disabled, err: %+v", e.Header.Seq, err)
			return nil
		}
		c.applied.Store(e.Header.Seq)
	}
	if c.interval > 0 && c.now().Sub(c.lastWrite) >= c.interval {
		return c.Checkpoint()
	}
	return nil
}

// Checkpoint writes the current state if it moved since the last write.
func (c *Checkpointer) Checkpoint() error {
	if c.broken != nil {
		return c.broken
	}
	c.lastWrite = c.now()
	if c.rb.LastSeq() == c.written.Load() {
		return nil
	}
	snap := c.rb.Snapshot()
	if err := WriteSnapshot(c.path, snap); err != nil {
		return err
	}
	c.written.Store(snap.LastSeq)
	logs.Infof("checkpoint at seq %d written to %s", snap.LastSeq, c.path)

	if c.pruneDir != "" {
		removed, err := recorder.Prune(c.pruneDir, c.prunePrefix, snap.LastSeq)
		if err != nil {
			logs.Errorf("prune wal up to seq %d, err: %+v", snap.LastSeq, err)
		} else if removed > 0 {
			logs.Infof("pruned %d wal segments up to seq %d", removed, snap.LastSeq)
		}
	}
	return nil
}

// Close writes a final checkpoint.
func (c *Checkpointer) Close() error {
	return c.Checkpoint()
}
