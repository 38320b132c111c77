package core

import (
	"context"

	"exchange/internal/book"
	"exchange/internal/matching"
	"exchange/internal/schema"
	"exchange/internal/state"
)

type commandKind uint8

const (
	cmdSubmit commandKind = iota + 1
	cmdCancel
	cmdModify
	cmdExpire
	cmdSnapshot
)

type command struct {
	kind   commandKind
	order  *book.Order
	cancel matching.CancelRequest
	modify matching.ModifyRequest
	reply  chan result
}

type result struct {
	outcome  matching.Outcome
	cancel   matching.CancelOutcome
	snapshot state.BookSnapshot
	expired  int
}

// Shard owns one instrument's engine. Only its goroutine touches the book.
type Shard struct {
	id     schema.InstrumentID
	engine *matching.Engine
	cmds   chan command
	last   func() uint64
}

func newShard(id schema.InstrumentID, engine *matching.Engine, queueSize int, last func() uint64) *Shard {
	return &Shard{
		id:     id,
		engine: engine,
		cmds:   make(chan command, queueSize),
		last:   last,
	}
}

// Instrument returns the shard's instrument.
func (s *Shard) Instrument() schema.InstrumentID {
	return s.id
}

// Pending returns the number of queued commands.
func (s *Shard) Pending() int {
	return len(s.cmds)
}

// Run processes commands in arrival order until ctx is done.
func (s *Shard) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.cmds:
			cmd.reply <- s.handle(cmd)
		}
	}
}

func (s *Shard) handle(cmd command) result {
	switch cmd.kind {
	case cmdSubmit:
		return result{outcome: s.engine.Submit(cmd.order)}
	case cmdCancel:
		return result{cancel: s.engine.Cancel(cmd.cancel)}
	case cmdModify:
		return result{outcome: s.engine.Modify(cmd.modify)}
	case cmdExpire:
		return result{expired: s.engine.ExpireDay()}
	case cmdSnapshot:
		// no event of this instrument can be in flight while its actor is here
		snap := state.CaptureBook(s.engine.Book(), s.last())
		snap.Halted = s.engine.Halted()
		return result{snapshot: snap}
	default:
		return result{}
	}
}
