package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/yanun0323/logs"

	"exchange/internal/book"
	"exchange/internal/bus"
	"exchange/internal/schema"
)

// LadderDepth is the number of levels per side in a Ladder.
const LadderDepth = 5

// Ladder is the top of book on both sides, best first.
type Ladder struct {
	Instrument schema.InstrumentID
	Seq        uint64
	Bids       []book.LevelView
	Asks       []book.LevelView
}

// Mirror keeps a subscriber-side replica of one instrument's aggregated book.
// A sequence discontinuity, a gap marker or a stale subscription triggers snapshot plus replay;
// redelivered sequences are ignored.
type Mirror struct {
	instrument schema.InstrumentID
	handler    *Handler

	mu         sync.RWMutex
	bids       *btree.BTreeG[book.LevelView]
	asks       *btree.BTreeG[book.LevelView]
	lastSeq    uint64
	halted     bool
	lastTrade  schema.Trade
	recoveries int
}

// NewMirror creates an empty mirror. Call Recover or Run before reading it.
func NewMirror(instrument schema.InstrumentID, handler *Handler) *Mirror {
	m := &Mirror{instrument: instrument, handler: handler}
	m.reset()
	return m
}

func (m *Mirror) reset() {
	m.bids = btree.NewG(8, func(a, b book.LevelView) bool { return a.Price > b.Price })
	m.asks = btree.NewG(8, func(a, b book.LevelView) bool { return a.Price < b.Price })
}

// Run subscribes to b and keeps the mirror current until ctx is done. A stale subscription
// is replaced and the mirror recovered.
func (m *Mirror) Run(ctx context.Context, b *bus.Bus, name string, capacity int, policy bus.Policy) error {
	for {
		sub, err := b.Subscribe(name, capacity, policy)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
		if err := m.Recover(ctx); err != nil {
			sub.Close()
			return err
		}

		err = m.consume(ctx, sub)
		sub.Close()
		if errors.Is(err, bus.ErrStale) {
			logs.Infof("mirror %s went stale at seq %d, resubscribing", name, m.LastSeq())
			continue
		}
		return err
	}
}

func (m *Mirror) consume(ctx context.Context, sub *bus.Subscription) error {
	for {
		e, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrQueueClosed) {
				return nil
			}
			return err
		}
		if err := m.Handle(ctx, e); err != nil {
			return err
		}
	}
}

// Handle applies one delivered event, recovering first when it reveals a gap.
func (m *Mirror) Handle(ctx context.Context, e bus.Event) error {
	if e.Header.Type == schema.EventGap {
		return m.Recover(ctx)
	}

	m.mu.Lock()
	last := m.lastSeq
	switch {
	case e.Header.Seq <= last:
		m.mu.Unlock()
		return nil
	case RecoveryNeeded(last+1, e.Header.Seq):
		m.mu.Unlock()
		logs.Infof("mirror %d gap: expected %d, received %d", m.instrument, last+1, e.Header.Seq)
		return m.Recover(ctx)
	}
	m.apply(e)
	m.mu.Unlock()
	return nil
}

// Recover rebuilds the mirror from a fresh snapshot and replays everything after it.
func (m *Mirror) Recover(ctx context.Context) error {
	snap, err := m.handler.Snapshot(ctx, m.instrument)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.reset()
	for _, lv := range snap.Depth(schema.OrderSideBuy, 0) {
		m.bids.ReplaceOrInsert(lv)
	}
	for _, lv := range snap.Depth(schema.OrderSideSell, 0) {
		m.asks.ReplaceOrInsert(lv)
	}
	m.lastSeq = snap.LastSeq
	m.halted = snap.Halted
	m.recoveries++

	err = m.handler.Replay(ctx, snap.LastSeq+1, func(e bus.Event) error {
		if e.Header.Seq <= m.lastSeq {
			return nil
		}
		m.apply(e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay instrument %d from %d: %w", m.instrument, snap.LastSeq+1, err)
	}
	return nil
}

// apply runs under m.mu.
func (m *Mirror) apply(e bus.Event) {
	m.lastSeq = e.Header.Seq
	if schema.InstrumentID(e.Header.Source) != m.instrument {
		return
	}
	switch ev := e.Body.(type) {
	case schema.BookDelta:
		tree := m.bids
		if ev.Side == schema.OrderSideSell {
			tree = m.asks
		}
		if ev.AggregateQty == 0 {
			tree.Delete(book.LevelView{Price: ev.Price})
			return
		}
		tree.ReplaceOrInsert(book.LevelView{Price: ev.Price, Qty: ev.AggregateQty, Count: int(ev.OrderCount)})
	case schema.Trade:
		m.lastTrade = ev
	case schema.InstrumentHalted:
		m.halted = true
	}
}

// Depth returns at most n levels of a side, best first. n <= 0 means all.
func (m *Mirror) Depth(side schema.OrderSide, n int) []book.LevelView {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return depth(m.side(side), n)
}

// Ladder returns the top LadderDepth levels of both sides.
func (m *Mirror) Ladder() Ladder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Ladder{
		Instrument: m.instrument,
		Seq:        m.lastSeq,
		Bids:       depth(m.bids, LadderDepth),
		Asks:       depth(m.asks, LadderDepth),
	}
}

// LastSeq returns the last sequence reflected by the mirror.
func (m *Mirror) LastSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeq
}

// LastTrade returns the most recent trade of the instrument.
func (m *Mirror) LastTrade() (schema.Trade, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTrade, m.lastTrade.Qty != 0
}

// Halted reports whether the instrument halted.
func (m *Mirror) Halted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halted
}

// Recoveries returns how many times the mirror rebuilt from a snapshot.
func (m *Mirror) Recoveries() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recoveries
}

func (m *Mirror) side(side schema.OrderSide) *btree.BTreeG[book.LevelView] {
	if side == schema.OrderSideSell {
		return m.asks
	}
	return m.bids
}

func depth(tree *btree.BTreeG[book.LevelView], n int) []book.LevelView {
	out := make([]book.LevelView, 0, tree.Len())
	tree.Ascend(func(lv book.LevelView) bool {
		if n > 0 && len(out) == n {
			return false
		}
		out = append(out, lv)
		return true
	})
	return out
}
