package og

import (
	"context"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/yanun0323/logs"

	"exchange/internal/bus"
	"exchange/internal/schema"
	"exchange/internal/state"
)

const defaultTerminalCache = 1 << 16

var (
	ErrDuplicateOrder = errors.New("order already tracked")
	ErrUnknownOrder   = errors.New("order not found")
)

// Order is the gateway's view of an order, built from the event stream.
type Order struct {
	ID          uint64
	Instrument  schema.InstrumentID
	Owner       uint32
	Side        schema.OrderSide
	Type        schema.OrderType
	TimeInForce schema.TimeInForce
	Price       schema.Price
	Qty         schema.Quantity
	Remaining   schema.Quantity
	Filled      schema.Quantity
	Status      schema.OrderStatus
	ArrivalSeq  uint64
	LastSeq     uint64
}

// Replayer streams history, normally a *journal.Journal.
type Replayer interface {
	Replay(ctx context.Context, from uint64, fn func(bus.Event) error) error
}

// TrackerOption configures a StateMachine.
type TrackerOption func(*StateMachine)

// WithTerminalCache bounds how many finished orders stay queryable.
func WithTerminalCache(size int) TrackerOption {
	return func(m *StateMachine) { m.cacheSize = size }
}

// WithTradeHook calls fn for every trade, in sequence order.
func WithTradeHook(fn func(schema.Trade)) TrackerOption {
	return func(m *StateMachine) { m.onTrade = fn }
}

// WithReplayer fills gaps reported by the bus from history.
func WithReplayer(r Replayer) TrackerOption {
	return func(m *StateMachine) { m.replayer = r }
}

// StateMachine tracks order status from sequenced events. Live orders are kept until they
// reach a terminal status, then move to a bounded LRU. It also owns the id -> instrument routes.
type StateMachine struct {
	mu        sync.RWMutex
	live      map[uint64]*Order
	terminal  *lru.Cache[uint64, Order]
	lastSeq   uint64
	cacheSize int
	onTrade   func(schema.Trade)
	replayer  Replayer
}

// NewStateMachine creates an empty tracker.
func NewStateMachine(opts ...TrackerOption) *StateMachine {
	m := &StateMachine{
		live:      make(map[uint64]*Order),
		cacheSize: defaultTerminalCache,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cacheSize <= 0 {
		m.cacheSize = defaultTerminalCache
	}
	cache, err := lru.New[uint64, Order](m.cacheSize)
	if err != nil {
		// only fails on a non-positive size
		panic(err)
	}
	m.terminal = cache
	return m
}

// Seed loads the resting orders of a recovered snapshot.
func (m *StateMachine) Seed(snap state.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range snap.Books {
		for _, entries := range [][]state.OrderEntry{b.Bids, b.Asks} {
			for _, e := range entries {
				status := schema.OrderStatusNew
				if e.Remaining < e.Qty {
					status = schema.OrderStatusPartiallyFilled
				}
				m.live[e.ID] = &Order{
					ID:          e.ID,
					Instrument:  b.Instrument,
					Owner:       e.Owner,
					Side:        e.Side,
					Type:        schema.OrderTypeLimit,
					TimeInForce: e.TimeInForce,
					Price:       e.Price,
					Qty:         e.Qty,
					Remaining:   e.Remaining,
					Filled:      e.Qty - e.Remaining,
					Status:      status,
					ArrivalSeq:  e.ArrivalSeq,
				}
			}
		}
	}
	if snap.LastSeq > m.lastSeq {
		m.lastSeq = snap.LastSeq
	}
}

// Track registers an order about to be submitted with the terms it was sent with, so its
// route, side and price are known before its OrderAccepted is applied.
func (m *StateMachine) Track(o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live[o.ID]; ok {
		return ErrDuplicateOrder
	}
	o.Remaining = o.Qty
	o.Filled = 0
	o.Status = schema.OrderStatusUnknown
	o.ArrivalSeq = 0
	o.LastSeq = 0
	m.live[o.ID] = &o
	return nil
}

// Forget drops an order that never reached the sequenced stream.
func (m *StateMachine) Forget(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.live[id]; ok && o.ArrivalSeq == 0 {
		delete(m.live, id)
	}
}

// Route returns the instrument an order was submitted to.
func (m *StateMachine) Route(id uint64) (schema.InstrumentID, bool) {
	m.mu.RLock()
	o, ok := m.live[id]
	m.mu.RUnlock()
	if ok {
		return o.Instrument, true
	}
	if t, ok := m.terminal.Get(id); ok {
		return t.Instrument, true
	}
	return 0, false
}

// Order returns a copy of the order state.
func (m *StateMachine) Order(id uint64) (Order, bool) {
	m.mu.RLock()
	o, ok := m.live[id]
	var out Order
	if ok {
		out = *o
	}
	m.mu.RUnlock()
	if ok {
		return out, true
	}
	return m.terminal.Get(id)
}

// Live returns the number of orders not yet terminal.
func (m *StateMachine) Live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live)
}

// LastSeq returns the last applied sequence.
func (m *StateMachine) LastSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeq
}

// Run consumes sub until ctx is done. Gap markers are repaired from the replayer.
func (m *StateMachine) Run(ctx context.Context, sub *bus.Subscription) error {
	return sub.Run(ctx, func(e bus.Event) {
		if e.Header.Type == schema.EventGap {
			m.fill(ctx)
			return
		}
		if err := m.Apply(e.Header, e.Body); err != nil {
			logs.Errorf("order tracker apply seq %d, err: %+v", e.Header.Seq, err)
		}
	})
}

func (m *StateMachine) fill(ctx context.Context) {
	if m.replayer == nil {
		logs.Errorf("order tracker missed events after seq %d without a replayer", m.LastSeq())
		return
	}
	err := m.replayer.Replay(ctx, m.LastSeq()+1, func(e bus.Event) error {
		return m.Apply(e.Header, e.Body)
	})
	if err != nil {
		logs.Errorf("order tracker replay from %d, err: %+v", m.LastSeq()+1, err)
	}
}

// Apply advances the tracker by one sequenced event. Already applied sequences are ignored.
func (m *StateMachine) Apply(header schema.EventHeader, body schema.Payload) error {
	m.mu.Lock()
	if header.Seq != 0 && header.Seq <= m.lastSeq {
		m.mu.Unlock()
		return nil
	}
	if header.Seq != 0 {
		m.lastSeq = header.Seq
	}

	var trade *schema.Trade
	switch ev := body.(type) {
	case schema.OrderAccepted:
		o, ok := m.live[ev.OrderID]
		if !ok {
			o = &Order{ID: ev.OrderID}
			m.live[ev.OrderID] = o
		}
		o.Instrument = ev.InstrumentID
		o.Owner = ev.Owner
		o.Side = ev.Side
		o.Type = ev.Type
		o.TimeInForce = ev.TimeInForce
		o.Price = ev.Price
		o.Qty = ev.Qty
		o.Remaining = ev.Qty
		o.Status = schema.OrderStatusNew
		o.ArrivalSeq = header.Seq
		o.LastSeq = header.Seq

	case schema.Trade:
		m.fillOrder(ev.AggressorID, ev.Qty, header.Seq)
		m.fillOrder(ev.RestingID, ev.Qty, header.Seq)
		trade = &ev

	case schema.OrderRested:
		if o, ok := m.live[ev.OrderID]; ok {
			o.Remaining = ev.Remaining
			o.LastSeq = header.Seq
		}

	case schema.OrderReduced:
		if o, ok := m.live[ev.OrderID]; ok {
			o.Remaining = ev.Remaining
			o.LastSeq = header.Seq
		}

	case schema.OrderCancelled:
		if o, ok := m.live[ev.OrderID]; ok {
			o.Status = schema.OrderStatusCancelled
			if ev.Reason == schema.CancelReasonExpired {
				o.Status = schema.OrderStatusExpired
			}
			o.Remaining = 0
			o.LastSeq = header.Seq
			m.retire(o)
		}

	case schema.OrderRejected:
		if o, ok := m.live[ev.OrderID]; ok {
			o.Status = schema.OrderStatusRejected
			o.Remaining = 0
			o.LastSeq = header.Seq
			m.retire(o)
		}

	case schema.BookDelta, schema.InstrumentHalted, schema.Gap:
	default:
		m.mu.Unlock()
		return errors.New("unexpected event body")
	}
	m.mu.Unlock()

	if trade != nil && m.onTrade != nil {
		m.onTrade(*trade)
	}
	return nil
}

func (m *StateMachine) fillOrder(id uint64, qty schema.Quantity, seq uint64) {
	o, ok := m.live[id]
	if !ok {
		return
	}
	o.Remaining -= qty
	o.Filled += qty
	o.LastSeq = seq
	if o.Remaining <= 0 {
		o.Remaining = 0
		o.Status = schema.OrderStatusFilled
		m.retire(o)
		return
	}
	o.Status = schema.OrderStatusPartiallyFilled
}

func (m *StateMachine) retire(o *Order) {
	delete(m.live, o.ID)
	m.terminal.Add(o.ID, *o)
}
