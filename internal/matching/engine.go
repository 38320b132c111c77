package matching

import (
	"errors"
	"fmt"
	"time"

	"exchange/internal/book"
	"exchange/internal/schema"
)

var (
	ErrNegativeRemaining = errors.New("matching: negative remaining quantity")
	ErrCrossedBook       = errors.New("matching: crossed book after matching pass")
	ErrFOKPartial        = errors.New("matching: fill-or-kill left a remainder")
)

// Emitter stamps the events of one pass with consecutive sequence numbers and hands them on.
// It returns the sequence assigned to each payload, in order. On error nothing of the pass was
// sequenced.
type Emitter interface {
	Emit(instrument schema.InstrumentID, trace uint64, payloads []schema.Payload) ([]uint64, error)
}

// AlarmFunc is called once when the engine halts on an invariant breach.
type AlarmFunc func(instrument schema.InstrumentID, err error)

// Outcome is the result of Submit or Modify.
type Outcome struct {
	OrderID    uint64
	ReplacedID uint64
	Status     schema.OrderStatus
	Reason     schema.RejectReason
	Filled     schema.Quantity
	Remaining  schema.Quantity
	Trades     []schema.Trade
	// Seq is the arrival sequence; zero when refused before sequencing.
	Seq uint64
}

// CancelResult is the outcome kind of Cancel.
type CancelResult uint8

const (
	CancelResultCancelled CancelResult = iota + 1
	CancelResultNotFound
	CancelResultRejected
)

func (r CancelResult) String() string {
	switch r {
	case CancelResultCancelled:
		return "cancelled"
	case CancelResultNotFound:
		return "not_found"
	case CancelResultRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// CancelOutcome is the result of Cancel.
type CancelOutcome struct {
	OrderID   uint64
	Result    CancelResult
	Reason    schema.RejectReason
	Remaining schema.Quantity
	Seq       uint64
}

// ModifyRequest replaces an order's price and/or quantity. Price 0 keeps the current price.
// NewOrderID is used when the modify turns into cancel+new.
type ModifyRequest struct {
	OrderID    uint64
	NewOrderID uint64
	Price      schema.Price
	Qty        schema.Quantity
	TraceID    uint64
}

// CancelRequest removes a resting order.
type CancelRequest struct {
	OrderID uint64
	Reason  schema.CancelReason
	TraceID uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy sets the self-trade and modify rules.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithAlarm sets the hook raised on a fatal invariant breach.
func WithAlarm(fn AlarmFunc) Option {
	return func(e *Engine) { e.alarm = fn }
}

// WithClock overrides the trade timestamp source.
func WithClock(now func() int64) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithBook starts the engine from a recovered book.
func WithBook(b *book.Book) Option {
	return func(e *Engine) {
		if b != nil {
			e.book = b
		}
	}
}

type levelKey struct {
	side  schema.OrderSide
	price schema.Price
}

// Engine runs continuous price-time priority matching for one instrument.
// It is not safe for concurrent use: one actor owns it.
type Engine struct {
	instrument schema.InstrumentID
	book       *book.Book
	emit       Emitter
	policy     Policy
	alarm      AlarmFunc
	now        func() int64

	halted  bool
	failure error

	trace    uint64
	pending  []schema.Payload
	touched  []levelKey
	tradeIdx []int
}

// New creates an engine with an empty book unless WithBook is given.
func New(instrument schema.InstrumentID, emit Emitter, opts ...Option) *Engine {
	e := &Engine{
		instrument: instrument,
		book:       book.New(instrument),
		emit:       emit,
		now:        func() int64 { return time.Now().UTC().UnixNano() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Book exposes the book for snapshots. Callers must run on the engine's actor.
func (e *Engine) Book() *book.Book {
	return e.book
}

// Restore replaces the book with a recovered one and clears a previous halt.
func (e *Engine) Restore(b *book.Book) {
	if b == nil {
		b = book.New(e.instrument)
	}
	e.book = b
	e.halted = false
	e.failure = nil
}

// Halted reports whether the engine stopped after an invariant breach.
func (e *Engine) Halted() bool {
	return e.halted
}

// Submit matches a new order and rests, cancels or rejects its remainder.
func (e *Engine) Submit(o *book.Order) Outcome {
	if e.halted {
		return Outcome{OrderID: o.ID, Status: schema.OrderStatusRejected, Reason: schema.RejectReasonInstrumentHalted, Remaining: o.Qty}
	}
	e.begin(o.TraceID)
	out := e.enter(o)
	seqs := e.flush(&out)
	out.Seq = seqs[0]
	o.ArrivalSeq = out.Seq
	return out
}

// Cancel removes a resting order. Unknown, filled or already cancelled ids report not found.
func (e *Engine) Cancel(req CancelRequest) CancelOutcome {
	id := req.OrderID
	if e.halted {
		return CancelOutcome{OrderID: id, Result: CancelResultRejected, Reason: schema.RejectReasonInstrumentHalted}
	}
	o, err := e.book.Remove(id)
	if err != nil {
		return CancelOutcome{OrderID: id, Result: CancelResultNotFound}
	}
	e.begin(req.TraceID)
	e.cancelled(o, req.Reason)
	seqs := e.flush(nil)
	if seqs[0] == 0 {
		return CancelOutcome{OrderID: id, Result: CancelResultRejected, Reason: schema.RejectReasonInstrumentHalted}
	}
	return CancelOutcome{OrderID: id, Result: CancelResultCancelled, Remaining: o.Remaining, Seq: seqs[0]}
}

// Modify replaces a resting order. Under ModifyLosePriority, or whenever the price changes or the
// quantity grows, it is an atomic cancel+new under NewOrderID.
func (e *Engine) Modify(req ModifyRequest) Outcome {
	if e.halted {
		return Outcome{OrderID: req.OrderID, Status: schema.OrderStatusRejected, Reason: schema.RejectReasonInstrumentHalted}
	}
	o, ok := e.book.Get(req.OrderID)
	if !ok {
		return Outcome{OrderID: req.OrderID, Status: schema.OrderStatusRejected, Reason: schema.RejectReasonUnknownOrder}
	}
	price := req.Price
	if price == 0 {
		price = o.Price
	}

	e.begin(req.TraceID)
	if e.policy.Modify == ModifyKeepPriorityOnReduce && price == o.Price && req.Qty < o.Remaining {
		if _, err := e.book.Reduce(o.ID, req.Qty); err != nil {
			return Outcome{OrderID: o.ID, Status: schema.OrderStatusRejected, Reason: schema.RejectReasonInvalidQuantity, Remaining: o.Remaining}
		}
		e.add(schema.OrderReduced{OrderID: o.ID, InstrumentID: e.instrument, Side: o.Side, Price: o.Price, Remaining: o.Remaining})
		e.touch(o.Side, o.Price)
		out := Outcome{OrderID: o.ID, Status: o.Status, Filled: o.Filled(), Remaining: o.Remaining}
		seqs := e.flush(&out)
		out.Seq = seqs[0]
		return out
	}

	if _, err := e.book.Remove(o.ID); err != nil {
		return Outcome{OrderID: req.OrderID, Status: schema.OrderStatusRejected, Reason: schema.RejectReasonUnknownOrder}
	}
	e.cancelled(o, schema.CancelReasonReplaced)
	acceptedAt := len(e.pending)
	replacement := &book.Order{
		ID:          req.NewOrderID,
		Instrument:  e.instrument,
		Owner:       o.Owner,
		Side:        o.Side,
		Type:        schema.OrderTypeLimit,
		TimeInForce: o.TimeInForce,
		Price:       price,
		Qty:         req.Qty,
		Remaining:   req.Qty,
		TraceID:     req.TraceID,
	}
	out := e.enter(replacement)
	out.ReplacedID = o.ID
	seqs := e.flush(&out)
	out.Seq = seqs[acceptedAt]
	replacement.ArrivalSeq = out.Seq
	return out
}

// ExpireDay cancels every resting day order. It returns the number of expired orders.
func (e *Engine) ExpireDay() int {
	if e.halted {
		return 0
	}
	var expired []*book.Order
	for _, side := range []schema.OrderSide{schema.OrderSideBuy, schema.OrderSideSell} {
		for _, o := range e.book.Orders(side) {
			if o.TimeInForce == schema.TimeInForceDay {
				expired = append(expired, o)
			}
		}
	}
	if len(expired) == 0 {
		return 0
	}
	e.begin(0)
	for _, o := range expired {
		if _, err := e.book.Remove(o.ID); err != nil {
			continue
		}
		e.cancelled(o, schema.CancelReasonExpired)
	}
	e.flush(nil)
	return len(expired)
}

// enter stamps the arrival and runs the order through the type/time-in-force rules.
func (e *Engine) enter(o *book.Order) Outcome {
	o.Instrument = e.instrument
	o.Status = schema.OrderStatusNew
	e.add(schema.OrderAccepted{
		OrderID:      o.ID,
		InstrumentID: e.instrument,
		Owner:        o.Owner,
		Side:         o.Side,
		Type:         o.Type,
		TimeInForce:  o.TimeInForce,
		Price:        o.Price,
		Qty:          o.Qty,
	})

	out := Outcome{OrderID: o.ID}
	switch {
	case o.Type == schema.OrderTypeMarket:
		if stopped := e.cross(o, false); stopped {
			e.cancelRemainder(o, schema.CancelReasonSelfTrade)
		} else if o.Remaining > 0 {
			e.cancelRemainder(o, schema.CancelReasonMarketRemainder)
		}

	case o.Type == schema.OrderTypeLimit && o.TimeInForce == schema.TimeInForceFOK:
		if !e.fillable(o) {
			o.Status = schema.OrderStatusRejected
			e.add(schema.OrderRejected{OrderID: o.ID, InstrumentID: e.instrument, Reason: schema.RejectReasonFOKUnfillable, Qty: o.Qty})
			out.Reason = schema.RejectReasonFOKUnfillable
			break
		}
		e.cross(o, true)
		if o.Remaining != 0 {
			e.fail(ErrFOKPartial)
		}

	case o.Type == schema.OrderTypeLimit && o.TimeInForce == schema.TimeInForceIOC:
		if stopped := e.cross(o, true); stopped {
			e.cancelRemainder(o, schema.CancelReasonSelfTrade)
		} else if o.Remaining > 0 {
			e.cancelRemainder(o, schema.CancelReasonIOCRemainder)
		}

	case o.Type == schema.OrderTypeLimit && o.TimeInForce.Rests():
		if stopped := e.cross(o, true); stopped {
			e.cancelRemainder(o, schema.CancelReasonSelfTrade)
		} else if o.Remaining > 0 {
			e.rest(o)
		}

	default:
		o.Status = schema.OrderStatusRejected
		e.add(schema.OrderRejected{OrderID: o.ID, InstrumentID: e.instrument, Reason: schema.RejectReasonInvalidOrderType, Qty: o.Qty})
		out.Reason = schema.RejectReasonInvalidOrderType
	}

	if o.Remaining == 0 && (o.Status == schema.OrderStatusNew || o.Status == schema.OrderStatusPartiallyFilled) {
		o.Status = schema.OrderStatusFilled
	}
	out.Status = o.Status
	out.Filled = o.Filled()
	out.Remaining = o.Remaining
	if out.Status == schema.OrderStatusRejected || out.Status == schema.OrderStatusCancelled {
		out.Remaining = 0
	}
	return out
}

// cross consumes marketable opposite liquidity best price first, FIFO within a level.
// It returns true when self-trade prevention stopped the incoming order.
func (e *Engine) cross(o *book.Order, limited bool) bool {
	opp := o.Side.Opposite()
	for o.Remaining > 0 && e.failure == nil {
		lvl := e.book.Best(opp)
		if lvl == nil || (limited && !marketable(o.Side, o.Price, lvl.Price)) {
			return false
		}
		price := lvl.Price
		for r := lvl.Front(); r != nil && o.Remaining > 0; {
			next := r.Next()
			if e.policy.selfTrade(o.Owner, r.Owner) {
				if e.policy.SelfTrade == SelfTradeCancelIncoming {
					return true
				}
				if _, err := e.book.Remove(r.ID); err != nil {
					e.fail(err)
					return false
				}
				e.cancelled(r, schema.CancelReasonSelfTrade)
				r = next
				continue
			}

			qty := min(o.Remaining, r.Remaining)
			if err := e.book.Fill(r, qty); err != nil {
				e.fail(err)
				return false
			}
			o.Remaining -= qty
			if o.Remaining < 0 || r.Remaining < 0 {
				e.fail(ErrNegativeRemaining)
				return false
			}
			if r.Remaining == 0 {
				r.Status = schema.OrderStatusFilled
			} else {
				r.Status = schema.OrderStatusPartiallyFilled
			}
			o.Status = schema.OrderStatusPartiallyFilled

			e.tradeIdx = append(e.tradeIdx, len(e.pending))
			e.add(schema.Trade{
				InstrumentID:   e.instrument,
				AggressorID:    o.ID,
				RestingID:      r.ID,
				AggressorOwner: o.Owner,
				RestingOwner:   r.Owner,
				AggressorSide:  o.Side,
				Price:          price,
				Qty:            qty,
				Timestamp:      e.now(),
			})
			e.touch(opp, price)
			r = next
		}
	}
	return false
}

// fillable walks the opposite side without mutating it and reports whether o can fill completely.
func (e *Engine) fillable(o *book.Order) bool {
	need := o.Remaining
	e.book.Walk(o.Side.Opposite(), func(lvl *book.Level) bool {
		if !marketable(o.Side, o.Price, lvl.Price) {
			return false
		}
		for r := lvl.Front(); r != nil; r = r.Next() {
			if e.policy.selfTrade(o.Owner, r.Owner) {
				if e.policy.SelfTrade == SelfTradeCancelIncoming {
					return false
				}
				continue
			}
			need -= r.Remaining
			if need <= 0 {
				return false
			}
		}
		return true
	})
	return need <= 0
}

func (e *Engine) rest(o *book.Order) {
	if err := e.book.Insert(o); err != nil {
		e.fail(err)
		return
	}
	e.add(schema.OrderRested{
		OrderID:      o.ID,
		InstrumentID: e.instrument,
		Side:         o.Side,
		TimeInForce:  o.TimeInForce,
		Price:        o.Price,
		Remaining:    o.Remaining,
	})
	e.touch(o.Side, o.Price)
}

func (e *Engine) cancelRemainder(o *book.Order, reason schema.CancelReason) {
	o.Status = schema.OrderStatusCancelled
	e.add(schema.OrderCancelled{
		OrderID:      o.ID,
		InstrumentID: e.instrument,
		Side:         o.Side,
		Reason:       reason,
		Price:        o.Price,
		Remaining:    o.Remaining,
	})
}

// cancelled records the removal of an order that was resting.
func (e *Engine) cancelled(o *book.Order, reason schema.CancelReason) {
	if reason == schema.CancelReasonExpired {
		o.Status = schema.OrderStatusExpired
	} else {
		o.Status = schema.OrderStatusCancelled
	}
	e.add(schema.OrderCancelled{
		OrderID:      o.ID,
		InstrumentID: e.instrument,
		Side:         o.Side,
		Reason:       reason,
		Price:        o.Price,
		Remaining:    o.Remaining,
	})
	e.touch(o.Side, o.Price)
}

func (e *Engine) begin(trace uint64) {
	e.trace = trace
	e.pending = e.pending[:0]
	e.touched = e.touched[:0]
	e.tradeIdx = e.tradeIdx[:0]
}

func (e *Engine) add(p schema.Payload) {
	e.pending = append(e.pending, p)
}

func (e *Engine) touch(side schema.OrderSide, price schema.Price) {
	key := levelKey{side: side, price: price}
	for _, k := range e.touched {
		if k == key {
			return
		}
	}
	e.touched = append(e.touched, key)
}

// flush appends one delta per touched level, checks invariants and emits the pass.
func (e *Engine) flush(out *Outcome) []uint64 {
	if e.failure == nil && e.book.Crossed() {
		e.fail(ErrCrossedBook)
	}
	for _, k := range e.touched {
		delta := schema.BookDelta{InstrumentID: e.instrument, Side: k.side, Price: k.price}
		if lvl := e.book.Level(k.side, k.price); lvl != nil {
			delta.AggregateQty = lvl.Total()
			delta.OrderCount = uint32(lvl.Count())
		}
		e.add(delta)
	}
	if e.failure != nil {
		e.halted = true
		e.add(schema.InstrumentHalted{InstrumentID: e.instrument, Code: haltCode(e.failure)})
	}

	seqs, err := e.emit.Emit(e.instrument, e.trace, e.pending)
	if err != nil {
		return e.unsequenced(out, err)
	}
	if out != nil && len(e.tradeIdx) > 0 {
		out.Trades = make([]schema.Trade, 0, len(e.tradeIdx))
		for _, idx := range e.tradeIdx {
			t := e.pending[idx].(schema.Trade)
			t.Seq = seqs[idx]
			out.Trades = append(out.Trades, t)
		}
	}
	if e.halted && e.failure != nil {
		err := fmt.Errorf("instrument %d halted at seq %d: %w", e.instrument, seqs[len(seqs)-1], e.failure)
		e.failure = nil
		if e.alarm != nil {
			e.alarm(e.instrument, err)
		}
	}
	return seqs
}

// unsequenced halts the engine after a pass whose events could not be sequenced. The book may
// already hold the pass's changes, so nothing more is accepted until it is restored.
func (e *Engine) unsequenced(out *Outcome, cause error) []uint64 {
	e.halted = true
	e.failure = nil
	if out != nil {
		*out = Outcome{OrderID: out.OrderID, ReplacedID: out.ReplacedID, Status: schema.OrderStatusRejected, Reason: schema.RejectReasonInstrumentHalted}
	}
	err := fmt.Errorf("instrument %d halted, pass of %d events not sequenced: %w", e.instrument, len(e.pending), cause)
	halt := []schema.Payload{schema.InstrumentHalted{InstrumentID: e.instrument, Code: schema.HaltCodeUnsequenced}}
	if _, herr := e.emit.Emit(e.instrument, e.trace, halt); herr != nil {
		err = fmt.Errorf("%w, halt event: %v", err, herr)
	}
	if e.alarm != nil {
		e.alarm(e.instrument, err)
	}
	return make([]uint64, len(e.pending))
}

func (e *Engine) fail(err error) {
	if e.failure == nil {
		e.failure = err
	}
}

func haltCode(err error) schema.HaltCode {
	switch {
	case errors.Is(err, ErrNegativeRemaining), errors.Is(err, book.ErrOverfill):
		return schema.HaltCodeNegativeRemaining
	case errors.Is(err, ErrCrossedBook):
		return schema.HaltCodeCrossedBook
	case errors.Is(err, ErrFOKPartial):
		return schema.HaltCodeFOKPartial
	default:
		return schema.HaltCodeBookError
	}
}

func marketable(side schema.OrderSide, limit, resting schema.Price) bool {
	if side == schema.OrderSideBuy {
		return resting <= limit
	}
	return resting >= limit
}
