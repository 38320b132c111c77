package og

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"exchange/internal/book"
	"exchange/internal/core"
	"exchange/internal/matching"
	"exchange/internal/obs"
	"exchange/internal/risk"
	"exchange/internal/schema"
)

// AckStatus is the synchronous answer to one request.
type AckStatus uint8

const (
	AckStatusUnknown AckStatus = iota
	AckStatusAccepted
	AckStatusRejected
	AckStatusCancelled
	AckStatusNotFound
)

func (s AckStatus) String() string {
	switch s {
	case AckStatusAccepted:
		return "accepted"
	case AckStatusRejected:
		return "rejected"
	case AckStatusCancelled:
		return "cancelled"
	case AckStatusNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Ack is returned exactly once per request.
type Ack struct {
	OrderID     uint64
	ReplacedID  uint64
	Status      AckStatus
	Reason      schema.RejectReason
	OrderStatus schema.OrderStatus
	Filled      schema.Quantity
	Remaining   schema.Quantity
	Trades      []schema.Trade
	Seq         uint64
	TraceID     uint64
}

// NewOrderRequest is an inbound order. Instrument wins over Symbol when both are set.
type NewOrderRequest struct {
	Instrument  schema.InstrumentID
	Symbol      string
	Owner       uint32
	Side        schema.OrderSide
	Type        schema.OrderType
	TimeInForce schema.TimeInForce
	Price       schema.Price
	Qty         schema.Quantity
}

// CancelRequest cancels a resting order.
type CancelRequest struct {
	OrderID uint64
	Owner   uint32
}

// ModifyRequest replaces a resting order. Price 0 keeps the current price.
type ModifyRequest struct {
	OrderID uint64
	Owner   uint32
	Price   schema.Price
	Qty     schema.Quantity
}

// Router is the ordered handoff into the matching actors, normally a *core.Router.
type Router interface {
	Submit(ctx context.Context, o *book.Order) (matching.Outcome, error)
	Cancel(ctx context.Context, instrument schema.InstrumentID, req matching.CancelRequest) (matching.CancelOutcome, error)
	Modify(ctx context.Context, instrument schema.InstrumentID, req matching.ModifyRequest) (matching.Outcome, error)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRisk runs every order through the pre-trade hook.
func WithRisk(r *risk.Engine) Option {
	return func(g *Gateway) { g.risk = r }
}

// WithMetrics counts rejects and request latency.
func WithMetrics(m *obs.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithTracker shares an order tracker, normally fed from the bus.
func WithTracker(t *StateMachine) Option {
	return func(g *Gateway) { g.tracker = t }
}

// WithStartID continues id assignment after a recovered maximum.
func WithStartID(last uint64) Option {
	return func(g *Gateway) { g.ids.Store(last) }
}

// WithClock overrides the time used by the risk hook.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway validates requests, assigns order ids and hands accepted work to the router.
// It is safe for concurrent use by many connections.
type Gateway struct {
	registry *schema.Registry
	router   Router
	risk     *risk.Engine
	metrics  *obs.Metrics
	tracker  *StateMachine
	traces   *obs.TraceIDs
	now      func() time.Time
	ids      atomic.Uint64
}

// NewGateway creates a gateway.
func NewGateway(registry *schema.Registry, router Router, opts ...Option) *Gateway {
	g := &Gateway{
		registry: registry,
		router:   router,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.tracker == nil {
		g.tracker = NewStateMachine()
	}
	g.traces = obs.NewTraceIDs(g.now)
	return g
}

// Tracker returns the order tracker.
func (g *Gateway) Tracker() *StateMachine {
	return g.tracker
}

// LastOrderID returns the last assigned id.
func (g *Gateway) LastOrderID() uint64 {
	return g.ids.Load()
}

// NewOrder validates and submits an order.
func (g *Gateway) NewOrder(ctx context.Context, req NewOrderRequest) Ack {
	start := time.Now()
	defer func() { g.metrics.ObserveOrderFlow(time.Since(start)) }()
	trace := g.traces.Next()

	inst, reason := g.instrument(req.Instrument, req.Symbol)
	if reason != schema.RejectReasonNone {
		return g.reject(0, reason, trace)
	}
	if reason := g.validate(inst, &req); reason != schema.RejectReasonNone {
		return g.reject(0, reason, trace)
	}
	if reason := g.evaluate(risk.Request{
		Owner:      req.Owner,
		Instrument: inst.ID,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Qty:        req.Qty,
		Now:        g.now().UnixNano(),
	}); reason != schema.RejectReasonNone {
		return g.reject(0, reason, trace)
	}

	id := g.ids.Add(1)
	if err := g.tracker.Track(Order{
		ID:          id,
		Instrument:  inst.ID,
		Owner:       req.Owner,
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Price:       req.Price,
		Qty:         req.Qty,
	}); err != nil {
		logs.Errorf("track order %d, err: %+v", id, err)
		return g.reject(id, schema.RejectReasonUnknownOrder, trace)
	}
	out, err := g.router.Submit(ctx, &book.Order{
		ID:          id,
		Instrument:  inst.ID,
		Owner:       req.Owner,
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Price:       req.Price,
		Qty:         req.Qty,
		Remaining:   req.Qty,
		TraceID:     trace,
	})
	if err != nil {
		g.tracker.Forget(id)
		return g.reject(id, routeReason(err), trace)
	}
	if out.Seq == 0 {
		g.tracker.Forget(id)
	}
	return g.outcomeAck(out, trace)
}

// CancelOrder cancels a resting order. Cancelling an order that is gone reports not found.
func (g *Gateway) CancelOrder(ctx context.Context, req CancelRequest) Ack {
	trace := g.traces.Next()
	instrument, ok := g.route(req.OrderID, req.Owner)
	if !ok {
		return Ack{OrderID: req.OrderID, Status: AckStatusNotFound, TraceID: trace}
	}
	if inst, ok := g.registry.Lookup(instrument); ok && inst.Status() == schema.TradingStatusHalted {
		return g.reject(req.OrderID, schema.RejectReasonInstrumentHalted, trace)
	}

	out, err := g.router.Cancel(ctx, instrument, matching.CancelRequest{
		OrderID: req.OrderID,
		Reason:  schema.CancelReasonUser,
		TraceID: trace,
	})
	if err != nil {
		return g.reject(req.OrderID, routeReason(err), trace)
	}
	switch out.Result {
	case matching.CancelResultCancelled:
		return Ack{OrderID: req.OrderID, Status: AckStatusCancelled, OrderStatus: schema.OrderStatusCancelled, Seq: out.Seq, TraceID: trace}
	case matching.CancelResultRejected:
		return g.reject(req.OrderID, out.Reason, trace)
	default:
		return Ack{OrderID: req.OrderID, Status: AckStatusNotFound, TraceID: trace}
	}
}

// ModifyOrder changes a resting order's price and/or quantity. The replacement, if any,
// gets a fresh id reported in OrderID with the old one in ReplacedID.
func (g *Gateway) ModifyOrder(ctx context.Context, req ModifyRequest) Ack {
	start := time.Now()
	defer func() { g.metrics.ObserveOrderFlow(time.Since(start)) }()
	trace := g.traces.Next()

	instrument, ok := g.route(req.OrderID, req.Owner)
	if !ok {
		return g.reject(req.OrderID, schema.RejectReasonUnknownOrder, trace)
	}
	inst, reason := g.instrument(instrument, "")
	if reason != schema.RejectReasonNone {
		return g.reject(req.OrderID, reason, trace)
	}
	if req.Price != 0 {
		if !inst.ValidPrice(req.Price) {
			return g.reject(req.OrderID, schema.RejectReasonInvalidPrice, trace)
		}
		if !inst.PriceInBounds(req.Price) {
			return g.reject(req.OrderID, schema.RejectReasonPriceOutOfBounds, trace)
		}
	}
	if !inst.ValidQuantity(req.Qty) {
		return g.reject(req.OrderID, schema.RejectReasonInvalidQuantity, trace)
	}

	current, ok := g.tracker.Order(req.OrderID)
	if !ok || current.Side == schema.OrderSideUnknown {
		return g.reject(req.OrderID, schema.RejectReasonUnknownOrder, trace)
	}
	price := req.Price
	if price == 0 {
		price = current.Price
	}
	if reason := g.evaluate(risk.Request{
		Owner:      current.Owner,
		Instrument: inst.ID,
		Side:       current.Side,
		Type:       schema.OrderTypeLimit,
		Price:      price,
		Qty:        req.Qty,
		Now:        g.now().UnixNano(),
	}); reason != schema.RejectReasonNone {
		return g.reject(req.OrderID, reason, trace)
	}

	newID := g.ids.Add(1)
	if err := g.tracker.Track(Order{
		ID:          newID,
		Instrument:  inst.ID,
		Owner:       current.Owner,
		Side:        current.Side,
		Type:        schema.OrderTypeLimit,
		TimeInForce: current.TimeInForce,
		Price:       price,
		Qty:         req.Qty,
	}); err != nil {
		logs.Errorf("track order %d, err: %+v", newID, err)
		return g.reject(req.OrderID, schema.RejectReasonUnknownOrder, trace)
	}
	out, err := g.router.Modify(ctx, inst.ID, matching.ModifyRequest{
		OrderID:    req.OrderID,
		NewOrderID: newID,
		Price:      req.Price,
		Qty:        req.Qty,
		TraceID:    trace,
	})
	if err != nil {
		g.tracker.Forget(newID)
		return g.reject(req.OrderID, routeReason(err), trace)
	}
	if out.ReplacedID == 0 || out.Seq == 0 {
		g.tracker.Forget(newID)
	}
	return g.outcomeAck(out, trace)
}

// Order returns the tracked state of an order.
func (g *Gateway) Order(id uint64) (Order, bool) {
	o, ok := g.tracker.Order(id)
	if !ok || o.ArrivalSeq == 0 {
		return Order{}, false
	}
	return o, true
}

func (g *Gateway) instrument(id schema.InstrumentID, symbol string) (*schema.Instrument, schema.RejectReason) {
	var (
		inst *schema.Instrument
		ok   bool
	)
	if id != 0 {
		inst, ok = g.registry.Lookup(id)
	} else {
		inst, ok = g.registry.LookupSymbol(symbol)
	}
	if !ok {
		return nil, schema.RejectReasonUnknownInstrument
	}
	switch inst.Status() {
	case schema.TradingStatusOpen:
		return inst, schema.RejectReasonNone
	case schema.TradingStatusHalted:
		return nil, schema.RejectReasonInstrumentHalted
	default:
		return nil, schema.RejectReasonInstrumentClosed
	}
}

// validate checks the type/time-in-force combination, price and quantity. It fills in the
// default time in force.
func (g *Gateway) validate(inst *schema.Instrument, req *NewOrderRequest) schema.RejectReason {
	switch req.Side {
	case schema.OrderSideBuy, schema.OrderSideSell:
	default:
		return schema.RejectReasonInvalidOrderType
	}

	switch req.Type {
	case schema.OrderTypeMarket:
		if req.TimeInForce == schema.TimeInForceUnknown {
			req.TimeInForce = schema.TimeInForceIOC
		}
		if req.TimeInForce != schema.TimeInForceIOC {
			return schema.RejectReasonInvalidOrderType
		}
		req.Price = 0
	case schema.OrderTypeLimit:
		if req.TimeInForce == schema.TimeInForceUnknown {
			req.TimeInForce = schema.TimeInForceGTC
		}
		switch req.TimeInForce {
		case schema.TimeInForceGTC, schema.TimeInForceDay, schema.TimeInForceIOC, schema.TimeInForceFOK:
		default:
			return schema.RejectReasonInvalidOrderType
		}
		if !inst.ValidPrice(req.Price) {
			return schema.RejectReasonInvalidPrice
		}
		if !inst.PriceInBounds(req.Price) {
			return schema.RejectReasonPriceOutOfBounds
		}
	default:
		return schema.RejectReasonInvalidOrderType
	}

	if !inst.ValidQuantity(req.Qty) {
		return schema.RejectReasonInvalidQuantity
	}
	return schema.RejectReasonNone
}

func (g *Gateway) evaluate(req risk.Request) schema.RejectReason {
	if g.risk == nil {
		return schema.RejectReasonNone
	}
	start := time.Now()
	decision := g.risk.Evaluate(req)
	g.metrics.ObserveRiskEval(time.Since(start))
	if !decision.Allowed {
		logs.Infof("risk rejected owner %d instrument %d: %s", req.Owner, req.Instrument, decision.Reason)
		return schema.RejectReasonRiskRejected
	}
	return schema.RejectReasonNone
}

// route resolves the instrument of an order. A known owner must match.
func (g *Gateway) route(id uint64, owner uint32) (schema.InstrumentID, bool) {
	if id == 0 {
		return 0, false
	}
	o, ok := g.tracker.Order(id)
	if !ok {
		return 0, false
	}
	if owner != 0 && o.Owner != 0 && o.Owner != owner {
		return 0, false
	}
	return o.Instrument, true
}

func (g *Gateway) reject(id uint64, reason schema.RejectReason, trace uint64) Ack {
	g.count(reason)
	return Ack{
		OrderID:     id,
		Status:      AckStatusRejected,
		Reason:      reason,
		OrderStatus: schema.OrderStatusRejected,
		TraceID:     trace,
	}
}

func (g *Gateway) count(reason schema.RejectReason) {
	if reason != schema.RejectReasonNone {
		g.metrics.IncReject(reason)
	}
}

func (g *Gateway) outcomeAck(out matching.Outcome, trace uint64) Ack {
	ack := Ack{
		OrderID:     out.OrderID,
		ReplacedID:  out.ReplacedID,
		Status:      AckStatusAccepted,
		Reason:      out.Reason,
		OrderStatus: out.Status,
		Filled:      out.Filled,
		Remaining:   out.Remaining,
		Trades:      out.Trades,
		Seq:         out.Seq,
		TraceID:     trace,
	}
	if out.Seq == 0 || out.Status == schema.OrderStatusRejected {
		ack.Status = AckStatusRejected
		g.count(out.Reason)
	}
	return ack
}

func routeReason(err error) schema.RejectReason {
	switch {
	case errors.Is(err, core.ErrUnknownInstrument):
		return schema.RejectReasonUnknownInstrument
	case errors.Is(err, core.ErrOverloaded), errors.Is(err, core.ErrStopped):
		logs.Errorf("route request, err: %+v", err)
		return schema.RejectReasonOverloaded
	default:
		logs.Errorf("route request, err: %+v", err)
		return schema.RejectReasonOverloaded
	}
}
