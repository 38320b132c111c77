package api

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"exchange/internal/bus"
	"exchange/internal/feed"
	"exchange/internal/og"
	"exchange/internal/ops"
	"exchange/internal/schema"
	"exchange/internal/sink"
	"exchange/pkg/exception"
)

const streamCapacity = 4096

// Service is the transport independent order entry and market data surface shared by the gRPC
// and Unix socket servers.
type Service struct {
	registry *schema.Registry
	gateway  *og.Gateway
	handler  *feed.Handler
	bus      *bus.Bus
	encoder  *sink.Encoder
}

// NewService wires the service. Streams catch up through the handler's history.
func NewService(registry *schema.Registry, gateway *og.Gateway, handler *feed.Handler, b *bus.Bus) *Service {
	return &Service{
		registry: registry,
		gateway:  gateway,
		handler:  handler,
		bus:      b,
		encoder:  sink.NewEncoder(registry),
	}
}

// NewOrder validates the wire format, converts decimals at the instrument scale and submits.
func (s *Service) NewOrder(ctx context.Context, req *NewOrderRequest) (*AckResponse, error) {
	if req == nil {
		return nil, exception.ErrOrderInvalidRequest
	}
	tif := schema.ParseTimeInForce(req.TimeInForce)
	if req.TimeInForce != "" && tif == schema.TimeInForceUnknown {
		return nil, fmt.Errorf("%w: time in force %q", exception.ErrOrderInvalidRequest, req.TimeInForce)
	}

	inst, ok := s.registry.LookupSymbol(req.Symbol)
	if !ok {
		ack := s.gateway.NewOrder(ctx, og.NewOrderRequest{Symbol: req.Symbol, Owner: req.Owner})
		return ackResponse(scales{}, ack), nil
	}

	orderType := schema.ParseOrderType(req.Type)
	var price schema.Price
	if orderType != schema.OrderTypeMarket {
		p, ok := toScaled(req.Price, inst.PriceScale)
		if !ok {
			return rejectResponse(schema.RejectReasonInvalidPrice), nil
		}
		price = schema.Price(p)
	}
	qty, ok := toScaled(req.Qty, inst.QtyScale)
	if !ok {
		return rejectResponse(schema.RejectReasonInvalidQuantity), nil
	}

	ack := s.gateway.NewOrder(ctx, og.NewOrderRequest{
		Instrument:  inst.ID,
		Owner:       req.Owner,
		Side:        schema.ParseOrderSide(req.Side),
		Type:        orderType,
		TimeInForce: tif,
		Price:       price,
		Qty:         schema.Quantity(qty),
	})
	return ackResponse(scalesOf(inst), ack), nil
}

// CancelOrder cancels a resting order owned by the requester.
func (s *Service) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*AckResponse, error) {
	if req == nil || req.OrderID == 0 {
		return nil, exception.ErrOrderInvalidRequest
	}
	inst := s.orderInstrument(req.OrderID)
	ack := s.gateway.CancelOrder(ctx, og.CancelRequest{OrderID: req.OrderID, Owner: req.Owner})
	return ackResponse(scalesOf(inst), ack), nil
}

// ModifyOrder replaces a resting order. Price and quantity use the order's instrument scale.
func (s *Service) ModifyOrder(ctx context.Context, req *ModifyOrderRequest) (*AckResponse, error) {
	if req == nil || req.OrderID == 0 {
		return nil, exception.ErrOrderInvalidRequest
	}
	inst := s.orderInstrument(req.OrderID)
	if inst == nil {
		ack := s.gateway.ModifyOrder(ctx, og.ModifyRequest{OrderID: req.OrderID, Owner: req.Owner})
		return ackResponse(scales{}, ack), nil
	}

	price, ok := toScaled(req.Price, inst.PriceScale)
	if !ok {
		return rejectResponse(schema.RejectReasonInvalidPrice), nil
	}
	qty, ok := toScaled(req.Qty, inst.QtyScale)
	if !ok {
		return rejectResponse(schema.RejectReasonInvalidQuantity), nil
	}
	ack := s.gateway.ModifyOrder(ctx, og.ModifyRequest{
		OrderID: req.OrderID,
		Owner:   req.Owner,
		Price:   schema.Price(price),
		Qty:     schema.Quantity(qty),
	})
	return ackResponse(scalesOf(inst), ack), nil
}

// GetOrder returns the tracked state of an order.
func (s *Service) GetOrder(_ context.Context, req *OrderRequest) (*OrderResponse, error) {
	if req == nil || req.OrderID == 0 {
		return nil, exception.ErrOrderInvalidRequest
	}
	o, ok := s.gateway.Order(req.OrderID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", exception.ErrOrderNotFound, req.OrderID)
	}
	inst, _ := s.registry.Lookup(o.Instrument)
	return orderResponse(inst, o), nil
}

// GetSnapshot returns the aggregated book captured inside the instrument's actor.
func (s *Service) GetSnapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	if req == nil {
		return nil, exception.ErrOrderInvalidRequest
	}
	inst, ok := s.registry.LookupSymbol(req.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", exception.ErrUnknownInstrument, req.Symbol)
	}
	snap, err := s.handler.Snapshot(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	sc := scalesOf(inst)
	return &SnapshotResponse{
		Symbol:   inst.Symbol,
		Sequence: snap.LastSeq,
		Halted:   snap.Halted,
		Bids:     levelResponses(sc, snap.Depth(schema.OrderSideBuy, req.Depth)),
		Asks:     levelResponses(sc, snap.Depth(schema.OrderSideSell, req.Depth)),
	}, nil
}

// StreamEvents sends every event after req.From, then live events, until ctx is done or send
// fails. Delivery is gap free: bus losses are filled from history.
func (s *Service) StreamEvents(ctx context.Context, req *StreamRequest, send func(*sink.Envelope) error) error {
	if req == nil {
		return exception.ErrOrderInvalidRequest
	}
	opts := []sink.ForwarderOption{
		sink.WithCapacity(streamCapacity),
		sink.WithBackOff(func() backoff.BackOff { return &backoff.StopBackOff{} }),
	}
	if req.From > 0 {
		opts = append(opts, sink.WithStartSeq(req.From-1))
	}
	name := "stream-" + uuid.NewString()
	f := sink.NewForwarder(name, s.bus, s.handler, &streamSink{encoder: s.encoder, send: send}, opts...)
	return f.Run(ctx)
}

func (s *Service) orderInstrument(id uint64) *schema.Instrument {
	o, ok := s.gateway.Order(id)
	if !ok {
		return nil
	}
	inst, ok := s.registry.Lookup(o.Instrument)
	if !ok {
		return nil
	}
	return inst
}

func toScaled(d decimal.Decimal, scale schema.Scale) (int64, bool) {
	v, err := ops.ScaleDecimal(d, int32(scale))
	return v, err == nil
}

// streamSink adapts a send function to sink.Sink.
type streamSink struct {
	encoder *sink.Encoder
	send    func(*sink.Envelope) error
}

func (s *streamSink) Write(_ context.Context, events []bus.Event) error {
	for _, e := range events {
		env, ok := s.encoder.Envelope(e)
		if !ok {
			continue
		}
		if err := s.send(&env); err != nil {
			return backoff.Permanent(err)
		}
	}
	return nil
}

func (s *streamSink) Close() error { return nil }
