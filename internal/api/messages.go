package api

import (
	"github.com/shopspring/decimal"

	"exchange/internal/book"
	"exchange/internal/og"
	"exchange/internal/schema"
)

// NewOrderRequest places an order. Price is ignored for market orders.
type NewOrderRequest struct {
	Symbol      string          `json:"symbol"`
	Owner       uint32          `json:"owner"`
	Side        string          `json:"side"`
	Type        string          `json:"type"`
	TimeInForce string          `json:"tif,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
}

// CancelOrderRequest cancels a resting order.
type CancelOrderRequest struct {
	OrderID uint64 `json:"order_id"`
	Owner   uint32 `json:"owner"`
}

// ModifyOrderRequest replaces a resting order. A zero price keeps the current one.
type ModifyOrderRequest struct {
	OrderID uint64          `json:"order_id"`
	Owner   uint32          `json:"owner"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
}

// OrderRequest looks up one order.
type OrderRequest struct {
	OrderID uint64 `json:"order_id"`
}

// SnapshotRequest asks for the aggregated book. Depth 0 returns every level.
type SnapshotRequest struct {
	Symbol string `json:"symbol"`
	Depth  int    `json:"depth,omitempty"`
}

// StreamRequest starts a stream after sequence From. Zero starts live.
type StreamRequest struct {
	From uint64 `json:"from,omitempty"`
}

// TradeResponse is one execution in an ack.
type TradeResponse struct {
	Sequence    uint64          `json:"sequence"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
	BuyOrderID  uint64          `json:"buy_order_id"`
	SellOrderID uint64          `json:"sell_order_id"`
}

// AckResponse is the synchronous answer to an order request.
type AckResponse struct {
	OrderID     uint64          `json:"order_id,omitempty"`
	ReplacedID  uint64          `json:"replaced_id,omitempty"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	OrderStatus string          `json:"order_status,omitempty"`
	Filled      decimal.Decimal `json:"filled"`
	Remaining   decimal.Decimal `json:"remaining"`
	Trades      []TradeResponse `json:"trades,omitempty"`
	Sequence    uint64          `json:"sequence,omitempty"`
	TraceID     uint64          `json:"trace_id,omitempty"`
}

// OrderResponse is the tracked state of an order.
type OrderResponse struct {
	OrderID     uint64          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Owner       uint32          `json:"owner"`
	Side        string          `json:"side"`
	Type        string          `json:"type"`
	TimeInForce string          `json:"tif"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
	Filled      decimal.Decimal `json:"filled"`
	Remaining   decimal.Decimal `json:"remaining"`
	Status      string          `json:"status"`
	ArrivalSeq  uint64          `json:"arrival_seq"`
	LastSeq     uint64          `json:"last_seq"`
}

// LevelResponse is one aggregated price level.
type LevelResponse struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
	Count int             `json:"count"`
}

// SnapshotResponse is the aggregated book as of Sequence.
type SnapshotResponse struct {
	Symbol   string          `json:"symbol"`
	Sequence uint64          `json:"sequence"`
	Halted   bool            `json:"halted,omitempty"`
	Bids     []LevelResponse `json:"bids"`
	Asks     []LevelResponse `json:"asks"`
}

// scales renders scaled integers of one instrument. The zero value renders raw integers.
type scales struct {
	price schema.Scale
	qty   schema.Scale
}

func scalesOf(inst *schema.Instrument) scales {
	if inst == nil {
		return scales{}
	}
	return scales{price: inst.PriceScale, qty: inst.QtyScale}
}

func (s scales) p(v schema.Price) decimal.Decimal {
	return decimal.New(int64(v), -int32(s.price))
}

func (s scales) q(v schema.Quantity) decimal.Decimal {
	return decimal.New(int64(v), -int32(s.qty))
}

func ackResponse(sc scales, ack og.Ack) *AckResponse {
	resp := &AckResponse{
		OrderID:    ack.OrderID,
		ReplacedID: ack.ReplacedID,
		Status:     ack.Status.String(),
		Filled:     sc.q(ack.Filled),
		Remaining:  sc.q(ack.Remaining),
		Sequence:   ack.Seq,
		TraceID:    ack.TraceID,
	}
	if ack.Reason != schema.RejectReasonNone {
		resp.Reason = ack.Reason.String()
	}
	if ack.OrderStatus != schema.OrderStatusUnknown {
		resp.OrderStatus = ack.OrderStatus.String()
	}
	for _, t := range ack.Trades {
		resp.Trades = append(resp.Trades, TradeResponse{
			Sequence:    t.Seq,
			Price:       sc.p(t.Price),
			Qty:         sc.q(t.Qty),
			BuyOrderID:  t.BuyOrderID(),
			SellOrderID: t.SellOrderID(),
		})
	}
	return resp
}

func rejectResponse(reason schema.RejectReason) *AckResponse {
	return &AckResponse{
		Status:      og.AckStatusRejected.String(),
		Reason:      reason.String(),
		OrderStatus: schema.OrderStatusRejected.String(),
	}
}

func orderResponse(inst *schema.Instrument, o og.Order) *OrderResponse {
	sc := scalesOf(inst)
	resp := &OrderResponse{
		OrderID:     o.ID,
		Owner:       o.Owner,
		Side:        o.Side.String(),
		Type:        o.Type.String(),
		TimeInForce: o.TimeInForce.String(),
		Price:       sc.p(o.Price),
		Qty:         sc.q(o.Qty),
		Filled:      sc.q(o.Filled),
		Remaining:   sc.q(o.Remaining),
		Status:      o.Status.String(),
		ArrivalSeq:  o.ArrivalSeq,
		LastSeq:     o.LastSeq,
	}
	if inst != nil {
		resp.Symbol = inst.Symbol
	}
	return resp
}

func levelResponses(sc scales, levels []book.LevelView) []LevelResponse {
	out := make([]LevelResponse, 0, len(levels))
	for _, lv := range levels {
		out = append(out, LevelResponse{Price: sc.p(lv.Price), Qty: sc.q(lv.Qty), Count: lv.Count})
	}
	return out
}
