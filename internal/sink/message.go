package sink

import (
	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"

	"exchange/internal/bus"
	"exchange/internal/schema"
)

// Message is one encoded event ready for a broker. Key is the instrument symbol so that one
// instrument's events stay in one partition.
type Message struct {
	Seq   uint64
	Type  schema.EventType
	Key   []byte
	Value []byte
}

// Envelope is the JSON shape published for every event.
type Envelope struct {
	Sequence   uint64 `json:"sequence"`
	Type       string `json:"type"`
	Instrument string `json:"instrument"`
	Timestamp  int64  `json:"ts"`
	TraceID    uint64 `json:"trace_id,omitempty"`
	Data       any    `json:"data"`
}

// BookDeltaMessage is the aggregate level update.
type BookDeltaMessage struct {
	Sequence     uint64          `json:"sequence"`
	Instrument   string          `json:"instrument"`
	Side         string          `json:"side"`
	Price        decimal.Decimal `json:"price"`
	AggregateQty decimal.Decimal `json:"aggregate_qty"`
	OrderCount   uint32          `json:"order_count"`
}

// TradeMessage is one execution.
type TradeMessage struct {
	Sequence      uint64          `json:"sequence"`
	Instrument    string          `json:"instrument"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	AggressorSide string          `json:"aggressor_side"`
	BuyOrderID    uint64          `json:"buy_order_id"`
	SellOrderID   uint64          `json:"sell_order_id"`
	Timestamp     int64           `json:"ts"`
}

// OrderMessage covers the order lifecycle events.
type OrderMessage struct {
	OrderID     uint64           `json:"order_id"`
	Owner       uint32           `json:"owner,omitempty"`
	Side        string           `json:"side,omitempty"`
	Type        string           `json:"order_type,omitempty"`
	TimeInForce string           `json:"tif,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Qty         *decimal.Decimal `json:"qty,omitempty"`
	Remaining   *decimal.Decimal `json:"remaining,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// HaltMessage reports an instrument halt.
type HaltMessage struct {
	Code string `json:"code"`
}

// Encoder turns bus events into JSON messages with decimal prices at the instrument scale.
type Encoder struct {
	registry *schema.Registry
}

// NewEncoder creates an encoder resolving instruments through registry.
func NewEncoder(registry *schema.Registry) *Encoder {
	return &Encoder{registry: registry}
}

// Envelope renders e as a value. Gap markers and events of unknown instruments are skipped.
func (enc *Encoder) Envelope(e bus.Event) (Envelope, bool) {
	if e.Header.Type == schema.EventGap || e.Body == nil {
		return Envelope{}, false
	}
	inst, ok := enc.registry.Lookup(schema.InstrumentID(e.Header.Source))
	if !ok {
		return Envelope{}, false
	}
	data := enc.data(inst, e)
	if data == nil {
		return Envelope{}, false
	}
	return Envelope{
		Sequence:   e.Header.Seq,
		Type:       e.Header.Type.String(),
		Instrument: inst.Symbol,
		Timestamp:  e.Header.TsEvent,
		TraceID:    e.Header.TraceID,
		Data:       data,
	}, true
}

// Encode renders e as JSON keyed by instrument.
func (enc *Encoder) Encode(e bus.Event) (Message, bool, error) {
	env, ok := enc.Envelope(e)
	if !ok {
		return Message{}, false, nil
	}
	value, err := sonic.Marshal(env)
	if err != nil {
		return Message{}, false, err
	}
	return Message{
		Seq:   env.Sequence,
		Type:  e.Header.Type,
		Key:   []byte(env.Instrument),
		Value: value,
	}, true, nil
}

func (enc *Encoder) data(inst *schema.Instrument, e bus.Event) any {
	price := func(p schema.Price) decimal.Decimal { return decimal.New(int64(p), -int32(inst.PriceScale)) }
	qty := func(q schema.Quantity) decimal.Decimal { return decimal.New(int64(q), -int32(inst.QtyScale)) }
	pprice := func(p schema.Price) *decimal.Decimal { d := price(p); return &d }
	pqty := func(q schema.Quantity) *decimal.Decimal { d := qty(q); return &d }

	switch ev := e.Body.(type) {
	case schema.BookDelta:
		return BookDeltaMessage{
			Sequence:     e.Header.Seq,
			Instrument:   inst.Symbol,
			Side:         ev.Side.String(),
			Price:        price(ev.Price),
			AggregateQty: qty(ev.AggregateQty),
			OrderCount:   ev.OrderCount,
		}
	case schema.Trade:
		return TradeMessage{
			Sequence:      e.Header.Seq,
			Instrument:    inst.Symbol,
			Price:         price(ev.Price),
			Qty:           qty(ev.Qty),
			AggressorSide: ev.AggressorSide.String(),
			BuyOrderID:    ev.BuyOrderID(),
			SellOrderID:   ev.SellOrderID(),
			Timestamp:     ev.Timestamp,
		}
	case schema.OrderAccepted:
		msg := OrderMessage{
			OrderID:     ev.OrderID,
			Owner:       ev.Owner,
			Side:        ev.Side.String(),
			Type:        ev.Type.String(),
			TimeInForce: ev.TimeInForce.String(),
			Qty:         pqty(ev.Qty),
		}
		if ev.Price != 0 {
			msg.Price = pprice(ev.Price)
		}
		return msg
	case schema.OrderRested:
		return OrderMessage{OrderID: ev.OrderID, Side: ev.Side.String(), TimeInForce: ev.TimeInForce.String(), Price: pprice(ev.Price), Remaining: pqty(ev.Remaining)}
	case schema.OrderReduced:
		return OrderMessage{OrderID: ev.OrderID, Side: ev.Side.String(), Price: pprice(ev.Price), Remaining: pqty(ev.Remaining)}
	case schema.OrderCancelled:
		return OrderMessage{OrderID: ev.OrderID, Side: ev.Side.String(), Price: pprice(ev.Price), Remaining: pqty(ev.Remaining), Reason: ev.Reason.String()}
	case schema.OrderRejected:
		return OrderMessage{OrderID: ev.OrderID, Qty: pqty(ev.Qty), Reason: ev.Reason.String()}
	case schema.InstrumentHalted:
		return HaltMessage{Code: ev.Code.String()}
	default:
		return nil
	}
}
