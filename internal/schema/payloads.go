package schema

import "strings"

// Price is a scaled integer. The scale is defined per instrument.
type Price int64

// Quantity is a scaled integer. The scale is defined per instrument.
type Quantity int64

// Notional is price times quantity at the combined scale.
type Notional int64

// OrderSide describes order direction.
type OrderSide uint16

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

// Opposite returns the side an order of this side matches against.
func (s OrderSide) Opposite() OrderSide {
	switch s {
	case OrderSideBuy:
		return OrderSideSell
	case OrderSideSell:
		return OrderSideBuy
	default:
		return OrderSideUnknown
	}
}

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "buy"
	case OrderSideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseOrderSide maps "buy"/"b" and "sell"/"s" in any case. Anything else is OrderSideUnknown.
func ParseOrderSide(s string) OrderSide {
	switch strings.ToLower(s) {
	case "buy", "b":
		return OrderSideBuy
	case "sell", "s":
		return OrderSideSell
	default:
		return OrderSideUnknown
	}
}

// OrderType describes order type.
type OrderType uint16

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	default:
		return "unknown"
	}
}

// ParseOrderType maps "limit" and "market" in any case.
func ParseOrderType(s string) OrderType {
	switch strings.ToLower(s) {
	case "limit":
		return OrderTypeLimit
	case "market":
		return OrderTypeMarket
	default:
		return OrderTypeUnknown
	}
}

// TimeInForce describes order time-in-force.
type TimeInForce uint16

const (
	TimeInForceUnknown TimeInForce = iota
	TimeInForceGTC
	TimeInForceIOC
	TimeInForceFOK
	TimeInForceDay
)

func (t TimeInForce) String() string {
	switch t {
	case TimeInForceGTC:
		return "gtc"
	case TimeInForceIOC:
		return "ioc"
	case TimeInForceFOK:
		return "fok"
	case TimeInForceDay:
		return "day"
	default:
		return "unknown"
	}
}

// ParseTimeInForce maps gtc, ioc, fok and day in any case. Empty is TimeInForceUnknown so that
// the gateway can apply the order type default.
func ParseTimeInForce(s string) TimeInForce {
	switch strings.ToLower(s) {
	case "gtc":
		return TimeInForceGTC
	case "ioc":
		return TimeInForceIOC
	case "fok":
		return TimeInForceFOK
	case "day":
		return TimeInForceDay
	default:
		return TimeInForceUnknown
	}
}

// Rests reports whether an unfilled remainder is inserted into the book.
func (t TimeInForce) Rests() bool {
	return t == TimeInForceGTC || t == TimeInForceDay
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus uint16

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusNew
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusNew:
		return "new"
	case OrderStatusPartiallyFilled:
		return "partially_filled"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusRejected:
		return "rejected"
	case OrderStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// RejectReason enumerates why a request was refused.
type RejectReason uint16

const (
	RejectReasonNone RejectReason = iota
	RejectReasonUnknownInstrument
	RejectReasonInstrumentHalted
	RejectReasonInstrumentClosed
	RejectReasonInvalidPrice
	RejectReasonPriceOutOfBounds
	RejectReasonInvalidQuantity
	RejectReasonInvalidOrderType
	RejectReasonRiskRejected
	RejectReasonFOKUnfillable
	RejectReasonUnknownOrder
	RejectReasonSelfTrade
	RejectReasonOverloaded
)

const MaxRejectReason = RejectReasonOverloaded

var rejectReasonNames = [...]string{
	RejectReasonNone:              "none",
	RejectReasonUnknownInstrument: "unknown_instrument",
	RejectReasonInstrumentHalted:  "instrument_halted",
	RejectReasonInstrumentClosed:  "instrument_closed",
	RejectReasonInvalidPrice:      "invalid_price",
	RejectReasonPriceOutOfBounds:  "price_out_of_bounds",
	RejectReasonInvalidQuantity:   "invalid_quantity",
	RejectReasonInvalidOrderType:  "invalid_order_type",
	RejectReasonRiskRejected:      "risk_rejected",
	RejectReasonFOKUnfillable:     "fok_unfillable",
	RejectReasonUnknownOrder:      "unknown_order",
	RejectReasonSelfTrade:         "self_trade",
	RejectReasonOverloaded:        "overloaded",
}

func (r RejectReason) String() string {
	if int(r) < len(rejectReasonNames) {
		return rejectReasonNames[r]
	}
	return "unknown"
}

// CancelReason tells subscribers why an order left the book without filling.
type CancelReason uint16

const (
	CancelReasonUnknown CancelReason = iota
	CancelReasonUser
	CancelReasonIOCRemainder
	CancelReasonMarketRemainder
	CancelReasonExpired
	CancelReasonReplaced
	CancelReasonSelfTrade
)

func (r CancelReason) String() string {
	switch r {
	case CancelReasonUser:
		return "user"
	case CancelReasonIOCRemainder:
		return "ioc_remainder"
	case CancelReasonMarketRemainder:
		return "market_remainder"
	case CancelReasonExpired:
		return "expired"
	case CancelReasonReplaced:
		return "replaced"
	case CancelReasonSelfTrade:
		return "self_trade"
	default:
		return "unknown"
	}
}

// OrderAccepted is emitted when an order enters the matching pipeline.
// Its sequence number is the order's arrival sequence.
type OrderAccepted struct {
	OrderID      uint64
	InstrumentID InstrumentID
	Owner        uint32
	Side         OrderSide
	Type         OrderType
	TimeInForce  TimeInForce
	Flags        uint16
	Price        Price
	Qty          Quantity
}

func (OrderAccepted) EventType() EventType { return EventOrderAccepted }

// OrderRested is emitted when the unfilled remainder of an order is inserted into the book.
type OrderRested struct {
	OrderID      uint64
	InstrumentID InstrumentID
	Side         OrderSide
	TimeInForce  TimeInForce
	Price        Price
	Remaining    Quantity
}

func (OrderRested) EventType() EventType { return EventOrderRested }

// Trade is an immutable execution record. The event sequence number is the trade sequence.
type Trade struct {
	Seq            uint64
	InstrumentID   InstrumentID
	AggressorID    uint64
	RestingID      uint64
	AggressorOwner uint32
	RestingOwner   uint32
	AggressorSide  OrderSide
	Price          Price
	Qty            Quantity
	Timestamp      int64
}

func (Trade) EventType() EventType { return EventTrade }

// BuyOrderID returns the buying side of the trade.
func (t Trade) BuyOrderID() uint64 {
	if t.AggressorSide == OrderSideBuy {
		return t.AggressorID
	}
	return t.RestingID
}

// SellOrderID returns the selling side of the trade.
func (t Trade) SellOrderID() uint64 {
	if t.AggressorSide == OrderSideSell {
		return t.AggressorID
	}
	return t.RestingID
}

// BookDelta carries the new aggregate quantity at one price level. Zero removes the level.
type BookDelta struct {
	Seq          uint64
	InstrumentID InstrumentID
	Side         OrderSide
	Price        Price
	AggregateQty Quantity
	OrderCount   uint32
}

func (BookDelta) EventType() EventType { return EventBookDelta }

// OrderCancelled is emitted when an order, or its remainder, leaves the pipeline unfilled.
type OrderCancelled struct {
	OrderID      uint64
	InstrumentID InstrumentID
	Side         OrderSide
	Reason       CancelReason
	Price        Price
	Remaining    Quantity
}

func (OrderCancelled) EventType() EventType { return EventOrderCancelled }

// OrderRejected is emitted for matching-time rejections of an accepted order.
type OrderRejected struct {
	OrderID      uint64
	InstrumentID InstrumentID
	Reason       RejectReason
	Qty          Quantity
}

func (OrderRejected) EventType() EventType { return EventOrderRejected }

// OrderReduced is emitted when a resting order keeps its priority while its quantity shrinks.
type OrderReduced struct {
	OrderID      uint64
	InstrumentID InstrumentID
	Side         OrderSide
	Price        Price
	Remaining    Quantity
}

func (OrderReduced) EventType() EventType { return EventOrderReduced }

// HaltCode names the invariant whose breach halted an instrument.
type HaltCode uint16

const (
	HaltCodeUnknown HaltCode = iota
	HaltCodeNegativeRemaining
	HaltCodeCrossedBook
	HaltCodeFOKPartial
	HaltCodeBookError
	HaltCodeUnsequenced
)

func (c HaltCode) String() string {
	switch c {
	case HaltCodeNegativeRemaining:
		return "negative_remaining"
	case HaltCodeCrossedBook:
		return "crossed_book"
	case HaltCodeFOKPartial:
		return "fok_partial"
	case HaltCodeBookError:
		return "book_error"
	case HaltCodeUnsequenced:
		return "unsequenced"
	default:
		return "unknown"
	}
}

// InstrumentHalted is emitted once when an instrument stops processing after an invariant breach.
type InstrumentHalted struct {
	InstrumentID InstrumentID
	Code         HaltCode
}

func (InstrumentHalted) EventType() EventType { return EventInstrumentHalted }

// Gap tells a subscriber that the sequences From..To (inclusive) were evicted from its queue.
type Gap struct {
	From uint64
	To   uint64
}

func (Gap) EventType() EventType { return EventGap }
