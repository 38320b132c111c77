package codec

import (
	"encoding/binary"

	"exchange/internal/schema"
)

const (
	OrderAcceptedPayloadSize  = 40
	OrderRestedPayloadSize    = 32
	OrderCancelledPayloadSize = 32
	OrderRejectedPayloadSize  = 24
	OrderReducedPayloadSize   = 32
)

// EncodeOrderAccepted serializes an accepted order into a fixed-size payload.
func EncodeOrderAccepted(dst []byte, order schema.OrderAccepted) []byte {
	dst = sized(dst, OrderAcceptedPayloadSize)
	binary.LittleEndian.PutUint64(dst[0:8], order.OrderID)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(order.InstrumentID))
	binary.LittleEndian.PutUint32(dst[12:16], order.Owner)
	binary.LittleEndian.PutUint16(dst[16:18], uint16(order.Side))
	binary.LittleEndian.PutUint16(dst[18:20], uint16(order.Type))
	binary.LittleEndian.PutUint16(dst[20:22], uint16(order.TimeInForce))
	binary.LittleEndian.PutUint16(dst[22:24], order.Flags)
	binary.LittleEndian.PutUint64(dst[24:32], uint64(order.Price))
	binary.LittleEndian.PutUint64(dst[32:40], uint64(order.Qty))
	return dst
}

// DecodeOrderAccepted parses a fixed-size accepted order payload.
func DecodeOrderAccepted(src []byte) (schema.OrderAccepted, bool) {
	if len(src) < OrderAcceptedPayloadSize {
		return schema.OrderAccepted{}, false
	}
	return schema.OrderAccepted{
		OrderID:      binary.LittleEndian.Uint64(src[0:8]),
		InstrumentID: schema.InstrumentID(binary.LittleEndian.Uint32(src[8:12])),
		Owner:        binary.LittleEndian.Uint32(src[12:16]),
		Side:         schema.OrderSide(binary.LittleEndian.Uint16(src[16:18])),
		Type:         schema.OrderType(binary.LittleEndian.Uint16(src[18:20])),
		TimeInForce:  schema.TimeInForce(binary.LittleEndian.Uint16(src[20:22])),
		Flags:        binary.LittleEndian.Uint16(src[22:24]),
		Price:        schema.Price(int64(binary.LittleEndian.Uint64(src[24:32]))),
		Qty:          schema.Quantity(int64(binary.LittleEndian.Uint64(src[32:40]))),
	}, true
}

// EncodeOrderRested serializes a rested order into a fixed-size payload.
func EncodeOrderRested(dst []byte, order schema.OrderRested) []byte {
	dst = sized(dst, OrderRestedPayloadSize)
	binary.LittleEndian.PutUint64(dst[0:8], order.OrderID)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(order.InstrumentID))
	binary.LittleEndian.PutUint16(dst[12:14], uint16(order.Side))
	binary.LittleEndian.PutUint16(dst[14:16], uint16(order.TimeInForce))
	binary.LittleEndian.PutUint64(dst[16:24], uint64(order.Price))
	binary.LittleEndian.PutUint64(dst[24:32], uint64(order.Remaining))
	return dst
}

// DecodeOrderRested parses a fixed-size rested order payload.
func DecodeOrderRested(src []byte) (schema.OrderRested, bool) {
	if len(src) < OrderRestedPayloadSize {
		return schema.OrderRested{}, false
	}
	return schema.OrderRested{
		OrderID:      binary.LittleEndian.Uint64(src[0:8]),
		InstrumentID: schema.InstrumentID(binary.LittleEndian.Uint32(src[8:12])),
		Side:         schema.OrderSide(binary.LittleEndian.Uint16(src[12:14])),
		TimeInForce:  schema.TimeInForce(binary.LittleEndian.Uint16(src[14:16])),
		Price:        schema.Price(int64(binary.LittleEndian.Uint64(src[16:24]))),
		Remaining:    schema.Quantity(int64(binary.LittleEndian.Uint64(src[24:32]))),
	}, true
}

// EncodeOrderCancelled serializes a cancellation into a fixed-size payload.
func EncodeOrderCancelled(dst []byte, order schema.OrderCancelled) []byte {
	dst = sized(dst, OrderCancelledPayloadSize)
	binary.LittleEndian.PutUint64(dst[0:8], order.OrderID)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(order.InstrumentID))
	binary.LittleEndian.PutUint16(dst[12:14], uint16(order.Side))
	binary.LittleEndian.PutUint16(dst[14:16], uint16(order.Reason))
	binary.LittleEndian.PutUint64(dst[16:24], uint64(order.Price))
	binary.LittleEndian.PutUint64(dst[24:32], uint64(order.Remaining))
	return dst
}

// DecodeOrderCancelled parses a fixed-size cancellation payload.
func DecodeOrderCancelled(src []byte) (schema.OrderCancelled, bool) {
	if len(src) < OrderCancelledPayloadSize {
		return schema.OrderCancelled{}, false
	}
	return schema.OrderCancelled{
		OrderID:      binary.LittleEndian.Uint64(src[0:8]),
		InstrumentID: schema.InstrumentID(binary.LittleEndian.Uint32(src[8:12])),
		Side:         schema.OrderSide(binary.LittleEndian.Uint16(src[12:14])),
		Reason:       schema.CancelReason(binary.LittleEndian.Uint16(src[14:16])),
		Price:        schema.Price(int64(binary.LittleEndian.Uint64(src[16:24]))),
		Remaining:    schema.Quantity(int64(binary.LittleEndian.Uint64(src[24:32]))),
	}, true
}

// EncodeOrderRejected serializes a matching-time rejection into a fixed-size payload.
func EncodeOrderRejected(dst []byte, order schema.OrderRejected) []byte {
	dst = sized(dst, OrderRejectedPayloadSize)
	binary.LittleEndian.PutUint64(dst[0:8], order.OrderID)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(order.InstrumentID))
	binary.LittleEndian.PutUint16(dst[12:14], uint16(order.Reason))
	binary.LittleEndian.PutUint16(dst[14:16], 0)
	binary.LittleEndian.PutUint64(dst[16:24], uint64(order.Qty))
	return dst
}

// DecodeOrderRejected parses a fixed-size rejection payload.
func DecodeOrderRejected(src []byte) (schema.OrderRejected, bool) {
	if len(src) < OrderRejectedPayloadSize {
		return schema.OrderRejected{}, false
	}
	return schema.OrderRejected{
		OrderID:      binary.LittleEndian.Uint64(src[0:8]),
		InstrumentID: schema.InstrumentID(binary.LittleEndian.Uint32(src[8:12])),
		Reason:       schema.RejectReason(binary.LittleEndian.Uint16(src[12:14])),
		Qty:          schema.Quantity(int64(binary.LittleEndian.Uint64(src[16:24]))),
	}, true
}

// EncodeOrderReduced serializes an in-place reduction into a fixed-size payload.
func EncodeOrderReduced(dst []byte, order schema.OrderReduced) []byte {
	dst = sized(dst, OrderReducedPayloadSize)
	binary.LittleEndian.PutUint64(dst[0:8], order.OrderID)
	binary.LittleEndian.PutUint32(dst[8:12], uint32(order.InstrumentID))
	binary.LittleEndian.PutUint16(dst[12:14], uint16(order.Side))
	binary.LittleEndian.PutUint16(dst[14:16], 0)
	binary.LittleEndian.PutUint64(dst[16:24], uint64(order.Price))
	binary.LittleEndian.PutUint64(dst[24:32], uint64(order.Remaining))
	return dst
}

// DecodeOrderReduced parses a fixed-size reduction payload.
func DecodeOrderReduced(src []byte) (schema.OrderReduced, bool) {
	if len(src) < OrderReducedPayloadSize {
		return schema.OrderReduced{}, false
	}
	return schema.OrderReduced{
		OrderID:      binary.LittleEndian.Uint64(src[0:8]),
		InstrumentID: schema.InstrumentID(binary.LittleEndian.Uint32(src[8:12])),
		Side:         schema.OrderSide(binary.LittleEndian.Uint16(src[12:14])),
		Price:        schema.Price(int64(binary.LittleEndian.Uint64(src[16:24]))),
		Remaining:    schema.Quantity(int64(binary.LittleEndian.Uint64(src[24:32]))),
	}, true
}

func sized(dst []byte, n int) []byte {
	if cap(dst) < n {
		return make([]byte, n)
	}
	return dst[:n]
}
