package codec

import (
	"encoding/binary"

	"exchange/internal/schema"
)

const (
	TradePayloadSize            = 56
	BookDeltaPayloadSize        = 32
	InstrumentHaltedPayloadSize = 16
	GapPayloadSize              = 16
)

// EncodeTrade serializes a trade into a fixed-size payload. Seq travels in the event header.
func EncodeTrade(dst []byte, trade schema.Trade) []byte {
	dst = sized(dst, TradePayloadSize)
	binary.LittleEndian.PutUint64(dst[0:8], trade.AggressorID)
	binary.LittleEndian.PutUint64(dst[8:16], trade.RestingID)
	binary.LittleEndian.PutUint32(dst[16:20], uint32(trade.InstrumentID))
	binary.LittleEndian.PutUint32(dst[20:24], trade.AggressorOwner)
	binary.LittleEndian.PutUint32(dst[24:28], trade.RestingOwner)
	binary.LittleEndian.PutUint16(dst[28:30], uint16(trade.AggressorSide))
	binary.LittleEndian.PutUint16(dst[30:32], 0)
	binary.LittleEndian.PutUint64(dst[32:40], uint64(trade.Price))
	binary.LittleEndian.PutUint64(dst[40:48], uint64(trade.Qty))
	binary.LittleEndian.PutUint64(dst[48:56], uint64(trade.Timestamp))
	return dst
}

// DecodeTrade parses a fixed-size trade payload.
func DecodeTrade(src []byte) (schema.Trade, bool) {
	if len(src) < TradePayloadSize {
		return schema.Trade{}, false
	}
	return schema.Trade{
		AggressorID:    binary.LittleEndian.Uint64(src[0:8]),
		RestingID:      binary.LittleEndian.Uint64(src[8:16]),
		InstrumentID:   schema.InstrumentID(binary.LittleEndian.Uint32(src[16:20])),
		AggressorOwner: binary.LittleEndian.Uint32(src[20:24]),
		RestingOwner:   binary.LittleEndian.Uint32(src[24:28]),
		AggressorSide:  schema.OrderSide(binary.LittleEndian.Uint16(src[28:30])),
		Price:          schema.Price(int64(binary.LittleEndian.Uint64(src[32:40]))),
		Qty:            schema.Quantity(int64(binary.LittleEndian.Uint64(src[40:48]))),
		Timestamp:      int64(binary.LittleEndian.Uint64(src[48:56])),
	}, true
}

// EncodeBookDelta serializes a level update into a fixed-size payload.
func EncodeBookDelta(dst []byte, delta schema.BookDelta) []byte {
	dst = sized(dst, BookDeltaPayloadSize)
	binary.LittleEndian.PutUint32(dst[0:4], uint32(delta.InstrumentID))
	binary.LittleEndian.PutUint16(dst[4:6], uint16(delta.Side))
	binary.LittleEndian.PutUint16(dst[6:8], 0)
	binary.LittleEndian.PutUint64(dst[8:16], uint64(delta.Price))
	binary.LittleEndian.PutUint64(dst[16:24], uint64(delta.AggregateQty))
	binary.LittleEndian.PutUint32(dst[24:28], delta.OrderCount)
	binary.LittleEndian.PutUint32(dst[28:32], 0)
	return dst
}

// DecodeBookDelta parses a fixed-size level update payload.
func DecodeBookDelta(src []byte) (schema.BookDelta, bool) {
	if len(src) < BookDeltaPayloadSize {
		return schema.BookDelta{}, false
	}
	return schema.BookDelta{
		InstrumentID: schema.InstrumentID(binary.LittleEndian.Uint32(src[0:4])),
		Side:         schema.OrderSide(binary.LittleEndian.Uint16(src[4:6])),
		Price:        schema.Price(int64(binary.LittleEndian.Uint64(src[8:16]))),
		AggregateQty: schema.Quantity(int64(binary.LittleEndian.Uint64(src[16:24]))),
		OrderCount:   binary.LittleEndian.Uint32(src[24:28]),
	}, true
}

// EncodeInstrumentHalted serializes a halt notice into a fixed-size payload.
func EncodeInstrumentHalted(dst []byte, halt schema.InstrumentHalted) []byte {
	dst = sized(dst, InstrumentHaltedPayloadSize)
	binary.LittleEndian.PutUint32(dst[0:4], uint32(halt.InstrumentID))
	binary.LittleEndian.PutUint16(dst[4:6], uint16(halt.Code))
	binary.LittleEndian.PutUint16(dst[6:8], 0)
	binary.LittleEndian.PutUint64(dst[8:16], 0)
	return dst
}

// DecodeInstrumentHalted parses a fixed-size halt notice payload.
func DecodeInstrumentHalted(src []byte) (schema.InstrumentHalted, bool) {
	if len(src) < InstrumentHaltedPayloadSize {
		return schema.InstrumentHalted{}, false
	}
	return schema.InstrumentHalted{
		InstrumentID: schema.InstrumentID(binary.LittleEndian.Uint32(src[0:4])),
		Code:         schema.HaltCode(binary.LittleEndian.Uint16(src[4:6])),
	}, true
}

// EncodeGap serializes a gap notification into a fixed-size payload.
func EncodeGap(dst []byte, gap schema.Gap) []byte {
	dst = sized(dst, GapPayloadSize)
	binary.LittleEndian.PutUint64(dst[0:8], gap.From)
	binary.LittleEndian.PutUint64(dst[8:16], gap.To)
	return dst
}

// DecodeGap parses a fixed-size gap notification payload.
func DecodeGap(src []byte) (schema.Gap, bool) {
	if len(src) < GapPayloadSize {
		return schema.Gap{}, false
	}
	return schema.Gap{
		From: binary.LittleEndian.Uint64(src[0:8]),
		To:   binary.LittleEndian.Uint64(src[8:16]),
	}, true
}
