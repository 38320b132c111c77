package codec

import (
	"errors"

	"exchange/internal/schema"
)

var (
	ErrUnknownEvent = errors.New("codec: unknown event type")
	ErrShortPayload = errors.New("codec: short payload")
)

// Encode serializes any known payload, reusing dst when it is large enough.
func Encode(dst []byte, p schema.Payload) ([]byte, error) {
	switch v := p.(type) {
	case schema.OrderAccepted:
		return EncodeOrderAccepted(dst, v), nil
	case schema.OrderRested:
		return EncodeOrderRested(dst, v), nil
	case schema.Trade:
		return EncodeTrade(dst, v), nil
	case schema.BookDelta:
		return EncodeBookDelta(dst, v), nil
	case schema.OrderCancelled:
		return EncodeOrderCancelled(dst, v), nil
	case schema.OrderRejected:
		return EncodeOrderRejected(dst, v), nil
	case schema.OrderReduced:
		return EncodeOrderReduced(dst, v), nil
	case schema.InstrumentHalted:
		return EncodeInstrumentHalted(dst, v), nil
	case schema.Gap:
		return EncodeGap(dst, v), nil
	default:
		return nil, ErrUnknownEvent
	}
}

// Decode parses a payload according to the header type.
// Trade and BookDelta get their Seq from the header.
func Decode(header schema.EventHeader, src []byte) (schema.Payload, error) {
	var (
		p  schema.Payload
		ok bool
	)
	switch header.Type {
	case schema.EventOrderAccepted:
		p, ok = DecodeOrderAccepted(src)
	case schema.EventOrderRested:
		p, ok = DecodeOrderRested(src)
	case schema.EventTrade:
		var t schema.Trade
		t, ok = DecodeTrade(src)
		t.Seq = header.Seq
		p = t
	case schema.EventBookDelta:
		var d schema.BookDelta
		d, ok = DecodeBookDelta(src)
		d.Seq = header.Seq
		p = d
	case schema.EventOrderCancelled:
		p, ok = DecodeOrderCancelled(src)
	case schema.EventOrderRejected:
		p, ok = DecodeOrderRejected(src)
	case schema.EventOrderReduced:
		p, ok = DecodeOrderReduced(src)
	case schema.EventInstrumentHalted:
		p, ok = DecodeInstrumentHalted(src)
	case schema.EventGap:
		p, ok = DecodeGap(src)
	default:
		return nil, ErrUnknownEvent
	}
	if !ok {
		return nil, ErrShortPayload
	}
	return p, nil
}
