package codec

import (
	"testing"

	"exchange/internal/schema"
)

func TestDecodeStampsSequence(t *testing.T) {
	trade := schema.Trade{
		InstrumentID:  3,
		AggressorID:   12,
		RestingID:     7,
		AggressorSide: schema.OrderSideSell,
		Price:         1000,
		Qty:           50,
		Timestamp:     1700000000,
	}
	payload, err := Encode(nil, trade)
	if err != nil {
		t.Fatalf("encode trade failed: %v", err)
	}
	if len(payload) != TradePayloadSize {
		t.Fatalf("trade payload size mismatch: got %d want %d", len(payload), TradePayloadSize)
	}

	header := schema.NewHeader(schema.EventTrade, 3, 42, 0, 0)
	decoded, err := Decode(header, payload)
	if err != nil {
		t.Fatalf("decode trade failed: %v", err)
	}
	got, ok := decoded.(schema.Trade)
	if !ok {
		t.Fatalf("decoded type mismatch: %T", decoded)
	}
	trade.Seq = 42
	if got != trade {
		t.Fatalf("trade mismatch: got %+v want %+v", got, trade)
	}
	if got.BuyOrderID() != 7 || got.SellOrderID() != 12 {
		t.Fatalf("buy/sell ids mismatch: buy=%d sell=%d", got.BuyOrderID(), got.SellOrderID())
	}
}

func TestDecodeRejectsShortPayload(t *testing.T) {
	testCases := []struct {
		desc      string
		eventType schema.EventType
		size      int
	}{
		{desc: "accepted", eventType: schema.EventOrderAccepted, size: OrderAcceptedPayloadSize},
		{desc: "rested", eventType: schema.EventOrderRested, size: OrderRestedPayloadSize},
		{desc: "trade", eventType: schema.EventTrade, size: TradePayloadSize},
		{desc: "delta", eventType: schema.EventBookDelta, size: BookDeltaPayloadSize},
		{desc: "cancelled", eventType: schema.EventOrderCancelled, size: OrderCancelledPayloadSize},
		{desc: "rejected", eventType: schema.EventOrderRejected, size: OrderRejectedPayloadSize},
		{desc: "reduced", eventType: schema.EventOrderReduced, size: OrderReducedPayloadSize},
		{desc: "halted", eventType: schema.EventInstrumentHalted, size: InstrumentHaltedPayloadSize},
		{desc: "gap", eventType: schema.EventGap, size: GapPayloadSize},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			header := schema.NewHeader(tc.eventType, 1, 1, 0, 0)
			if _, err := Decode(header, make([]byte, tc.size-1)); err != ErrShortPayload {
				t.Fatalf("expected ErrShortPayload, got %v", err)
			}
			if _, err := Decode(header, make([]byte, tc.size)); err != nil {
				t.Fatalf("decode full payload failed: %v", err)
			}
		})
	}
}

func TestEncodeReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 64)
	out := EncodeBookDelta(buf, schema.BookDelta{InstrumentID: 1, Side: schema.OrderSideBuy, Price: 10, AggregateQty: 50, OrderCount: 1})
	if &out[0] != &buf[:1][0] {
		t.Fatalf("expected encode to reuse the destination buffer")
	}
	delta, ok := DecodeBookDelta(out)
	if !ok {
		t.Fatalf("decode delta failed")
	}
	if delta.AggregateQty != 50 || delta.Side != schema.OrderSideBuy || delta.OrderCount != 1 {
		t.Fatalf("delta mismatch: %+v", delta)
	}
}

func TestEncodeUnknownPayload(t *testing.T) {
	if _, err := Encode(nil, nil); err != ErrUnknownEvent {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if _, err := Decode(schema.EventHeader{Type: schema.EventUnknown}, nil); err != ErrUnknownEvent {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}
