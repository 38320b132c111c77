package matching

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"exchange/internal/book"
	"exchange/internal/schema"
)

var errEmit = errors.New("emit refused")

type recordingEmitter struct {
	seq    uint64
	events []schema.Payload
	seqs   []uint64
	traces []uint64

	// failAt refuses the n-th Emit call, counting from 1.
	failAt int
	calls  int
}

func (r *recordingEmitter) Emit(_ schema.InstrumentID, trace uint64, payloads []schema.Payload) ([]uint64, error) {
	r.calls++
	if r.calls == r.failAt {
		return nil, errEmit
	}
	out := make([]uint64, len(payloads))
	for i, p := range payloads {
		r.seq++
		out[i] = r.seq
		r.events = append(r.events, p)
		r.seqs = append(r.seqs, r.seq)
		r.traces = append(r.traces, trace)
	}
	return out, nil
}

func (r *recordingEmitter) count(t schema.EventType) int {
	n := 0
	for _, p := range r.events {
		if p.EventType() == t {
			n++
		}
	}
	return n
}

func (r *recordingEmitter) reset() {
	r.events = r.events[:0]
	r.seqs = r.seqs[:0]
	r.traces = r.traces[:0]
}

func newEngine(opts ...Option) (*Engine, *recordingEmitter) {
	em := &recordingEmitter{}
	opts = append([]Option{WithClock(func() int64 { return 42 })}, opts...)
	return New(1, em, opts...), em
}

func order(id uint64, owner uint32, side schema.OrderSide, typ schema.OrderType, tif schema.TimeInForce, price schema.Price, qty schema.Quantity) *book.Order {
	return &book.Order{
		ID:          id,
		Owner:       owner,
		Side:        side,
		Type:        typ,
		TimeInForce: tif,
		Price:       price,
		Qty:         qty,
		Remaining:   qty,
	}
}

func gtc(id uint64, side schema.OrderSide, price schema.Price, qty schema.Quantity) *book.Order {
	return order(id, 0, side, schema.OrderTypeLimit, schema.TimeInForceGTC, price, qty)
}

func TestLimitCrossLeavesRemainderResting(t *testing.T) {
	e, em := newEngine()

	first := e.Submit(gtc(1, schema.OrderSideBuy, 10, 100))
	require.Equal(t, schema.OrderStatusNew, first.Status)
	assert.Equal(t, uint64(1), first.Seq)

	out := e.Submit(gtc(2, schema.OrderSideSell, 10, 50))
	require.Len(t, out.Trades, 1)
	trade := out.Trades[0]
	assert.Equal(t, schema.Price(10), trade.Price)
	assert.Equal(t, schema.Quantity(50), trade.Qty)
	assert.Equal(t, uint64(1), trade.BuyOrderID())
	assert.Equal(t, uint64(2), trade.SellOrderID())
	assert.Equal(t, schema.OrderStatusFilled, out.Status)
	assert.Greater(t, trade.Seq, out.Seq)

	levels := e.Book().Depth(schema.OrderSideBuy, 0)
	assert.Equal(t, []book.LevelView{{Price: 10, Qty: 50, Count: 1}}, levels)
	_, ok := e.Book().BestAsk()
	assert.False(t, ok)

	resting, ok := e.Book().Get(1)
	require.True(t, ok)
	assert.Equal(t, schema.OrderStatusPartiallyFilled, resting.Status)
	assert.Equal(t, 1, em.count(schema.EventTrade))
}

func TestMarketRemainderCancelled(t *testing.T) {
	e, em := newEngine()
	e.Submit(gtc(1, schema.OrderSideBuy, 10, 100))
	em.reset()

	out := e.Submit(order(2, 0, schema.OrderSideSell, schema.OrderTypeMarket, schema.TimeInForceIOC, 0, 150))
	require.Len(t, out.Trades, 1)
	assert.Equal(t, schema.Quantity(100), out.Trades[0].Qty)
	assert.Equal(t, schema.OrderStatusCancelled, out.Status)
	assert.Equal(t, schema.Quantity(100), out.Filled)
	assert.Equal(t, schema.Quantity(0), out.Remaining)
	assert.Equal(t, 0, e.Book().Levels(schema.OrderSideBuy))

	var cancel schema.OrderCancelled
	for _, p := range em.events {
		if c, ok := p.(schema.OrderCancelled); ok {
			cancel = c
		}
	}
	assert.Equal(t, schema.CancelReasonMarketRemainder, cancel.Reason)
	assert.Equal(t, schema.Quantity(50), cancel.Remaining)
}

func TestFOKUnfillableLeavesBookUntouched(t *testing.T) {
	e, em := newEngine()
	e.Submit(gtc(1, schema.OrderSideSell, 10, 100))
	before := e.Book().Depth(schema.OrderSideSell, 0)
	em.reset()

	out := e.Submit(order(2, 0, schema.OrderSideBuy, schema.OrderTypeLimit, schema.TimeInForceFOK, 10, 150))
	assert.Equal(t, schema.OrderStatusRejected, out.Status)
	assert.Equal(t, schema.RejectReasonFOKUnfillable, out.Reason)
	assert.Empty(t, out.Trades)
	assert.Equal(t, before, e.Book().Depth(schema.OrderSideSell, 0))
	assert.Equal(t, 0, em.count(schema.EventTrade))
	assert.Equal(t, 1, em.count(schema.EventOrderRejected))
	assert.Equal(t, 0, em.count(schema.EventBookDelta))
}

func TestFOKFillsAcrossLevels(t *testing.T) {
	e, _ := newEngine()
	e.Submit(gtc(1, schema.OrderSideSell, 10, 100))
	e.Submit(gtc(2, schema.OrderSideSell, 11, 100))

	out := e.Submit(order(3, 0, schema.OrderSideBuy, schema.OrderTypeLimit, schema.TimeInForceFOK, 11, 150))
	require.Equal(t, schema.OrderStatusFilled, out.Status)
	require.Len(t, out.Trades, 2)
	assert.Equal(t, schema.Price(10), out.Trades[0].Price)
	assert.Equal(t, schema.Price(11), out.Trades[1].Price)
	assert.Equal(t, schema.Quantity(50), out.Trades[1].Qty)
	assert.False(t, e.Halted())
}

func TestIOCNeverRests(t *testing.T) {
	testCases := []struct {
		desc       string
		price      schema.Price
		wantFilled schema.Quantity
		wantStatus schema.OrderStatus
	}{
		{desc: "partial then cancel", price: 10, wantFilled: 30, wantStatus: schema.OrderStatusCancelled},
		{desc: "not marketable", price: 9, wantFilled: 0, wantStatus: schema.OrderStatusCancelled},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			e, _ := newEngine()
			e.Submit(gtc(1, schema.OrderSideSell, 10, 30))
			out := e.Submit(order(2, 0, schema.OrderSideBuy, schema.OrderTypeLimit, schema.TimeInForceIOC, tc.price, 50))
			if out.Filled != tc.wantFilled {
				t.Fatalf("filled mismatch: got %v want %v", out.Filled, tc.wantFilled)
			}
			if out.Status != tc.wantStatus {
				t.Fatalf("status mismatch: got %v want %v", out.Status, tc.wantStatus)
			}
			if e.Book().Levels(schema.OrderSideBuy) != 0 {
				t.Fatalf("ioc remainder rested")
			}
		})
	}
}

func TestPriceTimePriority(t *testing.T) {
	e, _ := newEngine()
	e.Submit(gtc(1, schema.OrderSideSell, 11, 10))
	e.Submit(gtc(2, schema.OrderSideSell, 10, 10))
	e.Submit(gtc(3, schema.OrderSideSell, 10, 10))

	out := e.Submit(gtc(4, schema.OrderSideBuy, 11, 25))
	require.Len(t, out.Trades, 3)
	var resting []uint64
	for _, tr := range out.Trades {
		resting = append(resting, tr.RestingID)
	}
	assert.Equal(t, []uint64{2, 3, 1}, resting)
	assert.Equal(t, schema.Quantity(5), e.Book().Best(schema.OrderSideSell).Total())

	for i := 1; i < len(out.Trades); i++ {
		assert.Greater(t, out.Trades[i].Seq, out.Trades[i-1].Seq)
	}
}

func TestCancelTwice(t *testing.T) {
	e, em := newEngine()
	e.Submit(gtc(1, schema.OrderSideBuy, 10, 100))
	em.reset()

	first := e.Cancel(CancelRequest{OrderID: 1, Reason: schema.CancelReasonUser})
	assert.Equal(t, CancelResultCancelled, first.Result)
	assert.Equal(t, schema.Quantity(100), first.Remaining)
	assert.NotZero(t, first.Seq)

	emitted := len(em.events)
	second := e.Cancel(CancelRequest{OrderID: 1, Reason: schema.CancelReasonUser})
	assert.Equal(t, CancelResultNotFound, second.Result)
	assert.Zero(t, second.Seq)
	assert.Equal(t, emitted, len(em.events), "not found must not consume a sequence")
}

func TestSelfTradePrevention(t *testing.T) {
	testCases := []struct {
		desc          string
		policy        SelfTradePolicy
		wantTrades    int
		wantStatus    schema.OrderStatus
		wantRestingID bool
	}{
		{desc: "allow", policy: SelfTradeAllow, wantTrades: 1, wantStatus: schema.OrderStatusFilled, wantRestingID: false},
		{desc: "cancel resting", policy: SelfTradeCancelResting, wantTrades: 1, wantStatus: schema.OrderStatusFilled, wantRestingID: false},
		{desc: "cancel incoming", policy: SelfTradeCancelIncoming, wantTrades: 0, wantStatus: schema.OrderStatusCancelled, wantRestingID: true},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			e, _ := newEngine(WithPolicy(Policy{SelfTrade: tc.policy}))
			e.Submit(order(1, 7, schema.OrderSideSell, schema.OrderTypeLimit, schema.TimeInForceGTC, 10, 10))
			e.Submit(order(2, 8, schema.OrderSideSell, schema.OrderTypeLimit, schema.TimeInForceGTC, 10, 10))

			out := e.Submit(order(3, 7, schema.OrderSideBuy, schema.OrderTypeLimit, schema.TimeInForceGTC, 10, 10))
			if len(out.Trades) != tc.wantTrades {
				t.Fatalf("trades mismatch: got %v want %v", len(out.Trades), tc.wantTrades)
			}
			if out.Status != tc.wantStatus {
				t.Fatalf("status mismatch: got %v want %v", out.Status, tc.wantStatus)
			}
			for _, tr := range out.Trades {
				if tc.policy != SelfTradeAllow && tr.RestingOwner == tr.AggressorOwner {
					t.Fatalf("self trade executed under %v", tc.policy)
				}
			}
			_, ok := e.Book().Get(1)
			if ok != tc.wantRestingID {
				t.Fatalf("resting order presence mismatch: got %v want %v", ok, tc.wantRestingID)
			}
		})
	}
}

func TestModifyPolicies(t *testing.T) {
	t.Run("keep priority on reduce", func(t *testing.T) {
		e, em := newEngine(WithPolicy(Policy{Modify: ModifyKeepPriorityOnReduce}))
		e.Submit(gtc(1, schema.OrderSideBuy, 10, 100))
		e.Submit(gtc(2, schema.OrderSideBuy, 10, 100))
		em.reset()

		out := e.Modify(ModifyRequest{OrderID: 1, NewOrderID: 9, Qty: 40})
		assert.Equal(t, uint64(1), out.OrderID)
		assert.Zero(t, out.ReplacedID)
		assert.Equal(t, schema.Quantity(40), out.Remaining)
		assert.Equal(t, 1, em.count(schema.EventOrderReduced))
		assert.Equal(t, uint64(1), e.Book().Best(schema.OrderSideBuy).Front().ID)
		assert.Equal(t, schema.Quantity(140), e.Book().Best(schema.OrderSideBuy).Total())
	})

	t.Run("lose priority", func(t *testing.T) {
		e, em := newEngine()
		e.Submit(gtc(1, schema.OrderSideBuy, 10, 100))
		e.Submit(gtc(2, schema.OrderSideBuy, 10, 100))
		em.reset()

		out := e.Modify(ModifyRequest{OrderID: 1, NewOrderID: 9, Qty: 40})
		assert.Equal(t, uint64(9), out.OrderID)
		assert.Equal(t, uint64(1), out.ReplacedID)
		assert.Equal(t, schema.OrderStatusNew, out.Status)
		assert.Equal(t, 1, em.count(schema.EventOrderCancelled))
		assert.Equal(t, 1, em.count(schema.EventOrderAccepted))

		ids := []uint64{}
		for _, o := range e.Book().Orders(schema.OrderSideBuy) {
			ids = append(ids, o.ID)
		}
		assert.Equal(t, []uint64{2, 9}, ids)
	})

	t.Run("price change crosses", func(t *testing.T) {
		e, _ := newEngine(WithPolicy(Policy{Modify: ModifyKeepPriorityOnReduce}))
		e.Submit(gtc(1, schema.OrderSideSell, 12, 10))
		e.Submit(gtc(2, schema.OrderSideBuy, 10, 10))

		out := e.Modify(ModifyRequest{OrderID: 2, NewOrderID: 3, Price: 12, Qty: 10})
		require.Len(t, out.Trades, 1)
		assert.Equal(t, schema.OrderStatusFilled, out.Status)
		assert.Equal(t, 0, e.Book().Len())
	})

	t.Run("unknown order", func(t *testing.T) {
		e, em := newEngine()
		out := e.Modify(ModifyRequest{OrderID: 5, NewOrderID: 6, Qty: 1})
		assert.Equal(t, schema.RejectReasonUnknownOrder, out.Reason)
		assert.Empty(t, em.events)
	})
}

func TestExpireDay(t *testing.T) {
	e, _ := newEngine()
	e.Submit(order(1, 0, schema.OrderSideBuy, schema.OrderTypeLimit, schema.TimeInForceDay, 10, 10))
	e.Submit(gtc(2, schema.OrderSideBuy, 10, 10))
	e.Submit(order(3, 0, schema.OrderSideSell, schema.OrderTypeLimit, schema.TimeInForceDay, 12, 10))

	assert.Equal(t, 2, e.ExpireDay())
	assert.Equal(t, 1, e.Book().Len())
	_, ok := e.Book().Get(2)
	assert.True(t, ok)
	assert.Equal(t, 0, e.ExpireDay())
}

func TestInvalidOrderTypeRejected(t *testing.T) {
	e, em := newEngine()
	out := e.Submit(order(1, 0, schema.OrderSideBuy, schema.OrderTypeUnknown, schema.TimeInForceGTC, 10, 10))
	assert.Equal(t, schema.OrderStatusRejected, out.Status)
	assert.Equal(t, schema.RejectReasonInvalidOrderType, out.Reason)
	assert.NotZero(t, out.Seq)
	assert.Equal(t, 1, em.count(schema.EventOrderRejected))
}

func TestHaltOnCrossedBook(t *testing.T) {
	b := book.New(1)
	require.NoError(t, b.Insert(gtc(1, schema.OrderSideBuy, 10, 5)))
	require.NoError(t, b.Insert(gtc(2, schema.OrderSideSell, 10, 5)))

	var alarms []error
	e, em := newEngine(WithBook(b), WithAlarm(func(_ schema.InstrumentID, err error) {
		alarms = append(alarms, err)
	}))

	e.Submit(gtc(3, schema.OrderSideBuy, 5, 1))
	require.True(t, e.Halted())
	require.Len(t, alarms, 1)
	assert.True(t, errors.Is(alarms[0], ErrCrossedBook))
	assert.Equal(t, 1, em.count(schema.EventInstrumentHalted))

	emitted := len(em.events)
	out := e.Submit(gtc(4, schema.OrderSideBuy, 5, 1))
	assert.Equal(t, schema.RejectReasonInstrumentHalted, out.Reason)
	assert.Zero(t, out.Seq)
	assert.Equal(t, CancelResultRejected, e.Cancel(CancelRequest{OrderID: 3, Reason: schema.CancelReasonUser}).Result)
	assert.Equal(t, emitted, len(em.events))
	assert.Len(t, alarms, 1)
}

func TestSequencesAreContiguousPerPass(t *testing.T) {
	e, em := newEngine()
	e.Submit(gtc(1, schema.OrderSideSell, 10, 10))
	e.Submit(gtc(2, schema.OrderSideBuy, 10, 5))
	for i := 1; i < len(em.seqs); i++ {
		if em.seqs[i] != em.seqs[i-1]+1 {
			t.Fatalf("sequence gap: got %v after %v", em.seqs[i], em.seqs[i-1])
		}
	}
}

func TestPassesCarryTraceID(t *testing.T) {
	e, em := newEngine()
	o := gtc(1, schema.OrderSideBuy, 10, 100)
	o.TraceID = 7
	e.Submit(o)
	e.Modify(ModifyRequest{OrderID: 1, NewOrderID: 2, Price: 11, Qty: 50, TraceID: 8})
	e.Cancel(CancelRequest{OrderID: 2, Reason: schema.CancelReasonUser, TraceID: 9})

	var accepted []uint64
	for i, p := range em.events {
		if _, ok := p.(schema.OrderAccepted); ok {
			accepted = append(accepted, em.traces[i])
		}
	}
	assert.Equal(t, []uint64{7, 8}, accepted)
	for i, p := range em.events {
		if c, ok := p.(schema.OrderCancelled); ok && c.OrderID == 2 {
			assert.Equal(t, uint64(9), em.traces[i])
		}
	}
	assert.Equal(t, uint64(9), em.traces[len(em.traces)-1])
}

func TestUnsequencedPassHalts(t *testing.T) {
	var alarms []error
	e, em := newEngine(WithAlarm(func(_ schema.InstrumentID, err error) {
		alarms = append(alarms, err)
	}))
	e.Submit(gtc(1, schema.OrderSideSell, 10, 10))
	em.reset()
	em.failAt = em.calls + 1

	out := e.Submit(gtc(2, schema.OrderSideBuy, 10, 5))
	assert.Equal(t, schema.OrderStatusRejected, out.Status)
	assert.Equal(t, schema.RejectReasonInstrumentHalted, out.Reason)
	assert.Zero(t, out.Seq)
	assert.Empty(t, out.Trades)
	require.True(t, e.Halted())
	require.Len(t, alarms, 1)
	assert.True(t, errors.Is(alarms[0], errEmit))

	require.Len(t, em.events, 1, "only the halt is sequenced")
	halt, ok := em.events[0].(schema.InstrumentHalted)
	require.True(t, ok)
	assert.Equal(t, schema.HaltCodeUnsequenced, halt.Code)
	assert.Equal(t, CancelResultRejected, e.Cancel(CancelRequest{OrderID: 1, Reason: schema.CancelReasonUser}).Result)
}

// TestMatchingProperties drives random order flow and checks that no order ever executes more
// than it was entered with, that trades take the oldest order at a price first, that the book is
// never left crossed and that fill-or-kill orders are all-or-nothing.
func TestMatchingProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		policy := Policy{
			SelfTrade: SelfTradePolicy(rapid.IntRange(0, 2).Draw(t, "selfTrade")),
			Modify:    ModifyPolicy(rapid.IntRange(0, 1).Draw(t, "modify")),
		}
		e, _ := newEngine(WithPolicy(policy))

		// entered is the quantity an order may execute in total; a reduce lowers it
		entered := map[uint64]schema.Quantity{}
		executed := map[uint64]schema.Quantity{}
		arrival := map[uint64]uint64{}

		check := func(out Outcome) {
			var traded schema.Quantity
			for _, tr := range out.Trades {
				if tr.Qty <= 0 {
					t.Fatalf("non-positive trade qty %v", tr.Qty)
				}
				if policy.SelfTrade != SelfTradeAllow && tr.AggressorOwner != 0 && tr.AggressorOwner == tr.RestingOwner {
					t.Fatalf("self trade under policy %v", policy.SelfTrade)
				}
				traded += tr.Qty
				for _, id := range []uint64{tr.AggressorID, tr.RestingID} {
					executed[id] += tr.Qty
					if executed[id] > entered[id] {
						t.Fatalf("order %d executed %v of %v", id, executed[id], entered[id])
					}
				}

				restingArrival, ok := arrival[tr.RestingID]
				if !ok {
					t.Fatalf("trade against unknown resting order %d", tr.RestingID)
				}
				for _, o := range e.Book().Orders(tr.AggressorSide.Opposite()) {
					if o.Price == tr.Price && o.ArrivalSeq < restingArrival {
						t.Fatalf("order %d at %v still rests ahead of traded order %d", o.ID, tr.Price, tr.RestingID)
					}
				}
			}
			if traded != out.Filled {
				t.Fatalf("filled mismatch: got %v want %v", out.Filled, traded)
			}
			if e.Book().Crossed() {
				t.Fatalf("book crossed after order %d", out.OrderID)
			}
			if e.Halted() {
				t.Fatalf("engine halted on valid flow")
			}
		}

		var nextID uint64
		ops := rapid.IntRange(1, 60).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			nextID++
			switch rapid.IntRange(0, 9).Draw(t, "op") {
			case 0:
				if nextID > 1 {
					e.Cancel(CancelRequest{OrderID: rapid.Uint64Range(1, nextID-1).Draw(t, "cancel"), Reason: schema.CancelReasonUser})
				}
				continue
			case 1:
				if nextID > 1 {
					req := ModifyRequest{
						OrderID:    rapid.Uint64Range(1, nextID-1).Draw(t, "modifyID"),
						NewOrderID: nextID,
						Price:      schema.Price(rapid.Int64Range(0, 20).Draw(t, "modifyPrice")),
						Qty:        schema.Quantity(rapid.Int64Range(1, 50).Draw(t, "modifyQty")),
					}
					entered[req.NewOrderID] = req.Qty
					out := e.Modify(req)
					switch {
					case out.Seq == 0:
					case out.ReplacedID != 0:
						arrival[out.OrderID] = out.Seq
					default:
						entered[req.OrderID] = executed[req.OrderID] + req.Qty
					}
					check(out)
				}
				continue
			}

			side := schema.OrderSideBuy
			if rapid.Bool().Draw(t, "sell") {
				side = schema.OrderSideSell
			}
			typ := schema.OrderTypeLimit
			tif := []schema.TimeInForce{schema.TimeInForceGTC, schema.TimeInForceIOC, schema.TimeInForceFOK, schema.TimeInForceDay}[rapid.IntRange(0, 3).Draw(t, "tif")]
			price := schema.Price(rapid.Int64Range(1, 20).Draw(t, "price"))
			if rapid.IntRange(0, 5).Draw(t, "market") == 0 {
				typ, tif, price = schema.OrderTypeMarket, schema.TimeInForceIOC, 0
			}
			qty := schema.Quantity(rapid.Int64Range(1, 50).Draw(t, "qty"))
			owner := uint32(rapid.IntRange(0, 3).Draw(t, "owner"))

			o := order(nextID, owner, side, typ, tif, price, qty)
			entered[o.ID] = qty
			out := e.Submit(o)
			arrival[o.ID] = out.Seq
			check(out)
			if tif == schema.TimeInForceFOK && out.Filled != 0 && out.Filled != qty {
				t.Fatalf("fill-or-kill partially filled: %v of %v", out.Filled, qty)
			}
		}

		for _, side := range []schema.OrderSide{schema.OrderSideBuy, schema.OrderSideSell} {
			var sum schema.Quantity
			for _, o := range e.Book().Orders(side) {
				if o.Remaining <= 0 {
					t.Fatalf("resting order %d with remaining %v", o.ID, o.Remaining)
				}
				if got := executed[o.ID] + o.Remaining; got != entered[o.ID] {
					t.Fatalf("order %d executed plus remaining mismatch: got %v want %v", o.ID, got, entered[o.ID])
				}
				sum += o.Remaining
			}
			var levels schema.Quantity
			for _, lvl := range e.Book().Depth(side, 0) {
				levels += lvl.Qty
			}
			if sum != levels {
				t.Fatalf("level totals mismatch: got %v want %v", levels, sum)
			}
		}
	})
}
