package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/book"
	"exchange/internal/bus"
	"exchange/internal/journal"
	"exchange/internal/matching"
	"exchange/internal/obs"
	"exchange/internal/schema"
	"exchange/internal/sequence"
	"exchange/internal/state"
)

func newRegistry(t *testing.T, symbols ...string) *schema.Registry {
	reg := schema.NewRegistry()
	for _, s := range symbols {
		_, err := reg.Add(schema.InstrumentSpec{Symbol: s, TickSize: 1, LotSize: 1}, schema.TradingStatusOpen)
		require.NoError(t, err)
	}
	return reg
}

func startRouter(t *testing.T, reg *schema.Registry, opts ...Option) (*Router, *journal.Journal) {
	j := journal.New(sequence.New(0), journal.NewMemoryStore(1<<12))
	r := NewRouter(Config{QueueSize: 16}, reg, j, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, j
}

func limit(id uint64, inst schema.InstrumentID, owner uint32, side schema.OrderSide, tif schema.TimeInForce, price schema.Price, qty schema.Quantity) *book.Order {
	return &book.Order{
		ID: id, Instrument: inst, Owner: owner, Side: side, Type: schema.OrderTypeLimit,
		TimeInForce: tif, Price: price, Qty: qty, Remaining: qty,
	}
}

func TestRouterSubmitAndCancel(t *testing.T) {
	reg := newRegistry(t, "AAA")
	r, j := startRouter(t, reg)
	ctx := context.Background()

	out, err := r.Submit(ctx, limit(1, 1, 1, schema.OrderSideBuy, schema.TimeInForceGTC, 10, 100))
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusNew, out.Status)

	out, err = r.Submit(ctx, limit(2, 1, 2, schema.OrderSideSell, schema.TimeInForceGTC, 10, 50))
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusFilled, out.Status)
	require.Len(t, out.Trades, 1)

	snap, err := r.Snapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, j.Last(), snap.LastSeq)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, schema.Quantity(50), snap.Bids[0].Remaining)

	c, err := r.Cancel(ctx, 1, matching.CancelRequest{OrderID: 1, Reason: schema.CancelReasonUser})
	require.NoError(t, err)
	assert.Equal(t, matching.CancelResultCancelled, c.Result)
	c, err = r.Cancel(ctx, 1, matching.CancelRequest{OrderID: 1, Reason: schema.CancelReasonUser})
	require.NoError(t, err)
	assert.Equal(t, matching.CancelResultNotFound, c.Result)
}

func TestRouterUnknownInstrument(t *testing.T) {
	r, _ := startRouter(t, newRegistry(t, "AAA"))
	_, err := r.Submit(context.Background(), limit(1, 9, 1, schema.OrderSideBuy, schema.TimeInForceGTC, 10, 1))
	if !errors.Is(err, ErrUnknownInstrument) {
		t.Fatalf("error mismatch: got %v want %v", err, ErrUnknownInstrument)
	}
}

func TestRouterOverloaded(t *testing.T) {
	reg := newRegistry(t, "AAA")
	j := journal.New(sequence.New(0), journal.NewMemoryStore(16))
	r := NewRouter(Config{QueueSize: 1}, reg, j)

	// not running: the single slot stays occupied
	shard, ok := r.Shard(1)
	require.True(t, ok)
	shard.cmds <- command{kind: cmdExpire, reply: make(chan result, 1)}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Submit(ctx, limit(1, 1, 1, schema.OrderSideBuy, schema.TimeInForceGTC, 10, 1))
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("error mismatch: got %v want %v", err, ErrOverloaded)
	}
	assert.Equal(t, uint64(0), j.Last(), "a refused command consumes no sequence")
}

func TestRouterInstrumentsRunInParallel(t *testing.T) {
	reg := newRegistry(t, "AAA", "BBB", "CCC")
	r, j := startRouter(t, reg)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		id uint64
	)
	nextID := func() uint64 {
		mu.Lock()
		defer mu.Unlock()
		id++
		return id
	}
	for inst := schema.InstrumentID(1); inst <= 3; inst++ {
		wg.Add(1)
		go func(inst schema.InstrumentID) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				side := schema.OrderSideBuy
				if i%2 == 1 {
					side = schema.OrderSideSell
				}
				_, err := r.Submit(context.Background(), limit(nextID(), inst, uint32(i%2+1), side, schema.TimeInForceGTC, 10, 1))
				assert.NoError(t, err)
			}
		}(inst)
	}
	wg.Wait()

	var last uint64
	perInstrument := map[uint16]int{}
	require.NoError(t, j.Replay(context.Background(), 1, func(e bus.Event) error {
		if e.Header.Seq != last+1 {
			t.Fatalf("seq mismatch: got %d want %d", e.Header.Seq, last+1)
		}
		last = e.Header.Seq
		if e.Header.Type == schema.EventOrderAccepted {
			perInstrument[e.Header.Source]++
		}
		return nil
	}))
	assert.Equal(t, map[uint16]int{1: 50, 2: 50, 3: 50}, perInstrument)
}

func TestRouterAlarmHaltsInstrument(t *testing.T) {
	reg := newRegistry(t, "AAA")
	m := obs.NewMetrics()
	j := journal.New(sequence.New(0), journal.NewMemoryStore(16))
	r := NewRouter(Config{}, reg, j, WithMetrics(m))

	r.alarm(1, matching.ErrCrossedBook)
	inst, _ := reg.Lookup(1)
	assert.Equal(t, schema.TradingStatusHalted, inst.Status())
	assert.Equal(t, uint64(1), m.Snapshot().Halts)
}

func TestRouterRecovered(t *testing.T) {
	reg := newRegistry(t, "AAA")
	rb := state.NewRebuilder()
	require.NoError(t, rb.Seed(state.Snapshot{
		LastSeq: 7,
		Books: []state.BookSnapshot{{
			Instrument: 1,
			LastSeq:    7,
			Asks: []state.OrderEntry{{ID: 3, Owner: 1, Side: schema.OrderSideSell, TimeInForce: schema.TimeInForceGTC, Price: 11, Qty: 5, Remaining: 5, ArrivalSeq: 2}},
		}},
	}))
	r, _ := startRouter(t, reg, WithRecovered(rb))

	out, err := r.Submit(context.Background(), limit(4, 1, 2, schema.OrderSideBuy, schema.TimeInForceIOC, 11, 5))
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusFilled, out.Status)
	require.Len(t, out.Trades, 1)
	assert.Equal(t, uint64(3), out.Trades[0].RestingID)
}

func TestScheduleInSession(t *testing.T) {
	day := func(h, m int) time.Time { return time.Date(2024, 1, 2, h, m, 0, 0, time.UTC) }
	testCases := []struct {
		desc     string
		schedule Schedule
		at       time.Time
		want     bool
	}{
		{desc: "always", schedule: Schedule{}, at: day(3, 0), want: true},
		{desc: "inside", schedule: Schedule{Open: 9 * time.Hour, Close: 16 * time.Hour}, at: day(12, 0), want: true},
		{desc: "at open", schedule: Schedule{Open: 9 * time.Hour, Close: 16 * time.Hour}, at: day(9, 0), want: true},
		{desc: "at close", schedule: Schedule{Open: 9 * time.Hour, Close: 16 * time.Hour}, at: day(16, 0), want: false},
		{desc: "overnight inside", schedule: Schedule{Open: 22 * time.Hour, Close: 2 * time.Hour}, at: day(1, 0), want: true},
		{desc: "overnight outside", schedule: Schedule{Open: 22 * time.Hour, Close: 2 * time.Hour}, at: day(12, 0), want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := tc.schedule.InSession(tc.at); got != tc.want {
				t.Fatalf("in session mismatch: got %v want %v", got, tc.want)
			}
		})
	}
}

func TestParseClock(t *testing.T) {
	d, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour+30*time.Minute, d)
	_, err = ParseClock("9h")
	assert.Error(t, err)
}

func TestSessionCloseExpiresDayOrders(t *testing.T) {
	reg := newRegistry(t, "AAA", "BBB")
	r, _ := startRouter(t, reg)
	ctx := context.Background()
	reg.SetStatus(2, schema.TradingStatusHalted)

	_, err := r.Submit(ctx, limit(1, 1, 1, schema.OrderSideBuy, schema.TimeInForceDay, 10, 5))
	require.NoError(t, err)
	_, err = r.Submit(ctx, limit(2, 1, 1, schema.OrderSideBuy, schema.TimeInForceGTC, 9, 5))
	require.NoError(t, err)

	s := NewSession(Schedule{Open: 9 * time.Hour, Close: 16 * time.Hour}, r, reg, nil)
	require.NoError(t, s.Step(ctx, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)))
	assert.True(t, s.Open())

	require.NoError(t, s.Step(ctx, time.Date(2024, 1, 2, 17, 0, 0, 0, time.UTC)))
	assert.False(t, s.Open())
	aaa, _ := reg.Lookup(1)
	bbb, _ := reg.Lookup(2)
	assert.Equal(t, schema.TradingStatusClosed, aaa.Status())
	assert.Equal(t, schema.TradingStatusHalted, bbb.Status(), "a halted instrument stays halted")

	snap, err := r.Snapshot(ctx, 1)
	require.NoError(t, err)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, uint64(2), snap.Bids[0].ID)

	require.NoError(t, s.Step(ctx, time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)))
	assert.Equal(t, schema.TradingStatusOpen, aaa.Status())
	assert.Equal(t, schema.TradingStatusHalted, bbb.Status())
}
