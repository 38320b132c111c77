package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/api"
	"exchange/internal/ops"
	"exchange/internal/schema"
	"exchange/internal/state"
)

func testRefData(t *testing.T) ops.RefData {
	reg := schema.NewRegistry()
	_, err := reg.Add(schema.InstrumentSpec{
		Symbol: "BTC-USD", TickSize: 50, LotSize: 1, PriceScale: 2, QtyScale: 3,
	}, schema.TradingStatusOpen)
	require.NoError(t, err)
	return ops.RefData{Registry: reg}
}

func testSettings(dir string) ops.Settings {
	return ops.Settings{
		WALDir:           filepath.Join(dir, "wal"),
		SnapshotPath:     filepath.Join(dir, "snapshot.json"),
		SnapshotInterval: time.Hour,
		HistorySize:      1 << 10,
		QueueSize:        16,
		BusCapacity:      256,
	}
}

// startNode runs a node and returns a stop func that waits for it to exit.
func startNode(t *testing.T, settings ops.Settings, ref ops.RefData) (*node, func()) {
	n, err := newNode(context.Background(), settings, ref)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.run(ctx) }()
	return n, func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("node did not stop")
		}
	}
}

func order(side, price, qty string) *api.NewOrderRequest {
	return &api.NewOrderRequest{
		Symbol: "BTC-USD", Owner: 7, Side: side, Type: "limit",
		Price: decimal.RequireFromString(price), Qty: decimal.RequireFromString(qty),
	}
}

func TestNodeRecoversAfterRestart(t *testing.T) {
	settings := testSettings(t.TempDir())
	ctx := context.Background()

	first, stop := startNode(t, settings, testRefData(t))
	resting, err := first.service.NewOrder(ctx, order("sell", "101", "1"))
	require.NoError(t, err)
	require.Equal(t, "accepted", resting.Status)
	taker, err := first.service.NewOrder(ctx, order("buy", "101", "0.25"))
	require.NoError(t, err)
	require.Equal(t, "filled", taker.OrderStatus)
	cancelled, err := first.service.NewOrder(ctx, order("buy", "99", "2"))
	require.NoError(t, err)
	_, err = first.service.CancelOrder(ctx, &api.CancelOrderRequest{OrderID: cancelled.OrderID, Owner: 7})
	require.NoError(t, err)
	lastSeq := first.journal.Last()
	require.Eventually(t, func() bool {
		return first.checkpoint.Applied() == lastSeq
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	snap, err := state.ReadSnapshot(settings.SnapshotPath)
	require.NoError(t, err, "closing the checkpointer writes a snapshot")
	assert.Equal(t, lastSeq, snap.LastSeq)

	second, stop := startNode(t, settings, testRefData(t))
	defer stop()
	assert.Equal(t, lastSeq, second.journal.Last())

	o, err := second.service.GetOrder(ctx, &api.OrderRequest{OrderID: resting.OrderID})
	require.NoError(t, err)
	assert.Equal(t, "partially_filled", o.Status)
	assert.True(t, decimal.RequireFromString("0.75").Equal(o.Remaining), "remaining %s", o.Remaining)

	book, err := second.service.GetSnapshot(ctx, &api.SnapshotRequest{Symbol: "BTC-USD"})
	require.NoError(t, err)
	assert.Empty(t, book.Bids)
	require.Len(t, book.Asks, 1)
	assert.True(t, decimal.RequireFromString("0.75").Equal(book.Asks[0].Qty))

	next, err := second.service.NewOrder(ctx, order("buy", "100", "1"))
	require.NoError(t, err)
	assert.Greater(t, next.OrderID, cancelled.OrderID, "order ids continue after the recovered maximum")
	assert.Greater(t, next.Sequence, lastSeq)
}

func TestNodeReplayVerifiesSnapshot(t *testing.T) {
	settings := testSettings(t.TempDir())
	ctx := context.Background()

	n, stop := startNode(t, settings, testRefData(t))
	for _, px := range []string{"100", "100.5", "101"} {
		_, err := n.service.NewOrder(ctx, order("buy", px, "1"))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return n.checkpoint.Applied() == n.journal.Last()
	}, 2*time.Second, 5*time.Millisecond)
	stop()

	require.NoError(t, verifySnapshot(ctx, settings))
}
