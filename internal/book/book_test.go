package book

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange/internal/schema"
)

func limit(id uint64, side schema.OrderSide, price schema.Price, qty schema.Quantity) *Order {
	return &Order{
		ID:          id,
		Instrument:  1,
		Side:        side,
		Type:        schema.OrderTypeLimit,
		TimeInForce: schema.TimeInForceGTC,
		Price:       price,
		Qty:         qty,
		Remaining:   qty,
		ArrivalSeq:  id,
	}
}

func TestBookOrdering(t *testing.T) {
	b := New(1)
	require.NoError(t, b.Insert(limit(1, schema.OrderSideBuy, 10, 5)))
	require.NoError(t, b.Insert(limit(2, schema.OrderSideBuy, 12, 5)))
	require.NoError(t, b.Insert(limit(3, schema.OrderSideBuy, 11, 5)))
	require.NoError(t, b.Insert(limit(4, schema.OrderSideSell, 15, 5)))
	require.NoError(t, b.Insert(limit(5, schema.OrderSideSell, 13, 5)))
	require.NoError(t, b.Insert(limit(6, schema.OrderSideSell, 14, 5)))

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, schema.Price(12), bid)
	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, schema.Price(13), ask)
	assert.False(t, b.Crossed())

	bids := b.Depth(schema.OrderSideBuy, 0)
	asks := b.Depth(schema.OrderSideSell, 2)
	assert.Equal(t, []LevelView{{Price: 12, Qty: 5, Count: 1}, {Price: 11, Qty: 5, Count: 1}, {Price: 10, Qty: 5, Count: 1}}, bids)
	assert.Equal(t, []LevelView{{Price: 13, Qty: 5, Count: 1}, {Price: 14, Qty: 5, Count: 1}}, asks)
}

func TestBookLevelFIFO(t *testing.T) {
	b := New(1)
	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, b.Insert(limit(id, schema.OrderSideSell, 10, schema.Quantity(id*10))))
	}
	lvl := b.Best(schema.OrderSideSell)
	require.NotNil(t, lvl)
	assert.Equal(t, schema.Quantity(60), lvl.Total())
	assert.Equal(t, 3, lvl.Count())

	var ids []uint64
	for o := lvl.Front(); o != nil; o = o.Next() {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids)

	// removing from the middle keeps the rest in arrival order
	_, err := b.Remove(2)
	require.NoError(t, err)
	ids = ids[:0]
	for _, o := range b.Orders(schema.OrderSideSell) {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []uint64{1, 3}, ids)
	assert.Equal(t, schema.Quantity(40), lvl.Total())
}

func TestBookRemove(t *testing.T) {
	testCases := []struct {
		desc    string
		id      uint64
		wantErr error
	}{
		{desc: "resting order", id: 7, wantErr: nil},
		{desc: "unknown order", id: 99, wantErr: ErrOrderNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			b := New(1)
			require.NoError(t, b.Insert(limit(7, schema.OrderSideBuy, 10, 5)))
			_, err := b.Remove(tc.id)
			if err != tc.wantErr {
				t.Fatalf("remove error mismatch: got %v want %v", err, tc.wantErr)
			}
		})
	}
}

func TestBookRemoveTwiceAndEmptyLevel(t *testing.T) {
	b := New(1)
	require.NoError(t, b.Insert(limit(1, schema.OrderSideBuy, 10, 5)))

	o, err := b.Remove(1)
	require.NoError(t, err)
	assert.False(t, o.Resting())
	_, err = b.Remove(1)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, ok := b.BestBid()
	assert.False(t, ok, "empty level must be deleted")
	assert.Equal(t, 0, b.Levels(schema.OrderSideBuy))
	assert.Equal(t, 0, b.Len())
}

func TestBookInsertRejects(t *testing.T) {
	b := New(1)
	require.NoError(t, b.Insert(limit(1, schema.OrderSideBuy, 10, 5)))

	assert.ErrorIs(t, b.Insert(limit(1, schema.OrderSideBuy, 11, 5)), ErrDuplicateOrder)
	assert.ErrorIs(t, b.Insert(limit(2, schema.OrderSideUnknown, 11, 5)), ErrInvalidSide)
	assert.ErrorIs(t, b.Insert(limit(3, schema.OrderSideBuy, 0, 5)), ErrInvalidPrice)
	assert.ErrorIs(t, b.Insert(limit(4, schema.OrderSideBuy, 10, 0)), ErrInvalidQuantity)
}

func TestBookFillAndReduce(t *testing.T) {
	b := New(1)
	first := limit(1, schema.OrderSideSell, 10, 100)
	second := limit(2, schema.OrderSideSell, 10, 50)
	require.NoError(t, b.Insert(first))
	require.NoError(t, b.Insert(second))

	require.NoError(t, b.Fill(first, 40))
	assert.Equal(t, schema.Quantity(60), first.Remaining)
	assert.Equal(t, schema.Quantity(110), b.Best(schema.OrderSideSell).Total())
	assert.ErrorIs(t, b.Fill(first, 61), ErrOverfill)

	require.NoError(t, b.Fill(first, 60))
	assert.False(t, first.Resting())
	assert.Equal(t, second, b.Best(schema.OrderSideSell).Front())

	_, err := b.Reduce(2, 50)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	reduced, err := b.Reduce(2, 20)
	require.NoError(t, err)
	assert.Equal(t, schema.Quantity(20), reduced.Remaining)
	assert.Equal(t, schema.Quantity(20), reduced.Qty)
	assert.Equal(t, schema.Quantity(20), b.Best(schema.OrderSideSell).Total())
}

func TestBookCrossedDetection(t *testing.T) {
	b := New(1)
	require.NoError(t, b.Insert(limit(1, schema.OrderSideBuy, 10, 5)))
	require.NoError(t, b.Insert(limit(2, schema.OrderSideSell, 10, 5)))
	assert.True(t, b.Crossed())
}
