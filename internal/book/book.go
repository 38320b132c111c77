package book

import (
	"errors"

	"github.com/google/btree"

	"exchange/internal/schema"
)

var (
	ErrOrderNotFound   = errors.New("book: order not found")
	ErrDuplicateOrder  = errors.New("book: order already resting")
	ErrInvalidSide     = errors.New("book: invalid side")
	ErrInvalidPrice    = errors.New("book: invalid price")
	ErrInvalidQuantity = errors.New("book: invalid quantity")
	ErrOverfill        = errors.New("book: fill exceeds remaining quantity")
)

const treeDegree = 32

// LevelView is a read-only aggregate of one price level.
type LevelView struct {
	Price schema.Price
	Qty   schema.Quantity
	Count int
}

// Book holds the resting orders of one instrument.
// Bids are ordered by descending price, asks by ascending price; Min of each tree is the best level.
// A Book is not safe for concurrent use; its matching engine is the single writer.
type Book struct {
	instrument schema.InstrumentID
	bids       *btree.BTreeG[*Level]
	asks       *btree.BTreeG[*Level]
	index      map[uint64]*Order
	probe      Level
}

// New creates an empty book.
func New(instrument schema.InstrumentID) *Book {
	return &Book{
		instrument: instrument,
		bids:       btree.NewG(treeDegree, func(a, b *Level) bool { return a.Price > b.Price }),
		asks:       btree.NewG(treeDegree, func(a, b *Level) bool { return a.Price < b.Price }),
		index:      make(map[uint64]*Order),
	}
}

// Instrument returns the instrument the book belongs to.
func (b *Book) Instrument() schema.InstrumentID {
	return b.instrument
}

// Insert places the order at the tail of its price level, creating the level if absent.
func (b *Book) Insert(o *Order) error {
	tree := b.tree(o.Side)
	if tree == nil {
		return ErrInvalidSide
	}
	if o.Price <= 0 {
		return ErrInvalidPrice
	}
	if o.Remaining <= 0 || o.Remaining > o.Qty {
		return ErrInvalidQuantity
	}
	if _, ok := b.index[o.ID]; ok {
		return ErrDuplicateOrder
	}
	lvl := b.level(tree, o.Price)
	if lvl == nil {
		lvl = &Level{Price: o.Price}
		tree.ReplaceOrInsert(lvl)
	}
	lvl.push(o)
	b.index[o.ID] = o
	return nil
}

// Remove detaches the order from its level. An unknown or already removed id yields ErrOrderNotFound.
func (b *Book) Remove(id uint64) (*Order, error) {
	o, ok := b.index[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	b.detach(o)
	return o, nil
}

// Get returns a resting order by id.
func (b *Book) Get(id uint64) (*Order, bool) {
	o, ok := b.index[id]
	return o, ok
}

// Fill decrements a resting order and removes it once nothing remains.
func (b *Book) Fill(o *Order, qty schema.Quantity) error {
	if o.level == nil {
		return ErrOrderNotFound
	}
	if qty <= 0 || qty > o.Remaining {
		return ErrOverfill
	}
	o.Remaining -= qty
	o.level.total -= qty
	if o.Remaining == 0 {
		b.detach(o)
	}
	return nil
}

// Reduce shrinks a resting order in place, keeping its queue position.
func (b *Book) Reduce(id uint64, remaining schema.Quantity) (*Order, error) {
	o, ok := b.index[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	if remaining <= 0 || remaining >= o.Remaining {
		return o, ErrInvalidQuantity
	}
	delta := o.Remaining - remaining
	o.Remaining = remaining
	o.Qty -= delta
	o.level.total -= delta
	return o, nil
}

// BestBid returns the highest bid price.
func (b *Book) BestBid() (schema.Price, bool) {
	lvl := b.Best(schema.OrderSideBuy)
	if lvl == nil {
		return 0, false
	}
	return lvl.Price, true
}

// BestAsk returns the lowest ask price.
func (b *Book) BestAsk() (schema.Price, bool) {
	lvl := b.Best(schema.OrderSideSell)
	if lvl == nil {
		return 0, false
	}
	return lvl.Price, true
}

// Best returns the best level of a side, or nil when the side is empty.
func (b *Book) Best(side schema.OrderSide) *Level {
	tree := b.tree(side)
	if tree == nil {
		return nil
	}
	lvl, ok := tree.Min()
	if !ok {
		return nil
	}
	return lvl
}

// Level returns the level at price, or nil.
func (b *Book) Level(side schema.OrderSide, price schema.Price) *Level {
	tree := b.tree(side)
	if tree == nil {
		return nil
	}
	return b.level(tree, price)
}

// Depth returns up to levels aggregates from best to worst. levels <= 0 returns every level.
func (b *Book) Depth(side schema.OrderSide, levels int) []LevelView {
	tree := b.tree(side)
	if tree == nil {
		return nil
	}
	n := tree.Len()
	if levels > 0 && levels < n {
		n = levels
	}
	out := make([]LevelView, 0, n)
	tree.Ascend(func(lvl *Level) bool {
		if len(out) == n {
			return false
		}
		out = append(out, LevelView{Price: lvl.Price, Qty: lvl.total, Count: lvl.count})
		return true
	})
	return out
}

// Walk visits levels from best to worst until fn returns false.
func (b *Book) Walk(side schema.OrderSide, fn func(*Level) bool) {
	if tree := b.tree(side); tree != nil {
		tree.Ascend(fn)
	}
}

// Orders returns resting orders of a side in priority order.
func (b *Book) Orders(side schema.OrderSide) []*Order {
	var out []*Order
	b.Walk(side, func(lvl *Level) bool {
		for o := lvl.head; o != nil; o = o.next {
			out = append(out, o)
		}
		return true
	})
	return out
}

// Crossed reports whether best bid >= best ask.
func (b *Book) Crossed() bool {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	return okBid && okAsk && bid >= ask
}

// Len returns the number of resting orders.
func (b *Book) Len() int {
	return len(b.index)
}

// Levels returns the number of price levels on a side.
func (b *Book) Levels(side schema.OrderSide) int {
	tree := b.tree(side)
	if tree == nil {
		return 0
	}
	return tree.Len()
}

func (b *Book) detach(o *Order) {
	lvl := o.level
	lvl.unlink(o)
	delete(b.index, o.ID)
	if lvl.Empty() {
		b.tree(o.Side).Delete(lvl)
	}
}

func (b *Book) level(tree *btree.BTreeG[*Level], price schema.Price) *Level {
	b.probe.Price = price
	lvl, ok := tree.Get(&b.probe)
	if !ok {
		return nil
	}
	return lvl
}

func (b *Book) tree(side schema.OrderSide) *btree.BTreeG[*Level] {
	switch side {
	case schema.OrderSideBuy:
		return b.bids
	case schema.OrderSideSell:
		return b.asks
	default:
		return nil
	}
}
