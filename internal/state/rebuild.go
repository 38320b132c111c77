package state

import (
	"errors"
	"fmt"
	"sort"

	"exchange/internal/book"
	"exchange/internal/schema"
)

var ErrDivergence = errors.New("event stream diverges from rebuilt book")

// Rebuilder reconstructs books and positions by applying the sequenced event stream.
// Live and replayed state agree because the same events drive both.
type Rebuilder struct {
	books       map[schema.InstrumentID]*book.Book
	halted      map[schema.InstrumentID]bool
	accepted    map[schema.InstrumentID]acceptedOrder
	positions   *PositionReducer
	lastSeq     uint64
	lastEventTs int64
	maxOrderID  uint64
	// Verify checks every BookDelta against the rebuilt level.
	Verify bool
}

type acceptedOrder struct {
	schema.OrderAccepted
	seq uint64
}

// NewRebuilder starts from empty books.
func NewRebuilder() *Rebuilder {
	return &Rebuilder{
		books:     make(map[schema.InstrumentID]*book.Book),
		halted:    make(map[schema.InstrumentID]bool),
		accepted:  make(map[schema.InstrumentID]acceptedOrder),
		positions: NewPositionReducer(),
		Verify:    true,
	}
}

// Seed loads a snapshot as the starting point.
func (r *Rebuilder) Seed(snap Snapshot) error {
	for _, bs := range snap.Books {
		b, err := RestoreBook(bs)
		if err != nil {
			return err
		}
		r.books[bs.Instrument] = b
		if bs.Halted {
			r.halted[bs.Instrument] = true
		}
	}
	r.positions.ApplySnapshot(snap)
	r.lastSeq = snap.LastSeq
	r.lastEventTs = snap.LastEventTs
	r.maxOrderID = snap.MaxOrderID
	return nil
}

// Apply advances the state by one event. Events at or below the last applied sequence are skipped.
func (r *Rebuilder) Apply(header schema.EventHeader, body schema.Payload) error {
	if header.Seq == 0 || header.Seq <= r.lastSeq {
		return nil
	}
	if err := r.apply(header, body); err != nil {
		return fmt.Errorf("seq %d %s: %w", header.Seq, header.Type, err)
	}
	r.lastSeq = header.Seq
	if header.TsEvent > r.lastEventTs {
		r.lastEventTs = header.TsEvent
	}
	return nil
}

func (r *Rebuilder) apply(header schema.EventHeader, body schema.Payload) error {
	switch ev := body.(type) {
	case schema.OrderAccepted:
		r.accepted[ev.InstrumentID] = acceptedOrder{OrderAccepted: ev, seq: header.Seq}
		if ev.OrderID > r.maxOrderID {
			r.maxOrderID = ev.OrderID
		}

	case schema.OrderRested:
		acc, ok := r.accepted[ev.InstrumentID]
		if !ok || acc.OrderID != ev.OrderID {
			return fmt.Errorf("%w: rested order %d without acceptance", ErrDivergence, ev.OrderID)
		}
		status := schema.OrderStatusNew
		if ev.Remaining < acc.Qty {
			status = schema.OrderStatusPartiallyFilled
		}
		return r.book(ev.InstrumentID).Insert(&book.Order{
			ID:          ev.OrderID,
			Instrument:  ev.InstrumentID,
			Owner:       acc.Owner,
			Side:        ev.Side,
			Type:        schema.OrderTypeLimit,
			TimeInForce: ev.TimeInForce,
			Price:       ev.Price,
			Qty:         acc.Qty,
			Remaining:   ev.Remaining,
			ArrivalSeq:  acc.seq,
			Status:      status,
		})

	case schema.Trade:
		b := r.book(ev.InstrumentID)
		resting, ok := b.Get(ev.RestingID)
		if !ok {
			return fmt.Errorf("%w: trade against unknown resting order %d", ErrDivergence, ev.RestingID)
		}
		if err := b.Fill(resting, ev.Qty); err != nil {
			return err
		}
		if resting.Remaining == 0 {
			resting.Status = schema.OrderStatusFilled
		} else {
			resting.Status = schema.OrderStatusPartiallyFilled
		}
		r.positions.ApplyTrade(ev)

	case schema.OrderCancelled:
		b := r.book(ev.InstrumentID)
		if _, ok := b.Get(ev.OrderID); ok {
			if _, err := b.Remove(ev.OrderID); err != nil {
				return err
			}
		}

	case schema.OrderReduced:
		if _, err := r.book(ev.InstrumentID).Reduce(ev.OrderID, ev.Remaining); err != nil {
			return err
		}

	case schema.BookDelta:
		if !r.Verify {
			return nil
		}
		var total schema.Quantity
		if lvl := r.book(ev.InstrumentID).Level(ev.Side, ev.Price); lvl != nil {
			total = lvl.Total()
		}
		if total != ev.AggregateQty {
			return fmt.Errorf("%w: %s level %d has %d, delta says %d", ErrDivergence, ev.Side, ev.Price, total, ev.AggregateQty)
		}

	case schema.InstrumentHalted:
		r.halted[ev.InstrumentID] = true

	case schema.OrderRejected:
	default:
		return fmt.Errorf("unexpected payload %T", body)
	}
	return nil
}

func (r *Rebuilder) book(id schema.InstrumentID) *book.Book {
	b, ok := r.books[id]
	if !ok {
		b = book.New(id)
		r.books[id] = b
	}
	return b
}

// Book returns the rebuilt book for an instrument, creating an empty one if needed.
func (r *Rebuilder) Book(id schema.InstrumentID) *book.Book {
	return r.book(id)
}

// Halted reports whether the stream halted the instrument.
func (r *Rebuilder) Halted(id schema.InstrumentID) bool {
	return r.halted[id]
}

// Positions returns the rebuilt positions.
func (r *Rebuilder) Positions() *PositionReducer {
	return r.positions
}

// LastSeq returns the last applied sequence.
func (r *Rebuilder) LastSeq() uint64 {
	return r.lastSeq
}

// MaxOrderID returns the largest order id seen.
func (r *Rebuilder) MaxOrderID() uint64 {
	return r.maxOrderID
}

// Snapshot captures the rebuilt state.
func (r *Rebuilder) Snapshot() Snapshot {
	ids := make([]schema.InstrumentID, 0, len(r.books))
	for id := range r.books {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	snap := Snapshot{
		LastSeq:     r.lastSeq,
		LastEventTs: r.lastEventTs,
		MaxOrderID:  r.maxOrderID,
		Positions:   r.positions.Snapshot(),
	}
	for _, id := range ids {
		bs := CaptureBook(r.books[id], r.lastSeq)
		bs.Halted = r.halted[id]
		snap.Books = append(snap.Books, bs)
	}
	return snap
}
