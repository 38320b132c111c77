package state

import "exchange/internal/schema"

// PositionKey identifies one owner's position in one instrument.
type PositionKey struct {
	Owner      uint32
	Instrument schema.InstrumentID
}

// PositionReducer updates net positions from trade events. It is not safe for concurrent use.
type PositionReducer struct {
	positions map[PositionKey]schema.Quantity
}

// NewPositionReducer creates an empty reducer.
func NewPositionReducer() *PositionReducer {
	return &PositionReducer{positions: make(map[PositionKey]schema.Quantity)}
}

// ApplyTrade moves quantity from seller to buyer. Anonymous owners are not tracked.
func (r *PositionReducer) ApplyTrade(trade schema.Trade) {
	buyer, seller := trade.AggressorOwner, trade.RestingOwner
	if trade.AggressorSide == schema.OrderSideSell {
		buyer, seller = seller, buyer
	}
	if buyer != 0 {
		r.add(PositionKey{Owner: buyer, Instrument: trade.InstrumentID}, trade.Qty)
	}
	if seller != 0 {
		r.add(PositionKey{Owner: seller, Instrument: trade.InstrumentID}, -trade.Qty)
	}
}

func (r *PositionReducer) add(key PositionKey, qty schema.Quantity) {
	next := r.positions[key] + qty
	if next == 0 {
		delete(r.positions, key)
		return
	}
	r.positions[key] = next
}

// ApplySnapshot replaces positions with a snapshot.
func (r *PositionReducer) ApplySnapshot(snapshot Snapshot) {
	if r.positions == nil {
		r.positions = make(map[PositionKey]schema.Quantity, len(snapshot.Positions))
	} else {
		for key := range r.positions {
			delete(r.positions, key)
		}
	}
	for _, entry := range snapshot.Positions {
		if entry.Qty != 0 {
			r.positions[PositionKey{Owner: entry.Owner, Instrument: entry.Instrument}] = entry.Qty
		}
	}
}

// Position returns the current net quantity, positive when long.
func (r *PositionReducer) Position(owner uint32, instrument schema.InstrumentID) schema.Quantity {
	return r.positions[PositionKey{Owner: owner, Instrument: instrument}]
}

// Count returns the number of non-flat positions.
func (r *PositionReducer) Count() int {
	return len(r.positions)
}
