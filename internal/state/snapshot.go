package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"

	"exchange/internal/book"
	"exchange/internal/schema"
)

// Snapshot is the durable engine state at one sequence number.
type Snapshot struct {
	Timestamp   int64           `json:"timestamp"`
	LastSeq     uint64          `json:"lastSeq"`
	LastEventTs int64           `json:"lastEventTs"`
	MaxOrderID  uint64          `json:"maxOrderId"`
	Books       []BookSnapshot  `json:"books"`
	Positions   []PositionEntry `json:"positions"`
}

// PositionEntry is a single owner/instrument position.
type PositionEntry struct {
	Owner      uint32              `json:"owner"`
	Instrument schema.InstrumentID `json:"instrument"`
	Qty        schema.Quantity     `json:"qty"`
}

// OrderEntry is a resting order as it appears in a snapshot.
type OrderEntry struct {
	ID          uint64             `json:"id"`
	Owner       uint32             `json:"owner"`
	Side        schema.OrderSide   `json:"side"`
	TimeInForce schema.TimeInForce `json:"tif"`
	Price       schema.Price       `json:"price"`
	Qty         schema.Quantity    `json:"qty"`
	Remaining   schema.Quantity    `json:"remaining"`
	ArrivalSeq  uint64             `json:"arrivalSeq"`
}

// BookSnapshot is one instrument's book. Orders are in priority order: best price first, FIFO within a price.
type BookSnapshot struct {
	Instrument schema.InstrumentID `json:"instrument"`
	LastSeq    uint64              `json:"lastSeq"`
	Halted     bool                `json:"halted,omitempty"`
	Bids       []OrderEntry        `json:"bids"`
	Asks       []OrderEntry        `json:"asks"`
}

// CaptureBook copies the resting orders of b.
func CaptureBook(b *book.Book, lastSeq uint64) BookSnapshot {
	snap := BookSnapshot{Instrument: b.Instrument(), LastSeq: lastSeq}
	snap.Bids = captureSide(b, schema.OrderSideBuy)
	snap.Asks = captureSide(b, schema.OrderSideSell)
	return snap
}

func captureSide(b *book.Book, side schema.OrderSide) []OrderEntry {
	orders := b.Orders(side)
	out := make([]OrderEntry, 0, len(orders))
	for _, o := range orders {
		out = append(out, OrderEntry{
			ID:          o.ID,
			Owner:       o.Owner,
			Side:        o.Side,
			TimeInForce: o.TimeInForce,
			Price:       o.Price,
			Qty:         o.Qty,
			Remaining:   o.Remaining,
			ArrivalSeq:  o.ArrivalSeq,
		})
	}
	return out
}

// RestoreBook rebuilds a live book from a snapshot, preserving time priority.
func RestoreBook(snap BookSnapshot) (*book.Book, error) {
	b := book.New(snap.Instrument)
	for _, side := range [][]OrderEntry{snap.Bids, snap.Asks} {
		for _, e := range side {
			status := schema.OrderStatusNew
			if e.Remaining < e.Qty {
				status = schema.OrderStatusPartiallyFilled
			}
			err := b.Insert(&book.Order{
				ID:          e.ID,
				Instrument:  snap.Instrument,
				Owner:       e.Owner,
				Side:        e.Side,
				Type:        schema.OrderTypeLimit,
				TimeInForce: e.TimeInForce,
				Price:       e.Price,
				Qty:         e.Qty,
				Remaining:   e.Remaining,
				ArrivalSeq:  e.ArrivalSeq,
				Status:      status,
			})
			if err != nil {
				return nil, fmt.Errorf("restore order %d: %w", e.ID, err)
			}
		}
	}
	return b, nil
}

// Depth aggregates the snapshot into at most n price levels per side, best first. n <= 0 means all.
func (s BookSnapshot) Depth(side schema.OrderSide, n int) []book.LevelView {
	orders := s.Bids
	if side == schema.OrderSideSell {
		orders = s.Asks
	}
	var out []book.LevelView
	for _, o := range orders {
		if len(out) > 0 && out[len(out)-1].Price == o.Price {
			out[len(out)-1].Qty += o.Remaining
			out[len(out)-1].Count++
			continue
		}
		if n > 0 && len(out) == n {
			break
		}
		out = append(out, book.LevelView{Price: o.Price, Qty: o.Remaining, Count: 1})
	}
	return out
}

func sortPositions(entries []PositionEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Instrument != entries[j].Instrument {
			return entries[i].Instrument < entries[j].Instrument
		}
		return entries[i].Owner < entries[j].Owner
	})
}

// Snapshot returns the current positions.
func (r *PositionReducer) Snapshot() []PositionEntry {
	entries := make([]PositionEntry, 0, len(r.positions))
	for key, qty := range r.positions {
		entries = append(entries, PositionEntry{Owner: key.Owner, Instrument: key.Instrument, Qty: qty})
	}
	sortPositions(entries)
	return entries
}

// WriteSnapshot writes a snapshot to disk as JSON. The file is replaced atomically.
func WriteSnapshot(path string, snapshot Snapshot) error {
	if snapshot.Timestamp == 0 {
		snapshot.Timestamp = time.Now().UTC().UnixNano()
	}
	data, err := sonic.ConfigStd.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// CompareSnapshots checks that two snapshots hold the same books and positions.
// Timestamps are ignored.
func CompareSnapshots(expected, actual Snapshot) error {
	if expected.LastSeq != actual.LastSeq {
		return fmt.Errorf("snapshot sequence mismatch: expected=%d actual=%d", expected.LastSeq, actual.LastSeq)
	}
	want := make(map[schema.InstrumentID]BookSnapshot, len(expected.Books))
	for _, b := range expected.Books {
		want[b.Instrument] = b
	}
	got := make(map[schema.InstrumentID]BookSnapshot, len(actual.Books))
	for _, b := range actual.Books {
		got[b.Instrument] = b
	}
	for id, wb := range want {
		gb, ok := got[id]
		if !ok {
			if len(wb.Bids) == 0 && len(wb.Asks) == 0 {
				continue
			}
			return fmt.Errorf("snapshot missing book: instrument=%d", id)
		}
		if err := compareOrders(id, "bid", wb.Bids, gb.Bids); err != nil {
			return err
		}
		if err := compareOrders(id, "ask", wb.Asks, gb.Asks); err != nil {
			return err
		}
	}
	for id, gb := range got {
		if _, ok := want[id]; !ok && (len(gb.Bids) > 0 || len(gb.Asks) > 0) {
			return fmt.Errorf("snapshot unexpected book: instrument=%d", id)
		}
	}

	if len(expected.Positions) != len(actual.Positions) {
		return fmt.Errorf("snapshot position count mismatch: expected=%d actual=%d", len(expected.Positions), len(actual.Positions))
	}
	expectedMap := make(map[PositionKey]schema.Quantity, len(expected.Positions))
	for _, entry := range expected.Positions {
		expectedMap[PositionKey{Owner: entry.Owner, Instrument: entry.Instrument}] = entry.Qty
	}
	for _, entry := range actual.Positions {
		want, ok := expectedMap[PositionKey{Owner: entry.Owner, Instrument: entry.Instrument}]
		if !ok {
			return fmt.Errorf("snapshot missing position: owner=%d instrument=%d", entry.Owner, entry.Instrument)
		}
		if want != entry.Qty {
			return fmt.Errorf("snapshot qty mismatch: owner=%d instrument=%d expected=%d actual=%d", entry.Owner, entry.Instrument, want, entry.Qty)
		}
	}
	return nil
}

func compareOrders(id schema.InstrumentID, side string, want, got []OrderEntry) error {
	if len(want) != len(got) {
		return fmt.Errorf("snapshot %s count mismatch: instrument=%d expected=%d actual=%d", side, id, len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			return fmt.Errorf("snapshot %s mismatch: instrument=%d index=%d expected=%+v actual=%+v", side, id, i, want[i], got[i])
		}
	}
	return nil
}
