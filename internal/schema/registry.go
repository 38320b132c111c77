package schema

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Scale is the number of decimal places used by a scaled integer.
// Example: Scale=2 means the integer value is scaled by 1e2.
type Scale int32

// InstrumentID is the numeric identifier for an instrument.
// It also travels in EventHeader.Source, so it must fit in 16 bits.
type InstrumentID uint32

// TradingStatus describes whether an instrument accepts orders.
type TradingStatus uint32

const (
	TradingStatusUnknown TradingStatus = iota
	TradingStatusOpen
	TradingStatusHalted
	TradingStatusClosed
)

func (s TradingStatus) String() string {
	switch s {
	case TradingStatusOpen:
		return "open"
	case TradingStatusHalted:
		return "halted"
	case TradingStatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ParseTradingStatus maps a config string to a status. Empty means open.
func ParseTradingStatus(s string) (TradingStatus, error) {
	switch s {
	case "", "open":
		return TradingStatusOpen, nil
	case "halted":
		return TradingStatusHalted, nil
	case "closed":
		return TradingStatusClosed, nil
	default:
		return TradingStatusUnknown, fmt.Errorf("unknown trading status: %s", s)
	}
}

// InstrumentSpec is the immutable definition of a tradable symbol.
type InstrumentSpec struct {
	Symbol     string
	TickSize   Price
	LotSize    Quantity
	MinPrice   Price
	MaxPrice   Price
	PriceScale Scale
	QtyScale   Scale
}

// Instrument is a registered instrument. Only the status changes after registration.
type Instrument struct {
	ID InstrumentID
	InstrumentSpec

	status atomic.Uint32
}

// Status returns the current trading status.
func (i *Instrument) Status() TradingStatus {
	return TradingStatus(i.status.Load())
}

// ValidPrice reports whether p is a positive tick multiple.
func (i *Instrument) ValidPrice(p Price) bool {
	return p > 0 && (i.TickSize <= 0 || p%i.TickSize == 0)
}

// PriceInBounds reports whether p lies inside the configured price band.
func (i *Instrument) PriceInBounds(p Price) bool {
	if i.MinPrice > 0 && p < i.MinPrice {
		return false
	}
	if i.MaxPrice > 0 && p > i.MaxPrice {
		return false
	}
	return true
}

// ValidQuantity reports whether q is a positive lot multiple.
func (i *Instrument) ValidQuantity(q Quantity) bool {
	return q > 0 && (i.LotSize <= 0 || q%i.LotSize == 0)
}

// Registry stores instruments in a compact form.
// Registration happens before traffic starts; lookups are safe for concurrent use afterwards.
type Registry struct {
	instruments []*Instrument
	bySymbol    map[string]InstrumentID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bySymbol: make(map[string]InstrumentID)}
}

// Add registers a new instrument and returns its ID.
func (r *Registry) Add(spec InstrumentSpec, status TradingStatus) (InstrumentID, error) {
	if spec.Symbol == "" {
		return 0, fmt.Errorf("instrument symbol is empty")
	}
	if _, ok := r.bySymbol[spec.Symbol]; ok {
		return 0, fmt.Errorf("instrument already exists: %s", spec.Symbol)
	}
	if spec.TickSize <= 0 {
		return 0, fmt.Errorf("instrument %s: tick size must be > 0", spec.Symbol)
	}
	if spec.LotSize <= 0 {
		return 0, fmt.Errorf("instrument %s: lot size must be > 0", spec.Symbol)
	}
	if spec.MaxPrice > 0 && spec.MinPrice > spec.MaxPrice {
		return 0, fmt.Errorf("instrument %s: min price above max price", spec.Symbol)
	}
	if len(r.instruments) >= math.MaxUint16 {
		return 0, fmt.Errorf("instrument registry is full")
	}
	if status == TradingStatusUnknown {
		status = TradingStatusOpen
	}
	id := InstrumentID(len(r.instruments) + 1)
	inst := &Instrument{ID: id, InstrumentSpec: spec}
	inst.status.Store(uint32(status))
	r.instruments = append(r.instruments, inst)
	r.bySymbol[spec.Symbol] = id
	return id, nil
}

// Lookup returns the instrument by ID.
func (r *Registry) Lookup(id InstrumentID) (*Instrument, bool) {
	if id == 0 || int(id) > len(r.instruments) {
		return nil, false
	}
	return r.instruments[id-1], true
}

// LookupSymbol returns the instrument by symbol.
func (r *Registry) LookupSymbol(symbol string) (*Instrument, bool) {
	id, ok := r.bySymbol[symbol]
	if !ok {
		return nil, false
	}
	return r.Lookup(id)
}

// SetStatus changes the trading status and returns the previous one.
func (r *Registry) SetStatus(id InstrumentID, status TradingStatus) (TradingStatus, bool) {
	inst, ok := r.Lookup(id)
	if !ok {
		return TradingStatusUnknown, false
	}
	return TradingStatus(inst.status.Swap(uint32(status))), true
}

// Count returns the number of instruments in the registry.
func (r *Registry) Count() int {
	return len(r.instruments)
}

// Instruments returns all instruments ordered by ID.
func (r *Registry) Instruments() []*Instrument {
	out := make([]*Instrument, len(r.instruments))
	copy(out, r.instruments)
	return out
}
