package risk

import (
	"sync"
	"time"

	"exchange/internal/schema"
	"exchange/internal/state"
)

const maxInt64 = int64(^uint64(0) >> 1)

// Reason explains a denial.
type Reason uint16

const (
	ReasonNone Reason = iota
	ReasonKillSwitch
	ReasonRateLimit
	ReasonMaxQty
	ReasonMaxNotional
	ReasonPriceBand
	ReasonPositionLimit
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonKillSwitch:
		return "kill_switch"
	case ReasonRateLimit:
		return "rate_limit"
	case ReasonMaxQty:
		return "max_qty"
	case ReasonMaxNotional:
		return "max_notional"
	case ReasonPriceBand:
		return "price_band"
	case ReasonPositionLimit:
		return "position_limit"
	default:
		return "unknown"
	}
}

// Decision is the result of a pre-trade check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Limits defines per-owner pre-trade limits. Zero disables a check.
type Limits struct {
	KillSwitch           bool            `yaml:"killSwitch" json:"killSwitch"`
	MaxOrderQty          schema.Quantity `yaml:"maxOrderQty" json:"maxOrderQty"`
	MaxOrderNotional     schema.Notional `yaml:"maxOrderNotional" json:"maxOrderNotional"`
	MaxPosition          schema.Quantity `yaml:"maxPosition" json:"maxPosition"`
	OrderRateLimit       int             `yaml:"orderRateLimit" json:"orderRateLimit"`
	OrderRateWindow      time.Duration   `yaml:"orderRateWindow" json:"orderRateWindow"`
	MaxPriceDeviationBps int64           `yaml:"maxPriceDeviationBps" json:"maxPriceDeviationBps"`
}

// Request is the order as seen by the risk hook.
type Request struct {
	Owner      uint32
	Instrument schema.InstrumentID
	Side       schema.OrderSide
	Type       schema.OrderType
	Price      schema.Price
	Qty        schema.Quantity
	Now        int64
}

type rateWindow struct {
	start int64
	count int
}

// Engine evaluates pre-trade risk. It is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	limits    Limits
	rates     map[uint32]*rateWindow
	positions *state.PositionReducer
	refs      map[schema.InstrumentID]schema.Price
}

// NewEngine creates a risk engine with the given limits.
func NewEngine(limits Limits) *Engine {
	return &Engine{
		limits:    limits,
		rates:     make(map[uint32]*rateWindow),
		positions: state.NewPositionReducer(),
		refs:      make(map[schema.InstrumentID]schema.Price),
	}
}

// SetLimits swaps the limits in place. Positions and rate windows are kept.
func (e *Engine) SetLimits(limits Limits) {
	e.mu.Lock()
	e.limits = limits
	e.mu.Unlock()
}

// Limits returns the active limits.
func (e *Engine) Limits() Limits {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.limits
}

// Seed loads recovered positions.
func (e *Engine) Seed(snapshot state.Snapshot) {
	e.mu.Lock()
	e.positions.ApplySnapshot(snapshot)
	e.mu.Unlock()
}

// OnTrade updates positions and the reference price used by the price band.
func (e *Engine) OnTrade(trade schema.Trade) {
	e.mu.Lock()
	e.positions.ApplyTrade(trade)
	e.refs[trade.InstrumentID] = trade.Price
	e.mu.Unlock()
}

// Position returns an owner's net position.
func (e *Engine) Position(owner uint32, instrument schema.InstrumentID) schema.Quantity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positions.Position(owner, instrument)
}

// Evaluate applies the limits to req. An allowed request counts towards the rate window.
func (e *Engine) Evaluate(req Request) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := req.Now
	if now == 0 {
		now = time.Now().UTC().UnixNano()
	}
	cfg := e.limits

	if cfg.KillSwitch {
		return deny(ReasonKillSwitch)
	}

	if cfg.OrderRateLimit > 0 && cfg.OrderRateWindow > 0 {
		window := int64(cfg.OrderRateWindow)
		rw, ok := e.rates[req.Owner]
		if !ok {
			rw = &rateWindow{}
			e.rates[req.Owner] = rw
		}
		if rw.start == 0 || now-rw.start >= window {
			rw.start = now
			rw.count = 0
		}
		rw.count++
		if rw.count > cfg.OrderRateLimit {
			return deny(ReasonRateLimit)
		}
	}

	if cfg.MaxOrderQty > 0 && req.Qty > cfg.MaxOrderQty {
		return deny(ReasonMaxQty)
	}

	ref := int64(e.refs[req.Instrument])
	if cfg.MaxPriceDeviationBps > 0 && req.Type == schema.OrderTypeLimit && req.Price > 0 && ref > 0 {
		diff := absInt64(int64(req.Price) - ref)
		if exceedsDeviation(diff, ref, cfg.MaxPriceDeviationBps) {
			return deny(ReasonPriceBand)
		}
	}

	price := req.Price
	if req.Type == schema.OrderTypeMarket {
		price = schema.Price(ref)
	}
	notional, overflow := mulNotional(price, req.Qty)
	if overflow {
		return deny(ReasonMaxNotional)
	}
	if cfg.MaxOrderNotional > 0 && notional > cfg.MaxOrderNotional {
		return deny(ReasonMaxNotional)
	}

	if cfg.MaxPosition > 0 && req.Owner != 0 {
		nextPos := applySide(e.positions.Position(req.Owner, req.Instrument), req.Side, req.Qty)
		if absQuantity(nextPos) > cfg.MaxPosition {
			return deny(ReasonPositionLimit)
		}
	}

	return Decision{Allowed: true}
}

func deny(reason Reason) Decision {
	return Decision{Reason: reason}
}

func mulNotional(price schema.Price, qty schema.Quantity) (schema.Notional, bool) {
	p := int64(price)
	q := int64(qty)
	if p == 0 || q == 0 {
		return 0, false
	}
	if p < 0 {
		p = -p
	}
	if q < 0 {
		q = -q
	}
	if p > maxInt64/q {
		return 0, true
	}
	return schema.Notional(int64(price) * int64(qty)), false
}

func applySide(pos schema.Quantity, side schema.OrderSide, qty schema.Quantity) schema.Quantity {
	switch side {
	case schema.OrderSideBuy:
		return pos + qty
	case schema.OrderSideSell:
		return pos - qty
	default:
		return pos
	}
}

func absQuantity(q schema.Quantity) schema.Quantity {
	if q < 0 {
		return -q
	}
	return q
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func exceedsDeviation(diff int64, ref int64, bps int64) bool {
	if diff <= 0 || ref <= 0 || bps <= 0 {
		return false
	}
	if diff > maxInt64/10000 {
		return true
	}
	lhs := diff * 10000
	if ref > maxInt64/bps {
		return true
	}
	rhs := ref * bps
	return lhs > rhs
}
