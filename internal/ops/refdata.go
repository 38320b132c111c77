package ops

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"exchange/internal/core"
	"exchange/internal/matching"
	"exchange/internal/risk"
	"exchange/internal/schema"
)

// RefDataFile mirrors the YAML reference data layout.
type RefDataFile struct {
	Instruments []InstrumentConfig `yaml:"instruments"`
	Session     SessionConfig      `yaml:"session"`
	Matching    MatchingConfig     `yaml:"matching"`
	Risk        risk.Limits        `yaml:"risk"`
}

// InstrumentConfig describes one instrument. Prices and sizes are decimal strings that must be
// exact at the configured scale.
type InstrumentConfig struct {
	Symbol     string `yaml:"symbol"`
	TickSize   string `yaml:"tickSize"`
	LotSize    string `yaml:"lotSize"`
	MinPrice   string `yaml:"minPrice"`
	MaxPrice   string `yaml:"maxPrice"`
	PriceScale int32  `yaml:"priceScale"`
	QtyScale   int32  `yaml:"qtyScale"`
	Status     string `yaml:"status"`
}

// SessionConfig is the daily trading window, "15:04" in Timezone. Empty means always open.
type SessionConfig struct {
	Open     string `yaml:"open"`
	Close    string `yaml:"close"`
	Timezone string `yaml:"timezone"`
}

// MatchingConfig selects the matching policies.
type MatchingConfig struct {
	SelfTrade string `yaml:"selfTrade"`
	Modify    string `yaml:"modify"`
}

// RefData is the resolved reference data ready for use.
type RefData struct {
	Registry *schema.Registry
	Schedule core.Schedule
	Policy   matching.Policy
	Risk     risk.Limits
}

// LoadRefData reads and resolves a YAML reference data file.
func LoadRefData(path string) (RefData, error) {
	file, err := readRefDataFile(path)
	if err != nil {
		return RefData{}, err
	}

	registry, err := buildRegistry(file.Instruments)
	if err != nil {
		return RefData{}, errors.Wrap(err, "build registry").With("path", path)
	}
	schedule, err := buildSchedule(file.Session)
	if err != nil {
		return RefData{}, errors.Wrap(err, "build session").With("path", path)
	}
	policy, err := buildPolicy(file.Matching)
	if err != nil {
		return RefData{}, errors.Wrap(err, "build matching policy").With("path", path)
	}
	return RefData{
		Registry: registry,
		Schedule: schedule,
		Policy:   policy,
		Risk:     file.Risk,
	}, nil
}

// LoadRiskLimits reads only the risk section.
func LoadRiskLimits(path string) (risk.Limits, error) {
	file, err := readRefDataFile(path)
	if err != nil {
		return risk.Limits{}, err
	}
	return file.Risk, nil
}

func readRefDataFile(path string) (RefDataFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RefDataFile{}, errors.Wrap(err, "read reference data").With("path", path)
	}
	var file RefDataFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return RefDataFile{}, errors.Wrap(err, "decode reference data").With("path", path)
	}
	return file, nil
}

func buildRegistry(instruments []InstrumentConfig) (*schema.Registry, error) {
	if len(instruments) == 0 {
		return nil, fmt.Errorf("no instruments configured")
	}
	reg := schema.NewRegistry()
	for _, cfg := range instruments {
		spec, err := cfg.spec()
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", cfg.Symbol, err)
		}
		status, err := schema.ParseTradingStatus(cfg.Status)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", cfg.Symbol, err)
		}
		if _, err := reg.Add(spec, status); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (cfg InstrumentConfig) spec() (schema.InstrumentSpec, error) {
	if cfg.PriceScale < 0 || cfg.PriceScale > 18 || cfg.QtyScale < 0 || cfg.QtyScale > 18 {
		return schema.InstrumentSpec{}, fmt.Errorf("scale out of range")
	}
	tick, err := Scaled(cfg.TickSize, cfg.PriceScale)
	if err != nil {
		return schema.InstrumentSpec{}, fmt.Errorf("tick size: %w", err)
	}
	lot, err := Scaled(cfg.LotSize, cfg.QtyScale)
	if err != nil {
		return schema.InstrumentSpec{}, fmt.Errorf("lot size: %w", err)
	}
	minPrice, err := Scaled(cfg.MinPrice, cfg.PriceScale)
	if err != nil {
		return schema.InstrumentSpec{}, fmt.Errorf("min price: %w", err)
	}
	maxPrice, err := Scaled(cfg.MaxPrice, cfg.PriceScale)
	if err != nil {
		return schema.InstrumentSpec{}, fmt.Errorf("max price: %w", err)
	}
	return schema.InstrumentSpec{
		Symbol:     cfg.Symbol,
		TickSize:   schema.Price(tick),
		LotSize:    schema.Quantity(lot),
		MinPrice:   schema.Price(minPrice),
		MaxPrice:   schema.Price(maxPrice),
		PriceScale: schema.Scale(cfg.PriceScale),
		QtyScale:   schema.Scale(cfg.QtyScale),
	}, nil
}

// Scaled converts a decimal string to an integer at scale. Empty is zero; digits beyond the
// scale are an error.
func Scaled(s string, scale int32) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	return ScaleDecimal(d, scale)
}

// ScaleDecimal converts d to an integer at scale, failing when d is not exact at that scale.
func ScaleDecimal(d decimal.Decimal, scale int32) (int64, error) {
	shifted := d.Shift(scale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%s has more than %d decimal places", d, scale)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("%s overflows at scale %d", d, scale)
	}
	return shifted.IntPart(), nil
}

// Unscaled renders a scaled integer as a decimal.
func Unscaled(v int64, scale schema.Scale) decimal.Decimal {
	return decimal.New(v, -int32(scale))
}

func buildSchedule(cfg SessionConfig) (core.Schedule, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return core.Schedule{}, err
		}
		loc = l
	}
	if cfg.Open == "" && cfg.Close == "" {
		return core.Schedule{Location: loc}, nil
	}
	open, err := core.ParseClock(cfg.Open)
	if err != nil {
		return core.Schedule{}, err
	}
	closeAt, err := core.ParseClock(cfg.Close)
	if err != nil {
		return core.Schedule{}, err
	}
	return core.Schedule{Open: open, Close: closeAt, Location: loc}, nil
}

func buildPolicy(cfg MatchingConfig) (matching.Policy, error) {
	selfTrade, err := matching.ParseSelfTradePolicy(cfg.SelfTrade)
	if err != nil {
		return matching.Policy{}, err
	}
	modify, err := matching.ParseModifyPolicy(cfg.Modify)
	if err != nil {
		return matching.Policy{}, err
	}
	return matching.Policy{SelfTrade: selfTrade, Modify: modify}, nil
}
