// Package universe holds the ordered set of tradable symbols with their
// tier classification and sector tags. The set mutates only at
// configured refresh points.
package universe

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sagemont/trader/internal/config"
)

// Tier classifies a symbol's volatility profile; it scales position size.
type Tier string

const (
	TierCore     Tier = "core"
	TierGrowth   Tier = "growth"
	TierVolatile Tier = "volatile"
	TierExtreme  Tier = "extreme"
)

// Multiplier returns the sizing multiplier for the tier.
func (t Tier) Multiplier() decimal.Decimal {
	switch t {
	case TierCore:
		return decimal.NewFromInt(1)
	case TierGrowth:
		return decimal.NewFromFloat(0.8)
	case TierVolatile:
		return decimal.NewFromFloat(0.6)
	case TierExtreme:
		return decimal.NewFromFloat(0.4)
	}
	return decimal.NewFromInt(1)
}

// Entry is one universe member.
type Entry struct {
	Symbol string
	Tier   Tier
	Sector string
}

// Stats feeds the screener at refresh points.
type Stats struct {
	AvgVolume decimal.Decimal
	MarketCap decimal.Decimal
}

// Universe is the ordered symbol set.
type Universe struct {
	mu       sync.RWMutex
	entries  []Entry
	bySymbol map[string]Entry
	screener config.ScreenerConfig
}

// FromConfig builds the universe from the configured ticker list,
// preserving order. Unknown tier names are a configuration error.
func FromConfig(uc config.UniverseConfig) (*Universe, error) {
	u := &Universe{
		bySymbol: make(map[string]Entry, len(uc.Tickers)),
		screener: uc.Screener,
	}
	for _, tc := range uc.Tickers {
		tier := Tier(tc.Tier)
		if tc.Tier == "" {
			tier = TierCore
		}
		switch tier {
		case TierCore, TierGrowth, TierVolatile, TierExtreme:
		default:
			return nil, fmt.Errorf("ticker %s: unknown tier %q", tc.Symbol, tc.Tier)
		}
		if _, dup := u.bySymbol[tc.Symbol]; dup {
			return nil, fmt.Errorf("duplicate ticker %s", tc.Symbol)
		}
		e := Entry{Symbol: tc.Symbol, Tier: tier, Sector: tc.Sector}
		u.entries = append(u.entries, e)
		u.bySymbol[tc.Symbol] = e
	}
	return u, nil
}

// Symbols returns the members in configured order.
func (u *Universe) Symbols() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]string, len(u.entries))
	for i, e := range u.entries {
		out[i] = e.Symbol
	}
	return out
}

// Contains reports membership.
func (u *Universe) Contains(symbol string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, ok := u.bySymbol[symbol]
	return ok
}

// TierOf returns the symbol's tier, core for unknown symbols.
func (u *Universe) TierOf(symbol string) Tier {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if e, ok := u.bySymbol[symbol]; ok {
		return e.Tier
	}
	return TierCore
}

// SectorOf returns the symbol's sector tag, empty when untagged.
func (u *Universe) SectorOf(symbol string) string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.bySymbol[symbol].Sector
}

// Screen drops members failing the screener thresholds. Called only at
// configured refresh points. Symbols without stats are kept, and a zero
// stat field is unknown rather than failing.
func (u *Universe) Screen(stats map[string]Stats) []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	minVol := decimal.NewFromFloat(u.screener.MinAvgVolume)
	minCap := decimal.NewFromFloat(u.screener.MinMarketCap)

	var kept []Entry
	var dropped []string
	for _, e := range u.entries {
		st, ok := stats[e.Symbol]
		if ok && (below(st.AvgVolume, minVol) || below(st.MarketCap, minCap)) {
			dropped = append(dropped, e.Symbol)
			delete(u.bySymbol, e.Symbol)
			continue
		}
		kept = append(kept, e)
	}
	u.entries = kept
	return dropped
}

// below reports a known stat under a configured threshold. Zero
// thresholds disable the check.
func below(v, min decimal.Decimal) bool {
	return v.IsPositive() && min.IsPositive() && v.LessThan(min)
}
