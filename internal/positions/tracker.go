// Package positions owns the open-position book. All mutation happens
// through the Tracker under one lock; every other component sees
// read-only PortfolioState snapshots.
package positions

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/pkg/types"
)

// ExitKind names why a position should be closed.
type ExitKind string

const (
	ExitNone     ExitKind = ""
	ExitStop     ExitKind = "STOP_HIT"
	ExitTake     ExitKind = "TAKE_HIT"
	ExitTrailing ExitKind = "TRAILING_HIT"
	ExitStrategy ExitKind = "STRATEGY_EXIT"
)

// ExitCheck is the outcome of CheckExit: the trigger kind and the price
// the close order should reference.
type ExitCheck struct {
	Kind  ExitKind
	Price decimal.Decimal
}

// Tracker holds open positions plus the running account figures.
type Tracker struct {
	mu        sync.Mutex
	positions map[string]*types.Position

	cash              decimal.Decimal
	peakEquity        decimal.Decimal
	dayStartEquity    decimal.Decimal
	realizedDayPnL    decimal.Decimal
	dailyTradeCount   int
	consecutiveLosses int
	halt              types.HaltState

	stops config.StopsConfig
	log   *zap.Logger
}

// NewTracker starts a tracker with the given cash balance.
func NewTracker(cash decimal.Decimal, stops config.StopsConfig, log *zap.Logger) *Tracker {
	return &Tracker{
		positions:      map[string]*types.Position{},
		cash:           cash,
		peakEquity:     cash,
		dayStartEquity: cash,
		halt:           types.HaltState{Phase: types.HaltRunning},
		stops:          stops,
		log:            log.Named("positions"),
	}
}

// Get returns a copy of the position for symbol.
func (t *Tracker) Get(symbol string) (types.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// All returns copies of the open positions sorted by symbol.
func (t *Tracker) All() []types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ApplyFill folds one execution into the book. Entry fills open or
// VWAP-merge into the symbol's position; exit fills realize PnL and
// destroy the position once quantity reaches zero. stop and take attach
// protective levels on the first entry fill only.
func (t *Tracker) ApplyFill(f types.Fill, stop, take decimal.Decimal, strategyID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !f.Qty.IsPositive() || !f.Price.IsPositive() {
		t.log.Warn("fill with non-positive qty or price dropped",
			zap.String("symbol", f.Symbol), zap.String("qty", f.Qty.String()),
			zap.String("price", f.Price.String()))
		return
	}

	switch {
	case f.Side.IsEntry():
		t.applyEntry(f, stop, take, strategyID)
	case f.Side.IsExit():
		t.applyExit(f)
	default:
		t.log.Warn("fill with non-tradable side dropped",
			zap.String("symbol", f.Symbol), zap.String("side", string(f.Side)))
	}
}

func (t *Tracker) applyEntry(f types.Fill, stop, take decimal.Decimal, strategyID string) {
	notional := f.Price.Mul(f.Qty)
	p, ok := t.positions[f.Symbol]
	if !ok {
		p = &types.Position{
			Symbol:       f.Symbol,
			Side:         f.Side,
			Qty:          f.Qty,
			AvgEntry:     f.Price,
			CurrentPrice: f.Price,
			Stop:         stop,
			Take:         take,
			TrailingPct:  decimal.NewFromFloat(t.stops.TrailingPct),
			OpenedAt:     f.Timestamp,
			LastPriceAt:  f.Timestamp,
			HighWater:    f.Price,
			LowWater:     f.Price,
			StrategyID:   strategyID,
		}
		t.positions[f.Symbol] = p
		t.dailyTradeCount++
	} else {
		if p.Side != f.Side {
			t.log.Error("entry fill against open position on the other side dropped",
				zap.String("symbol", f.Symbol),
				zap.String("position", string(p.Side)), zap.String("fill", string(f.Side)))
			return
		}
		newQty := p.Qty.Add(f.Qty)
		p.AvgEntry = p.AvgEntry.Mul(p.Qty).Add(notional).Div(newQty)
		p.Qty = newQty
		p.CurrentPrice = f.Price
		p.LastPriceAt = f.Timestamp
	}
	p.CommissionTotal = p.CommissionTotal.Add(f.Commission)

	// LONG entries consume cash, SHORT entries raise it.
	t.cash = t.cash.Sub(notional.Mul(p.SideSign())).Sub(f.Commission)

	t.log.Info("position opened or added",
		zap.String("symbol", f.Symbol), zap.String("side", string(p.Side)),
		zap.String("qty", p.Qty.String()), zap.String("avgEntry", p.AvgEntry.String()))
}

func (t *Tracker) applyExit(f types.Fill) {
	p, ok := t.positions[f.Symbol]
	if !ok {
		t.log.Warn("exit fill with no open position dropped", zap.String("symbol", f.Symbol))
		return
	}

	qty := f.Qty
	if qty.GreaterThan(p.Qty) {
		t.log.Warn("exit fill exceeds position qty, clamped",
			zap.String("symbol", f.Symbol),
			zap.String("fill", qty.String()), zap.String("open", p.Qty.String()))
		qty = p.Qty
	}

	pnl := f.Price.Sub(p.AvgEntry).Mul(qty).Mul(p.SideSign()).Sub(f.Commission)
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
	p.CommissionTotal = p.CommissionTotal.Add(f.Commission)
	t.realizedDayPnL = t.realizedDayPnL.Add(pnl)

	t.cash = t.cash.Add(f.Price.Mul(qty).Mul(p.SideSign())).Sub(f.Commission)

	p.Qty = p.Qty.Sub(qty)
	p.CurrentPrice = f.Price
	p.LastPriceAt = f.Timestamp

	if !p.Qty.IsPositive() {
		if p.RealizedPnL.IsNegative() {
			t.consecutiveLosses++
		} else {
			t.consecutiveLosses = 0
		}
		delete(t.positions, f.Symbol)
		t.log.Info("position closed",
			zap.String("symbol", f.Symbol), zap.String("realizedPnl", p.RealizedPnL.String()),
			zap.Int("consecutiveLosses", t.consecutiveLosses))
		return
	}
	p.Closing = false
	t.log.Info("position reduced",
		zap.String("symbol", f.Symbol), zap.String("remaining", p.Qty.String()))
}

// MarkPrice updates the symbol's mark and ratchets the trailing stop.
// The trailing anchor only moves in the position's favor, so the stop
// never loosens.
func (t *Tracker) MarkPrice(symbol string, price decimal.Decimal, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok || !price.IsPositive() {
		return
	}
	p.CurrentPrice = price
	p.LastPriceAt = ts
	p.UnrealizedPnL = price.Sub(p.AvgEntry).Mul(p.Qty).Mul(p.SideSign())
	if price.GreaterThan(p.HighWater) {
		p.HighWater = price
	}
	if price.LessThan(p.LowWater) {
		p.LowWater = price
	}

	if !p.TrailingPct.IsPositive() {
		return
	}
	one := decimal.NewFromInt(1)
	if p.Side == types.SideLong {
		if p.TrailingAnchor == nil || price.GreaterThan(*p.TrailingAnchor) {
			anchor := price
			p.TrailingAnchor = &anchor
		}
		trail := p.TrailingAnchor.Mul(one.Sub(p.TrailingPct))
		if trail.GreaterThan(p.Stop) {
			p.Stop = trail
		}
	} else {
		if p.TrailingAnchor == nil || price.LessThan(*p.TrailingAnchor) {
			anchor := price
			p.TrailingAnchor = &anchor
		}
		trail := p.TrailingAnchor.Mul(one.Add(p.TrailingPct))
		if !p.Stop.IsPositive() || trail.LessThan(p.Stop) {
			p.Stop = trail
		}
	}
}

// CheckExit tests the bar against the position's protective levels.
// A bar that gaps through the stop exits at the bar's open, never at
// the stop price the market skipped.
func (t *Tracker) CheckExit(symbol string, bar types.Bar) ExitCheck {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok || p.Closing {
		return ExitCheck{}
	}

	stopKind := ExitStop
	if p.TrailingAnchor != nil && t.anchorAdvanced(p) {
		stopKind = ExitTrailing
	}

	if p.Side == types.SideLong {
		if p.Stop.IsPositive() {
			if bar.Open.LessThanOrEqual(p.Stop) {
				return ExitCheck{Kind: stopKind, Price: bar.Open}
			}
			if bar.Low.LessThanOrEqual(p.Stop) {
				return ExitCheck{Kind: stopKind, Price: p.Stop}
			}
		}
		if p.Take.IsPositive() {
			if bar.Open.GreaterThanOrEqual(p.Take) {
				return ExitCheck{Kind: ExitTake, Price: bar.Open}
			}
			if bar.High.GreaterThanOrEqual(p.Take) {
				return ExitCheck{Kind: ExitTake, Price: p.Take}
			}
		}
		return ExitCheck{}
	}

	if p.Stop.IsPositive() {
		if bar.Open.GreaterThanOrEqual(p.Stop) {
			return ExitCheck{Kind: stopKind, Price: bar.Open}
		}
		if bar.High.GreaterThanOrEqual(p.Stop) {
			return ExitCheck{Kind: stopKind, Price: p.Stop}
		}
	}
	if p.Take.IsPositive() {
		if bar.Open.LessThanOrEqual(p.Take) {
			return ExitCheck{Kind: ExitTake, Price: bar.Open}
		}
		if bar.Low.LessThanOrEqual(p.Take) {
			return ExitCheck{Kind: ExitTake, Price: p.Take}
		}
	}
	return ExitCheck{}
}

// anchorAdvanced reports whether the trailing anchor has moved past the
// entry, meaning the live stop is trail-derived.
func (t *Tracker) anchorAdvanced(p *types.Position) bool {
	if p.Side == types.SideLong {
		return p.TrailingAnchor.GreaterThan(p.AvgEntry)
	}
	return p.TrailingAnchor.LessThan(p.AvgEntry)
}

// MarkClosing flags the position so only one exit order is ever in
// flight. Returns false when the position is unknown or already closing.
func (t *Tracker) MarkClosing(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok || p.Closing {
		return false
	}
	p.Closing = true
	return true
}

// SetBracket attaches broker-confirmed protective levels.
func (t *Tracker) SetBracket(symbol string, stop, take decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return
	}
	if stop.IsPositive() {
		p.Stop = stop
	}
	if take.IsPositive() {
		p.Take = take
	}
}

// ApplyHalt installs the halt state computed by the risk kernel. A
// COOL_DOWN that expires back to RUNNING clears the loss streak, so the
// kernel does not immediately re-enter the cooldown it just left.
func (t *Tracker) ApplyHalt(h types.HaltState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.halt.Phase == types.HaltCoolDown && h.Phase == types.HaltRunning {
		t.consecutiveLosses = 0
	}
	t.halt = h
}

// StartOfDay rolls the daily counters at session open.
func (t *Tracker) StartOfDay() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dayStartEquity = t.equityLocked()
	t.realizedDayPnL = decimal.Zero
	t.dailyTradeCount = 0
}

// equityLocked is cash plus the signed market value of the book.
// Callers hold t.mu.
func (t *Tracker) equityLocked() decimal.Decimal {
	eq := t.cash
	for _, p := range t.positions {
		if p.CurrentPrice.IsPositive() {
			eq = eq.Add(p.Qty.Mul(p.CurrentPrice).Mul(p.SideSign()))
		}
	}
	return eq
}

// Snapshot produces the read-only state the risk kernel and pipeline
// consume. Peak equity never decreases.
func (t *Tracker) Snapshot() types.PortfolioState {
	t.mu.Lock()
	defer t.mu.Unlock()

	eq := t.equityLocked()
	if eq.GreaterThan(t.peakEquity) {
		t.peakEquity = eq
	}

	open := make([]types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		open = append(open, *p)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Symbol < open[j].Symbol })

	return types.PortfolioState{
		Cash:              t.cash,
		Equity:            eq,
		PeakEquity:        t.peakEquity,
		DayStartEquity:    t.dayStartEquity,
		OpenPositions:     open,
		RealizedDayPnL:    t.realizedDayPnL,
		DailyTradeCount:   t.dailyTradeCount,
		ConsecutiveLosses: t.consecutiveLosses,
		Halt:              t.halt,
	}
}
