// Package types provides the shared data model for the trading engine.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a signal, intent, or order.
type Side string

const (
	SideLong      Side = "LONG"
	SideShort     Side = "SHORT"
	SideExitLong  Side = "EXIT_LONG"
	SideExitShort Side = "EXIT_SHORT"
	SideHold      Side = "HOLD"
)

// IsEntry reports whether the side opens exposure.
func (s Side) IsEntry() bool { return s == SideLong || s == SideShort }

// IsExit reports whether the side closes exposure.
func (s Side) IsExit() bool { return s == SideExitLong || s == SideExitShort }

// Exit returns the side that closes a position opened with s.
func (s Side) Exit() Side {
	switch s {
	case SideLong:
		return SideExitLong
	case SideShort:
		return SideExitShort
	}
	return SideHold
}

// Strength buckets signal conviction.
type Strength string

const (
	StrengthWeak     Strength = "WEAK"
	StrengthModerate Strength = "MODERATE"
	StrengthStrong   Strength = "STRONG"
)

// Timeframe is a bar interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar interval length.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe30m:
		return 30 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	}
	return 30 * time.Minute
}

// ErrInvalidBar marks bars violating the OHLC invariant.
var ErrInvalidBar = errors.New("invalid bar")

// Bar is one timeframe's OHLCV record for one symbol. Immutable once
// produced by the data feed.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	OpenTime  time.Time       `json:"openTime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Validate checks high >= max(open,close) >= min(open,close) >= low and
// volume >= 0.
func (b Bar) Validate() error {
	hi := decimal.Max(b.Open, b.Close)
	lo := decimal.Min(b.Open, b.Close)
	if b.High.LessThan(hi) || b.Low.GreaterThan(lo) {
		return fmt.Errorf("%w: %s OHLC %s/%s/%s/%s", ErrInvalidBar,
			b.Symbol, b.Open, b.High, b.Low, b.Close)
	}
	if b.Volume.IsNegative() {
		return fmt.Errorf("%w: %s negative volume %s", ErrInvalidBar, b.Symbol, b.Volume)
	}
	return nil
}

// Signal is a single strategy's verdict for one symbol in one cycle.
// Signals live one cycle unless promoted to a TradeIntent.
type Signal struct {
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Strength       Strength        `json:"strength"`
	StrategyID     string          `json:"strategyId"`
	Confidence     float64         `json:"confidence"` // [0,1]
	SuggestedEntry decimal.Decimal `json:"suggestedEntry"`
	SuggestedStop  decimal.Decimal `json:"suggestedStop"`
	SuggestedTake  decimal.Decimal `json:"suggestedTake"`
	Timestamp      time.Time       `json:"timestamp"`
}

// SizingMethod selects how a TradeIntent is sized.
type SizingMethod string

const (
	SizingRiskBased   SizingMethod = "risk_based"
	SizingFixed       SizingMethod = "fixed"
	SizingKelly       SizingMethod = "kelly"
	SizingVolAdjusted SizingMethod = "vol_adjusted"
)

// Regime is the detector's market classification.
type Regime string

const (
	RegimeStrongTrendUp   Regime = "STRONG_TREND_UP"
	RegimeWeakTrendUp     Regime = "WEAK_TREND_UP"
	RegimeStrongTrendDown Regime = "STRONG_TREND_DOWN"
	RegimeWeakTrendDown   Regime = "WEAK_TREND_DOWN"
	RegimeRanging         Regime = "RANGING"
	RegimeHighVolatility  Regime = "HIGH_VOLATILITY"
	RegimeCrisis          Regime = "CRISIS"
)

// TradeIntent is a signal that has passed consensus. One-to-one with a
// candidate order prior to validation.
type TradeIntent struct {
	ID         string          `json:"id"`
	CycleID    string          `json:"cycleId"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Confidence float64         `json:"confidence"`
	Regime     Regime          `json:"regime"`
	Sizing     SizingMethod    `json:"sizing"`
	Strategies []string        `json:"strategies"` // sorted contributing strategy IDs
	Entry      decimal.Decimal `json:"entry"`
	Stop       decimal.Decimal `json:"stop"`
	Take       decimal.Decimal `json:"take"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// OrderState is a node of the order lifecycle state machine.
type OrderState string

const (
	OrderStatePending   OrderState = "PENDING"
	OrderStateSubmitted OrderState = "SUBMITTED"
	OrderStatePartial   OrderState = "PARTIAL"
	OrderStateFilled    OrderState = "FILLED"
	OrderStateCancelled OrderState = "CANCELLED"
	OrderStateRejected  OrderState = "REJECTED"
	OrderStateFailed    OrderState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected:
		return true
	}
	return false
}

// Working reports whether the broker may still act on the order.
func (s OrderState) Working() bool {
	switch s {
	case OrderStatePending, OrderStateSubmitted, OrderStatePartial:
		return true
	}
	return false
}

// Fill is a single execution report.
type Fill struct {
	OrderID    string          `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Order is a broker order tracked by the order manager. Immutable once in
// a terminal state.
type Order struct {
	ID             string          `json:"id"`
	BrokerID       string          `json:"brokerId,omitempty"`
	IntentID       string          `json:"intentId,omitempty"`
	StrategyID     string          `json:"strategyId,omitempty"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Qty            decimal.Decimal `json:"qty"`
	LimitPrice     decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice      decimal.Decimal `json:"stopPrice,omitempty"`
	State          OrderState      `json:"state"`
	LinkedStopID   string          `json:"linkedStopId,omitempty"`
	LinkedTakeID   string          `json:"linkedTakeId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastUpdate     time.Time       `json:"lastUpdate"`
	Fills          []Fill          `json:"fills,omitempty"`
	CommissionPaid decimal.Decimal `json:"commissionPaid"`
	Retries        int             `json:"retries"`
}

// FilledQty returns the sum of fill quantities.
func (o *Order) FilledQty() decimal.Decimal {
	total := decimal.Zero
	for _, f := range o.Fills {
		total = total.Add(f.Qty)
	}
	return total
}

// AvgFillPrice returns the volume-weighted fill price, zero if unfilled.
func (o *Order) AvgFillPrice() decimal.Decimal {
	qty := o.FilledQty()
	if qty.IsZero() {
		return decimal.Zero
	}
	value := decimal.Zero
	for _, f := range o.Fills {
		value = value.Add(f.Price.Mul(f.Qty))
	}
	return value.Div(qty)
}

// Position is an open holding. Owned exclusively by the position tracker.
type Position struct {
	Symbol          string           `json:"symbol"`
	Side            Side             `json:"side"` // LONG or SHORT
	Qty             decimal.Decimal  `json:"qty"`  // > 0
	AvgEntry        decimal.Decimal  `json:"avgEntry"`
	CurrentPrice    decimal.Decimal  `json:"currentPrice"`
	UnrealizedPnL   decimal.Decimal  `json:"unrealizedPnl"`
	RealizedPnL     decimal.Decimal  `json:"realizedPnl"`
	Stop            decimal.Decimal  `json:"stop"`
	Take            decimal.Decimal  `json:"take"`
	TrailingPct     decimal.Decimal  `json:"trailingPct,omitempty"`
	TrailingAnchor  *decimal.Decimal `json:"trailingAnchor,omitempty"`
	OpenedAt        time.Time        `json:"openedAt"`
	LastPriceAt     time.Time        `json:"lastPriceAt"`
	HighWater       decimal.Decimal  `json:"highWater"`
	LowWater        decimal.Decimal  `json:"lowWater"`
	CommissionTotal decimal.Decimal  `json:"commissionTotal"`
	Closing         bool             `json:"closing"`
	StrategyID      string           `json:"strategyId,omitempty"`
}

// SideSign is +1 for LONG, -1 for SHORT.
func (p *Position) SideSign() decimal.Decimal {
	if p.Side == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Exposure is qty x current price, zero when no positive price is known.
func (p *Position) Exposure() decimal.Decimal {
	if p.CurrentPrice.IsPositive() {
		return p.Qty.Mul(p.CurrentPrice)
	}
	return decimal.Zero
}

// Validate checks the stop/take side invariants.
func (p *Position) Validate() error {
	if !p.Qty.IsPositive() {
		return fmt.Errorf("position %s: non-positive qty %s", p.Symbol, p.Qty)
	}
	if p.Side == SideLong {
		if p.Stop.IsPositive() && !p.Stop.LessThan(p.AvgEntry) {
			return fmt.Errorf("position %s: long stop %s not below entry %s", p.Symbol, p.Stop, p.AvgEntry)
		}
		if p.Take.IsPositive() && !p.Take.GreaterThan(p.AvgEntry) {
			return fmt.Errorf("position %s: long take %s not above entry %s", p.Symbol, p.Take, p.AvgEntry)
		}
	} else {
		if p.Stop.IsPositive() && !p.Stop.GreaterThan(p.AvgEntry) {
			return fmt.Errorf("position %s: short stop %s not above entry %s", p.Symbol, p.Stop, p.AvgEntry)
		}
		if p.Take.IsPositive() && !p.Take.LessThan(p.AvgEntry) {
			return fmt.Errorf("position %s: short take %s not below entry %s", p.Symbol, p.Take, p.AvgEntry)
		}
	}
	return nil
}

// HaltPhase is the trading-halt state machine node.
type HaltPhase string

const (
	HaltRunning  HaltPhase = "RUNNING"
	HaltCoolDown HaltPhase = "COOL_DOWN"
	HaltHalted   HaltPhase = "HALTED"
)

// HaltState carries the phase plus its parameters.
type HaltState struct {
	Phase  HaltPhase `json:"phase"`
	Until  time.Time `json:"until,omitempty"`  // COOL_DOWN expiry
	Reason string    `json:"reason,omitempty"` // HALTED cause
}

// Running reports whether new entries are currently permitted.
func (h HaltState) Running(now time.Time) bool {
	switch h.Phase {
	case HaltRunning:
		return true
	case HaltCoolDown:
		return now.After(h.Until)
	}
	return false
}

// PortfolioState is a read-only snapshot passed into pure evaluators.
type PortfolioState struct {
	Cash              decimal.Decimal `json:"cash"`
	Equity            decimal.Decimal `json:"equity"`
	PeakEquity        decimal.Decimal `json:"peakEquity"`
	DayStartEquity    decimal.Decimal `json:"dayStartEquity"`
	OpenPositions     []Position      `json:"openPositions"`
	RealizedDayPnL    decimal.Decimal `json:"realizedDayPnl"`
	DailyTradeCount   int             `json:"dailyTradeCount"`
	ConsecutiveLosses int             `json:"consecutiveLosses"`
	Halt              HaltState       `json:"halt"`
}

// Drawdown returns (peak - equity) / peak, zero when peak is zero.
func (p PortfolioState) Drawdown() decimal.Decimal {
	if !p.PeakEquity.IsPositive() {
		return decimal.Zero
	}
	return p.PeakEquity.Sub(p.Equity).Div(p.PeakEquity)
}

// OpenExposure sums exposure over open positions; positions without a
// positive price contribute nothing (callers warn, never substitute a
// constant).
func (p PortfolioState) OpenExposure() decimal.Decimal {
	total := decimal.Zero
	for i := range p.OpenPositions {
		total = total.Add(p.OpenPositions[i].Exposure())
	}
	return total
}
