// Package consensus collapses per-symbol strategy signals into vetted
// trade intents: a minimum-agreement gate, regime-weighted confidence,
// a four-factor quality enhancer, and the confidence floor.
package consensus

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/regime"
	"github.com/sagemont/trader/pkg/types"
)

// defaultWeight applies when the regime map has no entry for a strategy.
const defaultWeight = 0.5

// Processor runs the consensus and enhancement stages for one cycle.
type Processor struct {
	minAgreement int
	floor        float64
	sizing       types.SizingMethod
	enhancer     *Enhancer
	log          *zap.Logger
}

// New builds a processor from the signals config. sizing is stamped onto
// every produced intent; the pipeline supplies the method's inputs.
func New(cfg config.SignalsConfig, sizing types.SizingMethod, enhancer *Enhancer, log *zap.Logger) *Processor {
	return &Processor{
		minAgreement: cfg.MinStrategiesAgreement,
		floor:        cfg.ConfidenceFloor,
		sizing:       sizing,
		enhancer:     enhancer,
		log:          log.Named("consensus"),
	}
}

// Context carries the per-cycle inputs the enhancer needs.
type Context struct {
	CycleID string
	Regime  regime.State
	Bars    map[string][]types.Bar // symbol -> window
	Proxy   []types.Bar            // primary index proxy window
	Now     time.Time
}

// Process folds all signals of one cycle into enhanced intents. Entry
// intents need minStrategiesAgreement same-side signals; side ties
// produce no intent. Exit signals pass through individually: closing
// risk never waits for a quorum. Intents below the confidence floor are
// dropped; exactly at the floor is accepted.
func (p *Processor) Process(ctx Context, signals []types.Signal) []types.TradeIntent {
	bySymbol := make(map[string][]types.Signal)
	var symbols []string
	for _, s := range signals {
		if s.Side == types.SideHold {
			continue
		}
		if _, seen := bySymbol[s.Symbol]; !seen {
			symbols = append(symbols, s.Symbol)
		}
		bySymbol[s.Symbol] = append(bySymbol[s.Symbol], s)
	}
	sort.Strings(symbols)

	var out []types.TradeIntent
	for _, symbol := range symbols {
		out = append(out, p.collapseSymbol(ctx, symbol, bySymbol[symbol])...)
	}
	return out
}

func (p *Processor) collapseSymbol(ctx Context, symbol string, sigs []types.Signal) []types.TradeIntent {
	var longs, shorts, exits []types.Signal
	for _, s := range sigs {
		switch s.Side {
		case types.SideLong:
			longs = append(longs, s)
		case types.SideShort:
			shorts = append(shorts, s)
		case types.SideExitLong, types.SideExitShort:
			exits = append(exits, s)
		}
	}

	var out []types.TradeIntent
	for _, s := range exits {
		intent := p.buildIntent(ctx, symbol, s.Side, []types.Signal{s})
		out = append(out, intent)
	}

	if len(longs) >= p.minAgreement && len(longs) > len(shorts) {
		if intent, ok := p.entryIntent(ctx, symbol, types.SideLong, longs); ok {
			out = append(out, intent)
		}
	} else if len(shorts) >= p.minAgreement && len(shorts) > len(longs) {
		if intent, ok := p.entryIntent(ctx, symbol, types.SideShort, shorts); ok {
			out = append(out, intent)
		}
	} else if len(longs) > 0 && len(longs) == len(shorts) {
		p.log.Debug("side tie, holding", zap.String("symbol", symbol))
	}
	return out
}

func (p *Processor) entryIntent(ctx Context, symbol string, side types.Side, sigs []types.Signal) (types.TradeIntent, bool) {
	intent := p.buildIntent(ctx, symbol, side, sigs)

	factors := p.enhancer.Score(ctx, intent)
	intent.Confidence = clamp01(intent.Confidence * factors.Product())

	if intent.Confidence < p.floor {
		p.log.Debug("intent below confidence floor",
			zap.String("symbol", symbol),
			zap.Float64("confidence", intent.Confidence),
			zap.Float64("floor", p.floor))
		return types.TradeIntent{}, false
	}
	return intent, true
}

// buildIntent computes the regime-weighted confidence and picks the
// entry levels from the most convincing contributor.
func (p *Processor) buildIntent(ctx Context, symbol string, side types.Side, sigs []types.Signal) types.TradeIntent {
	var sumW, sumWC float64
	best := sigs[0]
	bestScore := -1.0
	ids := make([]string, 0, len(sigs))
	for _, s := range sigs {
		w, ok := ctx.Regime.StrategyWeights[s.StrategyID]
		if !ok {
			w = defaultWeight
		}
		sumW += w
		sumWC += w * s.Confidence
		if score := w * s.Confidence; score > bestScore {
			bestScore = score
			best = s
		}
		ids = append(ids, s.StrategyID)
	}
	conf := 0.0
	if sumW > 0 {
		conf = sumWC / sumW
	}
	sort.Strings(ids)

	return types.TradeIntent{
		ID:         uuid.NewString(),
		CycleID:    ctx.CycleID,
		Symbol:     symbol,
		Side:       side,
		Confidence: clamp01(conf),
		Regime:     ctx.Regime.Regime,
		Sizing:     p.sizing,
		Strategies: ids,
		Entry:      best.SuggestedEntry,
		Stop:       best.SuggestedStop,
		Take:       best.SuggestedTake,
		CreatedAt:  ctx.Now,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
