// Package execution validates trade intents through the staged
// pipeline: receive, global risk, regime, sizing, and the final
// exposure recheck. Every rejection is audited with its stage and
// reason; approvals come out sized and ready for the order manager.
package execution

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/regime"
	"github.com/sagemont/trader/internal/risk"
	"github.com/sagemont/trader/internal/sizing"
	"github.com/sagemont/trader/internal/universe"
	"github.com/sagemont/trader/pkg/types"
)

// Pipeline stages, in order.
const (
	StageReceive    = "receive"
	StageGlobalRisk = "global_risk"
	StageRegime     = "regime"
	StageSizing     = "sizing"
	StageFinal      = "final"
)

// Rejection reasons raised by the pipeline itself; risk and sizing
// reasons pass through unchanged.
const (
	ReasonNotInUniverse = "NOT_IN_UNIVERSE"
	ReasonDuplicate     = "DUPLICATE_INTENT"
	ReasonRegimeCrisis  = "REGIME_CRISIS"
	ReasonBelowFloor    = "CONFIDENCE_BELOW_FLOOR"
)

// volatilityFloorBump tightens the confidence floor in HIGH_VOLATILITY.
const volatilityFloorBump = 0.05

// Audit is one pipeline verdict, persisted by the journal.
type Audit struct {
	IntentID string       `json:"intentId"`
	CycleID  string       `json:"cycleId"`
	Symbol   string       `json:"symbol"`
	Side     types.Side   `json:"side"`
	Stage    string       `json:"stage"`
	Outcome  string       `json:"outcome"` // "approved" or the reason code
	Detail   string       `json:"detail,omitempty"`
	Regime   types.Regime `json:"regime,omitempty"`
	At       time.Time    `json:"at"`
}

// AuditSink receives pipeline verdicts.
type AuditSink interface {
	RecordAudit(Audit)
}

// Approved is a sized, fully validated intent.
type Approved struct {
	Intent   types.TradeIntent
	Qty      decimal.Decimal
	Notional decimal.Decimal
}

// CycleInput is the per-cycle context shared by all intents. Vols maps
// symbols to their realized per-bar return volatility; the sizer reads
// it for the vol-adjusted method.
type CycleInput struct {
	CycleID string
	State   types.PortfolioState
	Regime  regime.State
	Prices  map[string]decimal.Decimal
	Vols    map[string]float64
	Now     time.Time
}

// Pipeline validates one cycle's intents.
type Pipeline struct {
	universe *universe.Universe
	kernel   *risk.Kernel
	sizer    *sizing.Sizer
	signals  config.SignalsConfig
	risk     config.RiskConfig
	sizeCfg  config.SizingConfig
	metrics  *Metrics
	audit    AuditSink
	log      *zap.Logger
}

// New builds the pipeline. audit may be nil.
func New(u *universe.Universe, kernel *risk.Kernel, sizer *sizing.Sizer,
	signals config.SignalsConfig, riskCfg config.RiskConfig, sizeCfg config.SizingConfig,
	metrics *Metrics, audit AuditSink, log *zap.Logger) *Pipeline {
	return &Pipeline{
		universe: u,
		kernel:   kernel,
		sizer:    sizer,
		signals:  signals,
		risk:     riskCfg,
		sizeCfg:  sizeCfg,
		metrics:  metrics,
		audit:    audit,
		log:      log.Named("pipeline"),
	}
}

// Run validates the cycle's intents in order. Exit intents skip the
// risk and sizing stages: closing exposure is always allowed. Approved
// exposure is accumulated so later intents in the same cycle see it.
func (p *Pipeline) Run(in CycleInput, intents []types.TradeIntent) []Approved {
	seen := make(map[string]bool, len(intents))
	pendingExposure := decimal.Zero

	var out []Approved
	for _, intent := range intents {
		p.metrics.IntentsReceived.Inc()

		key := dedupKey(intent)
		if seen[key] {
			p.reject(in, intent, StageReceive, ReasonDuplicate, key)
			continue
		}
		seen[key] = true

		if intent.Side.IsExit() {
			p.approve(in, intent)
			out = append(out, Approved{Intent: intent})
			continue
		}

		approved, ok := p.runEntry(in, intent, pendingExposure)
		if !ok {
			continue
		}
		pendingExposure = pendingExposure.Add(approved.Notional)
		out = append(out, approved)
	}
	return out
}

func (p *Pipeline) runEntry(in CycleInput, intent types.TradeIntent, pendingExposure decimal.Decimal) (Approved, bool) {
	// Stage 1: receive. A halted portfolio admits no entry at all, so
	// the verdict lands here rather than in the risk stage.
	if !in.State.Halt.Running(in.Now) {
		p.reject(in, intent, StageReceive, risk.ReasonHalted,
			fmt.Sprintf("halt phase %s", in.State.Halt.Phase))
		return Approved{}, false
	}
	if !p.universe.Contains(intent.Symbol) {
		p.reject(in, intent, StageReceive, ReasonNotInUniverse, "")
		return Approved{}, false
	}

	// Stage 2: global risk with the conservative notional estimate.
	tierMult := p.universe.TierOf(intent.Symbol).Multiplier()
	est := p.kernel.MaxPositionValue().Mul(tierMult)
	sector := p.sectorExposure(in.State, intent.Symbol)
	if dec := p.kernel.CanOpenNewPosition(in.State, intent.Symbol, est, tierMult, sector, in.Now); !dec.Allowed {
		p.reject(in, intent, StageGlobalRisk, dec.Reason, dec.Detail)
		return Approved{}, false
	}

	// Stage 3: regime gate. CRISIS admits no new exposure; defensive
	// regimes tighten the confidence floor.
	if in.Regime.Regime == types.RegimeCrisis {
		p.reject(in, intent, StageRegime, ReasonRegimeCrisis, "")
		return Approved{}, false
	}
	floor := p.signals.ConfidenceFloor
	if in.Regime.Regime == types.RegimeHighVolatility {
		floor += volatilityFloorBump
	}
	if intent.Confidence < floor {
		p.reject(in, intent, StageRegime, ReasonBelowFloor,
			fmt.Sprintf("%.3f < %.3f", intent.Confidence, floor))
		return Approved{}, false
	}

	// Stage 4: sizing at the live price when one is known.
	entry := intent.Entry
	if px, ok := in.Prices[intent.Symbol]; ok && px.IsPositive() {
		entry = px
	}
	res := p.sizer.Size(sizing.Request{
		Method:         intent.Sizing,
		Equity:         in.State.Equity,
		Entry:          entry,
		Stop:           intent.Stop,
		Aggressiveness: in.Regime.Aggressiveness,
		TierMult:       tierMult,
		FixedQty:       p.sizeCfg.FixedQty,
		WinRate:        p.sizeCfg.WinRate,
		Payoff:         p.sizeCfg.Payoff,
		RealizedVol:    in.Vols[intent.Symbol],
		TargetVol:      p.sizeCfg.TargetVol,
	})
	if res.Reason != "" {
		p.reject(in, intent, StageSizing, res.Reason, "")
		return Approved{}, false
	}

	// Stage 5: final recheck with the real sized notional. The kernel
	// runs again so a notional far below the stage-two estimate cannot
	// mask a limit breach, then exposure approved earlier this cycle is
	// counted on top.
	if dec := p.kernel.CanOpenNewPosition(in.State, intent.Symbol, res.Notional, tierMult, sector, in.Now); !dec.Allowed {
		p.reject(in, intent, StageFinal, dec.Reason, dec.Detail)
		return Approved{}, false
	}
	if in.State.Equity.IsPositive() {
		total := in.State.OpenExposure().Add(pendingExposure).Add(res.Notional)
		maxExposure := in.State.Equity.Mul(decimal.NewFromFloat(p.risk.MaxPortfolioExposure))
		if total.GreaterThan(maxExposure) {
			p.reject(in, intent, StageFinal, risk.ReasonExposureExceeded,
				fmt.Sprintf("%s > %s", total, maxExposure))
			return Approved{}, false
		}
	}

	p.approve(in, intent)
	return Approved{Intent: intent, Qty: res.Qty, Notional: res.Notional}, true
}

// sectorExposure sums open exposure over positions sharing the symbol's
// sector tag. Untagged symbols contribute to no sector.
func (p *Pipeline) sectorExposure(st types.PortfolioState, symbol string) decimal.Decimal {
	sector := p.universe.SectorOf(symbol)
	if sector == "" {
		return decimal.Zero
	}
	total := decimal.Zero
	for i := range st.OpenPositions {
		if p.universe.SectorOf(st.OpenPositions[i].Symbol) == sector {
			total = total.Add(st.OpenPositions[i].Exposure())
		}
	}
	return total
}

func dedupKey(in types.TradeIntent) string {
	return in.Symbol + "|" + string(in.Side) + "|" + strings.Join(in.Strategies, ",") + "|" + in.CycleID
}

func (p *Pipeline) reject(in CycleInput, intent types.TradeIntent, stage, reason, detail string) {
	p.metrics.Rejections.WithLabelValues(stage, reason).Inc()
	p.log.Info("intent rejected",
		zap.String("symbol", intent.Symbol), zap.String("side", string(intent.Side)),
		zap.String("stage", stage), zap.String("reason", reason), zap.String("detail", detail))
	p.record(in, intent, stage, reason, detail)
}

func (p *Pipeline) approve(in CycleInput, intent types.TradeIntent) {
	p.metrics.IntentsApproved.Inc()
	p.record(in, intent, StageFinal, "approved", "")
}

func (p *Pipeline) record(in CycleInput, intent types.TradeIntent, stage, outcome, detail string) {
	if p.audit == nil {
		return
	}
	p.audit.RecordAudit(Audit{
		IntentID: intent.ID,
		CycleID:  intent.CycleID,
		Symbol:   intent.Symbol,
		Side:     intent.Side,
		Stage:    stage,
		Outcome:  outcome,
		Detail:   detail,
		Regime:   in.Regime.Regime,
		At:       in.Now,
	})
}
