// Package engine orchestrates the trading cycle: data refresh, exit
// management, strategy fan-out, consensus, the validation pipeline, and
// order submission. One cycle runs at a time; the scheduler skips ticks
// that arrive while a cycle is still in flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/sagemont/trader/internal/broker"
	"github.com/sagemont/trader/internal/clock"
	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/consensus"
	"github.com/sagemont/trader/internal/execution"
	"github.com/sagemont/trader/internal/journal"
	"github.com/sagemont/trader/internal/marketdata"
	"github.com/sagemont/trader/internal/orders"
	"github.com/sagemont/trader/internal/positions"
	"github.com/sagemont/trader/internal/regime"
	"github.com/sagemont/trader/internal/risk"
	"github.com/sagemont/trader/internal/sizing"
	"github.com/sagemont/trader/internal/strategy"
	"github.com/sagemont/trader/internal/universe"
	"github.com/sagemont/trader/pkg/types"
)

// barTimeframe is the engine's decision timeframe.
const barTimeframe = types.Timeframe30m

// analysisWorkers bounds the strategy fan-out.
const analysisWorkers = 4

// Status is the control-API view of the engine.
type Status struct {
	Running       bool             `json:"running"`
	Halt          types.HaltState  `json:"halt"`
	Regime        types.Regime     `json:"regime"`
	Equity        decimal.Decimal  `json:"equity"`
	Cash          decimal.Decimal  `json:"cash"`
	OpenPositions []types.Position `json:"openPositions"`
	Cycles        uint64           `json:"cycles"`
	EntriesToday  int              `json:"entriesToday"`
}

// Engine wires the full trading stack over one Broker binding.
type Engine struct {
	cfg        config.Config
	broker     broker.Broker
	cache      *marketdata.Cache
	universe   *universe.Universe
	strategies []strategy.Strategy
	detector   *regime.Detector
	processor  *consensus.Processor
	kernel     *risk.Kernel
	tracker    *positions.Tracker
	manager    *orders.Manager
	pipeline   *execution.Pipeline
	journal    *journal.Journal
	session    clock.Session
	clk        clock.Clock
	metrics    *execution.Metrics
	log        *zap.Logger

	lookback int

	mu           sync.Mutex
	running      bool
	lastRegime   regime.State
	cycleCount   uint64
	entriesToday int
}

// New assembles an engine from configuration over the given broker
// binding and clock. Paper trading, backtests, and live trading differ
// only in the broker and clock passed here.
func New(cfg config.Config, b broker.Broker, clk clock.Clock, jrnl *journal.Journal, metrics *execution.Metrics, log *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(strategy.IDs()); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	session, err := clock.NewSession(cfg.Session.Start, cfg.Session.End, cfg.Session.Timezone, cfg.Session.ExtendedHours)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	u, err := universe.FromConfig(cfg.Universe)
	if err != nil {
		return nil, fmt.Errorf("universe: %w", err)
	}
	strategies, err := strategy.Build(cfg.Strategies, cfg.Stops)
	if err != nil {
		return nil, err
	}

	detector := regime.NewDetector(log)
	kernel := risk.NewKernel(cfg.Risk, cfg.Positions, log)
	sizer := sizing.New(cfg.Risk, cfg.Positions, log)
	tracker := positions.NewTracker(decimal.NewFromFloat(cfg.Execution.InitialCash), cfg.Stops, log)
	manager := orders.New(b, cfg.Execution, cfg.Broker, log)
	var audit execution.AuditSink
	if jrnl != nil {
		audit = jrnl
	}
	pipe := execution.New(u, kernel, sizer, cfg.Signals, cfg.Risk, cfg.Sizing, metrics, audit, log)
	processor := consensus.New(cfg.Signals, cfg.Sizing.SizingMethod(), consensus.NewEnhancer(session, log), log)

	lookback := detector.MinBars()
	if lookback < 120 {
		lookback = 120
	}

	e := &Engine{
		cfg:        cfg,
		broker:     b,
		cache:      marketdata.NewCache(b, clk, log, marketdata.WithRefreshTimeout(cfg.Broker.RefreshTimeout)),
		universe:   u,
		strategies: strategies,
		detector:   detector,
		processor:  processor,
		kernel:     kernel,
		tracker:    tracker,
		manager:    manager,
		pipeline:   pipe,
		journal:    jrnl,
		session:    session,
		clk:        clk,
		metrics:    metrics,
		log:        log.Named("engine"),
		lookback:   lookback,
	}

	manager.SetCallbacks(orders.Callbacks{
		OnFill:           e.onFill,
		OnBracketPlaced:  tracker.SetBracket,
		OnBracketFailure: e.onBracketFailure,
	})
	mh := manager.Handlers()
	b.SetHandlers(broker.Handlers{
		OnBar:         e.onBar,
		OnOrderStatus: mh.OnOrderStatus,
		OnFill:        mh.OnFill,
		OnError:       e.onBrokerError,
	})
	return e, nil
}

// Run connects, subscribes, and drives cycles until ctx is cancelled,
// then runs the shutdown sequence.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.broker.Connect(ctx); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	for _, symbol := range append(e.universe.Symbols(), e.cfg.Universe.IndexProxies...) {
		if err := e.broker.SubscribeBars(ctx, symbol, barTimeframe); err != nil {
			e.log.Warn("subscribe failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()

	sched := clock.NewScheduler(e.clk, e.session, e.cfg.Execution.CycleInterval, e.log)
	err := sched.Run(ctx, e.handle)

	e.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown finishes the in-flight work, sweeps working orders, writes
// the daily summary, and disconnects.
func (e *Engine) shutdown() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.manager.CancelAll(ctx); err != nil {
		e.log.Error("shutdown order sweep failed", zap.Error(err))
	}
	e.writeSnapshot(e.clk.Now())
	if err := e.broker.Disconnect(); err != nil {
		e.log.Error("broker disconnect failed", zap.Error(err))
	}
	e.log.Info("engine stopped")
}

func (e *Engine) handle(ctx context.Context, ev clock.Event) {
	switch ev.Kind {
	case clock.EventSessionOpen:
		e.tracker.StartOfDay()
		e.mu.Lock()
		e.entriesToday = 0
		e.mu.Unlock()
		e.refreshUniverse(ctx)
		e.log.Info("session open", zap.Time("at", ev.At))
	case clock.EventSessionClose:
		if err := e.manager.CancelAll(ctx); err != nil {
			e.log.Error("session close sweep failed", zap.Error(err))
		}
		e.writeSnapshot(ev.At)
		e.log.Info("session close", zap.Time("at", ev.At))
	case clock.EventCycle:
		e.Cycle(ctx, ev.At, ev.Seq)
	}
}

// Cycle runs one full trading cycle. The backtest driver calls this
// directly; live trading reaches it through the scheduler.
func (e *Engine) Cycle(ctx context.Context, at time.Time, seq uint64) {
	started := e.clk.Now()
	cycleID := fmt.Sprintf("%s-%d", at.Format("20060102T1504"), seq)
	log := e.log.With(zap.String("cycleId", cycleID))

	// Halt state first: a breach found now gates this cycle's entries.
	st := e.tracker.Snapshot()
	e.tracker.ApplyHalt(e.kernel.ShouldHalt(st, at))

	// Orders left over from the previous cycle are stale; live bracket
	// legs survive the sweep.
	if err := e.manager.SweepStale(ctx); err != nil {
		log.Warn("stale order sweep failed", zap.Error(err))
	}

	reg := e.classifyRegime(ctx, log)
	e.mu.Lock()
	e.lastRegime = reg
	e.cycleCount++
	e.mu.Unlock()

	e.manageExits(ctx, log)

	windows, signals := e.fanOut(ctx, log)

	intents := e.processor.Process(consensus.Context{
		CycleID: cycleID,
		Regime:  reg,
		Bars:    windows,
		Proxy:   e.proxyWindow(ctx),
		Now:     at,
	}, signals)

	st = e.tracker.Snapshot()
	approved := e.pipeline.Run(execution.CycleInput{
		CycleID: cycleID,
		State:   st,
		Regime:  reg,
		Prices:  e.livePrices(ctx, intents),
		Vols:    realizedVols(windows, intents),
		Now:     at,
	}, intents)

	e.submit(ctx, log, approved)

	st = e.tracker.Snapshot()
	e.metrics.OpenPositions.Set(float64(len(st.OpenPositions)))
	eq, _ := st.Equity.Float64()
	e.metrics.Equity.Set(eq)
	heat, _ := e.kernel.PortfolioHeat(st).Float64()
	e.metrics.PortfolioHeat.Set(heat)
	e.metrics.CycleDuration.Observe(e.clk.Now().Sub(started).Seconds())
}

// classifyRegime fetches the proxy windows and classifies. Proxy fetch
// failures leave that proxy out; the detector defaults defensive when
// none are usable.
func (e *Engine) classifyRegime(ctx context.Context, log *zap.Logger) regime.State {
	proxies := make(map[string][]types.Bar, len(e.cfg.Universe.IndexProxies))
	for _, p := range e.cfg.Universe.IndexProxies {
		bars, err := e.cache.GetBars(ctx, p, barTimeframe, e.detector.MinBars())
		if err != nil {
			log.Warn("proxy data unavailable", zap.String("proxy", p), zap.Error(err))
			continue
		}
		proxies[p] = bars
	}
	return e.detector.Classify(proxies)
}

func (e *Engine) proxyWindow(ctx context.Context) []types.Bar {
	for _, p := range e.cfg.Universe.IndexProxies {
		if bars, err := e.cache.GetBars(ctx, p, barTimeframe, e.lookback); err == nil {
			return bars
		}
	}
	return nil
}

// manageExits marks every open position to the latest bar and submits a
// market exit when a protective level triggered. The Closing flag keeps
// one exit in flight per position.
func (e *Engine) manageExits(ctx context.Context, log *zap.Logger) {
	for _, pos := range e.tracker.All() {
		bars, err := e.cache.GetBars(ctx, pos.Symbol, barTimeframe, 1)
		if err != nil || len(bars) == 0 {
			log.Warn("no bar for open position", zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		last := bars[len(bars)-1]
		e.tracker.MarkPrice(pos.Symbol, last.Close, last.OpenTime)

		chk := e.tracker.CheckExit(pos.Symbol, last)
		if chk.Kind == positions.ExitNone {
			continue
		}
		e.closePosition(ctx, log, pos.Symbol, string(chk.Kind))
	}
}

// closePosition submits the market exit for symbol if no close is
// already in flight.
func (e *Engine) closePosition(ctx context.Context, log *zap.Logger, symbol, reason string) {
	pos, ok := e.tracker.Get(symbol)
	if !ok || !e.tracker.MarkClosing(symbol) {
		return
	}
	log.Info("closing position",
		zap.String("symbol", symbol), zap.String("reason", reason),
		zap.String("qty", pos.Qty.String()))
	_, err := e.manager.Submit(ctx, orders.Ticket{Order: types.Order{
		Symbol:     symbol,
		Side:       pos.Side.Exit(),
		Type:       types.OrderTypeMarket,
		Qty:        pos.Qty,
		StrategyID: pos.StrategyID,
	}})
	if err != nil {
		log.Error("exit order failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	e.metrics.OrdersPlaced.Inc()
}

// fanOut runs every strategy over every universe symbol on a bounded
// worker pool. Symbols with stale data are skipped for the cycle.
func (e *Engine) fanOut(ctx context.Context, log *zap.Logger) (map[string][]types.Bar, []types.Signal) {
	symbols := e.universe.Symbols()
	windows := make(map[string][]types.Bar, len(symbols))
	for _, symbol := range symbols {
		bars, err := e.cache.GetBars(ctx, symbol, barTimeframe, e.lookback)
		if err != nil {
			log.Warn("symbol skipped for cycle", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		windows[symbol] = bars
	}

	type job struct {
		strat  strategy.Strategy
		symbol string
	}
	jobs := make(chan job)
	var mu sync.Mutex
	var signals []types.Signal
	var wg sync.WaitGroup

	for i := 0; i < analysisWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				in := strategy.Input{Symbol: j.symbol, Bars: windows[j.symbol]}
				if peer := j.strat.Peer(); peer != "" {
					peerBars, err := e.cache.GetBars(ctx, peer, barTimeframe, e.lookback)
					if err != nil {
						log.Warn("peer data unavailable",
							zap.String("strategy", j.strat.ID()), zap.String("peer", peer))
						continue
					}
					in.Peer = peerBars
				}
				frame, err := j.strat.Analyze(in)
				if err != nil {
					log.Debug("analyze failed",
						zap.String("strategy", j.strat.ID()),
						zap.String("symbol", j.symbol), zap.Error(err))
					continue
				}
				out := j.strat.GenerateSignals(frame)
				mu.Lock()
				signals = append(signals, out...)
				mu.Unlock()
			}
		}()
	}

	for _, symbol := range symbols {
		if _, ok := windows[symbol]; !ok {
			continue
		}
		for _, s := range e.strategies {
			jobs <- job{strat: s, symbol: symbol}
		}
	}
	close(jobs)
	wg.Wait()
	return windows, signals
}

// realizedVols computes the per-bar return volatility for each intent
// symbol from its analysis window. Symbols with too few bars are left
// out; the vol-adjusted sizer treats a missing entry as unknown.
func realizedVols(windows map[string][]types.Bar, intents []types.TradeIntent) map[string]float64 {
	vols := make(map[string]float64, len(intents))
	for _, in := range intents {
		if _, done := vols[in.Symbol]; done {
			continue
		}
		bars := windows[in.Symbol]
		if len(bars) < 3 {
			continue
		}
		rets := make([]float64, 0, len(bars)-1)
		for i := 1; i < len(bars); i++ {
			prev, _ := bars[i-1].Close.Float64()
			cur, _ := bars[i].Close.Float64()
			if prev > 0 {
				rets = append(rets, cur/prev-1)
			}
		}
		if len(rets) < 2 {
			continue
		}
		vols[in.Symbol] = stat.StdDev(rets, nil)
	}
	return vols
}

// screenLookback is the bar window the session-open screener averages
// volume over.
const screenLookback = 20

// refreshUniverse re-screens the universe at session open using the
// cached bar history. Symbols without data keep their membership.
func (e *Engine) refreshUniverse(ctx context.Context) {
	stats := make(map[string]universe.Stats)
	for _, symbol := range e.universe.Symbols() {
		bars, err := e.cache.GetBars(ctx, symbol, barTimeframe, screenLookback)
		if err != nil || len(bars) == 0 {
			continue
		}
		total := decimal.Zero
		for _, b := range bars {
			total = total.Add(b.Volume)
		}
		stats[symbol] = universe.Stats{
			AvgVolume: total.Div(decimal.NewFromInt(int64(len(bars)))),
		}
	}
	if dropped := e.universe.Screen(stats); len(dropped) > 0 {
		e.log.Info("universe screen dropped symbols", zap.Strings("symbols", dropped))
	}
}

// livePrices asks the broker for the current price of every intent
// symbol. Symbols without a price size off the intent's entry level.
func (e *Engine) livePrices(ctx context.Context, intents []types.TradeIntent) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(intents))
	for _, in := range intents {
		if _, done := prices[in.Symbol]; done {
			continue
		}
		px, ok, err := e.broker.GetCurrentPrice(ctx, in.Symbol)
		if err != nil || !ok {
			continue
		}
		prices[in.Symbol] = px
	}
	return prices
}

// submit turns approved intents into orders: exits close the tracked
// position, entries carry their bracket levels. The daily entry budget
// applies to entries only.
func (e *Engine) submit(ctx context.Context, log *zap.Logger, approved []execution.Approved) {
	for _, a := range approved {
		if a.Intent.Side.IsExit() {
			e.closePosition(ctx, log, a.Intent.Symbol, "STRATEGY_EXIT")
			continue
		}

		e.mu.Lock()
		budgetLeft := e.cfg.Signals.MaxSignalsPerDay <= 0 || e.entriesToday < e.cfg.Signals.MaxSignalsPerDay
		if budgetLeft {
			e.entriesToday++
		}
		e.mu.Unlock()
		if !budgetLeft {
			log.Info("daily entry budget exhausted, intent dropped",
				zap.String("symbol", a.Intent.Symbol))
			continue
		}

		strategyID := ""
		if len(a.Intent.Strategies) > 0 {
			strategyID = a.Intent.Strategies[0]
		}
		_, err := e.manager.Submit(ctx, orders.Ticket{
			Order: types.Order{
				IntentID:   a.Intent.ID,
				StrategyID: strategyID,
				Symbol:     a.Intent.Symbol,
				Side:       a.Intent.Side,
				Type:       types.OrderTypeMarket,
				Qty:        a.Qty,
			},
			Stop: a.Intent.Stop,
			Take: a.Intent.Take,
		})
		if err != nil {
			log.Error("entry order failed",
				zap.String("symbol", a.Intent.Symbol), zap.Error(err))
			if broker.IsAccountError(err) {
				e.haltOnAccountError(err)
			}
			continue
		}
		e.metrics.OrdersPlaced.Inc()
	}
}

// onFill routes executions into the position book and the trade log.
// Entry fills open the position stopless; the bracket-placed callback
// attaches the protective levels once the broker confirms the legs.
func (e *Engine) onFill(o types.Order, f types.Fill) {
	e.tracker.ApplyFill(f, decimal.Zero, decimal.Zero, o.StrategyID)
	if e.journal != nil {
		e.journal.RecordFill(o, f)
	}
}

func (e *Engine) onBracketFailure(symbol string, err error) {
	e.log.Error("position is unprotected, closing it",
		zap.String("symbol", symbol), zap.Error(err))
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Broker.SubmitTimeout)
	defer cancel()
	e.closePosition(ctx, e.log, symbol, "BRACKET_FAILURE")
}

func (e *Engine) onBar(b types.Bar) {
	e.cache.Apply(b)
	e.tracker.MarkPrice(b.Symbol, b.Close, b.OpenTime)
}

func (e *Engine) onBrokerError(code int, message string) {
	e.log.Error("broker error", zap.Int("code", code), zap.String("message", message))
	if code == broker.CodeAccountError {
		e.haltOnAccountError(errors.New(message))
	}
}

func (e *Engine) haltOnAccountError(err error) {
	e.log.Error("account error, halting new entries", zap.Error(err))
	e.tracker.ApplyHalt(risk.Halt(risk.HaltAccountError))
}

// Halt stops new entries until Resume. Operator action.
func (e *Engine) Halt(reason string) {
	if reason == "" {
		reason = risk.HaltOperator
	}
	e.tracker.ApplyHalt(risk.Halt(reason))
	e.log.Warn("operator halt", zap.String("reason", reason))
}

// Resume re-enables entries after an operator review.
func (e *Engine) Resume() {
	e.tracker.ApplyHalt(risk.Resume())
	e.log.Info("operator resume")
}

// CloseAll market-closes every open position. Used by the emergency
// halt endpoint; it leaves the engine halted.
func (e *Engine) CloseAll(ctx context.Context) {
	e.Halt(risk.HaltOperator)
	for _, pos := range e.tracker.All() {
		e.closePosition(ctx, e.log, pos.Symbol, "EMERGENCY_CLOSE")
	}
}

// Status reports the control-API view.
func (e *Engine) Status() Status {
	st := e.tracker.Snapshot()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Running:       e.running,
		Halt:          st.Halt,
		Regime:        e.lastRegime.Regime,
		Equity:        st.Equity,
		Cash:          st.Cash,
		OpenPositions: st.OpenPositions,
		Cycles:        e.cycleCount,
		EntriesToday:  e.entriesToday,
	}
}

func (e *Engine) writeSnapshot(at time.Time) {
	if e.journal == nil {
		return
	}
	st := e.tracker.Snapshot()
	e.journal.RecordSnapshot(journal.DailySnapshot{
		Date:           at.In(e.session.Loc).Format("2006-01-02"),
		Equity:         st.Equity,
		PeakEquity:     st.PeakEquity,
		RealizedDayPnL: st.RealizedDayPnL,
		OpenPositions:  len(st.OpenPositions),
		TradeCount:     st.DailyTradeCount,
	})
}
