package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/broker"
	"github.com/sagemont/trader/internal/clock"
	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/execution"
	"github.com/sagemont/trader/pkg/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// Monday 11:00 New York, mid-session.
var cycleAt = time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

func testEngine(t *testing.T) (*Engine, *broker.Sim, *clock.SimClock) {
	t.Helper()
	cfg := config.Default()
	cfg.Universe = config.UniverseConfig{
		Tickers:      []config.TickerConfig{{Symbol: "AAPL", Tier: "core", Sector: "tech"}},
		IndexProxies: []string{"SPY"},
	}

	clk := &clock.SimClock{T: cycleAt}
	sim := broker.NewSim(zap.NewNop(), clk.Now)

	e, err := New(cfg, sim, clk, nil, execution.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := sim.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return e, sim, clk
}

func flatBar(symbol string, price float64, open time.Time) types.Bar {
	return types.Bar{
		Symbol: symbol, Timeframe: types.Timeframe30m, OpenTime: open,
		Open: d(price), High: d(price + 1), Low: d(price - 1), Close: d(price),
		Volume: decimal.NewFromInt(100000),
	}
}

// seedBars loads n flat 30m bars ending exactly at end.
func seedBars(sim *broker.Sim, symbol string, n int, price float64, end time.Time) {
	bars := make([]types.Bar, 0, n)
	for i := n; i > 0; i-- {
		bars = append(bars, flatBar(symbol, price, end.Add(-time.Duration(i)*30*time.Minute)))
	}
	sim.LoadBars(symbol, types.Timeframe30m, bars)
}

func TestQuietCycleProducesNoOrders(t *testing.T) {
	e, sim, _ := testEngine(t)
	seedBars(sim, "AAPL", 130, 150, cycleAt)
	seedBars(sim, "SPY", 130, 500, cycleAt)

	e.Cycle(context.Background(), cycleAt, 1)

	st := e.Status()
	if st.Cycles != 1 {
		t.Fatalf("cycles = %d, want 1", st.Cycles)
	}
	if st.Regime == "" {
		t.Fatal("regime not classified")
	}
	if len(st.OpenPositions) != 0 {
		t.Fatalf("positions = %d, want 0 on a quiet tape", len(st.OpenPositions))
	}
	working, err := sim.ListWorkingOrders(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(working) != 0 {
		t.Fatalf("working orders = %d, want 0", len(working))
	}
}

func TestStopBreachClosesPositionDuringCycle(t *testing.T) {
	e, sim, _ := testEngine(t)
	seedBars(sim, "SPY", 130, 500, cycleAt)

	// Flat history, then a final bar trading down through the 147 stop.
	bars := make([]types.Bar, 0, 130)
	for i := 130; i > 1; i-- {
		bars = append(bars, flatBar("AAPL", 150, cycleAt.Add(-time.Duration(i)*30*time.Minute)))
	}
	breach := flatBar("AAPL", 146, cycleAt.Add(-30*time.Minute))
	breach.Open = d(149)
	breach.High = d(149.5)
	breach.Low = d(145)
	bars = append(bars, breach)
	sim.LoadBars("AAPL", types.Timeframe30m, bars)

	e.tracker.ApplyFill(types.Fill{
		OrderID: "seed", Symbol: "AAPL", Side: types.SideLong,
		Qty: decimal.NewFromInt(100), Price: d(150), Timestamp: cycleAt.Add(-2 * time.Hour),
	}, d(147), decimal.Zero, "ema_cross")

	e.Cycle(context.Background(), cycleAt, 1)

	if st := e.Status(); len(st.OpenPositions) != 0 {
		t.Fatalf("positions = %d, want 0 after stop breach", len(st.OpenPositions))
	}
}

func TestOperatorHaltAndResume(t *testing.T) {
	e, _, _ := testEngine(t)

	e.Halt("")
	if st := e.Status(); st.Halt.Phase != types.HaltHalted {
		t.Fatalf("phase = %s, want HALTED", st.Halt.Phase)
	}
	e.Resume()
	if st := e.Status(); st.Halt.Phase != types.HaltRunning {
		t.Fatalf("phase = %s, want RUNNING after resume", st.Halt.Phase)
	}
}

func TestAccountErrorHaltsEntries(t *testing.T) {
	e, _, _ := testEngine(t)
	e.onBrokerError(broker.CodeAccountError, "margin call")

	st := e.Status()
	if st.Halt.Phase != types.HaltHalted {
		t.Fatalf("phase = %s, want HALTED on account error", st.Halt.Phase)
	}
}

func TestCloseAllFlattensBook(t *testing.T) {
	e, sim, _ := testEngine(t)
	sim.SetPrice("AAPL", d(150))
	sim.SetPrice("MSFT", d(400))

	for _, seed := range []struct {
		symbol string
		price  float64
	}{{"AAPL", 150}, {"MSFT", 400}} {
		e.tracker.ApplyFill(types.Fill{
			OrderID: "seed-" + seed.symbol, Symbol: seed.symbol, Side: types.SideLong,
			Qty: decimal.NewFromInt(10), Price: d(seed.price), Timestamp: cycleAt,
		}, decimal.Zero, decimal.Zero, "")
	}

	e.CloseAll(context.Background())

	st := e.Status()
	if len(st.OpenPositions) != 0 {
		t.Fatalf("positions = %d, want 0 after close-all", len(st.OpenPositions))
	}
	if st.Halt.Phase != types.HaltHalted {
		t.Fatalf("phase = %s, close-all must leave the engine halted", st.Halt.Phase)
	}
}

func TestSessionOpenScreensUniverse(t *testing.T) {
	cfg := config.Default()
	cfg.Universe = config.UniverseConfig{
		Tickers: []config.TickerConfig{
			{Symbol: "AAPL", Tier: "core", Sector: "tech"},
			{Symbol: "MSFT", Tier: "core", Sector: "tech"},
		},
		IndexProxies: []string{"SPY"},
		Screener:     config.ScreenerConfig{MinAvgVolume: 1000000},
	}
	clk := &clock.SimClock{T: cycleAt}
	sim := broker.NewSim(zap.NewNop(), clk.Now)
	e, err := New(cfg, sim, clk, nil, execution.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := sim.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// AAPL trades well above the volume floor, MSFT well below.
	seed := func(symbol string, vol int64) {
		bars := make([]types.Bar, 0, 30)
		for i := 30; i > 0; i-- {
			b := flatBar(symbol, 150, cycleAt.Add(-time.Duration(i)*30*time.Minute))
			b.Volume = decimal.NewFromInt(vol)
			bars = append(bars, b)
		}
		sim.LoadBars(symbol, types.Timeframe30m, bars)
	}
	seed("AAPL", 2000000)
	seed("MSFT", 100000)

	e.handle(context.Background(), clock.Event{Kind: clock.EventSessionOpen, At: cycleAt})

	if !e.universe.Contains("AAPL") {
		t.Fatal("AAPL screened out despite passing volume")
	}
	if e.universe.Contains("MSFT") {
		t.Fatal("MSFT kept despite failing the volume floor")
	}
}

func TestSessionCloseSweepsWorkingOrders(t *testing.T) {
	e, sim, _ := testEngine(t)
	sim.SetPrice("AAPL", d(150))

	// A resting limit order survives the cycle; session close sweeps it.
	if _, err := sim.PlaceOrder(context.Background(), types.Order{
		ID: "rest", Symbol: "AAPL", Side: types.SideLong,
		Type: types.OrderTypeLimit, Qty: decimal.NewFromInt(5),
		LimitPrice: d(140),
	}); err != nil {
		t.Fatalf("place: %v", err)
	}

	e.handle(context.Background(), clock.Event{Kind: clock.EventSessionClose, At: cycleAt})

	working, err := sim.ListWorkingOrders(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(working) != 0 {
		t.Fatalf("working orders = %d, want 0 after session close", len(working))
	}
}
