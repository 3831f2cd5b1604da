// Command backtest replays historical 30-minute bars through the same
// engine the live process runs, with the simulated broker and clock
// bound in place of the gateway.
//
// Data layout: one CSV per symbol under -data, named SYMBOL.csv, with
// rows ts,open,high,low,close,volume (ts RFC3339 or unix seconds).
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sagemont/trader/internal/broker"
	"github.com/sagemont/trader/internal/clock"
	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/engine"
	"github.com/sagemont/trader/internal/execution"
	"github.com/sagemont/trader/internal/journal"
	"github.com/sagemont/trader/pkg/types"
)

// warmupBars are loaded before the first cycle so indicators and the
// regime detector have history from bar one.
const warmupBars = 130

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	cfgPath := fs.String("config", "trader.yaml", "configuration file")
	dataDir := fs.String("data", "./data", "directory of SYMBOL.csv bar files")
	journalDir := fs.String("journal", "", "write trade/audit journals here (optional)")
	_ = fs.Parse(os.Args[1:])

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	log := zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stderr),
		zapcore.WarnLevel,
	))
	defer log.Sync()

	series, err := loadData(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(series) == 0 {
		fmt.Fprintln(os.Stderr, "no bar files found under", *dataDir)
		return 1
	}

	var jrnl *journal.Journal
	if *journalDir != "" {
		if jrnl, err = journal.Open(*journalDir, log); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer jrnl.Close()
	}

	result, err := replay(cfg, series, jrnl, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printSummary(cfg, result)
	return 0
}

func loadConfig(path string) (config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	return config.Load(path)
}

// loadData reads every SYMBOL.csv under dir into sorted bar slices.
func loadData(dir string) (map[string][]types.Bar, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]types.Bar, len(matches))
	for _, path := range matches {
		symbol := strings.ToUpper(strings.TrimSuffix(filepath.Base(path), ".csv"))
		bars, err := readBars(path, symbol)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		sort.Slice(bars, func(i, j int) bool { return bars[i].OpenTime.Before(bars[j].OpenTime) })
		out[symbol] = bars
	}
	return out, nil
}

func readBars(path, symbol string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}

	bars := make([]types.Bar, 0, len(rows))
	for i, row := range rows {
		if i == 0 && strings.EqualFold(row[0], "ts") {
			continue // header
		}
		ts, err := parseTime(row[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		vals := make([]decimal.Decimal, 5)
		for j := 1; j < 6; j++ {
			if vals[j-1], err = decimal.NewFromString(row[j]); err != nil {
				return nil, fmt.Errorf("row %d col %d: %w", i+1, j+1, err)
			}
		}
		b := types.Bar{
			Symbol: symbol, Timeframe: types.Timeframe30m, OpenTime: ts,
			Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4],
		}
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseTime(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

type result struct {
	status engine.Status
	steps  int
}

// replay feeds the bar streams through the engine one step at a time.
// The warmup slice seeds the broker's history; every later bar time
// appends the bars for that step, advances the clock past the bar's
// close, and runs one cycle.
func replay(cfg config.Config, series map[string][]types.Bar, jrnl *journal.Journal, log *zap.Logger) (result, error) {
	// Every distinct bar open time after warmup, in order.
	stepSet := make(map[time.Time]struct{})
	for _, bars := range series {
		for i, b := range bars {
			if i >= warmupBars {
				stepSet[b.OpenTime] = struct{}{}
			}
		}
	}
	steps := make([]time.Time, 0, len(stepSet))
	for t := range stepSet {
		steps = append(steps, t)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Before(steps[j]) })
	if len(steps) == 0 {
		return result{}, fmt.Errorf("need more than %d bars per symbol", warmupBars)
	}

	clk := &clock.SimClock{T: steps[0]}
	sim := broker.NewSim(log, clk.Now)
	for symbol, bars := range series {
		n := warmupBars
		if n > len(bars) {
			n = len(bars)
		}
		sim.LoadBars(symbol, types.Timeframe30m, bars[:n])
	}

	eng, err := engine.New(cfg, sim, clk, jrnl, execution.NewMetrics(prometheus.NewRegistry()), log)
	if err != nil {
		return result{}, err
	}
	ctx := context.Background()
	if err := sim.Connect(ctx); err != nil {
		return result{}, err
	}

	byTime := make(map[time.Time][]types.Bar)
	for _, bars := range series {
		for i, b := range bars {
			if i >= warmupBars {
				byTime[b.OpenTime] = append(byTime[b.OpenTime], b)
			}
		}
	}

	var seq uint64
	for _, step := range steps {
		// The cycle runs after the bar completes.
		clk.T = step.Add(types.Timeframe30m.Duration())
		for _, b := range byTime[step] {
			sim.AppendBar(b)
		}
		seq++
		eng.Cycle(ctx, clk.Now(), seq)
	}

	return result{status: eng.Status(), steps: len(steps)}, nil
}

func printSummary(cfg config.Config, r result) {
	initial := decimal.NewFromFloat(cfg.Execution.InitialCash)
	equity := r.status.Equity
	pnl := equity.Sub(initial)
	ret := decimal.Zero
	if initial.IsPositive() {
		ret = pnl.Div(initial).Mul(decimal.NewFromInt(100))
	}

	fmt.Println("backtest complete")
	fmt.Printf("  steps:          %d\n", r.steps)
	fmt.Printf("  initial cash:   %s\n", initial.StringFixed(2))
	fmt.Printf("  final equity:   %s\n", equity.StringFixed(2))
	fmt.Printf("  net pnl:        %s (%s%%)\n", pnl.StringFixed(2), ret.StringFixed(2))
	fmt.Printf("  open positions: %d\n", len(r.status.OpenPositions))
	fmt.Printf("  halt state:     %s\n", r.status.Halt.Phase)
	fmt.Printf("  cycles run:     %d\n", r.status.Cycles)
}
