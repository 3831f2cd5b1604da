// Package journal persists the trading record as append-only JSONL
// files: one fill per line in the trade log, one pipeline verdict per
// line in the audit trail, one snapshot per day. The trade log is the
// source of truth; Replay folds it back into a portfolio state.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/execution"
	"github.com/sagemont/trader/internal/positions"
	"github.com/sagemont/trader/pkg/types"
)

const (
	tradesFile    = "trades.jsonl"
	auditsFile    = "audits.jsonl"
	snapshotsFile = "snapshots.jsonl"
)

// TradeRecord is one line of the trade log.
type TradeRecord struct {
	Timestamp  time.Time       `json:"ts"`
	Symbol     string          `json:"symbol"`
	Side       types.Side      `json:"side"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	OrderID    string          `json:"orderId"`
	StrategyID string          `json:"strategyId,omitempty"`
}

// DailySnapshot is the end-of-day account summary.
type DailySnapshot struct {
	Date           string          `json:"date"` // YYYY-MM-DD
	Equity         decimal.Decimal `json:"equity"`
	PeakEquity     decimal.Decimal `json:"peakEquity"`
	RealizedDayPnL decimal.Decimal `json:"realizedDayPnl"`
	OpenPositions  int             `json:"openPositions"`
	TradeCount     int             `json:"tradeCount"`
}

// Journal owns the three append-only files under one directory.
type Journal struct {
	dir string
	log *zap.Logger

	mu     sync.Mutex
	trades *os.File
	audits *os.File
	snaps  *os.File
}

// Open creates the journal directory if needed and opens the files for
// appending.
func Open(dir string, log *zap.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal dir %s: %w", dir, err)
	}
	j := &Journal{dir: dir, log: log.Named("journal")}
	var err error
	if j.trades, err = appendFile(dir, tradesFile); err != nil {
		return nil, err
	}
	if j.audits, err = appendFile(dir, auditsFile); err != nil {
		j.trades.Close()
		return nil, err
	}
	if j.snaps, err = appendFile(dir, snapshotsFile); err != nil {
		j.trades.Close()
		j.audits.Close()
		return nil, err
	}
	return j, nil
}

func appendFile(dir, name string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// Close flushes and closes the journal files.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for _, f := range []*os.File{j.trades, j.audits, j.snaps} {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RecordFill appends the execution to the trade log.
func (j *Journal) RecordFill(o types.Order, f types.Fill) {
	j.write(j.trades, TradeRecord{
		Timestamp:  f.Timestamp,
		Symbol:     f.Symbol,
		Side:       f.Side,
		Qty:        f.Qty,
		Price:      f.Price,
		Commission: f.Commission,
		OrderID:    f.OrderID,
		StrategyID: o.StrategyID,
	})
}

// RecordAudit appends a pipeline verdict to the audit trail.
func (j *Journal) RecordAudit(a execution.Audit) {
	j.write(j.audits, a)
}

// RecordSnapshot appends the end-of-day summary.
func (j *Journal) RecordSnapshot(s DailySnapshot) {
	j.write(j.snaps, s)
}

func (j *Journal) write(f *os.File, v any) {
	line, err := json.Marshal(v)
	if err != nil {
		j.log.Error("journal marshal failed", zap.Error(err))
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := f.Write(append(line, '\n')); err != nil {
		j.log.Error("journal write failed",
			zap.String("file", f.Name()), zap.Error(err))
	}
}

var _ execution.AuditSink = (*Journal)(nil)

// Replay folds the trade log at dir into a fresh portfolio starting
// from cash. The fold is deterministic: feeding the same log twice
// yields byte-identical state.
func Replay(dir string, cash decimal.Decimal, stops config.StopsConfig, log *zap.Logger) (types.PortfolioState, error) {
	f, err := os.Open(filepath.Join(dir, tradesFile))
	if err != nil {
		return types.PortfolioState{}, fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	tracker := positions.NewTracker(cash, stops, log)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var rec TradeRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return types.PortfolioState{}, fmt.Errorf("trade log line %d: %w", line, err)
		}
		tracker.ApplyFill(types.Fill{
			OrderID:    rec.OrderID,
			Symbol:     rec.Symbol,
			Side:       rec.Side,
			Qty:        rec.Qty,
			Price:      rec.Price,
			Commission: rec.Commission,
			Timestamp:  rec.Timestamp,
		}, decimal.Zero, decimal.Zero, rec.StrategyID)
	}
	if err := sc.Err(); err != nil {
		return types.PortfolioState{}, fmt.Errorf("read trade log: %w", err)
	}
	return tracker.Snapshot(), nil
}
