// Package marketdata caches bars per symbol and timeframe with a
// freshness contract: GetBars refreshes from the broker when the newest
// cached bar is older than maxStaleness, and fails with ErrStaleData
// when the refresh fails too.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/broker"
	"github.com/sagemont/trader/internal/clock"
	"github.com/sagemont/trader/pkg/types"
)

// ErrStaleData marks a symbol whose bars could not be brought current.
// The affected symbol is skipped for the cycle, never the whole cycle.
var ErrStaleData = errors.New("stale market data")

type cacheEntry struct {
	mu   sync.Mutex // serializes refreshes for this key
	bars []types.Bar
}

// Cache is the freshness-checked bar store. Concurrent readers see a
// consistent snapshot per call; at most one refresher runs per key.
type Cache struct {
	source       broker.Broker
	clock        clock.Clock
	log          *zap.Logger
	maxStaleness func(types.Timeframe) time.Duration
	refreshWait  time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// Option tweaks cache construction.
type Option func(*Cache)

// WithMaxStaleness overrides the default 2x-timeframe staleness bound.
func WithMaxStaleness(fn func(types.Timeframe) time.Duration) Option {
	return func(c *Cache) { c.maxStaleness = fn }
}

// WithRefreshTimeout overrides the broker refresh deadline.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Cache) { c.refreshWait = d }
}

// NewCache builds a cache over the broker.
func NewCache(source broker.Broker, clk clock.Clock, log *zap.Logger, opts ...Option) *Cache {
	c := &Cache{
		source:  source,
		clock:   clk,
		log:     log.Named("marketdata"),
		entries: make(map[string]*cacheEntry),
		maxStaleness: func(tf types.Timeframe) time.Duration {
			return 2 * tf.Duration()
		},
		refreshWait: 10 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func key(symbol string, tf types.Timeframe) string {
	return symbol + "|" + string(tf)
}

func (c *Cache) entry(symbol string, tf types.Timeframe) *cacheEntry {
	k := key(symbol, tf)
	c.mu.RLock()
	e := c.entries[k]
	c.mu.RUnlock()
	if e != nil {
		return e
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e = c.entries[k]; e == nil {
		e = &cacheEntry{}
		c.entries[k] = e
	}
	return e
}

// GetBars returns up to lookback bars ending at the most recent completed
// bar, refreshing first when the cached head is stale.
func (c *Cache) GetBars(ctx context.Context, symbol string, tf types.Timeframe, lookback int) ([]types.Bar, error) {
	e := c.entry(symbol, tf)
	e.mu.Lock()
	defer e.mu.Unlock()

	if c.stale(e.bars, tf) || len(e.bars) < lookback {
		if err := c.refresh(ctx, e, symbol, tf, lookback); err != nil {
			if len(e.bars) == 0 || c.stale(e.bars, tf) {
				return nil, fmt.Errorf("%w: %s %s: %v", ErrStaleData, symbol, tf, err)
			}
			c.log.Warn("refresh failed, serving cached bars",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}

	bars := e.bars
	if lookback > 0 && len(bars) > lookback {
		bars = bars[len(bars)-lookback:]
	}
	out := make([]types.Bar, len(bars))
	copy(out, bars)
	return out, nil
}

func (c *Cache) stale(bars []types.Bar, tf types.Timeframe) bool {
	if len(bars) == 0 {
		return true
	}
	newest := bars[len(bars)-1]
	barEnd := newest.OpenTime.Add(tf.Duration())
	return c.clock.Now().Sub(barEnd) > c.maxStaleness(tf)
}

func (c *Cache) refresh(ctx context.Context, e *cacheEntry, symbol string, tf types.Timeframe, lookback int) error {
	rctx, cancel := context.WithTimeout(ctx, c.refreshWait)
	defer cancel()

	fetch := lookback
	if fetch < len(e.bars) {
		fetch = len(e.bars)
	}
	bars, err := c.source.GetHistoricalBars(rctx, symbol, tf, fetch)
	if err != nil {
		return err
	}
	kept := bars[:0]
	for _, b := range bars {
		if verr := b.Validate(); verr != nil {
			c.log.Warn("dropping invalid bar", zap.String("symbol", symbol), zap.Error(verr))
			continue
		}
		kept = append(kept, b)
	}
	e.bars = kept
	return nil
}

// Apply appends a streamed bar if it extends the cached series. Invalid
// and out-of-order bars are dropped with a warning.
func (c *Cache) Apply(bar types.Bar) {
	if err := bar.Validate(); err != nil {
		c.log.Warn("dropping invalid streamed bar", zap.Error(err))
		return
	}
	e := c.entry(bar.Symbol, bar.Timeframe)
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.bars); n > 0 && !bar.OpenTime.After(e.bars[n-1].OpenTime) {
		c.log.Warn("dropping out-of-order bar",
			zap.String("symbol", bar.Symbol),
			zap.Time("openTime", bar.OpenTime))
		return
	}
	e.bars = append(e.bars, bar)
}
