package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/pkg/types"
)

// Sim is an in-memory Broker. MARKET orders fill immediately at the
// current price; LIMIT and STOP orders rest as working orders until a
// price update crosses them. It backs paper trading and the backtest
// entry point behind the same interface as the Gateway.
type Sim struct {
	log *zap.Logger

	mu        sync.Mutex
	connected bool
	prices    map[string]decimal.Decimal
	bars      map[string][]types.Bar // keyed symbol|timeframe
	working   map[string]types.Order // keyed brokerID
	now       func() time.Time

	Commission decimal.Decimal // per share

	handlers   Handlers
	handlersMu sync.RWMutex

	// FailNextPlace injects one classified failure into the next
	// PlaceOrder call; tests drive the retry policy with it.
	FailNextPlace error
}

// NewSim builds a simulated broker. now supplies fill timestamps so the
// backtest clock controls time.
func NewSim(log *zap.Logger, now func() time.Time) *Sim {
	if now == nil {
		now = time.Now
	}
	return &Sim{
		log:        log.Named("simbroker"),
		prices:     make(map[string]decimal.Decimal),
		bars:       make(map[string][]types.Bar),
		working:    make(map[string]types.Order),
		now:        now,
		Commission: decimal.NewFromFloat(0.005),
	}
}

func (s *Sim) SetHandlers(h Handlers) {
	s.handlersMu.Lock()
	s.handlers = h
	s.handlersMu.Unlock()
}

func (s *Sim) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Sim) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Sim) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func barKey(symbol string, tf types.Timeframe) string {
	return symbol + "|" + string(tf)
}

// LoadBars seeds the historical series for a symbol and timeframe.
func (s *Sim) LoadBars(symbol string, tf types.Timeframe, bars []types.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]types.Bar, len(bars))
	copy(cp, bars)
	sort.Slice(cp, func(i, j int) bool { return cp[i].OpenTime.Before(cp[j].OpenTime) })
	s.bars[barKey(symbol, tf)] = cp
	if len(cp) > 0 {
		s.prices[symbol] = cp[len(cp)-1].Close
	}
}

// AppendBar appends one bar, updates the last price, triggers resting
// orders against the bar's range, and emits the bar event.
func (s *Sim) AppendBar(bar types.Bar) {
	s.mu.Lock()
	key := barKey(bar.Symbol, bar.Timeframe)
	s.bars[key] = append(s.bars[key], bar)
	s.prices[bar.Symbol] = bar.Close
	triggered := s.collectTriggered(bar)
	s.mu.Unlock()

	for _, t := range triggered {
		s.fill(t.order, t.price)
	}

	s.handlersMu.RLock()
	h := s.handlers
	s.handlersMu.RUnlock()
	if h.OnBar != nil {
		h.OnBar(bar)
	}
}

// SetPrice updates the last trade price without a bar.
func (s *Sim) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[symbol] = price
	s.mu.Unlock()
}

func (s *Sim) GetHistoricalBars(ctx context.Context, symbol string, tf types.Timeframe, lookback int) ([]types.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, NewError(CodeConnectionLost, "not connected")
	}
	all := s.bars[barKey(symbol, tf)]
	if len(all) == 0 {
		return nil, NewError(CodeUnknownInstrument, fmt.Sprintf("no bars for %s %s", symbol, tf))
	}
	if lookback > 0 && len(all) > lookback {
		all = all[len(all)-lookback:]
	}
	out := make([]types.Bar, len(all))
	copy(out, all)
	return out, nil
}

func (s *Sim) SubscribeBars(ctx context.Context, symbol string, tf types.Timeframe) error {
	return nil
}

func (s *Sim) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	return p, ok, nil
}

func (s *Sim) PlaceOrder(ctx context.Context, o types.Order) (string, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return "", NewError(CodeConnectionLost, "not connected")
	}
	if err := s.FailNextPlace; err != nil {
		s.FailNextPlace = nil
		s.mu.Unlock()
		return "", err
	}
	if !o.Qty.IsPositive() {
		s.mu.Unlock()
		return "", NewError(CodeMalformedRequest, "non-positive qty")
	}
	brokerID := uuid.NewString()
	o.BrokerID = brokerID

	if o.Type == types.OrderTypeMarket {
		price, ok := s.prices[o.Symbol]
		s.mu.Unlock()
		if !ok || !price.IsPositive() {
			return "", NewError(CodeUnknownInstrument, "no price for "+o.Symbol)
		}
		s.fill(o, price)
		return brokerID, nil
	}

	s.working[brokerID] = o
	s.mu.Unlock()
	s.emitStatus(OrderStatus{BrokerID: brokerID, State: types.OrderStateSubmitted})
	return brokerID, nil
}

func (s *Sim) CancelOrder(ctx context.Context, brokerID string) error {
	s.mu.Lock()
	_, ok := s.working[brokerID]
	if ok {
		delete(s.working, brokerID)
	}
	s.mu.Unlock()
	if !ok {
		return NewError(CodeMalformedRequest, "unknown order "+brokerID)
	}
	s.emitStatus(OrderStatus{BrokerID: brokerID, State: types.OrderStateCancelled})
	return nil
}

func (s *Sim) ListWorkingOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Order
	for _, o := range s.working {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerID < out[j].BrokerID })
	return out, nil
}

type triggeredOrder struct {
	order types.Order
	price decimal.Decimal
}

// collectTriggered removes resting orders crossed by the bar. Caller
// holds the mutex. Stop triggers gap-aware: a bar opening through the
// stop fills at the open, not the stop level.
func (s *Sim) collectTriggered(bar types.Bar) []triggeredOrder {
	var out []triggeredOrder
	for id, o := range s.working {
		if o.Symbol != bar.Symbol {
			continue
		}
		price, ok := s.triggerPrice(o, bar)
		if !ok {
			continue
		}
		delete(s.working, id)
		out = append(out, triggeredOrder{order: o, price: price})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order.BrokerID < out[j].order.BrokerID })
	return out
}

func (s *Sim) triggerPrice(o types.Order, bar types.Bar) (decimal.Decimal, bool) {
	buy := o.Side == types.SideLong || o.Side == types.SideExitShort
	switch o.Type {
	case types.OrderTypeLimit:
		if buy && bar.Low.LessThanOrEqual(o.LimitPrice) {
			return decimal.Min(bar.Open, o.LimitPrice), true
		}
		if !buy && bar.High.GreaterThanOrEqual(o.LimitPrice) {
			return decimal.Max(bar.Open, o.LimitPrice), true
		}
	case types.OrderTypeStop:
		if buy && bar.High.GreaterThanOrEqual(o.StopPrice) {
			return decimal.Max(bar.Open, o.StopPrice), true
		}
		if !buy && bar.Low.LessThanOrEqual(o.StopPrice) {
			return decimal.Min(bar.Open, o.StopPrice), true
		}
	}
	return decimal.Zero, false
}

func (s *Sim) fill(o types.Order, price decimal.Decimal) {
	fill := types.Fill{
		OrderID:    o.ID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Qty:        o.Qty,
		Price:      price,
		Commission: s.Commission.Mul(o.Qty),
		Timestamp:  s.now(),
	}
	s.emitStatus(OrderStatus{BrokerID: o.BrokerID, State: types.OrderStateFilled})
	s.handlersMu.RLock()
	h := s.handlers
	s.handlersMu.RUnlock()
	if h.OnFill != nil {
		h.OnFill(fill)
	}
}

func (s *Sim) emitStatus(st OrderStatus) {
	s.handlersMu.RLock()
	h := s.handlers
	s.handlersMu.RUnlock()
	if h.OnOrderStatus != nil {
		h.OnOrderStatus(st)
	}
}

var _ Broker = (*Sim)(nil)
