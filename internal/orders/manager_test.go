package orders

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/broker"
	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/pkg/types"
)

func testSim(t *testing.T) *broker.Sim {
	t.Helper()
	s := broker.NewSim(zap.NewNop(), nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	s.SetPrice("AAPL", decimal.NewFromInt(150))
	s.SetPrice("MSFT", decimal.NewFromInt(400))
	return s
}

func testManager(b broker.Broker) *Manager {
	m := New(b, config.ExecutionConfig{MaxOrderRetries: 3}, config.BrokerConfig{
		SubmitTimeout:  time.Second,
		CancelTimeout:  time.Second,
		RefreshTimeout: time.Second,
		BracketTimeout: time.Second,
	}, zap.NewNop())
	m.backoff = func(int) time.Duration { return 0 }
	return m
}

func market(symbol string, side types.Side, qty int64) types.Order {
	return types.Order{Symbol: symbol, Side: side, Type: types.OrderTypeMarket, Qty: decimal.NewFromInt(qty)}
}

// recordingBroker logs the order of broker API calls.
type recordingBroker struct {
	*broker.Sim
	mu  sync.Mutex
	ops []string
}

func (r *recordingBroker) PlaceOrder(ctx context.Context, o types.Order) (string, error) {
	r.mu.Lock()
	r.ops = append(r.ops, "place:"+o.Symbol)
	r.mu.Unlock()
	return r.Sim.PlaceOrder(ctx, o)
}

func (r *recordingBroker) CancelOrder(ctx context.Context, brokerID string) error {
	r.mu.Lock()
	r.ops = append(r.ops, "cancel")
	r.mu.Unlock()
	return r.Sim.CancelOrder(ctx, brokerID)
}

func (r *recordingBroker) sequence() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.ops, " ")
}

func TestWorkingOrderCancelledBeforeSubmit(t *testing.T) {
	rb := &recordingBroker{Sim: testSim(t)}
	m := testManager(rb)
	ctx := context.Background()

	resting := types.Order{
		Symbol: "AAPL", Side: types.SideLong, Type: types.OrderTypeLimit,
		Qty: decimal.NewFromInt(10), LimitPrice: decimal.NewFromInt(140),
	}
	restingID, err := m.Submit(ctx, Ticket{Order: resting})
	if err != nil {
		t.Fatalf("submit resting: %v", err)
	}

	newID, err := m.Submit(ctx, Ticket{Order: market("AAPL", types.SideLong, 10)})
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}

	seq := rb.sequence()
	if seq != "place:AAPL cancel place:AAPL" {
		t.Fatalf("broker call sequence = %q, want cancel between the placements", seq)
	}
	if o, _ := m.Get(restingID); o.State != types.OrderStateCancelled {
		t.Fatalf("resting order state = %s, want CANCELLED", o.State)
	}
	if o, _ := m.Get(newID); o.State != types.OrderStateFilled {
		t.Fatalf("new order state = %s, want FILLED", o.State)
	}
}

func TestTransientFailureRetried(t *testing.T) {
	sim := testSim(t)
	sim.FailNextPlace = broker.NewError(broker.CodeTimeout, "gateway slow")
	m := testManager(sim)

	id, err := m.Submit(context.Background(), Ticket{Order: market("AAPL", types.SideLong, 10)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o, _ := m.Get(id)
	if o.State != types.OrderStateFilled {
		t.Fatalf("state = %s, want FILLED after retry", o.State)
	}
	if o.Retries != 1 {
		t.Fatalf("retries = %d, want 1", o.Retries)
	}
}

func TestFatalFailureRejectsImmediately(t *testing.T) {
	sim := testSim(t)
	sim.FailNextPlace = broker.NewError(broker.CodeAuthFailed, "bad token")
	m := testManager(sim)

	id, err := m.Submit(context.Background(), Ticket{Order: market("AAPL", types.SideLong, 10)})
	if err == nil {
		t.Fatal("want error on fatal broker failure")
	}
	o, _ := m.Get(id)
	if o.State != types.OrderStateRejected {
		t.Fatalf("state = %s, want REJECTED", o.State)
	}
	if o.Retries != 0 {
		t.Fatalf("retries = %d, fatal errors must not be retried", o.Retries)
	}
}

func TestRetriesExhausted(t *testing.T) {
	sim := testSim(t)
	sim.FailNextPlace = broker.NewError(broker.CodeRateLimited, "slow down")
	m := New(sim, config.ExecutionConfig{MaxOrderRetries: 0}, config.BrokerConfig{
		SubmitTimeout: time.Second, CancelTimeout: time.Second,
		RefreshTimeout: time.Second, BracketTimeout: time.Second,
	}, zap.NewNop())
	m.backoff = func(int) time.Duration { return 0 }

	id, err := m.Submit(context.Background(), Ticket{Order: market("AAPL", types.SideLong, 10)})
	if err == nil {
		t.Fatal("want error once retries are exhausted")
	}
	if o, _ := m.Get(id); o.State != types.OrderStateFailed {
		t.Fatalf("state = %s, want FAILED", o.State)
	}
}

func TestBracketPlacedOnEntryFill(t *testing.T) {
	sim := testSim(t)
	m := testManager(sim)
	ctx := context.Background()

	id, err := m.Submit(ctx, Ticket{
		Order: market("AAPL", types.SideLong, 10),
		Stop:  decimal.NewFromInt(147),
		Take:  decimal.NewFromInt(156),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	working, err := sim.ListWorkingOrders(ctx, "AAPL")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(working) != 2 {
		t.Fatalf("working orders = %d, want stop and take legs", len(working))
	}
	for _, w := range working {
		if w.Side != types.SideExitLong {
			t.Fatalf("leg side = %s, want EXIT_LONG", w.Side)
		}
	}

	entry, _ := m.Get(id)
	if entry.LinkedStopID == "" || entry.LinkedTakeID == "" {
		t.Fatalf("entry missing bracket links: %+v", entry)
	}
}

// failLimitBroker rejects every LIMIT order, so the take leg of a
// bracket always fails.
type failLimitBroker struct {
	*broker.Sim
}

func (f *failLimitBroker) PlaceOrder(ctx context.Context, o types.Order) (string, error) {
	if o.Type == types.OrderTypeLimit {
		return "", broker.NewError(broker.CodeMalformedRequest, "limit rejected")
	}
	return f.Sim.PlaceOrder(ctx, o)
}

func TestBracketFailureUnwindsStopLeg(t *testing.T) {
	fb := &failLimitBroker{Sim: testSim(t)}
	m := testManager(fb)

	var failedSymbol string
	m.SetCallbacks(Callbacks{
		OnBracketFailure: func(symbol string, err error) { failedSymbol = symbol },
	})

	_, err := m.Submit(context.Background(), Ticket{
		Order: market("AAPL", types.SideLong, 10),
		Stop:  decimal.NewFromInt(147),
		Take:  decimal.NewFromInt(156),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if failedSymbol != "AAPL" {
		t.Fatalf("bracket failure callback symbol = %q, want AAPL", failedSymbol)
	}

	working, err := fb.Sim.ListWorkingOrders(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(working) != 0 {
		t.Fatalf("working orders = %d, stop leg must be unwound", len(working))
	}
}

func TestFillFoldedIntoOrder(t *testing.T) {
	sim := testSim(t)
	m := testManager(sim)

	var got types.Fill
	m.SetCallbacks(Callbacks{
		OnFill: func(o types.Order, f types.Fill) { got = f },
	})

	id, err := m.Submit(context.Background(), Ticket{Order: market("MSFT", types.SideLong, 20)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o, _ := m.Get(id)
	if !o.FilledQty().Equal(decimal.NewFromInt(20)) {
		t.Fatalf("filled qty = %s, want 20", o.FilledQty())
	}
	// 0.005/share commission on 20 shares.
	if !o.CommissionPaid.Equal(decimal.NewFromFloat(0.1)) {
		t.Fatalf("commission = %s, want 0.1", o.CommissionPaid)
	}
	if got.Symbol != "MSFT" || !got.Price.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("fill callback = %+v", got)
	}
}

func TestSweepStaleKeepsBracketLegs(t *testing.T) {
	sim := testSim(t)
	m := testManager(sim)
	ctx := context.Background()

	// A filled entry leaves its stop and take legs working.
	_, err := m.Submit(ctx, Ticket{
		Order: market("AAPL", types.SideLong, 10),
		Stop:  decimal.NewFromInt(147),
		Take:  decimal.NewFromInt(156),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A resting order the manager never placed stands in for leftovers
	// from an earlier run.
	_, err = sim.PlaceOrder(ctx, types.Order{
		ID: "stale-1", Symbol: "MSFT", Side: types.SideLong, Type: types.OrderTypeLimit,
		Qty: decimal.NewFromInt(5), LimitPrice: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("place stale: %v", err)
	}

	if err := m.SweepStale(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	working, err := sim.ListWorkingOrders(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(working) != 2 {
		t.Fatalf("working orders = %d, want the two protective legs", len(working))
	}
	for _, w := range working {
		if w.Symbol != "AAPL" || w.Side != types.SideExitLong {
			t.Fatalf("survivor = %s %s, want AAPL EXIT_LONG legs only", w.Symbol, w.Side)
		}
	}
}

func TestPartialThenRejectedIsTerminal(t *testing.T) {
	sim := testSim(t)
	m := testManager(sim)

	id, err := m.Submit(context.Background(), Ticket{Order: types.Order{
		Symbol: "AAPL", Side: types.SideLong, Type: types.OrderTypeLimit,
		Qty: decimal.NewFromInt(10), LimitPrice: decimal.NewFromInt(140),
	}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o, _ := m.Get(id)

	// A broker can reject the remainder of a partially filled order.
	m.handleStatus(broker.OrderStatus{BrokerID: o.BrokerID, State: types.OrderStatePartial})
	m.handleStatus(broker.OrderStatus{BrokerID: o.BrokerID, State: types.OrderStateRejected, Reason: "remainder rejected"})

	if o, _ = m.Get(id); o.State != types.OrderStateRejected {
		t.Fatalf("state = %s, want REJECTED after partial", o.State)
	}
}

func TestCancelAllSweepsEverySymbol(t *testing.T) {
	sim := testSim(t)
	m := testManager(sim)
	ctx := context.Background()

	for _, symbol := range []string{"AAPL", "MSFT"} {
		_, err := m.Submit(ctx, Ticket{Order: types.Order{
			Symbol: symbol, Side: types.SideLong, Type: types.OrderTypeLimit,
			Qty: decimal.NewFromInt(5), LimitPrice: decimal.NewFromInt(1),
		}})
		if err != nil {
			t.Fatalf("submit %s: %v", symbol, err)
		}
	}

	if err := m.CancelAll(ctx); err != nil {
		t.Fatalf("cancel all: %v", err)
	}
	working, err := sim.ListWorkingOrders(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(working) != 0 {
		t.Fatalf("working orders = %d, want 0 after global sweep", len(working))
	}
}
