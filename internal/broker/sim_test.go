package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/pkg/types"
)

func newConnectedSim(t *testing.T) *Sim {
	t.Helper()
	s := NewSim(zap.NewNop(), nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func TestMarketOrderFillsAtCurrentPrice(t *testing.T) {
	s := newConnectedSim(t)
	s.SetPrice("AAPL", decimal.NewFromInt(150))

	var fills []types.Fill
	s.SetHandlers(Handlers{OnFill: func(f types.Fill) { fills = append(fills, f) }})

	_, err := s.PlaceOrder(context.Background(), types.Order{
		ID: "o1", Symbol: "AAPL", Side: types.SideLong,
		Type: types.OrderTypeMarket, Qty: decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if !fills[0].Price.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("fill price = %s, want 150", fills[0].Price)
	}
	if !fills[0].Qty.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("fill qty = %s, want 10", fills[0].Qty)
	}
}

func TestMarketOrderWithoutPriceRejected(t *testing.T) {
	s := newConnectedSim(t)
	_, err := s.PlaceOrder(context.Background(), types.Order{
		ID: "o1", Symbol: "ZZZZ", Side: types.SideLong,
		Type: types.OrderTypeMarket, Qty: decimal.NewFromInt(1),
	})
	var be *Error
	if !errors.As(err, &be) || be.Class != ClassFatal {
		t.Fatalf("err = %v, want fatal broker error", err)
	}
}

func TestLimitOrderRestsThenTriggers(t *testing.T) {
	s := newConnectedSim(t)
	s.SetPrice("MSFT", decimal.NewFromInt(100))

	var fills []types.Fill
	s.SetHandlers(Handlers{OnFill: func(f types.Fill) { fills = append(fills, f) }})

	id, err := s.PlaceOrder(context.Background(), types.Order{
		ID: "o1", Symbol: "MSFT", Side: types.SideLong,
		Type: types.OrderTypeLimit, Qty: decimal.NewFromInt(5),
		LimitPrice: decimal.NewFromInt(98),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	working, _ := s.ListWorkingOrders(context.Background(), "MSFT")
	if len(working) != 1 || working[0].BrokerID != id {
		t.Fatalf("working = %v, want the resting limit", working)
	}

	s.AppendBar(types.Bar{
		Symbol: "MSFT", Timeframe: types.Timeframe30m,
		OpenTime: time.Now(),
		Open:     decimal.NewFromInt(99), High: decimal.NewFromInt(99),
		Low: decimal.NewFromInt(97), Close: decimal.NewFromInt(98),
		Volume: decimal.NewFromInt(1000),
	})
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1 after crossing bar", len(fills))
	}
	if !fills[0].Price.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("fill price = %s, want limit 98", fills[0].Price)
	}
	working, _ = s.ListWorkingOrders(context.Background(), "MSFT")
	if len(working) != 0 {
		t.Fatalf("order still working after fill")
	}
}

func TestStopOrderGapFillsAtOpen(t *testing.T) {
	s := newConnectedSim(t)
	s.SetPrice("TSLA", decimal.NewFromInt(200))

	var fills []types.Fill
	s.SetHandlers(Handlers{OnFill: func(f types.Fill) { fills = append(fills, f) }})

	// Protective sell stop at 195; the next bar gaps down to open 190.
	_, err := s.PlaceOrder(context.Background(), types.Order{
		ID: "o1", Symbol: "TSLA", Side: types.SideExitLong,
		Type: types.OrderTypeStop, Qty: decimal.NewFromInt(3),
		StopPrice: decimal.NewFromInt(195),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	s.AppendBar(types.Bar{
		Symbol: "TSLA", Timeframe: types.Timeframe30m,
		OpenTime: time.Now(),
		Open:     decimal.NewFromInt(190), High: decimal.NewFromInt(191),
		Low: decimal.NewFromInt(189), Close: decimal.NewFromInt(190),
		Volume: decimal.NewFromInt(500),
	})
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if !fills[0].Price.Equal(decimal.NewFromInt(190)) {
		t.Fatalf("gap fill price = %s, want open 190", fills[0].Price)
	}
}

func TestCancelRemovesWorkingOrder(t *testing.T) {
	s := newConnectedSim(t)
	s.SetPrice("MSFT", decimal.NewFromInt(100))

	var statuses []OrderStatus
	s.SetHandlers(Handlers{OnOrderStatus: func(st OrderStatus) { statuses = append(statuses, st) }})

	id, _ := s.PlaceOrder(context.Background(), types.Order{
		ID: "o1", Symbol: "MSFT", Side: types.SideLong,
		Type: types.OrderTypeLimit, Qty: decimal.NewFromInt(5),
		LimitPrice: decimal.NewFromInt(90),
	})
	if err := s.CancelOrder(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	working, _ := s.ListWorkingOrders(context.Background(), "")
	if len(working) != 0 {
		t.Fatalf("working = %d, want 0 after cancel", len(working))
	}
	last := statuses[len(statuses)-1]
	if last.State != types.OrderStateCancelled {
		t.Fatalf("last status = %s, want CANCELLED", last.State)
	}
}

func TestTransientClassification(t *testing.T) {
	if !IsTransient(NewError(CodeTimeout, "slow")) {
		t.Fatal("timeout must be transient")
	}
	if !IsTransient(NewError(CodeWorkingOrderLock, "locked")) {
		t.Fatal("working-order conflict must be transient")
	}
	if IsTransient(NewError(CodeAuthFailed, "denied")) {
		t.Fatal("auth failure must be fatal")
	}
	if IsTransient(NewError(9999, "mystery")) {
		t.Fatal("unknown codes must default to fatal")
	}
	if IsTransient(errors.New("plain")) {
		t.Fatal("unclassified errors must not be retried")
	}
}
