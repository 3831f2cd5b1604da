// Package broker defines the one interface the engine consumes from the
// brokerage subsystem, the error taxonomy for broker failures, a
// websocket gateway client, and a simulated broker used by paper trading
// and the backtest entry point.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/sagemont/trader/pkg/types"
)

// OrderStatus is a broker-reported lifecycle event for a working order.
type OrderStatus struct {
	BrokerID string           `json:"brokerId"`
	State    types.OrderState `json:"state"`
	Reason   string           `json:"reason,omitempty"`
}

// Handlers receives asynchronous broker events. All callbacks are invoked
// from the broker's event goroutine in broker-reported order. Handlers
// may issue broker calls of their own; deliveries stay serialized.
type Handlers struct {
	OnBar         func(types.Bar)
	OnOrderStatus func(OrderStatus)
	OnFill        func(types.Fill)
	OnError       func(code int, message string)
}

// Broker is the complete surface the engine consumes. The production
// binding is the websocket Gateway; paper trading and backtests bind the
// Sim implementation behind the same interface.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	GetHistoricalBars(ctx context.Context, symbol string, tf types.Timeframe, lookback int) ([]types.Bar, error)
	SubscribeBars(ctx context.Context, symbol string, tf types.Timeframe) error

	// GetCurrentPrice returns the last known price. ok is false when the
	// broker has no price for the symbol; callers fall back per policy,
	// never to a constant per-share value.
	GetCurrentPrice(ctx context.Context, symbol string) (price decimal.Decimal, ok bool, err error)

	PlaceOrder(ctx context.Context, o types.Order) (brokerID string, err error)
	CancelOrder(ctx context.Context, brokerID string) error

	// ListWorkingOrders returns the broker's view of non-terminal orders,
	// optionally filtered by symbol (empty means all).
	ListWorkingOrders(ctx context.Context, symbol string) ([]types.Order, error)

	SetHandlers(h Handlers)
}
