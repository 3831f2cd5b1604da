// Package orders owns the order lifecycle: submission with the
// per-symbol working-order sweep, the retry policy for transient broker
// failures, the state machine, and bracket placement on entry fills.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/broker"
	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/pkg/types"
)

// Ticket is one order submission. Stop and Take, when positive, are the
// bracket levels to place once an entry fills.
type Ticket struct {
	Order types.Order
	Stop  decimal.Decimal
	Take  decimal.Decimal
}

// Callbacks receive manager events. OnFill fires for every execution,
// already folded into the order. OnBracketFailure fires when an entry
// filled but its protective orders could not be placed; the position is
// live and unprotected until the operator or engine reacts.
type Callbacks struct {
	OnFill           func(o types.Order, f types.Fill)
	OnTerminal       func(o types.Order)
	OnBracketPlaced  func(symbol string, stop, take decimal.Decimal)
	OnBracketFailure func(symbol string, err error)
}

// Manager tracks every order this process has placed.
type Manager struct {
	broker  broker.Broker
	exec    config.ExecutionConfig
	timeout config.BrokerConfig
	log     *zap.Logger

	cb Callbacks

	mu       sync.Mutex
	orders   map[string]*types.Order // by order ID
	byBroker map[string]string       // brokerID -> order ID
	tickets  map[string]Ticket       // pending bracket levels by order ID
	waiters  map[string][]chan struct{}
	buffered []broker.OrderStatus // statuses seen before the brokerID mapping

	// backoff returns the pause before retry attempt n (1-based).
	// Overridable so tests run without sleeping.
	backoff func(attempt int) time.Duration
}

// New builds a manager and installs itself as the broker's handler set.
func New(b broker.Broker, exec config.ExecutionConfig, timeouts config.BrokerConfig, log *zap.Logger) *Manager {
	m := &Manager{
		broker:   b,
		exec:     exec,
		timeout:  timeouts,
		log:      log.Named("orders"),
		orders:   map[string]*types.Order{},
		byBroker: map[string]string{},
		tickets:  map[string]Ticket{},
		waiters:  map[string][]chan struct{}{},
		backoff:  defaultBackoff,
	}
	b.SetHandlers(broker.Handlers{
		OnOrderStatus: m.handleStatus,
		OnFill:        m.handleFill,
	})
	return m
}

func defaultBackoff(attempt int) time.Duration {
	d := 250 * time.Millisecond << (attempt - 1)
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

// SetCallbacks installs the event sinks. Call before the first Submit.
func (m *Manager) SetCallbacks(cb Callbacks) { m.cb = cb }

// Handlers returns the broker handler set the manager consumes. Callers
// composing extra handlers (bar routing, error routing) re-install the
// composite on the broker.
func (m *Manager) Handlers() broker.Handlers {
	return broker.Handlers{OnOrderStatus: m.handleStatus, OnFill: m.handleFill}
}

// Get returns a copy of the order.
func (m *Manager) Get(id string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// Submit cancels any working orders on the ticket's symbol, then places
// the order, retrying transient failures up to the configured limit.
// Fatal broker errors reject the order immediately.
func (m *Manager) Submit(ctx context.Context, t Ticket) (string, error) {
	o := t.Order
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.State = types.OrderStatePending
	o.CreatedAt = time.Now()
	o.LastUpdate = o.CreatedAt

	m.mu.Lock()
	stored := o
	m.orders[o.ID] = &stored
	if t.Stop.IsPositive() || t.Take.IsPositive() {
		m.tickets[o.ID] = t
	}
	m.mu.Unlock()

	if err := m.sweepSymbol(ctx, o.Symbol); err != nil {
		m.transition(o.ID, types.OrderStateFailed, err.Error())
		return o.ID, fmt.Errorf("pre-submit sweep %s: %w", o.Symbol, err)
	}

	if err := m.place(ctx, o.ID); err != nil {
		return o.ID, err
	}
	return o.ID, nil
}

// place runs the submit/retry loop for the stored order.
func (m *Manager) place(ctx context.Context, orderID string) error {
	for attempt := 0; ; attempt++ {
		m.mu.Lock()
		o := *m.orders[orderID]
		m.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, m.timeout.SubmitTimeout)
		brokerID, err := m.broker.PlaceOrder(callCtx, o)
		cancel()

		if err == nil {
			m.registerBrokerID(orderID, brokerID)
			return nil
		}
		if !broker.IsTransient(err) {
			m.transition(orderID, types.OrderStateRejected, err.Error())
			return fmt.Errorf("place %s %s: %w", o.Symbol, o.Side, err)
		}
		if attempt >= m.exec.MaxOrderRetries {
			m.transition(orderID, types.OrderStateFailed, "retries exhausted: "+err.Error())
			return fmt.Errorf("place %s %s after %d retries: %w", o.Symbol, o.Side, attempt, err)
		}

		m.mu.Lock()
		m.orders[orderID].Retries++
		m.orders[orderID].State = types.OrderStateFailed
		m.mu.Unlock()
		m.log.Warn("transient place failure, retrying",
			zap.String("orderId", orderID), zap.Int("attempt", attempt+1), zap.Error(err))

		select {
		case <-ctx.Done():
			m.transition(orderID, types.OrderStateFailed, ctx.Err().Error())
			return ctx.Err()
		case <-time.After(m.backoff(attempt + 1)):
		}
	}
}

// registerBrokerID records the broker mapping and replays any statuses
// that arrived while PlaceOrder was still in flight.
func (m *Manager) registerBrokerID(orderID, brokerID string) {
	m.mu.Lock()
	o := m.orders[orderID]
	o.BrokerID = brokerID
	o.LastUpdate = time.Now()
	if o.State == types.OrderStatePending {
		o.State = types.OrderStateSubmitted
	}
	m.byBroker[brokerID] = orderID

	var replay []broker.OrderStatus
	var rest []broker.OrderStatus
	for _, st := range m.buffered {
		if st.BrokerID == brokerID {
			replay = append(replay, st)
		} else {
			rest = append(rest, st)
		}
	}
	m.buffered = rest
	m.mu.Unlock()

	for _, st := range replay {
		m.handleStatus(st)
	}
}

// sweepSymbol cancels all working orders for symbol and waits for each
// to reach a terminal state. Stacked orders on one symbol are never
// allowed.
func (m *Manager) sweepSymbol(ctx context.Context, symbol string) error {
	listCtx, cancel := context.WithTimeout(ctx, m.timeout.RefreshTimeout)
	working, err := m.broker.ListWorkingOrders(listCtx, symbol)
	cancel()
	if err != nil {
		return fmt.Errorf("list working orders: %w", err)
	}
	for _, w := range working {
		if err := m.cancelAndWait(ctx, w.BrokerID); err != nil {
			return err
		}
		m.log.Info("cancelled working order before submit",
			zap.String("symbol", symbol), zap.String("brokerId", w.BrokerID))
	}
	return nil
}

// SweepStale cancels working orders left over from earlier cycles while
// keeping live bracket legs in place. Cancelling a filled entry's stop
// or take would strip the position's protection, so legs linked from a
// non-terminal entry survive the sweep.
func (m *Manager) SweepStale(ctx context.Context) error {
	m.mu.Lock()
	keep := map[string]bool{}
	for _, o := range m.orders {
		for _, legID := range []string{o.LinkedStopID, o.LinkedTakeID} {
			if legID == "" {
				continue
			}
			leg, ok := m.orders[legID]
			if ok && !leg.State.Terminal() && leg.BrokerID != "" {
				keep[leg.BrokerID] = true
			}
		}
	}
	m.mu.Unlock()

	listCtx, cancel := context.WithTimeout(ctx, m.timeout.RefreshTimeout)
	working, err := m.broker.ListWorkingOrders(listCtx, "")
	cancel()
	if err != nil {
		return fmt.Errorf("list working orders: %w", err)
	}
	var firstErr error
	for _, w := range working {
		if keep[w.BrokerID] {
			continue
		}
		if err := m.cancelAndWait(ctx, w.BrokerID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CancelAll cancels every working order the broker reports, bracket
// legs included. Used by the shutdown and session-close sequences.
func (m *Manager) CancelAll(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, m.timeout.RefreshTimeout)
	working, err := m.broker.ListWorkingOrders(listCtx, "")
	cancel()
	if err != nil {
		return fmt.Errorf("list working orders: %w", err)
	}
	var firstErr error
	for _, w := range working {
		if err := m.cancelAndWait(ctx, w.BrokerID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) cancelAndWait(ctx context.Context, brokerID string) error {
	done := make(chan struct{})
	m.mu.Lock()
	id, tracked := m.byBroker[brokerID]
	if tracked && m.orders[id].State.Terminal() {
		m.mu.Unlock()
		return nil
	}
	m.waiters[brokerID] = append(m.waiters[brokerID], done)
	m.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.timeout.CancelTimeout)
	err := m.broker.CancelOrder(callCtx, brokerID)
	cancel()
	if err != nil {
		return fmt.Errorf("cancel %s: %w", brokerID, err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(m.timeout.CancelTimeout):
		return fmt.Errorf("cancel %s: no terminal status within %s", brokerID, m.timeout.CancelTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleStatus applies a broker lifecycle event to the state machine.
func (m *Manager) handleStatus(st broker.OrderStatus) {
	m.mu.Lock()
	id, ok := m.byBroker[st.BrokerID]
	if !ok {
		// PlaceOrder has not returned yet; replayed once the mapping
		// lands. Untracked cancels still release their waiters.
		if st.State.Terminal() {
			m.releaseWaitersLocked(st.BrokerID)
		}
		m.buffered = append(m.buffered, st)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.transition(id, st.State, st.Reason)
}

// transition moves the order to next if the state machine allows it.
func (m *Manager) transition(orderID string, next types.OrderState, reason string) {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if o.State.Terminal() {
		m.mu.Unlock()
		m.log.Warn("status after terminal state ignored",
			zap.String("orderId", orderID), zap.String("state", string(next)))
		return
	}
	if !validTransition(o.State, next) {
		m.mu.Unlock()
		m.log.Error("illegal order transition",
			zap.String("orderId", orderID),
			zap.String("from", string(o.State)), zap.String("to", string(next)))
		return
	}
	o.State = next
	o.LastUpdate = time.Now()
	terminal := next.Terminal()
	var cp types.Order
	if terminal {
		cp = *o
		m.releaseWaitersLocked(o.BrokerID)
	}
	ticket, hasBracket := m.tickets[orderID]
	if terminal {
		delete(m.tickets, orderID)
	}
	m.mu.Unlock()

	if reason != "" {
		m.log.Info("order state change",
			zap.String("orderId", orderID), zap.String("state", string(next)),
			zap.String("reason", reason))
	}
	if !terminal {
		return
	}
	if next == types.OrderStateFilled && hasBracket && cp.Side.IsEntry() {
		m.placeBracket(cp, ticket)
	}
	if m.cb.OnTerminal != nil {
		m.cb.OnTerminal(cp)
	}
}

func (m *Manager) releaseWaitersLocked(brokerID string) {
	for _, ch := range m.waiters[brokerID] {
		close(ch)
	}
	delete(m.waiters, brokerID)
}

func validTransition(from, to types.OrderState) bool {
	if from == to {
		return true
	}
	switch from {
	case types.OrderStatePending:
		return to == types.OrderStateSubmitted || to == types.OrderStateFilled ||
			to == types.OrderStateRejected || to == types.OrderStateFailed
	case types.OrderStateSubmitted:
		return to == types.OrderStatePartial || to == types.OrderStateFilled ||
			to == types.OrderStateCancelled || to == types.OrderStateRejected ||
			to == types.OrderStateFailed
	case types.OrderStatePartial:
		return to == types.OrderStateFilled || to == types.OrderStateCancelled ||
			to == types.OrderStateRejected || to == types.OrderStateFailed
	case types.OrderStateFailed:
		return to == types.OrderStateSubmitted
	}
	return false
}

// handleFill folds an execution into its order and forwards it.
func (m *Manager) handleFill(f types.Fill) {
	m.mu.Lock()
	o, ok := m.orders[f.OrderID]
	if !ok {
		m.mu.Unlock()
		m.log.Warn("fill for unknown order dropped", zap.String("orderId", f.OrderID))
		return
	}
	o.Fills = append(o.Fills, f)
	o.CommissionPaid = o.CommissionPaid.Add(f.Commission)
	o.LastUpdate = time.Now()
	cp := *o
	m.mu.Unlock()

	if m.cb.OnFill != nil {
		m.cb.OnFill(cp, f)
	}
}

// placeBracket submits the protective stop and take for a filled entry.
// If either leg fails the other is cancelled and the failure reported;
// a half-placed bracket is worse than none.
func (m *Manager) placeBracket(entry types.Order, t Ticket) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout.BracketTimeout)
	defer cancel()

	exitSide := entry.Side.Exit()
	qty := entry.FilledQty()
	if !qty.IsPositive() {
		qty = entry.Qty
	}

	var stopBrokerID string
	if t.Stop.IsPositive() {
		stop := types.Order{
			ID: uuid.NewString(), IntentID: entry.IntentID, StrategyID: entry.StrategyID,
			Symbol: entry.Symbol, Side: exitSide, Type: types.OrderTypeStop,
			Qty: qty, StopPrice: t.Stop, State: types.OrderStatePending,
			CreatedAt: time.Now(), LastUpdate: time.Now(),
		}
		m.mu.Lock()
		s := stop
		m.orders[stop.ID] = &s
		m.mu.Unlock()

		brokerID, err := m.broker.PlaceOrder(ctx, stop)
		if err != nil {
			m.transition(stop.ID, types.OrderStateRejected, err.Error())
			m.reportBracketFailure(entry.Symbol, fmt.Errorf("stop leg: %w", err))
			return
		}
		m.registerBrokerID(stop.ID, brokerID)
		m.linkLeg(entry.ID, stop.ID, true)
		stopBrokerID = brokerID
	}

	if t.Take.IsPositive() {
		take := types.Order{
			ID: uuid.NewString(), IntentID: entry.IntentID, StrategyID: entry.StrategyID,
			Symbol: entry.Symbol, Side: exitSide, Type: types.OrderTypeLimit,
			Qty: qty, LimitPrice: t.Take, State: types.OrderStatePending,
			CreatedAt: time.Now(), LastUpdate: time.Now(),
		}
		m.mu.Lock()
		tk := take
		m.orders[take.ID] = &tk
		m.mu.Unlock()

		brokerID, err := m.broker.PlaceOrder(ctx, take)
		if err != nil {
			m.transition(take.ID, types.OrderStateRejected, err.Error())
			if stopBrokerID != "" {
				if cerr := m.cancelAndWait(ctx, stopBrokerID); cerr != nil {
					m.log.Error("failed to unwind stop leg", zap.Error(cerr))
				}
			}
			m.reportBracketFailure(entry.Symbol, fmt.Errorf("take leg: %w", err))
			return
		}
		m.registerBrokerID(take.ID, brokerID)
		m.linkLeg(entry.ID, take.ID, false)
	}

	if m.cb.OnBracketPlaced != nil {
		m.cb.OnBracketPlaced(entry.Symbol, t.Stop, t.Take)
	}
}

func (m *Manager) linkLeg(entryID, legID string, isStop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[entryID]
	if !ok {
		return
	}
	if isStop {
		o.LinkedStopID = legID
	} else {
		o.LinkedTakeID = legID
	}
}

func (m *Manager) reportBracketFailure(symbol string, err error) {
	m.log.Error("bracket placement failed, position unprotected",
		zap.String("symbol", symbol), zap.Error(err))
	if m.cb.OnBracketFailure != nil {
		m.cb.OnBracketFailure(symbol, err)
	}
}
