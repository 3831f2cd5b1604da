package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/pkg/types"
)

// request is one gateway RPC frame.
type request struct {
	ID     string          `json:"id"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response answers a request by ID, or carries an unsolicited event when
// Event is non-empty.
type response struct {
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ErrCode int             `json:"errCode,omitempty"`
	ErrMsg  string          `json:"errMsg,omitempty"`
}

type pendingCall struct {
	done chan response
}

// Gateway is the production Broker binding: a JSON-RPC style protocol
// over one websocket. One goroutine owns all socket writes, one owns all
// reads, and a third delivers events; every caller goes through a typed
// request/response pair so no component ever touches the socket.
type Gateway struct {
	url string
	log *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]pendingCall
	writeCh   chan request
	eventCh   chan response
	closed    chan struct{}

	handlers   Handlers
	handlersMu sync.RWMutex
}

// NewGateway builds a client for the gateway at url.
func NewGateway(url string, log *zap.Logger) *Gateway {
	return &Gateway{
		url:     url,
		log:     log.Named("gateway"),
		pending: make(map[string]pendingCall),
	}
}

// SetHandlers installs the event callbacks. Must be called before Connect.
func (g *Gateway) SetHandlers(h Handlers) {
	g.handlersMu.Lock()
	g.handlers = h
	g.handlersMu.Unlock()
}

// Connect dials the gateway and starts the read and write pumps.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected {
		return nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return NewError(CodeConnectionLost, fmt.Sprintf("dial %s: %v", g.url, err))
	}
	g.conn = conn
	g.connected = true
	g.writeCh = make(chan request, 64)
	g.eventCh = make(chan response, 256)
	g.closed = make(chan struct{})
	go g.writePump()
	go g.readPump()
	go g.dispatchPump()
	g.log.Info("connected", zap.String("url", g.url))
	return nil
}

// Disconnect closes the socket and fails all in-flight calls.
func (g *Gateway) Disconnect() error {
	g.mu.Lock()
	if !g.connected {
		g.mu.Unlock()
		return nil
	}
	g.connected = false
	close(g.closed)
	conn := g.conn
	g.conn = nil
	for id, p := range g.pending {
		close(p.done)
		delete(g.pending, id)
	}
	g.mu.Unlock()

	err := conn.Close()
	g.log.Info("disconnected")
	return err
}

// IsConnected reports the socket state.
func (g *Gateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *Gateway) writePump() {
	for {
		select {
		case <-g.closed:
			return
		case req := <-g.writeCh:
			g.mu.Lock()
			conn := g.conn
			g.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteJSON(req); err != nil {
				g.log.Error("write failed", zap.String("op", req.Op), zap.Error(err))
				g.failCall(req.ID)
			}
		}
	}
}

func (g *Gateway) readPump() {
	for {
		g.mu.Lock()
		conn := g.conn
		g.mu.Unlock()
		if conn == nil {
			return
		}
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			select {
			case <-g.closed:
			default:
				g.log.Error("read failed", zap.Error(err))
				g.emitError(CodeConnectionLost, err.Error())
			}
			return
		}
		if resp.Event != "" {
			// Events leave the read pump through a channel. A handler
			// that issues its own gateway calls (bracket legs on an
			// entry fill) would otherwise block the goroutine that has
			// to read those calls' responses.
			select {
			case g.eventCh <- resp:
			case <-g.closed:
				return
			}
			continue
		}
		g.mu.Lock()
		p, ok := g.pending[resp.ID]
		if ok {
			delete(g.pending, resp.ID)
		}
		g.mu.Unlock()
		if ok {
			p.done <- resp
		}
	}
}

// dispatchPump delivers events to the handlers in arrival order.
func (g *Gateway) dispatchPump() {
	for {
		select {
		case <-g.closed:
			return
		case resp := <-g.eventCh:
			g.dispatchEvent(resp)
		}
	}
}

func (g *Gateway) failCall(id string) {
	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if ok {
		close(p.done)
	}
}

func (g *Gateway) dispatchEvent(resp response) {
	g.handlersMu.RLock()
	h := g.handlers
	g.handlersMu.RUnlock()

	switch resp.Event {
	case "bar":
		var bar types.Bar
		if err := json.Unmarshal(resp.Payload, &bar); err != nil {
			g.log.Warn("bad bar event", zap.Error(err))
			return
		}
		if h.OnBar != nil {
			h.OnBar(bar)
		}
	case "orderStatus":
		var st OrderStatus
		if err := json.Unmarshal(resp.Payload, &st); err != nil {
			g.log.Warn("bad orderStatus event", zap.Error(err))
			return
		}
		if h.OnOrderStatus != nil {
			h.OnOrderStatus(st)
		}
	case "fill":
		var fill types.Fill
		if err := json.Unmarshal(resp.Payload, &fill); err != nil {
			g.log.Warn("bad fill event", zap.Error(err))
			return
		}
		if h.OnFill != nil {
			h.OnFill(fill)
		}
	case "error":
		var e struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(resp.Payload, &e); err != nil {
			return
		}
		g.emitError(e.Code, e.Message)
	default:
		g.log.Debug("unknown event", zap.String("event", resp.Event))
	}
}

func (g *Gateway) emitError(code int, message string) {
	g.handlersMu.RLock()
	h := g.handlers
	g.handlersMu.RUnlock()
	if h.OnError != nil {
		h.OnError(code, message)
	}
}

// call sends one request and waits for its response or ctx expiry.
func (g *Gateway) call(ctx context.Context, op string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", op, err)
	}
	req := request{ID: uuid.NewString(), Op: op, Params: raw}
	p := pendingCall{done: make(chan response, 1)}

	g.mu.Lock()
	if !g.connected {
		g.mu.Unlock()
		return nil, NewError(CodeConnectionLost, "not connected")
	}
	g.pending[req.ID] = p
	g.mu.Unlock()

	select {
	case g.writeCh <- req:
	case <-ctx.Done():
		g.failCall(req.ID)
		return nil, NewError(CodeTimeout, fmt.Sprintf("%s: %v", op, ctx.Err()))
	}

	select {
	case resp, ok := <-p.done:
		if !ok {
			return nil, NewError(CodeConnectionLost, op+" aborted by disconnect")
		}
		if !resp.OK {
			return nil, NewError(resp.ErrCode, resp.ErrMsg)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		g.failCall(req.ID)
		return nil, NewError(CodeTimeout, fmt.Sprintf("%s: %v", op, ctx.Err()))
	}
}

// GetHistoricalBars fetches lookback completed bars.
func (g *Gateway) GetHistoricalBars(ctx context.Context, symbol string, tf types.Timeframe, lookback int) ([]types.Bar, error) {
	payload, err := g.call(ctx, "historicalBars", map[string]any{
		"symbol": symbol, "timeframe": tf, "lookback": lookback,
	})
	if err != nil {
		return nil, err
	}
	var bars []types.Bar
	if err := json.Unmarshal(payload, &bars); err != nil {
		return nil, fmt.Errorf("decode bars for %s: %w", symbol, err)
	}
	return bars, nil
}

// SubscribeBars registers for streaming bar events.
func (g *Gateway) SubscribeBars(ctx context.Context, symbol string, tf types.Timeframe) error {
	_, err := g.call(ctx, "subscribeBars", map[string]any{
		"symbol": symbol, "timeframe": tf,
	})
	return err
}

// GetCurrentPrice returns the last trade price, ok=false when unknown.
func (g *Gateway) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	payload, err := g.call(ctx, "currentPrice", map[string]any{"symbol": symbol})
	if err != nil {
		return decimal.Zero, false, err
	}
	var out struct {
		Price decimal.Decimal `json:"price"`
		Known bool            `json:"known"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return decimal.Zero, false, fmt.Errorf("decode price for %s: %w", symbol, err)
	}
	return out.Price, out.Known, nil
}

// PlaceOrder submits the order and returns the broker-assigned ID.
func (g *Gateway) PlaceOrder(ctx context.Context, o types.Order) (string, error) {
	payload, err := g.call(ctx, "placeOrder", o)
	if err != nil {
		return "", err
	}
	var out struct {
		BrokerID string `json:"brokerId"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("decode placeOrder response: %w", err)
	}
	return out.BrokerID, nil
}

// CancelOrder requests cancellation of a working order.
func (g *Gateway) CancelOrder(ctx context.Context, brokerID string) error {
	_, err := g.call(ctx, "cancelOrder", map[string]any{"brokerId": brokerID})
	return err
}

// ListWorkingOrders returns the broker's non-terminal orders.
func (g *Gateway) ListWorkingOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	payload, err := g.call(ctx, "workingOrders", map[string]any{"symbol": symbol})
	if err != nil {
		return nil, err
	}
	var orders []types.Order
	if err := json.Unmarshal(payload, &orders); err != nil {
		return nil, fmt.Errorf("decode working orders: %w", err)
	}
	return orders, nil
}

var _ Broker = (*Gateway)(nil)
