package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/pkg/types"
)

// gatewayServer is a minimal in-process gateway: every RPC is answered
// immediately, and afterPlace runs after each placeOrder response so
// tests can script events.
type gatewayServer struct {
	t          *testing.T
	upgrader   websocket.Upgrader
	mu         sync.Mutex
	placed     int
	afterPlace func(n int, send func(response))
}

func (s *gatewayServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	send := func(resp response) {
		if err := conn.WriteJSON(resp); err != nil {
			s.t.Logf("server write: %v", err)
		}
	}
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Op {
		case "placeOrder":
			s.mu.Lock()
			s.placed++
			n := s.placed
			s.mu.Unlock()
			payload, _ := json.Marshal(map[string]string{"brokerId": fmt.Sprintf("B%d", n)})
			send(response{ID: req.ID, OK: true, Payload: payload})
			if s.afterPlace != nil {
				s.afterPlace(n, send)
			}
		case "workingOrders":
			payload, _ := json.Marshal([]types.Order{})
			send(response{ID: req.ID, OK: true, Payload: payload})
		default:
			send(response{ID: req.ID, OK: true})
		}
	}
}

func testGateway(t *testing.T, srv *gatewayServer) *Gateway {
	t.Helper()
	hs := httptest.NewServer(http.HandlerFunc(srv.handler))
	t.Cleanup(hs.Close)
	return NewGateway("ws"+strings.TrimPrefix(hs.URL, "http"), zap.NewNop())
}

// A status handler must be able to place orders of its own, the way the
// order manager places bracket legs when an entry's FILLED event lands.
// The read pump has to keep consuming responses while the handler waits.
func TestStatusHandlerCanPlaceOrders(t *testing.T) {
	srv := &gatewayServer{t: t}
	srv.afterPlace = func(n int, send func(response)) {
		if n != 1 {
			return
		}
		payload, _ := json.Marshal(OrderStatus{BrokerID: "B1", State: types.OrderStateFilled})
		send(response{OK: true, Event: "orderStatus", Payload: payload})
	}
	g := testGateway(t, srv)

	legResult := make(chan error, 1)
	g.SetHandlers(Handlers{
		OnOrderStatus: func(st OrderStatus) {
			if st.State != types.OrderStateFilled {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := g.PlaceOrder(ctx, types.Order{
				Symbol: "AAPL", Side: types.SideExitLong, Type: types.OrderTypeStop,
				Qty: decimal.NewFromInt(10), StopPrice: decimal.NewFromInt(147),
			})
			legResult <- err
		},
	})
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer g.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := g.PlaceOrder(ctx, types.Order{
		Symbol: "AAPL", Side: types.SideLong, Type: types.OrderTypeMarket,
		Qty: decimal.NewFromInt(10),
	}); err != nil {
		t.Fatalf("entry place: %v", err)
	}

	select {
	case err := <-legResult:
		if err != nil {
			t.Fatalf("leg placement from the status handler failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("status handler never finished its placeOrder call")
	}
}

func TestCallRoundTrip(t *testing.T) {
	g := testGateway(t, &gatewayServer{t: t})
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer g.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	brokerID, err := g.PlaceOrder(ctx, types.Order{
		Symbol: "MSFT", Side: types.SideLong, Type: types.OrderTypeMarket,
		Qty: decimal.NewFromInt(5),
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if brokerID != "B1" {
		t.Fatalf("brokerID = %q, want B1", brokerID)
	}
	orders, err := g.ListWorkingOrders(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("orders = %d, want 0", len(orders))
	}
}
