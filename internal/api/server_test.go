package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/api"
	"github.com/atlas-desktop/trading-engine/internal/broker"
	"github.com/atlas-desktop/trading-engine/internal/domain"
	"github.com/atlas-desktop/trading-engine/internal/runstate"
)

// fakeBroker implements broker.Adapter with just enough behavior for the
// positions and cancel-order endpoints.
type fakeBroker struct {
	positions []domain.PositionSnapshot
	canceled  string
}

func (b *fakeBroker) Name() string                 { return "fake" }
func (b *fakeBroker) Connect(context.Context) error { return nil }
func (b *fakeBroker) Disconnect() error             { return nil }
func (b *fakeBroker) IsConnected() bool             { return true }
func (b *fakeBroker) SubmitOrder(context.Context, broker.OrderRequest) (string, error) {
	return "", nil
}
func (b *fakeBroker) CancelOrder(_ context.Context, orderID string) error {
	b.canceled = orderID
	return nil
}
func (b *fakeBroker) GetOrder(context.Context, string) (*domain.ExecutedOrder, error) { return nil, nil }
func (b *fakeBroker) GetOpenOrders(context.Context, string) ([]*domain.ExecutedOrder, error) {
	return nil, nil
}
func (b *fakeBroker) GetPositions(context.Context) ([]domain.PositionSnapshot, error) {
	return b.positions, nil
}
func (b *fakeBroker) GetAccount(context.Context) (domain.AccountSnapshot, error) {
	return domain.AccountSnapshot{}, nil
}
func (b *fakeBroker) GetQuote(context.Context, string) (domain.Quote, error) { return domain.Quote{}, nil }
func (b *fakeBroker) GetBars(context.Context, string, string, int) ([]domain.Bar, error) {
	return nil, nil
}
func (b *fakeBroker) SubscribeTradeUpdates(context.Context) (<-chan broker.TradeUpdate, error) {
	return make(chan broker.TradeUpdate), nil
}
func (b *fakeBroker) IsMarketOpen(context.Context) (bool, error) { return true, nil }

func setupTestServer(t *testing.T) (*api.Server, *httptest.Server, *fakeBroker) {
	t.Helper()
	store := runstate.NewMemoryStore()
	br := &fakeBroker{positions: []domain.PositionSnapshot{{Symbol: "AAPL", Quantity: decimal.NewFromInt(10)}}}
	server := api.NewServer(zap.NewNop(), ":0", store, br, nil)
	ts := httptest.NewServer(server.Router())
	return server, ts, br
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, _ := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestGetRunNotFound(t *testing.T) {
	_, ts, _ := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/runs/does-not-exist")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetPositions(t *testing.T) {
	_, ts, _ := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/positions")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Positions []domain.PositionSnapshot `json:"positions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Positions) != 1 || body.Positions[0].Symbol != "AAPL" {
		t.Errorf("positions = %+v, want one AAPL position", body.Positions)
	}
}

func TestCancelOrder(t *testing.T) {
	_, ts, br := setupTestServer(t)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/orders/order-123/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if br.canceled != "order-123" {
		t.Errorf("canceled order_id = %q, want order-123", br.canceled)
	}
}

func TestWebSocketHeartbeat(t *testing.T) {
	server, ts, _ := setupTestServer(t)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.RunHub(ctx)

	wsURL := "ws" + ts.URL[len("http"):] + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if err != nil {
		t.Logf("no frame received within deadline (acceptable, heartbeat interval is 30s): %v", err)
	}
}
