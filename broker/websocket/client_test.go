package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/thiago95macedo/sigmatrader/broker"
	"github.com/thiago95macedo/sigmatrader/broker/websocket/mocktesting"
)

// MockAuthClient implements broker.AuthClient for transport tests.
type MockAuthClient struct {
	authenticated bool
	accessToken   string
	websocketURL  string
}

func (m *MockAuthClient) Login(ctx context.Context) error {
	m.authenticated = true
	return nil
}
func (m *MockAuthClient) Logout() error          { m.authenticated = false; return nil }
func (m *MockAuthClient) IsAuthenticated() bool  { return m.authenticated }
func (m *MockAuthClient) GetBaseURL() string     { return "https://mock.broker" }
func (m *MockAuthClient) GetWebSocketURL() string { return m.websocketURL }
func (m *MockAuthClient) GetAccessToken() (string, error) {
	return m.accessToken, nil
}
func (m *MockAuthClient) GetHTTPClient(ctx context.Context) (*http.Client, error) {
	return http.DefaultClient, nil
}

func newTestClient(server *mocktesting.MockFeedServer, opts Options) (*Client, *broker.SessionState) {
	auth := &MockAuthClient{
		authenticated: true,
		accessToken:   "test-token-123",
		websocketURL:  server.URL(),
	}
	state := broker.NewSessionState()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	return NewClient(auth, state, opts, logger), state
}

func waitForStatus(t *testing.T, state *broker.SessionState, want broker.ConnectionStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if state.Status() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status never reached %s, still %s", want, state.Status())
}

func TestClientConnect(t *testing.T) {
	server := mocktesting.NewMockFeedServer()
	defer server.Close()

	client, state := newTestClient(server, Options{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if got := state.Status(); got != broker.StatusConnected {
		t.Errorf("expected connected, got %s", got)
	}
	if !state.Authenticated() {
		t.Error("expected authenticated state after handshake")
	}

	if err := client.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if got := state.Status(); got != broker.StatusDisconnected {
		t.Errorf("expected disconnected after close, got %s", got)
	}
}

func TestClientAuthRejected(t *testing.T) {
	server := mocktesting.NewMockFeedServer()
	defer server.Close()
	server.RejectAuth(true)

	client, state := newTestClient(server, Options{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Connect(ctx)
	if err == nil {
		t.Fatal("expected connect to fail")
	}
	if kind := broker.KindOf(err); kind != broker.KindAuthenticationRejected {
		t.Errorf("expected authentication_rejected, got %q (%v)", kind, err)
	}
	if got := state.Status(); got != broker.StatusDisconnected {
		t.Errorf("expected disconnected after rejection, got %s", got)
	}
}

func TestClientCallRoundTrip(t *testing.T) {
	server := mocktesting.NewMockFeedServer()
	defer server.Close()
	server.RespondWith("get-balances", "balances", []map[string]any{
		{"type": "real", "amount": 250.50, "currency": "USD", "is_active": true},
	})

	client, state := newTestClient(server, Options{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	payload, err := client.Call(ctx, "get-balances", nil)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}

	var entries []broker.BalanceEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		t.Fatalf("unreadable reply: %v", err)
	}
	if len(entries) != 1 || entries[0].Currency != "USD" {
		t.Errorf("unexpected reply: %+v", entries)
	}

	// The dispatcher applied the reply before the call returned.
	if got := state.ActiveAccountType(); got != broker.AccountReal {
		t.Errorf("expected state applied by reply time, active=%s", got)
	}
	if server.CountRequests("get-balances") != 1 {
		t.Errorf("expected exactly one request, got %d", server.CountRequests("get-balances"))
	}
}

func TestClientCallWhileDisconnected(t *testing.T) {
	server := mocktesting.NewMockFeedServer()
	defer server.Close()

	client, _ := newTestClient(server, Options{})
	defer client.Close()

	_, err := client.Call(context.Background(), "get-balances", nil)
	if kind := broker.KindOf(err); kind != broker.KindNotConnected {
		t.Errorf("expected not_connected, got %q (%v)", kind, err)
	}
}

func TestClientReconnectBudgetExhausted(t *testing.T) {
	server := mocktesting.NewMockFeedServer()
	defer server.Close()

	client, state := newTestClient(server, Options{
		MaxReconnectAttempts: 3,
		BaseReconnectDelay:   20 * time.Millisecond,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("initial connect failed: %v", err)
	}

	// Feed goes away and stays away: every reconnect attempt must fail.
	server.RefuseDials(true)
	server.DropConnections()

	waitForStatus(t, state, broker.StatusClosed, 5*time.Second)

	if got := state.RetryCount(); got != 3 {
		t.Errorf("expected retry count 3 recorded, got %d", got)
	}
	lastErr := state.LastError()
	if kind := broker.KindOf(lastErr); kind != broker.KindFatal {
		t.Errorf("expected fatal error recorded, got %q (%v)", kind, lastErr)
	}

	// A closed session stays closed.
	err := client.Connect(context.Background())
	if kind := broker.KindOf(err); kind != broker.KindFatal {
		t.Errorf("expected fatal on connect after close, got %q (%v)", kind, err)
	}
}

func TestClientReconnectRecovers(t *testing.T) {
	server := mocktesting.NewMockFeedServer()
	defer server.Close()

	client, state := newTestClient(server, Options{
		MaxReconnectAttempts: 3,
		BaseReconnectDelay:   20 * time.Millisecond,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("initial connect failed: %v", err)
	}
	if err := client.Subscribe("subscribe-quotes", map[string]any{"active": "EURUSD"}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Wait for the server to record the initial subscribe frame before
	// dropping, so the replay assertion below is not racing the first read.
	subscribeDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(subscribeDeadline) {
		if server.CountRequests("subscribe-quotes") >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := server.CountRequests("subscribe-quotes"); got < 1 {
		t.Fatalf("initial subscription never reached server, got %d requests", got)
	}

	// The feed drops once but stays reachable, so the first attempt succeeds
	// and the remembered subscription is replayed.
	server.DropConnections()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if server.CountRequests("subscribe-quotes") >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := server.CountRequests("subscribe-quotes"); got != 2 {
		t.Fatalf("expected subscription replayed after reconnect, got %d requests", got)
	}

	waitForStatus(t, state, broker.StatusConnected, 5*time.Second)
	if got := state.RetryCount(); got != 0 {
		t.Errorf("expected retry count reset after successful reconnect, got %d", got)
	}

	// The recovered connection serves calls again.
	server.RespondWith("get-balances", "balances", []map[string]any{
		{"type": "practice", "amount": 100, "currency": "USD", "is_active": true},
	})
	if _, err := client.Call(ctx, "get-balances", nil); err != nil {
		t.Errorf("call failed after reconnect: %v", err)
	}
}

func TestClientCloseDuringReconnect(t *testing.T) {
	server := mocktesting.NewMockFeedServer()
	defer server.Close()

	client, _ := newTestClient(server, Options{
		MaxReconnectAttempts: 5,
		BaseReconnectDelay:   50 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// Keep the feed down so the reconnect loop is live when Close runs.
	server.RefuseDials(true)
	server.DropConnections()
	time.Sleep(30 * time.Millisecond)

	if err := client.Close(); err != nil {
		t.Fatalf("close during reconnect failed: %v", err)
	}
}

func TestClientConnectWhileConnected(t *testing.T) {
	server := mocktesting.NewMockFeedServer()
	defer server.Close()

	client, _ := newTestClient(server, Options{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	err := client.Connect(ctx)
	if err == nil {
		t.Fatal("expected duplicate connect to fail")
	}
	// Not a connectivity failure, so the error carries no kind.
	if kind := broker.KindOf(err); kind != "" {
		t.Errorf("expected untyped error for duplicate connect, got %q (%v)", kind, err)
	}
}

func TestClientReconnectFailsInFlightCalls(t *testing.T) {
	server := mocktesting.NewMockFeedServer()
	defer server.Close()
	// No responder for get-candles: the call stays pending until the
	// connection drops.

	client, _ := newTestClient(server, Options{
		MaxReconnectAttempts: 2,
		BaseReconnectDelay:   20 * time.Millisecond,
		CallTimeout:          3 * time.Second,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Call(ctx, "get-candles", nil)
		errCh <- err
	}()

	time.Sleep(100 * time.Millisecond)
	server.DropConnections()

	select {
	case err := <-errCh:
		if kind := broker.KindOf(err); kind != broker.KindNotConnected {
			t.Errorf("expected not_connected for in-flight call, got %q (%v)", kind, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call was not failed by the connection loss")
	}
}

func TestClientStreamCaches(t *testing.T) {
	server := mocktesting.NewMockFeedServer()
	defer server.Close()

	client, _ := newTestClient(server, Options{CacheCapacity: 4})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	for i := 0; i < 8; i++ {
		server.Push("candle-generated", map[string]any{
			"active": "EURUSD", "from": 100 + i, "to": 160 + i,
			"open": 1.0, "close": 1.1, "max": 1.2, "min": 0.9, "volume": 10,
		})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(client.RecentCandles("EURUSD", 10)) == 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	candles := client.RecentCandles("EURUSD", 10)
	if len(candles) != 4 {
		t.Fatalf("expected cache capped at 4 candles, got %d", len(candles))
	}
	if candles[len(candles)-1].From != 107 {
		t.Errorf("expected newest candle retained, last from=%d", candles[len(candles)-1].From)
	}
}

func TestClientSurvivesMalformedPush(t *testing.T) {
	server := mocktesting.NewMockFeedServer()
	defer server.Close()
	server.RespondWith("get-balances", "balances", []map[string]any{
		{"type": "real", "amount": 1, "currency": "USD", "is_active": true},
	})

	client, _ := newTestClient(server, Options{})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	server.PushRaw([]byte("garbage that is not json"))
	server.PushRaw([]byte(`{"half": "a frame"`))

	if _, err := client.Call(ctx, "get-balances", nil); err != nil {
		t.Errorf("call failed after malformed pushes: %v", err)
	}
}
