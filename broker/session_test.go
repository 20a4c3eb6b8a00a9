package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// fakeFeed implements FeedClient with scripted replies. Like the real
// transport, it applies a reply's state effects before handing the payload
// back to the caller.
type fakeFeed struct {
	state  *SessionState
	status ConnectionStatus

	mu    sync.Mutex
	calls []string

	// balanceReplies are consumed one per get-balances call; the last one
	// sticks for further calls.
	balanceReplies [][]BalanceEntry
	balanceIdx     int

	profile *ProfilePayload

	openAssets *OpenAssetsPayload
	payouts    *PayoutsPayload

	candles []Candle

	failOps map[string]error
}

func newFakeFeed(state *SessionState) *fakeFeed {
	return &fakeFeed{
		state:   state,
		status:  StatusConnected,
		failOps: make(map[string]error),
	}
}

func (f *fakeFeed) Connect(ctx context.Context) error {
	f.status = StatusConnected
	f.state.SetStatus(StatusConnected)
	return nil
}

func (f *fakeFeed) Close() error {
	f.status = StatusDisconnected
	f.state.SetStatus(StatusDisconnected)
	return nil
}

func (f *fakeFeed) Status() ConnectionStatus { return f.status }

func (f *fakeFeed) Send(op string, body any) error {
	f.recordCall(op)
	return nil
}

func (f *fakeFeed) Call(ctx context.Context, op string, body any) (json.RawMessage, error) {
	f.recordCall(op)
	if err, ok := f.failOps[op]; ok && err != nil {
		return nil, err
	}

	switch op {
	case "get-balances":
		entries := f.nextBalances()
		f.state.ApplyBalances(entries)
		return mustMarshal(entries), nil
	case "change-balance":
		return json.RawMessage(`{}`), nil
	case "get-profile":
		if f.profile != nil {
			f.state.ApplyProfile(*f.profile)
			return mustMarshal(f.profile), nil
		}
		return json.RawMessage(`{}`), nil
	case "get-open-assets":
		if f.openAssets == nil {
			return json.RawMessage(`{"categories":{}}`), nil
		}
		return mustMarshal(f.openAssets), nil
	case "get-payouts":
		if f.payouts == nil {
			return json.RawMessage(`{"profits":{}}`), nil
		}
		return mustMarshal(f.payouts), nil
	case "get-candles":
		return mustMarshal(CandlesPayload{Candles: f.candles}), nil
	default:
		return json.RawMessage(`{}`), nil
	}
}

func (f *fakeFeed) recordCall(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
}

func (f *fakeFeed) countCalls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (f *fakeFeed) nextBalances() []BalanceEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.balanceReplies) == 0 {
		return nil
	}
	entries := f.balanceReplies[f.balanceIdx]
	if f.balanceIdx < len(f.balanceReplies)-1 {
		f.balanceIdx++
	}
	return entries
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func demoActive(amount float64) []BalanceEntry {
	return []BalanceEntry{
		{Type: "real", Amount: decimal.NewFromInt(0), Currency: "USD", IsActive: false},
		{Type: "practice", Amount: decimal.NewFromFloat(amount), Currency: "USD", IsActive: true},
	}
}

func realActive(amount float64) []BalanceEntry {
	return []BalanceEntry{
		{Type: "real", Amount: decimal.NewFromFloat(amount), Currency: "USD", IsActive: true},
		{Type: "practice", Amount: decimal.NewFromInt(10000), Currency: "USD", IsActive: false},
	}
}

func newTestSession(t *testing.T, feed *fakeFeed, state *SessionState) *Session {
	t.Helper()
	session, err := NewSession(SessionOptions{
		Feed:         feed,
		State:        state,
		ConfirmPolls: 3,
		ConfirmPause: time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(os.Stdout, nil)),
	})
	if err != nil {
		t.Fatalf("failed to build session: %v", err)
	}
	return session
}

func TestSelectAccountTypeAlreadyActive(t *testing.T) {
	state := NewSessionState()
	feed := newFakeFeed(state)
	feed.balanceReplies = [][]BalanceEntry{demoActive(10000)}
	session := newTestSession(t, feed, state)

	// Seed: DEMO already active.
	state.ApplyBalances(demoActive(10000))

	if err := session.SelectAccountType(context.Background(), AccountDemo); err != nil {
		t.Fatalf("idempotent re-select failed: %v", err)
	}

	if got := feed.countCalls("change-balance"); got != 0 {
		t.Errorf("re-selecting the active type must issue zero switch requests, got %d", got)
	}
	if got := feed.countCalls("get-balances"); got != 1 {
		t.Errorf("expected exactly one balance refresh, got %d", got)
	}
}

func TestSelectAccountTypeSwitchConfirmed(t *testing.T) {
	state := NewSessionState()
	feed := newFakeFeed(state)
	feed.balanceReplies = [][]BalanceEntry{realActive(150)}
	session := newTestSession(t, feed, state)

	state.ApplyBalances(demoActive(10000))

	if err := session.SelectAccountType(context.Background(), AccountReal); err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if got := feed.countCalls("change-balance"); got != 1 {
		t.Errorf("expected one switch request, got %d", got)
	}
	if got := state.ActiveAccountType(); got != AccountReal {
		t.Errorf("expected REAL active, got %s", got)
	}
}

// The broker accepts the switch request but keeps reporting the old account
// type: the call fails with an activation mismatch and the previous account
// stays intact.
func TestSelectAccountTypeActivationMismatch(t *testing.T) {
	state := NewSessionState()
	feed := newFakeFeed(state)
	feed.balanceReplies = [][]BalanceEntry{demoActive(10000)}
	session := newTestSession(t, feed, state)

	state.ApplyBalances(demoActive(10000))

	err := session.SelectAccountType(context.Background(), AccountReal)
	if err == nil {
		t.Fatal("expected switch to fail")
	}
	if kind := KindOf(err); kind != KindActivationMismatch {
		t.Errorf("expected activation_mismatch, got %q (%v)", kind, err)
	}

	// Prior account remains usable.
	if got := state.ActiveAccountType(); got != AccountDemo {
		t.Errorf("expected DEMO to remain active, got %s", got)
	}
	amount, currency, ok := state.Balance(AccountDemo)
	if !ok || currency != "USD" || !amount.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("prior balance lost: %s %s ok=%v", amount, currency, ok)
	}
}

func TestSelectAccountTypeConfirmationTimeout(t *testing.T) {
	state := NewSessionState()
	feed := newFakeFeed(state)
	// Every confirmation poll fails, so no definite read arrives.
	feed.failOps["get-balances"] = Errorf(KindNetworkUnreachable, "call", "flaky feed")
	session := newTestSession(t, feed, state)

	err := session.SelectAccountType(context.Background(), AccountReal)
	if kind := KindOf(err); kind != KindConfirmationTimeout {
		t.Errorf("expected confirmation_timeout, got %q (%v)", kind, err)
	}
}

func TestSelectAccountTypeNotConnected(t *testing.T) {
	state := NewSessionState()
	feed := newFakeFeed(state)
	feed.status = StatusDisconnected
	session := newTestSession(t, feed, state)

	err := session.SelectAccountType(context.Background(), AccountReal)
	if kind := KindOf(err); kind != KindNotConnected {
		t.Errorf("expected not_connected, got %q (%v)", kind, err)
	}
}

func TestRefreshBalanceKeepsLastGoodOnError(t *testing.T) {
	state := NewSessionState()
	feed := newFakeFeed(state)
	session := newTestSession(t, feed, state)

	state.ApplyBalances(demoActive(9500))
	feed.failOps["get-balances"] = Errorf(KindNetworkUnreachable, "call", "socket gone")

	err := session.RefreshBalance(context.Background())
	if err == nil {
		t.Fatal("expected refresh to fail")
	}

	amount, currency, ok := state.Balance(AccountDemo)
	if !ok || currency != "USD" || !amount.Equal(decimal.NewFromFloat(9500)) {
		t.Errorf("last-good balance lost after failed refresh: %s %s ok=%v", amount, currency, ok)
	}
	if state.LastError() == nil {
		t.Error("expected failure to be recorded")
	}
}

func TestConnectProfileSyncFailureIsNotFatal(t *testing.T) {
	state := NewSessionState()
	feed := newFakeFeed(state)
	feed.balanceReplies = [][]BalanceEntry{demoActive(10000)}
	feed.failOps["get-profile"] = Errorf(KindNetworkUnreachable, "call", "profile endpoint down")
	session := newTestSession(t, feed, state)

	if err := session.Connect(context.Background(), AccountDemo); err != nil {
		t.Fatalf("connect must survive a failed profile sync: %v", err)
	}
	if state.Profile() != nil {
		t.Error("expected no profile after failed sync")
	}

	// Explicit retry succeeds once the endpoint is back.
	delete(feed.failOps, "get-profile")
	feed.profile = &ProfilePayload{
		UserID: 11, Name: "Jo", Nickname: "jo",
		BalanceType: "practice", Balance: decimal.NewFromInt(10000), Currency: "USD",
	}
	if err := session.SyncProfile(context.Background()); err != nil {
		t.Fatalf("explicit profile retry failed: %v", err)
	}
	if p := state.Profile(); p == nil || p.UserID != 11 {
		t.Errorf("profile not applied: %+v", p)
	}
}

func TestGetCandlesCapsCountAndRetries(t *testing.T) {
	state := NewSessionState()
	feed := newFakeFeed(state)
	feed.candles = []Candle{{From: 1, To: 61, Open: 1, Close: 2, High: 3, Low: 0.5, Volume: 9}}
	session := newTestSession(t, feed, state)

	candles, err := session.GetCandles(context.Background(), "EURUSD", time.Minute, 5000)
	if err != nil {
		t.Fatalf("candle fetch failed: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(candles))
	}

	feed.failOps["get-candles"] = Errorf(KindNetworkUnreachable, "call", "flaky")
	if _, err := session.GetCandles(context.Background(), "EURUSD", time.Minute, 10); err == nil {
		t.Fatal("expected fetch to fail")
	}
	// All retry attempts were used: 1 success before + 3 failures now.
	if got := feed.countCalls("get-candles"); got != 4 {
		t.Errorf("expected 4 candle calls in total, got %d", got)
	}
}

func TestGetCandlesNotConnected(t *testing.T) {
	state := NewSessionState()
	feed := newFakeFeed(state)
	feed.status = StatusDisconnected
	session := newTestSession(t, feed, state)

	_, err := session.GetCandles(context.Background(), "EURUSD", time.Minute, 10)
	if kind := KindOf(err); kind != KindNotConnected {
		t.Errorf("expected not_connected, got %q (%v)", kind, err)
	}
}
