package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	defaultConfirmPolls = 5
	defaultConfirmPause = 500 * time.Millisecond
	maxCandlesPerFetch  = 1000
	candleFetchRetries  = 3
	candleRetryPause    = time.Second
	persistTimeout      = 5 * time.Second
)

// SessionOptions wire a Session's collaborators. Feed, State and Logger are
// required; Store is optional and only ever written to asynchronously.
type SessionOptions struct {
	Feed         FeedClient
	State        *SessionState
	Store        Store
	AccountID    int64
	ConfirmPolls int
	ConfirmPause time.Duration
	Logger       *slog.Logger
}

// Session is the high-level broker session: one account, one feed
// connection, one shared state record. All operations are synchronous from
// the caller's point of view; live data keeps flowing into the state through
// the feed's dispatcher underneath.
type Session struct {
	feed   FeedClient
	state  *SessionState
	store  Store
	logger *slog.Logger

	accountID    int64
	confirmPolls int
	confirmPause time.Duration

	profileSynced atomic.Bool
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Feed == nil || opts.State == nil {
		return nil, fmt.Errorf("session: feed and state are required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("session: logger is required")
	}
	if opts.ConfirmPolls <= 0 {
		opts.ConfirmPolls = defaultConfirmPolls
	}
	if opts.ConfirmPause <= 0 {
		opts.ConfirmPause = defaultConfirmPause
	}
	return &Session{
		feed:         opts.Feed,
		state:        opts.State,
		store:        opts.Store,
		logger:       opts.Logger,
		accountID:    opts.AccountID,
		confirmPolls: opts.ConfirmPolls,
		confirmPause: opts.ConfirmPause,
	}, nil
}

// Connect brings the session up: feed connection, initial balance read, a
// one-time profile sync and, when given, activation of the default account
// type. Only the feed connection itself is fatal; the rest degrades to
// warnings so a flaky first read does not cost the whole session.
func (s *Session) Connect(ctx context.Context, defaultType AccountType) error {
	if err := s.feed.Connect(ctx); err != nil {
		return err
	}

	if err := s.RefreshBalance(ctx); err != nil {
		s.logger.Warn("initial balance read failed",
			"function", "Connect",
			"error", err)
	}

	if !s.profileSynced.Load() {
		if err := s.SyncProfile(ctx); err != nil {
			s.logger.Warn("profile sync failed, continuing without profile",
				"function", "Connect",
				"error", err)
		}
	}

	if defaultType != "" && defaultType != AccountUnknown {
		if err := s.SelectAccountType(ctx, defaultType); err != nil {
			s.logger.Warn("default account activation failed",
				"function", "Connect",
				"target", defaultType,
				"error", err)
		}
	}

	s.persistBalances()
	return nil
}

// Disconnect tears the feed down. The session can be reconnected afterwards
// unless it was terminally closed.
func (s *Session) Disconnect() error {
	return s.feed.Close()
}

// Snapshot returns a consistent copy of the current session state.
func (s *Session) Snapshot() SessionSnapshot {
	return s.state.Snapshot()
}

// RefreshBalance re-reads the balance list from the broker. The reply's
// effects land in the state through the dispatcher before the call returns.
// On failure the last known-good values stay in place and only the error is
// recorded.
func (s *Session) RefreshBalance(ctx context.Context) error {
	if s.feed.Status() != StatusConnected {
		return Errorf(KindNotConnected, "refresh_balance", "session not connected")
	}

	payload, err := s.feed.Call(ctx, "get-balances", nil)
	if err != nil {
		s.state.SetLastError(err)
		return err
	}

	var entries []BalanceEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		err = Errorf(KindProtocolMalformed, "refresh_balance", "unreadable balance reply: %v", err)
		s.state.SetLastError(err)
		return err
	}
	if len(entries) == 0 {
		err := Errorf(KindPartialDataUnavailable, "refresh_balance", "empty balance reply")
		s.state.SetLastError(err)
		return err
	}
	return nil
}

// SelectAccountType activates the target account type. When the broker
// already reports the target as active no switch request goes out at all;
// the balance is refreshed and the call succeeds. Otherwise the switch is
// requested and confirmed by polling the balance list a bounded number of
// times. A confirmed different type fails with ActivationMismatch, silence
// fails with ConfirmationTimeout; in both cases the previously active
// account remains usable.
func (s *Session) SelectAccountType(ctx context.Context, target AccountType) error {
	const op = "select_account"

	switch target {
	case AccountReal, AccountDemo, AccountTournament:
	default:
		return Errorf(KindActivationMismatch, op, "unknown account type %q", target)
	}

	if s.feed.Status() != StatusConnected {
		return Errorf(KindNotConnected, op, "session not connected")
	}

	if s.state.ActiveAccountType() == target {
		s.logger.Debug("account type already active, refreshing only",
			"function", "SelectAccountType",
			"target", target)
		if err := s.RefreshBalance(ctx); err != nil {
			return err
		}
		s.persistBalances()
		return nil
	}

	if _, err := s.feed.Call(ctx, "change-balance", map[string]any{"type": target}); err != nil {
		s.state.SetLastError(err)
		return err
	}

	observed := AccountUnknown
	for poll := 1; poll <= s.confirmPolls; poll++ {
		select {
		case <-ctx.Done():
			err := NewError(KindConfirmationTimeout, op, ctx.Err())
			s.state.SetLastError(err)
			return err
		case <-time.After(s.confirmPause):
		}

		if err := s.RefreshBalance(ctx); err != nil {
			s.logger.Warn("confirmation poll failed",
				"function", "SelectAccountType",
				"poll", poll,
				"error", err)
			continue
		}

		active := s.state.ActiveAccountType()
		if active == target {
			s.logger.Info("account type activated",
				"function", "SelectAccountType",
				"target", target,
				"polls", poll)
			s.persistBalances()
			return nil
		}
		if active != AccountUnknown {
			observed = active
		}
	}

	var err *Error
	if observed != AccountUnknown {
		err = Errorf(KindActivationMismatch, op,
			"requested %s but broker reports %s", target, observed)
	} else {
		err = Errorf(KindConfirmationTimeout, op,
			"no activation confirmation after %d polls", s.confirmPolls)
	}
	s.state.SetLastError(err)
	s.logger.Warn("account switch failed, previous account remains active",
		"function", "SelectAccountType",
		"target", target,
		"error", err)
	return err
}

// SyncProfile fetches the broker profile. It runs once automatically on the
// first connect; afterwards only an explicit call retries it.
func (s *Session) SyncProfile(ctx context.Context) error {
	if s.feed.Status() != StatusConnected {
		return Errorf(KindNotConnected, "sync_profile", "session not connected")
	}

	if _, err := s.feed.Call(ctx, "get-profile", nil); err != nil {
		s.state.SetLastError(err)
		return err
	}

	s.profileSynced.Store(true)
	s.persistProfile()
	return nil
}

// GetCandles fetches up to count historical candles for symbol. Count is
// capped at the broker's per-request limit; transient failures are retried a
// few times with a pause.
func (s *Session) GetCandles(ctx context.Context, symbol string, interval time.Duration, count int) ([]Candle, error) {
	const op = "get_candles"

	if s.feed.Status() != StatusConnected {
		return nil, Errorf(KindNotConnected, op, "session not connected")
	}
	if count <= 0 {
		return nil, Errorf(KindPartialDataUnavailable, op, "candle count must be positive, got %d", count)
	}
	if count > maxCandlesPerFetch {
		count = maxCandlesPerFetch
	}

	body := map[string]any{
		"active": symbol,
		"size":   int(interval.Seconds()),
		"count":  count,
		"to":     time.Now().Unix(),
	}

	var lastErr error
	for attempt := 1; attempt <= candleFetchRetries; attempt++ {
		payload, err := s.feed.Call(ctx, "get-candles", body)
		if err == nil {
			var reply CandlesPayload
			if err := json.Unmarshal(payload, &reply); err != nil {
				lastErr = Errorf(KindProtocolMalformed, op, "unreadable candle reply: %v", err)
			} else if len(reply.Candles) == 0 {
				lastErr = Errorf(KindPartialDataUnavailable, op, "no candles for %s", symbol)
			} else {
				return reply.Candles, nil
			}
		} else {
			lastErr = err
		}

		s.logger.Warn("candle fetch attempt failed",
			"function", "GetCandles",
			"symbol", symbol,
			"attempt", attempt,
			"error", lastErr)

		if attempt < candleFetchRetries {
			select {
			case <-ctx.Done():
				return nil, NewError(KindNotConnected, op, ctx.Err())
			case <-time.After(time.Duration(attempt) * candleRetryPause):
			}
		}
	}
	s.state.SetLastError(lastErr)
	return nil, lastErr
}

// persistBalances pushes the current balances to the store without blocking
// the caller. Store failures are logged and otherwise ignored.
func (s *Session) persistBalances() {
	if s.store == nil {
		return
	}
	snap := s.state.Snapshot()
	if snap.AccountType == AccountUnknown {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.store.SaveBalances(ctx, s.accountID, snap.AccountType, snap.Balance, snap.Currency); err != nil {
			s.logger.Warn("balance persistence failed",
				"function", "persistBalances",
				"error", err)
		}
	}()
}

func (s *Session) persistProfile() {
	if s.store == nil {
		return
	}
	profile := s.state.Profile()
	if profile == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.store.SaveProfile(ctx, s.accountID, *profile); err != nil {
			s.logger.Warn("profile persistence failed",
				"function", "persistProfile",
				"error", err)
		}
	}()
}
