package broker

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// accountBalance pairs an amount with its currency. The two are only ever
// written together.
type accountBalance struct {
	Amount   decimal.Decimal
	Currency string
}

// SessionSnapshot is a point-in-time copy of the session state for callers.
type SessionSnapshot struct {
	Status      ConnectionStatus
	AccountType AccountType
	Balance     decimal.Decimal
	Currency    string
	Profile     *ProfileInfo
	LastError   error
	RetryCount  int
	UpdatedAt   time.Time
}

// SessionState is the single shared state record behind a session. The feed
// dispatcher is its only writer during normal operation; each inbound frame's
// effects land under one lock acquisition so readers never observe a frame
// half-applied.
type SessionState struct {
	mu sync.RWMutex

	status        ConnectionStatus
	authenticated bool
	activeType    AccountType
	balances      map[AccountType]accountBalance
	profile       *ProfileInfo
	lastErr       error
	retryCount    int
	updatedAt     time.Time
	lastHeartbeat time.Time
}

func NewSessionState() *SessionState {
	return &SessionState{
		status:     StatusDisconnected,
		activeType: AccountUnknown,
		balances:   make(map[AccountType]accountBalance),
	}
}

// SetStatus moves the connection lifecycle. StatusClosed is sticky: once the
// session is terminally closed no later transition reopens it.
func (s *SessionState) SetStatus(status ConnectionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return
	}
	s.status = status
	s.updatedAt = time.Now()
}

func (s *SessionState) Status() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *SessionState) SetAuthenticated(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = ok
	s.updatedAt = time.Now()
}

func (s *SessionState) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// ApplyBalances replaces per-account balances from a full balance snapshot.
// The entry flagged active determines the active account type. Balances of
// other account types are untouched by entries that do not mention them.
func (s *SessionState) ApplyBalances(entries []BalanceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		t := ParseAccountType(e.Type)
		if t == AccountUnknown {
			continue
		}
		s.balances[t] = accountBalance{Amount: e.Amount, Currency: e.Currency}
		if e.IsActive {
			s.activeType = t
		}
	}
	s.updatedAt = time.Now()
}

// ApplyBalanceChanged updates a single account's balance from a push frame.
func (s *SessionState) ApplyBalanceChanged(e BalanceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := ParseAccountType(e.Type)
	if t == AccountUnknown {
		return
	}
	s.balances[t] = accountBalance{Amount: e.Amount, Currency: e.Currency}
	if e.IsActive {
		s.activeType = t
	}
	s.updatedAt = time.Now()
}

// ApplyProfile records the profile snapshot. The balance travelling with the
// profile frame is applied to its own account type in the same critical
// section, so the pair stays consistent.
func (s *SessionState) ApplyProfile(p ProfilePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = &ProfileInfo{UserID: p.UserID, Name: p.Name, Nickname: p.Nickname}
	if t := ParseAccountType(p.BalanceType); t != AccountUnknown {
		s.balances[t] = accountBalance{Amount: p.Balance, Currency: p.Currency}
	}
	s.updatedAt = time.Now()
}

func (s *SessionState) ActiveAccountType() AccountType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeType
}

// Balance returns the last known amount and currency for an account type.
func (s *SessionState) Balance(t AccountType) (decimal.Decimal, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[t]
	return b.Amount, b.Currency, ok
}

func (s *SessionState) Profile() *ProfileInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.profile == nil {
		return nil
	}
	p := *s.profile
	return &p
}

// SetLastError records a failure without disturbing the data fields, so the
// last known-good values survive a failed refresh.
func (s *SessionState) SetLastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	s.updatedAt = time.Now()
}

func (s *SessionState) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// RecordRetry notes the highest reconnect attempt reached.
func (s *SessionState) RecordRetry(attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount = attempt
	s.updatedAt = time.Now()
}

func (s *SessionState) RetryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryCount
}

func (s *SessionState) ResetRetries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount = 0
}

func (s *SessionState) TouchHeartbeat(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = t
}

func (s *SessionState) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeat
}

// Snapshot copies the state the front end cares about in one read lock.
func (s *SessionState) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := SessionSnapshot{
		Status:      s.status,
		AccountType: s.activeType,
		LastError:   s.lastErr,
		RetryCount:  s.retryCount,
		UpdatedAt:   s.updatedAt,
	}
	if b, ok := s.balances[s.activeType]; ok {
		snap.Balance = b.Amount
		snap.Currency = b.Currency
	}
	if s.profile != nil {
		p := *s.profile
		snap.Profile = &p
	}
	return snap
}
