package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/thiago95macedo/sigmatrader/broker"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// SQLiteStore persists credentials, balances and profiles in a local sqlite
// file. Implements broker.Store.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and prepares the schema.
func Open(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}

	// PRAGMA optimizations
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		logger.Warn("failed to set WAL mode", "function", "Open", "error", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL;"); err != nil {
		logger.Warn("failed to set synchronous mode", "function", "Open", "error", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	// SQLite types: INTEGER for int64, TEXT for strings. Balances are stored
	// as their exact decimal text, never floats.
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id INTEGER PRIMARY KEY,
			email TEXT NOT NULL,
			secret TEXT NOT NULL,
			default_type TEXT NOT NULL DEFAULT 'DEMO',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS balances (
			account_id INTEGER NOT NULL,
			account_type TEXT NOT NULL,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (account_id, account_type)
		);`,
		`CREATE TABLE IF NOT EXISTS profiles (
			account_id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			nickname TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: create tables: %w", err)
		}
	}
	return nil
}

// SaveCredentials inserts or replaces the login material for an account.
func (s *SQLiteStore) SaveCredentials(ctx context.Context, accountID int64, creds broker.Credentials) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, email, secret, default_type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			email = excluded.email,
			secret = excluded.secret,
			default_type = excluded.default_type
	`, accountID, creds.Email, creds.Secret, string(creds.DefaultType))
	if err != nil {
		return fmt.Errorf("store: save credentials: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadCredentials(ctx context.Context, accountID int64) (broker.Credentials, error) {
	var creds broker.Credentials
	var defaultType string
	err := s.db.QueryRowContext(ctx, `
		SELECT email, secret, default_type FROM accounts WHERE account_id = ?
	`, accountID).Scan(&creds.Email, &creds.Secret, &defaultType)
	if errors.Is(err, sql.ErrNoRows) {
		return broker.Credentials{}, ErrNotFound
	}
	if err != nil {
		return broker.Credentials{}, fmt.Errorf("store: load credentials: %w", err)
	}
	creds.DefaultType = broker.ParseAccountType(defaultType)
	return creds, nil
}

func (s *SQLiteStore) SaveBalances(ctx context.Context, accountID int64, accountType broker.AccountType, amount decimal.Decimal, currency string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (account_id, account_type, amount, currency, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, account_type) DO UPDATE SET
			amount = excluded.amount,
			currency = excluded.currency,
			updated_at = excluded.updated_at
	`, accountID, string(accountType), amount.String(), currency, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: save balances: %w", err)
	}
	return nil
}

// LoadBalance reads the last persisted balance for one account type.
func (s *SQLiteStore) LoadBalance(ctx context.Context, accountID int64, accountType broker.AccountType) (decimal.Decimal, string, error) {
	var amountText, currency string
	err := s.db.QueryRowContext(ctx, `
		SELECT amount, currency FROM balances WHERE account_id = ? AND account_type = ?
	`, accountID, string(accountType)).Scan(&amountText, &currency)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, "", ErrNotFound
	}
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("store: load balance: %w", err)
	}
	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("store: corrupt balance %q: %w", amountText, err)
	}
	return amount, currency, nil
}

func (s *SQLiteStore) SaveProfile(ctx context.Context, accountID int64, profile broker.ProfileInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (account_id, user_id, name, nickname, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			user_id = excluded.user_id,
			name = excluded.name,
			nickname = excluded.nickname,
			updated_at = excluded.updated_at
	`, accountID, profile.UserID, profile.Name, profile.Nickname, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: save profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadProfile(ctx context.Context, accountID int64) (*broker.ProfileInfo, error) {
	var profile broker.ProfileInfo
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, name, nickname FROM profiles WHERE account_id = ?
	`, accountID).Scan(&profile.UserID, &profile.Name, &profile.Nickname)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load profile: %w", err)
	}
	return &profile, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
