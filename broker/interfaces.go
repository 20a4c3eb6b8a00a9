package broker

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"
)

// AuthClient owns credentials, the OAuth token and the HTTP session cookies.
// The feed transport asks it for everything needed to open an authenticated
// socket without ever seeing the raw credentials.
type AuthClient interface {
	// Login exchanges the stored credentials for an access token.
	Login(ctx context.Context) error

	// Logout drops the token and session cookies.
	Logout() error

	// IsAuthenticated reports whether a currently valid token is held.
	IsAuthenticated() bool

	// GetAccessToken returns the bearer token for the feed handshake.
	GetAccessToken() (string, error)

	// GetHTTPClient returns the client carrying the broker session cookies.
	GetHTTPClient(ctx context.Context) (*http.Client, error)

	// GetBaseURL returns the broker's HTTPS origin.
	GetBaseURL() string

	// GetWebSocketURL returns the feed endpoint (https scheme, converted to
	// wss by the transport).
	GetWebSocketURL() string
}

// FeedIdentity supplies the browser-mimicking identity headers sent with the
// feed handshake. Optional: an AuthClient that does not implement it dials
// with default headers.
type FeedIdentity interface {
	// UserAgent returns the browser identity string.
	UserAgent() string

	// DeviceID returns a device fingerprint stable across reconnects.
	DeviceID() string
}

// FeedClient is the transport the session drives. Implementations keep the
// socket, reconnection and frame dispatch to themselves; the session only
// issues requests and reads the shared state the dispatcher maintains.
type FeedClient interface {
	// Connect establishes the socket and authenticates the feed.
	Connect(ctx context.Context) error

	// Close tears the transport down. Safe to call more than once.
	Close() error

	// Status reports the current connection lifecycle state.
	Status() ConnectionStatus

	// Call sends a request frame and waits for the matching reply. The raw
	// reply payload is returned after its state effects have been applied.
	Call(ctx context.Context, op string, body any) (json.RawMessage, error)

	// Send fires a request frame without waiting for a reply.
	Send(op string, body any) error
}

// Store persists credentials, balances and profile data between runs. All
// session writes to it are asynchronous and best-effort.
type Store interface {
	LoadCredentials(ctx context.Context, accountID int64) (Credentials, error)
	SaveBalances(ctx context.Context, accountID int64, accountType AccountType, amount decimal.Decimal, currency string) error
	LoadProfile(ctx context.Context, accountID int64) (*ProfileInfo, error)
	SaveProfile(ctx context.Context, accountID int64, profile ProfileInfo) error
}
