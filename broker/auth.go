package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	// browserUserAgent mirrors the web terminal; the broker rejects handshakes
	// from clients that do not look like a browser session.
	browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	tokenEndpointPath = "/v2/oauth/token"
	loginTimeout      = 30 * time.Second
)

var (
	_ AuthClient   = (*PasswordAuthClient)(nil)
	_ FeedIdentity = (*PasswordAuthClient)(nil)
)

// PasswordAuthClient authenticates with the broker's resource-owner password
// grant and keeps the resulting token plus the session cookies the broker
// sets during the exchange. Implements AuthClient and FeedIdentity.
type PasswordAuthClient struct {
	oauthConfig  *oauth2.Config
	email        string
	secret       string
	baseURL      string
	websocketURL string
	deviceID     string

	httpClient *http.Client

	tokenMutex sync.RWMutex
	token      *oauth2.Token

	logger *slog.Logger
}

// NewPasswordAuthClient builds an auth client for the given broker origin.
// The HTTP client carries a cookie jar so the broker's session cookies
// survive into the feed handshake.
func NewPasswordAuthClient(email, secret, baseURL, websocketURL string, logger *slog.Logger) (*PasswordAuthClient, error) {
	if email == "" || secret == "" {
		return nil, fmt.Errorf("auth: email and password are required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("auth: cookie jar: %w", err)
	}
	return &PasswordAuthClient{
		oauthConfig: &oauth2.Config{
			Endpoint: oauth2.Endpoint{
				TokenURL:  baseURL + tokenEndpointPath,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		email:        email,
		secret:       secret,
		baseURL:      baseURL,
		websocketURL: websocketURL,
		deviceID:     newDeviceID(),
		httpClient: &http.Client{
			Timeout: loginTimeout,
			Jar:     jar,
		},
		logger: logger,
	}, nil
}

// Login runs the password grant against the token endpoint. Rejected
// credentials map to KindAuthenticationRejected, transport failures to
// KindNetworkUnreachable.
func (a *PasswordAuthClient) Login(ctx context.Context) error {
	a.logger.Info("logging in", "function", "Login", "email", maskEmail(a.email))

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
	token, err := a.oauthConfig.PasswordCredentialsToken(ctx, a.email, a.secret)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			a.logger.Warn("login rejected", "function", "Login", "status", retrieveErr.Response.StatusCode)
			return NewError(KindAuthenticationRejected, "login", err)
		}
		a.logger.Error("login transport failure", "function", "Login", "error", err)
		return NewError(KindNetworkUnreachable, "login", err)
	}

	a.tokenMutex.Lock()
	a.token = token
	a.tokenMutex.Unlock()

	a.logger.Info("login successful", "function", "Login")
	return nil
}

// Logout drops the token and resets the cookie session.
func (a *PasswordAuthClient) Logout() error {
	a.tokenMutex.Lock()
	a.token = nil
	a.tokenMutex.Unlock()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("auth: cookie jar: %w", err)
	}
	a.httpClient.Jar = jar
	a.logger.Info("logged out", "function", "Logout")
	return nil
}

func (a *PasswordAuthClient) IsAuthenticated() bool {
	a.tokenMutex.RLock()
	defer a.tokenMutex.RUnlock()
	return a.token != nil && a.token.Valid()
}

func (a *PasswordAuthClient) GetAccessToken() (string, error) {
	a.tokenMutex.RLock()
	defer a.tokenMutex.RUnlock()
	if a.token == nil || !a.token.Valid() {
		return "", NewError(KindAuthenticationRejected, "access_token", fmt.Errorf("no valid token held"))
	}
	return a.token.AccessToken, nil
}

func (a *PasswordAuthClient) GetHTTPClient(ctx context.Context) (*http.Client, error) {
	return a.httpClient, nil
}

func (a *PasswordAuthClient) GetBaseURL() string { return a.baseURL }

func (a *PasswordAuthClient) GetWebSocketURL() string { return a.websocketURL }

// DeviceID returns the fingerprint sent with the feed handshake. Stable for
// the lifetime of the client so reconnects look like the same device.
func (a *PasswordAuthClient) DeviceID() string { return a.deviceID }

// UserAgent returns the browser identity used for HTTP and feed requests.
func (a *PasswordAuthClient) UserAgent() string { return browserUserAgent }

func newDeviceID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "sigmatrader-fallback-device"
	}
	return hex.EncodeToString(buf)
}

func maskEmail(email string) string {
	if len(email) <= 3 {
		return "***"
	}
	return email[:3] + "***"
}
