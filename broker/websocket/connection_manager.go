package websocket

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/thiago95macedo/sigmatrader/broker"
)

const (
	defaultMaxReconnectAttempts = 3
	defaultBaseReconnectDelay   = time.Second
	handshakeTimeout            = 30 * time.Second
)

// ConnectionManager owns the feed connection lifecycle:
// disconnected -> connecting -> connected, with a bounded reconnect loop on
// unexpected loss. When the reconnect budget is spent the session moves to
// the terminal closed state and must be rebuilt.
type ConnectionManager struct {
	client *Client

	maxReconnectAttempts int
	baseReconnectDelay   time.Duration

	reconnectMu  sync.Mutex
	reconnecting bool
}

func NewConnectionManager(client *Client, maxReconnectAttempts int, baseReconnectDelay time.Duration) *ConnectionManager {
	if maxReconnectAttempts <= 0 {
		maxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if baseReconnectDelay <= 0 {
		baseReconnectDelay = defaultBaseReconnectDelay
	}
	return &ConnectionManager{
		client:               client,
		maxReconnectAttempts: maxReconnectAttempts,
		baseReconnectDelay:   baseReconnectDelay,
	}
}

// EstablishConnection runs the full connect sequence: credential login when
// no valid token is held, websocket dial with the browser session headers and
// cookies, then the in-band authentication handshake. Only after the broker
// acknowledges authentication does the state move to connected.
func (cm *ConnectionManager) EstablishConnection(ctx context.Context) error {
	state := cm.client.state
	logger := cm.client.logger

	switch state.Status() {
	case broker.StatusClosed:
		return broker.Errorf(broker.KindFatal, "connect", "session is closed, build a new one")
	case broker.StatusConnected:
		return fmt.Errorf("connect: connection already established")
	}

	state.SetStatus(broker.StatusConnecting)
	logger.Info("establishing feed connection", "function", "EstablishConnection")

	if !cm.client.auth.IsAuthenticated() {
		if err := cm.client.auth.Login(ctx); err != nil {
			state.SetStatus(broker.StatusDisconnected)
			state.SetLastError(err)
			return err
		}
	}

	accessToken, err := cm.client.auth.GetAccessToken()
	if err != nil {
		state.SetStatus(broker.StatusDisconnected)
		state.SetLastError(err)
		return err
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		state.SetStatus(broker.StatusDisconnected)
		state.SetLastError(err)
		return err
	}

	conn.SetCloseHandler(func(code int, text string) error {
		logger.Info("close frame from broker",
			"function", "EstablishConnection",
			"code", code,
			"text", text)
		return nil
	})

	// conn, connCtx and connCancel change in lockstep; Close and the error
	// handler read them from other goroutines.
	connCtx, connCancel := context.WithCancel(cm.client.rootCtx)
	cm.client.connMu.Lock()
	cm.client.conn = conn
	cm.client.connCtx = connCtx
	cm.client.connCancel = connCancel
	cm.client.connMu.Unlock()

	go cm.client.readMessages(conn, connCtx)
	go cm.client.processMessages()

	if err := cm.authenticateFeed(accessToken); err != nil {
		connCancel()
		cm.closeSocket()
		state.SetStatus(broker.StatusDisconnected)
		state.SetLastError(err)
		return err
	}

	state.SetStatus(broker.StatusConnected)
	state.ResetRetries()
	logger.Info("feed connection established", "function", "EstablishConnection")

	cm.client.resubscribeAll()
	return nil
}

// dial opens the socket with the identity the broker expects: the browser
// user agent, the HTTPS origin and the login session cookies.
func (cm *ConnectionManager) dial(ctx context.Context) (*websocket.Conn, error) {
	auth := cm.client.auth
	logger := cm.client.logger

	wsURL := buildFeedURL(auth.GetWebSocketURL())

	headers := http.Header{}
	headers.Set("Origin", auth.GetBaseURL())
	if identity, ok := auth.(broker.FeedIdentity); ok {
		headers.Set("User-Agent", identity.UserAgent())
		headers.Set("X-Device-Id", identity.DeviceID())
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	httpClient, err := auth.GetHTTPClient(ctx)
	if err == nil && httpClient != nil {
		dialer.Jar = httpClient.Jar
		// Carry the HTTP client's TLS config so test servers with
		// self-signed certificates work.
		if transport, ok := httpClient.Transport.(*http.Transport); ok && transport.TLSClientConfig != nil {
			dialer.TLSClientConfig = transport.TLSClientConfig
		}
	}

	logger.Debug("dialing feed", "function", "dial", "url", wsURL)
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			logger.Warn("feed handshake rejected",
				"function", "dial",
				"status", resp.StatusCode)
			return nil, broker.NewError(broker.KindAuthenticationRejected, "connect", err)
		}
		logger.Error("feed dial failed", "function", "dial", "error", err)
		return nil, broker.NewError(broker.KindNetworkUnreachable, "connect", err)
	}
	return conn, nil
}

// authenticateFeed sends the in-band token frame and waits for the broker's
// acknowledgement, which the dispatcher completes under the fixed auth
// waiter id.
func (cm *ConnectionManager) authenticateFeed(accessToken string) error {
	ackCh := cm.client.pending.register(authWaiterID)

	if err := cm.client.writeJSON(authRequest{Name: "ssid", Msg: accessToken}); err != nil {
		cm.client.pending.deregister(authWaiterID)
		return err
	}

	timer := time.NewTimer(cm.client.callTimeout)
	defer timer.Stop()

	select {
	case res := <-ackCh:
		if res.err != nil {
			return res.err
		}
	case <-timer.C:
		cm.client.pending.deregister(authWaiterID)
		return broker.Errorf(broker.KindNetworkUnreachable, "connect", "no authentication ack within %v", cm.client.callTimeout)
	}

	if !cm.client.state.Authenticated() {
		return broker.Errorf(broker.KindAuthenticationRejected, "connect", "broker rejected the session token")
	}
	return nil
}

// HandleConnectionError reacts to a read failure on an established
// connection. In-flight calls fail immediately so no caller waits across the
// reconnect, then the bounded reconnect loop starts.
func (cm *ConnectionManager) HandleConnectionError(err error) {
	if cm.client.rootCtx.Err() != nil {
		return
	}
	logger := cm.client.logger
	logger.Warn("feed connection lost",
		"function", "HandleConnectionError",
		"error", err)

	cm.client.cancelConn()
	cm.closeSocket()
	cm.client.state.SetStatus(broker.StatusDisconnected)
	cm.client.pending.failAll(broker.NewError(broker.KindNotConnected, "call", err))

	cm.reconnectMu.Lock()
	if cm.reconnecting {
		cm.reconnectMu.Unlock()
		logger.Debug("reconnect already in progress", "function", "HandleConnectionError")
		return
	}
	cm.reconnecting = true
	cm.reconnectMu.Unlock()

	go cm.reconnectWithBackoff()
}

// reconnectWithBackoff retries the full connect sequence with an increasing
// pause between attempts. Exhausting the budget closes the session for good.
func (cm *ConnectionManager) reconnectWithBackoff() {
	defer func() {
		cm.reconnectMu.Lock()
		cm.reconnecting = false
		cm.reconnectMu.Unlock()
	}()

	state := cm.client.state
	logger := cm.client.logger

	for attempt := 1; attempt <= cm.maxReconnectAttempts; attempt++ {
		state.RecordRetry(attempt)
		delay := time.Duration(attempt) * cm.baseReconnectDelay

		logger.Info("reconnect attempt scheduled",
			"function", "reconnectWithBackoff",
			"attempt", attempt,
			"max_attempts", cm.maxReconnectAttempts,
			"delay", delay)

		select {
		case <-cm.client.rootCtx.Done():
			logger.Info("reconnect cancelled", "function", "reconnectWithBackoff")
			return
		case <-time.After(delay):
		}

		if err := cm.EstablishConnection(cm.client.rootCtx); err != nil {
			logger.Warn("reconnect attempt failed",
				"function", "reconnectWithBackoff",
				"attempt", attempt,
				"error", err)
			continue
		}

		logger.Info("reconnected",
			"function", "reconnectWithBackoff",
			"attempt", attempt)
		return
	}

	fatal := broker.Errorf(broker.KindFatal, "reconnect",
		"retry budget exhausted after %d attempts", cm.maxReconnectAttempts)
	state.SetLastError(fatal)
	state.SetStatus(broker.StatusClosed)
	logger.Error("reconnect budget exhausted, session closed",
		"function", "reconnectWithBackoff",
		"attempts", cm.maxReconnectAttempts)
}

// closeSocket closes and clears the current connection, if any.
func (cm *ConnectionManager) closeSocket() {
	cm.client.connMu.Lock()
	defer cm.client.connMu.Unlock()
	if cm.client.conn != nil {
		cm.client.writeMu.Lock()
		cm.client.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		cm.client.writeMu.Unlock()
		cm.client.conn.Close()
		cm.client.conn = nil
	}
}

// buildFeedURL converts the configured https endpoint to its wss form.
func buildFeedURL(websocketURL string) string {
	wsURL := strings.Replace(websocketURL, "https://", "wss://", 1)
	return strings.Replace(wsURL, "http://", "ws://", 1)
}
