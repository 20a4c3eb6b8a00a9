package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/thiago95macedo/sigmatrader/broker"
)

const (
	defaultCallTimeout   = 10 * time.Second
	defaultCacheCapacity = 100
	readDeadline         = time.Minute
	goroutineExitTimeout = 5 * time.Second
)

// Options tune the transport. Zero values fall back to defaults.
type Options struct {
	MaxReconnectAttempts int
	BaseReconnectDelay   time.Duration
	CacheCapacity        int
	CallTimeout          time.Duration
}

// Client is the websocket feed transport. It owns the socket and splits work
// across two goroutines: a reader that only pulls frames off the socket into
// a buffered channel, and a processor that dispatches them serially. The
// reader can therefore never be blocked by slow frame handling, and ordering
// is preserved because a single processor drains the queue.
// Implements broker.FeedClient.
type Client struct {
	auth   broker.AuthClient
	state  *broker.SessionState
	logger *slog.Logger

	conn    *websocket.Conn
	connMu  sync.Mutex
	writeMu sync.Mutex

	connectionManager *ConnectionManager
	dispatcher        *Dispatcher
	pending           *pendingCalls

	incomingMessages chan socketMessage
	connectionErrors chan error

	// rootCtx spans the client's lifetime. connCtx spans one socket and is
	// guarded by connMu together with conn and connCancel.
	rootCtx    context.Context
	rootCancel context.CancelFunc
	connCtx    context.Context
	connCancel context.CancelFunc

	readerRunning    bool
	readerDone       chan struct{}
	readerMu         sync.Mutex
	processorRunning bool
	processorDone    chan struct{}
	processorMu      sync.Mutex

	// Stream subscriptions by op, replayed after a reconnect.
	subscriptions   map[string]any
	subscriptionsMu sync.Mutex

	callTimeout time.Duration
}

// NewClient builds a feed client around shared session state. The dispatcher
// writes into state; the session reads from it.
func NewClient(auth broker.AuthClient, state *broker.SessionState, opts Options, logger *slog.Logger) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = defaultCacheCapacity
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	client := &Client{
		auth:             auth,
		state:            state,
		logger:           logger,
		pending:          newPendingCalls(),
		incomingMessages: make(chan socketMessage, 100),
		connectionErrors: make(chan error, 10),
		rootCtx:          rootCtx,
		rootCancel:       rootCancel,
		subscriptions:    make(map[string]any),
		callTimeout:      opts.CallTimeout,
	}
	client.dispatcher = NewDispatcher(state, client.pending, opts.CacheCapacity, logger)
	client.connectionManager = NewConnectionManager(client, opts.MaxReconnectAttempts, opts.BaseReconnectDelay)
	return client
}

// Connect establishes and authenticates the feed connection.
func (c *Client) Connect(ctx context.Context) error {
	return c.connectionManager.EstablishConnection(ctx)
}

// Status reports the connection lifecycle state.
func (c *Client) Status() broker.ConnectionStatus {
	return c.state.Status()
}

// Call sends a request and waits for the broker's reply with the same
// request id. The reply payload is returned after the dispatcher has applied
// its state effects. A dropped connection fails the call immediately.
func (c *Client) Call(ctx context.Context, op string, body any) (json.RawMessage, error) {
	if c.state.Status() != broker.StatusConnected {
		return nil, broker.Errorf(broker.KindNotConnected, op, "feed not connected (status %s)", c.state.Status())
	}

	requestID := nextRequestID(op)
	resultCh := c.pending.register(requestID)

	if err := c.writeRequest(op, body, requestID); err != nil {
		c.pending.deregister(requestID)
		return nil, err
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-ctx.Done():
		c.pending.deregister(requestID)
		return nil, broker.NewError(broker.KindNotConnected, op, ctx.Err())
	case <-timer.C:
		c.pending.deregister(requestID)
		c.logger.Warn("call timed out",
			"function", "Call",
			"op", op,
			"request_id", requestID,
			"timeout", c.callTimeout)
		return nil, broker.Errorf(broker.KindConfirmationTimeout, op, "no reply within %v", c.callTimeout)
	}
}

// Send fires a request without waiting for a reply.
func (c *Client) Send(op string, body any) error {
	if c.state.Status() != broker.StatusConnected {
		return broker.Errorf(broker.KindNotConnected, op, "feed not connected (status %s)", c.state.Status())
	}
	return c.writeRequest(op, body, nextRequestID(op))
}

// Subscribe sends a stream subscription and remembers it so it is replayed
// after a successful reconnect.
func (c *Client) Subscribe(op string, body any) error {
	if err := c.Send(op, body); err != nil {
		return err
	}
	c.subscriptionsMu.Lock()
	c.subscriptions[op] = body
	c.subscriptionsMu.Unlock()
	return nil
}

// RecentCandles returns up to n retained live candles for symbol, oldest
// first.
func (c *Client) RecentCandles(symbol string, n int) []broker.Candle {
	return c.dispatcher.Candles().Recent(symbol, n)
}

// RecentQuotes returns up to n retained live quotes for symbol, oldest first.
func (c *Client) RecentQuotes(symbol string, n int) []broker.Quote {
	return c.dispatcher.Quotes().Recent(symbol, n)
}

// Close tears the transport down and waits for the goroutines to exit.
func (c *Client) Close() error {
	c.rootCancel()
	c.cancelConn()

	c.connectionManager.closeSocket()

	c.readerMu.Lock()
	readerDone := c.readerDone
	readerRunning := c.readerRunning
	c.readerMu.Unlock()
	if readerRunning && readerDone != nil {
		select {
		case <-readerDone:
		case <-time.After(goroutineExitTimeout):
			c.logger.Warn("reader exit timeout", "function", "Close")
		}
	}

	c.processorMu.Lock()
	processorDone := c.processorDone
	processorRunning := c.processorRunning
	c.processorMu.Unlock()
	if processorRunning && processorDone != nil {
		select {
		case <-processorDone:
		case <-time.After(goroutineExitTimeout):
			c.logger.Warn("processor exit timeout", "function", "Close")
		}
	}

	c.pending.failAll(broker.Errorf(broker.KindNotConnected, "close", "feed closed"))
	c.state.SetStatus(broker.StatusDisconnected)
	c.logger.Info("feed client closed", "function", "Close")
	return nil
}

// writeRequest serializes one outbound frame. Writes are serialized because
// gorilla connections allow a single concurrent writer.
func (c *Client) writeRequest(op string, body any, requestID string) error {
	frame := outboundRequest{
		Name: "sendMessage",
		Msg: requestBody{
			Name:    op,
			Version: "1.0",
			Body:    body,
		},
		RequestID: requestID,
		LocalTime: localTimeMillis(),
	}
	return c.writeJSON(frame)
}

func (c *Client) writeJSON(v any) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return broker.Errorf(broker.KindNotConnected, "write", "no socket")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return broker.NewError(broker.KindNetworkUnreachable, "write", err)
	}
	return nil
}

// cancelConn cancels the current per-socket context, if any.
func (c *Client) cancelConn() {
	c.connMu.Lock()
	connCancel := c.connCancel
	c.connMu.Unlock()
	if connCancel != nil {
		connCancel()
	}
}

func (c *Client) resubscribeAll() {
	c.subscriptionsMu.Lock()
	subscriptions := make(map[string]any, len(c.subscriptions))
	for op, body := range c.subscriptions {
		subscriptions[op] = body
	}
	c.subscriptionsMu.Unlock()

	for op, body := range subscriptions {
		if err := c.Send(op, body); err != nil {
			c.logger.Warn("resubscribe failed",
				"function", "resubscribeAll",
				"op", op,
				"error", err)
		}
	}
}

// readMessages only reads from the socket and queues frames for the
// processor. It exits on the first read error, reporting it so the processor
// decides what to do.
func (c *Client) readMessages(conn *websocket.Conn, connCtx context.Context) {
	c.readerMu.Lock()
	c.readerRunning = true
	c.readerDone = make(chan struct{})
	c.readerMu.Unlock()

	defer func() {
		c.readerMu.Lock()
		c.readerRunning = false
		if c.readerDone != nil {
			close(c.readerDone)
			c.readerDone = nil
		}
		c.readerMu.Unlock()
		c.logger.Debug("reader exiting", "function", "readMessages")
	}()

	c.logger.Debug("reader started", "function", "readMessages")

	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			c.logger.Warn("failed to set read deadline",
				"function", "readMessages",
				"error", err)
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case c.connectionErrors <- err:
			case <-connCtx.Done():
			case <-time.After(time.Second):
				c.logger.Error("error channel full, dropping error",
					"function", "readMessages",
					"error", err)
			}
			return
		}

		frame := make([]byte, len(data))
		copy(frame, data)

		select {
		case c.incomingMessages <- socketMessage{Data: frame, ReceivedAt: time.Now()}:
		case <-connCtx.Done():
			return
		case <-time.After(time.Second):
			c.logger.Error("message channel full, dropping frame",
				"function", "readMessages",
				"size", len(frame))
		}
	}
}

// processMessages drains frames and connection errors serially for the
// lifetime of the client. Dispatch can be slow without blocking the reader.
func (c *Client) processMessages() {
	c.processorMu.Lock()
	if c.processorRunning {
		c.processorMu.Unlock()
		return
	}
	c.processorRunning = true
	c.processorDone = make(chan struct{})
	c.processorMu.Unlock()

	defer func() {
		c.processorMu.Lock()
		c.processorRunning = false
		if c.processorDone != nil {
			close(c.processorDone)
			c.processorDone = nil
		}
		c.processorMu.Unlock()
		c.logger.Debug("processor exiting", "function", "processMessages")
	}()

	c.logger.Debug("processor started", "function", "processMessages")

	for {
		select {
		case <-c.rootCtx.Done():
			return
		case msg := <-c.incomingMessages:
			c.dispatcher.Dispatch(msg.Data)
		case err := <-c.connectionErrors:
			c.connectionManager.HandleConnectionError(err)
		}
	}
}
