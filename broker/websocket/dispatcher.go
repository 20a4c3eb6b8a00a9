package websocket

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/thiago95macedo/sigmatrader/broker"
)

// authWaiterID is the fixed pending-call id the connection handshake waits
// on. The authentication ack carries no request id of its own.
const authWaiterID = "__auth__"

// handlerFunc applies one frame's effects. Handlers run with the dispatch
// mutex held and must not perform network I/O.
type handlerFunc func(d *Dispatcher, msg feedMessage)

// Dispatcher routes inbound frames to exactly one handler selected from a
// lookup table keyed by the frame's type tag. One mutex is held for the whole
// handling of a frame, so every reader of the session state observes each
// frame's effects atomically. Malformed input is dropped with a log and never
// surfaces as an error; unknown tags are ignored.
type Dispatcher struct {
	mu       sync.Mutex
	state    *broker.SessionState
	pending  *pendingCalls
	candles  *StreamCache[broker.Candle]
	quotes   *StreamCache[broker.Quote]
	handlers map[string]handlerFunc
	logger   *slog.Logger
}

func NewDispatcher(state *broker.SessionState, pending *pendingCalls, cacheCapacity int, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		state:   state,
		pending: pending,
		candles: NewStreamCache[broker.Candle](cacheCapacity),
		quotes:  NewStreamCache[broker.Quote](cacheCapacity),
		logger:  logger,
	}
	d.handlers = map[string]handlerFunc{
		"authenticated":    (*Dispatcher).handleAuthenticated,
		"balances":         (*Dispatcher).handleBalances,
		"balance-changed":  (*Dispatcher).handleBalanceChanged,
		"profile":          (*Dispatcher).handleProfile,
		"open-assets":      (*Dispatcher).handleSnapshotReply,
		"payouts":          (*Dispatcher).handleSnapshotReply,
		"candles":          (*Dispatcher).handleSnapshotReply,
		"candle-generated": (*Dispatcher).handleCandleGenerated,
		"quote-generated":  (*Dispatcher).handleQuoteGenerated,
		"heartbeat":        (*Dispatcher).handleHeartbeat,
	}
	return d
}

// Dispatch processes one raw frame. Invalid frames are absorbed here; the
// caller never sees an error.
func (d *Dispatcher) Dispatch(raw []byte) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		d.logger.Warn("dropping non-object frame",
			"function", "Dispatch",
			"size", len(raw))
		return
	}

	var msg feedMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		d.logger.Warn("dropping malformed frame",
			"function", "Dispatch",
			"error", err,
			"size", len(raw))
		return
	}
	if msg.Name == "" {
		d.logger.Warn("dropping frame without type tag",
			"function", "Dispatch")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if handler, ok := d.handlers[msg.Name]; ok {
		handler(d, msg)
	} else {
		d.logger.Debug("ignoring unknown frame type",
			"function", "Dispatch",
			"name", msg.Name)
	}

	// Waiters are completed after the handler so a caller's follow-up reads
	// observe the frame's state effects.
	if msg.RequestID != "" {
		d.pending.complete(msg.RequestID, msg.Msg)
	}
}

// Candles exposes the live candle cache.
func (d *Dispatcher) Candles() *StreamCache[broker.Candle] { return d.candles }

// Quotes exposes the live quote cache.
func (d *Dispatcher) Quotes() *StreamCache[broker.Quote] { return d.quotes }

func (d *Dispatcher) handleAuthenticated(msg feedMessage) {
	var ok bool
	if err := json.Unmarshal(msg.Msg, &ok); err != nil {
		d.logger.Warn("dropping malformed authenticated frame",
			"function", "handleAuthenticated",
			"error", err)
		return
	}
	d.state.SetAuthenticated(ok)
	d.pending.complete(authWaiterID, msg.Msg)
}

func (d *Dispatcher) handleBalances(msg feedMessage) {
	var entries []broker.BalanceEntry
	if err := json.Unmarshal(msg.Msg, &entries); err != nil {
		d.logger.Warn("dropping malformed balances frame",
			"function", "handleBalances",
			"error", err)
		return
	}
	d.state.ApplyBalances(entries)
}

func (d *Dispatcher) handleBalanceChanged(msg feedMessage) {
	var entry broker.BalanceEntry
	if err := json.Unmarshal(msg.Msg, &entry); err != nil {
		d.logger.Warn("dropping malformed balance-changed frame",
			"function", "handleBalanceChanged",
			"error", err)
		return
	}
	d.state.ApplyBalanceChanged(entry)
}

func (d *Dispatcher) handleProfile(msg feedMessage) {
	var profile broker.ProfilePayload
	if err := json.Unmarshal(msg.Msg, &profile); err != nil {
		d.logger.Warn("dropping malformed profile frame",
			"function", "handleProfile",
			"error", err)
		return
	}
	d.state.ApplyProfile(profile)
}

// handleSnapshotReply covers request/response frames whose payload is consumed
// by the waiting caller and leaves no session state behind.
func (d *Dispatcher) handleSnapshotReply(msg feedMessage) {
	d.logger.Debug("snapshot reply received",
		"function", "handleSnapshotReply",
		"name", msg.Name,
		"request_id", msg.RequestID)
}

func (d *Dispatcher) handleCandleGenerated(msg feedMessage) {
	var candle broker.StreamCandle
	if err := json.Unmarshal(msg.Msg, &candle); err != nil {
		d.logger.Warn("dropping malformed candle-generated frame",
			"function", "handleCandleGenerated",
			"error", err)
		return
	}
	d.candles.Put(StreamKey{Symbol: candle.Symbol, Timestamp: candle.From}, candle.Candle)
}

func (d *Dispatcher) handleQuoteGenerated(msg feedMessage) {
	var quote broker.Quote
	if err := json.Unmarshal(msg.Msg, &quote); err != nil {
		d.logger.Warn("dropping malformed quote-generated frame",
			"function", "handleQuoteGenerated",
			"error", err)
		return
	}
	d.quotes.Put(StreamKey{Symbol: quote.Symbol, Timestamp: quote.Time}, quote)
}

func (d *Dispatcher) handleHeartbeat(msg feedMessage) {
	d.state.TouchHeartbeat(time.Now())
}
