// Package mocktesting provides an in-process feed server for transport and
// session tests. It speaks the same JSON frame protocol as the production
// feed: an ssid authentication frame answered by an authenticated ack, then
// request/response frames with echoed request ids plus server pushes.
package mocktesting

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// inboundFrame mirrors the client's outbound request envelope.
type inboundFrame struct {
	Name      string          `json:"name"`
	Msg       json.RawMessage `json:"msg"`
	RequestID string          `json:"request_id"`
}

type innerRequest struct {
	Name string          `json:"name"`
	Body json.RawMessage `json:"body"`
}

// CapturedRequest records one operation the client sent, for assertions.
type CapturedRequest struct {
	Op        string
	Body      json.RawMessage
	RequestID string
}

// Responder builds the reply to one operation. Returning ok=false suppresses
// the reply entirely (the client times out).
type Responder func(req CapturedRequest) (name string, payload any, ok bool)

// MockFeedServer is a websocket test server for the broker feed protocol.
type MockFeedServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	clients   map[*websocket.Conn]*sync.Mutex
	clientsMu sync.Mutex

	responders  map[string]Responder
	acceptToken string
	rejectAuth  bool
	refuseDials bool
	stateMu     sync.Mutex

	requests   []CapturedRequest
	requestsMu sync.Mutex
}

// NewMockFeedServer starts a server that accepts any token and answers no
// operations until responders are registered.
func NewMockFeedServer() *MockFeedServer {
	m := &MockFeedServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*websocket.Conn]*sync.Mutex),
		responders: make(map[string]Responder),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/echo/websocket", m.handleWebSocket)
	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the http base URL; the client converts the scheme itself.
func (m *MockFeedServer) URL() string {
	return m.server.URL + "/echo/websocket"
}

// SetResponder installs the reply builder for one operation name.
func (m *MockFeedServer) SetResponder(op string, r Responder) {
	m.stateMu.Lock()
	m.responders[op] = r
	m.stateMu.Unlock()
}

// RespondWith installs a fixed reply for an operation.
func (m *MockFeedServer) RespondWith(op, replyName string, payload any) {
	m.SetResponder(op, func(CapturedRequest) (string, any, bool) {
		return replyName, payload, true
	})
}

// RejectAuth makes the server answer ssid frames with authenticated=false.
func (m *MockFeedServer) RejectAuth(reject bool) {
	m.stateMu.Lock()
	m.rejectAuth = reject
	m.stateMu.Unlock()
}

// RefuseDials makes every new websocket upgrade fail, simulating an
// unreachable feed while the HTTP listener itself stays up.
func (m *MockFeedServer) RefuseDials(refuse bool) {
	m.stateMu.Lock()
	m.refuseDials = refuse
	m.stateMu.Unlock()
}

// Requests returns a copy of every operation received so far.
func (m *MockFeedServer) Requests() []CapturedRequest {
	m.requestsMu.Lock()
	defer m.requestsMu.Unlock()
	out := make([]CapturedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// CountRequests reports how many times an operation was received.
func (m *MockFeedServer) CountRequests(op string) int {
	m.requestsMu.Lock()
	defer m.requestsMu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Op == op {
			n++
		}
	}
	return n
}

// Push broadcasts a frame with no request id to every connected client.
func (m *MockFeedServer) Push(name string, payload any) error {
	return m.broadcast(map[string]any{"name": name, "msg": payload})
}

// PushRaw broadcasts raw bytes as a text frame, for malformed-input tests.
func (m *MockFeedServer) PushRaw(data []byte) error {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for conn, mu := range m.clients {
		mu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every client socket, simulating a feed outage.
func (m *MockFeedServer) DropConnections() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for conn := range m.clients {
		conn.Close()
	}
}

// Close shuts the server down.
func (m *MockFeedServer) Close() {
	m.DropConnections()
	m.server.Close()
}

func (m *MockFeedServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.stateMu.Lock()
	refuse := m.refuseDials
	m.stateMu.Unlock()
	if refuse {
		http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	writeMu := &sync.Mutex{}

	m.clientsMu.Lock()
	m.clients[conn] = writeMu
	m.clientsMu.Unlock()

	defer func() {
		m.clientsMu.Lock()
		delete(m.clients, conn)
		m.clientsMu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.handleFrame(conn, writeMu, data)
	}
}

func (m *MockFeedServer) handleFrame(conn *websocket.Conn, writeMu *sync.Mutex, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	if frame.Name == "ssid" {
		m.stateMu.Lock()
		ok := !m.rejectAuth
		if m.acceptToken != "" {
			var token string
			json.Unmarshal(frame.Msg, &token)
			ok = ok && strings.TrimSpace(token) == m.acceptToken
		}
		m.stateMu.Unlock()
		m.write(conn, writeMu, map[string]any{"name": "authenticated", "msg": ok})
		return
	}

	if frame.Name != "sendMessage" {
		return
	}
	var inner innerRequest
	if err := json.Unmarshal(frame.Msg, &inner); err != nil {
		return
	}

	req := CapturedRequest{Op: inner.Name, Body: inner.Body, RequestID: frame.RequestID}
	m.requestsMu.Lock()
	m.requests = append(m.requests, req)
	m.requestsMu.Unlock()

	m.stateMu.Lock()
	responder := m.responders[inner.Name]
	m.stateMu.Unlock()
	if responder == nil {
		return
	}
	name, payload, ok := responder(req)
	if !ok {
		return
	}
	m.write(conn, writeMu, map[string]any{
		"name":       name,
		"msg":        payload,
		"request_id": frame.RequestID,
	})
}

func (m *MockFeedServer) write(conn *websocket.Conn, writeMu *sync.Mutex, v any) {
	writeMu.Lock()
	defer writeMu.Unlock()
	conn.WriteJSON(v)
}

func (m *MockFeedServer) broadcast(v any) error {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for conn, mu := range m.clients {
		mu.Lock()
		err := conn.WriteJSON(v)
		mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
