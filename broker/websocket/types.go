package websocket

import (
	"encoding/json"
	"time"
)

// feedMessage is one inbound frame. Name is the type tag the dispatcher
// routes on; Msg stays raw until the handler for that tag decodes it.
type feedMessage struct {
	Name      string          `json:"name"`
	Msg       json.RawMessage `json:"msg"`
	RequestID string          `json:"request_id,omitempty"`
}

// requestBody is the inner envelope of an outbound request.
type requestBody struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Body    any    `json:"body"`
}

// outboundRequest is the outer envelope of every frame the client sends
// after authentication.
type outboundRequest struct {
	Name      string      `json:"name"`
	Msg       requestBody `json:"msg"`
	RequestID string      `json:"request_id"`
	LocalTime int64       `json:"local_time"`
}

// authRequest is the post-dial authentication frame.
type authRequest struct {
	Name string `json:"name"`
	Msg  string `json:"msg"`
}

// socketMessage carries one raw read from the socket to the processor
// goroutine. Data is copied out of the read buffer before queuing.
type socketMessage struct {
	MessageType int
	Data        []byte
	ReceivedAt  time.Time
}
