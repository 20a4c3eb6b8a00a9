package websocket

import (
	"fmt"
	"sync/atomic"
	"time"
)

var requestSequence atomic.Uint64

// nextRequestID builds a readable, process-unique request id such as
// "get-balances-17". The broker only echoes it back, so uniqueness within the
// connection is all that matters.
func nextRequestID(op string) string {
	return fmt.Sprintf("%s-%d", op, requestSequence.Add(1))
}

// localTimeMillis is the client clock stamp sent with every request frame.
func localTimeMillis() int64 {
	return time.Now().UnixMilli()
}
