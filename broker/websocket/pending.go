package websocket

import (
	"encoding/json"
	"sync"
)

// callResult is what a waiting Call receives: the reply payload or the error
// that ended the wait.
type callResult struct {
	payload json.RawMessage
	err     error
}

// pendingCalls tracks in-flight requests by request id. Each waiter channel is
// buffered so completion never blocks the dispatcher.
type pendingCalls struct {
	mu      sync.Mutex
	waiters map[string]chan callResult
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{waiters: make(map[string]chan callResult)}
}

// register creates a waiter for id. A previous waiter under the same id is
// replaced; its caller will time out on its own.
func (p *pendingCalls) register(id string) <-chan callResult {
	ch := make(chan callResult, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

// deregister drops the waiter for id, if still present.
func (p *pendingCalls) deregister(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// complete delivers a reply payload to the waiter for id. Returns false when
// no waiter is registered (late or unsolicited reply).
func (p *pendingCalls) complete(id string, payload json.RawMessage) bool {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- callResult{payload: payload}
	return true
}

// failAll ends every in-flight call with err. Called when the connection
// drops so no caller silently waits across a reconnect.
func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[string]chan callResult)
	p.mu.Unlock()
	for _, ch := range waiters {
		ch <- callResult{err: err}
	}
}
