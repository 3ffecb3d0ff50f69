package bridge

import (
	"sync"
	"time"
)

// callResult carries a peer's answer (or rejection) to a pending
// call.
type callResult struct {
	result []byte
	err    error
}

// pendingTable tracks in-flight remote calls keyed by correlation
// id. Removal is idempotent: whichever of result delivery, timeout,
// or disconnect wins takes the entry, and later attempts are no-ops.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

type pendingCall struct {
	ch        chan callResult
	createdAt time.Time
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

// add registers a new pending call and returns its result channel.
func (p *pendingTable) add(id string) <-chan callResult {
	call := &pendingCall{
		ch:        make(chan callResult, 1),
		createdAt: time.Now(),
	}
	p.mu.Lock()
	p.calls[id] = call
	p.mu.Unlock()
	return call.ch
}

// settle removes the entry for id and delivers res to its waiter.
// Returns false if the entry was already taken (late result, or
// timed out), in which case res is dropped.
func (p *pendingTable) settle(id string, res callResult) bool {
	p.mu.Lock()
	call, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	call.ch <- res
	return true
}

// remove drops the entry for id without delivering anything. Used by
// the timeout path, which already has its answer.
func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

// rejectAll settles every pending call with err and empties the
// table. Used when the peer disconnects.
func (p *pendingTable) rejectAll(err error) int {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*pendingCall)
	p.mu.Unlock()
	for _, call := range calls {
		call.ch <- callResult{err: err}
	}
	return len(calls)
}

// size reports the number of in-flight calls.
func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
