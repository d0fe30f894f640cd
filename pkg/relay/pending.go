package relay

import (
	"sync"

	"github.com/robit-man/hydra-sub001/pkg/protocol"
)

// tables holds the three correlation tables keyed by request id. One mutex
// guards them all; the invariant "one entry per id, removed before its
// owner is signaled" is what makes completion exactly-once.
type tables struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	streams map[string]*streamSession
	uploads map[string]*uploadSession
}

func (t *tables) init() {
	t.pending = make(map[string]*pendingCall)
	t.streams = make(map[string]*streamSession)
	t.uploads = make(map[string]*uploadSession)
}

type callResult struct {
	resp *Response
	err  error
}

// pendingCall correlates one non-streaming request with its eventual
// relay.response. done is buffered so the resolver never blocks.
type pendingCall struct {
	id   string
	done chan callResult
}

func (t *tables) addPending(id string) *pendingCall {
	pc := &pendingCall{id: id, done: make(chan callResult, 1)}
	t.mu.Lock()
	t.pending[id] = pc
	t.mu.Unlock()
	return pc
}

// dropPending removes the entry if it is still registered. A false return
// means a resolver got there first and a result is (or will be) on done.
func (t *tables) dropPending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

// resolvePending completes a pending call from a relay.response envelope.
// Unknown ids are ignored: duplicates and late responses land here.
func (c *Client) resolvePending(env *protocol.Envelope) {
	c.tables.mu.Lock()
	pc, ok := c.tables.pending[env.ID]
	if ok {
		delete(c.tables.pending, env.ID)
	}
	c.tables.mu.Unlock()
	if !ok {
		return
	}
	resp, err := responseFrom(env)
	pc.done <- callResult{resp: resp, err: err}
}
