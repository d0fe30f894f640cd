package relay

import (
	"bytes"
	"sync"
)

// Sink consumes a streaming response in sequence order. Callbacks fire from
// the dispatcher with the client's internal state held, so implementations
// must be fast and must not call back into the client. Completion and
// failure are reported by the return value of the call that accepted the
// sink, not through the sink itself.
type Sink interface {
	// OnBegin delivers the upstream status and headers, once, before any
	// chunk or line.
	OnBegin(status int, headers map[string]string)
	// OnChunk delivers one byte chunk (chunk-mode streams).
	OnChunk(p []byte)
	// OnLine delivers one text record (line-mode streams).
	OnLine(line string)
}

// Collector is a Sink that buffers everything it receives. It backs the
// non-streaming consumers of the streaming machinery (chunked uploads,
// binary fetches).
type Collector struct {
	mu      sync.Mutex
	status  int
	headers map[string]string
	buf     bytes.Buffer
	lines   []string
}

func (c *Collector) OnBegin(status int, headers map[string]string) {
	c.mu.Lock()
	c.status = status
	c.headers = headers
	c.mu.Unlock()
}

func (c *Collector) OnChunk(p []byte) {
	c.mu.Lock()
	c.buf.Write(p)
	c.mu.Unlock()
}

func (c *Collector) OnLine(line string) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
}

// Status returns the upstream status delivered by OnBegin.
func (c *Collector) Status() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Headers returns the upstream headers delivered by OnBegin.
func (c *Collector) Headers() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers
}

// Bytes returns the in-order concatenation of all delivered chunks.
func (c *Collector) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

// Lines returns all delivered text records in order.
func (c *Collector) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}
