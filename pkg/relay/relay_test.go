package relay

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robit-man/hydra-sub001/pkg/bus"
	"github.com/robit-man/hydra-sub001/pkg/protocol"
)

// testBus records outbound envelopes and lets a test inject inbound ones.
type testBus struct {
	mu        sync.Mutex
	sent      []*protocol.Envelope
	h         bus.Handler
	sendErr   error // when set, every Send fails with it
	failFirst int   // fail this many Sends with ErrNotConnected, then succeed
}

func newTestBus() *testBus { return &testBus{} }

func (b *testBus) Send(_ context.Context, _ bus.Address, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	if b.failFirst > 0 {
		b.failFirst--
		return bus.ErrNotConnected
	}
	env, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	b.sent = append(b.sent, env)
	return nil
}

func (b *testBus) Handle(h bus.Handler) { b.mu.Lock(); b.h = h; b.mu.Unlock() }
func (b *testBus) MaxPayload() int      { return 64 * 1024 }
func (b *testBus) Close() error         { return nil }

// inject delivers an envelope to the client as if it came from the relay.
func (b *testBus) inject(t *testing.T, env *protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode inbound: %v", err)
	}
	b.mu.Lock()
	h := b.h
	b.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler registered")
	}
	h("relay-1", data)
}

// waitSent polls until the bus has recorded n envelopes and returns them.
func (b *testBus) waitSent(t *testing.T, n int) []*protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		if len(b.sent) >= n {
			out := append([]*protocol.Envelope(nil), b.sent...)
			b.mu.Unlock()
			return out
		}
		b.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("bus never saw %d envelopes", n)
	return nil
}

// lastOf returns the most recent sent envelope with the given event name.
func (b *testBus) lastOf(event string) *protocol.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.sent) - 1; i >= 0; i-- {
		if b.sent[i].Event == event {
			return b.sent[i]
		}
	}
	return nil
}

// recSink records delivery order.
type recSink struct {
	mu     sync.Mutex
	status int
	order  []string
}

func (r *recSink) OnBegin(status int, _ map[string]string) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

func (r *recSink) OnChunk(p []byte) {
	r.mu.Lock()
	r.order = append(r.order, "c:"+string(p))
	r.mu.Unlock()
}

func (r *recSink) OnLine(line string) {
	r.mu.Lock()
	r.order = append(r.order, "l:"+line)
	r.mu.Unlock()
}

func (r *recSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func chunkEnv(id string, seq int, payload string) *protocol.Envelope {
	return &protocol.Envelope{Event: protocol.EventResponseChunk, ID: id, Seq: seq, B64: b64(payload)}
}

func beginEnv(id string, status int) *protocol.Envelope {
	return &protocol.Envelope{Event: protocol.EventResponseBegin, ID: id, OK: protocol.BoolPtr(status < 400), Status: status}
}

func endEnv(id string) *protocol.Envelope {
	return &protocol.Envelope{Event: protocol.EventResponseEnd, ID: id}
}

func newTestClient(b *testBus, mock *clock.Mock) *Client {
	opts := Options{RelayAddr: "relay-1", SendBackoff: time.Millisecond, Linger: 15 * time.Millisecond}
	if mock != nil {
		opts.Clock = mock
	}
	return New(b, opts)
}
