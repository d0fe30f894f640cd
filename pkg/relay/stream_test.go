package relay

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robit-man/hydra-sub001/pkg/protocol"
)

func startStream(t *testing.T, c *Client, tb *testBus, sink Sink, mode string) (id string, done chan error) {
	t.Helper()
	done = make(chan error, 1)
	go func() {
		done <- c.Stream(context.Background(), &protocol.RequestDescriptor{URL: "http://svc/stream", Stream: mode, TimeoutMS: 60_000}, sink)
	}()
	sent := tb.waitSent(t, 1)
	if sent[0].Event != protocol.EventHTTPRequest {
		t.Fatalf("want http.request, got %s", sent[0].Event)
	}
	return sent[0].ID, done
}

func TestStreamReordersChunks(t *testing.T) {
	tb := newTestBus()
	c := newTestClient(tb, nil)
	sink := &recSink{}
	id, done := startStream(t, c, tb, sink, protocol.StreamChunks)

	tb.inject(t, beginEnv(id, 200))
	tb.inject(t, chunkEnv(id, 2, "B"))
	tb.inject(t, chunkEnv(id, 1, "A"))
	tb.inject(t, chunkEnv(id, 3, "C"))
	tb.inject(t, endEnv(id))

	if err := <-done; err != nil {
		t.Fatalf("stream: %v", err)
	}
	want := []string{"c:A", "c:B", "c:C"}
	if got := sink.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("delivery order %v, want %v", got, want)
	}
	if sink.status != 200 {
		t.Fatalf("status %d", sink.status)
	}
}

func TestStreamDuplicateDeliveredOnce(t *testing.T) {
	tb := newTestBus()
	c := newTestClient(tb, nil)
	sink := &recSink{}
	id, done := startStream(t, c, tb, sink, protocol.StreamChunks)

	tb.inject(t, beginEnv(id, 200))
	tb.inject(t, chunkEnv(id, 1, "A"))
	tb.inject(t, chunkEnv(id, 1, "A"))
	tb.inject(t, chunkEnv(id, 2, "B"))
	tb.inject(t, chunkEnv(id, 2, "B"))
	tb.inject(t, endEnv(id))

	if err := <-done; err != nil {
		t.Fatalf("stream: %v", err)
	}
	want := []string{"c:A", "c:B"}
	if got := sink.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("delivery order %v, want %v", got, want)
	}
}

func TestStreamAllArrivalPermutations(t *testing.T) {
	perms := [][]int{
		{1, 2, 3}, {1, 3, 2}, {2, 1, 3}, {2, 3, 1}, {3, 1, 2}, {3, 2, 1},
	}
	payload := map[int]string{1: "alpha ", 2: "beta ", 3: "gamma"}
	for _, perm := range perms {
		tb := newTestBus()
		c := newTestClient(tb, nil)
		sink := &recSink{}
		id, done := startStream(t, c, tb, sink, protocol.StreamChunks)

		tb.inject(t, beginEnv(id, 200))
		for _, seq := range perm {
			tb.inject(t, chunkEnv(id, seq, payload[seq]))
		}
		tb.inject(t, endEnv(id))
		if err := <-done; err != nil {
			t.Fatalf("perm %v: %v", perm, err)
		}
		var b strings.Builder
		for _, ev := range sink.snapshot() {
			b.WriteString(strings.TrimPrefix(ev, "c:"))
		}
		if b.String() != "alpha beta gamma" {
			t.Fatalf("perm %v reassembled %q", perm, b.String())
		}
	}
}

func TestStreamLinesOrdered(t *testing.T) {
	tb := newTestBus()
	c := newTestClient(tb, nil)
	sink := &recSink{}
	id, done := startStream(t, c, tb, sink, protocol.StreamLines)

	tb.inject(t, beginEnv(id, 200))
	tb.inject(t, &protocol.Envelope{Event: protocol.EventResponseLines, ID: id, Lines: []protocol.Line{
		{Line: "two", Seq: 2, TS: 2},
	}})
	tb.inject(t, &protocol.Envelope{Event: protocol.EventResponseLines, ID: id, Lines: []protocol.Line{
		{Line: "one", Seq: 1, TS: 1},
		{Line: "three", Seq: 3, TS: 3},
	}})
	tb.inject(t, endEnv(id))

	if err := <-done; err != nil {
		t.Fatalf("stream: %v", err)
	}
	want := []string{"l:one", "l:two", "l:three"}
	if got := sink.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("delivery order %v, want %v", got, want)
	}
}

func TestStreamBeginAfterFirstChunk(t *testing.T) {
	tb := newTestBus()
	c := newTestClient(tb, nil)
	sink := &recSink{}
	id, done := startStream(t, c, tb, sink, protocol.StreamChunks)

	// the bus reordered begin behind the first chunk
	tb.inject(t, chunkEnv(id, 1, "A"))
	tb.inject(t, beginEnv(id, 200))
	tb.inject(t, chunkEnv(id, 2, "B"))
	tb.inject(t, endEnv(id))

	if err := <-done; err != nil {
		t.Fatalf("stream: %v", err)
	}
	want := []string{"c:A", "c:B"}
	if got := sink.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("delivery order %v, want %v", got, want)
	}
}

func TestStreamNon2xxBeginFails(t *testing.T) {
	tb := newTestBus()
	c := newTestClient(tb, nil)
	sink := &recSink{}
	id, done := startStream(t, c, tb, sink, protocol.StreamChunks)

	tb.inject(t, beginEnv(id, 503))
	err := <-done
	k, ok := KindOf(err)
	if !ok || k != KindProtocol {
		t.Fatalf("want protocol error, got %v", err)
	}
	// chunks after teardown must hit no state
	tb.inject(t, chunkEnv(id, 1, "A"))
	if len(sink.snapshot()) != 0 {
		t.Fatalf("sink received data after failure")
	}
}

func TestStreamEndOvertakesLastChunk(t *testing.T) {
	tb := newTestBus()
	mock := clock.NewMock()
	c := newTestClient(tb, mock)
	sink := &recSink{}
	id, done := startStream(t, c, tb, sink, protocol.StreamChunks)

	// the bus reordered end ahead of the final chunk; the end carries no
	// count, so only the linger window keeps the session open for it
	tb.inject(t, beginEnv(id, 200))
	tb.inject(t, chunkEnv(id, 1, "A"))
	tb.inject(t, endEnv(id))
	tb.inject(t, chunkEnv(id, 2, "B"))

	// the straggler completed the known set; no clock advance needed
	if err := <-done; err != nil {
		t.Fatalf("stream: %v", err)
	}
	want := []string{"c:A", "c:B"}
	if got := sink.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("delivery order %v, want %v", got, want)
	}
}

func TestStreamEndWithoutTotalFinalizesAfterLinger(t *testing.T) {
	tb := newTestBus()
	mock := clock.NewMock()
	c := newTestClient(tb, mock)
	sink := &recSink{}
	id, done := startStream(t, c, tb, sink, protocol.StreamChunks)

	tb.inject(t, beginEnv(id, 200))
	tb.inject(t, chunkEnv(id, 1, "A"))
	tb.inject(t, endEnv(id))

	// an end with no announced count must not finalize instantly
	select {
	case err := <-done:
		t.Fatalf("finalized before the linger window: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(c.opts.Linger)
	if err := <-done; err != nil {
		t.Fatalf("stream: %v", err)
	}
	want := []string{"c:A"}
	if got := sink.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("delivery order %v, want %v", got, want)
	}
}

func TestMissingChunkConvergence(t *testing.T) {
	tb := newTestBus()
	mock := clock.NewMock()
	c := newTestClient(tb, mock)
	sink := &recSink{}
	id, done := startStream(t, c, tb, sink, protocol.StreamChunks)

	tb.inject(t, beginEnv(id, 200))
	for _, seq := range []int{1, 2, 4, 5} {
		tb.inject(t, chunkEnv(id, seq, string(rune('0'+seq))))
	}
	tb.inject(t, endEnv(id))

	// linger elapses with seq 3 still absent: a resend notice must list
	// exactly that number
	mock.Add(c.opts.Linger)
	deadline := time.Now().Add(2 * time.Second)
	var notice *protocol.Envelope
	for time.Now().Before(deadline) {
		if notice = tb.lastOf(protocol.EventUploadMissing); notice != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if notice == nil {
		t.Fatalf("no missing notice sent")
	}
	if !reflect.DeepEqual(notice.Missing, []int{3}) {
		t.Fatalf("missing set %v, want [3]", notice.Missing)
	}

	tb.inject(t, chunkEnv(id, 3, "3"))
	if err := <-done; err != nil {
		t.Fatalf("stream: %v", err)
	}
	want := []string{"c:1", "c:2", "c:3", "c:4", "c:5"}
	if got := sink.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("delivery order %v, want %v", got, want)
	}
}

func TestMissingRetriesExhaustedFinalizesPartial(t *testing.T) {
	tb := newTestBus()
	mock := clock.NewMock()
	c := newTestClient(tb, mock)
	sink := &recSink{}
	id, done := startStream(t, c, tb, sink, protocol.StreamChunks)

	tb.inject(t, beginEnv(id, 200))
	tb.inject(t, chunkEnv(id, 1, "A"))
	tb.inject(t, chunkEnv(id, 2, "B"))
	tb.inject(t, chunkEnv(id, 4, "D"))
	tb.inject(t, endEnv(id))

	mock.Add(c.opts.Linger) // round 1
	time.Sleep(5 * time.Millisecond)
	mock.Add(c.opts.MissingInterval) // round 2
	time.Sleep(5 * time.Millisecond)
	mock.Add(c.opts.MissingInterval) // budget spent: finalize partial

	if err := <-done; err != nil {
		t.Fatalf("partial finalize must not fail: %v", err)
	}
	// the stranded stash is flushed so trailing data is not lost
	want := []string{"c:A", "c:B", "c:D"}
	if got := sink.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("delivery order %v, want %v", got, want)
	}
}

func TestStreamCancellationTearsDownSession(t *testing.T) {
	tb := newTestBus()
	c := newTestClient(tb, nil)
	sink := &recSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Stream(ctx, &protocol.RequestDescriptor{URL: "http://svc/stream", Stream: protocol.StreamChunks}, sink)
	}()
	sent := tb.waitSent(t, 1)
	cancel()
	if err := <-done; err == nil {
		t.Fatalf("expected cancellation error")
	}
	// inbound traffic after teardown must not reach the sink
	tb.inject(t, beginEnv(sent[0].ID, 200))
	tb.inject(t, chunkEnv(sent[0].ID, 1, "A"))
	if len(sink.snapshot()) != 0 {
		t.Fatalf("sink touched after cancellation")
	}
}
