package relay

import (
	"context"
	"encoding/base64"
	"sort"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/robit-man/hydra-sub001/pkg/protocol"
)

// streamUnit is one reassembly unit: a byte chunk or a text line.
type streamUnit struct {
	bytes  []byte
	line   string
	isLine bool
}

// streamSession reassembles one streaming response. The cursor (expected)
// only advances when the unit with exactly that sequence number has
// arrived; higher-numbered units are stashed, never discarded, until the
// gap fills or the session is torn down. Sequence numbers start at 1 on
// the relay side.
type streamSession struct {
	id   string
	sink Sink

	expected int
	seen     map[int]struct{}
	stash    map[int]streamUnit
	highest  int

	began  bool
	status int

	ended  bool
	rounds int // missing-resend rounds already issued

	// units delivered before relay.response.begin arrived (the bus can
	// reorder begin behind the first chunk); flushed once begin shows up
	held []streamUnit

	linger   *clock.Timer
	deadline *clock.Timer

	done chan error
}

func (t *tables) addStream(id string, sink Sink) *streamSession {
	s := &streamSession{
		id:       id,
		sink:     sink,
		expected: 1,
		seen:     make(map[int]struct{}),
		stash:    make(map[int]streamUnit),
		done:     make(chan error, 1),
	}
	t.mu.Lock()
	t.streams[id] = s
	t.mu.Unlock()
	return s
}

// Stream performs one streaming request through the relay, feeding the
// sink in strict sequence order. It returns when the stream finalizes,
// fails, or the context is canceled.
func (c *Client) Stream(ctx context.Context, desc *protocol.RequestDescriptor, sink Sink) error {
	if err := desc.Validate(); err != nil {
		return protocolErr(0, err.Error())
	}
	d := *desc
	if d.Stream == protocol.StreamNone {
		d.Stream = protocol.StreamChunks
	}

	id := c.newID()
	s := c.tables.addStream(id, sink)
	s.deadline = c.clk.AfterFunc(d.Timeout(c.opts.DefaultTimeout), func() { c.streamExpired(id) })

	if err := c.send(ctx, protocol.Request(id, &d)); err != nil {
		c.removeStream(id)
		return err
	}
	return c.awaitStream(ctx, id, s)
}

func (c *Client) awaitStream(ctx context.Context, id string, s *streamSession) error {
	select {
	case <-ctx.Done():
		c.removeStream(id)
		return timeoutErr("stream canceled: " + ctx.Err().Error())
	case err := <-s.done:
		return err
	}
}

// removeStream tears a session down so no further inbound message can
// touch released state. Owner-side paths (cancel, send failure).
func (c *Client) removeStream(id string) {
	c.tables.mu.Lock()
	defer c.tables.mu.Unlock()
	s, ok := c.tables.streams[id]
	if !ok {
		return
	}
	delete(c.tables.streams, id)
	s.stopTimersLocked()
}

func (s *streamSession) stopTimersLocked() {
	if s.deadline != nil {
		s.deadline.Stop()
	}
	if s.linger != nil {
		s.linger.Stop()
	}
}

// finishLocked removes the session and signals its owner exactly once.
// Callers hold the table mutex.
func (c *Client) finishLocked(s *streamSession, err error) {
	delete(c.tables.streams, s.id)
	s.stopTimersLocked()
	if err == nil && len(s.held) > 0 {
		// begin never arrived but data did; hand it over rather than drop it
		for _, u := range s.held {
			s.deliverNow(u)
		}
		s.held = nil
	}
	s.done <- err
}

func (c *Client) streamExpired(id string) {
	c.tables.mu.Lock()
	defer c.tables.mu.Unlock()
	if s, ok := c.tables.streams[id]; ok {
		c.finishLocked(s, timeoutErr("stream deadline elapsed"))
	}
}

func (c *Client) streamBegin(env *protocol.Envelope) {
	c.tables.mu.Lock()
	defer c.tables.mu.Unlock()
	s, ok := c.tables.streams[env.ID]
	if !ok || s.began {
		return // unknown id or duplicate begin
	}
	if !env.Succeeded() || env.Status < 200 || env.Status >= 300 {
		msg := env.Error
		if msg == "" { msg = "upstream returned failure status" }
		c.finishLocked(s, protocolErr(env.Status, msg))
		return
	}
	s.began = true
	s.status = env.Status
	s.sink.OnBegin(env.Status, env.Headers)
	for _, u := range s.held {
		s.deliverNow(u)
	}
	s.held = nil
}

func (c *Client) streamChunk(env *protocol.Envelope) {
	b, err := base64.StdEncoding.DecodeString(env.B64)
	if err != nil {
		c.log.Debug("dropping chunk with bad base64", zap.String("id", env.ID))
		return
	}
	c.tables.mu.Lock()
	defer c.tables.mu.Unlock()
	s, ok := c.tables.streams[env.ID]
	if !ok {
		return
	}
	c.admitLocked(s, env.Seq, streamUnit{bytes: b})
}

func (c *Client) streamLines(env *protocol.Envelope) {
	c.tables.mu.Lock()
	defer c.tables.mu.Unlock()
	s, ok := c.tables.streams[env.ID]
	if !ok {
		return
	}
	for _, ln := range env.Lines {
		c.admitLocked(s, ln.Seq, streamUnit{line: ln.Line, isLine: true})
	}
}

// admitLocked runs the reorder algorithm for one unit. Duplicates (already
// seen) are dropped; units below the cursor count as duplicates too;
// the unit at the cursor is delivered and the stash flushed
// contiguously; anything higher waits in the stash.
func (c *Client) admitLocked(s *streamSession, seq int, u streamUnit) {
	if seq < 1 {
		return
	}
	if _, dup := s.seen[seq]; dup {
		return
	}
	s.seen[seq] = struct{}{}
	if seq > s.highest {
		s.highest = seq
	}
	switch {
	case seq < s.expected:
		return
	case seq == s.expected:
		s.deliver(u)
		s.expected++
		for {
			next, ok := s.stash[s.expected]
			if !ok {
				break
			}
			delete(s.stash, s.expected)
			s.deliver(next)
			s.expected++
		}
	default:
		s.stash[seq] = u
	}
	if s.ended && s.expected > s.highest {
		// a straggler completed the set during linger
		c.finishLocked(s, nil)
	}
}

func (s *streamSession) deliver(u streamUnit) {
	if !s.began {
		s.held = append(s.held, u)
		return
	}
	s.deliverNow(u)
}

func (s *streamSession) deliverNow(u streamUnit) {
	if u.isLine {
		s.sink.OnLine(u.line)
	} else {
		s.sink.OnChunk(u.bytes)
	}
}

func (c *Client) streamEnd(env *protocol.Envelope) {
	c.tables.mu.Lock()
	defer c.tables.mu.Unlock()
	s, ok := c.tables.streams[env.ID]
	if !ok || s.ended {
		return
	}
	s.ended = true
	if env.Total > s.highest {
		// the announced count outranks what we saw: a lost tail chunk must
		// register as a gap, not as completion
		s.highest = env.Total
	}
	if env.Total > 0 && s.expected > s.highest {
		// the count is authoritative and everything arrived
		c.finishLocked(s, nil)
		return
	}
	// linger before deciding. An end carrying no count that overtook the
	// tail chunk is indistinguishable from completion, so the session stays
	// open for stragglers; when gaps are known the linger admits in-flight
	// chunks before the first resend round.
	s.linger = c.clk.AfterFunc(c.opts.Linger, func() { c.lingerExpired(s.id) })
}

// lingerExpired recomputes the missing set after the linger (or one resend
// round) and either requests exactly those sequence numbers again or, once
// the retry budget is spent, finalizes with whatever arrived. Partial data
// beats no data here; exhaustion is not an error.
func (c *Client) lingerExpired(id string) {
	c.tables.mu.Lock()
	s, ok := c.tables.streams[id]
	if !ok {
		c.tables.mu.Unlock()
		return
	}
	missing := s.missingLocked()
	if len(missing) == 0 {
		c.finishLocked(s, nil)
		c.tables.mu.Unlock()
		return
	}
	if s.rounds >= c.opts.MissingRetries {
		c.log.Warn("finalizing stream with gaps",
			zap.String("id", id), zap.Ints("missing", missing))
		s.flushStashLocked()
		c.finishLocked(s, nil)
		c.tables.mu.Unlock()
		return
	}
	s.rounds++
	s.linger = c.clk.AfterFunc(c.opts.MissingInterval, func() { c.lingerExpired(id) })
	c.tables.mu.Unlock()

	notice := &protocol.Envelope{Event: protocol.EventUploadMissing, ID: id, UploadID: id, Missing: missing}
	go func() {
		if err := c.send(context.Background(), notice); err != nil {
			c.log.Debug("missing notice send failed", zap.String("id", id))
		}
	}()
}

// missingLocked returns the sequence numbers up to the highest known
// (seen or announced) that never arrived.
func (s *streamSession) missingLocked() []int {
	var out []int
	for n := 1; n <= s.highest; n++ {
		if _, ok := s.seen[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// flushStashLocked delivers the stranded stash in ascending order when a
// gap could not be repaired, so trailing data is not silently lost.
func (s *streamSession) flushStashLocked() {
	keys := make([]int, 0, len(s.stash))
	for k := range s.stash {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		s.deliver(s.stash[k])
		delete(s.stash, k)
	}
}
