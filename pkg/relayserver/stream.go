package relayserver

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/robit-man/hydra-sub001/pkg/bus"
	"github.com/robit-man/hydra-sub001/pkg/protocol"
)

func encodeB64(p []byte) string { return base64.StdEncoding.EncodeToString(p) }

// cachedUnit is one re-sendable response unit, CBOR-encoded into the
// session store so a missing-chunk notice can be served after the stream
// goroutine is long gone.
type cachedUnit struct {
	B64  string         `cbor:"b,omitempty"`
	Line *protocol.Line `cbor:"l,omitempty"`
}

func (s *Server) cacheKey(id string, seq int) string {
	return "resp:" + id + ":" + strconv.Itoa(seq)
}

func (s *Server) cacheUnit(id string, seq int, u cachedUnit) {
	data, err := s.state.Marshal(u)
	if err != nil {
		s.log.Error("encode cache unit", zap.String("id", id), zap.Error(err))
		return
	}
	s.store.Set(s.cacheKey(id, seq), data, s.opts.SessionTTL)
}

// streamResponse executes a streaming call and ships the body as numbered
// units: begin, then chunk or lines envelopes with seq starting at 1, then
// end carrying the final count. Every unit is cached for resend.
func (s *Server) streamResponse(ctx context.Context, from bus.Address, id string, desc *protocol.RequestDescriptor) {
	resp, err := s.doHTTP(ctx, desc, nil, "")
	if err != nil {
		s.log.Debug("upstream stream failed", zap.String("id", id), zap.Error(err))
		s.pushControl(from, id, &protocol.Envelope{
			Event: protocol.EventResponseBegin, ID: id,
			OK: protocol.BoolPtr(false), Status: 502, Error: "upstream: " + err.Error(),
		})
		return
	}
	defer resp.Body.Close()

	s.pushControl(from, id, &protocol.Envelope{
		Event: protocol.EventResponseBegin, ID: id,
		OK: protocol.BoolPtr(true), Status: resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
	})
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// the peer tears the session down on a failed begin
		return
	}

	var total int
	if desc.Stream == protocol.StreamLines {
		total = s.streamBodyLines(from, id, resp.Body)
	} else {
		total = s.streamBodyChunks(from, id, resp.Body)
	}
	s.pushControl(from, id, &protocol.Envelope{
		Event: protocol.EventResponseEnd, ID: id, Total: total,
	})
}

// streamBodyChunks splits the body into base64 units sized to fit one bus
// message. Returns the count of emitted chunks.
func (s *Server) streamBodyChunks(from bus.Address, id string, body io.Reader) int {
	rawPer := s.opts.ChunkBytes / 4 * 3 // raw bytes that encode to ChunkBytes
	buf := make([]byte, rawPer)
	seq := 0
	for {
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			seq++
			b64 := encodeB64(buf[:n])
			s.cacheUnit(id, seq, cachedUnit{B64: b64})
			s.pushBulk(from, id, &protocol.Envelope{
				Event: protocol.EventResponseChunk, ID: id, Seq: seq, B64: b64,
			})
		}
		if err != nil {
			return seq
		}
	}
}

// streamBodyLines batches newline-delimited records; each record keeps its
// own sequence number so batches can be split or resent singly.
func (s *Server) streamBodyLines(from bus.Address, id string, body io.Reader) int {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	seq := 0
	batch := make([]protocol.Line, 0, s.opts.LineBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.pushBulk(from, id, &protocol.Envelope{
			Event: protocol.EventResponseLines, ID: id,
			Lines: append([]protocol.Line(nil), batch...),
		})
		batch = batch[:0]
	}
	for sc.Scan() {
		text := sc.Text()
		if text == "" {
			continue
		}
		seq++
		ln := protocol.Line{Line: text, Seq: seq, TS: time.Now().UnixMilli()}
		s.cacheUnit(id, seq, cachedUnit{Line: &ln})
		batch = append(batch, ln)
		if len(batch) >= s.opts.LineBatch {
			flush()
		}
	}
	flush()
	return seq
}

// resendCached re-serves the exact units a peer reported missing. Units
// that aged out of the cache are ignored; the peer's retry budget decides
// when to give up.
func (s *Server) resendCached(from bus.Address, env *protocol.Envelope) {
	id := env.UploadID
	if id == "" {
		id = env.ID
	}
	for _, seq := range env.Missing {
		if seq <= 0 {
			continue
		}
		data, ok := s.store.Get(s.cacheKey(id, seq))
		if !ok {
			continue
		}
		var u cachedUnit
		if err := s.state.Unmarshal(data, &u); err != nil {
			s.log.Error("decode cache unit", zap.String("id", id), zap.Int("seq", seq), zap.Error(err))
			continue
		}
		switch {
		case u.Line != nil:
			s.pushBulk(from, id, &protocol.Envelope{
				Event: protocol.EventResponseLines, ID: id, Lines: []protocol.Line{*u.Line},
			})
		case u.B64 != "":
			s.pushBulk(from, id, &protocol.Envelope{
				Event: protocol.EventResponseChunk, ID: id, Seq: seq, B64: u.B64,
			})
		}
	}
}
