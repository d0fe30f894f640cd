package relay

import (
	"context"
	"encoding/base64"

	"go.uber.org/zap"

	"github.com/robit-man/hydra-sub001/pkg/protocol"
)

// uploadSession retains every chunk of an outbound large payload so that
// chunks the relay reports missing can be resent without recomputation.
// It lives until the correlated response stream completes or times out.
type uploadSession struct {
	id    string
	desc  *protocol.RequestDescriptor
	parts []string // base64 chunk payloads, index 0 is sequence 1
	total int
}

func (t *tables) addUpload(us *uploadSession) {
	t.mu.Lock()
	t.uploads[us.id] = us
	t.mu.Unlock()
}

func (t *tables) dropUpload(id string) {
	t.mu.Lock()
	delete(t.uploads, id)
	t.mu.Unlock()
}

// splitBase64 slices an encoded body at boundaries that are multiples of 4
// base64 characters, so every chunk decodes on its own.
func splitBase64(b64 string, budget int) []string {
	budget -= budget % 4
	if budget < 4 { budget = 4 }
	if b64 == "" {
		return []string{""}
	}
	var parts []string
	for len(b64) > 0 {
		n := budget
		if n > len(b64) {
			n = len(b64)
		}
		parts = append(parts, b64[:n])
		b64 = b64[n:]
	}
	return parts
}

// Upload transmits a body too large for a single envelope as a numbered
// chunk sequence, then waits for the relay to execute the reassembled
// request and stream the result back under the same id.
func (c *Client) Upload(ctx context.Context, desc *protocol.RequestDescriptor, body []byte, contentType string) (*Response, error) {
	if err := desc.Validate(); err != nil {
		return nil, protocolErr(0, err.Error())
	}
	if contentType == "" {
		contentType = protocol.ContentJSON
	}

	b64 := base64.StdEncoding.EncodeToString(body)
	parts := splitBase64(b64, c.opts.ChunkBytes)

	id := c.newID()
	us := &uploadSession{id: id, desc: desc, parts: parts, total: len(parts)}
	c.tables.addUpload(us)
	defer c.tables.dropUpload(id)

	col := &Collector{}
	s := c.tables.addStream(id, col)
	s.deadline = c.clk.AfterFunc(desc.Timeout(c.opts.DefaultTimeout), func() { c.streamExpired(id) })

	if err := c.sendUpload(ctx, us, contentType); err != nil {
		c.removeStream(id)
		return nil, err
	}
	if err := c.awaitStream(ctx, id, s); err != nil {
		return nil, err
	}
	return &Response{Status: col.Status(), Headers: col.Headers(), Body: col.Bytes()}, nil
}

func (c *Client) sendUpload(ctx context.Context, us *uploadSession, contentType string) error {
	begin := &protocol.Envelope{
		Event:       protocol.EventUploadBegin,
		ID:          us.id,
		UploadID:    us.id,
		Req:         us.desc,
		TotalChunks: us.total,
		ContentType: contentType,
	}
	// begin goes out more than once, a few milliseconds apart, purely as
	// redundancy against losing the first transmission
	for i := 0; i < c.opts.UploadBeginRepeat; i++ {
		if i > 0 {
			t := c.clk.Timer(c.opts.UploadBeginGap)
			select {
			case <-ctx.Done():
				t.Stop()
				return connectivityErr("upload canceled", ctx.Err())
			case <-t.C:
			}
		}
		if err := c.send(ctx, begin); err != nil {
			return err
		}
	}
	for i := range us.parts {
		if err := c.send(ctx, c.chunkEnvelope(us, i+1)); err != nil {
			return err
		}
	}
	end := &protocol.Envelope{Event: protocol.EventUploadEnd, ID: us.id, UploadID: us.id, Total: us.total}
	return c.send(ctx, end)
}

// chunkEnvelope builds the envelope for one chunk. Sequence 1 re-embeds
// the descriptor as a recovery anchor in case every begin was lost.
func (c *Client) chunkEnvelope(us *uploadSession, seq int) *protocol.Envelope {
	env := &protocol.Envelope{
		Event:    protocol.EventUploadChunk,
		ID:       us.id,
		UploadID: us.id,
		Seq:      seq,
		Total:    us.total,
		B64:      us.parts[seq-1],
	}
	if seq == 1 {
		env.Req = us.desc
	}
	return env
}

// resendMissing answers an http.upload.missing notice from the relay by
// retransmitting exactly the listed chunks from the session cache.
func (c *Client) resendMissing(env *protocol.Envelope) {
	c.tables.mu.Lock()
	us, ok := c.tables.uploads[env.ID]
	c.tables.mu.Unlock()
	if !ok {
		return // completed or never ours; expected for late notices
	}
	missing := make([]int, 0, len(env.Missing))
	for _, seq := range env.Missing {
		if seq >= 1 && seq <= us.total {
			missing = append(missing, seq)
		}
	}
	if len(missing) == 0 {
		return
	}
	c.log.Debug("resending upload chunks",
		zap.String("id", us.id), zap.Ints("missing", missing))
	go func() {
		for _, seq := range missing {
			if err := c.send(context.Background(), c.chunkEnvelope(us, seq)); err != nil {
				c.log.Debug("chunk resend failed", zap.String("id", us.id), zap.Int("seq", seq))
				return
			}
		}
	}()
}
