package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/robit-man/hydra-sub001/pkg/protocol"
)

func TestSplitBase64Boundaries(t *testing.T) {
	body := bytes.Repeat([]byte{0xAB, 0xCD, 0xEF}, 1000) // 3000 bytes -> 4000 b64 chars
	b64 := base64.StdEncoding.EncodeToString(body)
	parts := splitBase64(b64, 1022) // deliberately not a multiple of 4

	var joined string
	for i, p := range parts {
		if i < len(parts)-1 && len(p)%4 != 0 {
			t.Fatalf("part %d length %d not a multiple of 4", i, len(p))
		}
		// every part must decode on its own
		if _, err := base64.StdEncoding.DecodeString(p); err != nil {
			t.Fatalf("part %d does not decode independently: %v", i, err)
		}
		joined += p
	}
	back, err := base64.StdEncoding.DecodeString(joined)
	if err != nil || !bytes.Equal(back, body) {
		t.Fatalf("joined parts do not reconstruct the body")
	}
}

func TestUploadSendsBeginTwiceAndAnchorsChunkOne(t *testing.T) {
	tb := newTestBus()
	c := New(tb, Options{
		RelayAddr:   "relay-1",
		SendBackoff: time.Millisecond,
		Linger:      15 * time.Millisecond,
		ChunkBytes:  8, // force several chunks
	})

	body := []byte("0123456789abcdef") // b64 length 24 -> 3 chunks of 8
	done := make(chan error, 1)
	var resp *Response
	go func() {
		var err error
		resp, err = c.Upload(context.Background(), &protocol.RequestDescriptor{URL: "http://svc/big", Method: "POST"}, body, protocol.ContentBytes)
		done <- err
	}()

	// 2 begins + 3 chunks + 1 end
	sent := tb.waitSent(t, 6)
	var begins, chunks []*protocol.Envelope
	var end *protocol.Envelope
	for _, e := range sent {
		switch e.Event {
		case protocol.EventUploadBegin:
			begins = append(begins, e)
		case protocol.EventUploadChunk:
			chunks = append(chunks, e)
		case protocol.EventUploadEnd:
			end = e
		}
	}
	if len(begins) != 2 {
		t.Fatalf("begin sent %d times, want 2", len(begins))
	}
	if begins[0].TotalChunks != 3 || begins[0].Req == nil {
		t.Fatalf("begin envelope incomplete: %#v", begins[0])
	}
	if len(chunks) != 3 {
		t.Fatalf("chunk count %d, want 3", len(chunks))
	}
	if chunks[0].Seq != 1 || chunks[0].Req == nil {
		t.Fatalf("chunk 1 must re-embed the descriptor")
	}
	if chunks[1].Req != nil || chunks[2].Req != nil {
		t.Fatalf("only chunk 1 carries the descriptor")
	}
	if end == nil || end.Total != 3 {
		t.Fatalf("bad end envelope: %#v", end)
	}

	// client reconstruction check: the three parts decode back to the body
	var joined string
	for _, ch := range chunks {
		joined += ch.B64
	}
	back, err := base64.StdEncoding.DecodeString(joined)
	if err != nil || !bytes.Equal(back, body) {
		t.Fatalf("chunks do not reconstruct the body")
	}

	// relay streams the response back under the same id
	id := begins[0].ID
	tb.inject(t, beginEnv(id, 200))
	tb.inject(t, chunkEnv(id, 1, `{"stored":true}`))
	tb.inject(t, endEnv(id))

	if err := <-done; err != nil {
		t.Fatalf("upload: %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != `{"stored":true}` {
		t.Fatalf("upload response mismatch: %#v", resp)
	}
}

func TestUploadResendsExactlyMissingChunks(t *testing.T) {
	tb := newTestBus()
	c := New(tb, Options{RelayAddr: "relay-1", SendBackoff: time.Millisecond, Linger: 15 * time.Millisecond, ChunkBytes: 8})

	body := []byte("0123456789abcdef")
	done := make(chan error, 1)
	go func() {
		_, err := c.Upload(context.Background(), &protocol.RequestDescriptor{URL: "http://svc/big", Method: "POST"}, body, protocol.ContentBytes)
		done <- err
	}()
	sent := tb.waitSent(t, 6)
	id := sent[0].ID

	before := len(tb.waitSent(t, 6))
	tb.inject(t, &protocol.Envelope{Event: protocol.EventUploadMissing, ID: id, UploadID: id, Missing: []int{1, 3}})

	resent := tb.waitSent(t, before+2)[before:]
	if len(resent) != 2 {
		t.Fatalf("resent %d envelopes, want 2", len(resent))
	}
	if resent[0].Seq != 1 || resent[0].Req == nil {
		t.Fatalf("resent chunk 1 must re-embed the descriptor: %#v", resent[0])
	}
	if resent[1].Seq != 3 || resent[1].Req != nil {
		t.Fatalf("resent chunk 3 mismatch: %#v", resent[1])
	}

	tb.inject(t, beginEnv(id, 200))
	tb.inject(t, chunkEnv(id, 1, "ok"))
	tb.inject(t, endEnv(id))
	if err := <-done; err != nil {
		t.Fatalf("upload: %v", err)
	}

	// after completion the cache is gone; notices hit nothing
	tb.inject(t, &protocol.Envelope{Event: protocol.EventUploadMissing, ID: id, UploadID: id, Missing: []int{2}})
}
