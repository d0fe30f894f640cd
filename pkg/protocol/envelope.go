package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the single JSON message unit exchanged with a relay peer.
// Exactly which fields are populated depends on Event; absent fields are
// omitted on the wire. No ordering or exactly-once delivery is assumed
// for envelopes themselves.
type Envelope struct {
	Event string `json:"event"`
	ID    string `json:"id"`

	// http.request / http.upload.begin; also re-embedded on upload chunk 1
	// as a recovery anchor in case both begin transmissions were lost.
	Req *RequestDescriptor `json:"req,omitempty"`

	// relay.response / relay.response.begin
	OK      *bool             `json:"ok,omitempty"`
	Status  int               `json:"status,omitempty"`
	JSON    json.RawMessage   `json:"json,omitempty"`
	BodyB64 string            `json:"body_b64,omitempty"`
	Error   string            `json:"error,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// relay.response.chunk / http.upload.chunk
	Seq int    `json:"seq,omitempty"`
	B64 string `json:"b64,omitempty"`

	// relay.response.lines
	Lines []Line `json:"lines,omitempty"`

	// upload family
	UploadID    string `json:"upload_id,omitempty"`
	Total       int    `json:"total,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Missing     []int  `json:"missing,omitempty"`
}

// Line is one text record of a relay.response.lines envelope. Each line
// carries its own sequence number so a batch can be split across messages.
type Line struct {
	Line string `json:"line"`
	Seq  int    `json:"seq"`
	TS   int64  `json:"ts"`
}

// Succeeded reports the ok flag, treating absence as failure.
func (e *Envelope) Succeeded() bool { return e.OK != nil && *e.OK }

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Event == "" || e.ID == "" {
		return nil, fmt.Errorf("envelope: event and id are required")
	}
	return json.Marshal(e)
}

// Decode parses an envelope from wire bytes and validates the fields the
// dispatcher relies on. Anything that fails here is dropped by the caller.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	if !KnownEvent(e.Event) {
		return nil, fmt.Errorf("envelope: unknown event %q", e.Event)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("envelope: missing id")
	}
	return &e, nil
}

// BoolPtr is a small helper for populating the OK field.
func BoolPtr(v bool) *bool { return &v }

// Request builds an http.request envelope.
func Request(id string, req *RequestDescriptor) *Envelope {
	return &Envelope{Event: EventHTTPRequest, ID: id, Req: req}
}

// Health builds a relay.health probe envelope.
func Health(id string) *Envelope {
	return &Envelope{Event: EventHealth, ID: id}
}
