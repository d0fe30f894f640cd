package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RequestDescriptor describes one logical HTTP call to be executed on the
// far side of the relay. It is immutable once sent; resends carry the same
// descriptor bytes.
type RequestDescriptor struct {
	// URL is the absolute target. Path may be used instead when the relay
	// is configured with a base endpoint.
	URL     string            `json:"url,omitempty"`
	Path    string            `json:"path,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// Body is an optional structured JSON body.
	Body json.RawMessage `json:"body,omitempty"`
	// TimeoutMS is the caller-declared deadline in milliseconds.
	TimeoutMS int `json:"timeout,omitempty"`
	// Stream selects plain ("") vs chunked ("chunks") vs line-oriented
	// ("lines") response handling.
	Stream string `json:"stream,omitempty"`
}

// Target returns the effective target of the descriptor (URL wins over Path).
func (r *RequestDescriptor) Target() string {
	if r.URL != "" {
		return r.URL
	}
	return r.Path
}

// EffectiveMethod returns the HTTP method, defaulting to GET.
func (r *RequestDescriptor) EffectiveMethod() string {
	if r.Method == "" {
		return "GET"
	}
	return strings.ToUpper(r.Method)
}

// Timeout converts the declared timeout to a duration, with fallback.
func (r *RequestDescriptor) Timeout(fallback time.Duration) time.Duration {
	if r.TimeoutMS <= 0 {
		return fallback
	}
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// Validate checks the fields that the relay cannot work without.
func (r *RequestDescriptor) Validate() error {
	if r == nil {
		return fmt.Errorf("nil request descriptor")
	}
	if r.URL == "" && r.Path == "" {
		return fmt.Errorf("request descriptor: no url or path")
	}
	switch r.Stream {
	case StreamNone, StreamChunks, StreamLines:
	default:
		return fmt.Errorf("request descriptor: unknown stream mode %q", r.Stream)
	}
	return nil
}
