// Package transport is the public calling surface every node type goes
// through: it hides whether a request traveled directly over HTTP or was
// tunneled through a relay peer. Callers observe one async contract and a
// single error taxonomy regardless of path.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/robit-man/hydra-sub001/pkg/protocol"
	"github.com/robit-man/hydra-sub001/pkg/relay"
)

// Sink is the streaming consumer contract, shared by both paths.
type Sink = relay.Sink

// Result is the terminal value of a non-streaming call.
type Result struct {
	Status  int
	Headers map[string]string
	// JSON is set when the body parses as the declared application/json;
	// Body always holds the raw bytes.
	JSON json.RawMessage
	Body []byte
}

// DecodeJSON unmarshals the parsed body into v.
func (r *Result) DecodeJSON(v any) error {
	if r.JSON != nil {
		return json.Unmarshal(r.JSON, v)
	}
	return json.Unmarshal(r.Body, v)
}

// Options configures the facade.
type Options struct {
	// Relay is the tunnel client; nil means no relay is configured and
	// every call uses the direct path.
	Relay *relay.Client
	// ForceRelay makes relay failures propagate instead of falling back.
	// The per-call flag on each operation overrides it.
	ForceRelay bool
	// HTTPClient overrides the direct path's client (default: one with
	// sane transport defaults and no global timeout; deadlines come from
	// descriptors).
	HTTPClient *http.Client
	// DefaultTimeout applies when a descriptor declares none (default 30s).
	DefaultTimeout time.Duration
	Logger         *zap.Logger
}

// Client is the transport facade.
type Client struct {
	relay      *relay.Client
	forceRelay bool
	http       *http.Client
	timeout    time.Duration
	log        *zap.Logger
}

// New builds a facade from options.
func New(opts Options) *Client {
	c := &Client{
		relay:      opts.Relay,
		forceRelay: opts.ForceRelay,
		http:       opts.HTTPClient,
		timeout:    opts.DefaultTimeout,
		log:        opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c
}

// RelayConfigured reports whether a tunnel client is attached.
func (c *Client) RelayConfigured() bool { return c.relay != nil }

func (c *Client) mustRelay(force bool) bool { return force || c.forceRelay }

// PerformRequest executes one non-streaming call and returns its parsed
// body. With forceRelay unset, connectivity and timeout failures on the
// relay path fall back to the direct caller; protocol and decode failures
// always propagate.
func (c *Client) PerformRequest(ctx context.Context, desc *protocol.RequestDescriptor, forceRelay bool) (*Result, error) {
	if c.relay != nil {
		resp, err := c.relay.Call(ctx, desc)
		if err == nil {
			return resultFromRelay(resp)
		}
		if c.mustRelay(forceRelay) || !relay.Recoverable(err) {
			return nil, err
		}
		c.log.Debug("relay path failed, falling back to direct",
			zap.String("target", desc.Target()), zap.Error(err))
	} else if c.mustRelay(forceRelay) {
		return nil, relay.NewError(relay.KindConnectivity, 0, "relay required but not configured")
	}
	return c.directCall(ctx, desc)
}

// PerformStreamingRequest executes a streaming call, feeding decoded units
// to the sink in order. It returns when the stream completes or fails.
func (c *Client) PerformStreamingRequest(ctx context.Context, desc *protocol.RequestDescriptor, sink Sink, forceRelay bool) error {
	if c.relay != nil {
		err := c.relay.Stream(ctx, desc, sink)
		if err == nil {
			return nil
		}
		if c.mustRelay(forceRelay) || !relay.Recoverable(err) {
			return err
		}
		c.log.Debug("relay stream failed, falling back to direct",
			zap.String("target", desc.Target()), zap.Error(err))
	} else if c.mustRelay(forceRelay) {
		return relay.NewError(relay.KindConnectivity, 0, "relay required but not configured")
	}
	return c.directStream(ctx, desc, sink)
}

// PerformChunkedUpload sends a body too large for one relay message as a
// numbered chunk sequence. Without a relay the body is posted directly in
// one request, which has no size constraint to work around.
func (c *Client) PerformChunkedUpload(ctx context.Context, desc *protocol.RequestDescriptor, body []byte, contentType string, forceRelay bool) (*Result, error) {
	if c.relay != nil {
		resp, err := c.relay.Upload(ctx, desc, body, contentType)
		if err == nil {
			return resultFromRelay(resp)
		}
		if c.mustRelay(forceRelay) || !relay.Recoverable(err) {
			return nil, err
		}
		c.log.Debug("relay upload failed, falling back to direct",
			zap.String("target", desc.Target()), zap.Error(err))
	} else if c.mustRelay(forceRelay) {
		return nil, relay.NewError(relay.KindConnectivity, 0, "relay required but not configured")
	}
	return c.directUpload(ctx, desc, body, contentType)
}

// FetchBinary retrieves raw bytes. On the relay path large bodies arrive
// as a chunk stream; directly it is a plain GET.
func (c *Client) FetchBinary(ctx context.Context, url string, forceRelay bool) ([]byte, error) {
	desc := &protocol.RequestDescriptor{URL: url, Method: "GET", Stream: protocol.StreamChunks}
	if c.relay != nil {
		col := &relay.Collector{}
		err := c.relay.Stream(ctx, desc, col)
		if err == nil {
			return col.Bytes(), nil
		}
		if c.mustRelay(forceRelay) || !relay.Recoverable(err) {
			return nil, err
		}
		c.log.Debug("relay fetch failed, falling back to direct",
			zap.String("url", url), zap.Error(err))
	} else if c.mustRelay(forceRelay) {
		return nil, relay.NewError(relay.KindConnectivity, 0, "relay required but not configured")
	}
	res, err := c.directCall(ctx, &protocol.RequestDescriptor{URL: url, Method: "GET"})
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

// Health validates relay reachability independent of any HTTP semantics.
func (c *Client) Health(ctx context.Context) error {
	if c.relay == nil {
		return relay.NewError(relay.KindConnectivity, 0, "no relay configured")
	}
	return c.relay.Health(ctx)
}

// GetJSON is a convenience wrapper for the common node pattern.
func (c *Client) GetJSON(ctx context.Context, url string, out any) error {
	res, err := c.PerformRequest(ctx, &protocol.RequestDescriptor{URL: url, Method: "GET"}, false)
	if err != nil {
		return err
	}
	return res.DecodeJSON(out)
}

// PostJSON posts a JSON body and decodes a JSON reply.
func (c *Client) PostJSON(ctx context.Context, url string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	desc := &protocol.RequestDescriptor{
		URL:     url,
		Method:  "POST",
		Headers: map[string]string{"Content-Type": protocol.ContentJSON},
		Body:    raw,
	}
	res, err := c.PerformRequest(ctx, desc, false)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return res.DecodeJSON(out)
}

// resultFromRelay applies the shared decode policy to a relay response.
func resultFromRelay(resp *relay.Response) (*Result, error) {
	return finishResult(resp.Status, resp.Headers, resp.Raw(), resp.JSON != nil)
}

// finishResult enforces the common terminal policy for both paths:
// non-2xx statuses are protocol failures; bodies whose content type
// explicitly claims JSON must parse or the call fails with a decode
// error; anything else is returned raw.
func finishResult(status int, headers map[string]string, body []byte, inlineJSON bool) (*Result, error) {
	if status < 200 || status >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		return nil, relay.NewError(relay.KindProtocol, status, msg)
	}
	res := &Result{Status: status, Headers: headers, Body: body}
	if inlineJSON {
		res.JSON = json.RawMessage(body)
		return res, nil
	}
	if claimsJSON(headers) {
		if !json.Valid(body) {
			return nil, relay.NewError(relay.KindDecode, status, "declared application/json body does not parse")
		}
		res.JSON = json.RawMessage(body)
	}
	return res, nil
}

func claimsJSON(headers map[string]string) bool {
	for k, v := range headers {
		if strings.EqualFold(k, "Content-Type") {
			return strings.Contains(strings.ToLower(v), "json")
		}
	}
	return false
}
