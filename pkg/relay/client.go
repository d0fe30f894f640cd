// Package relay implements the client half of the relay tunnel: it turns
// ordinary request/response and streaming HTTP calls into sequences of
// discrete relay envelopes and reassembles the envelopes coming back
// exactly once and in order, over a bus that may drop, duplicate, or
// reorder messages.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robit-man/hydra-sub001/pkg/bus"
	"github.com/robit-man/hydra-sub001/pkg/protocol"
)

// Options tunes the tunnel client. Zero values select the defaults noted
// on each field.
type Options struct {
	// RelayAddr is the overlay address of the relay peer.
	RelayAddr bus.Address

	// SendRetries bounds transmission attempts per envelope (default 3).
	SendRetries int
	// SendBackoff is the pause between send attempts (default 250ms).
	SendBackoff time.Duration

	// DefaultTimeout applies when a descriptor declares none (default 30s).
	DefaultTimeout time.Duration
	// HealthTimeout bounds a relay.health probe (default 5s).
	HealthTimeout time.Duration

	// Linger is the grace period after relay.response.end during which
	// straggling chunks are still admitted (default 350ms).
	Linger time.Duration
	// MissingRetries bounds resend rounds for response gaps (default 2).
	MissingRetries int
	// MissingInterval is the wait between resend rounds (default 1s).
	MissingInterval time.Duration

	// ChunkBytes caps one upload chunk's base64 payload; rounded down to a
	// multiple of 4 so every chunk decodes independently. When 0 it is
	// derived from the bus message size limit.
	ChunkBytes int
	// UploadBeginRepeat is how many times http.upload.begin is transmitted
	// as loss redundancy (default 2). Policy knob, not a protocol rule.
	UploadBeginRepeat int
	// UploadBeginGap separates the redundant begin transmissions (default 5ms).
	UploadBeginGap time.Duration

	// Logger defaults to zap.NewNop; Clock defaults to the real clock and
	// exists so tests can drive lingers and deadlines deterministically.
	Logger *zap.Logger
	Clock  clock.Clock
}

func (o *Options) withDefaults(b bus.Bus) {
	if o.SendRetries <= 0 { o.SendRetries = 3 }
	if o.SendBackoff <= 0 { o.SendBackoff = 250 * time.Millisecond }
	if o.DefaultTimeout <= 0 { o.DefaultTimeout = 30 * time.Second }
	if o.HealthTimeout <= 0 { o.HealthTimeout = 5 * time.Second }
	if o.Linger <= 0 { o.Linger = 350 * time.Millisecond }
	if o.MissingRetries <= 0 { o.MissingRetries = 2 }
	if o.MissingInterval <= 0 { o.MissingInterval = time.Second }
	if o.ChunkBytes <= 0 {
		// leave room for the envelope fields around the b64 payload
		o.ChunkBytes = b.MaxPayload() - 512
	}
	o.ChunkBytes -= o.ChunkBytes % 4
	if o.ChunkBytes < 4 { o.ChunkBytes = 4 }
	if o.UploadBeginRepeat <= 0 { o.UploadBeginRepeat = 2 }
	if o.UploadBeginGap <= 0 { o.UploadBeginGap = 5 * time.Millisecond }
	if o.Logger == nil { o.Logger = zap.NewNop() }
	if o.Clock == nil { o.Clock = clock.New() }
}

// Response is the terminal result of a unary call or chunked upload.
type Response struct {
	Status  int
	Headers map[string]string
	// JSON holds the inline body when the relay returned one; Body holds
	// decoded bytes otherwise. At most one is set.
	JSON json.RawMessage
	Body []byte
}

// DecodeJSON unmarshals whichever body form the response carries.
func (r *Response) DecodeJSON(v any) error {
	if r.JSON != nil {
		return json.Unmarshal(r.JSON, v)
	}
	return json.Unmarshal(r.Body, v)
}

// Raw returns the body bytes regardless of form.
func (r *Response) Raw() []byte {
	if r.JSON != nil {
		return []byte(r.JSON)
	}
	return r.Body
}

// Client owns the three correlation tables and the single inbound
// dispatcher. All table mutation happens under one mutex, mirroring the
// event-loop discipline of the browser original: there is no preemption
// between the steps of the reorder algorithm.
type Client struct {
	bus  bus.Bus
	opts Options
	log  *zap.Logger
	clk  clock.Clock

	tables tables
}

// New attaches a tunnel client to the bus and installs its dispatcher as
// the bus handler.
func New(b bus.Bus, opts Options) *Client {
	opts.withDefaults(b)
	c := &Client{
		bus:  b,
		opts: opts,
		log:  opts.Logger,
		clk:  opts.Clock,
	}
	c.tables.init()
	b.Handle(c.HandleMessage)
	return c
}

// Addr returns the configured relay address.
func (c *Client) Addr() bus.Address { return c.opts.RelayAddr }

func (c *Client) newID() string { return uuid.NewString() }

// send transmits one envelope with bounded retries, backing off on
// transient not-connected errors.
func (c *Client) send(ctx context.Context, env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return connectivityErr("encode envelope", err)
	}
	var last error
	for attempt := 0; attempt < c.opts.SendRetries; attempt++ {
		if attempt > 0 {
			t := c.clk.Timer(c.opts.SendBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return connectivityErr("send canceled", ctx.Err())
			case <-t.C:
			}
		}
		last = c.bus.Send(ctx, c.opts.RelayAddr, data)
		if last == nil {
			return nil
		}
		if errors.Is(last, bus.ErrTooLarge) {
			return connectivityErr("envelope exceeds bus limit", last)
		}
		c.log.Debug("relay send failed",
			zap.String("event", env.Event), zap.String("id", env.ID),
			zap.Int("attempt", attempt+1), zap.Error(last))
	}
	return connectivityErr("send retries exhausted", last)
}

// Call performs one non-streaming request through the relay and blocks for
// its correlated relay.response or the declared deadline.
func (c *Client) Call(ctx context.Context, desc *protocol.RequestDescriptor) (*Response, error) {
	if err := desc.Validate(); err != nil {
		return nil, protocolErr(0, err.Error())
	}
	id := c.newID()
	pc := c.tables.addPending(id)
	defer c.tables.dropPending(id)

	if err := c.send(ctx, protocol.Request(id, desc)); err != nil {
		return nil, err
	}
	return c.awaitPending(ctx, pc, desc.Timeout(c.opts.DefaultTimeout))
}

// Health probes relay reachability independent of any HTTP semantics: it
// sends relay.health and waits for the correlated reply.
func (c *Client) Health(ctx context.Context) error {
	id := c.newID()
	pc := c.tables.addPending(id)
	defer c.tables.dropPending(id)

	if err := c.send(ctx, protocol.Health(id)); err != nil {
		return err
	}
	_, err := c.awaitPending(ctx, pc, c.opts.HealthTimeout)
	return err
}

func (c *Client) awaitPending(ctx context.Context, pc *pendingCall, timeout time.Duration) (*Response, error) {
	t := c.clk.Timer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		if c.tables.dropPending(pc.id) {
			return nil, timeoutErr("call canceled: " + ctx.Err().Error())
		}
		// completion already in flight; take it
		r := <-pc.done
		return r.resp, r.err
	case <-t.C:
		if c.tables.dropPending(pc.id) {
			return nil, timeoutErr("no response within deadline")
		}
		r := <-pc.done
		return r.resp, r.err
	case r := <-pc.done:
		return r.resp, r.err
	}
}

// responseFrom converts a relay.response envelope into a Response or a
// typed failure.
func responseFrom(env *protocol.Envelope) (*Response, error) {
	if !env.Succeeded() {
		msg := env.Error
		if msg == "" { msg = "relay reported failure" }
		return nil, protocolErr(env.Status, msg)
	}
	resp := &Response{Status: env.Status, Headers: env.Headers, JSON: env.JSON}
	if env.BodyB64 != "" {
		body, err := base64.StdEncoding.DecodeString(env.BodyB64)
		if err != nil {
			return nil, decodeErr("body_b64", err)
		}
		resp.Body = body
	}
	return resp, nil
}
