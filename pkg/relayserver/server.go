// Package relayserver is the executing half of the relay tunnel: it
// receives request envelopes from tunneled peers, performs the described
// HTTP calls against reachable services, and ships the results back as
// response envelopes. Bulk response traffic is scheduled through an
// outbound queue so control messages never sit behind chunk trains.
package relayserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/robit-man/hydra-sub001/pkg/bus"
	"github.com/robit-man/hydra-sub001/pkg/memkv"
	"github.com/robit-man/hydra-sub001/pkg/outq"
	"github.com/robit-man/hydra-sub001/pkg/protocol"
	"github.com/robit-man/hydra-sub001/pkg/protocol/codec"
)

const maxResponseBody = 128 << 20

type Options struct {
	// BaseURL prefixes path-only descriptors; absolute URLs pass through.
	BaseURL string
	// HTTPClient overrides the outbound client.
	HTTPClient *http.Client
	// DefaultTimeout bounds calls whose descriptor declares none (default 30s).
	DefaultTimeout time.Duration
	// ChunkBytes caps one response chunk's base64 payload, rounded down to
	// a multiple of 4. When 0 it is derived from the bus message limit.
	ChunkBytes int
	// LineBatch is the max records per relay.response.lines envelope (default 16).
	LineBatch int
	// SessionTTL bounds upload reassembly state and the response resend
	// cache; abandoned transfers evaporate after it (default 2m).
	SessionTTL time.Duration
	// StateCodec selects the session-state serialization by content type,
	// resolved through the codec registry (default application/cbor).
	StateCodec string
	// RateBytesPerSec shapes bulk chunk output; 0 disables shaping.
	RateBytesPerSec int64
	// Store overrides the session store (one is created when nil).
	Store  *memkv.Store
	Logger *zap.Logger
}

func (o *Options) withDefaults(b bus.Bus) {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.ChunkBytes <= 0 {
		o.ChunkBytes = b.MaxPayload() - 512
	}
	o.ChunkBytes -= o.ChunkBytes % 4
	if o.ChunkBytes < 4 {
		o.ChunkBytes = 4
	}
	if o.LineBatch <= 0 {
		o.LineBatch = 16
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = 2 * time.Minute
	}
	if o.StateCodec == "" {
		o.StateCodec = "application/cbor"
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Server executes tunneled requests. One instance serves many peers; all
// per-request state lives in the session store under the request id.
type Server struct {
	bus   bus.Bus
	opts  Options
	http  *http.Client
	log   *zap.Logger
	state codec.Codec
	store *memkv.Store
	owned bool

	queue  *outq.Queue
	sender *outq.Sender

	// serializes upload session read-modify-write cycles
	upMu sync.Mutex
}

// New attaches a server to the bus and starts its outbound scheduler.
func New(b bus.Bus, opts Options) *Server {
	opts.withDefaults(b)
	s := &Server{
		bus:   b,
		opts:  opts,
		http:  opts.HTTPClient,
		log:   opts.Logger,
		store: opts.Store,
		queue: outq.New(),
	}
	if s.state = codec.NewRegistry().Get(opts.StateCodec); s.state == nil {
		s.log.Warn("unknown state codec, using cbor", zap.String("content_type", opts.StateCodec))
		s.state = codec.CBOR()
	}
	if s.store == nil {
		s.store = memkv.New(memkv.Options{})
		s.owned = true
	}
	var bucket *outq.TokenBucket
	if opts.RateBytesPerSec > 0 {
		bucket = outq.NewTokenBucket(opts.RateBytesPerSec, 2*opts.RateBytesPerSec, nil)
	}
	s.sender = outq.NewSender(s.queue, bucket, nil, func(ctx context.Context, it outq.Item) error {
		err := b.Send(ctx, it.To, it.Payload)
		if err != nil {
			s.log.Debug("outbound send failed", zap.String("to", string(it.To)), zap.Error(err))
		}
		return err
	})
	s.sender.Start()
	b.Handle(s.HandleMessage)
	return s
}

// Close stops the scheduler and releases owned resources.
func (s *Server) Close() {
	s.sender.Stop()
	if s.owned {
		s.store.Close()
	}
}

// HandleMessage is the single inbound dispatcher. Envelopes that fail to
// decode or reference nothing known are dropped without a reply; the
// sending peer recovers by its own timeout.
func (s *Server) HandleMessage(from bus.Address, payload []byte) {
	env, err := protocol.Decode(payload)
	if err != nil {
		s.log.Debug("dropping malformed envelope", zap.Error(err))
		return
	}
	switch env.Event {
	case protocol.EventHTTPRequest:
		go s.handleRequest(from, env)
	case protocol.EventHealth:
		s.pushControl(from, env.ID, &protocol.Envelope{
			Event: protocol.EventResponse, ID: env.ID,
			OK: protocol.BoolPtr(true), Status: http.StatusOK,
		})
	case protocol.EventUploadBegin, protocol.EventUploadChunk, protocol.EventUploadEnd:
		s.handleUpload(from, env)
	case protocol.EventUploadMissing:
		s.resendCached(from, env)
	default:
		// response-family traffic has no business arriving here
		s.log.Debug("ignoring event", zap.String("event", env.Event), zap.String("id", env.ID))
	}
}

func (s *Server) pushControl(to bus.Address, flow string, env *protocol.Envelope) {
	s.push(to, flow, env, outq.Control)
}

func (s *Server) pushBulk(to bus.Address, flow string, env *protocol.Envelope) {
	s.push(to, flow, env, outq.Bulk)
}

func (s *Server) push(to bus.Address, flow string, env *protocol.Envelope, class outq.Class) {
	data, err := env.Encode()
	if err != nil {
		s.log.Error("encode outbound envelope", zap.String("event", env.Event), zap.Error(err))
		return
	}
	s.queue.Push(outq.Item{To: to, Payload: data, Class: class, Flow: flow})
}

// resolveTarget maps a descriptor onto an absolute URL.
func (s *Server) resolveTarget(desc *protocol.RequestDescriptor) string {
	if desc.URL != "" {
		return desc.URL
	}
	return strings.TrimRight(s.opts.BaseURL, "/") + "/" + strings.TrimLeft(desc.Path, "/")
}

// doHTTP executes the described call. body overrides the descriptor's
// inline body (chunked uploads carry it out of band).
func (s *Server) doHTTP(ctx context.Context, desc *protocol.RequestDescriptor, body io.Reader, contentType string) (*http.Response, error) {
	if body == nil && len(desc.Body) > 0 {
		body = strings.NewReader(string(desc.Body))
		if contentType == "" {
			contentType = protocol.ContentJSON
		}
	}
	req, err := http.NewRequestWithContext(ctx, desc.EffectiveMethod(), s.resolveTarget(desc), body)
	if err != nil {
		return nil, err
	}
	for k, v := range desc.Headers {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	return s.http.Do(req)
}

// handleRequest serves one http.request envelope end to end.
func (s *Server) handleRequest(from bus.Address, env *protocol.Envelope) {
	desc := env.Req
	if desc == nil || desc.Validate() != nil {
		s.pushControl(from, env.ID, failureEnvelope(env.ID, "invalid request descriptor"))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), desc.Timeout(s.opts.DefaultTimeout))
	defer cancel()

	if desc.Stream != protocol.StreamNone {
		s.streamResponse(ctx, from, env.ID, desc)
		return
	}

	resp, err := s.doHTTP(ctx, desc, nil, "")
	if err != nil {
		s.log.Debug("upstream call failed", zap.String("id", env.ID), zap.Error(err))
		s.pushControl(from, env.ID, failureEnvelope(env.ID, "upstream: "+err.Error()))
		return
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		s.pushControl(from, env.ID, failureEnvelope(env.ID, "reading upstream body: "+err.Error()))
		return
	}
	s.pushControl(from, env.ID, responseEnvelope(env.ID, resp, raw))
}

// failureEnvelope reports a relay-side failure; the peer sees ok:false.
func failureEnvelope(id, msg string) *protocol.Envelope {
	return &protocol.Envelope{
		Event: protocol.EventResponse, ID: id,
		OK: protocol.BoolPtr(false), Status: http.StatusBadGateway, Error: msg,
	}
}

// responseEnvelope packs a buffered upstream result. JSON bodies travel
// inline; everything else is base64.
func responseEnvelope(id string, resp *http.Response, raw []byte) *protocol.Envelope {
	out := &protocol.Envelope{
		Event: protocol.EventResponse, ID: id,
		OK: protocol.BoolPtr(true), Status: resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
	}
	ct := resp.Header.Get("Content-Type")
	if strings.Contains(strings.ToLower(ct), "json") && json.Valid(raw) {
		out.JSON = json.RawMessage(raw)
	} else if len(raw) > 0 {
		out.BodyB64 = encodeB64(raw)
	}
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k := range h {
		m[k] = h.Get(k)
	}
	return m
}
