package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/robit-man/hydra-sub001/pkg/bus"
	quicbus "github.com/robit-man/hydra-sub001/pkg/bus/quic"
	wsbus "github.com/robit-man/hydra-sub001/pkg/bus/ws"
	"github.com/robit-man/hydra-sub001/pkg/config"
	"github.com/robit-man/hydra-sub001/pkg/observability"
	"github.com/robit-man/hydra-sub001/pkg/protocol"
	"github.com/robit-man/hydra-sub001/pkg/relay"
	"github.com/robit-man/hydra-sub001/pkg/transport"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("hydra-proxy started", zap.String("app", cfg.AppName),
		zap.String("node", cfg.NodeID), zap.String("relay", cfg.Tunnel.RelayAddr))

	var b bus.Bus
	switch cfg.Bus.Kind {
	case "quic":
		c, err := quicbus.Dial(context.Background(), logger, cfg.Bus.Dial, bus.Address(cfg.NodeID))
		if err != nil {
			zap.L().Error("quic dial failed", zap.Error(err))
			return 1
		}
		b = c
	default:
		b = wsbus.Dial(logger, cfg.Bus.Dial, bus.Address(cfg.NodeID), cfg.Bus.MaxPayload)
	}
	defer b.Close()

	rc := relay.New(b, relay.Options{
		RelayAddr:       bus.Address(cfg.Tunnel.RelayAddr),
		SendRetries:     cfg.Tunnel.SendRetries,
		SendBackoff:     time.Duration(cfg.Tunnel.SendBackoffMS) * time.Millisecond,
		DefaultTimeout:  time.Duration(cfg.Tunnel.DefaultTimeoutMS) * time.Millisecond,
		Linger:          time.Duration(cfg.Tunnel.LingerMS) * time.Millisecond,
		MissingRetries:  cfg.Tunnel.MissingRetries,
		MissingInterval: time.Duration(cfg.Tunnel.MissingIntervalMS) * time.Millisecond,
		ChunkBytes:      cfg.Tunnel.ChunkBytes,
		Logger:          logger,
	})
	tc := transport.New(transport.Options{
		Relay:      rc,
		ForceRelay: cfg.Tunnel.ForceRelay,
		Logger:     logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := tc.Health(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	mux.Handle("/", &forwarder{tc: tc, log: logger})

	httpSrv := &http.Server{Addr: cfg.Proxy.Listen, Handler: mux}
	go func() {
		zap.L().Info("proxy listening", zap.String("addr", cfg.Proxy.Listen))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Error("proxy listener failed", zap.Error(err))
		}
	}()
	defer httpSrv.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	zap.L().Info("shutting down")
	return 0
}

// forwarder turns local HTTP requests into tunneled calls. The request path
// and query are forwarded as a path descriptor; the relay daemon's base URL
// decides where they land. X-Hydra-Stream selects chunk or line streaming.
type forwarder struct {
	tc  *transport.Client
	log *zap.Logger
}

func (f *forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	desc := &protocol.RequestDescriptor{
		Path:   r.URL.RequestURI(),
		Method: r.Method,
	}
	for k := range r.Header {
		if desc.Headers == nil {
			desc.Headers = make(map[string]string)
		}
		desc.Headers[k] = r.Header.Get(k)
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if json.Valid(body) {
			desc.Body = json.RawMessage(body)
		} else {
			// non-JSON bodies go through the chunked upload path
			res, err := f.tc.PerformChunkedUpload(r.Context(), desc, body, r.Header.Get("Content-Type"), false)
			f.reply(w, res, err)
			return
		}
	}

	switch r.Header.Get("X-Hydra-Stream") {
	case "chunks":
		desc.Stream = protocol.StreamChunks
		f.stream(w, r, desc)
		return
	case "lines":
		desc.Stream = protocol.StreamLines
		f.stream(w, r, desc)
		return
	}

	res, err := f.tc.PerformRequest(r.Context(), desc, false)
	f.reply(w, res, err)
}

func (f *forwarder) reply(w http.ResponseWriter, res *transport.Result, err error) {
	if err != nil {
		f.log.Debug("tunneled call failed", zap.Error(err))
		status := http.StatusBadGateway
		if e, ok := err.(*relay.Error); ok && e.Status != 0 {
			status = e.Status
		}
		http.Error(w, err.Error(), status)
		return
	}
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

// stream forwards a streaming response as it arrives, flushing per unit.
func (f *forwarder) stream(w http.ResponseWriter, r *http.Request, desc *protocol.RequestDescriptor) {
	flusher, _ := w.(http.Flusher)
	sink := &writeSink{w: w, flusher: flusher}
	if err := f.tc.PerformStreamingRequest(r.Context(), desc, sink, false); err != nil {
		if !sink.started {
			status := http.StatusBadGateway
			if e, ok := err.(*relay.Error); ok && e.Status != 0 {
				status = e.Status
			}
			http.Error(w, err.Error(), status)
		}
		return
	}
}

type writeSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *writeSink) OnBegin(status int, headers map[string]string) {
	for k, v := range headers {
		s.w.Header().Set(k, v)
	}
	s.w.WriteHeader(status)
	s.started = true
}

func (s *writeSink) OnChunk(p []byte) {
	_, _ = s.w.Write(p)
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *writeSink) OnLine(line string) {
	_, _ = io.WriteString(s.w, line+"\n")
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
