package main

import (
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
	"github.com/robit-man/hydra-sub001/pkg/relayserver"
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

	zap.L().Info("hydra-relay started", zap.String("app", cfg.AppName),
		zap.String("bus", cfg.Bus.Kind), zap.String("listen", cfg.Bus.Listen))

	var b bus.Bus
	switch cfg.Bus.Kind {
	case "quic":
		ln, err := quicbus.Listen(logger, cfg.Bus.Listen)
		if err != nil {
			zap.L().Error("quic listen failed", zap.Error(err))
			return 1
		}
		defer ln.Close()
		b = ln
	default:
		hub := wsbus.NewHub(logger, cfg.Bus.MaxPayload)
		defer hub.Close()
		httpSrv := &http.Server{Addr: cfg.Bus.Listen, Handler: hub}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zap.L().Error("ws listener failed", zap.Error(err))
			}
		}()
		defer httpSrv.Close()
		b = hub
	}

	srv := relayserver.New(b, relayserver.Options{
		BaseURL:         cfg.Relay.BaseURL,
		DefaultTimeout:  time.Duration(cfg.Relay.DefaultTimeoutMS) * time.Millisecond,
		ChunkBytes:      cfg.Relay.ChunkBytes,
		LineBatch:       cfg.Relay.LineBatch,
		SessionTTL:      time.Duration(cfg.Relay.SessionTTLSec) * time.Second,
		StateCodec:      cfg.Relay.StateCodec,
		RateBytesPerSec: cfg.Relay.RateBytesPerSec,
		Logger:          logger,
	})
	defer srv.Close()

	zap.L().Info("relay is running; press Ctrl+C to exit")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	zap.L().Info("shutting down")
	return 0
}
