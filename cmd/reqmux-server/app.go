package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"reqmux/pkg/config"
	"reqmux/pkg/observability"
	"reqmux/pkg/protocol/codec"
	"reqmux/pkg/route"
	"reqmux/pkg/service"
	"reqmux/pkg/session"
	"reqmux/pkg/transport/stack"
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

	zap.L().Info("reqmux-server started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	codecs := codec.NewRegistry()
	c, err := codecs.Negotiate(cfg.Session.ContentType)
	if err != nil {
		zap.L().Error("unsupported content type", zap.Error(err))
		return 1
	}

	svc := service.New(c, zap.L())
	svc.StreamInterval = time.Duration(cfg.Service.StreamIntervalMS) * time.Millisecond
	routes := route.NewRegistry()
	if err := svc.Register(routes); err != nil {
		zap.L().Error("failed to register routes", zap.Error(err))
		return 1
	}

	tr, err := stack.NewByKind(cfg.Listen.Kind)
	if err != nil {
		zap.L().Error("failed to build transport", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := tr.Listen(ctx, cfg.Listen.Address)
	if err != nil {
		zap.L().Error("failed to listen", zap.String("address", cfg.Listen.Address), zap.Error(err))
		return 1
	}
	defer ln.Close()
	zap.L().Info("listening",
		zap.String("kind", cfg.Listen.Kind), zap.String("address", cfg.Listen.Address))

	err = session.Serve(ctx, ln, session.Options{
		Keepalive:        time.Duration(cfg.Session.KeepaliveMS) * time.Millisecond,
		KeepaliveTimeout: time.Duration(cfg.Session.KeepaliveTimeoutMS) * time.Millisecond,
		InitialDemand:    uint32(cfg.Session.InitialDemand),
		ContentType:      cfg.Session.ContentType,
		Routes:           routes,
		Log:              zap.L(),
	})
	if err != nil && ctx.Err() == nil {
		zap.L().Error("serve failed", zap.Error(err))
		return 1
	}
	zap.L().Info("shutting down")
	return 0
}
