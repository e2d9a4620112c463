package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"checkin/internal/attendance"
	"checkin/internal/backend"
	"checkin/internal/config"
	"checkin/internal/httpmiddleware"
	"checkin/internal/kiosk"
	"checkin/internal/logging"
	"checkin/internal/metrics"
	"checkin/internal/notify"
	"checkin/internal/scan"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup("kiosk", cfg.LogLevel, cfg.LogPretty)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		log.Fatal().Err(err).Msg("kiosk failed")
	}
}

func run(cfg config.App, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	if err := b.Migrate(ctx); err != nil {
		logger.Warn().Err(err).Msg("schema migration failed")
	}

	feed, err := backend.OpenFeed(cfg)
	if err != nil {
		return err
	}
	defer feed.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	hub := notify.NewHub()
	mon := kiosk.NewMonitor(b.Store.Ping, cfg.ProbeInterval, logger.With().Str("component", "monitor").Logger(), m.Online)

	engine := attendance.NewEngine(b.Store, cfg.Cooldown,
		attendance.WithLocation(cfg.Location()),
		attendance.WithLogger(logger.With().Str("component", "engine").Logger()))
	writer := attendance.NewWriter(b.Store, cfg.WriteAttempts, cfg.WriteBackoff, logger.With().Str("component", "writer").Logger())
	writer.OnRetry = func(error, time.Duration) { m.Retries.WithLabelValues("writer").Inc() }

	reg := kiosk.NewRegistrar(kiosk.Config{Debounce: cfg.Debounce, RetryDelay: cfg.RetryDelay}, kiosk.Deps{
		Decider:  engine,
		Recorder: writer,
		Conn:     mon,
		Notifier: notify.Multi{hub, notify.Log{L: logger.With().Str("component", "outcomes").Logger()}},
		Feed:     feed.Queue,
		Metrics:  m,
		Log:      logger.With().Str("component", "registrar").Logger(),
	})
	collector := scan.NewCollector(cfg.ScanWindow, scan.Sinks{
		Submit:  func(id string) { reg.Enqueue(id, kiosk.SourceScanner) },
		Partial: hub.Partial,
	})

	srv := &server{
		registrar: reg,
		collector: collector,
		hub:       hub,
		conn:      mon,
		ping:      b.Store.Ping,
		gatherer:  prometheus.DefaultGatherer,
		limiter:   httpmiddleware.NewTokenBucket(cfg.RateLimitRPS, cfg.RateLimitBurst),
		log:       logger.With().Str("component", "http").Logger(),
	}
	if feed.Redis != nil {
		srv.redisOK = feed.Redis.Healthy
	}

	go mon.Run(ctx)
	go func() {
		if err := reg.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("registrar stopped")
		}
	}()

	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: /v1/outcomes is a long-lived stream
		IdleTimeout: 60 * time.Second,
		// cancelling ctx ends open outcome streams
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpSrv.Addr).Str("store", b.Kind).Str("queue", cfg.QueueBackend).Msg("kiosk listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info().Int("pending", reg.Len()).Msg("shutting down")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server forced shutdown")
	}
	return nil
}
