package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"checkin/internal/backend"
	"checkin/internal/config"
	"checkin/internal/logging"
	"checkin/internal/presence"
)

// Worker consumes the recorded-event feed and keeps the per-day presence
// set in redis.
func main() {
	cfg := config.Load()
	logger := logging.Setup("worker", cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend != config.BackendRedis {
		log.Fatal().Str("queue", cfg.QueueBackend).Msg("worker needs QUEUE_BACKEND=redis to share the feed with the kiosk")
	}
	feed, err := backend.OpenFeed(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open event feed")
	}
	defer feed.Close()

	if !feed.Redis.Healthy(ctx) {
		logger.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable yet, consumer will keep retrying")
	}

	set := presence.NewRedisSet(feed.Redis.Client, "", 0)
	logger.Info().Msg("worker started, waiting for events")
	if err := presence.Consume(ctx, feed.Queue, set, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped")
		return
	}
	logger.Info().Msg("worker stopped")
}
