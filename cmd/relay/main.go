package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/meshconf/internal/adapters/http"
	"github.com/dkeye/meshconf/internal/app"
	"github.com/dkeye/meshconf/internal/app/relay"
	"github.com/dkeye/meshconf/internal/config"
	"github.com/dkeye/meshconf/internal/presence"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	store, closeStore, err := openPresence(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("presence store")
	}
	defer closeStore()

	hub := relay.NewHub(store, app.NewConferenceRegistry(), relay.HubOptions{
		Limiter: relay.NewRateLimiter(cfg.RateLimit, cfg.RateInterval),
		Policy:  relay.PolicyByName(cfg.Backpressure),
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(ctx, cfg, hub),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("relay started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("relay stopped")
		return
	}
	log.Info().Msg("Server exited gracefully")
}

// openPresence uses Redis when redis_addr is set, the in-memory roster otherwise.
// A fresh relay starts with an empty roster.
func openPresence(ctx context.Context, cfg *config.Config) (presence.Store, func(), error) {
	if cfg.RedisAddr == "" {
		return presence.NewMemoryStore(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	store := presence.NewRedisStore(rdb, cfg.RedisPrefix)
	if err := store.Reset(ctx); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis reset: %w", err)
	}
	log.Info().Str("module", "presence").Str("addr", cfg.RedisAddr).Msg("using redis presence")
	return store, func() { _ = rdb.Close() }, nil
}
