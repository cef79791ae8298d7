package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"stockpos/internal/cache"
	"stockpos/internal/config"
	"stockpos/internal/feed"
	"stockpos/internal/httpapi"
	"stockpos/internal/metrics"
	"stockpos/internal/recorder"
	"stockpos/internal/service"
	"stockpos/internal/session"
	"stockpos/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and change feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := boot()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		repo, closeStore, err := openStore(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeStore(); err != nil {
				log.Error().Err(err).Msg("close repository")
			}
		}()

		return serve(ctx, cfg, repo, log)
	},
}

// sharedState picks Redis for receipts and cross-process notifications when it
// answers, otherwise process-local fallbacks.
func sharedState(ctx context.Context, cfg config.Config, log zerolog.Logger) (cache.ReceiptCache, feed.Bus, func() error) {
	noop := func() error { return nil }
	if cfg.RedisAddr == "" {
		log.Info().Msg("cache: in-memory receipts, feed: single process")
		return cache.NewMemoryReceiptCache(), feed.NoopBus{}, noop
	}

	client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	receipts := cache.NewRedisReceiptCache(client)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := receipts.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, using in-memory receipts and a single-process feed")
		_ = client.Close()
		return cache.NewMemoryReceiptCache(), feed.NoopBus{}, noop
	}

	log.Info().Str("addr", cfg.RedisAddr).Msg("cache: redis, feed: redis pub/sub")
	return receipts, feed.NewRedisBus(client, log), client.Close
}

func serve(ctx context.Context, cfg config.Config, repo store.Repository, log zerolog.Logger) error {
	receipts, bus, closeRedis := sharedState(ctx, cfg, log)
	defer func() {
		if err := closeRedis(); err != nil {
			log.Error().Err(err).Msg("close redis")
		}
	}()

	m := metrics.New(prometheus.NewRegistry())

	hub := feed.NewHub(feed.RepositoryLoader(repo), bus, log)
	hub.OnSubscribersChange = func(collection string, count int) {
		m.FeedSubscribers.WithLabelValues(collection).Set(float64(count))
	}
	go func() {
		if err := hub.Run(ctx); err != nil {
			log.Error().Err(err).Msg("feed relay stopped")
		}
	}()

	rec := recorder.New(repo,
		recorder.WithReceiptCache(receipts, cfg.ReceiptTTL()),
		recorder.WithNotifier(hub),
		recorder.WithMetrics(m),
		recorder.WithLogger(log),
	)
	svc := service.New(repo, rec, service.Config{
		DefaultShopID: cfg.ShopID,
		Sessions:      session.NewRegistry(),
		Debouncer:     session.NewDebouncer(cfg.ScanDebounce()),
		Notifier:      hub,
		Metrics:       m,
		Logger:        log,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), svc)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Hub:           hub,
		Metrics:       m,
		Logger:        log,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Address()).Str("shop", cfg.ShopID).Msg("stockpos listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("server stopped")
	return nil
}
