// Command paykitd serves the subscription API and runs recurring billing.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/vitwit/paykit"
	"github.com/vitwit/paykit/api"
	"github.com/vitwit/paykit/billing"
	"github.com/vitwit/paykit/config"
	"github.com/vitwit/paykit/logger"
	"github.com/vitwit/paykit/metrics"
	"github.com/vitwit/paykit/subscription"
	"github.com/vitwit/paykit/types"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	lg, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, lg)
	stop()
	if err != nil {
		lg.Error("paykitd stopped", map[string]any{"error": err})
	}
	if s, ok := lg.(interface{ Sync() error }); ok {
		s.Sync()
	}
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *types.Config, lg logger.Logger) error {
	var rec metrics.Recorder = metrics.NoopRecorder{}
	if cfg.EnableMetrics {
		prom, err := metrics.NewPrometheusRecorder(nil)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		rec = prom
	}

	engineOpts := []subscription.Option{
		subscription.WithLogger(lg),
		subscription.WithMetrics(rec),
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		store := subscription.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		engineOpts = append(engineOpts, subscription.WithStore(store))
		lg.Info("using postgres subscription store", nil)
	} else {
		lg.Warn("DATABASE_URL not set, subscriptions are kept in memory", nil)
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		locker := subscription.NewRedisLocker(rdb, subscription.DefaultRedisLockOptions(), lg)
		engineOpts = append(engineOpts, subscription.WithLocker(locker))
		lg.Info("using redis wallet locks", nil)
	}

	engine := subscription.NewEngine(engineOpts...)

	client, err := paykit.New(cfg,
		paykit.WithLogger(lg),
		paykit.WithMetrics(rec),
		paykit.WithEngine(engine),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	var scheduler *billing.Scheduler
	if cfg.Merchant != "" && cfg.SignerKey != "" {
		runner := billing.NewRunner(engine, client, billing.WithLogger(lg), billing.WithMetrics(rec))
		scheduler, err = billing.NewScheduler(runner, cfg.BillingSchedule, lg)
		if err != nil {
			return err
		}
		scheduler.Start()
		lg.Info("billing scheduler started", map[string]any{"schedule": cfg.BillingSchedule})
	} else {
		lg.Warn("merchant or signer not configured, recurring billing disabled", nil)
	}

	router := api.NewRouter(api.NewHandler(engine, engine.Catalog(), lg), cfg.CORSOrigins)
	if cfg.EnableMetrics {
		router.Handle("/metrics", promhttp.Handler())
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("server listening", map[string]any{"addr": cfg.HTTPAddr, "network": cfg.Network.String()})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		lg.Info("shutdown signal received", nil)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			lg.Warn("billing run did not finish before shutdown", map[string]any{"error": err})
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	lg.Info("server stopped", nil)
	return nil
}
