// Package main implements the ingestion/summary API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nudgebot/ingestsvc/internal/api"
	"github.com/nudgebot/ingestsvc/internal/cache"
	"github.com/nudgebot/ingestsvc/internal/config"
	"github.com/nudgebot/ingestsvc/internal/events"
	"github.com/nudgebot/ingestsvc/internal/fetcher"
	"github.com/nudgebot/ingestsvc/internal/ingestworker"
	"github.com/nudgebot/ingestsvc/internal/obs"
	"github.com/nudgebot/ingestsvc/internal/ollamasummary"
	"github.com/nudgebot/ingestsvc/internal/store"
	"github.com/nudgebot/ingestsvc/internal/summary"
	"github.com/nudgebot/ingestsvc/pkg/mid"
)

func main() {
	logger := obs.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewPool(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := store.ApplySchema(ctx, pool); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	st := store.New(pool)

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			logger.Warn("nats connect failed, eventing disabled", "error", err)
		} else {
			defer nc.Close()
		}
	}
	pub := events.NewPublisher(nc, logger)

	var itemCache cache.ItemCache = cache.NoopCache{}
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis connect failed, caching disabled", "error", err)
		} else {
			defer rc.Close()
			itemCache = rc
		}
	}

	metrics := obs.NewMetrics()
	obs.ServeMetrics(cfg.Obs.MetricsAddr)

	fe := fetcher.New(
		cfg.Worker.ConnectTimeout, cfg.Worker.ReadTimeout, cfg.Worker.MaxBytes,
		cfg.Worker.UserAgent, cfg.Worker.FetchRPS,
	)
	worker := ingestworker.New(ingestworker.Config{
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		StaleAfter:   cfg.Worker.StaleProcessingMinutes,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		MinChars:     cfg.Worker.MinChars,
		MaxChars:     cfg.Worker.MaxChars,
	}, st, fe, metrics, pub, logger)

	var summarizer summary.Summarizer = summary.StubSummarizer{}
	if cfg.Summary.Strong.BaseURL != "" || cfg.Summary.Mid.BaseURL != "" || cfg.Summary.Budget.BaseURL != "" {
		summarizer = ollamasummary.New(cfg.Summary)
	}
	sumEngine := summary.New(st, summarizer, pub, metrics, cfg.Summary.DefaultModelKey)

	srv := api.New(st, sumEngine, worker, pub, metrics, itemCache, logger, cfg.Store.DevUserID, cfg.API.Env)
	mux := http.NewServeMux()
	srv.Routes(mux)

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.API.CORSOrigin),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.API.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.API.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}
