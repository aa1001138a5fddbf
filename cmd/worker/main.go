// Command worker runs C4's claim/fetch/extract loop against the items
// queue, either continuously or as a single batch via --once.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/nudgebot/ingestsvc/internal/config"
	"github.com/nudgebot/ingestsvc/internal/events"
	"github.com/nudgebot/ingestsvc/internal/fetcher"
	"github.com/nudgebot/ingestsvc/internal/ingestworker"
	"github.com/nudgebot/ingestsvc/internal/obs"
	"github.com/nudgebot/ingestsvc/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Run the item ingestion worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run exactly one claim-and-process batch and exit")
	return cmd
}

func run(parent context.Context, once bool) error {
	logger := obs.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
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

	metrics := obs.NewMetrics()
	obs.ServeMetrics(cfg.Obs.MetricsAddr)

	fe := fetcher.New(
		cfg.Worker.ConnectTimeout, cfg.Worker.ReadTimeout, cfg.Worker.MaxBytes,
		cfg.Worker.UserAgent, cfg.Worker.FetchRPS,
	)

	w := ingestworker.New(ingestworker.Config{
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		StaleAfter:   cfg.Worker.StaleProcessingMinutes,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		MinChars:     cfg.Worker.MinChars,
		MaxChars:     cfg.Worker.MaxChars,
	}, st, fe, metrics, pub, logger)

	if once {
		processed, err := w.RunOnce(ctx)
		logger.Info("worker batch complete", "processed", processed)
		return err
	}

	w.RunForever(ctx)
	return nil
}
