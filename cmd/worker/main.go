// Command worker runs the background side of warmpath: the job coordinator,
// the NATS ingest and enqueue consumers, cache maintenance and policy
// reloads.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WessleyAI/warmpath/engine/domain"
	"github.com/WessleyAI/warmpath/engine/jobs"
	"github.com/WessleyAI/warmpath/internal/app"
	"github.com/WessleyAI/warmpath/pkg/config"
)

func main() {
	configFile := flag.String("config", "", "path to warmpath.yaml")
	rebuildEvery := flag.Duration("rebuild-every", 6*time.Hour, "enqueue a full graph rebuild this often (0 disables)")
	flag.Parse()

	cfg, err := config.Load(config.Options{File: *configFile})
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	if err := run(cfg, logger, *rebuildEvery); err != nil {
		logger.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, rebuildEvery time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Budgets are enforced per job by the coordinator, not per call.
	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	logger.Info("job handlers registered", "types", a.RegisterJobs())

	if a.NATS != nil {
		if _, err := a.Jobs.Subscribe(a.NATS); err != nil {
			return err
		}
		if _, err := a.Ingest.StartConsumer(a.NATS); err != nil {
			return err
		}
		if _, err := a.Cache.SubscribeInvalidations(a.NATS); err != nil {
			return fmt.Errorf("subscribe invalidations: %w", err)
		}
	} else {
		logger.Warn("nats disabled; jobs arrive only through the queue")
	}

	stopPolicies, err := a.WatchPolicies(ctx)
	if err != nil {
		return err
	}
	defer stopPolicies()

	a.Cache.StartSweeper(ctx, cfg.Cache.SweepInterval)
	if rebuildEvery > 0 {
		go scheduleRebuilds(ctx, a.Jobs, rebuildEvery, logger)
	}

	if cfg.MetricsPort > 0 {
		a.Metrics.ServeAsync(cfg.MetricsPort, func(err error) {
			logger.Error("metrics server failed", "err", err)
		})
	}

	return a.Jobs.Run(ctx)
}

// scheduleRebuilds enqueues a low priority graph rebuild every interval so
// edges written by other processes reach this worker's network.
func scheduleRebuilds(ctx context.Context, c *jobs.Coordinator, every time.Duration, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			id, err := c.Enqueue(ctx, domain.GraphRebuildPayload{Reason: "scheduled"}, jobs.PriorityLow, time.Time{})
			if err != nil {
				logger.Warn("scheduled rebuild not enqueued", "err", err)
				continue
			}
			logger.Info("scheduled rebuild enqueued", "job_id", id)
		}
	}
}
