// Command backfill indexes every stored person into the profile index and,
// for the given source people, precomputes their warm paths into the cache.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/WessleyAI/warmpath/engine/graph"
	"github.com/WessleyAI/warmpath/engine/ingest"
	"github.com/WessleyAI/warmpath/internal/app"
	"github.com/WessleyAI/warmpath/pkg/config"
)

const pageSize = 500

type precomputer interface {
	Precompute(ctx context.Context, sourceID string, targetIDs []string, maxHops int) (int, error)
}

type counts struct {
	Indexed, Failed, Total int
}

func main() {
	configFile := flag.String("config", "", "path to warmpath.yaml")
	sources := flag.String("precompute", "", "comma-separated person IDs to precompute paths from")
	maxHops := flag.Int("max-hops", 3, "hop limit for precomputed paths")
	flag.Parse()

	cfg, err := config.Load(config.Options{File: *configFile})
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open", "err", err)
		os.Exit(1)
	}
	defer a.Close(context.Background())

	if a.Indexer != nil {
		c, err := reindex(ctx, a.Store, a.Indexer, logger)
		if err != nil {
			logger.Error("reindex", "err", err)
			os.Exit(1)
		}
		logger.Info("reindex done", "indexed", c.Indexed, "failed", c.Failed, "total", c.Total)
	} else {
		logger.Info("profile index not configured; skipping reindex")
	}

	if *sources != "" {
		n := precompute(ctx, a.Search, strings.Split(*sources, ","), *maxHops, logger)
		logger.Info("precompute done", "cached", n)
	}
}

// reindex pages through the store and indexes each person. Individual
// failures are counted, not fatal.
func reindex(ctx context.Context, store graph.Store, ix ingest.ProfileIndexer, logger *slog.Logger) (counts, error) {
	var c counts
	for offset := 0; ; offset += pageSize {
		page, err := store.ListPersons(ctx, graph.ListOpts{Offset: offset, Limit: pageSize})
		if err != nil {
			return c, err
		}
		for _, p := range page {
			if err := ctx.Err(); err != nil {
				return c, err
			}
			c.Total++
			if err := ix.IndexPerson(ctx, p); err != nil {
				c.Failed++
				logger.Warn("index person", "person_id", p.ID, "err", err)
				continue
			}
			c.Indexed++
			if c.Indexed%100 == 0 {
				logger.Info("progress", "indexed", c.Indexed, "failed", c.Failed)
			}
		}
		if len(page) < pageSize {
			return c, nil
		}
	}
}

func precompute(ctx context.Context, pc precomputer, sources []string, maxHops int, logger *slog.Logger) int {
	total := 0
	for _, src := range sources {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		n, err := pc.Precompute(ctx, src, nil, maxHops)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			logger.Warn("precompute", "source_id", src, "err", err)
			continue
		}
		total += n
	}
	return total
}
