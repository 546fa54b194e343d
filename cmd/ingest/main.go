// Command ingest watches a drop directory for JSON exports and publishes
// their person records and relationship hints to the NATS ingest subjects,
// where the worker's consumer picks them up.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/WessleyAI/warmpath/engine/ingest"
	"github.com/WessleyAI/warmpath/pkg/config"
	"github.com/WessleyAI/warmpath/pkg/metrics"
	"github.com/WessleyAI/warmpath/pkg/natsutil"
)

func main() {
	var (
		cfgFile  = flag.String("config", "", "config file (optional)")
		dataDir  = flag.String("dir", "/var/lib/warmpath/drop", "directory to watch for JSON files")
		interval = flag.Duration("interval", 30*time.Second, "scan interval")
		state    = flag.String("state", "", "processed files state (default <dir>/.ingest-state.json)")
		once     = flag.Bool("once", false, "scan once and exit")
	)
	flag.Parse()

	cfg, err := config.Load(config.Options{File: *cfgFile})
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := cfg.Logger()
	if cfg.NATS.URL == "" {
		log.Error("ingest needs nats.url")
		os.Exit(1)
	}
	if *state == "" {
		*state = filepath.Join(*dataDir, ".ingest-state.json")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("warmpath-ingest"))
	if err != nil {
		log.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Drain()

	met := metrics.New()
	if cfg.MetricsPort > 0 {
		met.ServeAsync(cfg.MetricsPort, func(err error) { log.Error("metrics server", "error", err) })
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Error("create data dir", "error", err)
		os.Exit(1)
	}
	w := newWatcher(*dataDir, *state, nc, met.Registry(), log)
	log.Info("watching for exports", "dir", *dataDir, "interval", *interval)

	w.scan(ctx)
	if *once {
		if err := nc.Flush(); err != nil {
			log.Error("nats flush", "error", err)
			os.Exit(1)
		}
		return
	}
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

// watcher publishes each new file in dir once. A file is identified by name
// and size, so a rewritten export is picked up again.
type watcher struct {
	dir       string
	statePath string
	pub       natsutil.Publisher
	log       *slog.Logger
	processed map[string]bool

	files     *prometheus.CounterVec
	published prometheus.Counter
	lastScan  prometheus.Gauge
}

func newWatcher(dir, statePath string, pub natsutil.Publisher, reg prometheus.Registerer, log *slog.Logger) *watcher {
	w := &watcher{
		dir:       dir,
		statePath: statePath,
		pub:       pub,
		log:       log,
		processed: loadState(statePath),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warmpath",
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Drop files handled by outcome (published, invalid, failed).",
		}, []string{"outcome"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "warmpath",
			Subsystem: "ingest",
			Name:      "messages_published_total",
			Help:      "Messages published to the ingest subjects.",
		}),
		lastScan: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "warmpath",
			Subsystem: "ingest",
			Name:      "last_scan_timestamp_seconds",
			Help:      "Unix time of the last directory scan.",
		}),
	}
	reg.MustRegister(w.files, w.published, w.lastScan)
	return w
}

func (w *watcher) scan(ctx context.Context) {
	w.lastScan.SetToCurrentTime()
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.Error("readdir failed", "error", err)
		return
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		key := fmt.Sprintf("%s:%d", e.Name(), info.Size())
		if w.processed[key] {
			continue
		}

		n, err := w.publishFile(ctx, filepath.Join(w.dir, e.Name()))
		switch {
		case errors.Is(err, errInvalidFile):
			// Retrying will not fix a malformed file; wait for a rewrite.
			w.files.WithLabelValues("invalid").Inc()
			w.log.Warn("skipping invalid file", "file", e.Name(), "error", err)
		case err != nil:
			w.files.WithLabelValues("failed").Inc()
			w.log.Error("publish failed, will retry on next scan", "file", e.Name(), "published", n, "error", err)
			continue
		default:
			w.files.WithLabelValues("published").Inc()
			w.log.Info("file published", "file", e.Name(), "messages", n)
		}
		w.processed[key] = true
		if err := saveState(w.statePath, w.processed); err != nil {
			w.log.Error("save state", "error", err)
		}
	}
}

var errInvalidFile = errors.New("invalid file")

func (w *watcher) publishFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	b, err := ingest.DecodeBatch(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errInvalidFile, err)
	}
	if b.Source == "" {
		b.Source = "file:" + filepath.Base(path)
	}
	n, err := ingest.Publish(ctx, w.pub, b)
	w.published.Add(float64(n))
	if errors.Is(err, ingest.ErrEmptyBatch) {
		return 0, fmt.Errorf("%w: %w", errInvalidFile, err)
	}
	return n, err
}

func loadState(path string) map[string]bool {
	m := make(map[string]bool)
	data, err := os.ReadFile(path)
	if err != nil {
		return m
	}
	_ = json.Unmarshal(data, &m)
	return m
}

func saveState(path string, m map[string]bool) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
