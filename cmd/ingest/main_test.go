package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/WessleyAI/warmpath/engine/ingest"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type sink struct {
	subjects []string
	down     bool
}

func (s *sink) PublishMsg(m *nats.Msg) error {
	if s.down {
		return errors.New("nats: connection closed")
	}
	s.subjects = append(s.subjects, m.Subject)
	return nil
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherScan(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, ".state.json")
	writeFile(t, dir, "crm.json", `{"persons":[{"name":"Ann Lee"},{"name":"Bob Ray"}],"edges":[{"from_id":"a","to_id":"b","type":"mentor"}]}`)
	writeFile(t, dir, "broken.json", `{"persons":`)
	writeFile(t, dir, ".partial.json", `[{"name":"Cy"}]`)
	writeFile(t, dir, "notes.txt", `[{"name":"Dee"}]`)

	pub := &sink{}
	w := newWatcher(dir, state, pub, prometheus.NewRegistry(), quiet)
	w.scan(context.Background())

	if len(pub.subjects) != 3 {
		t.Fatalf("published %v", pub.subjects)
	}
	if pub.subjects[0] != ingest.PersonSubject || pub.subjects[2] != ingest.EdgeSubject {
		t.Fatalf("subjects %v", pub.subjects)
	}
	if got := testutil.ToFloat64(w.files.WithLabelValues("published")); got != 1 {
		t.Fatalf("published files = %v", got)
	}
	if got := testutil.ToFloat64(w.files.WithLabelValues("invalid")); got != 1 {
		t.Fatalf("invalid files = %v", got)
	}
	if got := testutil.ToFloat64(w.published); got != 3 {
		t.Fatalf("messages = %v", got)
	}

	// Restarting from the saved state publishes nothing new.
	again := newWatcher(dir, state, pub, prometheus.NewRegistry(), quiet)
	again.scan(context.Background())
	if len(pub.subjects) != 3 {
		t.Fatalf("republished: %v", pub.subjects)
	}

	// A rewritten file is published again.
	writeFile(t, dir, "crm.json", `[{"name":"Ann Lee"},{"name":"Bob Ray"},{"name":"Cal Diaz"}]`)
	again.scan(context.Background())
	if len(pub.subjects) != 6 {
		t.Fatalf("rewrite not picked up: %v", pub.subjects)
	}
}

func TestWatcherScan_RetriesFailedPublish(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "crm.json", `[{"name":"Ann Lee"}]`)

	pub := &sink{down: true}
	w := newWatcher(dir, filepath.Join(dir, ".state.json"), pub, prometheus.NewRegistry(), quiet)
	w.scan(context.Background())
	if got := testutil.ToFloat64(w.files.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed files = %v", got)
	}

	pub.down = false
	w.scan(context.Background())
	if len(pub.subjects) != 1 {
		t.Fatalf("retry published %v", pub.subjects)
	}
}
