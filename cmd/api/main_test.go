package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/WessleyAI/warmpath/internal/app"
	"github.com/WessleyAI/warmpath/pkg/config"
	"github.com/WessleyAI/warmpath/pkg/mid"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg, err := config.Load(config.Options{EnvFiles: []string{filepath.Join(t.TempDir(), "none.env")}})
	if err != nil {
		t.Fatal(err)
	}
	cfg.Neo4j.URL = app.MemoryStoreURL
	cfg.NATS.URL = ""
	cfg.Qdrant.URL = ""

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.Open(context.Background(), cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(newHandler(a, logger))
	t.Cleanup(func() {
		srv.Close()
		a.Close(context.Background())
	})
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

// importPair imports two Acme coworkers and returns their IDs.
func importPair(t *testing.T, srv *httptest.Server) (string, string) {
	t.Helper()
	resp, body := post(t, srv, "/api/persons/import", `{"persons":[
		{"name":"Ann Lee","email":"ann@acme.io","company":"Acme Inc"},
		{"name":"Bob Ray","company":"ACME","is_ghost":true}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import: %d %v", resp.StatusCode, body)
	}
	persons := body["persons"].(map[string]any)
	if persons["created"].(float64) != 2 {
		t.Fatalf("import report: %v", persons)
	}
	ids := persons["person_ids"].([]any)
	return ids[0].(string), ids[1].(string)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, body := get(t, srv, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
	if resp.Header.Get(mid.RequestIDHeader) == "" {
		t.Fatal("missing request id header")
	}
}

func TestSearchEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ann, _ := importPair(t, srv)

	resp, body := post(t, srv, "/api/search", `{"source_id":"`+ann+`","target_name":"Bob Ray"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["found"] != true {
		t.Fatalf("expected a path: %v", body)
	}
	if paths := body["paths"].([]any); len(paths) == 0 {
		t.Fatal("no paths")
	}

	resp, body = post(t, srv, "/api/search", `{"source_id":"`+ann+`","target_name":"Nobody Known"}`)
	if resp.StatusCode != http.StatusOK || body["found"] != false {
		t.Fatalf("no-result search: %d %v", resp.StatusCode, body)
	}
	if !strings.HasPrefix(body["strategy"].(string), "no warm connections found") {
		t.Fatalf("strategy: %v", body["strategy"])
	}
}

func TestSearchEndpoint_Errors(t *testing.T) {
	srv := newTestServer(t)
	ann, _ := importPair(t, srv)
	for _, tc := range []struct {
		name string
		body string
		want int
	}{
		{"invalid json", "not json", http.StatusBadRequest},
		{"missing source", `{"target_name":"Bob Ray"}`, http.StatusBadRequest},
		{"bad mode", `{"source_id":"x","target_name":"Bob","mode":"fast"}`, http.StatusBadRequest},
		{"unknown source", `{"source_id":"ghost","target_id":"` + ann + `"}`, http.StatusNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := post(t, srv, "/api/search", tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d: %v", tc.want, resp.StatusCode, body)
			}
			if body["error"] == "" {
				t.Fatal("missing error message")
			}
		})
	}
}

func TestJobsEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, body := post(t, srv, "/api/jobs", `{"type":"cache_sweep","priority":10}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", resp.StatusCode, body)
	}
	id, _ := body["job_id"].(string)
	if id == "" {
		t.Fatal("missing job id")
	}

	resp, body = get(t, srv, "/api/jobs/status?id="+id)
	if resp.StatusCode != http.StatusOK || body["status"] != "pending" || body["type"] != "cache_sweep" {
		t.Fatalf("job: %d %v", resp.StatusCode, body)
	}

	resp, body = get(t, srv, "/api/jobs/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if counts := body["counts"].(map[string]any); counts["pending"].(float64) != 1 {
		t.Fatalf("counts: %v", counts)
	}

	resp, _ = get(t, srv, "/api/jobs/status?id=missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, _ = post(t, srv, "/api/jobs", `{"type":"teleport"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", resp.StatusCode)
	}
}

func TestImportEndpoint_Empty(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := post(t, srv, "/api/persons/import", `{"persons":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestClaimEndpoint(t *testing.T) {
	srv := newTestServer(t)
	_, bob := importPair(t, srv)

	resp, body := post(t, srv, "/api/persons/"+bob+"/claim", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["id"] != bob || body["is_ghost"] != false {
		t.Fatalf("claimed: %v", body)
	}

	resp, _ = post(t, srv, "/api/persons/nobody/claim", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
