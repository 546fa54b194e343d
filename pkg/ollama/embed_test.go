package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/warmpath/pkg/fn"
)

func server(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func fastRetry() fn.RetryOpts {
	return fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
}

func TestEmbed(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req embedReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != "m" || req.Prompt != "hello" {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(embedResp{Embedding: []float64{0.5, -1}})
	})
	c := NewEmbedClient(Config{BaseURL: srv.URL + "/", Model: "m"})
	got, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 0.5 || got[1] != -1 {
		t.Fatalf("got %v", got)
	}
}

func TestEmbed_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResp{Embedding: []float64{1}})
	})
	c := NewEmbedClient(Config{BaseURL: srv.URL, Retry: fastRetry()})
	if _, err := c.Embed(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestEmbed_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	c := NewEmbedClient(Config{BaseURL: srv.URL, Retry: fastRetry()})
	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestEmbed_EmptyText(t *testing.T) {
	c := NewEmbedClient(Config{})
	if _, err := c.Embed(context.Background(), "  "); err != ErrEmptyText {
		t.Fatalf("err = %v", err)
	}
}

func TestEmbedBatch(t *testing.T) {
	srv := server(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResp{Embedding: []float64{1, 2, 3}})
	})
	c := NewEmbedClient(Config{BaseURL: srv.URL})
	got, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || len(got[1]) != 3 {
		t.Fatalf("got %v", got)
	}
	if _, err := c.EmbedBatch(context.Background(), []string{"a", ""}); err == nil {
		t.Fatal("expected error for blank entry")
	}
}
