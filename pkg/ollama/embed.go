// Package ollama is a small client for Ollama's embeddings endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/WessleyAI/warmpath/pkg/fn"
)

const (
	DefaultBaseURL = "http://localhost:11434"
	DefaultModel   = "nomic-embed-text"
)

// ErrEmptyText is returned for blank input; Ollama would embed it anyway.
var ErrEmptyText = errors.New("ollama: empty text")

// Config configures an EmbedClient.
type Config struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Model   string        `mapstructure:"model" yaml:"model"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retry   fn.RetryOpts  `mapstructure:"-" yaml:"-"`
}

// EmbedClient turns text into vectors using Ollama's HTTP API.
type EmbedClient struct {
	baseURL string
	model   string
	client  *http.Client
	retry   fn.RetryOpts
}

// NewEmbedClient creates an Ollama embedding client.
func NewEmbedClient(cfg Config) *EmbedClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = fn.RetryOpts{MaxAttempts: 2, InitialWait: 200 * time.Millisecond, MaxWait: time.Second}
	}
	return &EmbedClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		retry:   cfg.Retry,
	}
}

// Model reports the embedding model name.
func (c *EmbedClient) Model() string { return c.model }

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

// statusError is a non-200 reply. 4xx replies are not retried.
type statusError struct{ code int }

func (e statusError) Error() string { return fmt.Sprintf("ollama embed: status %d", e.code) }

// Embed returns the embedding of text, retrying transient failures.
func (c *EmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	var permanent error
	r := fn.Retry(ctx, c.retry, func(ctx context.Context) fn.Result[[]float32] {
		if permanent != nil {
			return fn.Err[[]float32](permanent)
		}
		v, err := c.embed(ctx, text)
		var se statusError
		if errors.As(err, &se) && se.code < 500 {
			permanent = err
		}
		return fn.FromPair(v, err)
	})
	return r.Unwrap()
}

// EmbedBatch embeds each text in order.
func (c *EmbedClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("ollama: embed batch [%d]: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (c *EmbedClient) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedReq{Model: c.model, Prompt: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError{code: resp.StatusCode}
	}

	var result embedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama embed decode: %w", err)
	}
	if len(result.Embedding) == 0 {
		return nil, errors.New("ollama embed: empty embedding")
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
