package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/WessleyAI/warmpath/engine/validate"
	"github.com/WessleyAI/warmpath/pkg/resilience"
)

// HTTPConfig describes a JSON provider. The query is POSTed to BaseURL+Path
// and the response is {"records": [...]}.
type HTTPConfig struct {
	Name       string        `mapstructure:"name" yaml:"name"`
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	Path       string        `mapstructure:"path" yaml:"path"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	AuthHeader string        `mapstructure:"auth_header" yaml:"auth_header"`
	Kinds      []Kind        `mapstructure:"kinds" yaml:"kinds"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// HTTPSource is a generic JSON client for company, person, family and
// social providers.
type HTTPSource struct {
	cfg    HTTPConfig
	client *http.Client
}

type httpResponse struct {
	Records []validate.RawPerson `json:"records"`
}

// NewHTTPSource creates a source from cfg. AuthHeader defaults to
// "Authorization" with a bearer token.
func NewHTTPSource(cfg HTTPConfig) *HTTPSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPSource{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (s *HTTPSource) Name() string { return s.cfg.Name }

// Kinds returns the kinds the source is configured for.
func (s *HTTPSource) Kinds() []Kind { return s.cfg.Kinds }

func (s *HTTPSource) Fetch(ctx context.Context, q Query) ([]validate.RawPerson, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(s.cfg.BaseURL, "/") + s.cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		if s.cfg.AuthHeader == "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
		} else {
			req.Header.Set(s.cfg.AuthHeader, s.cfg.APIKey)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.cfg.Name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retry, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return nil, &resilience.LimitError{Source: s.cfg.Name, Window: "upstream", RetryAfter: time.Duration(retry) * time.Second}
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s: %s", ErrBadQuery, s.cfg.Name, strings.TrimSpace(string(msg)))
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: status %d", s.cfg.Name, resp.StatusCode)
	}

	var out httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s decode: %w", s.cfg.Name, err)
	}
	return out.Records, nil
}
