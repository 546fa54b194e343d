package explain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/WessleyAI/warmpath/engine/domain"
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 3 * time.Second
)

const defaultSystemPrompt = `You help people ask for warm introductions.
Given a chain of relationships from the user to a target person, write two or
three sentences of practical advice: who to ask first, what they share, and
how to phrase the request. A good request gives the introducer the reason for
the introduction, a line of background on both parties and one concrete next
step. Use only the facts provided.`

// OpenAIConfig configures OpenAIExplainer. BaseURL points the client at any
// OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey       string        `mapstructure:"api_key" yaml:"api_key"`
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	Model        string        `mapstructure:"model" yaml:"model"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxTokens    int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature  float32       `mapstructure:"temperature" yaml:"temperature"`
	SystemPrompt string        `mapstructure:"system_prompt" yaml:"system_prompt"`
}

// OpenAIExplainer asks a chat model for the explanation.
type OpenAIExplainer struct {
	client *openai.Client
	cfg    OpenAIConfig
	log    *slog.Logger
}

// NewOpenAIExplainer creates an explainer. An API key is required unless
// BaseURL names a local endpoint.
func NewOpenAIExplainer(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIExplainer, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("explain: openai api key not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	logger.Info("initializing openai explainer", "model", cfg.Model)
	return &OpenAIExplainer{client: openai.NewClientWithConfig(oc), cfg: cfg, log: logger}, nil
}

func (o *OpenAIExplainer) ExplainPath(ctx context.Context, p domain.ConnectionPath) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(p)},
		},
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("explain: openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("explain: openai returned no choices")
	}
	o.log.Debug("explanation generated", "path", p.Key(), "finish_reason", resp.Choices[0].FinishReason)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// buildPrompt lists the chain one hop per line.
func buildPrompt(p domain.ConnectionPath) string {
	var b strings.Builder
	if len(p.Nodes) > 0 {
		fmt.Fprintf(&b, "Target: %s\n", describe(p.Nodes[len(p.Nodes)-1]))
	}
	fmt.Fprintf(&b, "Hops: %d, weakest link strength: %d/100\n", p.Hops, p.Strength)
	b.WriteString("Chain:\n")
	for i, e := range p.Edges {
		from, to := "the user", describe(p.Nodes[i+1])
		if i > 0 {
			from = nameOf(p.Nodes[i])
		}
		fmt.Fprintf(&b, "- %s -> %s: %s (strength %d)\n", from, to, tie(e), e.Weight)
	}
	return b.String()
}
