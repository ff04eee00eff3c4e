package anthropic_messages

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"llmbridge/internal/history"
	"llmbridge/internal/providers"
)

const (
	Name       = "anthropic"
	apiVersion = "2023-06-01"

	// The messages API requires max_tokens on every request.
	defaultMaxTokens = 1024
	maxTemperature   = 1.0
)

var models = []string{
	"claude-3-5-haiku-latest",
	"claude-3-5-sonnet-latest",
	"claude-3-7-sonnet-latest",
	"claude-sonnet-4-0",
	"claude-opus-4-0",
	"claude-3-haiku-20240307",
}

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string { return Name }

func (c *Client) ListModels() []string {
	out := make([]string, len(models))
	copy(out, models)
	return out
}

func (c *Client) Send(ctx context.Context, req providers.ChatRequest) (providers.ChatResult, error) {
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return providers.ChatResult{}, fmt.Errorf("base url is empty")
	}
	body, err := buildPayload(req)
	if err != nil {
		return providers.ChatResult{}, err
	}
	headers := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": apiVersion,
	}
	respBody, err := providers.PostJSON(ctx, c.cfg.HTTPClient, Name, providers.JoinURL(c.cfg.BaseURL, "messages"), headers, body, req.Timeout)
	if err != nil {
		return providers.ChatResult{}, err
	}
	return parseMessage(respBody, req.Strict)
}

func buildPayload(req providers.ChatRequest) ([]byte, error) {
	system, turns := req.Turns()
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == history.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(block))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	// Anthropic accepts [0, 1]; the shared range goes up to 2.
	temperature := min(req.Temperature, maxTemperature)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(maxTokens),
		Messages:    messages,
		Temperature: anthropic.Float(temperature),
	}
	if strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal messages payload: %w", err)
	}
	return b, nil
}

func parseMessage(body []byte, strict bool) (providers.ChatResult, error) {
	var resp anthropic.Message
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Fallback(Name, body, "decode message: "+err.Error(), strict)
	}
	parts := make([]string, 0, len(resp.Content))
	for _, block := range resp.Content {
		if block.Type != "text" {
			continue
		}
		if text := block.AsText().Text; text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return providers.Fallback(Name, body, "no text blocks in message", strict)
	}
	return providers.ChatResult{
		Text: strings.Join(parts, "\n"),
		Metadata: map[string]any{
			"provider":      Name,
			"id":            resp.ID,
			"model":         string(resp.Model),
			"stop_reason":   string(resp.StopReason),
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
	}, nil
}
