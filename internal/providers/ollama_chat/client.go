package ollama_chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"llmbridge/internal/providers"
)

const Name = "ollama"

// Catalog of common local models. Ollama serves whatever has been pulled,
// so unknown names are still accepted at send time.
var models = []string{
	"llama3.2",
	"llama3.1",
	"mistral",
	"qwen2.5",
	"qwen2.5-coder",
	"gemma2",
	"phi3",
	"deepseek-r1",
}

type Config struct {
	BaseURL    string
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

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  options   `json:"options"`
}

type chatResponse struct {
	Model           string  `json:"model"`
	Message         message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

func (c *Client) Send(ctx context.Context, req providers.ChatRequest) (providers.ChatResult, error) {
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return providers.ChatResult{}, fmt.Errorf("base url is empty")
	}
	body, err := buildPayload(req)
	if err != nil {
		return providers.ChatResult{}, err
	}
	respBody, err := providers.PostJSON(ctx, c.cfg.HTTPClient, Name, providers.JoinURL(c.cfg.BaseURL, "api/chat"), nil, body, req.Timeout)
	if err != nil {
		return providers.ChatResult{}, err
	}
	return parseChatResponse(respBody, req.Strict)
}

func buildPayload(req providers.ChatRequest) ([]byte, error) {
	system, turns := req.Turns()
	payload := chatRequest{
		Model:    req.Model,
		Messages: make([]message, 0, len(turns)+1),
		Options:  options{Temperature: &req.Temperature},
	}
	if req.MaxTokens > 0 {
		payload.Options.NumPredict = req.MaxTokens
	}
	if strings.TrimSpace(system) != "" {
		payload.Messages = append(payload.Messages, message{Role: "system", Content: system})
	}
	for _, m := range turns {
		payload.Messages = append(payload.Messages, message{Role: string(m.Role), Content: m.Content})
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ollama chat payload: %w", err)
	}
	return b, nil
}

func parseChatResponse(body []byte, strict bool) (providers.ChatResult, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Fallback(Name, body, "decode ollama chat response: "+err.Error(), strict)
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return providers.Fallback(Name, body, "missing message content in ollama response", strict)
	}
	return providers.ChatResult{
		Text: resp.Message.Content,
		Metadata: map[string]any{
			"provider":          Name,
			"model":             resp.Model,
			"finish_reason":     resp.DoneReason,
			"prompt_tokens":     resp.PromptEvalCount,
			"completion_tokens": resp.EvalCount,
		},
	}, nil
}
