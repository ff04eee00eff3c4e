package openai_compat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/openai/openai-go"

	"llmbridge/internal/history"
	"llmbridge/internal/providers"
)

const Name = "openai"

var models = []string{
	"gpt-4o-mini",
	"gpt-4o",
	"gpt-4.1",
	"gpt-4.1-mini",
	"gpt-4.1-nano",
	"gpt-4-turbo",
	"gpt-3.5-turbo",
	"o3-mini",
}

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Client speaks the chat completions API of OpenAI and compatible gateways.
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
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.ChatResult{}, err
	}
	headers := map[string]string{}
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	}
	respBody, err := providers.PostJSON(ctx, c.cfg.HTTPClient, Name, endpointURL, headers, body, req.Timeout)
	if err != nil {
		return providers.ChatResult{}, err
	}
	return parseChatCompletion(respBody, req.Strict)
}

func (c *Client) buildPayload(req providers.ChatRequest) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	system, turns := req.Turns()
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, m := range turns {
		switch m.Role {
		case history.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/chat/completions"
	return u.String(), nil
}

func parseChatCompletion(body []byte, strict bool) (providers.ChatResult, error) {
	var resp openai.ChatCompletion
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Fallback(Name, body, "decode chat completion: "+err.Error(), strict)
	}
	if len(resp.Choices) == 0 {
		return providers.Fallback(Name, body, "empty choices in chat completion", strict)
	}
	choice := resp.Choices[0]
	if strings.TrimSpace(choice.Message.Content) == "" {
		return providers.Fallback(Name, body, "missing message content in chat completion", strict)
	}
	return providers.ChatResult{
		Text: choice.Message.Content,
		Metadata: map[string]any{
			"provider":          Name,
			"id":                resp.ID,
			"model":             resp.Model,
			"finish_reason":     choice.FinishReason,
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		},
	}, nil
}
