package gemini_generate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"llmbridge/internal/history"
	"llmbridge/internal/providers"
)

const Name = "gemini"

var models = []string{
	"gemini-1.5-flash",
	"gemini-1.5-pro",
	"gemini-2.0-flash",
	"gemini-2.0-flash-lite",
	"gemini-2.5-flash",
	"gemini-2.5-pro",
}

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Client calls the generateContent endpoint of the Generative Language API.
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

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (c *Client) Send(ctx context.Context, req providers.ChatRequest) (providers.ChatResult, error) {
	endpointURL, err := c.buildEndpointURL(req.Model)
	if err != nil {
		return providers.ChatResult{}, err
	}
	body, err := buildPayload(req)
	if err != nil {
		return providers.ChatResult{}, err
	}
	headers := map[string]string{}
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		headers["x-goog-api-key"] = c.cfg.APIKey
	}
	respBody, err := providers.PostJSON(ctx, c.cfg.HTTPClient, Name, endpointURL, headers, body, req.Timeout)
	if err != nil {
		return providers.ChatResult{}, err
	}
	return parseGenerateResponse(respBody, req.Strict)
}

func (c *Client) buildEndpointURL(model string) (string, error) {
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return "", fmt.Errorf("base url is empty")
	}
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	if model == "" {
		return "", fmt.Errorf("model is empty")
	}
	return providers.JoinURL(c.cfg.BaseURL, "models/"+url.PathEscape(model)+":generateContent"), nil
}

func buildPayload(req providers.ChatRequest) ([]byte, error) {
	system, turns := req.Turns()
	payload := generateRequest{
		Contents: make([]content, 0, len(turns)),
		GenerationConfig: generationConfig{
			Temperature: &req.Temperature,
		},
	}
	if req.MaxTokens > 0 {
		payload.GenerationConfig.MaxOutputTokens = req.MaxTokens
	}
	if strings.TrimSpace(system) != "" {
		payload.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}
	for _, m := range turns {
		role := "user"
		if m.Role == history.RoleAssistant {
			role = "model"
		}
		payload.Contents = append(payload.Contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	return b, nil
}

func parseGenerateResponse(body []byte, strict bool) (providers.ChatResult, error) {
	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Fallback(Name, body, "decode generate response: "+err.Error(), strict)
	}
	if len(resp.Candidates) == 0 {
		return providers.Fallback(Name, body, "no candidates in generate response", strict)
	}
	cand := resp.Candidates[0]
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}
	if strings.TrimSpace(sb.String()) == "" {
		return providers.Fallback(Name, body, "candidate has no text parts", strict)
	}
	return providers.ChatResult{
		Text: sb.String(),
		Metadata: map[string]any{
			"provider":          Name,
			"model":             resp.ModelVersion,
			"finish_reason":     cand.FinishReason,
			"prompt_tokens":     resp.UsageMetadata.PromptTokenCount,
			"completion_tokens": resp.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}
