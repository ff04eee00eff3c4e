package registry

import (
	"fmt"
	"net/http"

	"llmbridge/internal/config"
	"llmbridge/internal/providers"
	"llmbridge/internal/providers/anthropic_messages"
	"llmbridge/internal/providers/gemini_generate"
	"llmbridge/internal/providers/ollama_chat"
	"llmbridge/internal/providers/openai_compat"
)

type BuildOptions struct {
	Provider   config.Provider
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Build returns a fresh adapter for one call.
func Build(opts BuildOptions) (providers.Provider, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = opts.Provider.DefaultBaseURL()
	}
	switch opts.Provider {
	case config.OpenAI:
		return openai_compat.New(openai_compat.Config{
			BaseURL:    baseURL,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		}), nil

	case config.Anthropic:
		return anthropic_messages.New(anthropic_messages.Config{
			BaseURL:    baseURL,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		}), nil

	case config.Gemini:
		return gemini_generate.New(gemini_generate.Config{
			BaseURL:    baseURL,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		}), nil

	case config.Ollama:
		return ollama_chat.New(ollama_chat.Config{
			BaseURL:    baseURL,
			HTTPClient: opts.HTTPClient,
		}), nil

	default:
		return nil, &config.ConfigError{Key: "provider", Err: fmt.Errorf("%w %q", config.ErrUnknownProvider, opts.Provider)}
	}
}

func Models(p config.Provider) ([]string, error) {
	adapter, err := Build(BuildOptions{Provider: p})
	if err != nil {
		return nil, err
	}
	return adapter.ListModels(), nil
}
