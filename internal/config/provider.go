package config

import (
	"fmt"
	"strings"
)

type Provider string

const (
	OpenAI    Provider = "openai"
	Anthropic Provider = "anthropic"
	Gemini    Provider = "gemini"
	Ollama    Provider = "ollama"
)

var allProviders = []Provider{OpenAI, Anthropic, Gemini, Ollama}

func Providers() []Provider {
	out := make([]Provider, len(allProviders))
	copy(out, allProviders)
	return out
}

func ParseProvider(name string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	switch p {
	case OpenAI, Anthropic, Gemini, Ollama:
		return p, nil
	case "claude":
		return Anthropic, nil
	case "google":
		return Gemini, nil
	}
	return "", &ConfigError{Key: "provider", Err: fmt.Errorf("%w %q (supported: openai, anthropic, gemini, ollama)", ErrUnknownProvider, name)}
}

func (p Provider) Cloud() bool {
	return p != Ollama
}

func (p Provider) DefaultModel() string {
	switch p {
	case OpenAI:
		return "gpt-4o-mini"
	case Anthropic:
		return "claude-3-5-haiku-latest"
	case Gemini:
		return "gemini-1.5-flash"
	case Ollama:
		return "llama3.2"
	}
	return ""
}

func (p Provider) DefaultBaseURL() string {
	switch p {
	case OpenAI:
		return "https://api.openai.com/v1"
	case Anthropic:
		return "https://api.anthropic.com/v1"
	case Gemini:
		return "https://generativelanguage.googleapis.com/v1beta"
	case Ollama:
		return "http://localhost:11434"
	}
	return ""
}

func (p Provider) String() string { return string(p) }

func setupHelp(p Provider) string {
	switch p {
	case OpenAI:
		return strings.Join([]string{
			"OpenAI setup:",
			"1. Create an API key at https://platform.openai.com/api-keys",
			"2. Add `openai_api_key=sk-...` to the config file or set OPENAI_API_KEY",
			"3. Optional: model=gpt-4o-mini, base_url for compatible gateways",
		}, "\n")
	case Anthropic:
		return strings.Join([]string{
			"Anthropic setup:",
			"1. Create an API key at https://console.anthropic.com/settings/keys",
			"2. Add `anthropic_api_key=sk-ant-...` to the config file or set ANTHROPIC_API_KEY",
			"3. Optional: model=claude-3-5-haiku-latest",
		}, "\n")
	case Gemini:
		return strings.Join([]string{
			"Gemini setup:",
			"1. Create an API key at https://aistudio.google.com/app/apikey",
			"2. Add `gemini_api_key=...` to the config file or set GEMINI_API_KEY",
			"3. Optional: model=gemini-1.5-flash",
		}, "\n")
	case Ollama:
		return strings.Join([]string{
			"Ollama setup:",
			"1. Install Ollama from https://ollama.com/download",
			"2. Start the local server: `ollama serve`",
			"3. Pull a model: `ollama pull llama3.2`",
			"4. Optional: base_url=http://localhost:11434 if the server runs elsewhere",
		}, "\n")
	}
	return ""
}

func missingKeyHint(p Provider) string {
	return fmt.Sprintf("no API key for %s; set %s_api_key in the config file or call set-key (see help %s)", p, p, p)
}

func unreachableHint(baseURL string, err error) string {
	if err != nil {
		return fmt.Sprintf("cannot reach Ollama at %s (%v); start the local server with `ollama serve`", baseURL, err)
	}
	return fmt.Sprintf("cannot reach Ollama at %s; start the local server with `ollama serve`", baseURL)
}
