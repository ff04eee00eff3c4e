package providers

import (
	"context"
	"time"

	"llmbridge/internal/history"
)

// ChatRequest is built fresh for every call from a history snapshot and the
// configuration captured at dispatch time.
type ChatRequest struct {
	Model        string
	SystemPrompt string
	History      []history.Message
	Prompt       string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	// Strict turns a parse-degraded reply into ErrParseDegraded.
	Strict bool
}

// Turns returns the history followed by the new user prompt. System
// messages found in the history are folded into the returned system text.
func (r ChatRequest) Turns() (system string, turns []history.Message) {
	system = r.SystemPrompt
	turns = make([]history.Message, 0, len(r.History)+1)
	for _, m := range r.History {
		if m.Role == history.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		turns = append(turns, m)
	}
	turns = append(turns, history.Message{Role: history.RoleUser, Content: r.Prompt})
	return system, turns
}

type ChatResult struct {
	Text string
	// Degraded is set when the envelope could not be parsed and Text holds
	// the raw response body instead.
	Degraded       bool
	DegradedReason string
	Metadata       map[string]any
}

type Provider interface {
	Name() string
	ListModels() []string
	Send(ctx context.Context, req ChatRequest) (ChatResult, error)
}
