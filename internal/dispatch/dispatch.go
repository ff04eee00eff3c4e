package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"llmbridge/internal/config"
	"llmbridge/internal/history"
	"llmbridge/internal/metrics"
	"llmbridge/internal/providers"
	"llmbridge/internal/providers/registry"
)

var ErrEmptyAgentID = errors.New("agent id is empty")

type Limiter interface {
	Check(ctx context.Context, agentID string) error
}

type Reply struct {
	Text           string
	Provider       config.Provider
	Model          string
	Degraded       bool
	DegradedReason string
	Metadata       map[string]any
}

type Config struct {
	Config     *config.Manager
	History    *history.Store
	HTTPClient *http.Client
	Limiter    Limiter
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Dispatcher routes chat calls to the active provider and records completed
// turns in the history store.
type Dispatcher struct {
	cfg        *config.Manager
	history    *history.Store
	httpClient *http.Client
	limiter    Limiter
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

func New(cfg Config) *Dispatcher {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.History == nil {
		cfg.History = history.NewStore()
	}
	return &Dispatcher{
		cfg:        cfg.Config,
		history:    cfg.History,
		httpClient: cfg.HTTPClient,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
		metrics:    m,
	}
}

func (d *Dispatcher) History() *history.Store { return d.history }

// Chat sends prompt with the agent's history to the active provider. The
// configuration is captured before the call waits for the agent's turn, so
// later mutations never affect it. Only a successful call touches history.
func (d *Dispatcher) Chat(ctx context.Context, agentID, prompt string) (Reply, error) {
	if strings.TrimSpace(agentID) == "" {
		return Reply{}, ErrEmptyAgentID
	}
	pc, err := d.cfg.Ready(ctx)
	if err != nil {
		d.metrics.ChatCalls.WithLabelValues(string(pc.Provider), "not_ready").Inc()
		return Reply{}, err
	}
	if d.limiter != nil {
		if err := d.limiter.Check(ctx, agentID); err != nil {
			d.metrics.BudgetRejected.Inc()
			return Reply{}, err
		}
	}
	adapter, err := registry.Build(registry.BuildOptions{
		Provider:   pc.Provider,
		BaseURL:    pc.BaseURL,
		APIKey:     pc.APIKey,
		HTTPClient: d.httpClient,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("build provider: %w", err)
	}

	log := d.logger.With().Str("agent_id", agentID).Str("provider", string(pc.Provider)).Str("model", pc.Model).Logger()

	var reply Reply
	err = d.history.Exclusive(agentID, func(t *history.Turn) error {
		req := providers.ChatRequest{
			Model:        pc.Model,
			SystemPrompt: pc.SystemPrompt,
			History:      t.Messages(),
			Prompt:       prompt,
			MaxTokens:    pc.MaxTokens,
			Temperature:  pc.Temperature,
			Timeout:      pc.Timeout,
			Strict:       pc.StrictParsing,
		}

		started := time.Now()
		res, err := adapter.Send(ctx, req)
		d.metrics.ChatDuration.WithLabelValues(string(pc.Provider)).Observe(time.Since(started).Seconds())
		if err == nil && strings.TrimSpace(res.Text) == "" {
			err = &providers.Error{Provider: adapter.Name(), Kind: providers.ErrParseDegraded, Err: errors.New("empty reply")}
		}
		if err != nil {
			d.metrics.ChatCalls.WithLabelValues(string(pc.Provider), outcome(err)).Inc()
			log.Warn().Err(err).Int("history_len", len(req.History)).Msg("chat call failed")
			return err
		}

		t.Commit(
			history.Message{Role: history.RoleUser, Content: prompt},
			history.Message{Role: history.RoleAssistant, Content: res.Text},
		)
		if res.Degraded {
			d.metrics.ParseDegraded.WithLabelValues(string(pc.Provider)).Inc()
			log.Warn().Str("reason", res.DegradedReason).Msg("reply envelope not parsed, using raw body")
		}
		d.metrics.ChatCalls.WithLabelValues(string(pc.Provider), "ok").Inc()
		log.Debug().Dur("took", time.Since(started)).Int("history_len", len(req.History)+2).Msg("chat call completed")

		reply = Reply{
			Text:           res.Text,
			Provider:       pc.Provider,
			Model:          pc.Model,
			Degraded:       res.Degraded,
			DegradedReason: res.DegradedReason,
			Metadata:       res.Metadata,
		}
		return nil
	})
	if err != nil {
		return Reply{}, err
	}
	return reply, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, providers.ErrTimeout):
		return "timeout"
	case errors.Is(err, providers.ErrStatus):
		return "status"
	case errors.Is(err, providers.ErrNetwork):
		return "network"
	case errors.Is(err, providers.ErrParseDegraded):
		return "parse_degraded"
	default:
		return "error"
	}
}
