package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"llmbridge/internal/choice"
	"llmbridge/internal/config"
	"llmbridge/internal/deferred"
	"llmbridge/internal/dispatch"
	"llmbridge/internal/history"
	"llmbridge/internal/metrics"
	"llmbridge/internal/providers/registry"
	"llmbridge/internal/storage"
)

var (
	ErrUnknownHandle = errors.New("unknown async handle")
	ErrNoVault       = errors.New("credential storage is not configured")
)

const DefaultMaxHandles = 1024

type Options struct {
	Config     *config.Manager
	HTTPClient *http.Client
	Limiter    dispatch.Limiter
	// Vault is optional; when set, credential changes are persisted.
	Vault     *storage.Vault
	Workers   int
	QueueSize int
	// MaxHandles caps remembered async handles. Once reached, the oldest
	// finished handles are dropped; running ones are always kept.
	MaxHandles int
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Bridge is the operation surface offered to the host environment.
type Bridge struct {
	cfg      *config.Manager
	history  *history.Store
	dispatch *dispatch.Dispatcher
	choice   *choice.Resolver
	pool     *deferred.Pool
	vault    *storage.Vault
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	tasks      map[string]*deferred.Task[dispatch.Reply]
	order      []string
	maxHandles int
}

func New(opts Options) *Bridge {
	m := opts.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if opts.Config == nil {
		opts.Config = config.NewManager(config.ManagerConfig{Logger: opts.Logger})
	}
	if opts.MaxHandles <= 0 {
		opts.MaxHandles = DefaultMaxHandles
	}
	store := history.NewStore()
	d := dispatch.New(dispatch.Config{
		Config:     opts.Config,
		History:    store,
		HTTPClient: opts.HTTPClient,
		Limiter:    opts.Limiter,
		Logger:     opts.Logger,
		Metrics:    m,
	})
	return &Bridge{
		cfg:      opts.Config,
		history:  store,
		dispatch: d,
		choice:   choice.New(d, opts.Logger, m),
		pool: deferred.NewPool(deferred.Config{
			Workers:   opts.Workers,
			QueueSize: opts.QueueSize,
			Logger:    opts.Logger,
			Metrics:   m,
		}),
		vault:      opts.Vault,
		logger:     opts.Logger,
		metrics:    m,
		tasks:      make(map[string]*deferred.Task[dispatch.Reply]),
		maxHandles: opts.MaxHandles,
	}
}

func (b *Bridge) Config() *config.Manager { return b.cfg }

func (b *Bridge) Chat(ctx context.Context, agentID, prompt string) (dispatch.Reply, error) {
	return b.dispatch.Chat(ctx, agentID, prompt)
}

func (b *Bridge) ChatAsync(agentID, prompt string) (string, error) {
	task, err := b.ChatTask(agentID, prompt)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	if len(b.order) >= b.maxHandles {
		b.pruneLocked()
	}
	b.tasks[task.ID()] = task
	b.order = append(b.order, task.ID())
	b.mu.Unlock()
	return task.ID(), nil
}

// Running calls keep their handles even past the cap.
func (b *Bridge) pruneLocked() {
	kept := b.order[:0]
	for _, id := range b.order {
		t, ok := b.tasks[id]
		if !ok {
			continue
		}
		if len(b.tasks) >= b.maxHandles && finished(t) {
			delete(b.tasks, id)
			continue
		}
		kept = append(kept, id)
	}
	clear(b.order[len(kept):])
	b.order = kept
	if n := len(b.tasks); n >= b.maxHandles {
		b.logger.Warn().Int("handles", n).Msg("async handle cap reached with every call still running")
	}
}

func finished(t *deferred.Task[dispatch.Reply]) bool {
	select {
	case <-t.Done():
		return true
	default:
		return false
	}
}

func (b *Bridge) ChatTask(agentID, prompt string) (*deferred.Task[dispatch.Reply], error) {
	return deferred.Submit(b.pool, func(ctx context.Context) (dispatch.Reply, error) {
		return b.dispatch.Chat(ctx, agentID, prompt)
	})
}

// Await blocks until the call behind id finishes. Awaiting the same id again
// returns the same outcome without another provider call.
func (b *Bridge) Await(ctx context.Context, id string) (dispatch.Reply, error) {
	task, ok := b.task(id)
	if !ok {
		return dispatch.Reply{}, fmt.Errorf("%w %q", ErrUnknownHandle, id)
	}
	return task.WaitContext(ctx)
}

func (b *Bridge) TaskState(id string) (deferred.State, error) {
	task, ok := b.task(id)
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownHandle, id)
	}
	return task.State(), nil
}

// Forget drops a handle. Its call keeps running if it has not finished.
func (b *Bridge) Forget(id string) {
	b.mu.Lock()
	delete(b.tasks, strings.TrimSpace(id))
	b.mu.Unlock()
}

func (b *Bridge) task(id string) (*deferred.Task[dispatch.Reply], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[strings.TrimSpace(id)]
	return t, ok
}

func (b *Bridge) Choose(ctx context.Context, agentID, prompt string, options []string) (choice.Result, error) {
	return b.choice.Choose(ctx, agentID, prompt, options)
}

func (b *Bridge) ClearHistory(agentID string) {
	b.history.Clear(agentID)
}

func (b *Bridge) History(agentID string) []history.Message {
	return b.history.Snapshot(agentID)
}

func (b *Bridge) AddMessage(agentID, role, content string) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return dispatch.ErrEmptyAgentID
	}
	r, err := history.ParseRole(role)
	if err != nil {
		return err
	}
	b.history.Append(agentID, r, content)
	return nil
}

type AgentInfo struct {
	ID       string
	Messages int
}

func (b *Bridge) Agents() []AgentInfo {
	ids := b.history.Agents()
	out := make([]AgentInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, AgentInfo{ID: id, Messages: b.history.Len(id)})
	}
	return out
}

func (b *Bridge) Providers(ctx context.Context, readyOnly bool) []config.Provider {
	if readyOnly {
		return b.cfg.ListReady(ctx)
	}
	return b.cfg.ListAll()
}

func (b *Bridge) Status(ctx context.Context, name string) (config.Status, error) {
	if strings.TrimSpace(name) == "" {
		name = string(b.cfg.Active())
	}
	return b.cfg.Status(ctx, name)
}

func (b *Bridge) ConfigSummary() string {
	return b.cfg.Summary()
}

func (b *Bridge) SetupHelp(name string) (string, error) {
	return b.cfg.SetupHelp(name)
}

func (b *Bridge) Models(name string) ([]string, error) {
	p := b.cfg.Active()
	if strings.TrimSpace(name) != "" {
		var err error
		if p, err = config.ParseProvider(name); err != nil {
			return nil, err
		}
	}
	return registry.Models(p)
}

func (b *Bridge) LoadConfig(ctx context.Context, path string) (config.Status, error) {
	st, err := b.cfg.LoadFile(ctx, path)
	if err != nil {
		b.metrics.ConfigReloads.WithLabelValues("error").Inc()
		return st, err
	}
	b.metrics.ConfigReloads.WithLabelValues("ok").Inc()
	b.persistAll(ctx)
	return st, nil
}

func (b *Bridge) SetProvider(ctx context.Context, name string) (config.Status, error) {
	st, err := b.cfg.SetProvider(ctx, name)
	if err != nil {
		return st, err
	}
	if b.vault != nil {
		if err := b.vault.SaveActive(ctx, st.Provider); err != nil {
			b.logger.Warn().Err(err).Msg("failed to persist active provider")
		}
	}
	return st, nil
}

func (b *Bridge) SetAPIKey(ctx context.Context, key string) (config.Status, error) {
	return b.persisted(ctx)(b.cfg.SetAPIKey(key))
}

func (b *Bridge) SetModel(ctx context.Context, model string) (config.Status, error) {
	return b.persisted(ctx)(b.cfg.SetModel(model))
}

func (b *Bridge) SetBaseURL(ctx context.Context, baseURL string) (config.Status, error) {
	return b.persisted(ctx)(b.cfg.SetBaseURL(baseURL))
}

// Persistence failures are logged, not returned.
func (b *Bridge) persisted(ctx context.Context) func(config.Status, error) (config.Status, error) {
	return func(st config.Status, err error) (config.Status, error) {
		if err != nil || b.vault == nil {
			return st, err
		}
		if err := b.vault.Save(ctx, st.Provider, b.cfg.Credentials(st.Provider)); err != nil {
			b.logger.Warn().Err(err).Str("provider", string(st.Provider)).Msg("failed to persist credentials")
		}
		return st, nil
	}
}

// ForgetKey deletes a provider's stored credentials and clears them from the
// running configuration.
func (b *Bridge) ForgetKey(ctx context.Context, name string) (config.Status, error) {
	p, err := config.ParseProvider(name)
	if err != nil {
		return config.Status{}, err
	}
	if b.vault == nil {
		return config.Status{}, ErrNoVault
	}
	if err := b.vault.Forget(ctx, p); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return config.Status{}, err
	}
	b.cfg.SetCredentials(p, config.Credentials{})
	return b.cfg.Status(ctx, string(p))
}

func (b *Bridge) RestoreProvider(ctx context.Context, name string) (config.Status, error) {
	p, err := config.ParseProvider(name)
	if err != nil {
		return config.Status{}, err
	}
	if b.vault == nil {
		return config.Status{}, ErrNoVault
	}
	if _, err := b.vault.RestoreProvider(ctx, b.cfg, p); err != nil {
		return config.Status{}, fmt.Errorf("restore %s: %w", p, err)
	}
	return b.cfg.Status(ctx, string(p))
}

func (b *Bridge) Audit(ctx context.Context, limit int) ([]storage.AuditEntry, error) {
	if b.vault == nil {
		return nil, ErrNoVault
	}
	if limit <= 0 {
		limit = 20
	}
	return b.vault.Recent(ctx, uint64(limit))
}

func (b *Bridge) persistAll(ctx context.Context) {
	if b.vault == nil {
		return
	}
	for _, p := range config.Providers() {
		c := b.cfg.Credentials(p)
		if c == (config.Credentials{}) {
			continue
		}
		if err := b.vault.Save(ctx, p, c); err != nil {
			b.logger.Warn().Err(err).Str("provider", string(p)).Msg("failed to persist credentials")
		}
	}
	if err := b.vault.SaveActive(ctx, b.cfg.Active()); err != nil {
		b.logger.Warn().Err(err).Msg("failed to persist active provider")
	}
}

// Close waits for launched async calls to finish.
func (b *Bridge) Close() {
	b.pool.Close()
}
