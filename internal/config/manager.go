package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTemperature  = 0.7
	DefaultMaxTokens    = 1024
	DefaultTimeout      = 30 * time.Second
	DefaultReachableTTL = 10 * time.Second

	maskPrefixLen = 5
)

type Credentials struct {
	APIKey  string
	BaseURL string
	Model   string
}

type ProviderConfig struct {
	Provider      Provider
	Model         string
	APIKey        string
	BaseURL       string
	Temperature   float64
	MaxTokens     int
	Timeout       time.Duration
	SystemPrompt  string
	StrictParsing bool
}

type Status struct {
	Provider  Provider
	Ready     bool
	HasKey    bool
	Reachable bool
	BaseURL   string
	Hint      string
}

type Prober interface {
	Probe(ctx context.Context, baseURL string) error
}

// HTTPProber issues GET baseURL/api/tags, the cheapest Ollama endpoint.
type HTTPProber struct {
	Client  *http.Client
	Timeout time.Duration
}

func (p HTTPProber) Probe(ctx context.Context, baseURL string) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("probe timed out after %s", timeout)
		}
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}

type ManagerConfig struct {
	Prober Prober
	// ReachableTTL bounds how long a successful Ollama check satisfies Ready.
	ReachableTTL time.Duration
	Logger       zerolog.Logger
}

// Manager owns the process-wide active configuration. All methods are safe
// for concurrent use; Snapshot hands out copies so in-flight calls never see
// later mutations.
type Manager struct {
	mu           sync.RWMutex
	active       Provider
	creds        map[Provider]Credentials
	temperature  float64
	maxTokens    int
	timeout      time.Duration
	systemPrompt string
	strict       bool

	// last successful Ollama reachability check
	reachable    string
	checkedAt    time.Time
	reachableTTL time.Duration
	now          func() time.Time

	prober Prober
	logger zerolog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Prober == nil {
		cfg.Prober = HTTPProber{}
	}
	if cfg.ReachableTTL <= 0 {
		cfg.ReachableTTL = DefaultReachableTTL
	}
	return &Manager{
		active:       OpenAI,
		creds:        make(map[Provider]Credentials),
		temperature:  DefaultTemperature,
		maxTokens:    DefaultMaxTokens,
		timeout:      DefaultTimeout,
		reachableTTL: cfg.ReachableTTL,
		now:          time.Now,
		prober:       cfg.Prober,
		logger:       cfg.Logger,
	}
}

func (m *Manager) Active() Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *Manager) Snapshot() ProviderConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(m.active)
}

func (m *Manager) snapshotLocked(p Provider) ProviderConfig {
	c := m.creds[p]
	cfg := ProviderConfig{
		Provider:      p,
		Model:         c.Model,
		APIKey:        c.APIKey,
		BaseURL:       c.BaseURL,
		Temperature:   m.temperature,
		MaxTokens:     m.maxTokens,
		Timeout:       m.timeout,
		SystemPrompt:  m.systemPrompt,
		StrictParsing: m.strict,
	}
	if cfg.Model == "" {
		cfg.Model = p.DefaultModel()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = p.DefaultBaseURL()
	}
	return cfg
}

// SetProvider switches the active provider and synchronously validates it,
// probing the local server for Ollama.
func (m *Manager) SetProvider(ctx context.Context, name string) (Status, error) {
	p, err := ParseProvider(name)
	if err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	m.active = p
	m.mu.Unlock()
	m.logger.Info().Str("provider", string(p)).Msg("active provider changed")
	return m.Status(ctx, string(p))
}

func (m *Manager) SetAPIKey(key string) (Status, error) {
	return m.mutateActive(func(c *Credentials) error {
		c.APIKey = strings.TrimSpace(key)
		return nil
	})
}

func (m *Manager) SetModel(model string) (Status, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return Status{}, invalid("model", "model must not be empty")
	}
	return m.mutateActive(func(c *Credentials) error {
		c.Model = model
		return nil
	})
}

func (m *Manager) SetBaseURL(baseURL string) (Status, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL != "" && !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return Status{}, invalid("base_url", "base url %q must start with http:// or https://", baseURL)
	}
	return m.mutateActive(func(c *Credentials) error {
		c.BaseURL = strings.TrimSuffix(baseURL, "/")
		return nil
	})
}

func (m *Manager) SetTemperature(t float64) error {
	if err := checkTemperature(t); err != nil {
		return err
	}
	m.mu.Lock()
	m.temperature = t
	m.mu.Unlock()
	return nil
}

func (m *Manager) SetMaxTokens(n int) error {
	if n <= 0 {
		return invalid("max_tokens", "max tokens must be positive, got %d", n)
	}
	m.mu.Lock()
	m.maxTokens = n
	m.mu.Unlock()
	return nil
}

func (m *Manager) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return invalid("timeout_seconds", "timeout must be positive, got %s", d)
	}
	m.mu.Lock()
	m.timeout = d
	m.mu.Unlock()
	return nil
}

func (m *Manager) SetSystemPrompt(prompt string) {
	m.mu.Lock()
	m.systemPrompt = prompt
	m.mu.Unlock()
}

func (m *Manager) SetStrictParsing(strict bool) {
	m.mu.Lock()
	m.strict = strict
	m.mu.Unlock()
}

// Credentials returns what is stored for p, without defaults.
func (m *Manager) Credentials(p Provider) Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds[p]
}

func (m *Manager) SetCredentials(p Provider, c Credentials) {
	m.mu.Lock()
	m.creds[p] = c
	m.mu.Unlock()
}

func (m *Manager) mutateActive(fn func(c *Credentials) error) (Status, error) {
	m.mu.Lock()
	c := m.creds[m.active]
	if err := fn(&c); err != nil {
		m.mu.Unlock()
		return Status{}, err
	}
	m.creds[m.active] = c
	st := m.cachedStatusLocked(m.active)
	m.mu.Unlock()
	return st, nil
}

func (m *Manager) cachedStatusLocked(p Provider) Status {
	cfg := m.snapshotLocked(p)
	st := Status{Provider: p, BaseURL: cfg.BaseURL}
	if p.Cloud() {
		return cloudStatus(st, cfg)
	}
	st.HasKey = true
	st.Reachable = m.stillReachableLocked(cfg.BaseURL)
	st.Ready = st.Reachable && cfg.Model != ""
	if !st.Reachable {
		st.Hint = unreachableHint(cfg.BaseURL, nil)
	}
	return st
}

func cloudStatus(st Status, cfg ProviderConfig) Status {
	st.HasKey = cfg.APIKey != ""
	st.Reachable = st.HasKey
	st.Ready = st.HasKey && cfg.Model != ""
	if !st.HasKey {
		st.Hint = missingKeyHint(cfg.Provider)
	}
	return st
}

// Status computes readiness for the named provider. Cloud providers are
// judged by key presence alone; Ollama is probed.
func (m *Manager) Status(ctx context.Context, name string) (Status, error) {
	p, err := ParseProvider(name)
	if err != nil {
		return Status{}, err
	}
	m.mu.RLock()
	cfg := m.snapshotLocked(p)
	m.mu.RUnlock()

	st := Status{Provider: p, BaseURL: cfg.BaseURL}
	if p.Cloud() {
		return cloudStatus(st, cfg), nil
	}

	st.HasKey = true
	probeErr := m.prober.Probe(ctx, cfg.BaseURL)
	m.recordProbe(cfg.BaseURL, probeErr)
	st.Reachable = probeErr == nil
	st.Ready = st.Reachable && cfg.Model != ""
	if probeErr != nil {
		st.Hint = unreachableHint(cfg.BaseURL, probeErr)
	}
	return st, nil
}

func (m *Manager) recordProbe(baseURL string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.reachable = baseURL
		m.checkedAt = m.now()
		return
	}
	if m.reachable == baseURL {
		m.reachable = ""
	}
	m.logger.Debug().Err(err).Str("base_url", baseURL).Msg("ollama probe failed")
}

// Ready returns the dispatch-time snapshot, or a NotReadyError when the
// active provider cannot take calls. A successful Ollama check is reused for
// ReachableTTL as long as the base URL is unchanged.
func (m *Manager) Ready(ctx context.Context) (ProviderConfig, error) {
	m.mu.RLock()
	cfg := m.snapshotLocked(m.active)
	fresh := m.stillReachableLocked(cfg.BaseURL)
	m.mu.RUnlock()

	if cfg.Model == "" {
		return cfg, &NotReadyError{Provider: cfg.Provider, Hint: "no model configured"}
	}
	if cfg.Provider.Cloud() {
		if cfg.APIKey == "" {
			return cfg, &NotReadyError{Provider: cfg.Provider, Hint: missingKeyHint(cfg.Provider)}
		}
		return cfg, nil
	}
	if fresh {
		return cfg, nil
	}
	err := m.prober.Probe(ctx, cfg.BaseURL)
	m.recordProbe(cfg.BaseURL, err)
	if err != nil {
		return cfg, &NotReadyError{Provider: cfg.Provider, Hint: unreachableHint(cfg.BaseURL, err)}
	}
	return cfg, nil
}

func (m *Manager) stillReachableLocked(baseURL string) bool {
	return m.reachable != "" && m.reachable == baseURL && m.now().Sub(m.checkedAt) < m.reachableTTL
}

func (m *Manager) ListAll() []Provider {
	return Providers()
}

func (m *Manager) ListReady(ctx context.Context) []Provider {
	var out []Provider
	for _, p := range allProviders {
		st, err := m.Status(ctx, string(p))
		if err == nil && st.Ready {
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) SetupHelp(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return setupHelp(m.Active()), nil
	}
	p, err := ParseProvider(name)
	if err != nil {
		return "", err
	}
	return setupHelp(p), nil
}

// Summary masks API keys down to a short prefix.
func (m *Manager) Summary() string {
	m.mu.RLock()
	cfg := m.snapshotLocked(m.active)
	stored := make([]string, 0, len(m.creds))
	for p, c := range m.creds {
		if c.APIKey != "" {
			stored = append(stored, fmt.Sprintf("%s=%s", p, MaskKey(c.APIKey)))
		}
	}
	m.mu.RUnlock()
	sort.Strings(stored)

	key := "(none)"
	if cfg.APIKey != "" {
		key = MaskKey(cfg.APIKey)
	}
	lines := []string{
		"provider: " + string(cfg.Provider),
		"model: " + cfg.Model,
		"base_url: " + cfg.BaseURL,
		"api_key: " + key,
		"temperature: " + strconv.FormatFloat(cfg.Temperature, 'f', 2, 64),
		"max_tokens: " + strconv.Itoa(cfg.MaxTokens),
		"timeout_seconds: " + strconv.Itoa(int(cfg.Timeout/time.Second)),
		"strict_parsing: " + strconv.FormatBool(cfg.StrictParsing),
	}
	if cfg.SystemPrompt != "" {
		lines = append(lines, "system_prompt: "+truncate(cfg.SystemPrompt, 60))
	}
	if len(stored) > 0 {
		lines = append(lines, "stored_keys: "+strings.Join(stored, ", "))
	}
	return strings.Join(lines, "\n")
}

func MaskKey(key string) string {
	if len(key) <= maskPrefixLen {
		return "****"
	}
	return key[:maskPrefixLen] + "****"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func checkTemperature(t float64) error {
	if t < 0 || t > 2 {
		return invalid("temperature", "temperature must be within [0, 2], got %g", t)
	}
	return nil
}
