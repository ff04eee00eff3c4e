package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingMasterKey = errors.New("at least one master key is required when DB_DSN is set")
	ErrInvalidPoolSize  = errors.New("ASYNC_WORKERS must be > 0")
)

// Settings configure the llmbridge process itself, as opposed to the
// provider configuration held by Manager.
type Settings struct {
	ConfigPath  string
	WatchConfig bool

	HTTP   HTTPSettings
	DB     DBSettings
	Redis  RedisSettings
	Async  AsyncSettings
	Crypto CryptoSettings
	Log    LogSettings
}

type HTTPSettings struct {
	ListenAddr   string
	HealthPath   string
	MetricsPath  string
	ProbeTimeout time.Duration
	ReachableTTL time.Duration
}

type DBSettings struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RedisSettings struct {
	Addr          string
	Password      string
	DB            int
	BudgetPerHour int64
}

type AsyncSettings struct {
	Workers    int
	QueueSize  int
	MaxHandles int
}

type CryptoSettings struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogSettings struct {
	Level string
}

func LoadSettings() (*Settings, error) {
	s := &Settings{
		ConfigPath:  mustEnv("LLM_CONFIG", ""),
		WatchConfig: mustBool("LLM_CONFIG_WATCH", false),
		HTTP: HTTPSettings{
			ListenAddr:   mustEnv("HTTP_LISTEN_ADDR", ""),
			HealthPath:   mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:  mustEnv("METRICS_PATH", "/metrics"),
			ProbeTimeout: mustDuration("OLLAMA_PROBE_TIMEOUT", 2*time.Second),
			ReachableTTL: mustDuration("OLLAMA_REACHABLE_TTL", DefaultReachableTTL),
		},
		DB: DBSettings{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", ""),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisSettings{
			Addr:          mustEnv("REDIS_ADDR", ""),
			Password:      mustEnv("REDIS_PASSWORD", ""),
			DB:            mustInt("REDIS_DB", 0),
			BudgetPerHour: int64(mustInt("AGENT_BUDGET_PER_HOUR", 0)),
		},
		Async: AsyncSettings{
			Workers:    mustInt("ASYNC_WORKERS", 4),
			QueueSize:  mustInt("ASYNC_QUEUE_SIZE", 256),
			MaxHandles: mustInt("ASYNC_MAX_HANDLES", 1024),
		},
		Log: LogSettings{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if s.Async.Workers <= 0 {
		return nil, ErrInvalidPoolSize
	}
	if s.DB.DSN != "" {
		cc, err := loadCryptoSettings()
		if err != nil {
			return nil, err
		}
		s.Crypto = cc
	}
	return s, nil
}

// FromEnv turns the conventional provider environment variables into
// records, so they flow through the same validation as a config file.
func FromEnv() []Record {
	var out []Record
	add := func(key, env string) {
		if v := mustEnv(env, ""); v != "" {
			out = append(out, Record{Key: key, Value: v})
		}
	}
	add("provider", "LLM_PROVIDER")
	add("openai_api_key", "OPENAI_API_KEY")
	add("openai_base_url", "OPENAI_BASE_URL")
	add("anthropic_api_key", "ANTHROPIC_API_KEY")
	add("gemini_api_key", "GOOGLE_API_KEY")
	add("gemini_api_key", "GEMINI_API_KEY")
	if host := mustEnv("OLLAMA_HOST", ""); host != "" {
		if !strings.Contains(host, "://") {
			host = "http://" + host
		}
		out = append(out, Record{Key: "ollama_base_url", Value: host})
	}
	add("model", "LLM_MODEL")
	add("temperature", "LLM_TEMPERATURE")
	add("max_tokens", "LLM_MAX_TOKENS")
	add("timeout_seconds", "LLM_TIMEOUT_SECONDS")
	return out
}

func loadCryptoSettings() (CryptoSettings, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoSettings{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoSettings{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoSettings{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoSettings{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoSettings{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}
	return CryptoSettings{CurrentKeyID: current, Keys: keys}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
