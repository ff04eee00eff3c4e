package config

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Load applies recognized records atomically, then validates the resulting
// active provider exactly like SetProvider. Unknown keys are ignored. Global
// credential keys (api_key, model, base_url) target the provider named in
// the same records, or the active one.
func (m *Manager) Load(ctx context.Context, records []Record) (Status, error) {
	m.mu.Lock()
	st := loadState{
		active:       m.active,
		creds:        make(map[Provider]Credentials, len(m.creds)),
		temperature:  m.temperature,
		maxTokens:    m.maxTokens,
		timeout:      m.timeout,
		systemPrompt: m.systemPrompt,
		strict:       m.strict,
	}
	for p, c := range m.creds {
		st.creds[p] = c
	}
	ignored, err := st.apply(records)
	if err != nil {
		m.mu.Unlock()
		return Status{}, err
	}
	m.active = st.active
	m.creds = st.creds
	m.temperature = st.temperature
	m.maxTokens = st.maxTokens
	m.timeout = st.timeout
	m.systemPrompt = st.systemPrompt
	m.strict = st.strict
	active := m.active
	m.mu.Unlock()

	for _, key := range ignored {
		m.logger.Debug().Str("key", key).Msg("ignoring unknown config key")
	}
	m.logger.Info().Str("provider", string(active)).Int("records", len(records)).Msg("config loaded")
	return m.Status(ctx, string(active))
}

func (m *Manager) LoadFile(ctx context.Context, path string) (Status, error) {
	records, err := ReadFile(path)
	if err != nil {
		return Status{}, err
	}
	return m.Load(ctx, records)
}

type loadState struct {
	active       Provider
	creds        map[Provider]Credentials
	temperature  float64
	maxTokens    int
	timeout      time.Duration
	systemPrompt string
	strict       bool
}

func (s *loadState) apply(records []Record) (ignored []string, err error) {
	for _, r := range records {
		if r.Key != "provider" {
			continue
		}
		p, err := ParseProvider(r.Value)
		if err != nil {
			return nil, err
		}
		s.active = p
	}

	for _, r := range records {
		var err error
		switch r.Key {
		case "provider":
		case "model", "api_key", "base_url":
			err = s.setCredential(s.active, r.Key, r.Value)
		case "temperature":
			var t float64
			t, err = strconv.ParseFloat(r.Value, 64)
			if err != nil {
				err = invalid(r.Key, "not a number: %q", r.Value)
			} else if err = checkTemperature(t); err == nil {
				s.temperature = t
			}
		case "max_tokens":
			var n int
			n, err = strconv.Atoi(r.Value)
			if err != nil || n <= 0 {
				err = invalid(r.Key, "must be a positive integer, got %q", r.Value)
			} else {
				s.maxTokens = n
			}
		case "timeout_seconds":
			var n int
			n, err = strconv.Atoi(r.Value)
			if err != nil || n <= 0 {
				err = invalid(r.Key, "must be a positive integer, got %q", r.Value)
			} else {
				s.timeout = time.Duration(n) * time.Second
			}
		case "system_prompt":
			s.systemPrompt = r.Value
		case "strict_parsing":
			var b bool
			b, err = strconv.ParseBool(r.Value)
			if err != nil {
				err = invalid(r.Key, "must be true or false, got %q", r.Value)
			} else {
				s.strict = b
			}
		default:
			p, field, ok := qualifiedKey(r.Key)
			if !ok {
				ignored = append(ignored, r.Key)
				continue
			}
			err = s.setCredential(p, field, r.Value)
		}
		if err != nil {
			return nil, err
		}
	}
	return ignored, nil
}

func (s *loadState) setCredential(p Provider, field, value string) error {
	c := s.creds[p]
	switch field {
	case "api_key":
		c.APIKey = value
	case "model":
		c.Model = value
	case "base_url":
		if value != "" && !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
			return invalid(string(p)+"_base_url", "base url %q must start with http:// or https://", value)
		}
		c.BaseURL = strings.TrimSuffix(value, "/")
	default:
		return invalid(field, "unsupported credential field")
	}
	s.creds[p] = c
	return nil
}

// qualifiedKey splits keys like "anthropic_api_key" into provider and field.
func qualifiedKey(key string) (Provider, string, bool) {
	for _, p := range allProviders {
		prefix := string(p) + "_"
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		field := strings.TrimPrefix(key, prefix)
		switch field {
		case "api_key", "base_url", "model":
			return p, field, true
		}
	}
	return "", "", false
}
