package config

import (
	"errors"
	"fmt"
)

var (
	ErrConfig          = errors.New("configuration error")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNotReady        = errors.New("provider not ready")
)

// ConfigError describes a rejected configuration value or file.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// NotReadyError is returned when the active provider cannot accept calls.
type NotReadyError struct {
	Provider Provider
	Hint     string
}

func (e *NotReadyError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("%s is not ready", e.Provider)
	}
	return fmt.Sprintf("%s is not ready: %s", e.Provider, e.Hint)
}

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

func invalid(key string, format string, args ...any) error {
	return &ConfigError{Key: key, Err: fmt.Errorf(format, args...)}
}
