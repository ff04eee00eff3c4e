package providers

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork covers every failed call attempt: transport errors, non-2xx
	// statuses and timeouts.
	ErrNetwork = errors.New("network error")
	ErrStatus  = errors.New("unexpected status")
	ErrTimeout = errors.New("request timed out")

	ErrParseDegraded = errors.New("response did not match the expected shape")
)

// Error is returned by adapters when a call attempt fails. It is never
// retried.
type Error struct {
	Provider   string
	StatusCode int
	Kind       error
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return target == ErrNetwork && (e.Kind == ErrStatus || e.Kind == ErrTimeout)
}
