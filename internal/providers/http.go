package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	maxBodyBytes  = 4 << 20
	maxErrorBytes = 512
)

// PostJSON issues exactly one POST and returns the 2xx body. The request is
// bounded by timeout when it is positive.
func PostJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body []byte, timeout time.Duration) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: provider, Kind: ErrNetwork, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(provider, err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Kind:       ErrStatus,
			Body:       errorSnippet(respBody),
		}
	}
	if readErr != nil {
		if isTimeout(readErr) {
			return nil, &Error{Provider: provider, Kind: ErrTimeout, Err: readErr}
		}
		// A truncated body is still handed to the parser, which degrades
		// to raw text when it cannot decode it.
		if len(respBody) == 0 {
			return nil, &Error{Provider: provider, Kind: ErrNetwork, Err: fmt.Errorf("read response body: %w", readErr)}
		}
	}
	return respBody, nil
}

// Fallback substitutes the raw body for a reply whose envelope could not be
// parsed. In strict mode the degradation is an error instead. An empty body
// has nothing to substitute and is always an error.
func Fallback(provider string, body []byte, reason string, strict bool) (ChatResult, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return ChatResult{}, &Error{Provider: provider, Kind: ErrParseDegraded, Err: errors.New("empty response body")}
	}
	if strict {
		return ChatResult{}, fmt.Errorf("%s: %w: %s", provider, ErrParseDegraded, reason)
	}
	return ChatResult{
		Text:           strings.TrimSpace(string(body)),
		Degraded:       true,
		DegradedReason: reason,
		Metadata:       map[string]any{"provider": provider},
	}, nil
}

func transportError(provider string, err error) error {
	if isTimeout(err) {
		return &Error{Provider: provider, Kind: ErrTimeout, Err: err}
	}
	return &Error{Provider: provider, Kind: ErrNetwork, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func errorSnippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBytes {
		s = s[:maxErrorBytes] + "..."
	}
	return s
}

func JoinURL(baseURL, path string) string {
	return strings.TrimSuffix(strings.TrimSpace(baseURL), "/") + "/" + strings.TrimPrefix(path, "/")
}
