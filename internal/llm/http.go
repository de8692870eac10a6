package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxErrorBody caps how much of a failed response is quoted in the error.
const maxErrorBody = 4096

// embedEndpoint is the HTTP side of an embedding provider: one JSON POST per
// text, guarded by a circuit breaker and bounded by a per-call timeout.
type embedEndpoint struct {
	provider string
	baseURL  string
	path     string
	header   http.Header
	timeout  time.Duration
	client   *http.Client
	breaker  *CircuitBreaker
}

func newEmbedEndpoint(provider, baseURL, path string, timeout time.Duration, breaker CircuitBreakerConfig) *embedEndpoint {
	if breaker.Name == "" {
		breaker.Name = provider + "-embed"
	}
	return &embedEndpoint{
		provider: provider,
		baseURL:  baseURL,
		path:     path,
		header:   http.Header{"Content-Type": {"application/json"}},
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		breaker:  NewCircuitBreakerWithConfig(breaker),
	}
}

// vector posts payload and hands the decoded body to extract. A non-200
// status, a decode failure or an empty vector all count against the breaker.
func (e *embedEndpoint) vector(ctx context.Context, payload any, reply any, extract func() []float32) ([]float32, error) {
	out, err := e.breaker.Execute(ctx, func() (interface{}, error) {
		if err := e.post(ctx, payload, reply); err != nil {
			return nil, err
		}
		vec := extract()
		if len(vec) == 0 {
			return nil, fmt.Errorf("%s returned empty embedding", e.provider)
		}
		return vec, nil
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("%s embeddings unavailable: %w", e.provider, err)
	}
	if err != nil {
		return nil, err
	}
	return out.([]float32), nil
}

func (e *embedEndpoint) post(ctx context.Context, payload, reply any) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", e.provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+e.path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = e.header.Clone()

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", e.provider, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s returned status %d: %s", e.provider, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", e.provider, err)
	}
	return nil
}

// get issues a bare GET outside the breaker, for health probes.
func (e *embedEndpoint) get(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", e.provider, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s health check returned status %d", e.provider, resp.StatusCode)
	}
	return nil
}
