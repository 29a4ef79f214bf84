// Package executor hands canary decisions off to the external
// deployment/rollback mechanism. The control plane's obligation ends at
// delivering a well-formed decision plus rollback tag.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/releasegate/releasegate/internal/canary"
	"github.com/releasegate/releasegate/internal/retry"
)

// ActionExecutor receives the outcome of a canary evaluation.
type ActionExecutor interface {
	Execute(ctx context.Context, d canary.Decision) error
}

// HTTPExecutorConfig configures the HTTP action executor client.
type HTTPExecutorConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retry      retry.Policy
	HTTPClient *http.Client
}

// HTTPExecutor POSTs decisions to the external executor endpoint.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	policy  retry.Policy
}

// NewHTTPExecutor validates the config and builds the client.
func NewHTTPExecutor(cfg HTTPExecutorConfig) (*HTTPExecutor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("executor base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPExecutor{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		policy:  cfg.Retry,
	}, nil
}

// Execute delivers one decision. Transient failures are retried; a 4xx means
// the executor rejected the decision shape and is not retried.
func (e *HTTPExecutor) Execute(ctx context.Context, d canary.Decision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	return e.policy.Do(ctx, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.baseURL+"/actions", bytes.NewReader(body))
		if err != nil {
			return retry.Permanent{Err: fmt.Errorf("build executor request: %w", err)}
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("executor unavailable: %s", resp.Status)
		default:
			return retry.Permanent{Err: fmt.Errorf("executor rejected decision: %s", resp.Status)}
		}
	})
}

// RecordingExecutor is a test double that remembers every decision it saw.
type RecordingExecutor struct {
	mu        sync.Mutex
	Decisions []canary.Decision
}

func (r *RecordingExecutor) Execute(ctx context.Context, d canary.Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Decisions = append(r.Decisions, d)
	return nil
}

// Seen returns a copy of the recorded decisions.
func (r *RecordingExecutor) Seen() []canary.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]canary.Decision, len(r.Decisions))
	copy(out, r.Decisions)
	return out
}

// NoopExecutor is used when no executor endpoint is configured.
type NoopExecutor struct{}

func (NoopExecutor) Execute(ctx context.Context, d canary.Decision) error { return nil }
