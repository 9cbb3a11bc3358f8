// Package client calls the process agent HTTP API on behalf of a scheduler.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"processagent/internal/agent"
	"processagent/internal/apperrors"
	"processagent/internal/config"
	"processagent/internal/job"
	"processagent/pkg/backoff"
	"processagent/pkg/circuitbreaker"
	"strings"
	"time"
)

const (
	defaultBaseURL          = "http://localhost:8666"
	defaultTimeout          = 10 * time.Second
	defaultMaxAttempts      = 3
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 10 * time.Second
	defaultUserAgent        = "process-agent-client"
)

// Config configures a Client. Zero values use defaults.
type Config struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	MaxAttempts      int
	Backoff          backoff.Policy
	BreakerThreshold int
	BreakerCooldown  time.Duration
	UserAgent        string
}

// LoadConfigFromEnv reads PA_AGENT_URL, API_KEY_FILE and PA_CLIENT_* variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BaseURL:     config.GetEnv("PA_AGENT_URL", defaultBaseURL),
		APIKey:      config.GetSecretFile(config.GetEnv("API_KEY_FILE", "")),
		Timeout:     config.GetDurationEnv("PA_CLIENT_TIMEOUT", defaultTimeout),
		MaxAttempts: config.GetIntEnv("PA_CLIENT_MAX_ATTEMPTS", defaultMaxAttempts),
		Backoff: backoff.Policy{
			Initial: config.GetDurationEnv("PA_CLIENT_BACKOFF_INITIAL", 200*time.Millisecond),
			Max:     config.GetDurationEnv("PA_CLIENT_BACKOFF_MAX", 2*time.Second),
			Jitter:  0.2,
		},
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	return c
}

// StatusError is a non-2xx answer of the agent. It unwraps to the apperrors
// sentinel matching its status code.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent answered HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("agent answered HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return apperrors.ErrValidation
	case http.StatusNotFound:
		return apperrors.ErrNotFound
	case http.StatusConflict:
		return apperrors.ErrConflict
	case http.StatusServiceUnavailable:
		return apperrors.ErrNotReady
	default:
		return apperrors.ErrInternal
	}
}

// retryable reports whether the agent itself may be in trouble. A 503 means
// the agent is up but not ready, which the caller handles.
func (e *StatusError) retryable() bool {
	return e.StatusCode >= 500 && e.StatusCode != http.StatusServiceUnavailable
}

// UpdateResult is the answer to PutJobs.
type UpdateResult struct {
	Status  string `json:"status"`
	Changed int    `json:"changed"`
}

// Client is a typed agent API client. Transport failures and 5xx answers
// are retried with backoff; repeated failures open a circuit breaker.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// New creates a client.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	logger := slog.With("component", "agent-client", "agent", cfg.BaseURL)
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(cfg.BaseURL, circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("Agent circuit changed", "from", from, "to", to)
			},
		}),
		logger: logger,
	}
}

// BreakerState returns the state of the circuit breaker guarding the agent.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// GetJobs polls the jobs to act on. more is false once the agent answers
// 204: every agent is finished and nothing is left to hand out.
func (c *Client) GetJobs(ctx context.Context) (ops agent.JobsOps, more bool, err error) {
	status, err := c.do(ctx, http.MethodGet, "/v1/jobs", nil, &ops)
	if err != nil {
		return agent.JobsOps{}, false, err
	}
	return ops, status != http.StatusNoContent, nil
}

// PutJobs pushes job records.
func (c *Client) PutJobs(ctx context.Context, records []job.Record) (UpdateResult, error) {
	if records == nil {
		records = []job.Record{}
	}
	var res UpdateResult
	_, err := c.do(ctx, http.MethodPut, "/v1/jobs", records, &res)
	return res, err
}

// Health returns the aggregated agent health.
func (c *Client) Health(ctx context.Context) (agent.Health, error) {
	var h agent.Health
	_, err := c.do(ctx, http.MethodGet, "/v1/health", nil, &h)
	return h, err
}

// Status returns every job known to the agents.
func (c *Client) Status(ctx context.Context) ([]job.View, error) {
	var views []job.View
	_, err := c.do(ctx, http.MethodGet, "/v1/status", nil, &views)
	return views, err
}

// Shutdown asks every agent to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/v1/shutdown", nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
	}

	var (
		status int
		answer error
	)
	err := c.breaker.Do(func() error {
		return backoff.Retry(ctx, c.cfg.Backoff, c.cfg.MaxAttempts, func(ctx context.Context) error {
			var err error
			status, err = c.once(ctx, method, path, body, out)
			var se *StatusError
			switch {
			case err == nil:
				answer = nil
				return nil
			case errors.As(err, &se) && !se.retryable():
				answer = err
				return nil
			default:
				c.logger.Debug("Agent call failed", "method", method, "path", path, "error", err)
				return err
			}
		})
	})
	if err != nil {
		return status, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return status, answer
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, backoff.Permanent(fmt.Errorf("decode %s response: %w", path, err))
	}
	return resp.StatusCode, nil
}

func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
