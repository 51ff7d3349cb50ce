// Package httpop executes steps against AI operation endpoints over HTTP.
package httpop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/zjrosen/batchflow/internal/engine"
	"github.com/zjrosen/batchflow/internal/log"
	registry "github.com/zjrosen/batchflow/internal/registry/domain"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

var (
	// ErrCircuitOpen is returned while an operation's breaker rejects calls.
	ErrCircuitOpen = errors.New("operation circuit open")
	// ErrBadResponse is returned for a 2xx response that cannot be decoded.
	ErrBadResponse = errors.New("malformed operation response")
	// ErrOperationFailed is returned when the endpoint reports an error in
	// a successful response.
	ErrOperationFailed = errors.New("operation reported failure")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Operation string
	Code      int
	Message   string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: http %d", e.Operation, e.Code)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Operation, e.Code, e.Message)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Request is the JSON body posted for one attempt.
type Request struct {
	ExecutionID string              `json:"execution_id"`
	InputID     string              `json:"input_id"`
	StepID      string              `json:"step_id"`
	Intent      string              `json:"intent,omitempty"`
	Operation   string              `json:"operation"`
	Inputs      []registry.Artifact `json:"inputs"`
	Parameters  registry.Parameters `json:"parameters"`
	Attempt     int                 `json:"attempt"`
}

// Response is the JSON body an endpoint returns.
type Response struct {
	Artifacts []registry.Artifact `json:"artifacts"`
	Metrics   map[string]float64  `json:"metrics,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// Client is an engine.StepExecutor that posts each attempt to
// {BaseURL}/{operationRef}. Safe for concurrent use.
type Client struct {
	cfg     Config
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

var _ engine.StepExecutor = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client from cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, _ := url.Parse(cfg.BaseURL)

	c := &Client{
		cfg:      cfg,
		base:     base,
		http:     &http.Client{},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Execute runs one attempt of call. 429 and 5xx responses, transport
// errors and open circuits are retryable; other 4xx responses and
// in-band operation errors are permanent.
func (c *Client) Execute(ctx context.Context, call engine.StepCall) (engine.StepOutput, error) {
	if call.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, call.Timeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return engine.StepOutput{}, fmt.Errorf("rate limit: %w", err)
		}
	}

	ref := call.Step.OperationRef()
	cb := c.breaker(ref)
	if cb == nil {
		return c.do(ctx, call)
	}

	out, err := cb.Execute(func() (interface{}, error) {
		return c.do(ctx, call)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return engine.StepOutput{}, fmt.Errorf("%w: %s: %w", ErrCircuitOpen, ref, err)
	}
	if err != nil {
		return engine.StepOutput{}, err
	}
	return out.(engine.StepOutput), nil
}

// breaker returns the circuit breaker for ref, nil when disabled.
func (c *Client) breaker(ref string) *gobreaker.CircuitBreaker {
	if c.cfg.BreakerMaxFailures == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[ref]; ok {
		return cb
	}
	maxFailures := c.cfg.BreakerMaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    ref,
		Timeout: c.cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Client mistakes and cancellations say nothing about the
		// endpoint's health.
		IsSuccessful: func(err error) bool {
			var perm *backoff.PermanentError
			return err == nil || errors.As(err, &perm) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn(log.CatExecutor, "Circuit breaker state change", "operation", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[ref] = cb
	return cb
}

func (c *Client) do(ctx context.Context, call engine.StepCall) (engine.StepOutput, error) {
	ref := call.Step.OperationRef()
	body, err := json.Marshal(Request{
		ExecutionID: call.ExecutionID,
		InputID:     call.InputID,
		StepID:      call.Step.ID(),
		Intent:      call.Step.Intent(),
		Operation:   ref,
		Inputs:      call.Inputs,
		Parameters:  call.Parameters,
		Attempt:     call.Attempt,
	})
	if err != nil {
		return engine.StepOutput{}, engine.Permanent(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(ref).String(), bytes.NewReader(body))
	if err != nil {
		return engine.StepOutput{}, engine.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return engine.StepOutput{}, fmt.Errorf("%s: %w", ref, ctxErr)
		}
		return engine.StepOutput{}, fmt.Errorf("%s: %w", ref, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return engine.StepOutput{}, fmt.Errorf("%s: read response: %w", ref, err)
	}
	log.Debug(log.CatExecutor, "Operation call", "operation", ref, "step", call.Step.ID(),
		"attempt", call.Attempt, "status", resp.StatusCode, "duration", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Operation: ref, Code: resp.StatusCode, Message: errorMessage(data)}
		if serr.Retryable() {
			return engine.StepOutput{}, serr
		}
		return engine.StepOutput{}, engine.Permanent(serr)
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return engine.StepOutput{}, fmt.Errorf("%w: %s: %w", ErrBadResponse, ref, err)
	}
	if out.Error != "" {
		return engine.StepOutput{}, engine.Permanent(fmt.Errorf("%w: %s: %s", ErrOperationFailed, ref, out.Error))
	}
	return engine.StepOutput{Artifacts: out.Artifacts, Metrics: out.Metrics}, nil
}

// errorMessage extracts the error field of a JSON body, falling back to
// the trimmed body text.
func errorMessage(data []byte) string {
	var r Response
	if err := json.Unmarshal(data, &r); err == nil && r.Error != "" {
		return r.Error
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}

// maxErrorMessage caps the body text kept in a StatusError, in bytes.
const maxErrorMessage = 200
