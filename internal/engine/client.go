// Package engine is the resilient client for the downstream engine service.
// Calls run through the circuit breaker one attempt at a time, with bounded
// exponential backoff between attempts.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/vendgate/internal/breaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	headerEngineAuth = "X-Engine-Auth"

	pathTranscribe = "/transcribe"
	pathStatus     = "/status/"
)

// ErrUpstreamUnavailable marks a network-level failure (connection refused,
// timeout) after retries are exhausted.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// UpstreamStatusError is a downstream 5xx that survived all retries.
type UpstreamStatusError struct {
	StatusCode int
}

// Error returns the formatted error message.
func (statusError *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", statusError.StatusCode)
}

// Response is the downstream reply handed back to the caller.
type Response struct {
	StatusCode int
	Body       []byte
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	SharedSecret string
	// MaxRetries bounds retries beyond the first attempt.
	MaxRetries int
	// BackoffBase scales the exponential delay: base * 2^attempt.
	BackoffBase time.Duration
	// CallTimeout bounds each individual attempt.
	CallTimeout time.Duration
	// OutboundRPS smooths the request rate toward the engine; zero disables it.
	OutboundRPS   float64
	OutboundBurst int
}

// Client executes downstream calls through the circuit breaker.
type Client struct {
	cfg        Config
	httpClient *http.Client
	circuit    *breaker.Breaker
	outbound   *rate.Limiter
	sleepFn    func(ctx context.Context, delay time.Duration) error
	logger     *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = httpClient
	}
}

// WithSleep overrides the backoff sleep.
func WithSleep(sleep func(ctx context.Context, delay time.Duration) error) ClientOption {
	return func(client *Client) {
		client.sleepFn = sleep
	}
}

// NewClient wires a Client. The breaker is owned by the caller so one logical
// instance guards the engine for the life of the process.
func NewClient(cfg Config, circuit *breaker.Breaker, logger *zap.Logger, options ...ClientOption) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("engine base url is required")
	}
	if circuit == nil {
		return nil, errors.New("circuit breaker is required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		circuit:    circuit,
		sleepFn:    sleepWithContext,
		logger:     logger,
	}
	if cfg.OutboundRPS > 0 {
		burst := cfg.OutboundBurst
		if burst <= 0 {
			burst = 1
		}
		client.outbound = rate.NewLimiter(rate.Limit(cfg.OutboundRPS), burst)
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// Transcribe forwards a transcription request to the engine.
func (client *Client) Transcribe(ctx context.Context, payload []byte) (*Response, error) {
	return client.Call(ctx, http.MethodPost, pathTranscribe, payload)
}

// JobStatus fetches the status of an engine job.
func (client *Client) JobStatus(ctx context.Context, jobID string) (*Response, error) {
	return client.Call(ctx, http.MethodGet, pathStatus+jobID, nil)
}

// Call executes one downstream request. Network errors, timeouts, and 5xx
// responses are retried up to MaxRetries with backoff base*2^attempt; any
// other HTTP response (2xx through 4xx) is final and returned as-is.
func (client *Client) Call(ctx context.Context, method string, path string, body []byte) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= client.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := client.cfg.BackoffBase * (1 << attempt)
			if client.logger != nil {
				client.logger.Debug("retrying engine call",
					zap.String("path", path),
					zap.Int("attempt", attempt),
					zap.Duration("delay", delay))
			}
			if err := client.sleepFn(ctx, delay); err != nil {
				return nil, err
			}
		}
		var response *Response
		err := client.circuit.Execute(ctx, func(ctx context.Context) error {
			if client.outbound != nil {
				if err := client.outbound.Wait(ctx); err != nil {
					return err
				}
			}
			resp, err := client.do(ctx, method, path, body)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
			}
			response = resp
			if resp.StatusCode >= http.StatusInternalServerError {
				return &UpstreamStatusError{StatusCode: resp.StatusCode}
			}
			return nil
		})
		if err == nil {
			return response, nil
		}
		if errors.Is(err, breaker.ErrOpen) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (client *Client) do(ctx context.Context, method string, path string, body []byte) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, client.cfg.CallTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(callCtx, method, client.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	request.Header.Set(headerEngineAuth, client.cfg.SharedSecret)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	httpResponse, err := client.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()
	data, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: httpResponse.StatusCode, Body: data}, nil
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
