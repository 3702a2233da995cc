package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/vendgate/internal/breaker"
	"go.uber.org/zap"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (recorder *sleepRecorder) Sleep(ctx context.Context, delay time.Duration) error {
	recorder.delays = append(recorder.delays, delay)
	return nil
}

func newTestClient(t *testing.T, baseURL string, cfg Config, circuit *breaker.Breaker, recorder *sleepRecorder) *Client {
	t.Helper()
	cfg.BaseURL = baseURL
	cfg.SharedSecret = "shared-secret"
	if circuit == nil {
		circuit = breaker.New(breaker.Settings{Name: "engine", FailureThreshold: 100})
	}
	client, err := NewClient(cfg, circuit, zap.NewNop(), WithSleep(recorder.Sleep))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestCallRetriesServerErrorsWithExponentialBackoff(t *testing.T) {
	t.Parallel()
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requests.Add(1)
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	recorder := &sleepRecorder{}
	client := newTestClient(t, server.URL, Config{MaxRetries: 2, BackoffBase: 100 * time.Millisecond}, nil, recorder)

	_, err := client.Transcribe(context.Background(), []byte(`{}`))
	var statusErr *UpstreamStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected UpstreamStatusError 500, got %v", err)
	}
	if got := requests.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}
	if len(recorder.delays) != len(want) {
		t.Fatalf("expected %d backoff sleeps, got %v", len(want), recorder.delays)
	}
	for index, delay := range want {
		if recorder.delays[index] != delay {
			t.Fatalf("expected delay %s at index %d, got %s", delay, index, recorder.delays[index])
		}
	}
}

func TestCallDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requests.Add(1)
		writer.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = writer.Write([]byte(`{"error":"bad audio"}`))
	}))
	defer server.Close()

	recorder := &sleepRecorder{}
	client := newTestClient(t, server.URL, Config{MaxRetries: 3}, nil, recorder)

	response, err := client.Transcribe(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatalf("4xx must not be an error: %v", err)
	}
	if response.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected pass-through 422, got %d", response.StatusCode)
	}
	if string(response.Body) != `{"error":"bad audio"}` {
		t.Fatalf("expected verbatim body, got %q", response.Body)
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestCallSendsSharedSecretHeader(t *testing.T) {
	t.Parallel()
	var seenAuth string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		seenAuth = request.Header.Get("X-Engine-Auth")
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte(`{"jobId":"j1"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, Config{}, nil, &sleepRecorder{})
	response, err := client.JobStatus(context.Background(), "j1")
	if err != nil {
		t.Fatalf("job status: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.StatusCode)
	}
	if seenAuth != "shared-secret" {
		t.Fatalf("expected shared secret header, got %q", seenAuth)
	}
}

func TestNetworkErrorMarksUpstreamUnavailable(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close()

	client := newTestClient(t, server.URL, Config{MaxRetries: 1}, nil, &sleepRecorder{})
	_, err := client.Transcribe(context.Background(), []byte(`{}`))
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestOutboundSmoothingGatesCalls(t *testing.T) {
	t.Parallel()
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requests.Add(1)
		writer.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// One burst token and a refill rate so slow the second call cannot get a
	// token within its deadline.
	client := newTestClient(t, server.URL, Config{OutboundRPS: 0.001, OutboundBurst: 1}, nil, &sleepRecorder{})

	if _, err := client.Transcribe(context.Background(), nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.Transcribe(ctx, nil); err == nil {
		t.Fatal("second call should fail waiting for an outbound token")
	}
	if got := requests.Load(); got != 1 {
		t.Fatalf("smoother must hold the second call off the wire, got %d requests", got)
	}
}

func TestOpenCircuitShortCircuitsWithoutRequests(t *testing.T) {
	t.Parallel()
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requests.Add(1)
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	circuit := breaker.New(breaker.Settings{Name: "engine", FailureThreshold: 2, RecoveryTimeout: time.Hour})
	client := newTestClient(t, server.URL, Config{MaxRetries: 0}, circuit, &sleepRecorder{})

	for index := 0; index < 2; index++ {
		if _, err := client.Transcribe(context.Background(), nil); err == nil {
			t.Fatalf("attempt %d should fail", index)
		}
	}
	before := requests.Load()

	_, err := client.Transcribe(context.Background(), nil)
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if requests.Load() != before {
		t.Fatal("no request must reach the engine while the circuit is open")
	}
}

func TestRetryLoopStopsWhenCircuitOpensMidway(t *testing.T) {
	t.Parallel()
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		requests.Add(1)
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	circuit := breaker.New(breaker.Settings{Name: "engine", FailureThreshold: 2, RecoveryTimeout: time.Hour})
	client := newTestClient(t, server.URL, Config{MaxRetries: 5}, circuit, &sleepRecorder{})

	_, err := client.Transcribe(context.Background(), nil)
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected ErrOpen once the breaker trips mid-retry, got %v", err)
	}
	if got := requests.Load(); got != 2 {
		t.Fatalf("expected exactly 2 attempts before the trip, got %d", got)
	}
}
