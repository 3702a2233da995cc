// Package breaker implements a three-state circuit breaker guarding a named
// downstream service.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrOpen is returned without invoking the operation while the circuit is open.
var ErrOpen = errors.New("circuit open")

// State enumerates breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (state State) String() string {
	switch state {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(state))
	}
}

// Settings configures a Breaker.
type Settings struct {
	// Name identifies the guarded downstream service.
	Name string
	// FailureThreshold is the closed-state failure count that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit rejects before probing.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls is the consecutive half-open successes required to close.
	HalfOpenMaxCalls int
}

// Breaker is one logical instance per downstream service, constructed once
// per process and injected where needed. Counters are mutex-guarded.
type Breaker struct {
	settings Settings

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	nowFn  func() time.Time
	logger *zap.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the breaker clock.
func WithClock(now func() time.Time) Option {
	return func(breaker *Breaker) {
		breaker.nowFn = now
	}
}

// WithLogger wires a logger for state transitions.
func WithLogger(logger *zap.Logger) Option {
	return func(breaker *Breaker) {
		breaker.logger = logger
	}
}

// New wires a Breaker in the closed state.
func New(settings Settings, options ...Option) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = 30 * time.Second
	}
	if settings.HalfOpenMaxCalls <= 0 {
		settings.HalfOpenMaxCalls = 2
	}
	breaker := &Breaker{
		settings: settings,
		state:    StateClosed,
		nowFn:    time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(breaker)
		}
	}
	return breaker
}

// Execute runs op through the breaker. While open and inside the recovery
// timeout it returns ErrOpen without invoking op.
func (breaker *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := breaker.beforeCall(); err != nil {
		return err
	}
	err := op(ctx)
	breaker.afterCall(err == nil)
	return err
}

// State returns the current state.
func (breaker *Breaker) State() State {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	return breaker.state
}

func (breaker *Breaker) beforeCall() error {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	if breaker.state != StateOpen {
		return nil
	}
	if breaker.nowFn().Sub(breaker.lastFailureTime) < breaker.settings.RecoveryTimeout {
		return fmt.Errorf("%w: %s", ErrOpen, breaker.settings.Name)
	}
	breaker.transitionLocked(StateHalfOpen)
	breaker.successCount = 0
	return nil
}

func (breaker *Breaker) afterCall(success bool) {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	switch breaker.state {
	case StateClosed:
		if success {
			// Decay stale failures so unrelated blips spread over a long
			// period never accumulate into a trip.
			if breaker.failureCount > 0 {
				breaker.failureCount--
			}
			return
		}
		breaker.failureCount++
		breaker.lastFailureTime = breaker.nowFn()
		if breaker.failureCount >= breaker.settings.FailureThreshold {
			breaker.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		if !success {
			breaker.lastFailureTime = breaker.nowFn()
			breaker.transitionLocked(StateOpen)
			return
		}
		breaker.successCount++
		if breaker.successCount >= breaker.settings.HalfOpenMaxCalls {
			breaker.failureCount = 0
			breaker.transitionLocked(StateClosed)
		}
	case StateOpen:
		// A call admitted just before the circuit opened; its outcome no
		// longer changes the state.
		if !success {
			breaker.lastFailureTime = breaker.nowFn()
		}
	}
}

// transitionLocked changes state. Must be called with the lock held.
func (breaker *Breaker) transitionLocked(next State) {
	if breaker.state == next {
		return
	}
	previous := breaker.state
	breaker.state = next
	if breaker.logger != nil {
		breaker.logger.Info("circuit state change",
			zap.String("service", breaker.settings.Name),
			zap.String("from", previous.String()),
			zap.String("to", next.String()),
			zap.Int("failure_count", breaker.failureCount))
	}
}
