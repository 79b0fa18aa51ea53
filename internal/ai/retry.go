package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// RetryConfig bounds how hard triage tries before giving up. Triage is
// advisory, so the defaults fail fast.
type RetryConfig struct {
	MaxRetries     int           // Retries after the first attempt (default: 2)
	InitialBackoff time.Duration // Doubles after every retry (default: 1s)
	MaxBackoff     time.Duration // Cap on the backoff (default: 10s)
	Timeout        time.Duration // Per-attempt timeout (default: 45s)

	CircuitBreakerEnabled bool
	FailureThreshold      int           // Transient failures before the circuit opens
	SuccessThreshold      int           // Half-open successes before it closes again
	OpenTimeout           time.Duration // How long an open circuit rejects calls

	MaxConcurrentCalls int // 0 = unlimited
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:            2,
		InitialBackoff:        time.Second,
		MaxBackoff:            10 * time.Second,
		Timeout:               45 * time.Second,
		CircuitBreakerEnabled: true,
		FailureThreshold:      3,
		SuccessThreshold:      1,
		OpenTimeout:           2 * time.Minute,
		MaxConcurrentCalls:    2,
	}
}

// CircuitState is the state of a CircuitBreaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned while the circuit rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops triage calls after repeated transient failures so a
// struggling API does not slow every failed item down
type CircuitBreaker struct {
	mu sync.Mutex

	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
	}
}

// Allow returns ErrCircuitOpen while the circuit is open. Once the open
// timeout has passed the circuit goes half-open and lets a probe through.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return nil
	}
	if time.Since(cb.openedAt) < cb.openTimeout {
		return ErrCircuitOpen
	}
	cb.setState(CircuitHalfOpen)
	return nil
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.setState(CircuitClosed)
		}
	}
}

// RecordFailure records a transient failure
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.setState(CircuitOpen)
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	switch to {
	case CircuitClosed:
		cb.failures = 0
	case CircuitOpen:
		cb.openedAt = time.Now()
	}
	slog.Debug("triage circuit breaker", "from", from.String(), "to", to.String(), "failures", cb.failures)
}

// withRetry runs fn until it succeeds, fails permanently, or the retry
// budget is spent. Only transient errors count against the circuit.
func (t *Triage) withRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	if t.concurrencySem != nil {
		if err := t.concurrencySem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("failed to acquire slot for %s: %w", operation, err)
		}
		defer t.concurrencySem.Release(1)
	}

	backoff := t.retry.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= t.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			t.logger.Debug("retrying triage call", "operation", operation, "attempt", attempt+1, "backoff", backoff, "error", lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("%s canceled: %w", operation, ctx.Err())
			}
			backoff = min(2*backoff, t.retry.MaxBackoff)
		}

		if t.circuitBreaker != nil {
			if err := t.circuitBreaker.Allow(); err != nil {
				return fmt.Errorf("%s skipped: %w", operation, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, t.retry.Timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			if t.circuitBreaker != nil {
				t.circuitBreaker.RecordSuccess()
			}
			return nil
		}
		lastErr = err

		if !isRetriableError(err) {
			return err
		}
		if t.circuitBreaker != nil {
			t.circuitBreaker.RecordFailure()
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, t.retry.MaxRetries+1, lastErr)
}

// transientMarkers identify transient failures in errors that do not carry
// a status code
var transientMarkers = []string{
	"429", "rate limit", "overloaded",
	"500", "502", "503", "504", "529",
	"service unavailable", "bad gateway",
	"connection refused", "connection reset", "timeout",
}

// isRetriableError reports whether err is worth another attempt: rate
// limits, server errors, overload and network trouble
func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
