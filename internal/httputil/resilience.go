package httputil

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// Retry Configuration
// =============================================================================

// RetryConfig configures retry behavior for idempotent requests.
type RetryConfig struct {
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential delay.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the delay between attempts.
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0).
	Jitter float64
	// RetryableStatusCodes are statuses worth another attempt.
	RetryableStatusCodes []int
}

// DefaultRetryConfig returns the retry policy used by the gateway.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

func (c RetryConfig) backoff(attempt int) time.Duration {
	multiplier := c.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	backoff := float64(c.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))
	if c.MaxBackoff > 0 && backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}
	if c.Jitter > 0 {
		backoff += backoff * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}

func (c RetryConfig) retryableStatus(code int) bool {
	for _, retryable := range c.RetryableStatusCodes {
		if code == retryable {
			return true
		}
	}
	return false
}

// =============================================================================
// Circuit Breaker
// =============================================================================

// CircuitState represents the state of a circuit breaker.
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
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Zero disables the breaker.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that close it.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing again.
	Timeout time.Duration
	// OnStateChange is called asynchronously on every transition.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the breaker policy used by the gateway.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          15 * time.Second,
	}
}

// ErrCircuitOpen is returned while the ledger service is considered down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops sending requests after repeated server failures.
type CircuitBreaker struct {
	mu sync.RWMutex

	config CircuitBreakerConfig
	state  CircuitState

	failures  int
	successes int
	lastError error
	openedAt  time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// Allow returns ErrCircuitOpen while the circuit is open and the timeout has
// not elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.openedAt) <= cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.transitionTo(CircuitHalfOpen)
	}
	return nil
}

// RecordSuccess records a request the service answered.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

// RecordFailure records a transport failure or server error.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastError = err
	if cb.config.FailureThreshold <= 0 {
		return
	}

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	oldState := cb.state
	cb.state = newState

	switch newState {
	case CircuitClosed:
		cb.failures = 0
		cb.successes = 0
	case CircuitOpen:
		cb.openedAt = time.Now()
		cb.successes = 0
	case CircuitHalfOpen:
		cb.successes = 0
	}

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(oldState, newState)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// LastError returns the last recorded failure.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastError
}

// =============================================================================
// Resilient Transport
// =============================================================================

// Transport is an http.RoundTripper that retries idempotent requests and
// guards the ledger service with a circuit breaker. Mutating requests
// (POST /transaction, /mine, ...) are sent exactly once.
type Transport struct {
	base    http.RoundTripper
	retry   RetryConfig
	breaker *CircuitBreaker

	totalRequests   int64
	failedRequests  int64
	retriedRequests int64
}

// NewTransport wraps base. A nil base uses a pooled http.Transport.
func NewTransport(base http.RoundTripper, retry RetryConfig, breaker CircuitBreakerConfig) *Transport {
	if base == nil {
		base = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		}
	}
	return &Transport{
		base:    base,
		retry:   retry,
		breaker: NewCircuitBreaker(breaker),
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	atomic.AddInt64(&t.totalRequests, 1)

	if err := t.breaker.Allow(); err != nil {
		atomic.AddInt64(&t.failedRequests, 1)
		return nil, err
	}

	attempts := 1
	if isIdempotent(req.Method) {
		attempts += t.retry.MaxRetries
	}

	var (
		resp *http.Response
		err  error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&t.retriedRequests, 1)
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(t.retry.backoff(attempt)):
			}
			req = req.Clone(req.Context())
		}

		resp, err = t.base.RoundTrip(req)
		last := attempt == attempts-1

		if err != nil {
			if !last && retryableError(err) {
				continue
			}
			if !errors.Is(err, context.Canceled) {
				t.breaker.RecordFailure(err)
			}
			atomic.AddInt64(&t.failedRequests, 1)
			return nil, err
		}

		if !last && t.retry.retryableStatus(resp.StatusCode) {
			resp.Body.Close()
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			t.breaker.RecordFailure(&HTTPError{StatusCode: resp.StatusCode})
			atomic.AddInt64(&t.failedRequests, 1)
		} else {
			t.breaker.RecordSuccess()
		}
		return resp, nil
	}
	return resp, err
}

// Stats returns transport counters.
func (t *Transport) Stats() map[string]int64 {
	return map[string]int64{
		"total_requests":   atomic.LoadInt64(&t.totalRequests),
		"failed_requests":  atomic.LoadInt64(&t.failedRequests),
		"retried_requests": atomic.LoadInt64(&t.retriedRequests),
	}
}

// CircuitState returns the current circuit breaker state.
func (t *Transport) CircuitState() CircuitState {
	return t.breaker.State()
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func retryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// HTTPError records a server status as a breaker failure.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return http.StatusText(e.StatusCode)
}
