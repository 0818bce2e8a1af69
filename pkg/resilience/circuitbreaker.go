package resilience

import (
	"errors"
	"sync"
	"time"

	"topic-chat/backend/pkg/logger"
)

// ErrCircuitOpen is returned while the breaker short-circuits calls
var ErrCircuitOpen = errors.New("circuit open")

// CircuitBreakerState represents the current state of a circuit breaker
type CircuitBreakerState string

const (
	// StateClosed lets calls through
	StateClosed CircuitBreakerState = "closed"
	// StateOpen short-circuits calls until the retry timeout passes
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen lets a limited number of trial calls through
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold uint
	SuccessThreshold uint
	RetryTimeout     time.Duration
}

// DefaultCircuitBreakerConfig returns a default circuit breaker configuration
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RetryTimeout:     30 * time.Second,
	}
}

// CircuitBreaker implements the Circuit Breaker pattern
type CircuitBreaker struct {
	name             string
	failureThreshold uint
	successThreshold uint
	retryTimeout     time.Duration
	log              *logger.Logger
	now              func() time.Time

	mutex           sync.Mutex
	state           CircuitBreakerState
	failureCount    uint
	successCount    uint
	lastFailureTime time.Time
	nextAttemptTime time.Time

	totalRequests    uint64
	totalFailures    uint64
	totalSuccesses   uint64
	openCircuitCount uint64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig, log *logger.Logger) *CircuitBreaker {
	if log == nil {
		log = logger.GetGlobal()
	}
	return &CircuitBreaker{
		name:             config.Name,
		state:            StateClosed,
		failureThreshold: config.FailureThreshold,
		successThreshold: config.SuccessThreshold,
		retryTimeout:     config.RetryTimeout,
		log:              log,
		now:              time.Now,
	}
}

// Execute runs fn unless the circuit is open. A non-nil error from fn
// counts as a failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		cb.log.Warn("circuit breaker rejected call", "name", cb.name, "state", string(cb.GetState()))
		return ErrCircuitOpen
	}

	start := cb.now()
	err := fn()
	if err != nil {
		cb.recordFailure()
		cb.log.Warn("circuit breaker recorded failure",
			"name", cb.name,
			"error", err.Error(),
			"duration", cb.now().Sub(start).String(),
		)
		return err
	}

	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed:
	case StateOpen:
		if cb.now().Before(cb.nextAttemptTime) {
			return false
		}
		cb.toHalfOpen()
	case StateHalfOpen:
		if cb.successCount >= cb.successThreshold {
			return false
		}
	}
	cb.totalRequests++
	return true
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.totalSuccesses++

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.toClosed()
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.totalFailures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.toOpen()
		}
	case StateHalfOpen:
		cb.toOpen()
	}
}

func (cb *CircuitBreaker) toOpen() {
	cb.state = StateOpen
	cb.openCircuitCount++
	cb.nextAttemptTime = cb.now().Add(cb.retryTimeout)

	cb.log.Info("circuit breaker opened",
		"name", cb.name,
		"failures", cb.failureCount,
		"next_attempt", cb.nextAttemptTime.Format(time.RFC3339),
	)
}

func (cb *CircuitBreaker) toHalfOpen() {
	cb.state = StateHalfOpen
	cb.successCount = 0
	cb.log.Info("circuit breaker half-open", "name", cb.name)
}

func (cb *CircuitBreaker) toClosed() {
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.log.Info("circuit breaker closed", "name", cb.name)
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// GetMetrics returns counters for the health endpoint
func (cb *CircuitBreaker) GetMetrics() map[string]any {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return map[string]any{
		"name":               cb.name,
		"state":              string(cb.state),
		"total_requests":     cb.totalRequests,
		"total_failures":     cb.totalFailures,
		"total_successes":    cb.totalSuccesses,
		"open_circuit_count": cb.openCircuitCount,
		"last_failure_time":  cb.lastFailureTime,
	}
}
