package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is matched by every *OpenError
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned without calling the protected function
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Config tunes a CircuitBreaker
type Config struct {
	Name string
	// MaxFailures consecutive failures open the circuit
	MaxFailures int
	// OpenTimeout is how long the circuit stays open before probing
	OpenTimeout time.Duration
	// HalfOpenProbes successful probes close the circuit again
	HalfOpenProbes int
	// IsFailure decides which errors count against the circuit. Nil counts every error.
	IsFailure func(error) bool
}

// CircuitBreaker guards calls to an external service
type CircuitBreaker struct {
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probes      int // in flight while half-open
	probeWins   int
	requests    uint64
	lastFailure time.Time
}

func New(cfg Config, logger *logrus.Logger) *CircuitBreaker {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	if cfg.HalfOpenProbes < 1 {
		cfg.HalfOpenProbes = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CircuitBreaker{cfg: cfg, logger: logger, now: time.Now}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	switch cb.state {
	case StateOpen:
		return &OpenError{Name: cb.cfg.Name, State: cb.state}
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenProbes {
			return &OpenError{Name: cb.cfg.Name, State: cb.state}
		}
		cb.probes++
	}
	cb.requests++
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	failed := err != nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(err))

	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasHalfOpen := cb.state == StateHalfOpen
	if wasHalfOpen {
		cb.probes--
	}

	if failed {
		cb.failures++
		cb.lastFailure = cb.now()
		if wasHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
		return
	}

	if wasHalfOpen {
		cb.probeWins++
		if cb.probeWins >= cb.cfg.HalfOpenProbes {
			cb.close()
		}
		return
	}
	cb.failures = 0
}

// advance moves an expired open circuit to half-open. Caller holds mu.
func (cb *CircuitBreaker) advance() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.OpenTimeout {
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeWins = 0
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.cfg.Name,
			"state":           StateHalfOpen.String(),
		}).Info("Circuit breaker probing")
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.cfg.Name,
		"failures":        cb.failures,
		"state":           StateOpen.String(),
	}).Warn("Circuit breaker opened due to failures")
}

func (cb *CircuitBreaker) close() {
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeWins = 0
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.cfg.Name,
		"state":           StateClosed.String(),
	}).Info("Circuit breaker closed after successful recovery")
}

// State returns the current state, promoting an expired open circuit to half-open
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// Stats is a snapshot of breaker counters
type Stats struct {
	Name            string
	State           State
	Failures        int
	Requests        uint64
	LastFailureTime time.Time
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.cfg.Name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requests,
		LastFailureTime: cb.lastFailure,
	}
}
