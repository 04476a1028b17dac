package llm

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// BreakerState represents the circuit breaker state
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker stops calling the backend after repeated retryable failures and
// lets a trial request through once the cooldown has passed.
type Breaker struct {
	failureThreshold uint32
	successThreshold uint32
	cooldown         time.Duration

	failures    uint32
	successes   uint32
	lastFailure time.Time
	state       BreakerState
	mu          sync.Mutex

	logger *logrus.Logger
	now    func() time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(failureThreshold, successThreshold uint32, cooldown time.Duration, logger *logrus.Logger) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
		state:            StateClosed,
		logger:           logger,
		now:              time.Now,
	}
}

// Execute runs fn unless the breaker is open. Only retryable failures count
// against the backend; a rejected request says nothing about its health.
func (b *Breaker) Execute(fn func() error) error {
	if b.State() == StateOpen {
		return &BackendError{Kind: Retryable, Err: ErrCircuitOpen}
	}

	err := fn()
	if err != nil && !IsPermanent(err) {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return err
}

// State returns the current state, moving Open to HalfOpen after the cooldown
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.now().Sub(b.lastFailure) > b.cooldown {
		b.state = StateHalfOpen
		b.failures = 0
		b.successes = 0
	}
	return b.state
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.failureThreshold {
			b.state = StateOpen
			b.logger.WithField("failures", b.failures).Warn("Opening backend circuit breaker")
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.logger.Warn("Re-opening backend circuit breaker after failure in half-open state")
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if b.successes >= b.successThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.logger.Info("Closing backend circuit breaker")
		}
	}
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}
