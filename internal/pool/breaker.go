package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/crosspool/crosspool/internal/logger"
)

// breakerState is the state of the session-open circuit breaker.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "CLOSED"
	case breakerOpen:
		return "OPEN"
	case breakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// errBreakerOpen is returned while the breaker rejects session opens.
var errBreakerOpen = errors.New("session opens suspended after repeated connect failures")

// BreakerConfig tunes the circuit breaker guarding physical session opens.
type BreakerConfig struct {
	// MaxFailures before the breaker opens.
	MaxFailures int
	// Cooldown to wait before probing an open breaker.
	Cooldown time.Duration
	// HalfOpenMax opens allowed while probing.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
		HalfOpenMax: 3,
	}
}

// breaker protects a backend from connect storms: after MaxFailures
// consecutive open failures it fails fast until a cooldown passes, then
// lets a few probe opens through before closing again.
type breaker struct {
	cfg BreakerConfig
	mu  sync.Mutex

	state         breakerState
	failures      int
	lastFailure   time.Time
	halfOpenCount int
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg, state: breakerClosed}
}

// allow reports whether a session open may proceed.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if time.Since(b.lastFailure) > b.cfg.Cooldown {
			b.setState(breakerHalfOpen)
			b.halfOpenCount = 1
			return nil
		}
		return errBreakerOpen
	case breakerHalfOpen:
		if b.halfOpenCount >= b.cfg.HalfOpenMax {
			return errBreakerOpen
		}
		b.halfOpenCount++
		return nil
	default:
		return nil
	}
}

// recordSuccess notes a successful open.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == breakerHalfOpen {
		b.setState(breakerClosed)
		b.halfOpenCount = 0
	}
}

// recordFailure notes a failed open.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case breakerClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.setState(breakerOpen)
		}
	case breakerHalfOpen:
		b.setState(breakerOpen)
	}
}

func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == breakerOpen
}

func (b *breaker) setState(state breakerState) {
	if b.state != state {
		logger.Info("session-open breaker state changed",
			"from", b.state.String(),
			"to", state.String(),
			"failures", b.failures)
		b.state = state
	}
}
