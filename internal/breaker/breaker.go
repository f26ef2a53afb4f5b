// Package breaker implements the circuit breaker guarding reconciliation's
// runtime/state probe and corrective RPCs.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is one of the breaker's three states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Defaults for breaker thresholds and cooldown.
const (
	DefaultFailureThreshold    = 3
	DefaultCooldown            = 30 * time.Second
	DefaultHalfOpenMaxCalls    = 1
	DefaultHalfOpenSuccessMin  = 1
)

// CircuitOpenError is returned by Allow while the breaker is open.
type CircuitOpenError struct {
	RetryAfterMs int64
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("breaker: circuit open, retry after %dms", e.RetryAfterMs)
}

// Config configures a Breaker. Zero values take the package defaults.
type Config struct {
	FailureThreshold   int
	Cooldown           time.Duration
	HalfOpenMaxCalls   int
	HalfOpenSuccessMin int
	// FailureWindow, if positive, resets the consecutive-failure streak
	// once that much time has passed since the last recorded failure, so
	// stale failures from a previous incident don't combine with a new one
	// to trip the breaker early. Zero disables windowing (streak never
	// resets except by success or trip).
	FailureWindow time.Duration
}

// Breaker is a closed/open/half-open state machine. Safe for concurrent
// use.
type Breaker struct {
	failureThreshold   int
	cooldown           time.Duration
	halfOpenMaxCalls   int
	halfOpenSuccessMin int
	failureWindow      time.Duration

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	lastFailureAt   time.Time
	halfOpenInUse   int
	halfOpenSuccess int
}

// New builds a Breaker starting closed.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	if cfg.HalfOpenSuccessMin <= 0 {
		cfg.HalfOpenSuccessMin = DefaultHalfOpenSuccessMin
	}
	return &Breaker{
		failureThreshold:   cfg.FailureThreshold,
		cooldown:           cfg.Cooldown,
		halfOpenMaxCalls:   cfg.HalfOpenMaxCalls,
		halfOpenSuccessMin: cfg.HalfOpenSuccessMin,
		failureWindow:      cfg.FailureWindow,
	}
}

// CanAttemptOperation reports whether the breaker currently permits a
// guarded call, without reserving a half-open probe slot.
func (b *Breaker) CanAttemptOperation() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionIfCooldownElapsed()
	return b.state != StateOpen
}

// Allow reserves permission to perform one guarded call. On StateOpen it
// returns *CircuitOpenError. On StateHalfOpen it admits at most
// HalfOpenMaxCalls concurrent probes, rejecting the rest with the same
// error. Every successful Allow must be paired with exactly one of
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionIfCooldownElapsed()

	switch b.state {
	case StateOpen:
		return &CircuitOpenError{RetryAfterMs: b.retryAfterMsLocked()}
	case StateHalfOpen:
		if b.halfOpenInUse >= b.halfOpenMaxCalls {
			return &CircuitOpenError{RetryAfterMs: b.retryAfterMsLocked()}
		}
		b.halfOpenInUse++
		return nil
	default:
		return nil
	}
}

// transitionIfCooldownElapsed moves open -> half-open once Cooldown has
// passed. Caller must hold b.mu.
func (b *Breaker) transitionIfCooldownElapsed() {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.halfOpenInUse = 0
		b.halfOpenSuccess = 0
	}
}

func (b *Breaker) retryAfterMsLocked() int64 {
	remaining := b.cooldown - time.Since(b.openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining.Milliseconds()
}

// RecordSuccess reports a guarded call succeeded. In half-open, enough
// successes close the breaker; in closed, it resets the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInUse--
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.halfOpenSuccessMin {
			b.state = StateClosed
			b.consecutiveFail = 0
		}
	case StateClosed:
		b.consecutiveFail = 0
	}
}

// RecordFailure reports a guarded call failed with a non-validation error.
// Validation-class errors must never reach this method.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInUse--
		b.trip()
	case StateClosed:
		if b.failureWindow > 0 && !b.lastFailureAt.IsZero() && time.Since(b.lastFailureAt) > b.failureWindow {
			b.consecutiveFail = 0
		}
		b.lastFailureAt = time.Now()
		b.consecutiveFail++
		if b.consecutiveFail >= b.failureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.consecutiveFail = 0
	b.halfOpenInUse = 0
	b.halfOpenSuccess = 0
}

// State returns the breaker's current state, applying any pending
// cooldown-elapsed transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionIfCooldownElapsed()
	return b.state
}

// Reset forces the breaker back to closed, e.g. after a successful
// reconciliation that didn't itself go through Allow/RecordSuccess.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFail = 0
	b.halfOpenInUse = 0
	b.halfOpenSuccess = 0
}
