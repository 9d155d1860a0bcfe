package redis

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed   State = 0 // normal operation, calls pass through
	StateOpen     State = 1 // tripped, calls rejected until the cooldown elapses
	StateHalfOpen State = 2 // probing, one call allowed through
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

// ErrBreakerOpen is returned while the breaker rejects calls.
var ErrBreakerOpen = errors.New("redis breaker is open")

// Breaker trips after tripAfter consecutive failures and rejects calls for
// the cooldown period. The first call after the cooldown runs as a probe:
// success closes the breaker, failure reopens it.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	tripAfter int
	cooldown  time.Duration
	openedAt  time.Time

	OnStateChange func(from, to State)
}

// NewBreaker creates a closed breaker.
func NewBreaker(tripAfter int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:     StateClosed,
		tripAfter: tripAfter,
		cooldown:  cooldown,
	}
}

// Do runs fn unless the breaker is open. The mutex is released around fn so
// slow Redis calls never serialize on breaker bookkeeping.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.transition(StateHalfOpen)
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.openedAt = time.Now()
		if b.state == StateHalfOpen || b.failures >= b.tripAfter {
			b.transition(StateOpen)
		}
		return err
	}
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
	b.failures = 0
	return nil
}

// CurrentState returns the breaker state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
