package retry

import (
	"sync"
	"time"
)

// Policy decides whether and when the streaming transport should attempt a
// reconnect after an unexpected disconnect. NextDelay returns the wait
// duration before the next attempt and false once the policy gives up.
// A Policy is stateful: Reset must be called after a successful connect.
type Policy interface {
	NextDelay() (time.Duration, bool)
	Reset()
}

// BackoffPolicy is the default reconnection policy: exponential backoff with
// jitter, capped at MaxDelay, giving up after MaxAttempts (0 = never give up).
type BackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int

	mu      sync.Mutex
	attempt int
}

// DefaultBackoffPolicy returns the reconnection policy used when none is
// configured: 500ms initial delay doubling up to 25s, never giving up.
func DefaultBackoffPolicy() *BackoffPolicy {
	return &BackoffPolicy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     25 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  0,
	}
}

// NextDelay returns the delay before the next reconnect attempt, or false if
// the attempt budget is exhausted.
func (p *BackoffPolicy) NextDelay() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.MaxAttempts > 0 && p.attempt >= p.MaxAttempts {
		return 0, false
	}

	initial := p.InitialDelay
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 25 * time.Second
	}
	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}

	delay := initial
	for i := 0; i < p.attempt; i++ {
		delay = time.Duration(float64(delay) * multiplier)
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	p.attempt++

	return delay + jitter(delay), true
}

// Reset clears the attempt counter after a successful connection.
func (p *BackoffPolicy) Reset() {
	p.mu.Lock()
	p.attempt = 0
	p.mu.Unlock()
}

// Attempts returns the number of delays handed out since the last Reset.
func (p *BackoffPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}
