package client

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBackoffMin = 8 * time.Second
	DefaultBackoffMax = 32 * time.Second
)

// Backoff gates reconnect attempts. Each failure doubles the delay, starting
// at Min and capped at Max, and a success resets it. Jitter adds up to that
// fraction of the delay on top, so that many clients don't retry in lockstep.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64

	mu      sync.Mutex
	delay   time.Duration
	attempt int
	nextTry time.Time
	random  func() float64
}

func NewBackoff(min, max time.Duration, jitter float64) *Backoff {
	return &Backoff{
		Min:    min,
		Max:    max,
		Jitter: jitter,
		random: rand.Float64,
	}
}

// Allow returns ErrBackoff if now is before the next permitted attempt.
func (b *Backoff) Allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Before(b.nextTry) {
		return ErrBackoff
	}

	return nil
}

// Wait returns how long after now the next attempt is permitted, zero when it
// already is.
func (b *Backoff) Wait(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if wait := b.nextTry.Sub(now); wait > 0 {
		return wait
	}

	return 0
}

// Failure records a failed attempt at now and returns how long to wait before
// the next one.
func (b *Backoff) Failure(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.delay == 0:
		b.delay = b.Min
	case b.delay*2 > b.Max:
		b.delay = b.Max
	default:
		b.delay *= 2
	}

	wait := b.delay
	if b.Jitter > 0 {
		wait += time.Duration(b.random() * b.Jitter * float64(b.delay))
	}

	b.attempt++
	b.nextTry = now.Add(wait)

	return wait
}

// Success resets the delay. The time of the next permitted attempt is left as
// is.
func (b *Backoff) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.delay = 0
	b.attempt = 0
}

// Attempt is the number of consecutive failures.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.attempt
}

// Do runs fn if allowed at now, recording its outcome.
func (b *Backoff) Do(now time.Time, fn func() error) error {
	if err := b.Allow(now); err != nil {
		return err
	}

	if err := fn(); err != nil {
		b.Failure(now)
		return err
	}

	b.Success()
	return nil
}
