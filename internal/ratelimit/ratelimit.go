// Package ratelimit gates outbound exchange calls under a token-bucket
// admission policy, built on golang.org/x/time/rate so the refill math is
// not hand-rolled. Each call category (orders, cancels, amends) gets its
// own Limiter instance.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits up to N events per rolling one-second window. N <= 0
// means unlimited: Wait never blocks.
type Limiter struct {
	limiter *rate.Limiter
	n       int

	mu       sync.Mutex
	admitted []time.Time // recent admission timestamps, trimmed lazily
}

// New builds a Limiter admitting n events per second. n <= 0 disables
// admission control entirely.
func New(n int) *Limiter {
	l := &Limiter{n: n}
	if n <= 0 {
		l.limiter = rate.NewLimiter(rate.Inf, 0)
		return l
	}
	l.limiter = rate.NewLimiter(rate.Limit(n), n)
	return l
}

// Wait suspends the caller until a token is admitted, then records the
// admission timestamp for CurrentRate. Admissions are granted in arrival
// order because rate.Limiter serializes waiters internally via its own
// mutex and reservation clock.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	l.recordAdmission()
	return nil
}

func (l *Limiter) recordAdmission() {
	if l.n <= 0 {
		return
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.admitted = append(l.admitted, now)
	l.trimLocked(now)
}

// trimLocked drops admission timestamps older than one second. Caller
// must hold l.mu.
func (l *Limiter) trimLocked(now time.Time) {
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(l.admitted) && l.admitted[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.admitted = l.admitted[i:]
	}
}

// CurrentRate returns the number of admissions in the most recent
// one-second window.
func (l *Limiter) CurrentRate() int {
	if l.n <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trimLocked(time.Now())
	return len(l.admitted)
}
