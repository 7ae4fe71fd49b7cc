package sched

import (
	"sync"
	"time"
)

// TokenBucket is an admission gate independent of queue capacity. Tokens
// accumulate at a fixed rate up to burst; each admitted request debits one.
//
// Refill is lazy: computed from elapsed wall-clock time on each call, never
// via a background timer. The x/time/rate limiter is not used here because
// callers need the exact observable semantics below (AvailableTokens, and
// Acquire's computed deficit wait with a single retry).
type TokenBucket struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	burst  float64
	tokens float64
	last   time.Time
}

func NewTokenBucket(ratePerSecond float64, burst int) *TokenBucket {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{
		rate:   ratePerSecond,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// Acquire debits n tokens, waiting at most timeout for the deficit to
// refill. A false return is a normal admission-throttling outcome, not an
// error: if the tokens are not immediately available and either timeout <= 0
// or the deficit cannot refill within timeout, Acquire fails without
// sleeping needlessly. Otherwise it sleeps exactly the deficit wait, refills
// once more, and retries once.
func (b *TokenBucket) Acquire(n float64, timeout time.Duration) bool {
	if n <= 0 {
		return true
	}

	b.mu.Lock()
	b.refillLocked(time.Now())
	if b.tokens >= n {
		b.tokens -= n
		b.mu.Unlock()
		return true
	}
	deficit := n - b.tokens
	b.mu.Unlock()

	if timeout <= 0 {
		return false
	}
	wait := time.Duration(deficit / b.rate * float64(time.Second))
	if wait > timeout {
		return false
	}
	time.Sleep(wait)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens < n {
		// Lost the refilled tokens to a concurrent Acquire.
		return false
	}
	b.tokens -= n
	return true
}

// AvailableTokens refills from the clock and reports the current balance.
func (b *TokenBucket) AvailableTokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
	}
	b.last = now
}
