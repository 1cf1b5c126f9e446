// Package backoff provides the pure retry-delay calculation shared by the
// sync-queue retry loop and the transport layer's 5xx retries.
package backoff

import (
	"math/rand"
	"time"
)

// Policy computes exponential retry delays with an upper cap and optional
// bounded jitter. The zero value is unusable; use Default() or construct
// with explicit fields.
type Policy struct {
	// Base is the delay for attempt 0.
	Base time.Duration

	// Max caps the un-jittered delay.
	Max time.Duration

	// Jitter, when positive, adds a uniformly random amount in [0, Jitter)
	// to spread out synchronized retries. The jittered delay never drops
	// below the computed delay and never exceeds Max + Jitter.
	Jitter time.Duration
}

// Default returns the policy used when configuration does not override it.
func Default() Policy {
	return Policy{
		Base: 500 * time.Millisecond,
		Max:  30 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (0-based):
// min(Base * 2^attempt, Max), plus jitter when configured.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.Max || delay < 0 {
			// Overflow or cap reached; no point doubling further.
			delay = p.Max
			break
		}
	}
	if delay > p.Max {
		delay = p.Max
	}

	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}

	return delay
}
