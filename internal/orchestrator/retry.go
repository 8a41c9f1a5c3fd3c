package orchestrator

import (
	"math/rand"
	"time"
)

// Backoff defaults: exponential from one second, capped at one minute, with
// up to 750ms of uniform jitter against thundering herds.
const (
	defaultBackoffBase   = 1 * time.Second
	defaultBackoffCap    = 60 * time.Second
	defaultBackoffJitter = 750 * time.Millisecond
)

// Backoff computes the delay before retry attempt N (1-indexed):
// min(cap, base × 2^(N-1)) plus uniform jitter in [0, Jitter).
// Attempts are counted per event, not per workflow.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
}

// DefaultBackoff returns the production retry policy.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   defaultBackoffBase,
		Cap:    defaultBackoffCap,
		Jitter: defaultBackoffJitter,
	}
}

// Delay returns the backoff for the given attempt. Attempts below 1 are
// treated as the first attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := b.Base

	// Double per attempt, stopping as soon as the cap is reached so large
	// attempt numbers cannot overflow the shift.
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= b.Cap {
			delay = b.Cap

			break
		}
	}

	if delay > b.Cap {
		delay = b.Cap
	}

	if b.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(b.Jitter))) //nolint:gosec // jitter needs no crypto entropy
	}

	return delay
}
