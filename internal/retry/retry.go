// Package retry provides the bounded retry loop shared by the producer send
// path, the worker dispatch path, the orchestration shutdown drain and the
// clearnet outbound backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the maximum number of calls to the operation. Values below
	// one are treated as one.
	Attempts int
	// Interval is the wait before the second attempt.
	Interval time.Duration
	// Multiplier grows the wait for later attempts. Values below one keep
	// the interval fixed.
	Multiplier float64
	// MaxInterval caps the grown wait when positive.
	MaxInterval time.Duration
	// Jitter randomises each wait into [0.5, 1.5) of its nominal value.
	Jitter bool
}

// Fixed returns a policy with a constant interval.
func Fixed(attempts int, interval time.Duration) Policy {
	return Policy{Attempts: attempts, Interval: interval}
}

// Delay returns the wait preceding attempt n (1-based). The first attempt
// never waits.
func (p Policy) Delay(n int, rng *rand.Rand) time.Duration {
	if n <= 1 || p.Interval <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	delay := float64(p.Interval) * math.Pow(mult, float64(n-2))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	if p.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// Do calls op until it reports success, the attempt budget is spent or ctx is
// done. Waits between attempts are timed, never spin. It returns whether op
// succeeded and the number of attempts made.
func Do(ctx context.Context, p Policy, op func(attempt int) bool) (bool, int) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var rng *rand.Rand
	if p.Jitter {
		rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // jitter only
	}
	for n := 1; n <= attempts; n++ {
		if d := p.Delay(n, rng); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return false, n - 1
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return false, n - 1
		}
		if op(n) {
			return true, n
		}
	}
	return false, attempts
}

// Until waits for cond to become true, checking it once up front and again
// after each of up to waits timed intervals.
func Until(ctx context.Context, waits int, interval time.Duration, cond func() bool) bool {
	ok, _ := Do(ctx, Fixed(waits+1, interval), func(int) bool { return cond() })
	return ok
}
