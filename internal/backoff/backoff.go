package backoff

import (
	"math"
	"math/rand"
	"time"
)

const (
	PolicyFixed         = "fixed"
	PolicyLinear        = "linear"
	PolicyExponential   = "exponential"
	PolicyExpEqualJit   = "exp_equal_jitter"
	PolicyExpFullJitter = "exp_full_jitter"
)

// Delay returns how long to wait before retry number attempt (0-based).
// Unknown policies fall back to exp_full_jitter.
func Delay(policy string, base, max time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	switch policy {
	case PolicyFixed:
		return minDur(base, max)
	case PolicyLinear:
		n := attempt
		if n < 1 {
			n = 1
		}
		return minDur(base*time.Duration(n), max)
	case PolicyExponential:
		return capExp(base, max, attempt)
	case PolicyExpEqualJit:
		d := capExp(base, max, attempt)
		half := d / 2
		return half + time.Duration(rng.Int63n(int64(half)+1))
	default: // exp_full_jitter
		d := capExp(base, max, attempt)
		if d <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(d) + 1))
	}
}

func capExp(base, max time.Duration, attempt int) time.Duration {
	f := float64(base) * math.Pow(2, float64(attempt))
	if f > float64(max) {
		return max
	}
	return time.Duration(f)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
