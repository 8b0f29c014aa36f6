package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy selects how the delay grows with the attempt number.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyConstant    Strategy = "constant"
)

// Policy computes backoff delays between task attempts.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	Strategy     Strategy
}

func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		JitterFactor: 0.1,
		Strategy:     StrategyExponential,
	}
}

// Delay returns the backoff before retrying the given zero-based attempt.
// The computed delay is jittered uniformly within ±JitterFactor and clamped
// to [0, MaxDelay].
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = time.Duration(float64(p.BaseDelay) * float64(attempt+1))
	case StrategyConstant:
		d = p.BaseDelay
	default:
		d = time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt)))
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.JitterFactor > 0 {
		jitter := 1 + (rand.Float64()*2-1)*p.JitterFactor
		d = time.Duration(float64(d) * jitter)
	}

	if d < 0 {
		d = 0
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
