package retry

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/nerrad567/smartaccess-core/internal/infrastructure/config"
)

// jitterFraction is the symmetric spread applied by Exponential when
// jitter is enabled: the delay lands in [0.75d, 1.25d].
const jitterFraction = 0.25

// longestDelay is where uncapped delays saturate instead of overflowing.
const longestDelay = time.Duration(math.MaxInt64)

// Strategy maps a 1-based attempt number to the delay before that attempt.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same delay before every attempt.
type Fixed struct {
	Interval time.Duration
}

// Delay implements Strategy.
func (f Fixed) Delay(int) time.Duration {
	return f.Interval
}

// Linear waits Base × attempt, capped at Max. Without a cap the delay
// saturates at the largest time.Duration.
type Linear struct {
	Base time.Duration
	Max  time.Duration
}

// Delay implements Strategy.
func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if l.Base > 0 && time.Duration(attempt) > longestDelay/l.Base {
		return capDelay(longestDelay, l.Max)
	}
	d := l.Base * time.Duration(attempt)
	return capDelay(d, l.Max)
}

// Exponential waits Base × 2^(attempt-1), capped at Max, optionally
// spread by ±25% jitter. Without a cap the delay saturates at the largest
// time.Duration.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool

	// rand returns a value in [0, 1). Nil uses math/rand/v2.
	rand func() float64
}

// Delay implements Strategy.
func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := e.Base
	for i := 1; i < attempt; i++ {
		if d > longestDelay/2 {
			d = longestDelay
			break
		}
		d *= 2
		if e.Max > 0 && d >= e.Max {
			break
		}
	}
	d = capDelay(d, e.Max)

	if !e.Jitter {
		return d
	}
	r := e.rand
	if r == nil {
		r = rand.Float64
	}
	factor := 1 - jitterFraction + 2*jitterFraction*r()
	jittered := float64(d) * factor
	if jittered >= float64(longestDelay) {
		return longestDelay
	}
	return time.Duration(jittered)
}

func capDelay(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// NewStrategy builds the strategy named in the retry configuration.
func NewStrategy(cfg config.RetryConfig) (Strategy, error) {
	switch cfg.Strategy {
	case config.StrategyFixed:
		return Fixed{Interval: cfg.BaseDelay}, nil
	case config.StrategyLinear:
		return Linear{Base: cfg.BaseDelay, Max: cfg.MaxDelay}, nil
	case config.StrategyExponential, "":
		return Exponential{Base: cfg.BaseDelay, Max: cfg.MaxDelay, Jitter: cfg.Jitter}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Strategy)
	}
}
