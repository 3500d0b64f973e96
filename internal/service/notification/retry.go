package notification

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy spaces automatic delivery retries.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	// MaxJitter adds up to this much random delay; zero keeps delays exact.
	MaxJitter time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 30 * time.Second,
		Multiplier:      2,
		MaxInterval:     10 * time.Minute,
	}
}

// Backoff is the wait before automatic retry number retryCount (1-based).
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	initial := p.InitialInterval
	if initial <= 0 {
		initial = DefaultRetryPolicy().InitialInterval
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := time.Duration(float64(initial) * math.Pow(mult, float64(retryCount-1)))
	if p.MaxInterval > 0 && (d > p.MaxInterval || d <= 0) {
		d = p.MaxInterval
	}
	if p.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.MaxJitter)))
	}
	return d
}
