package connection

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newReconnectPolicy yields base, 2*base, 4*base ... capped at ceiling, with no jitter.
func newReconnectPolicy(base, ceiling time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = ceiling
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler func(d time.Duration, f func()) Timer

func realScheduler(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
