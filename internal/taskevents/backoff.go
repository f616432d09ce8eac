package taskevents

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBackoffBase       = time.Second
	DefaultBackoffMax        = 15 * time.Second
	DefaultBackoffMultiplier = 1.5
	DefaultMaxAttempts       = 5
)

// Clock is the time source of a connection. Tests inject a fake one.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// BackoffPolicy describes the reconnect schedule: Base × Multiplier^attempt,
// capped at Max, for at most MaxAttempts reconnects.
type BackoffPolicy struct {
	Base        time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultBackoffPolicy returns the schedule used when none is configured.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        DefaultBackoffBase,
		Max:         DefaultBackoffMax,
		Multiplier:  DefaultBackoffMultiplier,
		MaxAttempts: DefaultMaxAttempts,
	}
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	d := DefaultBackoffPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// NewBackOff builds the reconnect schedule, which stops after MaxAttempts.
// There is no jitter and no elapsed-time limit.
func (p BackoffPolicy) NewBackOff(clock Clock) backoff.BackOff {
	p = p.withDefaults()
	return backoff.WithMaxRetries(p.exponential(clock), uint64(p.MaxAttempts))
}

func (p BackoffPolicy) exponential(clock Clock) *backoff.ExponentialBackOff {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.Max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if clock != nil {
		b.Clock = clock
	}
	b.Reset()
	return b
}

// Delay returns the wait before reconnect attempt n (zero based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	b := p.exponential(nil)
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
