package syncqueue

import (
	"math"
	"time"

	"github.com/angelmondragon/painsync/pkg/db/models"
)

const (
	DefaultBaseDelay         = 30 * time.Second
	DefaultMaxDelay          = 30 * time.Minute
	DefaultBackoffMultiplier = 2.0
)

// RetryPolicy spaces re-attempts of failed entries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Gate holds a failed entry back until its next_attempt_at has passed.
	// When false every sweep re-attempts every eligible failed entry.
	Gate bool
}

// DefaultRetryPolicy returns the gated policy used in production.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: models.MaxRetryAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultBackoffMultiplier,
		Gate:        true,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	return p
}

// Delay returns clamp(BaseDelay * Multiplier^n, BaseDelay, MaxDelay).
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.normalized()
	if n < 0 {
		n = 0
	}
	raw := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n))
	if math.IsInf(raw, 0) || raw >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	d := time.Duration(raw)
	if d < p.BaseDelay {
		return p.BaseDelay
	}
	return d
}

// NextAttempt returns when an entry that has now failed retryCount times may be
// tried again. A server retry-after hint wins when it is later.
func (p RetryPolicy) NextAttempt(attemptedAt time.Time, retryCount int, retryAfter time.Duration) time.Time {
	next := attemptedAt.Add(p.Delay(retryCount - 1))
	if hinted := attemptedAt.Add(retryAfter); hinted.After(next) {
		return hinted
	}
	return next
}

// Ready reports whether the backoff gate lets entry be attempted at now.
func (p RetryPolicy) Ready(entry models.QueueEntry, now time.Time) bool {
	if !p.Gate || entry.NextAttemptAt == nil || entry.NextAttemptAt.IsZero() {
		return true
	}
	return !now.Before(entry.NextAttemptAt.Time)
}
