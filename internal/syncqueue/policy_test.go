package syncqueue

import (
	"testing"
	"time"

	"github.com/angelmondragon/painsync/pkg/db/models"
	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()

	cases := []struct {
		n    int
		want time.Duration
	}{
		{n: -1, want: 30 * time.Second},
		{n: 0, want: 30 * time.Second},
		{n: 1, want: time.Minute},
		{n: 2, want: 2 * time.Minute},
		{n: 5, want: 16 * time.Minute},
		{n: 6, want: 30 * time.Minute},
		{n: 400, want: 30 * time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.Delay(tc.n), "delay(%d)", tc.n)
	}
}

func TestRetryPolicyNormalizesZeroValue(t *testing.T) {
	p := RetryPolicy{}.normalized()

	assert.Equal(t, models.MaxRetryAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultBaseDelay, p.BaseDelay)
	assert.Equal(t, DefaultBaseDelay, p.MaxDelay)
	assert.Equal(t, DefaultBackoffMultiplier, p.Multiplier)
	assert.False(t, p.Gate)
}

func TestRetryPolicyNextAttempt(t *testing.T) {
	p := DefaultRetryPolicy()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, at.Add(30*time.Second), p.NextAttempt(at, 1, 0))
	assert.Equal(t, at.Add(2*time.Minute), p.NextAttempt(at, 3, 0))
	assert.Equal(t, at.Add(5*time.Minute), p.NextAttempt(at, 1, 5*time.Minute))
	assert.Equal(t, at.Add(2*time.Minute), p.NextAttempt(at, 3, 10*time.Second))
}

func TestRetryPolicyReady(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	gated := DefaultRetryPolicy()
	open := gated
	open.Gate = false

	waiting := models.QueueEntry{NextAttemptAt: models.TimestampPtr(now.Add(time.Minute))}
	due := models.QueueEntry{NextAttemptAt: models.TimestampPtr(now)}

	assert.False(t, gated.Ready(waiting, now))
	assert.True(t, gated.Ready(due, now))
	assert.True(t, gated.Ready(models.QueueEntry{}, now))
	assert.True(t, open.Ready(waiting, now))
}
