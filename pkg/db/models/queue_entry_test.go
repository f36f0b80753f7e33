package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/angelmondragon/painsync/pkg/enums"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(created time.Time) QueueEntry {
	return QueueEntry{
		ID:        "e1",
		Status:    enums.QueueStatusFailed,
		CreatedAt: NewTimestamp(created),
		Deadline:  NewTimestamp(created.Add(DeadlineWindow)),
	}
}

func TestQueueEntryDeadlineHelpers(t *testing.T) {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	entry := entryAt(created)

	assert.False(t, entry.IsOverdue(created.Add(47*time.Hour)))
	assert.False(t, entry.IsOverdue(entry.Deadline.Time))
	assert.True(t, entry.IsOverdue(entry.Deadline.Add(time.Nanosecond)))

	assert.False(t, entry.IsApproachingDeadline(created.Add(36*time.Hour)))
	assert.True(t, entry.IsApproachingDeadline(created.Add(36*time.Hour+time.Second)))
	assert.True(t, entry.IsApproachingDeadline(entry.Deadline.Time))
	assert.False(t, entry.IsApproachingDeadline(entry.Deadline.Add(time.Second)))

	assert.InDelta(t, 10.0, entry.HoursUntilDeadline(created.Add(38*time.Hour)), 0.0001)
}

func TestQueueEntryShouldRetry(t *testing.T) {
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := created.Add(time.Hour)

	tests := []struct {
		name   string
		mutate func(*QueueEntry)
		now    time.Time
		want   bool
	}{
		{name: "failed under cap", mutate: func(e *QueueEntry) { e.RetryCount = 4 }, now: now, want: true},
		{name: "at cap", mutate: func(e *QueueEntry) { e.RetryCount = MaxRetryAttempts }, now: now, want: false},
		{name: "pending", mutate: func(e *QueueEntry) { e.Status = enums.QueueStatusPending }, now: now, want: false},
		{name: "overdue", mutate: func(e *QueueEntry) {}, now: created.Add(49 * time.Hour), want: false},
		{name: "expired", mutate: func(e *QueueEntry) { e.Status = enums.QueueStatusExpired }, now: now, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := entryAt(created)
			tt.mutate(&entry)
			assert.Equal(t, tt.want, entry.ShouldRetry(tt.now))
		})
	}
}

func TestTimestampFixedWidthOrdering(t *testing.T) {
	early := NewTimestamp(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	late := NewTimestamp(time.Date(2026, 3, 1, 8, 0, 0, 500, time.UTC))
	assert.Equal(t, len(early.String()), len(late.String()))
	assert.Less(t, early.String(), late.String())

	var scanned Timestamp
	require.NoError(t, scanned.Scan(late.String()))
	assert.True(t, scanned.Equal(late.Time))

	raw, err := json.Marshal(early)
	require.NoError(t, err)
	var decoded Timestamp
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, decoded.Equal(early.Time))
}
