package models

import (
	"time"

	"github.com/angelmondragon/painsync/pkg/enums"
)

const (
	// DeadlineWindow is the compliance window every entry gets at creation.
	DeadlineWindow = 48 * time.Hour
	// ApproachingDeadlineWindow flags entries close to missing the deadline.
	ApproachingDeadlineWindow = 12 * time.Hour
	// MaxRetryAttempts caps transmission attempts per entry.
	MaxRetryAttempts = 5
)

// QueueEntry is one pending unit of outbound work.
type QueueEntry struct {
	ID            string             `gorm:"column:id;primaryKey" json:"id"`
	StudyID       string             `gorm:"column:study_id;not null" json:"studyId"`
	ItemType      enums.SyncItemType `gorm:"column:item_type;not null" json:"itemType"`
	DataID        string             `gorm:"column:data_id;not null" json:"dataId"`
	Payload       JSONText           `gorm:"column:payload;type:text;not null" json:"payload"`
	Status        enums.QueueStatus  `gorm:"column:status;not null" json:"status"`
	RetryCount    int                `gorm:"column:retry_count;not null;default:0" json:"retryCount"`
	LastError     *string            `gorm:"column:last_error" json:"lastError,omitempty"`
	ErrorCode     *string            `gorm:"column:error_code" json:"errorCode,omitempty"`
	CreatedAt     Timestamp          `gorm:"column:created_at;type:text;not null" json:"createdAt"`
	LastAttemptAt *Timestamp         `gorm:"column:last_attempt_at;type:text" json:"lastAttemptAt,omitempty"`
	SyncedAt      *Timestamp         `gorm:"column:synced_at;type:text" json:"syncedAt,omitempty"`
	Deadline      Timestamp          `gorm:"column:deadline;type:text;not null" json:"deadline"`
	NextAttemptAt *Timestamp         `gorm:"column:next_attempt_at;type:text" json:"nextAttemptAt,omitempty"`
}

func (QueueEntry) TableName() string {
	return "sync_queue"
}

// IsOverdue reports whether the compliance deadline has passed.
func (e QueueEntry) IsOverdue(now time.Time) bool {
	return now.After(e.Deadline.Time)
}

// IsApproachingDeadline reports whether now falls in (deadline-12h, deadline].
func (e QueueEntry) IsApproachingDeadline(now time.Time) bool {
	start := e.Deadline.Add(-ApproachingDeadlineWindow)
	return now.After(start) && !now.After(e.Deadline.Time)
}

// HoursUntilDeadline is negative once the entry is overdue.
func (e QueueEntry) HoursUntilDeadline(now time.Time) float64 {
	return e.Deadline.Sub(now).Hours()
}

// ShouldRetry reports whether a failed entry may be attempted again.
func (e QueueEntry) ShouldRetry(now time.Time) bool {
	return e.Status == enums.QueueStatusFailed &&
		e.RetryCount < MaxRetryAttempts &&
		!e.IsOverdue(now)
}

// LastErrorString returns the diagnostic or an empty string.
func (e QueueEntry) LastErrorString() string {
	if e.LastError == nil {
		return ""
	}
	return *e.LastError
}
