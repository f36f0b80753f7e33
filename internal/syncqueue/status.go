package syncqueue

import "time"

// SyncStatus is the aggregate snapshot observers consume.
type SyncStatus struct {
	IsOnline                 bool       `json:"isOnline"`
	IsSyncing                bool       `json:"isSyncing"`
	PendingCount             int        `json:"pendingCount"`
	FailedCount              int        `json:"failedCount"`
	OverdueCount             int        `json:"overdueCount"`
	ExpiredCount             int        `json:"expiredCount"`
	ApproachingDeadlineCount int        `json:"approachingDeadlineCount"`
	RetryableCount           int        `json:"retryableCount"`
	LastSyncAt               *time.Time `json:"lastSyncAt,omitempty"`
	LastError                string     `json:"lastError,omitempty"`
	NextScheduledSync        *time.Time `json:"nextScheduledSync,omitempty"`
	AuthPaused               bool       `json:"authPaused"`
}

// IsFullySynced reports an empty backlog with nothing overdue.
func (s SyncStatus) IsFullySynced() bool {
	return s.PendingCount == 0 && s.FailedCount == 0 && s.OverdueCount == 0
}

// NeedsAttention reports failures or overdue entries.
func (s SyncStatus) NeedsAttention() bool {
	return s.FailedCount > 0 || s.OverdueCount > 0
}

// HasWork reports whether a sweep would have anything to transmit.
func (s SyncStatus) HasWork() bool {
	return s.PendingCount > 0 || s.RetryableCount > 0
}
