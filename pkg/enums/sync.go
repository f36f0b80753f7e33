package enums

import "fmt"

// SyncItemType maps to the item_type column of sync_queue.
type SyncItemType string

const (
	ItemAssessment   SyncItemType = "assessment"
	ItemConsent      SyncItemType = "consent"
	ItemAuditLog     SyncItemType = "auditLog"
	ItemAlert        SyncItemType = "alert"
	ItemGamification SyncItemType = "gamification"
)

var validSyncItemTypes = []SyncItemType{
	ItemAssessment,
	ItemConsent,
	ItemAuditLog,
	ItemAlert,
	ItemGamification,
}

// SyncItemTypes returns the canonical item types in declaration order.
func SyncItemTypes() []SyncItemType {
	out := make([]SyncItemType, len(validSyncItemTypes))
	copy(out, validSyncItemTypes)
	return out
}

// IsValid reports whether the value matches a known item type.
func (t SyncItemType) IsValid() bool {
	for _, candidate := range validSyncItemTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseSyncItemType converts raw input into SyncItemType.
func ParseSyncItemType(value string) (SyncItemType, error) {
	for _, candidate := range validSyncItemTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid sync item type %q", value)
}

// QueueStatus maps to the status column of sync_queue.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusSyncing   QueueStatus = "syncing"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
	QueueStatusExpired   QueueStatus = "expired"
)

var validQueueStatuses = []QueueStatus{
	QueueStatusPending,
	QueueStatusSyncing,
	QueueStatusCompleted,
	QueueStatusFailed,
	QueueStatusExpired,
}

// IsValid reports whether the value matches a known queue status.
func (s QueueStatus) IsValid() bool {
	for _, candidate := range validQueueStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transmission attempts happen from s.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusExpired
}

// ParseQueueStatus converts raw input into QueueStatus.
func ParseQueueStatus(value string) (QueueStatus, error) {
	for _, candidate := range validQueueStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid queue status %q", value)
}

// EscalationReason records why an entry was escalated to a coordinator.
type EscalationReason string

const (
	EscalationDeadlineMissed EscalationReason = "deadline_missed"
	EscalationNonRetryable   EscalationReason = "non_retryable"
)

// AuditEventType names the regulated actions recorded in the audit trail.
type AuditEventType string

const (
	AuditConsentAccepted     AuditEventType = "consent_accepted"
	AuditConsentWithdrawn    AuditEventType = "consent_withdrawn"
	AuditAssessmentSubmitted AuditEventType = "assessment_submitted"
	AuditEnrollment          AuditEventType = "enrollment"
	AuditSyncEscalated       AuditEventType = "sync_escalated"
	AuditDataExported        AuditEventType = "data_exported"
)
