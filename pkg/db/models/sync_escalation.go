package models

import "github.com/angelmondragon/painsync/pkg/enums"

// SyncEscalation records the single coordinator notification raised when an
// entry expires. EntryID is unique.
type SyncEscalation struct {
	ID          string                 `gorm:"column:id;primaryKey" json:"id"`
	EntryID     string                 `gorm:"column:entry_id;not null;uniqueIndex:ux_sync_escalations_entry" json:"entryId"`
	StudyID     string                 `gorm:"column:study_id;not null" json:"studyId"`
	ItemType    enums.SyncItemType     `gorm:"column:item_type;not null" json:"itemType"`
	DataID      string                 `gorm:"column:data_id;not null" json:"dataId"`
	Reason      enums.EscalationReason `gorm:"column:reason;not null" json:"reason"`
	RetryCount  int                    `gorm:"column:retry_count;not null;default:0" json:"retryCount"`
	LastError   *string                `gorm:"column:last_error" json:"lastError,omitempty"`
	Deadline    Timestamp              `gorm:"column:deadline;type:text;not null" json:"deadline"`
	EscalatedAt Timestamp              `gorm:"column:escalated_at;type:text;not null" json:"escalatedAt"`
}

func (SyncEscalation) TableName() string {
	return "sync_escalations"
}
