// Package escalation records the one-time coordinator notification raised
// when a queue entry misses its deadline or is rejected for good.
package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/painsync/internal/syncqueue"
	"github.com/angelmondragon/painsync/pkg/db"
	"github.com/angelmondragon/painsync/pkg/db/models"
	"github.com/angelmondragon/painsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/logger"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxEscalationErrorLen = 1024

// AlertKind tags coordinator alerts raised by the sync engine.
const AlertKind = "sync_escalation"

// CoordinatorAlert is the payload of the alert item queued for a coordinator.
type CoordinatorAlert struct {
	Kind        string                 `json:"kind"`
	EntryID     string                 `json:"entryId"`
	StudyID     string                 `json:"studyId"`
	ItemType    enums.SyncItemType     `json:"itemType"`
	DataID      string                 `json:"dataId"`
	Reason      enums.EscalationReason `json:"reason"`
	RetryCount  int                    `json:"retryCount"`
	LastError   string                 `json:"lastError,omitempty"`
	Deadline    time.Time              `json:"deadline"`
	EscalatedAt time.Time              `json:"escalatedAt"`
}

// Notifier writes escalation rows and queues the matching coordinator alert.
type Notifier struct {
	db   *gorm.DB
	logg *logger.Logger
}

func NewNotifier(db *gorm.DB, logg *logger.Logger) (*Notifier, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Notifier{db: db, logg: logg}, nil
}

// EscalateTx records the escalation for entry inside tx and, unless entry is
// itself an alert, queues a coordinator alert in the same transaction. A
// second call for the same entry fails on the unique entry_id index.
func (n *Notifier) EscalateTx(ctx context.Context, tx *gorm.DB, entry models.QueueEntry, reason enums.EscalationReason, now time.Time) error {
	if tx == nil {
		return errors.New("transaction required")
	}

	row := models.SyncEscalation{
		ID:          uuid.NewString(),
		EntryID:     entry.ID,
		StudyID:     entry.StudyID,
		ItemType:    entry.ItemType,
		DataID:      entry.DataID,
		Reason:      reason,
		RetryCount:  entry.RetryCount,
		Deadline:    entry.Deadline,
		EscalatedAt: models.NewTimestamp(now),
	}
	if entry.LastError != nil {
		msg := truncateEscalationError(*entry.LastError)
		row.LastError = &msg
	}
	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		if db.IsUniqueViolation(err) {
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, "entry already escalated")
		}
		return fmt.Errorf("insert escalation: %w", err)
	}

	ctx = n.logg.WithFields(ctx, map[string]any{
		"escalation_id": row.ID,
		"entry_id":      entry.ID,
		"study_id":      entry.StudyID,
		"reason":        reason,
	})

	if entry.ItemType == enums.ItemAlert {
		n.logg.Warn(ctx, "alert entry expired, no further alert queued")
		return nil
	}

	payload, err := json.Marshal(CoordinatorAlert{
		Kind:        AlertKind,
		EntryID:     entry.ID,
		StudyID:     entry.StudyID,
		ItemType:    entry.ItemType,
		DataID:      entry.DataID,
		Reason:      reason,
		RetryCount:  entry.RetryCount,
		LastError:   entry.LastErrorString(),
		Deadline:    entry.Deadline.Time,
		EscalatedAt: now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal coordinator alert: %w", err)
	}

	alert, err := syncqueue.NewEntry(syncqueue.EnqueueRequest{
		StudyID:  entry.StudyID,
		ItemType: enums.ItemAlert,
		DataID:   row.ID,
		Payload:  payload,
	}, now)
	if err != nil {
		return err
	}
	if err := syncqueue.NewRepository(tx).Insert(ctx, &alert); err != nil {
		return fmt.Errorf("queue coordinator alert: %w", err)
	}

	n.logg.Info(n.logg.WithField(ctx, "alert_entry_id", alert.ID), "coordinator alert queued")
	return nil
}

// FindByEntryID returns the escalation for a queue entry, or nil when none exists.
func (n *Notifier) FindByEntryID(ctx context.Context, entryID string) (*models.SyncEscalation, error) {
	var row models.SyncEscalation
	err := n.db.WithContext(ctx).Where("entry_id = ?", entryID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// List returns the most recent escalations first.
func (n *Notifier) List(ctx context.Context, limit int) ([]models.SyncEscalation, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.SyncEscalation
	err := n.db.WithContext(ctx).
		Order("escalated_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func truncateEscalationError(message string) string {
	if len(message) <= maxEscalationErrorLen {
		return message
	}
	return message[:maxEscalationErrorLen]
}

var _ syncqueue.Escalator = (*Notifier)(nil)
