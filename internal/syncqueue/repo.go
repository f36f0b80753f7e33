package syncqueue

import (
	"context"
	"errors"
	"time"

	"github.com/angelmondragon/painsync/pkg/db/models"
	"github.com/angelmondragon/painsync/pkg/enums"
	"github.com/angelmondragon/painsync/pkg/pagination"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository exposes persistence helpers for the sync queue.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, entry *models.QueueEntry) error
	FindByID(ctx context.Context, id string) (*models.QueueEntry, error)
	FetchByStatus(ctx context.Context, status enums.QueueStatus) ([]models.QueueEntry, error)
	FetchOverdue(ctx context.Context, now time.Time) ([]models.QueueEntry, error)
	MarkSyncing(ctx context.Context, ids []string, now time.Time) ([]string, error)
	MarkCompleted(ctx context.Context, id string, syncedAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, failure attemptFailure) (bool, error)
	Restore(ctx context.Context, id string, status enums.QueueStatus) error
	MarkExpired(ctx context.Context, id string) (bool, error)
	RecoverSyncing(ctx context.Context) (int64, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteEscalatedExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Counts(ctx context.Context, now time.Time) (queueCounts, error)
	List(ctx context.Context, params listParams) ([]models.QueueEntry, *pagination.Cursor, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a queue repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

// attemptFailure is the diagnostic recorded on a failed attempt.
type attemptFailure struct {
	Code          string
	Message       string
	AttemptedAt   time.Time
	NextAttemptAt time.Time
}

type queueCounts struct {
	Pending     int
	Syncing     int
	Failed      int
	Completed   int
	Expired     int
	Overdue     int
	Approaching int
	Retryable   int
	LastSyncAt  *time.Time
}

type listParams struct {
	Status   enums.QueueStatus
	ItemType enums.SyncItemType
	StudyID  string
	Limit    int
	Cursor   *pagination.Cursor
}

var openStatuses = []enums.QueueStatus{
	enums.QueueStatusPending,
	enums.QueueStatusSyncing,
	enums.QueueStatusFailed,
}

var expirableStatuses = []enums.QueueStatus{
	enums.QueueStatusPending,
	enums.QueueStatusFailed,
}

func (r *repositoryImpl) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repositoryImpl{db: tx}
}

func (r *repositoryImpl) model(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.QueueEntry{})
}

func (r *repositoryImpl) Insert(ctx context.Context, entry *models.QueueEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repositoryImpl) FindByID(ctx context.Context, id string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repositoryImpl) FetchByStatus(ctx context.Context, status enums.QueueStatus) ([]models.QueueEntry, error) {
	var rows []models.QueueEntry
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *repositoryImpl) FetchOverdue(ctx context.Context, now time.Time) ([]models.QueueEntry, error) {
	var rows []models.QueueEntry
	err := r.db.WithContext(ctx).
		Where("status IN ?", expirableStatuses).
		Where("deadline < ?", models.NewTimestamp(now)).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// MarkSyncing claims the pending or failed entries among ids and returns the
// ids it moved. Entries another caller finished or expired are left alone.
func (r *repositoryImpl) MarkSyncing(ctx context.Context, ids []string, now time.Time) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	attemptedAt := models.NewTimestamp(now)
	var claimed []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.QueueEntry{}).
			Where("id IN ?", ids).
			Where("status IN ?", expirableStatuses).
			Updates(map[string]any{
				"status":          enums.QueueStatusSyncing,
				"last_attempt_at": attemptedAt,
			}).Error
		if err != nil {
			return err
		}
		return tx.Model(&models.QueueEntry{}).
			Where("id IN ?", ids).
			Where("status = ?", enums.QueueStatusSyncing).
			Where("last_attempt_at = ?", attemptedAt).
			Pluck("id", &claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkCompleted reports false when the entry was no longer syncing.
func (r *repositoryImpl) MarkCompleted(ctx context.Context, id string, syncedAt time.Time) (bool, error) {
	result := r.model(ctx).
		Where("id = ? AND status = ?", id, enums.QueueStatusSyncing).
		Updates(map[string]any{
			"status":          enums.QueueStatusCompleted,
			"synced_at":       models.NewTimestamp(syncedAt),
			"next_attempt_at": nil,
		})
	return result.RowsAffected == 1, result.Error
}

// MarkFailed reports false when the entry was no longer syncing.
func (r *repositoryImpl) MarkFailed(ctx context.Context, id string, failure attemptFailure) (bool, error) {
	result := r.model(ctx).
		Where("id = ? AND status = ?", id, enums.QueueStatusSyncing).
		Updates(map[string]any{
			"status":          enums.QueueStatusFailed,
			"retry_count":     gorm.Expr("retry_count + 1"),
			"last_error":      truncateError(failure.Message),
			"error_code":      failure.Code,
			"last_attempt_at": models.NewTimestamp(failure.AttemptedAt),
			"next_attempt_at": models.NewTimestamp(failure.NextAttemptAt),
		})
	return result.RowsAffected == 1, result.Error
}

func (r *repositoryImpl) Restore(ctx context.Context, id string, status enums.QueueStatus) error {
	return r.model(ctx).
		Where("id = ? AND status = ?", id, enums.QueueStatusSyncing).
		Update("status", status).Error
}

// MarkExpired reports whether this call performed the transition.
func (r *repositoryImpl) MarkExpired(ctx context.Context, id string) (bool, error) {
	result := r.model(ctx).
		Where("id = ?", id).
		Where("status IN ?", expirableStatuses).
		Updates(map[string]any{
			"status":          enums.QueueStatusExpired,
			"next_attempt_at": nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// RecoverSyncing returns entries orphaned in syncing by an interrupted sweep to
// the state they were claimed from.
func (r *repositoryImpl) RecoverSyncing(ctx context.Context) (int64, error) {
	result := r.model(ctx).
		Where("status = ?", enums.QueueStatusSyncing).
		Update("status", gorm.Expr("CASE WHEN retry_count = 0 THEN ? ELSE ? END",
			enums.QueueStatusPending, enums.QueueStatusFailed))
	return result.RowsAffected, result.Error
}

func (r *repositoryImpl) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ?", enums.QueueStatusCompleted).
		Where("synced_at < ?", models.NewTimestamp(cutoff)).
		Delete(&models.QueueEntry{})
	return result.RowsAffected, result.Error
}

func (r *repositoryImpl) DeleteEscalatedExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	escalated := r.db.Model(&models.SyncEscalation{}).Select("entry_id")
	result := r.db.WithContext(ctx).
		Where("status = ?", enums.QueueStatusExpired).
		Where("deadline < ?", models.NewTimestamp(cutoff)).
		Where("id IN (?)", escalated).
		Delete(&models.QueueEntry{})
	return result.RowsAffected, result.Error
}

func (r *repositoryImpl) Counts(ctx context.Context, now time.Time) (queueCounts, error) {
	var grouped []struct {
		Status enums.QueueStatus
		Total  int
	}
	if err := r.model(ctx).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&grouped).Error; err != nil {
		return queueCounts{}, err
	}

	var counts queueCounts
	for _, row := range grouped {
		switch row.Status {
		case enums.QueueStatusPending:
			counts.Pending = row.Total
		case enums.QueueStatusSyncing:
			counts.Syncing = row.Total
		case enums.QueueStatusFailed:
			counts.Failed = row.Total
		case enums.QueueStatusCompleted:
			counts.Completed = row.Total
		case enums.QueueStatusExpired:
			counts.Expired = row.Total
		}
	}

	nowTS := models.NewTimestamp(now)
	var overdue, approaching, retryable int64
	if err := r.model(ctx).
		Where("status IN ?", openStatuses).
		Where("deadline < ?", nowTS).
		Count(&overdue).Error; err != nil {
		return queueCounts{}, err
	}
	if err := r.model(ctx).
		Where("status IN ?", openStatuses).
		Where("deadline >= ? AND deadline < ?", nowTS, models.NewTimestamp(now.Add(models.ApproachingDeadlineWindow))).
		Count(&approaching).Error; err != nil {
		return queueCounts{}, err
	}
	if err := r.model(ctx).
		Where("status = ?", enums.QueueStatusFailed).
		Where("retry_count < ?", models.MaxRetryAttempts).
		Where("deadline >= ?", nowTS).
		Count(&retryable).Error; err != nil {
		return queueCounts{}, err
	}
	counts.Overdue = int(overdue)
	counts.Approaching = int(approaching)
	counts.Retryable = int(retryable)

	var last struct {
		LastSync *models.Timestamp
	}
	if err := r.model(ctx).
		Select("MAX(synced_at) AS last_sync").
		Where("synced_at IS NOT NULL").
		Scan(&last).Error; err != nil {
		return queueCounts{}, err
	}
	if last.LastSync != nil && !last.LastSync.IsZero() {
		t := last.LastSync.Time
		counts.LastSyncAt = &t
	}
	return counts, nil
}

func (r *repositoryImpl) List(ctx context.Context, params listParams) ([]models.QueueEntry, *pagination.Cursor, error) {
	normalized := pagination.NormalizeLimit(params.Limit)
	query := r.model(ctx)
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	if params.ItemType != "" {
		query = query.Where("item_type = ?", params.ItemType)
	}
	if params.StudyID != "" {
		query = query.Where("study_id = ?", params.StudyID)
	}
	if params.Cursor != nil {
		query = query.Where("(created_at, id) > (?, ?)",
			models.NewTimestamp(params.Cursor.CreatedAt), params.Cursor.ID.String())
	}

	var rows []models.QueueEntry
	if err := query.Order("created_at ASC, id ASC").Limit(pagination.LimitWithBuffer(normalized)).Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	rows, more := pagination.Trim(rows, normalized)
	if !more {
		return rows, nil, nil
	}
	last := rows[len(rows)-1]
	id, err := uuid.Parse(last.ID)
	if err != nil {
		return nil, nil, err
	}
	return rows, &pagination.Cursor{CreatedAt: last.CreatedAt.Time, ID: id}, nil
}

const maxErrorLen = 1024

func truncateError(message string) string {
	if len(message) <= maxErrorLen {
		return message
	}
	return message[:maxErrorLen]
}
