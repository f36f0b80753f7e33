package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/painsync/pkg/db/models"
	"github.com/angelmondragon/painsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/logger"
	"github.com/angelmondragon/painsync/pkg/metrics"
	"github.com/angelmondragon/painsync/pkg/pagination"
	"github.com/angelmondragon/painsync/pkg/transport"
	"gorm.io/gorm"
)

const (
	DefaultBatchSize          = 50
	DefaultCompletedRetention = 7 * 24 * time.Hour
	DefaultExpiredRetention   = 30 * 24 * time.Hour
)

// DefaultNonRetryableCodes short-circuit to expiry when client errors are hardened.
var DefaultNonRetryableCodes = []string{string(pkgerrors.CodeMalformed), string(pkgerrors.CodeValidation)}

type dbClient interface {
	DB() *gorm.DB
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Escalator raises the one-time coordinator notification for an expired
// entry. It runs inside the expiry transaction.
type Escalator interface {
	EscalateTx(ctx context.Context, tx *gorm.DB, entry models.QueueEntry, reason enums.EscalationReason, now time.Time) error
}

// Settings tunes batching, retention and client error handling.
type Settings struct {
	BatchSize          int
	CompletedRetention time.Duration
	ExpiredRetention   time.Duration
	HardenClientErrors bool
	NonRetryableCodes  []string
}

type EngineParams struct {
	DB         dbClient
	Repository Repository
	Transport  transport.Transport
	Escalator  Escalator
	Policy     RetryPolicy
	Settings   Settings
	Logger     *logger.Logger
	Metrics    *metrics.SyncMetrics
	Now        func() time.Time
}

// Engine owns every mutation of the sync queue.
type Engine struct {
	db        dbClient
	repo      Repository
	transport transport.Transport
	escalator Escalator
	policy    RetryPolicy
	settings  Settings
	nonRetry  map[string]struct{}
	logg      *logger.Logger
	metrics   *metrics.SyncMetrics
	now       func() time.Time
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if params.Escalator == nil {
		return nil, errors.New("escalator is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}

	repo := params.Repository
	if repo == nil {
		repo = NewRepository(params.DB.DB())
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}

	settings := params.Settings
	if settings.BatchSize <= 0 {
		settings.BatchSize = DefaultBatchSize
	}
	if settings.CompletedRetention <= 0 {
		settings.CompletedRetention = DefaultCompletedRetention
	}
	if settings.ExpiredRetention <= 0 {
		settings.ExpiredRetention = DefaultExpiredRetention
	}
	if len(settings.NonRetryableCodes) == 0 {
		settings.NonRetryableCodes = DefaultNonRetryableCodes
	}
	nonRetry := make(map[string]struct{}, len(settings.NonRetryableCodes))
	for _, code := range settings.NonRetryableCodes {
		nonRetry[code] = struct{}{}
	}

	return &Engine{
		db:        params.DB,
		repo:      repo,
		transport: params.Transport,
		escalator: params.Escalator,
		policy:    params.Policy.normalized(),
		settings:  settings,
		nonRetry:  nonRetry,
		logg:      params.Logger,
		metrics:   params.Metrics,
		now:       func() time.Time { return now().UTC() },
	}, nil
}

// Policy returns the retry policy in effect.
func (e *Engine) Policy() RetryPolicy {
	return e.policy
}

// Enqueue persists a pending entry without transmitting it.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (*models.QueueEntry, error) {
	entry, err := NewEntry(req, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.repo.Insert(ctx, &entry); err != nil {
		return nil, storageErr(err, "persist queue entry")
	}

	ctx = e.logg.WithFields(ctx, map[string]any{
		"entry_id":  entry.ID,
		"study_id":  entry.StudyID,
		"item_type": entry.ItemType,
		"data_id":   entry.DataID,
	})
	e.logg.Debug(ctx, "queue entry enqueued")
	return &entry, nil
}

// ProcessQueue transmits every pending entry in creation order and returns how
// many completed. Overdue pending entries expire instead of transmitting.
func (e *Engine) ProcessQueue(ctx context.Context) (int, error) {
	if err := e.recoverSyncing(ctx); err != nil {
		return 0, err
	}

	entries, err := e.repo.FetchByStatus(ctx, enums.QueueStatusPending)
	if err != nil {
		return 0, storageErr(err, "fetch pending entries")
	}

	now := e.now()
	deliverable := make([]models.QueueEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.IsOverdue(now) {
			if _, err := e.expire(ctx, entry, enums.EscalationDeadlineMissed); err != nil {
				return 0, err
			}
			continue
		}
		deliverable = append(deliverable, entry)
	}
	return e.deliver(ctx, deliverable)
}

// RetryFailedItems re-attempts failed entries that are still eligible and whose
// backoff gate has elapsed. Overdue failed entries expire without transmission.
func (e *Engine) RetryFailedItems(ctx context.Context) (int, error) {
	if err := e.recoverSyncing(ctx); err != nil {
		return 0, err
	}

	entries, err := e.repo.FetchByStatus(ctx, enums.QueueStatusFailed)
	if err != nil {
		return 0, storageErr(err, "fetch failed entries")
	}

	now := e.now()
	eligible := make([]models.QueueEntry, 0, len(entries))
	deferred := 0
	for _, entry := range entries {
		switch {
		case entry.IsOverdue(now):
			if _, err := e.expire(ctx, entry, enums.EscalationDeadlineMissed); err != nil {
				return 0, err
			}
		case entry.RetryCount >= e.policy.MaxAttempts:
			continue
		case !e.policy.Ready(entry, now):
			deferred++
		default:
			eligible = append(eligible, entry)
		}
	}
	if deferred > 0 {
		e.logg.Debug(e.logg.WithField(ctx, "deferred", deferred), "failed entries waiting on backoff")
	}
	return e.deliver(ctx, eligible)
}

// ExpireOverdue expires every overdue pending or failed entry without touching
// the network.
func (e *Engine) ExpireOverdue(ctx context.Context) (int, error) {
	entries, err := e.repo.FetchOverdue(ctx, e.now())
	if err != nil {
		return 0, storageErr(err, "fetch overdue entries")
	}
	expired := 0
	for _, entry := range entries {
		ok, err := e.expire(ctx, entry, enums.EscalationDeadlineMissed)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// CleanupCompletedItems deletes completed entries past retention and expired
// entries that were escalated and are past the expired retention window.
func (e *Engine) CleanupCompletedItems(ctx context.Context) (int64, error) {
	now := e.now()
	completed, err := e.repo.DeleteCompletedBefore(ctx, now.Add(-e.settings.CompletedRetention))
	if err != nil {
		return 0, storageErr(err, "delete completed entries")
	}
	expired, err := e.repo.DeleteEscalatedExpiredBefore(ctx, now.Add(-e.settings.ExpiredRetention))
	if err != nil {
		return completed, storageErr(err, "delete expired entries")
	}

	if total := completed + expired; total > 0 {
		e.logg.Info(e.logg.WithFields(ctx, map[string]any{
			"completed_deleted": completed,
			"expired_deleted":   expired,
		}), "sync queue cleaned up")
	}
	return completed + expired, nil
}

// GetSyncStatus computes queue-derived counts; online and syncing come from the caller.
func (e *Engine) GetSyncStatus(ctx context.Context, online, syncing bool) (SyncStatus, error) {
	counts, err := e.repo.Counts(ctx, e.now())
	if err != nil {
		return SyncStatus{}, storageErr(err, "count queue entries")
	}

	e.metrics.SetQueueDepth(string(enums.QueueStatusPending), counts.Pending)
	e.metrics.SetQueueDepth(string(enums.QueueStatusSyncing), counts.Syncing)
	e.metrics.SetQueueDepth(string(enums.QueueStatusFailed), counts.Failed)
	e.metrics.SetQueueDepth(string(enums.QueueStatusCompleted), counts.Completed)
	e.metrics.SetQueueDepth(string(enums.QueueStatusExpired), counts.Expired)

	return SyncStatus{
		IsOnline:                 online,
		IsSyncing:                syncing,
		PendingCount:             counts.Pending + counts.Syncing,
		FailedCount:              counts.Failed,
		OverdueCount:             counts.Overdue,
		ExpiredCount:             counts.Expired,
		ApproachingDeadlineCount: counts.Approaching,
		RetryableCount:           counts.Retryable,
		LastSyncAt:               counts.LastSyncAt,
	}, nil
}

// Entry returns one queue entry.
func (e *Engine) Entry(ctx context.Context, id string) (*models.QueueEntry, error) {
	if id == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "entry id required")
	}
	entry, err := e.repo.FindByID(ctx, id)
	if err != nil {
		return nil, storageErr(err, "load queue entry")
	}
	if entry == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "queue entry not found")
	}
	return entry, nil
}

// ListParams filters and pages queue entries.
type ListParams struct {
	Status   string
	ItemType string
	StudyID  string
	Limit    int
	Cursor   string
}

// ListResult wraps returned entries and the cursor for the next page.
type ListResult struct {
	Items  []models.QueueEntry `json:"items"`
	Cursor string              `json:"cursor"`
}

// ListEntries pages through the queue in creation order.
func (e *Engine) ListEntries(ctx context.Context, params ListParams) (*ListResult, error) {
	query := listParams{StudyID: params.StudyID, Limit: params.Limit}
	if params.Status != "" {
		status, err := enums.ParseQueueStatus(params.Status)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter")
		}
		query.Status = status
	}
	if params.ItemType != "" {
		itemType, err := enums.ParseSyncItemType(params.ItemType)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid item type filter")
		}
		query.ItemType = itemType
	}
	if params.Cursor != "" {
		cursor, err := pagination.ParseCursor(params.Cursor)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
		}
		query.Cursor = cursor
	}

	rows, next, err := e.repo.List(ctx, query)
	if err != nil {
		return nil, storageErr(err, "list queue entries")
	}
	cursor := ""
	if next != nil {
		cursor = pagination.EncodeCursor(*next)
	}
	return &ListResult{Items: rows, Cursor: cursor}, nil
}

func (e *Engine) recoverSyncing(ctx context.Context) error {
	recovered, err := e.repo.RecoverSyncing(ctx)
	if err != nil {
		return storageErr(err, "recover interrupted entries")
	}
	if recovered > 0 {
		e.logg.Warn(e.logg.WithField(ctx, "recovered", recovered), "entries left syncing by an interrupted sweep were reset")
	}
	return nil
}

// expire transitions entry to expired and escalates in one transaction. It
// reports false when another caller already finished the entry.
func (e *Engine) expire(ctx context.Context, entry models.QueueEntry, reason enums.EscalationReason) (bool, error) {
	var expired bool
	err := e.db.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := e.expireTx(ctx, tx, entry.ID, reason)
		expired = ok
		return err
	})
	if err != nil {
		return false, storageErr(err, "expire queue entry")
	}
	if expired {
		e.afterExpire(ctx, entry, reason)
	}
	return expired, nil
}

func (e *Engine) expireTx(ctx context.Context, tx *gorm.DB, id string, reason enums.EscalationReason) (bool, error) {
	repo := e.repo.WithTx(tx)
	ok, err := repo.MarkExpired(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	fresh, err := repo.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if fresh == nil {
		return false, fmt.Errorf("queue entry %s vanished during expiry", id)
	}
	if err := e.escalator.EscalateTx(ctx, tx, *fresh, reason, e.now()); err != nil {
		return false, fmt.Errorf("escalate %s: %w", id, err)
	}
	return true, nil
}

func (e *Engine) afterExpire(ctx context.Context, entry models.QueueEntry, reason enums.EscalationReason) {
	e.metrics.IncItem(string(entry.ItemType), metrics.ItemExpired)
	e.metrics.IncEscalation()
	e.logg.Warn(e.logg.WithFields(ctx, map[string]any{
		"entry_id":    entry.ID,
		"study_id":    entry.StudyID,
		"item_type":   entry.ItemType,
		"data_id":     entry.DataID,
		"retry_count": entry.RetryCount,
		"deadline":    entry.Deadline.String(),
		"reason":      reason,
	}), "queue entry expired")
}

func storageErr(err error, message string) error {
	if typed := pkgerrors.As(err); typed != nil && typed.Code() == pkgerrors.CodeStorage {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeStorage, err, message)
}
