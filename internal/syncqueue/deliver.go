package syncqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/painsync/pkg/db/models"
	"github.com/angelmondragon/painsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/metrics"
	"github.com/angelmondragon/painsync/pkg/transport"
	"gorm.io/gorm"
)

// unit is one transport call: a single entry or a batch of one item type.
type unit struct {
	itemType enums.SyncItemType
	batch    bool
	entries  []models.QueueEntry
}

// only keeps the entries whose ids are in ids.
func (u unit) only(ids []string) unit {
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	entries := make([]models.QueueEntry, 0, len(ids))
	for _, entry := range u.entries {
		if _, ok := keep[entry.ID]; ok {
			entries = append(entries, entry)
		}
	}
	u.entries = entries
	return u
}

// plan groups entries into transport calls, keeping creation order within
// each item type.
func (e *Engine) plan(entries []models.QueueEntry) []unit {
	units := make([]unit, 0, len(entries))
	open := map[enums.SyncItemType]int{}
	for _, entry := range entries {
		if !e.transport.SupportsBatch(entry.ItemType) {
			units = append(units, unit{itemType: entry.ItemType, entries: []models.QueueEntry{entry}})
			continue
		}
		idx, ok := open[entry.ItemType]
		if !ok || len(units[idx].entries) >= e.settings.BatchSize {
			units = append(units, unit{itemType: entry.ItemType, batch: true})
			idx = len(units) - 1
			open[entry.ItemType] = idx
		}
		units[idx].entries = append(units[idx].entries, entry)
	}
	return units
}

// deliver transmits entries and records every outcome. It stops at the first
// unit that reports an expired session. Cancelling ctx stops the sweep between
// units; a claimed unit always runs to completion.
func (e *Engine) deliver(ctx context.Context, entries []models.QueueEntry) (int, error) {
	completed := 0
	for _, u := range e.plan(entries) {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		n, err := e.deliverUnit(context.WithoutCancel(ctx), u)
		completed += n
		if err != nil {
			return completed, err
		}
	}
	return completed, nil
}

func (e *Engine) deliverUnit(ctx context.Context, u unit) (int, error) {
	attemptedAt := e.now()
	ids := make([]string, len(u.entries))
	for i, entry := range u.entries {
		ids[i] = entry.ID
	}
	claimed, err := e.repo.MarkSyncing(ctx, ids, attemptedAt)
	if err != nil {
		return 0, storageErr(err, "claim queue entries")
	}
	if len(claimed) < len(u.entries) {
		e.logg.Debug(e.logg.WithFields(ctx, map[string]any{
			"item_type": u.itemType,
			"planned":   len(u.entries),
			"claimed":   len(claimed),
		}), "queue entries changed state before transmission")
		u = u.only(claimed)
		if len(u.entries) == 0 {
			return 0, nil
		}
	}

	results := e.send(ctx, u)

	completed := 0
	tokenExpired := false
	for i, entry := range u.entries {
		res := results[i]
		if !res.Success && res.ErrorCode == pkgerrors.CodeTokenExpired {
			tokenExpired = true
			if err := e.repo.Restore(ctx, entry.ID, entry.Status); err != nil {
				return completed, storageErr(err, "restore queue entry")
			}
			continue
		}
		ok, err := e.apply(ctx, entry, res, attemptedAt)
		if err != nil {
			return completed, err
		}
		if ok {
			completed++
		}
	}

	if tokenExpired {
		e.logg.Warn(e.logg.WithField(ctx, "item_type", u.itemType), "session expired, sync paused until re-authentication")
		return completed, pkgerrors.New(pkgerrors.CodeTokenExpired, "session expired, sync paused until re-authentication")
	}
	return completed, nil
}

// send performs the transport call for u and returns one result per entry.
func (e *Engine) send(ctx context.Context, u unit) []transport.SyncResult {
	results := make([]transport.SyncResult, len(u.entries))
	if !u.batch || len(u.entries) == 1 {
		for i, entry := range u.entries {
			results[i] = e.transport.SyncItem(ctx, queueItem(entry))
		}
		return results
	}

	items := make([]transport.QueueItem, len(u.entries))
	for i, entry := range u.entries {
		items[i] = queueItem(entry)
	}
	batch, err := e.transport.SyncBatch(ctx, u.itemType, items)
	if err != nil {
		failure := transport.ResultFromError(err)
		for i := range results {
			results[i] = failure
		}
		return results
	}

	if batch.IsPartial() {
		e.logg.Info(e.logg.WithFields(ctx, map[string]any{
			"item_type":  u.itemType,
			"successful": batch.Successful,
			"failed":     batch.Failed,
		}), "batch partially accepted")
	}

	syncedAt := e.now()
	byID := batch.ByDataID()
	for i, entry := range u.entries {
		r, ok := byID[entry.DataID]
		switch {
		case !ok:
			results[i] = transport.SyncResult{
				ErrorCode:    pkgerrors.CodeMissingResult,
				ErrorMessage: fmt.Sprintf("batch response has no result for %s", entry.DataID),
			}
		case r.Success:
			results[i] = transport.Succeeded(syncedAt)
		default:
			message := r.ErrorMessage
			if message == "" {
				message = r.ErrorCode
			}
			results[i] = transport.SyncResult{
				ErrorCode:    pkgerrors.CodeClient,
				DomainCode:   r.ErrorCode,
				ErrorMessage: message,
			}
		}
	}
	return results
}

// apply records the outcome of one attempt. It reports whether the entry completed.
func (e *Engine) apply(ctx context.Context, entry models.QueueEntry, res transport.SyncResult, attemptedAt time.Time) (bool, error) {
	logCtx := e.logg.WithFields(ctx, map[string]any{
		"entry_id":  entry.ID,
		"item_type": entry.ItemType,
		"data_id":   entry.DataID,
	})

	if res.Success {
		syncedAt := res.SyncedAt
		if syncedAt.IsZero() {
			syncedAt = e.now()
		}
		ok, err := e.repo.MarkCompleted(ctx, entry.ID, syncedAt)
		if err != nil {
			return false, storageErr(err, "mark entry completed")
		}
		if !ok {
			e.logg.Warn(logCtx, "queue entry left syncing before its result was recorded")
			return false, nil
		}
		e.metrics.IncItem(string(entry.ItemType), metrics.ItemCompleted)
		e.logg.Debug(logCtx, "queue entry synced")
		return true, nil
	}

	failure := attemptFailure{
		Code:          failureCode(res),
		Message:       failureMessage(res),
		AttemptedAt:   attemptedAt,
		NextAttemptAt: e.policy.NextAttempt(attemptedAt, entry.RetryCount+1, res.RetryAfter),
	}

	if e.nonRetryable(res) {
		var expired bool
		err := e.db.WithTx(ctx, func(tx *gorm.DB) error {
			marked, err := e.repo.WithTx(tx).MarkFailed(ctx, entry.ID, failure)
			if err != nil || !marked {
				return err
			}
			ok, err := e.expireTx(ctx, tx, entry.ID, enums.EscalationNonRetryable)
			expired = ok
			return err
		})
		if err != nil {
			return false, storageErr(err, "expire rejected entry")
		}
		e.metrics.IncItem(string(entry.ItemType), metrics.ItemFailed)
		if expired {
			entry.RetryCount++
			e.afterExpire(ctx, entry, enums.EscalationNonRetryable)
		}
		return false, nil
	}

	marked, err := e.repo.MarkFailed(ctx, entry.ID, failure)
	if err != nil {
		return false, storageErr(err, "mark entry failed")
	}
	if !marked {
		e.logg.Warn(logCtx, "queue entry left syncing before its result was recorded")
		return false, nil
	}
	e.metrics.IncItem(string(entry.ItemType), metrics.ItemFailed)
	e.logg.Warn(e.logg.WithFields(logCtx, map[string]any{
		"error_code":      failure.Code,
		"error":           failure.Message,
		"retry_count":     entry.RetryCount + 1,
		"next_attempt_at": failure.NextAttemptAt,
	}), "queue entry sync failed")
	return false, nil
}

// nonRetryable reports a rejection that no retry can fix. Only client errors
// carrying a configured domain code qualify, and only when hardening is on.
func (e *Engine) nonRetryable(res transport.SyncResult) bool {
	if !e.settings.HardenClientErrors || res.ErrorCode != pkgerrors.CodeClient {
		return false
	}
	_, ok := e.nonRetry[res.DomainCode]
	return ok
}

func failureCode(res transport.SyncResult) string {
	if res.DomainCode != "" {
		return res.DomainCode
	}
	if res.ErrorCode == "" {
		return string(pkgerrors.CodeNetwork)
	}
	return string(res.ErrorCode)
}

func failureMessage(res transport.SyncResult) string {
	code := res.ErrorCode
	if code == "" {
		code = pkgerrors.CodeNetwork
	}
	message := res.ErrorMessage
	if message == "" {
		message = pkgerrors.MetadataFor(code).PublicMessage
	}
	if res.DomainCode != "" && res.DomainCode != message {
		return fmt.Sprintf("%s: %s (%s)", code, message, res.DomainCode)
	}
	return fmt.Sprintf("%s: %s", code, message)
}

func queueItem(entry models.QueueEntry) transport.QueueItem {
	return transport.QueueItem{
		EntryID:    entry.ID,
		StudyID:    entry.StudyID,
		ItemType:   entry.ItemType,
		DataID:     entry.DataID,
		Payload:    []byte(entry.Payload),
		RetryCount: entry.RetryCount,
		CreatedAt:  entry.CreatedAt.Time,
	}
}
