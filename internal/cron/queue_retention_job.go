package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/painsync/pkg/logger"
)

type QueueRetentionJobParams struct {
	Logger  *logger.Logger
	Cleaner queueCleaner
}

type queueCleaner interface {
	CleanupCompletedItems(ctx context.Context) (int64, error)
}

// NewQueueRetentionJob reclaims completed entries and escalated expired
// entries past their retention windows.
func NewQueueRetentionJob(params QueueRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Cleaner == nil {
		return nil, fmt.Errorf("queue cleaner required")
	}
	return &queueRetentionJob{logg: params.Logger, cleaner: params.Cleaner}, nil
}

type queueRetentionJob struct {
	logg    *logger.Logger
	cleaner queueCleaner
}

func (j *queueRetentionJob) Name() string { return "queue-retention" }

func (j *queueRetentionJob) Run(ctx context.Context) error {
	deleted, err := j.cleaner.CleanupCompletedItems(ctx)
	if err != nil {
		return fmt.Errorf("queue retention: %w", err)
	}
	j.logg.Info(j.logg.WithField(ctx, "rows_deleted", deleted), "queue retention cleanup complete")
	return nil
}
