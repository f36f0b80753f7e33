package cron

import (
	"context"
	"fmt"

	"github.com/angelmondragon/painsync/pkg/logger"
)

type DeadlineWatchJobParams struct {
	Logger  *logger.Logger
	Expirer overdueExpirer
}

type overdueExpirer interface {
	ExpireOverdue(ctx context.Context) (int, error)
}

// NewDeadlineWatchJob expires overdue entries so compliance escalation does
// not wait for connectivity.
func NewDeadlineWatchJob(params DeadlineWatchJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Expirer == nil {
		return nil, fmt.Errorf("overdue expirer required")
	}
	return &deadlineWatchJob{logg: params.Logger, expirer: params.Expirer}, nil
}

type deadlineWatchJob struct {
	logg    *logger.Logger
	expirer overdueExpirer
}

func (j *deadlineWatchJob) Name() string { return "deadline-watch" }

func (j *deadlineWatchJob) Run(ctx context.Context) error {
	expired, err := j.expirer.ExpireOverdue(ctx)
	if err != nil {
		return fmt.Errorf("deadline watch: %w", err)
	}
	if expired > 0 {
		j.logg.Warn(j.logg.WithField(ctx, "expired", expired), "overdue entries expired and escalated")
	}
	return nil
}
