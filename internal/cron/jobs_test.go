package cron

import (
	"context"
	"errors"
	"testing"

	"github.com/angelmondragon/painsync/pkg/logger"
)

type fakeQueue struct {
	deleted int64
	expired int
	err     error
	calls   int
}

func (f *fakeQueue) CleanupCompletedItems(context.Context) (int64, error) {
	f.calls++
	return f.deleted, f.err
}

func (f *fakeQueue) ExpireOverdue(context.Context) (int, error) {
	f.calls++
	return f.expired, f.err
}

func TestQueueRetentionJob(t *testing.T) {
	queue := &fakeQueue{deleted: 4}
	job, err := NewQueueRetentionJob(QueueRetentionJobParams{Logger: logger.Nop(), Cleaner: queue})
	if err != nil {
		t.Fatalf("NewQueueRetentionJob: %v", err)
	}
	if job.Name() != "queue-retention" {
		t.Fatalf("unexpected name %q", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if queue.calls != 1 {
		t.Fatalf("expected cleaner called once, got %d", queue.calls)
	}

	queue.err = errors.New("database is locked")
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeadlineWatchJob(t *testing.T) {
	queue := &fakeQueue{expired: 2}
	job, err := NewDeadlineWatchJob(DeadlineWatchJobParams{Logger: logger.Nop(), Expirer: queue})
	if err != nil {
		t.Fatalf("NewDeadlineWatchJob: %v", err)
	}
	if job.Name() != "deadline-watch" {
		t.Fatalf("unexpected name %q", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	queue.err = errors.New("boom")
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestJobConstructorsValidate(t *testing.T) {
	if _, err := NewQueueRetentionJob(QueueRetentionJobParams{Cleaner: &fakeQueue{}}); err == nil {
		t.Fatal("expected logger error")
	}
	if _, err := NewQueueRetentionJob(QueueRetentionJobParams{Logger: logger.Nop()}); err == nil {
		t.Fatal("expected cleaner error")
	}
	if _, err := NewDeadlineWatchJob(DeadlineWatchJobParams{Expirer: &fakeQueue{}}); err == nil {
		t.Fatal("expected logger error")
	}
	if _, err := NewDeadlineWatchJob(DeadlineWatchJobParams{Logger: logger.Nop()}); err == nil {
		t.Fatal("expected expirer error")
	}
}
