package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/angelmondragon/painsync/internal/connectivity"
	"github.com/angelmondragon/painsync/internal/escalation"
	"github.com/angelmondragon/painsync/internal/syncqueue"
	"github.com/angelmondragon/painsync/pkg/db/models"
	"github.com/angelmondragon/painsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/logger"
	"github.com/angelmondragon/painsync/pkg/migrate/migratetest"
	"github.com/angelmondragon/painsync/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu         sync.Mutex
	stages     []string
	processErr error
	panicValue any
	retryErr   error
	pending    int
	block      chan struct{}
	entered    chan struct{}
	processes  atomic.Int32
}

func (f *fakeEngine) record(stage string) {
	f.mu.Lock()
	f.stages = append(f.stages, stage)
	f.mu.Unlock()
}

func (f *fakeEngine) Stages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stages...)
}

func (f *fakeEngine) Enqueue(_ context.Context, req syncqueue.EnqueueRequest) (*models.QueueEntry, error) {
	f.mu.Lock()
	f.pending++
	f.mu.Unlock()
	return &models.QueueEntry{ID: "e", DataID: req.DataID, ItemType: req.ItemType}, nil
}

func (f *fakeEngine) ProcessQueue(context.Context) (int, error) {
	f.processes.Add(1)
	f.record("process")
	f.mu.Lock()
	panicValue := f.panicValue
	f.mu.Unlock()
	if panicValue != nil {
		panic(panicValue)
	}
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processErr != nil {
		return 0, f.processErr
	}
	n := f.pending
	f.pending = 0
	return n, nil
}

func (f *fakeEngine) RetryFailedItems(context.Context) (int, error) {
	f.record("retry")
	return 0, f.retryErr
}

func (f *fakeEngine) CleanupCompletedItems(context.Context) (int64, error) {
	f.record("cleanup")
	return 0, nil
}

func (f *fakeEngine) GetSyncStatus(_ context.Context, online, syncing bool) (syncqueue.SyncStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return syncqueue.SyncStatus{IsOnline: online, IsSyncing: syncing, PendingCount: f.pending}, nil
}

type fakeLock struct {
	acquire  bool
	err      error
	released atomic.Int32
}

func (l *fakeLock) Acquire(context.Context) (bool, error) { return l.acquire, l.err }

func (l *fakeLock) Release(context.Context) error {
	l.released.Add(1)
	return nil
}

func newOrchestrator(t *testing.T, engine Engine, monitor connectivity.Monitor, configure ...func(*Params)) *Orchestrator {
	t.Helper()
	params := Params{
		Engine:   engine,
		Monitor:  monitor,
		Logger:   logger.Nop(),
		Debounce: 20 * time.Millisecond,
	}
	for _, fn := range configure {
		fn(&params)
	}
	o, err := New(context.Background(), params)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestNewValidatesParams(t *testing.T) {
	monitor := connectivity.NewManual(true)
	_, err := New(context.Background(), Params{Monitor: monitor, Logger: logger.Nop()})
	assert.Error(t, err)
	_, err = New(context.Background(), Params{Engine: &fakeEngine{}, Logger: logger.Nop()})
	assert.Error(t, err)
	_, err = New(context.Background(), Params{Engine: &fakeEngine{}, Monitor: monitor})
	assert.Error(t, err)
}

func TestSyncNowOffline(t *testing.T) {
	engine := &fakeEngine{}
	o := newOrchestrator(t, engine, connectivity.NewManual(false))

	err := o.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
	assert.Empty(t, engine.Stages())
	assert.False(t, o.IsSyncing())
	assert.Empty(t, o.Status().LastError)
}

func TestSyncNowRunsStagesAndPublishes(t *testing.T) {
	engine := &fakeEngine{}
	o := newOrchestrator(t, engine, connectivity.NewManual(true))

	var mu sync.Mutex
	var seen []bool
	unsubscribe := o.Subscribe(func(s syncqueue.SyncStatus) {
		mu.Lock()
		seen = append(seen, s.IsSyncing)
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, o.SyncNow(context.Background()))

	assert.Equal(t, []string{"process", "retry", "cleanup"}, engine.Stages())
	assert.False(t, o.IsSyncing())
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 3)
	assert.False(t, seen[0], "initial snapshot")
	assert.Contains(t, seen, true)
	assert.False(t, seen[len(seen)-1])
}

func TestSyncNowIsSingleFlight(t *testing.T) {
	engine := &fakeEngine{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	o := newOrchestrator(t, engine, connectivity.NewManual(true))

	done := make(chan error, 1)
	go func() { done <- o.SyncNow(context.Background()) }()
	<-engine.entered
	assert.True(t, o.IsSyncing())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, o.SyncNow(context.Background()))
		}()
	}
	wg.Wait()

	close(engine.block)
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, engine.processes.Load())
	assert.False(t, o.IsSyncing())
}

func TestSweepErrorsBecomeLastError(t *testing.T) {
	engine := &fakeEngine{processErr: pkgerrors.New(pkgerrors.CodeStorage, "disk I/O error")}
	o := newOrchestrator(t, engine, connectivity.NewManual(true))

	err := o.SyncNow(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"process", "retry", "cleanup"}, engine.Stages())
	assert.Equal(t, "local storage failure", o.Status().LastError)
	assert.False(t, o.Status().IsSyncing)

	engine.mu.Lock()
	engine.processErr = nil
	engine.mu.Unlock()
	require.NoError(t, o.SyncNow(context.Background()))
	assert.Empty(t, o.Status().LastError)
}

func TestPanickingStageDoesNotLeaveSweepRunning(t *testing.T) {
	engine := &fakeEngine{panicValue: "nil map write"}
	o := newOrchestrator(t, engine, connectivity.NewManual(true))

	err := o.SyncNow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil map write")
	assert.False(t, o.IsSyncing())
	assert.False(t, o.Status().IsSyncing)
	assert.Equal(t, "sync failed", o.Status().LastError)

	engine.mu.Lock()
	engine.panicValue = nil
	engine.mu.Unlock()
	require.NoError(t, o.SyncNow(context.Background()))
	assert.EqualValues(t, 2, engine.processes.Load())
	assert.Empty(t, o.Status().LastError)
}

func TestExpiredSessionPausesUntilResume(t *testing.T) {
	engine := &fakeEngine{processErr: pkgerrors.New(pkgerrors.CodeTokenExpired, "session expired")}
	o := newOrchestrator(t, engine, connectivity.NewManual(true))

	err := o.SyncNow(context.Background())
	assert.Equal(t, pkgerrors.CodeTokenExpired, pkgerrors.CodeOf(err))
	assert.Equal(t, []string{"process", "cleanup"}, engine.Stages())
	assert.True(t, o.AuthPaused())
	assert.True(t, o.Status().AuthPaused)

	assert.ErrorIs(t, o.SyncNow(context.Background()), ErrAuthPaused)
	assert.EqualValues(t, 1, engine.processes.Load())

	engine.mu.Lock()
	engine.processErr = nil
	engine.mu.Unlock()
	o.ResumeAuth(context.Background())
	assert.False(t, o.AuthPaused())
	require.Eventually(t, func() bool { return engine.processes.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestQueueForSyncDebounces(t *testing.T) {
	engine := &fakeEngine{}
	o := newOrchestrator(t, engine, connectivity.NewManual(true), func(p *Params) { p.Debounce = 100 * time.Millisecond })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := o.QueueForSync(ctx, syncqueue.EnqueueRequest{StudyID: "s", ItemType: enums.ItemAssessment, DataID: "d", Payload: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, o.Status().PendingCount)
	assert.NotNil(t, o.Status().NextScheduledSync)

	require.Eventually(t, func() bool { return engine.processes.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	assert.EqualValues(t, 1, engine.processes.Load())
	require.Eventually(t, func() bool { return o.Status().PendingCount == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueueForSyncOfflineDoesNotSchedule(t *testing.T) {
	engine := &fakeEngine{}
	o := newOrchestrator(t, engine, connectivity.NewManual(false))

	_, err := o.QueueForSync(context.Background(), syncqueue.EnqueueRequest{StudyID: "s", ItemType: enums.ItemConsent, DataID: "d", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, engine.processes.Load())
	assert.Equal(t, 1, o.Status().PendingCount)
	assert.False(t, o.Status().IsOnline)
}

func TestReconnectTriggersSweep(t *testing.T) {
	engine := &fakeEngine{}
	monitor := connectivity.NewManual(false)
	o := newOrchestrator(t, engine, monitor)

	monitor.Set(true)
	require.Eventually(t, func() bool { return engine.processes.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return o.Status().IsOnline && !o.Status().IsSyncing }, time.Second, 5*time.Millisecond)

	monitor.Set(false)
	assert.False(t, o.Status().IsOnline)
}

func TestCloseCancelsPendingDebounce(t *testing.T) {
	engine := &fakeEngine{}
	monitor := connectivity.NewManual(true)
	o := newOrchestrator(t, engine, monitor)

	_, err := o.QueueForSync(context.Background(), syncqueue.EnqueueRequest{StudyID: "s", ItemType: enums.ItemConsent, DataID: "d", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NoError(t, o.Close())
	require.NoError(t, o.Close())

	monitor.Set(false)
	monitor.Set(true)
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, engine.processes.Load())
}

func TestTickSweepsOnlyWithWork(t *testing.T) {
	engine := &fakeEngine{}
	o := newOrchestrator(t, engine, connectivity.NewManual(true))

	o.tick()
	assert.Zero(t, engine.processes.Load())

	engine.mu.Lock()
	engine.pending = 2
	engine.mu.Unlock()
	o.tick()
	assert.EqualValues(t, 1, engine.processes.Load())
}

func TestSweepLock(t *testing.T) {
	t.Run("held elsewhere", func(t *testing.T) {
		engine := &fakeEngine{}
		lock := &fakeLock{acquire: false}
		o := newOrchestrator(t, engine, connectivity.NewManual(true), func(p *Params) { p.Lock = lock })

		require.NoError(t, o.SyncNow(context.Background()))
		assert.Empty(t, engine.Stages())
		assert.False(t, o.IsSyncing())
	})

	t.Run("acquired", func(t *testing.T) {
		engine := &fakeEngine{}
		lock := &fakeLock{acquire: true}
		o := newOrchestrator(t, engine, connectivity.NewManual(true), func(p *Params) { p.Lock = lock })

		require.NoError(t, o.SyncNow(context.Background()))
		assert.Len(t, engine.Stages(), 3)
		assert.EqualValues(t, 1, lock.released.Load())
	})

	t.Run("unavailable", func(t *testing.T) {
		engine := &fakeEngine{}
		lock := &fakeLock{err: errors.New("redis: connection refused")}
		o := newOrchestrator(t, engine, connectivity.NewManual(true), func(p *Params) { p.Lock = lock })

		require.Error(t, o.SyncNow(context.Background()))
		assert.Empty(t, engine.Stages())
		assert.False(t, o.IsSyncing())
		assert.Equal(t, "sync failed", o.Status().LastError)
	})
}

type scriptedTransport struct {
	mu   sync.Mutex
	sent []transport.QueueItem
}

func (s *scriptedTransport) SyncItem(_ context.Context, item transport.QueueItem) transport.SyncResult {
	s.mu.Lock()
	s.sent = append(s.sent, item)
	s.mu.Unlock()
	return transport.Succeeded(time.Now())
}

func (s *scriptedTransport) SyncBatch(context.Context, enums.SyncItemType, []transport.QueueItem) (transport.BatchSyncResult, error) {
	return transport.BatchSyncResult{}, errors.New("batch not scripted")
}

func (s *scriptedTransport) SupportsBatch(enums.SyncItemType) bool { return false }

func (s *scriptedTransport) ValidateEnrollment(context.Context, string) (transport.Session, error) {
	return transport.Session{}, nil
}

func (s *scriptedTransport) RecordConsent(context.Context, transport.ConsentRequest) error { return nil }

func (s *scriptedTransport) ServerStatus(context.Context) (transport.ServerSyncStatus, error) {
	return transport.ServerSyncStatus{}, nil
}

func (s *scriptedTransport) SetToken(string) {}

func TestOfflineEnqueueSyncsOnReconnect(t *testing.T) {
	ctx := context.Background()
	client := migratetest.NewClient(t)
	notifier, err := escalation.NewNotifier(client.DB(), logger.Nop())
	require.NoError(t, err)
	tr := &scriptedTransport{}
	engine, err := syncqueue.NewEngine(syncqueue.EngineParams{
		DB:        client,
		Transport: tr,
		Escalator: notifier,
		Policy:    syncqueue.DefaultRetryPolicy(),
		Logger:    logger.Nop(),
	})
	require.NoError(t, err)

	monitor := connectivity.NewManual(false)
	o := newOrchestrator(t, engine, monitor)

	entry, err := o.QueueForSync(ctx, syncqueue.EnqueueRequest{
		StudyID:  "study-1",
		ItemType: enums.ItemAssessment,
		DataID:   "assessment-1",
		Payload:  json.RawMessage(`{"nrs":5}`),
	})
	require.NoError(t, err)
	status := o.Status()
	assert.Equal(t, 1, status.PendingCount)
	assert.False(t, status.IsSyncing)

	monitor.Set(true)
	require.Eventually(t, func() bool {
		s := o.Status()
		return s.PendingCount == 0 && !s.IsSyncing
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := engine.Entry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.QueueStatusCompleted, stored.Status)
	assert.True(t, o.Status().IsFullySynced())
}
