// Package orchestrator decides when the sync engine runs: on reconnect, on a
// periodic schedule, shortly after new data is queued, and on demand.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/angelmondragon/painsync/internal/connectivity"
	"github.com/angelmondragon/painsync/internal/syncqueue"
	"github.com/angelmondragon/painsync/pkg/db/models"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/logger"
	"github.com/angelmondragon/painsync/pkg/metrics"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
)

const (
	DefaultAutoInterval = 15 * time.Minute
	DefaultDebounce     = 3 * time.Second
)

// ErrOffline is returned by SyncNow while the device has no connectivity.
var ErrOffline = pkgerrors.New(pkgerrors.CodeOffline, "device is offline")

// ErrAuthPaused is returned by SyncNow until ResumeAuth is called after the
// remote rejected the session token.
var ErrAuthPaused = pkgerrors.New(pkgerrors.CodeTokenExpired, "sync paused until re-authentication")

// Engine is the queue surface the orchestrator drives.
type Engine interface {
	Enqueue(ctx context.Context, req syncqueue.EnqueueRequest) (*models.QueueEntry, error)
	ProcessQueue(ctx context.Context) (int, error)
	RetryFailedItems(ctx context.Context) (int, error)
	CleanupCompletedItems(ctx context.Context) (int64, error)
	GetSyncStatus(ctx context.Context, online, syncing bool) (syncqueue.SyncStatus, error)
}

// Lock serializes sweeps across processes sharing one queue.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

type Params struct {
	Engine       Engine
	Monitor      connectivity.Monitor
	Logger       *logger.Logger
	Metrics      *metrics.SyncMetrics
	Lock         Lock
	AutoInterval time.Duration
	Debounce     time.Duration
	Now          func() time.Time
}

// Orchestrator runs at most one sweep at a time and publishes SyncStatus
// snapshots to subscribers.
type Orchestrator struct {
	engine       Engine
	monitor      connectivity.Monitor
	logg         *logger.Logger
	metrics      *metrics.SyncMetrics
	lock         Lock
	autoInterval time.Duration
	debounce     time.Duration
	now          func() time.Time

	syncing    atomic.Bool
	authPaused atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	scheduler   *cron.Cron
	scheduleID  cron.EntryID
	unsubscribe func()

	mu          sync.Mutex
	closed      bool
	status      syncqueue.SyncStatus
	lastError   string
	timer       *time.Timer
	timerDue    time.Time
	subscribers map[int]func(syncqueue.SyncStatus)
	nextSubID   int
}

// New wires the orchestrator, loads the initial status and starts the
// periodic schedule and connectivity subscription.
func New(ctx context.Context, params Params) (*Orchestrator, error) {
	if params.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if params.Monitor == nil {
		return nil, errors.New("connectivity monitor is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	interval := params.AutoInterval
	if interval <= 0 {
		interval = DefaultAutoInterval
	}
	debounce := params.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o := &Orchestrator{
		engine:       params.Engine,
		monitor:      params.Monitor,
		logg:         params.Logger,
		metrics:      params.Metrics,
		lock:         params.Lock,
		autoInterval: interval,
		debounce:     debounce,
		now:          now,
		ctx:          runCtx,
		cancel:       cancel,
		subscribers:  map[int]func(syncqueue.SyncStatus){},
	}

	if _, err := o.refresh(ctx); err != nil {
		cancel()
		return nil, err
	}

	o.scheduler = cron.New(cron.WithLogger(cronLogger{logg: o.logg, ctx: runCtx}))
	id, err := o.scheduler.AddFunc(fmt.Sprintf("@every %s", interval), o.tick)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("schedule auto sync: %w", err)
	}
	o.scheduleID = id
	o.scheduler.Start()

	o.unsubscribe = o.monitor.Subscribe(o.onConnectivity)

	o.logg.Info(o.logg.WithField(ctx, "auto_interval", interval.String()), "sync orchestrator started")
	return o, nil
}

// Status returns the last published snapshot.
func (o *Orchestrator) Status() syncqueue.SyncStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// IsSyncing reports whether a sweep is in flight.
func (o *Orchestrator) IsSyncing() bool {
	return o.syncing.Load()
}

// AuthPaused reports whether sweeps are held until re-authentication.
func (o *Orchestrator) AuthPaused() bool {
	return o.authPaused.Load()
}

// Subscribe registers fn for every published status and immediately calls it
// with the current snapshot.
func (o *Orchestrator) Subscribe(fn func(syncqueue.SyncStatus)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.subscribers[id] = fn
	current := o.status
	o.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subscribers, id)
			o.mu.Unlock()
		})
	}
}

// QueueForSync persists req and, when online and idle, schedules a sweep after
// the debounce delay. Repeated calls push the same timer back.
func (o *Orchestrator) QueueForSync(ctx context.Context, req syncqueue.EnqueueRequest) (*models.QueueEntry, error) {
	entry, err := o.engine.Enqueue(ctx, req)
	if err != nil {
		return nil, err
	}
	if o.monitor.Online() && !o.syncing.Load() && !o.authPaused.Load() {
		o.scheduleSoon()
	}
	if _, err := o.refresh(ctx); err != nil {
		o.logg.Error(ctx, "status refresh after enqueue failed", err)
	}
	return entry, nil
}

// Enqueue lets the orchestrator stand in for the engine as a producer target.
func (o *Orchestrator) Enqueue(ctx context.Context, req syncqueue.EnqueueRequest) (*models.QueueEntry, error) {
	return o.QueueForSync(ctx, req)
}

// SyncNow runs one sweep. It is a no-op returning nil when a sweep is already
// running and returns ErrOffline without touching state when offline.
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	return o.sweep(ctx, "manual")
}

// ResumeAuth clears the expired-session pause and starts a sweep when online.
func (o *Orchestrator) ResumeAuth(ctx context.Context) {
	if !o.authPaused.CompareAndSwap(true, false) {
		return
	}
	o.logg.Info(ctx, "sync resumed after re-authentication")
	if _, err := o.refresh(ctx); err != nil {
		o.logg.Error(ctx, "status refresh after resume failed", err)
	}
	if o.monitor.Online() {
		o.background("resume")
	}
}

// Close stops the schedule, the debounce timer and the connectivity
// subscription, and waits for background sweeps to finish.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.mu.Unlock()

	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	o.cancel()
	<-o.scheduler.Stop().Done()
	o.wg.Wait()

	o.logg.Info(context.Background(), "sync orchestrator stopped")
	return nil
}

func (o *Orchestrator) onConnectivity(online bool) {
	ctx := o.logg.WithField(o.ctx, "online", online)
	o.logg.Info(ctx, "connectivity changed")
	if online {
		o.background("connectivity")
		return
	}
	if _, err := o.refresh(ctx); err != nil {
		o.logg.Error(ctx, "status refresh after disconnect failed", err)
	}
}

// tick is the periodic trigger; it only sweeps when there is work.
func (o *Orchestrator) tick() {
	if o.isClosed() || !o.monitor.Online() || o.syncing.Load() || o.authPaused.Load() {
		o.metrics.ObserveSweep(metrics.SweepSkipped, 0)
		return
	}
	status, err := o.engine.GetSyncStatus(o.ctx, true, false)
	if err != nil {
		o.logg.Error(o.ctx, "periodic status check failed", err)
		return
	}
	if !status.HasWork() {
		return
	}
	_ = o.sweep(o.ctx, "schedule")
}

func (o *Orchestrator) scheduleSoon() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	o.timerDue = o.now().Add(o.debounce)
	o.timer = time.AfterFunc(o.debounce, func() {
		o.mu.Lock()
		o.timer = nil
		o.timerDue = time.Time{}
		o.mu.Unlock()
		o.background("debounce")
	})
}

// background starts a sweep tracked by Close.
func (o *Orchestrator) background(trigger string) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		_ = o.sweep(o.ctx, trigger)
	}()
}

func (o *Orchestrator) sweep(ctx context.Context, trigger string) error {
	if !o.monitor.Online() {
		return ErrOffline
	}
	if o.authPaused.Load() {
		return ErrAuthPaused
	}
	if !o.syncing.CompareAndSwap(false, true) {
		o.metrics.ObserveSweep(metrics.SweepSkipped, 0)
		return nil
	}
	defer o.syncing.Store(false)

	ctx = o.logg.WithFields(ctx, map[string]any{
		"sweep_id": uuid.NewString(),
		"trigger":  trigger,
	})

	if o.lock != nil {
		locked, err := o.lock.Acquire(ctx)
		if err != nil {
			o.syncing.Store(false)
			o.finish(ctx, fmt.Errorf("sweep lock: %w", err), 0)
			return err
		}
		if !locked {
			o.syncing.Store(false)
			o.logg.Info(ctx, "another process holds the sweep lock; skipping")
			o.metrics.ObserveSweep(metrics.SweepSkipped, 0)
			return nil
		}
		defer func() {
			if err := o.lock.Release(context.WithoutCancel(ctx)); err != nil {
				o.logg.Error(ctx, "failed to release sweep lock", err)
			}
		}()
	}

	if _, err := o.refresh(ctx); err != nil {
		o.logg.Error(ctx, "status refresh at sweep start failed", err)
	}

	start := o.now()
	err := o.runStagesRecovered(ctx)
	o.syncing.Store(false)
	o.finish(ctx, err, o.now().Sub(start))
	return err
}

// runStages executes process, retry and cleanup. An expired session skips the
// retry stage; cleanup is local and always runs.
func (o *Orchestrator) runStages(ctx context.Context) error {
	var errs error

	synced, err := o.engine.ProcessQueue(ctx)
	errs = multierr.Append(errs, err)

	retried := 0
	if !isTokenExpired(err) {
		retried, err = o.engine.RetryFailedItems(ctx)
		errs = multierr.Append(errs, err)
	}

	removed, err := o.engine.CleanupCompletedItems(ctx)
	errs = multierr.Append(errs, err)

	o.logg.Info(o.logg.WithFields(ctx, map[string]any{
		"synced":  synced,
		"retried": retried,
		"removed": removed,
	}), "sweep finished")
	return errs
}

// runStagesRecovered reports a panic in any stage as the sweep error.
func (o *Orchestrator) runStagesRecovered(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panicked: %v", r)
		}
	}()
	return o.runStages(ctx)
}

// finish records the outcome of a sweep and publishes the new status.
func (o *Orchestrator) finish(ctx context.Context, err error, duration time.Duration) {
	outcome := metrics.SweepOK
	message := ""
	if err != nil {
		outcome = metrics.SweepError
		message = summarize(err)
		if isTokenExpired(err) {
			o.authPaused.Store(true)
			o.logg.Warn(ctx, "session expired; sweeps paused until re-authentication")
		} else {
			o.logg.Error(ctx, "sweep failed", err)
		}
	}
	o.metrics.ObserveSweep(outcome, duration)

	o.mu.Lock()
	o.lastError = message
	o.mu.Unlock()

	if _, refreshErr := o.refresh(ctx); refreshErr != nil {
		o.logg.Error(ctx, "status refresh after sweep failed", refreshErr)
	}
}

// refresh recomputes the status snapshot and notifies subscribers.
func (o *Orchestrator) refresh(ctx context.Context) (syncqueue.SyncStatus, error) {
	status, err := o.engine.GetSyncStatus(ctx, o.monitor.Online(), o.syncing.Load())
	if err != nil {
		return syncqueue.SyncStatus{}, err
	}

	o.mu.Lock()
	status.LastError = o.lastError
	status.AuthPaused = o.authPaused.Load()
	status.NextScheduledSync = o.nextScheduledLocked()
	o.status = status
	subscribers := make([]func(syncqueue.SyncStatus), 0, len(o.subscribers))
	for _, fn := range o.subscribers {
		subscribers = append(subscribers, fn)
	}
	o.mu.Unlock()

	for _, fn := range subscribers {
		fn(status)
	}
	return status, nil
}

func (o *Orchestrator) nextScheduledLocked() *time.Time {
	if !o.timerDue.IsZero() {
		due := o.timerDue
		return &due
	}
	if o.scheduler == nil {
		return nil
	}
	next := o.scheduler.Entry(o.scheduleID).Next
	if next.IsZero() {
		return nil
	}
	return &next
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func isTokenExpired(err error) bool {
	for _, e := range multierr.Errors(err) {
		if pkgerrors.CodeOf(e) == pkgerrors.CodeTokenExpired {
			return true
		}
	}
	return false
}

// summarize turns a sweep error into the short message shown to participants.
func summarize(err error) string {
	errs := multierr.Errors(err)
	if len(errs) == 0 {
		return ""
	}
	if typed := pkgerrors.As(errs[0]); typed != nil {
		return pkgerrors.MetadataFor(typed.Code()).PublicMessage
	}
	return "sync failed"
}
