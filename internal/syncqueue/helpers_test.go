package syncqueue_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/angelmondragon/painsync/internal/escalation"
	"github.com/angelmondragon/painsync/internal/syncqueue"
	"github.com/angelmondragon/painsync/pkg/db"
	"github.com/angelmondragon/painsync/pkg/db/models"
	"github.com/angelmondragon/painsync/pkg/enums"
	"github.com/angelmondragon/painsync/pkg/logger"
	"github.com/angelmondragon/painsync/pkg/migrate/migratetest"
	"github.com/angelmondragon/painsync/pkg/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: epoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTransport struct {
	mu         sync.Mutex
	batchTypes map[enums.SyncItemType]bool
	itemFn     func(item transport.QueueItem) transport.SyncResult
	itemCtxFn  func(ctx context.Context, item transport.QueueItem) transport.SyncResult
	batchFn    func(itemType enums.SyncItemType, items []transport.QueueItem) (transport.BatchSyncResult, error)
	items      []transport.QueueItem
	batches    [][]transport.QueueItem
	token      string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{batchTypes: map[enums.SyncItemType]bool{enums.ItemAssessment: true}}
}

func (f *fakeTransport) SyncItem(ctx context.Context, item transport.QueueItem) transport.SyncResult {
	f.mu.Lock()
	f.items = append(f.items, item)
	fn, ctxFn := f.itemFn, f.itemCtxFn
	f.mu.Unlock()
	if ctxFn != nil {
		return ctxFn(ctx, item)
	}
	if fn != nil {
		return fn(item)
	}
	return transport.Succeeded(epoch)
}

func (f *fakeTransport) SyncBatch(_ context.Context, itemType enums.SyncItemType, items []transport.QueueItem) (transport.BatchSyncResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, items)
	fn := f.batchFn
	f.mu.Unlock()
	if fn != nil {
		return fn(itemType, items)
	}
	results := make([]transport.SyncItemResult, len(items))
	for i, item := range items {
		results[i] = transport.SyncItemResult{DataID: item.DataID, Success: true}
	}
	return transport.NewBatchSyncResult(results), nil
}

func (f *fakeTransport) SupportsBatch(itemType enums.SyncItemType) bool {
	return f.batchTypes[itemType]
}

func (f *fakeTransport) ValidateEnrollment(context.Context, string) (transport.Session, error) {
	return transport.Session{}, nil
}

func (f *fakeTransport) RecordConsent(context.Context, transport.ConsentRequest) error {
	return nil
}

func (f *fakeTransport) ServerStatus(context.Context) (transport.ServerSyncStatus, error) {
	return transport.ServerSyncStatus{}, nil
}

func (f *fakeTransport) SetToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *fakeTransport) calls() (items int, batches int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items), len(f.batches)
}

type harness struct {
	client    *db.Client
	repo      syncqueue.Repository
	notifier  *escalation.Notifier
	transport *fakeTransport
	clock     *fakeClock
	engine    *syncqueue.Engine
}

func newHarness(t *testing.T, configure ...func(*syncqueue.EngineParams)) *harness {
	t.Helper()
	client := migratetest.NewClient(t)
	notifier, err := escalation.NewNotifier(client.DB(), logger.Nop())
	require.NoError(t, err)

	h := &harness{
		client:    client,
		repo:      syncqueue.NewRepository(client.DB()),
		notifier:  notifier,
		transport: newFakeTransport(),
		clock:     newFakeClock(),
	}
	params := syncqueue.EngineParams{
		DB:        client,
		Transport: h.transport,
		Escalator: notifier,
		Policy:    syncqueue.DefaultRetryPolicy(),
		Logger:    logger.Nop(),
		Now:       h.clock.Now,
	}
	for _, fn := range configure {
		fn(&params)
	}
	h.engine, err = syncqueue.NewEngine(params)
	require.NoError(t, err)
	return h
}

func withoutGate(p *syncqueue.EngineParams) {
	p.Policy.Gate = false
}

func (h *harness) enqueue(t *testing.T, itemType enums.SyncItemType) *models.QueueEntry {
	t.Helper()
	entry, err := h.engine.Enqueue(context.Background(), syncqueue.EnqueueRequest{
		StudyID:  "study-1",
		ItemType: itemType,
		DataID:   uuid.NewString(),
		Payload:  json.RawMessage(`{"nrs":6}`),
	})
	require.NoError(t, err)
	h.clock.Advance(time.Millisecond)
	return entry
}

func (h *harness) entry(t *testing.T, id string) models.QueueEntry {
	t.Helper()
	got, err := h.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, got, "entry %s", id)
	return *got
}

func (h *harness) update(t *testing.T, id string, values map[string]any) {
	t.Helper()
	require.NoError(t, h.client.DB().Model(&models.QueueEntry{}).Where("id = ?", id).Updates(values).Error)
}

func (h *harness) escalations(t *testing.T) []models.SyncEscalation {
	t.Helper()
	rows, err := h.notifier.List(context.Background(), 100)
	require.NoError(t, err)
	return rows
}

func (h *harness) byStatus(t *testing.T, status enums.QueueStatus) []models.QueueEntry {
	t.Helper()
	rows, err := h.repo.FetchByStatus(context.Background(), status)
	require.NoError(t, err)
	return rows
}
