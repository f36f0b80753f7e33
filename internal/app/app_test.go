package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/painsync/internal/audit"
	"github.com/angelmondragon/painsync/internal/syncqueue"
	"github.com/angelmondragon/painsync/pkg/config"
	"github.com/angelmondragon/painsync/pkg/enums"
	"github.com/angelmondragon/painsync/pkg/logger"
)

func simulatedConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "painsync.db")
	return &config.Config{
		App: config.AppConfig{Env: "test", DeviceID: "device-1", Platform: "android", Version: "1.4.0"},
		DB: config.DBConfig{
			Driver:       config.DriverSQLite,
			DSN:          fmt.Sprintf("file:%s?_busy_timeout=5000", path),
			AutoMigrate:  true,
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		API: config.APIConfig{
			Simulated:       true,
			SimulatedSecret: "test-secret",
			SimulatedStudy:  "study-1",
			RequestTimeout:  2 * time.Second,
			ProbeInterval:   time.Hour,
		},
		Sync: config.SyncConfig{
			AutoInterval: time.Hour,
			Debounce:     time.Hour,
			BatchSize:    50,
			GateRetries:  true,
			MaxRetries:   5,
		},
		Cron: config.CronConfig{Interval: time.Hour},
	}
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestSimulatedAppDeliversQueuedItems(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, simulatedConfig(t))
	require.NotNil(t, a.Backend)
	require.NotEmpty(t, a.Transport.Token())
	require.NotNil(t, a.Audit)

	_, err := a.Engine.Enqueue(ctx, syncqueue.EnqueueRequest{
		StudyID:  "study-1",
		ItemType: enums.ItemAssessment,
		DataID:   "a-1",
		Payload:  json.RawMessage(`{"score":6}`),
	})
	require.NoError(t, err)
	_, err = a.Audit.Record(ctx, audit.Event{
		Type:    enums.AuditAssessmentSubmitted,
		StudyID: "study-1",
		Details: map[string]any{"assessmentId": "a-1"},
	})
	require.NoError(t, err)

	processed, err := a.Engine.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Len(t, a.Backend.Received(enums.ItemAssessment), 1)
	assert.Len(t, a.Backend.Received(enums.ItemAuditLog), 1)

	status, err := a.Engine.GetSyncStatus(ctx, true, false)
	require.NoError(t, err)
	assert.True(t, status.IsFullySynced())
}

func TestSimulatedAppEnrollsWithCode(t *testing.T) {
	cfg := simulatedConfig(t)
	cfg.API.EnrollmentCode = "KNEE-2026"
	a := newApp(t, cfg)

	require.NotEmpty(t, a.Transport.Token())
	status, err := a.Transport.ServerStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, status.ReceivedCount)
}

func TestHousekeepingRunsJobs(t *testing.T) {
	a := newApp(t, simulatedConfig(t))
	service, err := a.Housekeeping()
	require.NoError(t, err)
	require.NoError(t, service.RunOnce(context.Background()))
}

func TestStatusHandlerServesOrchestrator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newApp(t, simulatedConfig(t))

	orch, err := a.Orchestrator(ctx)
	require.NoError(t, err)
	defer orch.Close()

	h := a.StatusHandler(orch)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRequiresConfigAndLogger(t *testing.T) {
	_, err := New(context.Background(), nil, logger.Nop())
	assert.Error(t, err)
	_, err = New(context.Background(), simulatedConfig(t), nil)
	assert.Error(t, err)
}
