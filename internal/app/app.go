// Package app assembles the sync stack from configuration for the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/angelmondragon/painsync/api/controllers/remote"
	"github.com/angelmondragon/painsync/api/routes"
	"github.com/angelmondragon/painsync/internal/audit"
	"github.com/angelmondragon/painsync/internal/connectivity"
	"github.com/angelmondragon/painsync/internal/cron"
	"github.com/angelmondragon/painsync/internal/escalation"
	"github.com/angelmondragon/painsync/internal/orchestrator"
	"github.com/angelmondragon/painsync/internal/syncqueue"
	pkgAuth "github.com/angelmondragon/painsync/pkg/auth"
	"github.com/angelmondragon/painsync/pkg/config"
	"github.com/angelmondragon/painsync/pkg/db"
	"github.com/angelmondragon/painsync/pkg/logger"
	"github.com/angelmondragon/painsync/pkg/metrics"
	"github.com/angelmondragon/painsync/pkg/migrate"
	"github.com/angelmondragon/painsync/pkg/redis"
	"github.com/angelmondragon/painsync/pkg/transport"
)

const simulatedBaseURL = "http://painsync.simulated"

// App holds the wired components shared by syncd and syncctl.
type App struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.Client
	Redis     *redis.Client
	Transport *transport.HTTPTransport
	// Backend is set in simulated mode only.
	Backend     *remote.Backend
	Engine      *syncqueue.Engine
	Escalations *escalation.Notifier
	Audit       *audit.Recorder
	Registry    *prometheus.Registry
	SyncMetrics *metrics.SyncMetrics
	JobMetrics  *metrics.CronJobMetrics

	prober *connectivity.Prober
}

// New opens storage, applies migrations and wires the engine and transport.
func New(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}

	a := &App{Config: cfg, Logger: logg, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.SyncMetrics = metrics.NewSyncMetrics(a.Registry)
	a.JobMetrics = metrics.NewCronJobMetrics(a.Registry)

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database: %w", err)
	}
	a.DB = dbClient

	if err := migrate.MaybeRun(ctx, cfg, logg, dbClient); err != nil {
		return nil, a.fail(fmt.Errorf("run migrations: %w", err))
	}

	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return nil, a.fail(fmt.Errorf("bootstrap redis: %w", err))
		}
		a.Redis = redisClient
	}

	if err := a.wireTransport(ctx); err != nil {
		return nil, a.fail(err)
	}

	notifier, err := escalation.NewNotifier(dbClient.DB(), logg)
	if err != nil {
		return nil, a.fail(err)
	}
	a.Escalations = notifier

	engine, err := syncqueue.NewEngine(syncqueue.EngineParams{
		DB:        dbClient,
		Transport: a.Transport,
		Escalator: notifier,
		Policy: syncqueue.RetryPolicy{
			MaxAttempts: cfg.Sync.MaxRetries,
			BaseDelay:   cfg.Sync.BackoffBase,
			MaxDelay:    cfg.Sync.BackoffMax,
			Multiplier:  cfg.Sync.BackoffMultiplier,
			Gate:        cfg.Sync.GateRetries,
		},
		Settings: syncqueue.Settings{
			BatchSize:          cfg.Sync.BatchSize,
			CompletedRetention: cfg.Sync.CompletedRetention,
			ExpiredRetention:   cfg.Sync.ExpiredRetention,
			HardenClientErrors: cfg.Sync.HardenClientErrors,
		},
		Logger:  logg,
		Metrics: a.SyncMetrics,
	})
	if err != nil {
		return nil, a.fail(fmt.Errorf("create sync engine: %w", err))
	}
	a.Engine = engine

	if deviceID := strings.TrimSpace(cfg.App.DeviceID); deviceID != "" {
		recorder, err := audit.NewRecorder(audit.RecorderParams{
			Queue: engine,
			Device: audit.Device{
				DeviceID:   deviceID,
				Platform:   cfg.App.Platform,
				AppVersion: cfg.App.Version,
			},
			Logger: logg,
		})
		if err != nil {
			return nil, a.fail(err)
		}
		a.Audit = recorder
	}

	return a, nil
}

// wireTransport builds the HTTP transport, routed in process when simulated,
// and obtains a session token when none is configured.
func (a *App) wireTransport(ctx context.Context) error {
	cfg := a.Config
	opts := transport.Options{
		BaseURL:    cfg.API.BaseURL,
		Timeout:    cfg.API.RequestTimeout,
		AppVersion: cfg.App.Version,
		Platform:   cfg.App.Platform,
		DeviceID:   cfg.App.DeviceID,
		Token:      cfg.API.Token,
		Logger:     a.Logger,
	}

	if cfg.API.Simulated {
		enrollments := map[string]remote.Enrollment{}
		if code := strings.TrimSpace(cfg.API.EnrollmentCode); code != "" {
			enrollments[code] = remote.Enrollment{StudyID: cfg.API.SimulatedStudy, ParticipantID: participantID(cfg)}
		}
		backend, err := remote.NewBackend(remote.Options{
			Tokens: pkgAuth.TokenConfig{
				Secret: cfg.API.SimulatedSecret,
				Issuer: "painsync-simulated",
				TTL:    24 * time.Hour,
			},
			Enrollments: enrollments,
			Logger:      a.Logger,
		})
		if err != nil {
			return fmt.Errorf("create simulated backend: %w", err)
		}
		a.Backend = backend
		opts.BaseURL = simulatedBaseURL
		opts.Client = backend.Client(routes.NewRemoteRouter(backend, a.Logger))
		if opts.Token == "" && len(enrollments) == 0 {
			token, err := backend.MintToken(cfg.API.SimulatedStudy, participantID(cfg))
			if err != nil {
				return fmt.Errorf("mint simulated token: %w", err)
			}
			opts.Token = token
		}
	}

	tr, err := transport.NewHTTPTransport(opts)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	a.Transport = tr

	if tr.Token() == "" && strings.TrimSpace(cfg.API.EnrollmentCode) != "" {
		if _, err := tr.ValidateEnrollment(ctx, cfg.API.EnrollmentCode); err != nil {
			// queued data stays local until a token arrives via /auth/resume
			a.Logger.Warn(a.Logger.WithField(ctx, "error", err.Error()), "enrollment validation failed; continuing without a session")
		}
	}
	return nil
}

func participantID(cfg *config.Config) string {
	if id := strings.TrimSpace(cfg.App.DeviceID); id != "" {
		return "participant-" + id
	}
	return "participant-simulated"
}

// Orchestrator starts the connectivity prober and the sync orchestrator.
func (a *App) Orchestrator(ctx context.Context) (*orchestrator.Orchestrator, error) {
	prober, err := connectivity.NewProber(connectivity.ProberParams{
		Checker:  a.Transport,
		Logger:   a.Logger,
		Interval: a.Config.API.ProbeInterval,
	})
	if err != nil {
		return nil, err
	}
	prober.Probe(ctx)
	prober.Start(ctx)
	a.prober = prober

	// a single process needs no sweep lock beyond the orchestrator's own flag
	var sweepLock orchestrator.Lock
	if a.Redis != nil {
		lock, err := a.lock("sweep")
		if err != nil {
			return nil, err
		}
		sweepLock = lock
	}

	return orchestrator.New(ctx, orchestrator.Params{
		Engine:       a.Engine,
		Monitor:      prober,
		Logger:       a.Logger,
		Metrics:      a.SyncMetrics,
		Lock:         sweepLock,
		AutoInterval: a.Config.Sync.AutoInterval,
		Debounce:     a.Config.Sync.Debounce,
	})
}

// Housekeeping builds the retention and deadline jobs service.
func (a *App) Housekeeping() (*cron.Service, error) {
	retention, err := cron.NewQueueRetentionJob(cron.QueueRetentionJobParams{Logger: a.Logger, Cleaner: a.Engine})
	if err != nil {
		return nil, err
	}
	deadlines, err := cron.NewDeadlineWatchJob(cron.DeadlineWatchJobParams{Logger: a.Logger, Expirer: a.Engine})
	if err != nil {
		return nil, err
	}
	lock, err := a.lock("housekeeping")
	if err != nil {
		return nil, err
	}
	return cron.NewService(cron.ServiceParams{
		Logger:   a.Logger,
		Registry: cron.NewRegistry(deadlines, retention),
		Lock:     lock,
		Metrics:  a.JobMetrics,
		Interval: a.Config.Cron.Interval,
	})
}

// StatusHandler serves the local status API for orch.
func (a *App) StatusHandler(orch *orchestrator.Orchestrator) http.Handler {
	return routes.NewStatusRouter(a.Config, a.Logger, routes.StatusDeps{
		Syncer:      orch,
		Queue:       a.Engine,
		Escalations: a.Escalations,
		Tokens:      a.Transport,
		DB:          a.DB,
		Gatherer:    a.Registry,
	})
}

func (a *App) lock(name string) (cron.Lock, error) {
	if a.Redis == nil {
		return cron.NewMemoryLock(), nil
	}
	return cron.NewRedisLock(a.Redis, a.Redis.LockKey(name, a.Config.App.Env), a.Config.Cron.LockTTL)
}

// Close releases the prober, redis and database.
func (a *App) Close() error {
	var errs error
	if a.prober != nil {
		errs = multierr.Append(errs, a.prober.Close())
	}
	if a.Redis != nil {
		errs = multierr.Append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = multierr.Append(errs, a.DB.Close())
	}
	return errs
}

func (a *App) fail(err error) error {
	return multierr.Append(err, a.Close())
}
