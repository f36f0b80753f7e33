package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/painsync/api/controllers/remote"
	"github.com/angelmondragon/painsync/api/controllers/status"
	"github.com/angelmondragon/painsync/api/middleware"
	"github.com/angelmondragon/painsync/api/responses"
	"github.com/angelmondragon/painsync/pkg/config"
	"github.com/angelmondragon/painsync/pkg/db"
	"github.com/angelmondragon/painsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/logger"
	"github.com/angelmondragon/painsync/pkg/transport"
)

// NewRemoteRouter mounts the study API endpoints served by backend.
func NewRemoteRouter(backend *remote.Backend, logg *logger.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		backend.Faults,
	)

	r.Post(transport.PathEnrollmentValidate, backend.ValidateEnrollment())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(backend.Tokens(), backend.Now, logg))
		r.Post(transport.PathEnrollmentConsent, backend.RecordConsent())
		r.Post(transport.PathAssessmentSync, backend.SyncItem(enums.ItemAssessment, enums.ItemGamification))
		r.Post(transport.PathAssessmentBatch, backend.SyncBatch())
		r.Get(transport.PathSyncStatus, backend.Status())
		r.Post(transport.PathAuditLog, backend.SyncItem(enums.ItemAuditLog))
		r.Post(transport.PathAlerts, backend.SyncItem(enums.ItemAlert))
	})

	return r
}

// StatusDeps are the collaborators behind the local status server.
type StatusDeps struct {
	Syncer      status.Syncer
	Queue       status.Queue
	Escalations status.EscalationLister
	Tokens      status.TokenSetter
	DB          db.Pinger
	Gatherer    prometheus.Gatherer
}

// NewStatusRouter mounts the local status, control and metrics endpoints.
func NewStatusRouter(cfg *config.Config, logg *logger.Logger, deps StatusDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", healthLive(cfg))
		r.Get("/ready", healthReady(cfg, logg, deps.DB))
	})

	r.Get("/status", status.Get(deps.Syncer))
	r.Post("/sync", status.SyncNow(deps.Syncer, logg))
	if deps.Tokens != nil {
		r.Post("/auth/resume", status.ResumeAuth(deps.Syncer, deps.Tokens, logg))
	}

	r.Route("/queue", func(r chi.Router) {
		r.Post("/", status.Enqueue(deps.Syncer, logg))
		r.Get("/", status.ListEntries(deps.Queue, logg))
		r.Get("/{entryId}", status.GetEntry(deps.Queue, logg))
	})
	if deps.Escalations != nil {
		r.Get("/escalations", status.ListEscalations(deps.Escalations, logg))
	}

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func healthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Painsync-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

func healthReady(cfg *config.Config, logg *logger.Logger, dbP db.Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Painsync-Env", cfg.App.Env)
		if dbP != nil {
			if err := dbP.Ping(r.Context()); err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "database ping failed"))
				return
			}
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
