// Package status serves the local sync status endpoints of syncd.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/painsync/api/responses"
	"github.com/angelmondragon/painsync/api/validators"
	"github.com/angelmondragon/painsync/internal/syncqueue"
	"github.com/angelmondragon/painsync/pkg/db/models"
	"github.com/angelmondragon/painsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/logger"
	"github.com/angelmondragon/painsync/pkg/pagination"
)

// Syncer is the orchestrator surface exposed over HTTP.
type Syncer interface {
	Status() syncqueue.SyncStatus
	SyncNow(ctx context.Context) error
	QueueForSync(ctx context.Context, req syncqueue.EnqueueRequest) (*models.QueueEntry, error)
	ResumeAuth(ctx context.Context)
}

// Queue reads queue entries.
type Queue interface {
	Entry(ctx context.Context, id string) (*models.QueueEntry, error)
	ListEntries(ctx context.Context, params syncqueue.ListParams) (*syncqueue.ListResult, error)
}

// EscalationLister reads recorded escalations.
type EscalationLister interface {
	List(ctx context.Context, limit int) ([]models.SyncEscalation, error)
}

// TokenSetter replaces the bearer token used for delivery.
type TokenSetter interface {
	SetToken(token string)
}

type enqueueBody struct {
	StudyID  string          `json:"studyId" validate:"required"`
	ItemType string          `json:"itemType" validate:"required"`
	DataID   string          `json:"dataId" validate:"required"`
	Payload  json.RawMessage `json:"payload" validate:"required"`
}

type resumeBody struct {
	Token string `json:"token" validate:"required"`
}

type syncResponse struct {
	Status syncqueue.SyncStatus `json:"status"`
	Error  string               `json:"error,omitempty"`
}

func Get(syncer Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, syncer.Status())
	}
}

// SyncNow runs a sweep. Offline and paused states are errors; a sweep that
// ran but hit item or stage failures still answers 200 with the summary.
func SyncNow(syncer Syncer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := syncer.SyncNow(r.Context())
		switch pkgerrors.CodeOf(err) {
		case pkgerrors.CodeOffline, pkgerrors.CodeTokenExpired:
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		out := syncResponse{Status: syncer.Status()}
		if err != nil {
			out.Error = out.Status.LastError
		}
		responses.WriteSuccess(w, out)
	}
}

func Enqueue(syncer Syncer, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body enqueueBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		entry, err := syncer.QueueForSync(r.Context(), syncqueue.EnqueueRequest{
			StudyID:  body.StudyID,
			ItemType: enums.SyncItemType(body.ItemType),
			DataID:   body.DataID,
			Payload:  body.Payload,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, entry)
	}
}

// ResumeAuth adopts a fresh session token and lifts the auth pause.
func ResumeAuth(syncer Syncer, tokens TokenSetter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body resumeBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		tokens.SetToken(strings.TrimSpace(body.Token))
		syncer.ResumeAuth(r.Context())
		responses.WriteSuccess(w, syncer.Status())
	}
}

func ListEntries(queue Queue, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		query, err := validators.ParseQueryStrings(r, "status", "itemType", "studyId", "cursor")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := queue.ListEntries(r.Context(), syncqueue.ListParams{
			Status:   query["status"],
			ItemType: query["itemType"],
			StudyID:  query["studyId"],
			Limit:    limit,
			Cursor:   query["cursor"],
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}

func GetEntry(queue Queue, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := queue.Entry(r.Context(), chi.URLParam(r, "entryId"))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, entry)
	}
}

func ListEscalations(escalations EscalationLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		rows, err := escalations.List(r.Context(), limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeStorage, err, "list escalations"))
			return
		}
		responses.WriteSuccess(w, map[string]any{"items": rows})
	}
}
