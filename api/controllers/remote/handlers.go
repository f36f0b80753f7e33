package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/angelmondragon/painsync/api/middleware"
	"github.com/angelmondragon/painsync/api/responses"
	"github.com/angelmondragon/painsync/api/validators"
	pkgAuth "github.com/angelmondragon/painsync/pkg/auth"
	"github.com/angelmondragon/painsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/transport"
)

// batchBody leaves item validation to the handler so one bad item does not
// reject the whole batch.
type batchBody struct {
	Items []transport.SyncRequest `json:"items" validate:"required,min=1"`
}

// Faults serves a queued scripted fault for the request path, if any.
func (b *Backend) Faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fault, ok := b.nextFault(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if fault.Code == pkgerrors.CodeNetwork {
			// reached only when served without Dial in front
			fault.Code = pkgerrors.CodeServer
		}
		if fault.RetryAfter > 0 {
			w.Header().Set(transport.HeaderRetryAfter, strconv.Itoa(int(fault.RetryAfter.Seconds())))
		}
		message := fault.Message
		if message == "" {
			message = pkgerrors.MetadataFor(fault.Code).PublicMessage
		}
		responses.WriteError(r.Context(), b.logg, w, pkgerrors.New(fault.Code, message))
	})
}

// ValidateEnrollment exchanges an enrollment code for a session token.
func (b *Backend) ValidateEnrollment() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body transport.EnrollmentRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), b.logg, w, err)
			return
		}
		enrollment, ok := b.enrollments[strings.TrimSpace(body.EnrollmentCode)]
		if !ok {
			responses.WriteError(r.Context(), b.logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "enrollment code not recognized"))
			return
		}

		now := b.now()
		token, err := pkgAuth.MintSessionToken(b.tokens, now, pkgAuth.SessionPayload{
			StudyID:       enrollment.StudyID,
			ParticipantID: enrollment.ParticipantID,
			DeviceID:      body.DeviceID,
		})
		if err != nil {
			responses.WriteError(r.Context(), b.logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mint session token"))
			return
		}
		responses.WriteSuccess(w, transport.Session{
			Token:         token,
			StudyID:       enrollment.StudyID,
			ParticipantID: enrollment.ParticipantID,
			ExpiresAt:     now.Add(b.tokens.TTL).UTC(),
		})
	}
}

// RecordConsent accepts queued and immediate consent acceptances.
func (b *Backend) RecordConsent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body transport.SyncRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), b.logg, w, err)
			return
		}
		var consent transport.ConsentRequest
		if err := json.Unmarshal(body.Payload, &consent); err != nil {
			responses.WriteError(r.Context(), b.logg, w, pkgerrors.Wrap(pkgerrors.CodeMalformed, err, "consent payload is not a consent record"))
			return
		}
		if err := validators.Struct(consent); err != nil {
			responses.WriteError(r.Context(), b.logg, w, err)
			return
		}
		ack, err := b.accept(r.Context(), body, enums.ItemConsent)
		if err != nil {
			responses.WriteError(r.Context(), b.logg, w, err)
			return
		}
		b.recordConsent(consent)
		responses.WriteSuccessStatus(w, http.StatusCreated, ack)
	}
}

// SyncItem accepts one item for the given endpoint.
func (b *Backend) SyncItem(allowed ...enums.SyncItemType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body transport.SyncRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), b.logg, w, err)
			return
		}
		ack, err := b.accept(r.Context(), body, allowed...)
		if err != nil {
			responses.WriteError(r.Context(), b.logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, ack)
	}
}

// SyncBatch accepts assessment batches with a result per item.
func (b *Backend) SyncBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body batchBody
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), b.logg, w, err)
			return
		}

		results := make([]transport.SyncItemResult, 0, len(body.Items))
		for _, item := range body.Items {
			result := transport.SyncItemResult{DataID: item.DataID, Success: true}
			if _, err := b.accept(r.Context(), item, enums.ItemAssessment); err != nil {
				typed := pkgerrors.As(err)
				result.Success = false
				result.ErrorCode = string(typed.Code())
				result.ErrorMessage = typed.Message()
			}
			results = append(results, result)
		}

		out := transport.NewBatchSyncResult(results)
		if b.logg != nil {
			ctx := b.logg.WithFields(r.Context(), map[string]any{
				"total":      out.TotalReceived,
				"successful": out.Successful,
				"failed":     out.Failed,
			})
			b.logg.Info(ctx, "batch received")
		}
		responses.WriteSuccess(w, out)
	}
}

// Status reports what the backend has received.
func (b *Backend) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, b.status())
	}
}

// accept validates and stores one item. Errors are typed for WriteError.
func (b *Backend) accept(ctx context.Context, req transport.SyncRequest, allowed ...enums.SyncItemType) (transport.SyncAck, error) {
	if err := validators.Struct(req); err != nil {
		return transport.SyncAck{}, err
	}
	if !typeAllowed(req.ItemType, allowed) {
		return transport.SyncAck{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("item type %q not accepted here", req.ItemType))
	}
	if study := middleware.StudyIDFromContext(ctx); study != "" && study != req.StudyID {
		return transport.SyncAck{}, pkgerrors.New(pkgerrors.CodeValidation, "studyId does not match session")
	}
	if !isObject(req.Payload) {
		return transport.SyncAck{}, pkgerrors.New(pkgerrors.CodeMalformed, "payload must be a JSON object")
	}
	if fault, ok := b.rejection(req.DataID); ok {
		return transport.SyncAck{}, pkgerrors.New(fault.Code, fault.Message)
	}

	now := b.now().UTC()
	if !b.store(req, now) && b.logg != nil {
		b.logg.Debug(b.logg.WithField(ctx, "data_id", req.DataID), "duplicate delivery acknowledged")
	}
	return transport.SyncAck{DataID: req.DataID, SyncedAt: now}, nil
}

func typeAllowed(itemType enums.SyncItemType, allowed []enums.SyncItemType) bool {
	for _, candidate := range allowed {
		if candidate == itemType {
			return true
		}
	}
	return false
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
