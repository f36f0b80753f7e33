package syncqueue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/painsync/pkg/db/models"
	"github.com/angelmondragon/painsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// EnqueueRequest describes one record handed over by a producer.
type EnqueueRequest struct {
	StudyID  string             `json:"studyId" validate:"required,max=128"`
	ItemType enums.SyncItemType `json:"itemType" validate:"required,sync_item_type"`
	DataID   string             `json:"dataId" validate:"required,max=128"`
	Payload  json.RawMessage    `json:"payload" validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("sync_item_type", func(fl validator.FieldLevel) bool {
		return enums.SyncItemType(fl.Field().String()).IsValid()
	})
	return v
}

// NewEntry validates req and builds a pending entry created at now with the
// fixed 48h deadline.
func NewEntry(req EnqueueRequest, now time.Time) (models.QueueEntry, error) {
	req.StudyID = strings.TrimSpace(req.StudyID)
	req.DataID = strings.TrimSpace(req.DataID)

	if err := validate.Struct(req); err != nil {
		return models.QueueEntry{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid enqueue request").
			WithDetails(fieldErrors(err))
	}
	if !json.Valid(req.Payload) {
		return models.QueueEntry{}, pkgerrors.New(pkgerrors.CodeValidation, "payload must be valid JSON").
			WithDetails(map[string]string{"payload": "json"})
	}

	created := now.UTC()
	return models.QueueEntry{
		ID:        uuid.NewString(),
		StudyID:   req.StudyID,
		ItemType:  req.ItemType,
		DataID:    req.DataID,
		Payload:   models.JSONText(append([]byte(nil), req.Payload...)),
		Status:    enums.QueueStatusPending,
		CreatedAt: models.NewTimestamp(created),
		Deadline:  models.NewTimestamp(created.Add(models.DeadlineWindow)),
	}, nil
}

func fieldErrors(err error) map[string]string {
	out := map[string]string{}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			out[fe.Field()] = fe.Tag()
		}
		return out
	}
	out["request"] = fmt.Sprint(err)
	return out
}
