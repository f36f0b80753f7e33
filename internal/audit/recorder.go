// Package audit builds regulated audit-trail records and hands them to the
// sync queue.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/painsync/internal/syncqueue"
	"github.com/angelmondragon/painsync/pkg/db/models"
	"github.com/angelmondragon/painsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/logger"
	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// Enqueuer accepts queue entries; satisfied by the engine and the orchestrator.
type Enqueuer interface {
	Enqueue(ctx context.Context, req syncqueue.EnqueueRequest) (*models.QueueEntry, error)
}

// Device identifies the install that produced an audit record.
type Device struct {
	DeviceID   string
	Platform   string
	AppVersion string
}

// LogEntry is the immutable audit record transmitted as an auditLog item.
type LogEntry struct {
	ID            string               `json:"id"`
	EventType     enums.AuditEventType `json:"eventType"`
	StudyID       string               `json:"studyId"`
	ParticipantID string               `json:"participantId,omitempty"`
	Details       map[string]any       `json:"details,omitempty"`
	DeviceID      string               `json:"deviceId"`
	Platform      string               `json:"platform"`
	AppVersion    string               `json:"appVersion"`
	Timestamp     time.Time            `json:"timestamp"`
}

// Event is one action to record.
type Event struct {
	Type          enums.AuditEventType
	StudyID       string
	ParticipantID string
	// Details may be a map or a JSON object string.
	Details any
}

type RecorderParams struct {
	Queue  Enqueuer
	Device Device
	Logger *logger.Logger
	Now    func() time.Time
}

// Recorder queues every recorded event exactly once.
type Recorder struct {
	queue  Enqueuer
	device Device
	logg   *logger.Logger
	now    func() time.Time
}

func NewRecorder(params RecorderParams) (*Recorder, error) {
	if params.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if strings.TrimSpace(params.Device.DeviceID) == "" {
		return nil, errors.New("device id is required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{queue: params.Queue, device: params.Device, logg: logg, now: now}, nil
}

// Record builds the LogEntry for ev and enqueues it as a single auditLog item.
func (r *Recorder) Record(ctx context.Context, ev Event) (*LogEntry, error) {
	if strings.TrimSpace(string(ev.Type)) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "audit event type required")
	}
	details, err := normalizeDetails(ev.Details)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid audit details")
	}

	entry := LogEntry{
		ID:            uuid.NewString(),
		EventType:     ev.Type,
		StudyID:       ev.StudyID,
		ParticipantID: ev.ParticipantID,
		Details:       details,
		DeviceID:      r.device.DeviceID,
		Platform:      r.device.Platform,
		AppVersion:    r.device.AppVersion,
		Timestamp:     r.now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "encode audit entry")
	}

	queued, err := r.queue.Enqueue(ctx, syncqueue.EnqueueRequest{
		StudyID:  ev.StudyID,
		ItemType: enums.ItemAuditLog,
		DataID:   entry.ID,
		Payload:  payload,
	})
	if err != nil {
		return nil, err
	}

	r.logg.Info(r.logg.WithFields(ctx, map[string]any{
		"audit_id":   entry.ID,
		"event_type": ev.Type,
		"study_id":   ev.StudyID,
		"entry_id":   queued.ID,
	}), "audit event recorded")
	return &entry, nil
}

func normalizeDetails(raw any) (map[string]any, error) {
	if raw == nil {
		return nil, nil
	}
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	details, err := cast.ToStringMapE(raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = normalizeValue(v)
	}
	return out, nil
}

// normalizeValue turns values without a stable JSON form into strings.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return val.String()
	case error, fmt.Stringer:
		return cast.ToString(val)
	case map[string]any, map[any]any:
		nested, err := cast.ToStringMapE(val)
		if err != nil {
			return cast.ToString(val)
		}
		for k, inner := range nested {
			nested[k] = normalizeValue(inner)
		}
		return nested
	default:
		return v
	}
}
