package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/painsync/internal/syncqueue"
	"github.com/angelmondragon/painsync/pkg/db/models"
	"github.com/angelmondragon/painsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	requests []syncqueue.EnqueueRequest
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, req syncqueue.EnqueueRequest) (*models.QueueEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	return &models.QueueEntry{ID: "entry-1", DataID: req.DataID, ItemType: req.ItemType}, nil
}

var recordedAt = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func newRecorder(t *testing.T, queue Enqueuer) *Recorder {
	t.Helper()
	rec, err := NewRecorder(RecorderParams{
		Queue:  queue,
		Device: Device{DeviceID: "device-9", Platform: "android", AppVersion: "2.4.1"},
		Now:    func() time.Time { return recordedAt },
	})
	require.NoError(t, err)
	return rec
}

func TestNewRecorderValidation(t *testing.T) {
	_, err := NewRecorder(RecorderParams{Device: Device{DeviceID: "d"}})
	assert.Error(t, err)
	_, err = NewRecorder(RecorderParams{Queue: &fakeQueue{}})
	assert.Error(t, err)
}

func TestRecordEnqueuesAuditLogOnce(t *testing.T) {
	queue := &fakeQueue{}
	rec := newRecorder(t, queue)

	entry, err := rec.Record(context.Background(), Event{
		Type:          enums.AuditConsentAccepted,
		StudyID:       "study-1",
		ParticipantID: "p-77",
		Details: map[string]any{
			"consentVersion": "v3",
			"acceptedAt":     recordedAt.Add(-time.Minute),
			"elapsed":        90 * time.Second,
			"cause":          errors.New("none"),
		},
	})
	require.NoError(t, err)
	require.Len(t, queue.requests, 1)

	req := queue.requests[0]
	assert.Equal(t, enums.ItemAuditLog, req.ItemType)
	assert.Equal(t, entry.ID, req.DataID)
	assert.Equal(t, "study-1", req.StudyID)

	var decoded LogEntry
	require.NoError(t, json.Unmarshal(req.Payload, &decoded))
	assert.Equal(t, enums.AuditConsentAccepted, decoded.EventType)
	assert.Equal(t, "device-9", decoded.DeviceID)
	assert.Equal(t, "android", decoded.Platform)
	assert.Equal(t, "2.4.1", decoded.AppVersion)
	assert.True(t, decoded.Timestamp.Equal(recordedAt))
	assert.Equal(t, "v3", decoded.Details["consentVersion"])
	assert.Equal(t, "2026-03-02T09:29:00Z", decoded.Details["acceptedAt"])
	assert.Equal(t, "1m30s", decoded.Details["elapsed"])
	assert.Equal(t, "none", decoded.Details["cause"])
}

func TestRecordAcceptsJSONDetails(t *testing.T) {
	queue := &fakeQueue{}
	rec := newRecorder(t, queue)

	entry, err := rec.Record(context.Background(), Event{
		Type:    enums.AuditAssessmentSubmitted,
		StudyID: "study-1",
		Details: `{"scale":"nrs","score":7}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "nrs", entry.Details["scale"])
	assert.EqualValues(t, 7, entry.Details["score"])
}

func TestRecordRejectsBadInput(t *testing.T) {
	queue := &fakeQueue{}
	rec := newRecorder(t, queue)

	_, err := rec.Record(context.Background(), Event{StudyID: "study-1"})
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))

	_, err = rec.Record(context.Background(), Event{Type: enums.AuditEnrollment, StudyID: "study-1", Details: 42})
	assert.Equal(t, pkgerrors.CodeValidation, pkgerrors.CodeOf(err))
	assert.Empty(t, queue.requests)
}

func TestRecordPropagatesQueueErrors(t *testing.T) {
	queue := &fakeQueue{err: pkgerrors.New(pkgerrors.CodeStorage, "disk full")}
	rec := newRecorder(t, queue)

	_, err := rec.Record(context.Background(), Event{Type: enums.AuditEnrollment, StudyID: "study-1"})
	assert.Equal(t, pkgerrors.CodeStorage, pkgerrors.CodeOf(err))
}
