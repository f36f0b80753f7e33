package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/angelmondragon/painsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
)

// Remote API paths.
const (
	PathEnrollmentValidate = "/enrollment/validate"
	PathEnrollmentConsent  = "/enrollment/consent"
	PathAssessmentSync     = "/assessments/sync"
	PathAssessmentBatch    = "/assessments/sync/batch"
	PathSyncStatus         = "/sync/status"
	PathAuditLog           = "/audit/log"
	PathAlerts             = "/alerts"
)

// Request headers.
const (
	HeaderAppVersion = "X-App-Version"
	HeaderPlatform   = "X-Platform"
	HeaderRequestID  = "X-Request-Id"
	HeaderRetryAfter = "Retry-After"
)

// PathFor returns the endpoint a queued item of itemType is delivered to.
func PathFor(itemType enums.SyncItemType) (string, error) {
	switch itemType {
	case enums.ItemAssessment, enums.ItemGamification:
		return PathAssessmentSync, nil
	case enums.ItemConsent:
		return PathEnrollmentConsent, nil
	case enums.ItemAuditLog:
		return PathAuditLog, nil
	case enums.ItemAlert:
		return PathAlerts, nil
	default:
		return "", fmt.Errorf("no endpoint for item type %q", itemType)
	}
}

// QueueItem is the transport view of a queue entry.
type QueueItem struct {
	EntryID    string
	StudyID    string
	ItemType   enums.SyncItemType
	DataID     string
	Payload    json.RawMessage
	RetryCount int
	CreatedAt  time.Time
}

// SyncRequest is the wire body for a single delivered item.
type SyncRequest struct {
	StudyID    string             `json:"studyId" validate:"required"`
	ItemType   enums.SyncItemType `json:"itemType" validate:"required"`
	DataID     string             `json:"dataId" validate:"required"`
	Payload    json.RawMessage    `json:"payload" validate:"required"`
	QueuedAt   time.Time          `json:"queuedAt"`
	RetryCount int                `json:"retryCount" validate:"gte=0"`
}

// BatchSyncRequest is the wire body for /assessments/sync/batch.
type BatchSyncRequest struct {
	Items []SyncRequest `json:"items" validate:"required,min=1,dive"`
}

// NewSyncRequest converts a queued item into its wire body.
func NewSyncRequest(item QueueItem) SyncRequest {
	return SyncRequest{
		StudyID:    item.StudyID,
		ItemType:   item.ItemType,
		DataID:     item.DataID,
		Payload:    item.Payload,
		QueuedAt:   item.CreatedAt.UTC(),
		RetryCount: item.RetryCount,
	}
}

// SyncAck is the data returned for a delivered item.
type SyncAck struct {
	DataID   string    `json:"dataId"`
	SyncedAt time.Time `json:"syncedAt"`
}

// SyncResult is the outcome of delivering one item.
type SyncResult struct {
	Success bool
	// ErrorCode is the classified failure code.
	ErrorCode pkgerrors.Code
	// DomainCode is the code the server put in its error body, if any.
	DomainCode   string
	ErrorMessage string
	StatusCode   int
	SyncedAt     time.Time
	RetryAfter   time.Duration
}

// Succeeded builds a successful result.
func Succeeded(syncedAt time.Time) SyncResult {
	return SyncResult{Success: true, SyncedAt: syncedAt}
}

// Err returns the classified error for a failed result.
func (r SyncResult) Err() error {
	if r.Success {
		return nil
	}
	return pkgerrors.New(r.ErrorCode, r.ErrorMessage).WithDetails(Failure{
		StatusCode: r.StatusCode,
		DomainCode: r.DomainCode,
		RetryAfter: r.RetryAfter,
	})
}

// Failure carries the wire details of a classified failure as error details.
type Failure struct {
	StatusCode int           `json:"statusCode"`
	DomainCode string        `json:"domainCode,omitempty"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// ResultFromError converts an error returned by a transport call into a failed
// SyncResult. Untyped errors are treated as network failures.
func ResultFromError(err error) SyncResult {
	if err == nil {
		return SyncResult{Success: true}
	}
	typed := pkgerrors.As(err)
	if typed == nil {
		return SyncResult{ErrorCode: pkgerrors.CodeNetwork, ErrorMessage: err.Error()}
	}
	res := SyncResult{ErrorCode: typed.Code(), ErrorMessage: typed.Message()}
	if f, ok := typed.Details().(Failure); ok {
		res.StatusCode = f.StatusCode
		res.DomainCode = f.DomainCode
		res.RetryAfter = f.RetryAfter
	}
	return res
}

// SyncItemResult is the per-item outcome inside a batch.
type SyncItemResult struct {
	DataID       string `json:"dataId"`
	Success      bool   `json:"success"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// BatchSyncResult is the outcome of a batch submission.
type BatchSyncResult struct {
	TotalReceived int              `json:"totalReceived"`
	Successful    int              `json:"successful"`
	Failed        int              `json:"failed"`
	Results       []SyncItemResult `json:"results"`
}

// NewBatchSyncResult counts results so Successful+Failed == TotalReceived.
func NewBatchSyncResult(results []SyncItemResult) BatchSyncResult {
	out := BatchSyncResult{TotalReceived: len(results), Results: results}
	for _, r := range results {
		if r.Success {
			out.Successful++
		} else {
			out.Failed++
		}
	}
	return out
}

// IsPartial reports a batch where some but not all items were delivered.
func (b BatchSyncResult) IsPartial() bool {
	return b.Successful > 0 && b.Failed > 0
}

// ByDataID indexes results for matching back to queue entries.
func (b BatchSyncResult) ByDataID() map[string]SyncItemResult {
	out := make(map[string]SyncItemResult, len(b.Results))
	for _, r := range b.Results {
		out[r.DataID] = r
	}
	return out
}

// EnrollmentRequest exchanges an enrollment code for a session.
type EnrollmentRequest struct {
	EnrollmentCode string `json:"enrollmentCode" validate:"required,min=6,max=64"`
	DeviceID       string `json:"deviceId,omitempty"`
}

// Session is the authenticated participant session.
type Session struct {
	Token         string    `json:"token"`
	StudyID       string    `json:"studyId"`
	ParticipantID string    `json:"participantId"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// ConsentRequest records consent acceptance.
type ConsentRequest struct {
	ConsentID      string    `json:"consentId" validate:"required"`
	StudyID        string    `json:"studyId" validate:"required"`
	ParticipantID  string    `json:"participantId" validate:"required"`
	ConsentVersion string    `json:"consentVersion" validate:"required"`
	AcceptedAt     time.Time `json:"acceptedAt" validate:"required"`
}

// ServerSyncStatus is the server-side pending/conflict indicator.
type ServerSyncStatus struct {
	ReceivedCount  int        `json:"receivedCount"`
	PendingCount   int        `json:"pendingCount"`
	ConflictCount  int        `json:"conflictCount"`
	LastReceivedAt *time.Time `json:"lastReceivedAt,omitempty"`
	ServerTime     time.Time  `json:"serverTime"`
}
