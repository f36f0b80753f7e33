package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/angelmondragon/painsync/pkg/auth"
	"github.com/angelmondragon/painsync/pkg/enums"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/logger"
	"github.com/google/uuid"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 4 << 20
)

// Options configures an HTTPTransport.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	AppVersion string
	Platform   string
	DeviceID   string
	Token      string
	// Client overrides the HTTP client, e.g. with an in-process round tripper.
	Client *http.Client
	Logger *logger.Logger
	Now    func() time.Time
}

// HTTPTransport speaks JSON over HTTP to the remote study API.
type HTTPTransport struct {
	baseURL    string
	client     *http.Client
	timeout    time.Duration
	appVersion string
	platform   string
	deviceID   string
	logg       *logger.Logger
	now        func() time.Time

	mu    sync.RWMutex
	token string
}

// NewHTTPTransport validates opts and builds the transport.
func NewHTTPTransport(opts Options) (*HTTPTransport, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("base url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &HTTPTransport{
		baseURL:    base,
		client:     opts.Client,
		timeout:    opts.Timeout,
		appVersion: opts.AppVersion,
		platform:   opts.Platform,
		deviceID:   opts.DeviceID,
		logg:       opts.Logger,
		now:        opts.Now,
		token:      opts.Token,
	}, nil
}

// SetToken replaces the bearer token sent with authenticated requests.
func (t *HTTPTransport) SetToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// Token returns the current bearer token.
func (t *HTTPTransport) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// SupportsBatch reports whether itemType has a batch endpoint.
func (t *HTTPTransport) SupportsBatch(itemType enums.SyncItemType) bool {
	return itemType == enums.ItemAssessment
}

// SyncItem delivers one queued item.
func (t *HTTPTransport) SyncItem(ctx context.Context, item QueueItem) SyncResult {
	path, err := PathFor(item.ItemType)
	if err != nil {
		return SyncResult{ErrorCode: pkgerrors.CodeValidation, ErrorMessage: err.Error()}
	}

	var ack SyncAck
	if err := t.do(ctx, http.MethodPost, path, true, NewSyncRequest(item), &ack); err != nil {
		return ResultFromError(err)
	}
	if ack.SyncedAt.IsZero() {
		ack.SyncedAt = t.now()
	}
	return Succeeded(ack.SyncedAt.UTC())
}

// SyncBatch delivers items of one type in a single request. A returned error
// means the whole batch failed; per-item failures live in the result.
func (t *HTTPTransport) SyncBatch(ctx context.Context, itemType enums.SyncItemType, items []QueueItem) (BatchSyncResult, error) {
	if !t.SupportsBatch(itemType) {
		return BatchSyncResult{}, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("batch not supported for %s", itemType))
	}
	if len(items) == 0 {
		return NewBatchSyncResult(nil), nil
	}

	body := BatchSyncRequest{Items: make([]SyncRequest, 0, len(items))}
	for _, item := range items {
		body.Items = append(body.Items, NewSyncRequest(item))
	}

	var out BatchSyncResult
	if err := t.do(ctx, http.MethodPost, PathAssessmentBatch, true, body, &out); err != nil {
		return BatchSyncResult{}, err
	}
	return NewBatchSyncResult(out.Results), nil
}

// ValidateEnrollment exchanges an enrollment code for a session and adopts its token.
func (t *HTTPTransport) ValidateEnrollment(ctx context.Context, code string) (Session, error) {
	req := EnrollmentRequest{EnrollmentCode: strings.TrimSpace(code), DeviceID: t.deviceID}
	if req.EnrollmentCode == "" {
		return Session{}, pkgerrors.New(pkgerrors.CodeValidation, "enrollment code is required")
	}

	var session Session
	if err := t.do(ctx, http.MethodPost, PathEnrollmentValidate, false, req, &session); err != nil {
		return Session{}, err
	}
	if session.Token == "" {
		return Session{}, pkgerrors.New(pkgerrors.CodeServer, "enrollment response missing token")
	}
	t.SetToken(session.Token)
	return session, nil
}

// RecordConsent posts a consent acceptance immediately.
func (t *HTTPTransport) RecordConsent(ctx context.Context, req ConsentRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "encode consent")
	}
	body := NewSyncRequest(QueueItem{
		StudyID:   req.StudyID,
		ItemType:  enums.ItemConsent,
		DataID:    req.ConsentID,
		Payload:   payload,
		CreatedAt: req.AcceptedAt,
	})
	return t.do(ctx, http.MethodPost, PathEnrollmentConsent, true, body, nil)
}

// ServerStatus fetches the server-side sync indicator.
func (t *HTTPTransport) ServerStatus(ctx context.Context) (ServerSyncStatus, error) {
	var status ServerSyncStatus
	if err := t.do(ctx, http.MethodGet, PathSyncStatus, true, nil, &status); err != nil {
		return ServerSyncStatus{}, err
	}
	return status, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, authenticated bool, body any, out any) error {
	token := t.Token()
	if authenticated && token != "" && auth.ExpiresWithin(token, t.now(), 0) {
		return pkgerrors.New(pkgerrors.CodeTokenExpired, "session token expired").WithDetails(Failure{
			StatusCode: http.StatusUnauthorized,
			DomainCode: string(pkgerrors.CodeTokenExpired),
		})
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "encode request body")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "build request")
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, requestID)
	if t.appVersion != "" {
		req.Header.Set(HeaderAppVersion, t.appVersion)
	}
	if t.platform != "" {
		req.Header.Set(HeaderPlatform, t.platform)
	}
	if authenticated && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	logCtx := t.logg.WithFields(ctx, map[string]any{
		"method":     method,
		"path":       path,
		"request_id": requestID,
	})

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		t.logg.Debug(logCtx, "remote request failed")
		return networkFailure(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return networkFailure(err)
	}

	logCtx = t.logg.WithFields(logCtx, map[string]any{
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	t.logg.Debug(logCtx, "remote request completed")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify(resp.StatusCode, resp.Header, raw, t.now())
	}
	if out == nil {
		return nil
	}
	return decodeData(resp.StatusCode, raw, out)
}

func decodeData(status int, raw []byte, out any) error {
	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeServer, err, "decode response envelope").
			WithDetails(Failure{StatusCode: status})
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeServer, err, "decode response data").
			WithDetails(Failure{StatusCode: status})
	}
	return nil
}

func networkFailure(err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeNetwork, err, fmt.Sprintf("network request failed: %v", err)).
		WithDetails(Failure{StatusCode: 0})
}
