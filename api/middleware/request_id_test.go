package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/angelmondragon/painsync/pkg/transport"
)

func TestRequestIDEchoesClientUUID(t *testing.T) {
	clientID := uuid.NewString()
	var seen string
	handler := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/assessments/sync", nil)
	req.Header.Set(transport.HeaderRequestID, clientID)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if seen != clientID {
		t.Fatalf("expected context id %s, got %q", clientID, seen)
	}
	if got := resp.Header().Get(transport.HeaderRequestID); got != clientID {
		t.Fatalf("expected response header %s, got %q", clientID, got)
	}
}

func TestRequestIDReplacesMalformedValue(t *testing.T) {
	var seen string
	handler := RequestID(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/sync/status", nil)
	req.Header.Set(transport.HeaderRequestID, "not a uuid\r\n")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("expected a generated uuid, got %q", seen)
	}
}

func TestRecovererWritesInternalError(t *testing.T) {
	handler := Recoverer(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/alerts", nil))

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	if code := errorCode(t, resp); code != "INTERNAL_ERROR" {
		t.Fatalf("expected INTERNAL_ERROR, got %s", code)
	}
}

func TestRecovererRepanicsAbort(t *testing.T) {
	handler := Recoverer(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Fatalf("expected ErrAbortHandler to propagate, got %v", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
