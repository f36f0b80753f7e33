package transport

import (
	"net/http"
	"net/http/httptest"
)

// InProcessRoundTripper serves requests with an http.Handler in the same
// process, so simulated mode runs the same request and classification path
// as a live backend.
type InProcessRoundTripper struct {
	Handler http.Handler
	// Fail, when set, rejects a request before it reaches Handler to emulate
	// lost connectivity.
	Fail func(*http.Request) error
}

// RoundTrip implements http.RoundTripper.
func (rt *InProcessRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.Fail != nil {
		if err := rt.Fail(req); err != nil {
			return nil, err
		}
	}
	if err := req.Context().Err(); err != nil {
		return nil, err
	}

	rec := httptest.NewRecorder()
	rt.Handler.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// NewInProcessClient returns an http.Client routed through handler.
func NewInProcessClient(handler http.Handler, fail func(*http.Request) error) *http.Client {
	return &http.Client{Transport: &InProcessRoundTripper{Handler: handler, Fail: fail}}
}
