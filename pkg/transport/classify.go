package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/types"
	"github.com/spf13/cast"
)

// classify maps a non-2xx response onto the error taxonomy.
func classify(status int, header http.Header, body []byte, now time.Time) error {
	var envelope types.ErrorEnvelope
	_ = json.Unmarshal(body, &envelope)

	message := strings.TrimSpace(envelope.Error.Message)
	if message == "" {
		message = http.StatusText(status)
	}
	failure := Failure{StatusCode: status, DomainCode: envelope.Error.Code}

	var code pkgerrors.Code
	switch {
	case status == http.StatusTooManyRequests:
		code = pkgerrors.CodeRateLimit
		failure.RetryAfter = retryAfter(header.Get(HeaderRetryAfter), envelope.Error.Details, now)
	case status == http.StatusUnauthorized && envelope.Error.Code == string(pkgerrors.CodeTokenExpired):
		code = pkgerrors.CodeTokenExpired
	case status >= 500:
		code = pkgerrors.CodeServer
	case status >= 400:
		code = pkgerrors.CodeClient
	default:
		code = pkgerrors.CodeServer
	}
	return pkgerrors.New(code, message).WithDetails(failure)
}

// retryAfter reads the Retry-After header as delta seconds or an HTTP date,
// falling back to a retryAfter value in the error details.
func retryAfter(header string, details any, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header != "" {
		if secs, ok := deltaSeconds(header); ok {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(header); err == nil && at.After(now) {
			return at.Sub(now)
		}
	}
	if m, ok := details.(map[string]any); ok {
		if secs, ok := deltaSeconds(m["retryAfter"]); ok {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// deltaSeconds parses a positive decimal second count. Strings are read as
// base 10 so leading zeros do not switch to octal.
func deltaSeconds(v any) (int, bool) {
	var secs int
	var err error
	if s, ok := v.(string); ok {
		secs, err = strconv.Atoi(strings.TrimSpace(s))
	} else {
		secs, err = cast.ToIntE(v)
	}
	return secs, err == nil && secs > 0
}
