package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/painsync/api/responses"
	pkgAuth "github.com/angelmondragon/painsync/pkg/auth"
	pkgerrors "github.com/angelmondragon/painsync/pkg/errors"
	"github.com/angelmondragon/painsync/pkg/logger"
)

// Auth validates a bearer session token and seeds the request context with
// its claims. Expired tokens are answered with TOKEN_EXPIRED so clients can
// stop and re-authenticate instead of retrying.
func Auth(cfg pkgAuth.TokenConfig, now func() time.Time, logg *logger.Logger) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseSessionToken(cfg, token, now())
			if err != nil {
				if pkgAuth.IsExpired(err) {
					responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeTokenExpired, err, "session token expired"))
					return
				}
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithParticipant(r.Context(), claims.StudyID, claims.ParticipantID)
			fields := map[string]any{
				"study_id":       claims.StudyID,
				"participant_id": claims.ParticipantID,
			}
			if claims.DeviceID != "" {
				ctx = context.WithValue(ctx, ctxDeviceID, claims.DeviceID)
				fields["device_id"] = claims.DeviceID
			}

			if logg != nil {
				ctx = logg.WithFields(ctx, fields)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
