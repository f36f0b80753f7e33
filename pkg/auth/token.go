package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var jwtSigningMethod = jwt.SigningMethodHS256

// ErrTokenExpired is returned when a session token is past its expiry.
var ErrTokenExpired = jwt.ErrTokenExpired

// TokenConfig controls how session tokens are signed.
type TokenConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

func (cfg TokenConfig) validate() error {
	if cfg.Secret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if cfg.Issuer == "" {
		return fmt.Errorf("jwt issuer is required")
	}
	return nil
}

// MintSessionToken issues a signed JWT for the provided payload using the configured TTL.
func MintSessionToken(cfg TokenConfig, now time.Time, payload SessionPayload) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	if cfg.TTL <= 0 {
		return "", fmt.Errorf("jwt ttl must be positive")
	}
	if strings.TrimSpace(payload.StudyID) == "" {
		return "", fmt.Errorf("study id is required")
	}
	if strings.TrimSpace(payload.ParticipantID) == "" {
		return "", fmt.Errorf("participant id is required")
	}

	jti := strings.TrimSpace(payload.JTI)
	if jti == "" {
		jti = uuid.NewString()
	}

	claims := SessionClaims{
		StudyID:       payload.StudyID,
		ParticipantID: payload.ParticipantID,
		DeviceID:      payload.DeviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   payload.ParticipantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
			ID:        jti,
		},
	}

	signed, err := jwt.NewWithClaims(jwtSigningMethod, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

// ParseSessionToken validates the JWT string at now and returns typed claims.
func ParseSessionToken(cfg TokenConfig, tokenString string, now time.Time) (*SessionClaims, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwtSigningMethod {
				return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
			}
			return []byte(cfg.Secret), nil
		},
		jwt.WithValidMethods([]string{jwtSigningMethod.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// IsExpired reports whether err came from an expired token.
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}

// ExpiresWithin inspects the unverified exp claim and reports whether the token
// expires within skew of now. Opaque or exp-less tokens report false so the
// server stays the authority on them.
func ExpiresWithin(tokenString string, now time.Time, skew time.Duration) bool {
	if tokenString == "" {
		return false
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Add(skew).Before(claims.ExpiresAt.Time)
}
