package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// SessionPayload captures the participant data bound to a session token.
type SessionPayload struct {
	StudyID       string
	ParticipantID string
	DeviceID      string
	JTI           string
}

// SessionClaims represents the typed JWT issued at enrollment.
type SessionClaims struct {
	StudyID       string `json:"study_id"`
	ParticipantID string `json:"participant_id"`
	DeviceID      string `json:"device_id,omitempty"`
	jwt.RegisteredClaims
}
