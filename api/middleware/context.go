package middleware

import "context"

type contextKey string

const (
	ctxRequestID     contextKey = "request_id"
	ctxStudyID       contextKey = "study_id"
	ctxParticipantID contextKey = "participant_id"
	ctxDeviceID      contextKey = "device_id"
)

func stringFromContext(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func RequestIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, ctxRequestID)
}

func StudyIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, ctxStudyID)
}

func ParticipantIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, ctxParticipantID)
}

// DeviceIDFromContext is empty for sessions issued without a device binding.
func DeviceIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, ctxDeviceID)
}

// WithParticipant injects the session's study and participant into the context.
func WithParticipant(ctx context.Context, studyID, participantID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, ctxStudyID, studyID)
	return context.WithValue(ctx, ctxParticipantID, participantID)
}
