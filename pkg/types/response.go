package types

// Envelope statuses used by the remote API.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type SuccessEnvelope struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Status string   `json:"status"`
	Error  APIError `json:"error"`
}

// NewSuccess wraps data in a success envelope.
func NewSuccess(data any) SuccessEnvelope {
	return SuccessEnvelope{Status: StatusSuccess, Data: data}
}

// NewError builds an error envelope.
func NewError(code, message string, details any) ErrorEnvelope {
	return ErrorEnvelope{
		Status: StatusError,
		Error:  APIError{Code: code, Message: message, Details: details},
	}
}
