package model

// ErrorDetail carries a structured error in HTTP responses.
type ErrorDetail struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// ErrorResponse is the standard error envelope for the HTTP API.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}
