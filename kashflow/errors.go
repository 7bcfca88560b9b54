package kashflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// APIError carries the HTTP status and the structured error body returned by
// the KashFlow API, with a human-readable message extracted for dashboards.
type APIError struct {
	StatusCode int
	Body       []byte
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("kashflow api error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("kashflow api error %d", e.StatusCode)
}

// IsNotFound reports whether err is an APIError with a 404 status.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

func newAPIError(status int, body []byte) *APIError {
	return &APIError{
		StatusCode: status,
		Body:       body,
		Message:    extractMessage(body),
	}
}

// extractMessage pulls the most useful message field out of the KashFlow
// error body. Known error codes are expanded with remediation guidance.
func extractMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	var parsed struct {
		Message          string `json:"Message"`
		MessageLower     string `json:"message"`
		Error            string `json:"Error"`
		ErrorLower       string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Code             string `json:"Code"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Plain-text body; surface it as-is.
		return trimmed
	}

	msg := firstNonEmpty(parsed.Message, parsed.MessageLower, parsed.Error, parsed.ErrorLower, parsed.ErrorDescription, parsed.Code)
	switch msg {
	case "PasswordExpired":
		return "PasswordExpired: log in to KashFlow and set a new password, then update the sync credentials"
	default:
		return msg
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
