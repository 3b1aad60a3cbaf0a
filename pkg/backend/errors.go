package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// CodeSchemaVersionConflict is returned on submit when the answers were
// collected against an outdated schema.
const CodeSchemaVersionConflict = "schema_version_conflict"

// APIError is a non-2xx backend response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("backend: %d %s: %s", e.Status, e.Code, msg)
	}
	return fmt.Sprintf("backend: %d: %s", e.Status, msg)
}

// IsSchemaVersionConflict reports whether err carries the version-conflict code.
func IsSchemaVersionConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeSchemaVersionConflict
}

// errorBody accepts both flat and nested error envelopes:
// {"code": "...", "message": "..."} and {"error": {"code": "...", "message": "..."}}.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil {
		apiErr.Code = parsed.Code
		apiErr.Message = parsed.Message
		if parsed.Error != nil {
			if apiErr.Code == "" {
				apiErr.Code = parsed.Error.Code
			}
			if apiErr.Message == "" {
				apiErr.Message = parsed.Error.Message
			}
		}
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}
