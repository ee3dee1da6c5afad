package apiclient

import (
	"fmt"
	"net/http"
)

// APIError represents an error response from the API. The server always
// reports errors as {"detail": "..."}.
type APIError struct {
	StatusCode int    `json:"-"`
	Detail     string `json:"detail"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// IsNotFound returns true if this is a not found error.
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsConflict returns true if this is a conflict error.
func (e *APIError) IsConflict() bool {
	return e.StatusCode == http.StatusConflict
}

// IsValidationError returns true if this is a validation error.
func (e *APIError) IsValidationError() bool {
	return e.StatusCode == http.StatusBadRequest
}
