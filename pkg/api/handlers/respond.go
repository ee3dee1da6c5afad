// Package handlers implements the HTTP handlers for the NetWall
// analyzer REST API.
package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/netwall-io/netwall/internal/logger"
	"github.com/netwall-io/netwall/pkg/model"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Detail string `json:"detail"`
}

// WriteJSON writes a JSON response with the given status code.
//
// Encoding goes through a buffer first so an encoding failure can
// still produce a clean 500 instead of a half-written body.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
		http.Error(w, `{"detail":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// WriteDetail writes an error response as {"detail": ...}.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	WriteJSON(w, status, errorBody{Detail: detail})
}

// WriteError maps a component error onto its HTTP status. Unknown
// errors become a 500 with the real cause in the log only.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrValidation):
		WriteDetail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		WriteDetail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrJobNotCancellable),
		errors.Is(err, model.ErrJobConflict),
		errors.Is(err, model.ErrConflict):
		WriteDetail(w, http.StatusConflict, err.Error())
	default:
		logger.Error("request failed", "error", err)
		WriteDetail(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeBody decodes a JSON request body into dst. Unknown fields are
// tolerated; a syntactically broken body maps to a validation error.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body", model.ErrValidation)
	}
	return nil
}
