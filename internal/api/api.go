// Package api serves the HTTP control plane of the RDMA VMM.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tinyrange/vrdma/internal/vmm"
)

// MaxIDLength bounds resource identifiers taken from request paths.
const MaxIDLength = 64

// ErrEmptyID is returned when a resource path carries no identifier.
var ErrEmptyID = &RequestError{Status: http.StatusBadRequest, Message: "The ID cannot be empty."}

// RequestError is a request failure reported back to the client.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string { return e.Message }

func badRequest(format string, args ...any) *RequestError {
	return &RequestError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// CheckedID validates a resource identifier.
func CheckedID(id string) (string, error) {
	if len(id) == 0 || len(id) > MaxIDLength {
		return "", badRequest("Invalid ID. The ID length must be between 1 and %d characters.", MaxIDLength)
	}
	for _, c := range id {
		if !isIDChar(c) {
			return "", badRequest("API Resource IDs can only contain alphanumeric characters and underscores.")
		}
	}
	return id, nil
}

func isIDChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		return true
	}
	return false
}

// ActionHandler executes VMM actions. *vmm.Controller implements it.
type ActionHandler interface {
	Do(ctx context.Context, a vmm.Action) (vmm.ActionResponse, error)
}

type faultResponse struct {
	FaultMessage string `json:"fault_message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		// Anything the VMM rejects is the client's fault.
		reqErr = &RequestError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	writeJSON(w, reqErr.Status, faultResponse{FaultMessage: reqErr.Message})
}
