package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rom8726/loom"
)

type ErrorResponse struct {
	Message string `json:"message"`
}

func WriteErrorResponse(writer http.ResponseWriter, err error, statusCode int) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)

	resp := ErrorResponse{Message: err.Error()}
	_ = json.NewEncoder(writer).Encode(resp)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, loom.ErrEntityNotFound), errors.Is(err, loom.ErrWorkflowNotFound):
		return http.StatusNotFound
	case errors.Is(err, loom.ErrInvalidRunStatus), errors.Is(err, loom.ErrStepNotSuspended):
		return http.StatusConflict
	case errors.Is(err, loom.ErrIntegrity):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	WriteErrorResponse(w, err, statusFor(err))
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
