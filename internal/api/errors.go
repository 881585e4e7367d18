package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/storage"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/worker"
)

// ErrorResponse is the JSON body of every error reply.
//
//	{
//	  "error": "Not Found",
//	  "code": "RESOURCE_NOT_FOUND",
//	  "message": "job 'abc' not found"
//	}
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// WriteError maps err to a status code and writes it as an ErrorResponse:
//   - storage.NotFoundError -> 404
//   - storage.InvalidInputError, worker.ErrUnknownKind -> 400
//   - anything else -> 500
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound *storage.NotFoundError
		invalid  *storage.InvalidInputError
		status   int
		code     string
	)
	switch {
	case errors.As(err, &notFound):
		status, code = http.StatusNotFound, "RESOURCE_NOT_FOUND"
	case errors.As(err, &invalid):
		status, code = http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, worker.ErrUnknownKind):
		status, code = http.StatusBadRequest, "UNKNOWN_KIND"
	default:
		status, code = http.StatusInternalServerError, "INTERNAL_ERROR"
	}

	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("request failed")

	writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    code,
		Message: err.Error(),
	})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   http.StatusText(http.StatusBadRequest),
		Code:    "INVALID_INPUT",
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
