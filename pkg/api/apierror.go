package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ErrorBody is the wire shape of every API error: a single human-readable
// detail string under a stable HTTP status. Audit events and denial
// artifacts record the same string verbatim, so callers can correlate.
type ErrorBody struct {
	Detail string `json:"detail"`
}

// WriteDetail writes an error response with the given status and detail.
func WriteDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{Detail: detail})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusBadRequest, detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter) {
	WriteDetail(w, http.StatusForbidden, "forbidden")
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteDetail(w, http.StatusNotFound, detail)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After hint
// pointing at the next minute bucket.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteDetail(w, http.StatusTooManyRequests, "rate limit exceeded")
}

// WriteInternal writes a 500 error response. The error is logged but never
// exposed to the client.
func WriteInternal(w http.ResponseWriter, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("internal server error", "error", err)
	WriteDetail(w, http.StatusInternalServerError, "internal error")
}
