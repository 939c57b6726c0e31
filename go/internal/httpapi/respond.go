package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/hanoiboard/go/internal/instance"
	"github.com/mcdev12/hanoiboard/go/internal/models"
)

const (
	msgInvalidCall   = "Invalid API call"
	msgInvalidBody   = "Invalid request body."
	msgMissingBearer = "Unauthorized: Missing or invalid Authorization header."
	msgInvalidBearer = "Unauthorized: Invalid token."
	msgInternal      = "Internal error"
	msgDone          = "Done"
)

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode response")
		writeText(w, http.StatusInternalServerError, msgInternal)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

func writeDone(w http.ResponseWriter) {
	writeText(w, http.StatusOK, msgDone)
}

// badRequest replies 400 with an optional reason
func badRequest(w http.ResponseWriter, reason string) {
	if reason == "" {
		writeText(w, http.StatusBadRequest, msgInvalidCall)
		return
	}
	writeText(w, http.StatusBadRequest, msgInvalidCall+": "+reason)
}

// writeError maps instance errors onto HTTP responses
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *models.ValidationError
	switch {
	case errors.As(err, &validation):
		badRequest(w, validation.Message)
	case errors.Is(err, instance.ErrStoreUnavailable):
		log.Error().Err(err).Str("path", r.URL.Path).Msg("instance store unavailable")
		writeText(w, http.StatusInternalServerError, msgInternal)
	case errors.Is(err, instance.ErrNotFound):
		badRequest(w, reason(err, instance.ErrNotFound))
	case errors.Is(err, instance.ErrConflict):
		badRequest(w, reason(err, instance.ErrConflict))
	case errors.Is(err, instance.ErrInvalidOperation):
		badRequest(w, reason(err, instance.ErrInvalidOperation))
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeText(w, http.StatusInternalServerError, msgInternal)
	}
}

// reason strips the sentinel prefix from a "<sentinel>: <reason>" error
func reason(err, sentinel error) string {
	return strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
}
