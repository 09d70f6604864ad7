package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/motorical/encimap/internal/vaultbox"
)

// envelope is the JSON wrapper on every management API response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func respondData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Success: false, Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// respondServiceError is the single translation point from lifecycle errors
// to HTTP statuses.
func respondServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var ve *vaultbox.Error
	if !errors.As(err, &ve) {
		logger.Error("unclassified error", "error", err)
		respondError(w, http.StatusInternalServerError, "", "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch ve.Kind {
	case vaultbox.KindValidation:
		status = http.StatusBadRequest
	case vaultbox.KindAuthorization:
		status = http.StatusForbidden
	case vaultbox.KindNotFound:
		status = http.StatusNotFound
	case vaultbox.KindConflict:
		status = http.StatusConflict
	case vaultbox.KindExternal:
		status = http.StatusInternalServerError
	case vaultbox.KindTransient:
		status = http.StatusServiceUnavailable
	}

	if status >= 500 {
		logger.Error("request failed", "error", err)
	}
	respondError(w, status, ve.Code, ve.Message)
}

// decodeJSON reads a JSON request body into dst.
func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}
