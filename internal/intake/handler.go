package intake

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/motorical/encimap/internal/logging"
)

// intakeResponse is the JSON body returned to the MTA pipe.
type intakeResponse struct {
	OK     bool   `json:"ok"`
	Path   string `json:"path,omitempty"`
	Bytes  int64  `json:"bytes,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Handler serves the intake endpoint consumed by the MTA pipe transport.
type Handler struct {
	worker         *Worker
	maxMessageSize int64
	logger         *slog.Logger
}

// NewHandler creates a Handler. maxMessageSize of 0 disables the size cap.
func NewHandler(worker *Worker, maxMessageSize int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{worker: worker, maxMessageSize: maxMessageSize, logger: logger}
}

// Routes registers the intake endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /intake/test", h.handleIntake)
	mux.HandleFunc("GET /health", h.handleHealth)
}

// handleIntake runs one delivery. HTTP status carries retry semantics for
// the pipe: 2xx delivered, 4xx permanent failure (bounce), 5xx transient
// (requeue).
func (h *Handler) handleIntake(w http.ResponseWriter, r *http.Request) {
	logger := logging.WithRequest(h.logger, r.Method, r.URL.Path, r.RemoteAddr)

	vaultboxID := r.URL.Query().Get("vaultbox_id")
	if vaultboxID == "" {
		writeIntake(w, http.StatusBadRequest, intakeResponse{OK: false, Reason: "missing_vaultbox_id"})
		return
	}

	body := r.Body
	if h.maxMessageSize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxMessageSize)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeIntake(w, http.StatusRequestEntityTooLarge, intakeResponse{OK: false, Reason: ReasonTooLarge})
			return
		}
		writeIntake(w, http.StatusServiceUnavailable, intakeResponse{OK: false, Reason: "read_failed"})
		return
	}
	if len(raw) == 0 {
		writeIntake(w, http.StatusBadRequest, intakeResponse{OK: false, Reason: "empty_message"})
		return
	}

	delivery, err := h.worker.Process(r.Context(), vaultboxID, raw)
	if err != nil {
		var ie *Error
		if errors.As(err, &ie) {
			status := http.StatusUnprocessableEntity
			if ie.Transient {
				status = http.StatusServiceUnavailable
			}
			logger.Warn("intake failed", "vaultbox_id", vaultboxID, "reason", ie.Reason, "transient", ie.Transient)
			writeIntake(w, status, intakeResponse{OK: false, Reason: ie.Reason})
			return
		}
		logger.Error("intake failed", "vaultbox_id", vaultboxID, "error", err)
		writeIntake(w, http.StatusServiceUnavailable, intakeResponse{OK: false, Reason: "internal"})
		return
	}

	writeIntake(w, http.StatusOK, intakeResponse{OK: true, Path: delivery.Path, Bytes: delivery.Bytes})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeIntake(w, http.StatusOK, intakeResponse{OK: true})
}

func writeIntake(w http.ResponseWriter, status int, resp intakeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
