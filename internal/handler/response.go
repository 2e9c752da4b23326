package handler

import (
	"encoding/json"
	"maps"
	"net/http"

	"github.com/EpicMandM/lab-session-manager/internal/logger"
	"github.com/EpicMandM/lab-session-manager/internal/models"
)

// Denial reasons raised by the HTTP layer itself.
const (
	reasonUnauthenticated = "unauthenticated"
	reasonBadRequest      = "bad_request"
	reasonRateLimited     = "rate_limited"
)

type denialBody struct {
	OK bool `json:"ok"`
	models.Denial
}

func statusFor(reason string) int {
	switch reason {
	case models.ReasonUnknownResource:
		return http.StatusNotFound
	case models.ReasonSlotInPast:
		return http.StatusUnprocessableEntity
	case models.ReasonConflict:
		return http.StatusConflict
	case models.ReasonNoReservation:
		return http.StatusForbidden
	case models.ReasonProvisioning:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError turns a core error into a denial. Raw error text never
// reaches the client.
func (h *APIHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	d := models.ReasonFor(err)
	if d.Reason == models.ReasonInternal || d.Reason == models.ReasonProvisioning {
		h.logger.Error("Request failed",
			logger.Action(r.Pattern),
			logger.F("PATH", r.URL.Path),
			logger.User(userFrom(r.Context()).Identity()),
			logger.Reason(d.Reason),
			logger.Error(err),
		)
	}
	h.writeJSON(w, statusFor(d.Reason), denialBody{Denial: d})
}

func (h *APIHandler) writeDenial(w http.ResponseWriter, status int, reason, message string) {
	h.writeJSON(w, status, denialBody{Denial: models.Denial{Reason: reason, Message: message}})
}

func (h *APIHandler) writeOK(w http.ResponseWriter, status int, payload map[string]any) {
	body := map[string]any{"ok": true}
	maps.Copy(body, payload)
	h.writeJSON(w, status, body)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write response", logger.Error(err))
	}
}
