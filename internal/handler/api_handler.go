package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/EpicMandM/lab-session-manager/internal/logger"
	"github.com/EpicMandM/lab-session-manager/internal/models"
	"github.com/EpicMandM/lab-session-manager/internal/slot"
)

const maxBodyBytes = 1 << 16

type labView struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
	SlotMinutes int    `json:"slot_minutes"`
}

type bookingView struct {
	ID        string    `json:"id,omitempty"`
	Lab       string    `json:"lab"`
	SlotStart time.Time `json:"slot_start"`
	SlotEnd   time.Time `json:"slot_end"`
	Mine      bool      `json:"mine"`
}

type reserveRequest struct {
	SlotStart time.Time `json:"slot_start"`
}

// Health handles GET /healthz
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			h.logger.Error("Health check failed", logger.Error(err))
			h.writeDenial(w, http.StatusServiceUnavailable, models.ReasonInternal, "Storage unavailable.")
			return
		}
	}
	h.writeOK(w, http.StatusOK, nil)
}

// ListLabs handles GET /api/labs
func (h *APIHandler) ListLabs(w http.ResponseWriter, r *http.Request) {
	defs := h.labs.All()
	out := make([]labView, 0, len(defs))
	for _, def := range defs {
		out = append(out, labView{
			Key:         def.Key,
			DisplayName: def.DisplayName,
			Description: def.Description,
			SlotMinutes: int(def.SlotDuration / time.Minute),
		})
	}
	h.writeOK(w, http.StatusOK, map[string]any{"labs": out})
}

// CheckAvailability handles GET /api/labs/{lab}/availability?slot=
func (h *APIHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	lab := r.PathValue("lab")
	at, ok := h.timeParam(w, r, "slot")
	if !ok {
		return
	}

	availability, err := h.bookings.CheckAvailability(r.Context(), lab, at, h.now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	def, _ := h.labs.Lookup(lab)
	h.writeOK(w, http.StatusOK, map[string]any{
		"lab":          lab,
		"slot_start":   slot.Quantize(at, def.SlotDuration),
		"availability": availability,
	})
}

// ListBookings handles GET /api/labs/{lab}/bookings?from=&to=
func (h *APIHandler) ListBookings(w http.ResponseWriter, r *http.Request) {
	lab := r.PathValue("lab")
	from, ok := h.timeParam(w, r, "from")
	if !ok {
		return
	}
	to, ok := h.timeParam(w, r, "to")
	if !ok {
		return
	}

	bookings, err := h.bookings.Bookings(r.Context(), lab, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	def, _ := h.labs.Lookup(lab)
	user := userFrom(r.Context())
	out := make([]bookingView, 0, len(bookings))
	for _, b := range bookings {
		view := bookingView{
			Lab:       b.ResourceKey,
			SlotStart: b.SlotStart,
			SlotEnd:   slot.End(b.SlotStart, def.SlotDuration),
			Mine:      b.OwnedBy(user.ID),
		}
		// Other users' booking ids are not exposed.
		if view.Mine {
			view.ID = b.ID
		}
		out = append(out, view)
	}
	h.writeOK(w, http.StatusOK, map[string]any{"bookings": out})
}

// Reserve handles POST /api/labs/{lab}/bookings
func (h *APIHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	lab := r.PathValue("lab")
	user := userFrom(r.Context())

	var req reserveRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeDenial(w, http.StatusBadRequest, reasonBadRequest, "Invalid JSON body.")
		return
	}
	if req.SlotStart.IsZero() {
		h.writeDenial(w, http.StatusBadRequest, reasonBadRequest, "slot_start is required.")
		return
	}

	booking, err := h.bookings.Reserve(r.Context(), lab, req.SlotStart, user.ID, h.now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	def, _ := h.labs.Lookup(lab)
	h.writeOK(w, http.StatusCreated, map[string]any{"booking": bookingView{
		ID:        booking.ID,
		Lab:       booking.ResourceKey,
		SlotStart: booking.SlotStart,
		SlotEnd:   slot.End(booking.SlotStart, def.SlotDuration),
		Mine:      true,
	}})
}

// Enter handles POST /api/labs/{lab}/enter
func (h *APIHandler) Enter(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.Enter(r.Context(), r.PathValue("lab"), userFrom(r.Context()), h.now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOK(w, http.StatusOK, map[string]any{
		"url":        res.URL,
		"session_id": res.SessionID,
		"slot_end":   res.SlotEnd,
		"reused":     res.Reused,
	})
}

func (h *APIHandler) timeParam(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		h.writeDenial(w, http.StatusBadRequest, reasonBadRequest, name+" parameter is required.")
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		h.writeDenial(w, http.StatusBadRequest, reasonBadRequest, "Invalid "+name+" format, expected RFC 3339.")
		return time.Time{}, false
	}
	return t, true
}
