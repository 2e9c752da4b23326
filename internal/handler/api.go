// Package handler exposes the booking and session operations as a JSON API.
//
// Every response is an outcome: {"ok":true,...} on success or
// {"ok":false,"reason":"...","message":"..."} on denial. The caller's
// identity comes from headers set by the authenticating proxy in front.
package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/EpicMandM/lab-session-manager/internal/labs"
	"github.com/EpicMandM/lab-session-manager/internal/logger"
	"github.com/EpicMandM/lab-session-manager/internal/models"
	"github.com/EpicMandM/lab-session-manager/internal/orchestrator"
)

// Identity headers set by the authenticating proxy.
const (
	HeaderUser  = "X-Remote-User"
	HeaderEmail = "X-Remote-Email"
)

// BookingLedger is the part of the ledger the API serves.
type BookingLedger interface {
	CheckAvailability(ctx context.Context, key string, slotStart, now time.Time) (models.Availability, error)
	Reserve(ctx context.Context, key string, slotStart time.Time, userID string, now time.Time) (*models.Booking, error)
	Bookings(ctx context.Context, key string, from, to time.Time) ([]*models.Booking, error)
}

// SessionLauncher starts lab sessions.
type SessionLauncher interface {
	Enter(ctx context.Context, resourceKey string, user models.User, now time.Time) (*orchestrator.Result, error)
}

// HealthChecker reports whether the backing store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// RateLimitPerMinute caps reserve and enter requests per user. Zero
	// disables the limit.
	RateLimitPerMinute int
	Now                func() time.Time
}

type APIHandler struct {
	labs     *labs.Registry
	bookings BookingLedger
	sessions SessionLauncher
	health   HealthChecker
	logger   *logger.Logger
	limiter  *userLimiter
	now      func() time.Time
}

func NewAPIHandler(registry *labs.Registry, bookings BookingLedger, sessions SessionLauncher, health HealthChecker, log *logger.Logger, opts Options) *APIHandler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &APIHandler{
		labs:     registry,
		bookings: bookings,
		sessions: sessions,
		health:   health,
		logger:   log,
		limiter:  newUserLimiter(opts.RateLimitPerMinute),
		now:      opts.Now,
	}
}

// Routes returns the API mux.
func (h *APIHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /api/labs", h.authenticated(h.ListLabs))
	mux.Handle("GET /api/labs/{lab}/availability", h.authenticated(h.CheckAvailability))
	mux.Handle("GET /api/labs/{lab}/bookings", h.authenticated(h.ListBookings))
	mux.Handle("POST /api/labs/{lab}/bookings", h.authenticated(h.limited(h.Reserve)))
	mux.Handle("POST /api/labs/{lab}/enter", h.authenticated(h.limited(h.Enter)))
	return mux
}

type userKey struct{}

func userFrom(ctx context.Context) models.User {
	u, _ := ctx.Value(userKey{}).(models.User)
	return u
}

// authenticated rejects requests without a proxy identity and stores the
// caller on the request context.
func (h *APIHandler) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := models.User{
			ID:    strings.TrimSpace(r.Header.Get(HeaderUser)),
			Email: strings.TrimSpace(r.Header.Get(HeaderEmail)),
		}
		if user.ID == "" {
			h.writeDenial(w, http.StatusUnauthorized, reasonUnauthenticated, "Please log in first.")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func (h *APIHandler) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r.Context())
		if !h.limiter.allow(user.ID, h.now()) {
			h.logger.Warn("Request rate limited", logger.User(user.Identity()), logger.F("PATH", r.URL.Path))
			w.Header().Set("Retry-After", "60")
			h.writeDenial(w, http.StatusTooManyRequests, reasonRateLimited, "Too many requests, please wait a moment.")
			return
		}
		next(w, r)
	}
}
