package store

import (
	"context"
	"time"

	"github.com/EpicMandM/lab-session-manager/internal/models"
)

// Store defines the interface for database operations.
type Store interface {
	// Booking related methods

	// InsertBooking stores b. It returns models.ErrConflict when another
	// booking already holds the same lab and slot.
	InsertBooking(ctx context.Context, b *models.Booking) error
	// GetBooking returns nil, nil when the slot is free.
	GetBooking(ctx context.Context, resourceKey string, slotStart time.Time) (*models.Booking, error)
	ListBookings(ctx context.Context, resourceKey string, from, to time.Time) ([]*models.Booking, error)

	// Teardown related methods
	SaveScheduledStop(ctx context.Context, s *models.Session) error
	ListScheduledStops(ctx context.Context) ([]*models.Session, error)
	DeleteScheduledStop(ctx context.Context, sessionID string) error

	Ping(ctx context.Context) error
	Close() error
}

// slotLayout is the single text form of a slot boundary in storage.
// Fixed width, so lexical order equals time order.
const slotLayout = "2006-01-02T15:04:05Z"

func formatSlot(t time.Time) string {
	return t.UTC().Format(slotLayout)
}
