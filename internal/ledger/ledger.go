// Package ledger records who holds which lab slot.
//
// Availability checks are advisory. The store's uniqueness constraint on
// (lab, slot) is the only arbiter between concurrent reservations.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/EpicMandM/lab-session-manager/internal/labs"
	"github.com/EpicMandM/lab-session-manager/internal/logger"
	"github.com/EpicMandM/lab-session-manager/internal/models"
	"github.com/EpicMandM/lab-session-manager/internal/slot"
	"github.com/EpicMandM/lab-session-manager/internal/store"
	"github.com/google/uuid"
)

// Ledger wraps the booking store with slot validation.
type Ledger struct {
	store    store.Store
	registry *labs.Registry
	logger   *logger.Logger
	newID    func() string
}

func New(st store.Store, registry *labs.Registry, log *logger.Logger) *Ledger {
	return &Ledger{
		store:    st,
		registry: registry,
		logger:   log,
		newID:    uuid.NewString,
	}
}

// slotOf resolves the lab and quantizes t to its slot.
func (l *Ledger) slotOf(key string, t time.Time) (labs.Definition, time.Time, error) {
	def, ok := l.registry.Lookup(key)
	if !ok {
		return labs.Definition{}, time.Time{}, fmt.Errorf("%w: %s", models.ErrUnknownResource, key)
	}
	return def, slot.Quantize(t, def.SlotDuration), nil
}

func (l *Ledger) checkNotPast(def labs.Definition, start, now time.Time) error {
	if start.Before(slot.Quantize(now, def.SlotDuration)) {
		return fmt.Errorf("%w: %s", models.ErrSlotInPast, start.Format(time.RFC3339))
	}
	return nil
}

// CheckAvailability reports whether the slot containing slotStart is free.
// The answer may be stale by the time Reserve is called.
func (l *Ledger) CheckAvailability(ctx context.Context, key string, slotStart, now time.Time) (models.Availability, error) {
	def, start, err := l.slotOf(key, slotStart)
	if err != nil {
		return "", err
	}
	if err := l.checkNotPast(def, start, now); err != nil {
		return "", err
	}

	b, err := l.store.GetBooking(ctx, key, start)
	if err != nil {
		return "", fmt.Errorf("check availability: %w", err)
	}
	if b != nil {
		return models.Taken, nil
	}
	return models.Available, nil
}

// Reserve books the slot containing slotStart for userID. It returns
// models.ErrConflict when another reservation won the slot.
func (l *Ledger) Reserve(ctx context.Context, key string, slotStart time.Time, userID string, now time.Time) (*models.Booking, error) {
	def, start, err := l.slotOf(key, slotStart)
	if err != nil {
		return nil, err
	}
	if err := l.checkNotPast(def, start, now); err != nil {
		return nil, err
	}

	b := &models.Booking{
		ID:          l.newID(),
		UserID:      userID,
		ResourceKey: key,
		SlotStart:   start,
		Created:     now.UTC(),
	}
	if err := l.store.InsertBooking(ctx, b); err != nil {
		l.logger.Info("Reservation rejected",
			logger.Lab(key),
			logger.Slot(start),
			logger.User(userID),
			logger.Error(err),
		)
		return nil, err
	}

	l.logger.Info("Slot reserved",
		logger.Lab(key),
		logger.Slot(start),
		logger.User(userID),
		logger.F("BOOKING", b.ID),
	)
	return b, nil
}

// CurrentBookingFor returns the booking of the slot containing now, or nil.
func (l *Ledger) CurrentBookingFor(ctx context.Context, key string, now time.Time) (*models.Booking, error) {
	_, start, err := l.slotOf(key, now)
	if err != nil {
		return nil, err
	}
	b, err := l.store.GetBooking(ctx, key, start)
	if err != nil {
		return nil, fmt.Errorf("current booking: %w", err)
	}
	return b, nil
}

// Bookings lists the bookings whose slots start in [from, to).
func (l *Ledger) Bookings(ctx context.Context, key string, from, to time.Time) ([]*models.Booking, error) {
	if _, ok := l.registry.Lookup(key); !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownResource, key)
	}
	if !to.After(from) {
		return nil, nil
	}
	bookings, err := l.store.ListBookings(ctx, key, from, to)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	return bookings, nil
}
