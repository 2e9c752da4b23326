package models

import "time"

// Booking represents a reservation of one slot on a lab.
type Booking struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ResourceKey string    `json:"resource_key"`
	SlotStart   time.Time `json:"slot_start"`
	Created     time.Time `json:"created"`
}

// OwnedBy reports whether the booking belongs to userID.
func (b *Booking) OwnedBy(userID string) bool {
	return b != nil && userID != "" && b.UserID == userID
}

// Availability is the advisory answer of an availability check.
type Availability string

const (
	Available Availability = "available"
	Taken     Availability = "taken"
)

// User is the identity handed to the manager by the authenticating proxy.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Identity is the string written into containers and audit logs.
func (u User) Identity() string {
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}
