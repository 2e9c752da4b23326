package models

import "time"

// ContainerRef identifies a container started for a session.
type ContainerRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Session is the runtime instance of one lab occupying one slot.
// Containers are ordered auxiliaries first, primary last.
type Session struct {
	ID          string         `json:"id"`
	ResourceKey string         `json:"resource_key"`
	SlotStart   time.Time      `json:"slot_start"`
	SlotEnd     time.Time      `json:"slot_end"`
	User        User           `json:"user"`
	ReadyBanner string         `json:"ready_banner,omitempty"`
	Containers  []ContainerRef `json:"containers"`
}

// Primary returns the session's primary container, which is always last.
func (s *Session) Primary() (ContainerRef, bool) {
	if s == nil || len(s.Containers) == 0 {
		return ContainerRef{}, false
	}
	return s.Containers[len(s.Containers)-1], true
}

// TeardownState tracks a session through the teardown scheduler.
type TeardownState string

const (
	StateScheduled TeardownState = "scheduled"
	StateStopping  TeardownState = "stopping"
	StateStopped   TeardownState = "stopped"
)
