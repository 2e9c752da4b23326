package models

import (
	"errors"
	"fmt"
)

var (
	// ErrSlotInPast is returned when a slot starts before the current slot.
	ErrSlotInPast = errors.New("slot is in the past")
	// ErrConflict is returned when another booking already holds the slot.
	ErrConflict = errors.New("slot already booked")
	// ErrUnknownResource is returned for a lab key missing from the registry.
	ErrUnknownResource = errors.New("unknown lab")
	// ErrNoReservation is returned when the caller does not own the current slot.
	ErrNoReservation = errors.New("no reservation for the current slot")
	// ErrProvisioning marks container runtime failures during enter.
	ErrProvisioning = errors.New("provisioning failed")
	// ErrProbeTimeout is returned when the lab did not answer in time. It is not fatal.
	ErrProbeTimeout = errors.New("readiness probe timed out")
)

// ProvisioningError records which provisioning step failed.
type ProvisioningError struct {
	Step      string
	Container string
	Err       error
}

func (e *ProvisioningError) Error() string {
	if e.Container != "" {
		return fmt.Sprintf("provisioning %s (%s): %v", e.Step, e.Container, e.Err)
	}
	return fmt.Sprintf("provisioning %s: %v", e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() []error {
	return []error{ErrProvisioning, e.Err}
}

// Denial reason codes exposed to the web layer.
const (
	ReasonSlotInPast      = "slot_in_past"
	ReasonConflict        = "conflict"
	ReasonUnknownResource = "unknown_resource"
	ReasonNoReservation   = "no_reservation"
	ReasonProvisioning    = "provisioning_failure"
	ReasonInternal        = "internal"
)

// Denial is the user-facing form of a core error.
type Denial struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// ReasonFor maps an error returned by the core to a denial.
func ReasonFor(err error) Denial {
	switch {
	case errors.Is(err, ErrSlotInPast):
		return Denial{ReasonSlotInPast, "The selected time slot is outdated, please select a different one."}
	case errors.Is(err, ErrConflict):
		return Denial{ReasonConflict, "Someone else already booked that slot, please select a different one."}
	case errors.Is(err, ErrUnknownResource):
		return Denial{ReasonUnknownResource, "Lab not found."}
	case errors.Is(err, ErrNoReservation):
		return Denial{ReasonNoReservation, "You don't have a reservation in this lab for the current time slot."}
	case errors.Is(err, ErrProvisioning):
		return Denial{ReasonProvisioning, "The lab could not be started, please try again."}
	default:
		return Denial{ReasonInternal, "Unexpected error, please try again later."}
	}
}
