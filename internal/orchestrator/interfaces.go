package orchestrator

import (
	"context"
	"time"

	"github.com/EpicMandM/lab-session-manager/internal/containers"
	"github.com/EpicMandM/lab-session-manager/internal/credentials"
	"github.com/EpicMandM/lab-session-manager/internal/models"
)

// BookingLedger answers who holds the current slot.
type BookingLedger interface {
	CurrentBookingFor(ctx context.Context, resourceKey string, now time.Time) (*models.Booking, error)
}

// ContainerRuntime starts and stops session containers.
type ContainerRuntime interface {
	Get(ctx context.Context, name string) (containers.Container, bool, error)
	ListRunning(ctx context.Context) ([]containers.Container, error)
	Run(ctx context.Context, spec containers.RunSpec) (containers.Container, error)
	Stop(ctx context.Context, id string) error
}

// HookRegistry resolves credential hooks by name.
type HookRegistry interface {
	Lookup(name string) (credentials.Hook, bool)
}

// TeardownScheduler takes ownership of a launched session.
type TeardownScheduler interface {
	Register(ctx context.Context, session *models.Session) error
}

// ReadinessProber waits for a lab's web server to answer.
type ReadinessProber interface {
	WaitReady(ctx context.Context, url string) error
}
