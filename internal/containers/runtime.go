// Package containers talks to the container engine that hosts lab sessions.
package containers

import "context"

// Container is the engine's view of one container.
type Container struct {
	ID      string
	Name    string
	Running bool
}

// RunSpec describes a detached, auto-removed container.
type RunSpec struct {
	Name  string
	Image string
	Env   map[string]string
	Cmd   []string
	// Ports are "host:container[/proto]" publish specs.
	Ports []string
	// Binds are "source:target[:mode]"; a source without a slash is a named volume.
	Binds      []string
	Network    string
	Aliases    []string
	Privileged bool
}

// Runtime is the subset of engine operations the session manager needs.
type Runtime interface {
	// Get looks a container up by name. A missing container is found=false, not an error.
	Get(ctx context.Context, name string) (c Container, found bool, err error)
	ListRunning(ctx context.Context) ([]Container, error)
	Run(ctx context.Context, spec RunSpec) (Container, error)
	Stop(ctx context.Context, id string) error
	Logs(ctx context.Context, id string) (string, error)

	ResetVolume(ctx context.Context, name string) error
	EnsureVolume(ctx context.Context, name string) error
	EnsureNetwork(ctx context.Context, name string) error
	EnsureImage(ctx context.Context, ref, buildPath string) error
}
