// Package credentials provisions per-session credentials for lab
// containers. Each lab user gets credentials derived from their identity
// so only they can log into the services of their slot.
package credentials

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/EpicMandM/lab-session-manager/internal/labs"
	"github.com/EpicMandM/lab-session-manager/internal/models"
)

// Request carries what a hook needs to prepare one container.
type Request struct {
	SessionID string
	User      models.User
	// Dir is the hook's working directory from the lab definition.
	Dir string
	// Volumes are the container's volume specs, "source:target[:mode]".
	Volumes []string
}

// Hook prepares credentials before a container starts. The returned map
// is added to the container's environment.
type Hook interface {
	Provision(ctx context.Context, req Request) (map[string]string, error)
}

// VolumeResetter empties a named volume.
type VolumeResetter interface {
	ResetVolume(ctx context.Context, name string) error
}

// Registry maps hook names used in lab definitions to implementations.
type Registry struct {
	hooks map[string]Hook
}

// NewRegistry returns a registry with the built-in hooks.
func NewRegistry(volumes VolumeResetter) *Registry {
	r := &Registry{hooks: make(map[string]Hook)}
	r.Register("node-red", NewNodeRED(volumes))
	r.Register("jupyter", NewJupyter())
	return r
}

func (r *Registry) Register(name string, h Hook) {
	r.hooks[name] = h
}

// Lookup returns the hook registered as name.
func (r *Registry) Lookup(name string) (Hook, bool) {
	h, ok := r.hooks[name]
	return h, ok
}

// Names returns the registered hook names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Require fails unless every name is registered. Empty names are ignored.
func (r *Registry) Require(names ...string) error {
	var missing []string
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, ok := r.hooks[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("unknown credential hook(s): %s (available: %s)",
			strings.Join(missing, ", "), strings.Join(r.Names(), ", "))
	}
	return nil
}

// namedVolumes returns the sources of specs that refer to named volumes
// rather than host paths.
func namedVolumes(specs []string) []string {
	var out []string
	for _, spec := range specs {
		if name, ok := labs.NamedVolume(spec); ok {
			out = append(out, name)
		}
	}
	return out
}
