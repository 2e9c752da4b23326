package labs

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	defaultSlotDuration  = 10 * time.Minute
	defaultContainerPort = 8000
	defaultReadyBanner   = "Press CTRL+C to quit"
	defaultURLTemplate   = "http://{host}:{port}/{server}/{lab}/"
	defaultServerName    = "in4labs"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// AuxiliarySpec describes a container started before the lab's primary
// container, e.g. a message broker or a per-user automation service.
type AuxiliarySpec struct {
	Name           string   `toml:"name" yaml:"name"`
	Image          string   `toml:"image" yaml:"image"`
	BuildPath      string   `toml:"build_path" yaml:"build_path"`
	Ports          []string `toml:"ports" yaml:"ports"`
	Volumes        []string `toml:"volumes" yaml:"volumes"`
	Network        string   `toml:"network" yaml:"network"`
	Command        []string `toml:"command" yaml:"command"`
	CredentialHook string   `toml:"credential_hook" yaml:"credential_hook"`
	HookDir        string   `toml:"hook_dir" yaml:"hook_dir"`
}

// Definition describes one lab. Optional fields are filled with defaults
// when the registry is built.
type Definition struct {
	Key            string            `toml:"key" yaml:"key"`
	DisplayName    string            `toml:"display_name" yaml:"display_name"`
	Description    string            `toml:"description" yaml:"description"`
	SlotDuration   time.Duration     `toml:"slot_duration" yaml:"slot_duration"`
	Image          string            `toml:"image" yaml:"image"`
	BuildPath      string            `toml:"build_path" yaml:"build_path"`
	ContainerPort  int               `toml:"container_port" yaml:"container_port"`
	HostPort       int               `toml:"host_port" yaml:"host_port"`
	Volumes        []string          `toml:"volumes" yaml:"volumes"`
	Privileged     bool              `toml:"privileged" yaml:"privileged"`
	Network        string            `toml:"network" yaml:"network"`
	URLTemplate    string            `toml:"url_template" yaml:"url_template"`
	ReadyBanner    string            `toml:"ready_banner" yaml:"ready_banner"`
	Params         map[string]string `toml:"params" yaml:"params"`
	CredentialHook string            `toml:"credential_hook" yaml:"credential_hook"`
	HookDir        string            `toml:"hook_dir" yaml:"hook_dir"`
	Auxiliary      []AuxiliarySpec   `toml:"auxiliary" yaml:"auxiliary"`
}

// File is the on-disk shape of the lab configuration.
// Source: TOML or YAML file, chosen by extension.
type File struct {
	ServerName   string        `toml:"server_name" yaml:"server_name"`
	SlotDuration time.Duration `toml:"slot_duration" yaml:"slot_duration"`
	Labs         []Definition  `toml:"labs" yaml:"labs"`
}

// Registry is the read-only set of lab definitions. It is built once and
// handed to every component that needs it.
type Registry struct {
	serverName string
	labs       map[string]Definition
	order      []string
}

// Load reads a lab configuration file and builds a registry from it.
func Load(path string) (*Registry, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(f)
}

// ReadFile decodes a lab configuration file without validating it.
// Relative build paths and hook directories resolve against the file's
// directory.
func ReadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read lab config: %w", err)
	}

	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return File{}, fmt.Errorf("failed to load lab config: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), &f); err != nil {
			return File{}, fmt.Errorf("failed to load lab config: %w", err)
		}
	}

	base := filepath.Dir(path)
	for i := range f.Labs {
		f.Labs[i].BuildPath = resolve(base, f.Labs[i].BuildPath)
		f.Labs[i].HookDir = resolve(base, f.Labs[i].HookDir)
		for j := range f.Labs[i].Auxiliary {
			f.Labs[i].Auxiliary[j].BuildPath = resolve(base, f.Labs[i].Auxiliary[j].BuildPath)
			f.Labs[i].Auxiliary[j].HookDir = resolve(base, f.Labs[i].Auxiliary[j].HookDir)
		}
	}
	return f, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// New validates f, applies defaults and returns the registry.
func New(f File) (*Registry, error) {
	r := &Registry{
		serverName: f.ServerName,
		labs:       make(map[string]Definition, len(f.Labs)),
	}
	if r.serverName == "" {
		r.serverName = defaultServerName
	}
	fallback := f.SlotDuration
	if fallback == 0 {
		fallback = defaultSlotDuration
	}

	if len(f.Labs) == 0 {
		return nil, fmt.Errorf("no labs configured")
	}

	ports := make(map[int]string)
	prefixes := make(map[string]string)
	for _, def := range f.Labs {
		def = withDefaults(def, fallback)
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.labs[def.Key]; dup {
			return nil, fmt.Errorf("lab %q: duplicate key", def.Key)
		}
		// Container names are derived from the lowercased key.
		if other, dup := prefixes[strings.ToLower(def.Key)]; dup {
			return nil, fmt.Errorf("lab %q: key collides with %q (keys are case-insensitive)", def.Key, other)
		}
		prefixes[strings.ToLower(def.Key)] = def.Key
		if other, dup := ports[def.HostPort]; dup {
			return nil, fmt.Errorf("lab %q: host_port %d already used by %q", def.Key, def.HostPort, other)
		}
		ports[def.HostPort] = def.Key
		r.labs[def.Key] = def.clone()
		r.order = append(r.order, def.Key)
	}

	return r, nil
}

func withDefaults(def Definition, slotDuration time.Duration) Definition {
	if def.SlotDuration == 0 {
		def.SlotDuration = slotDuration
	}
	if def.DisplayName == "" {
		def.DisplayName = def.Key
	}
	if def.Image == "" && def.Key != "" {
		def.Image = strings.ToLower(def.Key) + ":latest"
	}
	if def.ContainerPort == 0 {
		def.ContainerPort = defaultContainerPort
	}
	if def.URLTemplate == "" {
		def.URLTemplate = defaultURLTemplate
	}
	if def.ReadyBanner == "" {
		def.ReadyBanner = defaultReadyBanner
	}
	return def
}

// Validate checks a single definition after defaults were applied.
func (d Definition) Validate() error {
	if d.Key == "" {
		return fmt.Errorf("lab key is required")
	}
	if !namePattern.MatchString(d.Key) {
		return fmt.Errorf("lab %q: key must match %s", d.Key, namePattern)
	}
	if d.SlotDuration < time.Minute {
		return fmt.Errorf("lab %q: slot_duration must be at least one minute", d.Key)
	}
	if time.Hour%d.SlotDuration != 0 {
		return fmt.Errorf("lab %q: slot_duration %s must divide one hour evenly", d.Key, d.SlotDuration)
	}
	if d.HostPort <= 0 || d.HostPort > 65535 {
		return fmt.Errorf("lab %q: host_port must be between 1 and 65535", d.Key)
	}
	if d.ContainerPort <= 0 || d.ContainerPort > 65535 {
		return fmt.Errorf("lab %q: container_port must be between 1 and 65535", d.Key)
	}
	if err := validateVolumes(d.Key, d.Volumes); err != nil {
		return err
	}

	names := make(map[string]bool)
	for _, aux := range d.Auxiliary {
		if !namePattern.MatchString(aux.Name) {
			return fmt.Errorf("lab %q: auxiliary name %q is invalid", d.Key, aux.Name)
		}
		if names[aux.Name] {
			return fmt.Errorf("lab %q: duplicate auxiliary %q", d.Key, aux.Name)
		}
		names[aux.Name] = true
		if aux.Image == "" {
			return fmt.Errorf("lab %q: auxiliary %q needs an image", d.Key, aux.Name)
		}
		if err := validateVolumes(d.Key, aux.Volumes); err != nil {
			return err
		}
	}
	return nil
}

func validateVolumes(key string, volumes []string) error {
	for _, v := range volumes {
		parts := strings.Split(v, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("lab %q: volume %q must be source:target[:mode]", key, v)
		}
	}
	return nil
}

func (d Definition) clone() Definition {
	c := d
	c.Volumes = append([]string(nil), d.Volumes...)
	if d.Params != nil {
		c.Params = make(map[string]string, len(d.Params))
		for k, v := range d.Params {
			c.Params[k] = v
		}
	}
	c.Auxiliary = make([]AuxiliarySpec, len(d.Auxiliary))
	for i, aux := range d.Auxiliary {
		aux.Ports = append([]string(nil), aux.Ports...)
		aux.Volumes = append([]string(nil), aux.Volumes...)
		aux.Command = append([]string(nil), aux.Command...)
		c.Auxiliary[i] = aux
	}
	return c
}

// ServerName is the URL prefix and SERVER_NAME handed to lab containers.
func (r *Registry) ServerName() string {
	return r.serverName
}

// Lookup returns a copy of the definition for key.
func (r *Registry) Lookup(key string) (Definition, bool) {
	def, ok := r.labs[key]
	if !ok {
		return Definition{}, false
	}
	return def.clone(), true
}

// All returns copies of every definition in configuration order.
func (r *Registry) All() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.labs[key].clone())
	}
	return out
}

// Networks returns the distinct networks referenced by any lab.
func (r *Registry) Networks() []string {
	seen := make(map[string]bool)
	for _, def := range r.labs {
		if def.Network != "" {
			seen[def.Network] = true
		}
		for _, aux := range def.Auxiliary {
			if aux.Network != "" {
				seen[aux.Network] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Volumes returns the distinct named volumes mounted by any lab.
func (r *Registry) Volumes() []string {
	seen := make(map[string]bool)
	add := func(specs []string) {
		for _, spec := range specs {
			if name, ok := NamedVolume(spec); ok {
				seen[name] = true
			}
		}
	}
	for _, def := range r.labs {
		add(def.Volumes)
		for _, aux := range def.Auxiliary {
			add(aux.Volumes)
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NamedVolume returns the source of a "source:target[:mode]" spec when it
// names a volume rather than a host path.
func NamedVolume(spec string) (string, bool) {
	source, _, _ := strings.Cut(spec, ":")
	if source == "" || strings.ContainsAny(source, `/\`) || strings.HasPrefix(source, ".") {
		return "", false
	}
	return source, true
}

// AccessURL renders the lab's URL template.
func (d Definition) AccessURL(host, serverName, session string) string {
	return strings.NewReplacer(
		"{host}", host,
		"{port}", fmt.Sprint(d.HostPort),
		"{server}", serverName,
		"{lab}", d.Key,
		"{session}", session,
	).Replace(d.URLTemplate)
}
