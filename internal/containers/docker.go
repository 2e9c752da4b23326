package containers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/EpicMandM/lab-session-manager/internal/logger"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const defaultStopTimeout = 10

// Docker implements Runtime on the Docker Engine API.
type Docker struct {
	client      *client.Client
	logger      *logger.Logger
	stopTimeout int
}

// NewDocker connects using DOCKER_HOST and friends from the environment.
func NewDocker(log *logger.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{client: cli, logger: log, stopTimeout: defaultStopTimeout}, nil
}

func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

func (d *Docker) Get(ctx context.Context, name string) (Container, bool, error) {
	info, err := d.client.ContainerInspect(ctx, name)
	if errdefs.IsNotFound(err) {
		return Container{}, false, nil
	}
	if err != nil {
		return Container{}, false, fmt.Errorf("inspect container %s: %w", name, err)
	}
	if info.ContainerJSONBase == nil {
		return Container{}, false, nil
	}
	c := Container{ID: info.ID, Name: trimName(info.Name)}
	if info.State != nil {
		c.Running = info.State.Running
	}
	return c, true, nil
}

func (d *Docker) ListRunning(ctx context.Context) ([]Container, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]Container, 0, len(list))
	for _, c := range list {
		if len(c.Names) == 0 {
			continue
		}
		out = append(out, Container{ID: c.ID, Name: trimName(c.Names[0]), Running: c.State == "running"})
	}
	return out, nil
}

func (d *Docker) Run(ctx context.Context, spec RunSpec) (Container, error) {
	cfg, hostCfg, netCfg, err := buildConfigs(spec)
	if err != nil {
		return Container{}, err
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return Container{}, fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("Container create warning", logger.Container(spec.Name), logger.Reason(w))
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Container{}, fmt.Errorf("start container %s: %w", spec.Name, err)
	}

	return Container{ID: resp.ID, Name: spec.Name, Running: true}, nil
}

// Stop stops id. Containers run with auto-remove, so one that is already
// gone counts as stopped.
func (d *Docker) Stop(ctx context.Context, id string) error {
	timeout := d.stopTimeout
	err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

// Logs returns the container's combined stdout and stderr.
func (d *Docker) Logs(ctx context.Context, id string) (string, error) {
	rc, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("container logs %s: %w", id, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return out.String(), fmt.Errorf("read logs %s: %w", id, err)
	}
	return out.String(), nil
}

// ResetVolume removes and recreates a named volume so each session starts
// from empty state.
func (d *Docker) ResetVolume(ctx context.Context, name string) error {
	if err := d.client.VolumeRemove(ctx, name, true); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove volume %s: %w", name, err)
	}
	if _, err := d.client.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	return nil
}

func (d *Docker) EnsureVolume(ctx context.Context, name string) error {
	_, err := d.client.VolumeInspect(ctx, name)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect volume %s: %w", name, err)
	}
	if _, err := d.client.VolumeCreate(ctx, volume.CreateOptions{Name: name}); err != nil {
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	d.logger.Info("Volume created", logger.F("VOLUME", name))
	return nil
}

func (d *Docker) EnsureNetwork(ctx context.Context, name string) error {
	_, err := d.client.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect network %s: %w", name, err)
	}
	if _, err := d.client.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	d.logger.Info("Network created", logger.F("NETWORK", name))
	return nil
}

// EnsureImage makes ref available locally. It builds from buildPath when
// one is given and pulls otherwise.
func (d *Docker) EnsureImage(ctx context.Context, ref, buildPath string) error {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	if buildPath != "" {
		return d.BuildImage(ctx, ref, buildPath)
	}

	d.logger.Info("Pulling image", logger.Image(ref))
	rc, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer func() {
		_ = rc.Close()
	}()
	if err := drainProgress(rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

// BuildImage builds the Dockerfile in dir and tags the result as ref.
func (d *Docker) BuildImage(ctx context.Context, ref, dir string) error {
	d.logger.Info("Building image", logger.Image(ref), logger.F("CONTEXT", dir))
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archive build context %s: %w", dir, err)
	}
	defer func() {
		_ = buildCtx.Close()
	}()

	resp, err := d.client.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{ref},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", ref, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := drainProgress(resp.Body); err != nil {
		return fmt.Errorf("build image %s: %w", ref, err)
	}
	return nil
}

// drainProgress consumes a JSON progress stream and returns the first
// error message the engine reported in it.
func drainProgress(r io.Reader) error {
	return jsonmessage.DisplayJSONMessagesStream(r, io.Discard, 0, false, nil)
}

func buildConfigs(spec RunSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	if spec.Name == "" || spec.Image == "" {
		return nil, nil, nil, fmt.Errorf("container name and image are required")
	}

	exposed, bindings, err := nat.ParsePortSpecs(spec.Ports)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse ports for %s: %w", spec.Name, err)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Env),
		ExposedPorts: exposed,
	}
	if len(spec.Cmd) > 0 {
		cfg.Cmd = spec.Cmd
	}

	hostCfg := &container.HostConfig{
		AutoRemove:   true,
		Privileged:   spec.Privileged,
		Binds:        spec.Binds,
		PortBindings: bindings,
	}

	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: spec.Aliases},
			},
		}
	}

	return cfg, hostCfg, netCfg, nil
}

// envList renders env in a stable order.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func trimName(name string) string {
	return strings.TrimPrefix(name, "/")
}
