/*
 * SealSkin
 * Copyright (C) 2025  LinuxServer.io
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package docker drives application containers through a Docker
// daemon. It implements provider.Runtime.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/gravitational/trace"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/defaults"
	"github.com/linuxserver/sealskin/lib/gpu"
	"github.com/linuxserver/sealskin/lib/provider"
)

const (
	// selfContainerName is the conventional name of the broker's own
	// container, checked first during self-inspection.
	selfContainerName = "sealskin"

	// shmSize is the /dev/shm size hosted GUI containers get. Browsers
	// and Electron apps fall over with Docker's 64 MiB default.
	shmSize = 1 << 30

	// noIPPollInterval is the fast poll used while a freshly started
	// container has no address yet.
	noIPPollInterval = 500 * time.Millisecond

	// healthRequestTimeout bounds one readiness probe request.
	healthRequestTimeout = 2 * time.Second
)

// nvidiaCapabilities is the capability set requested for attached
// nvidia devices.
var nvidiaCapabilities = []string{"compute", "video", "graphics", "utility", "gpu"}

// Config configures the Docker runtime driver.
type Config struct {
	// PollInterval is the pause between readiness probes.
	PollInterval time.Duration
	// Deadline bounds the whole readiness wait; containers that miss
	// it are stopped.
	Deadline time.Duration
	// StopTimeout is the grace period before a stopped container is
	// killed.
	StopTimeout time.Duration
	// HealthClient performs readiness probes.
	HealthClient *http.Client
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.ReadinessPollInterval
	}
	if c.Deadline <= 0 {
		c.Deadline = defaults.ReadinessDeadline
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = defaults.ContainerStopTimeout
	}
	if c.HealthClient == nil {
		c.HealthClient = &http.Client{Timeout: healthRequestTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.With(sealskin.ComponentKey, sealskin.ComponentDocker)
	}
	return nil
}

// Runtime implements provider.Runtime on top of a Docker daemon.
type Runtime struct {
	cfg    Config
	cli    *client.Client
	logger *slog.Logger
}

// NewRuntime connects to the daemon configured by the standard DOCKER_*
// environment and verifies it is reachable.
func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Runtime{cfg: cfg, cli: cli, logger: cfg.Logger}
	if err := r.Ping(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return r, nil
}

// Ping verifies the daemon is reachable.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return trace.ConnectionProblem(err, "failed to connect to Docker daemon")
	}
	return nil
}

// LocalImage describes a locally present image.
func (r *Runtime) LocalImage(ctx context.Context, imageRef string) (*provider.ImageInfo, error) {
	inspect, err := r.cli.ImageInspect(ctx, imageRef)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, trace.NotFound("image %q not found locally", imageRef)
		}
		return nil, trace.Wrap(err)
	}
	return &provider.ImageInfo{
		ID:      inspect.ID,
		ShortID: shortID(inspect.ID),
		Digests: inspect.RepoDigests,
	}, nil
}

// RemoteDigest resolves the digest the image reference currently
// points at in its registry.
func (r *Runtime) RemoteDigest(ctx context.Context, imageRef string) (string, error) {
	dist, err := r.cli.DistributionInspect(ctx, imageRef, "")
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", trace.NotFound("image %q not found in remote registry", imageRef)
		}
		return "", trace.Wrap(err)
	}
	return dist.Descriptor.Digest.String(), nil
}

// Pull downloads an image, blocking until the pull completes.
func (r *Runtime) Pull(ctx context.Context, imageRef string) error {
	r.logger.InfoContext(ctx, "Pulling latest image", "image", imageRef)
	rc, err := r.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return trace.Wrap(err, "failed to pull image %q", imageRef)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return trace.Wrap(err, "failed to pull image %q", imageRef)
	}
	r.logger.InfoContext(ctx, "Successfully pulled image", "image", imageRef)
	return nil
}

// Launch creates and starts an application container, then blocks
// until its HTTP endpoint answers 200. Containers that never become
// ready are stopped and reported as a gateway timeout.
func (r *Runtime) Launch(ctx context.Context, spec provider.LaunchSpec) (*provider.Instance, error) {
	logger := r.logger.With("session_id", spec.SessionID)

	if _, err := r.cli.ImageInspect(ctx, spec.Image); err != nil {
		if !client.IsErrNotFound(err) {
			return nil, trace.Wrap(err)
		}
		logger.InfoContext(ctx, "Image not found locally, pulling", "image", spec.Image)
		if err := r.Pull(ctx, spec.Image); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	hostConfig := &container.HostConfig{
		AutoRemove: true,
		ShmSize:    shmSize,
		Binds:      binds(spec.Mounts),
	}
	for _, device := range spec.Devices {
		hostConfig.Devices = append(hostConfig.Devices, deviceMapping(device))
	}
	if spec.GPU != nil {
		switch spec.GPU.Kind {
		case gpu.KindNvidia:
			hostConfig.Runtime = "nvidia"
			hostConfig.DeviceRequests = []container.DeviceRequest{{
				DeviceIDs:    []string{strconv.Itoa(spec.GPU.Index)},
				Capabilities: [][]string{nvidiaCapabilities},
			}}
			logger.InfoContext(ctx, "Configuring container with Nvidia GPU", "index", spec.GPU.Index)
		case gpu.KindDRI3:
			hostConfig.Devices = append(hostConfig.Devices, deviceMapping(spec.GPU.Device))
			logger.InfoContext(ctx, "Configuring container with DRI3 device", "device", spec.GPU.Device)
		}
	}

	created, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Env:   envList(spec.Env),
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, trace.Wrap(launchError(err))
	}
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, trace.Wrap(launchError(err))
	}
	logger.InfoContext(ctx, "Launched container", "container_id", shortID(created.ID), "image", spec.Image)

	ip, err := r.waitReady(ctx, logger, created.ID, spec)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &provider.Instance{ID: created.ID, IP: ip, Port: spec.Port}, nil
}

// Stop gracefully stops a container. A container that is already gone
// only rates a log line.
func (r *Runtime) Stop(ctx context.Context, instanceID string) error {
	seconds := int(r.cfg.StopTimeout.Seconds())
	err := r.cli.ContainerStop(ctx, instanceID, container.StopOptions{Timeout: &seconds})
	if err != nil {
		if client.IsErrNotFound(err) {
			r.logger.WarnContext(ctx, "Attempted to stop container, but it was not found",
				"container_id", shortID(instanceID))
			return nil
		}
		return trace.Wrap(err)
	}
	r.logger.InfoContext(ctx, "Stopped container", "container_id", shortID(instanceID))
	return nil
}

// Exists reports whether a container is still known to the daemon.
// Only a confirmed absence returns false.
func (r *Runtime) Exists(ctx context.Context, instanceID string) (bool, error) {
	if _, err := r.cli.ContainerInspect(ctx, instanceID); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	return true, nil
}

// InspectSelf locates the broker's own container, by the conventional
// name first and the broker's hostname second, and reports its mounts
// and published listener ports.
func (r *Runtime) InspectSelf(ctx context.Context, apiPort, sessionPort int) (*provider.SelfInfo, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", selfContainerName)),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var id string
	if len(list) > 0 {
		id = list[0].ID
	} else {
		hostname, err := hostnameFn()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		r.logger.InfoContext(ctx, "No container named 'sealskin' found, trying hostname", "hostname", hostname)
		id = hostname
	}

	inspect, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, trace.NotFound("could not find own container by name %q or hostname", selfContainerName)
		}
		return nil, trace.Wrap(err)
	}

	info := &provider.SelfInfo{}
	for _, m := range inspect.Mounts {
		if m.Source != "" && m.Destination != "" {
			info.Mounts = append(info.Mounts, provider.Mount{Source: m.Source, Target: m.Destination})
		}
	}
	if inspect.NetworkSettings != nil {
		info.APIHostPort = hostPort(inspect.NetworkSettings.Ports, apiPort)
		info.SessionHostPort = hostPort(inspect.NetworkSettings.Ports, sessionPort)
	}
	return info, nil
}

// waitReady polls the container until its application answers 200 on
// the session subfolder URL.
func (r *Runtime) waitReady(ctx context.Context, logger *slog.Logger, id string, spec provider.LaunchSpec) (string, error) {
	deadline := time.Now().Add(r.cfg.Deadline)
	for time.Now().Before(deadline) {
		inspect, err := r.cli.ContainerInspect(ctx, id)
		if err != nil {
			logger.WarnContext(ctx, "Error during readiness check", "error", err)
			if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
				return "", trace.Wrap(err)
			}
			continue
		}

		ip := containerIP(inspect)
		if ip == "" {
			if err := r.sleep(ctx, noIPPollInterval); err != nil {
				return "", trace.Wrap(err)
			}
			continue
		}

		url := fmt.Sprintf("http://%v:%v%v", ip, spec.Port, spec.Env["SUBFOLDER"])
		if r.probe(ctx, url) {
			logger.InfoContext(ctx, "Health check passed", "url", url)
			return ip, nil
		}
		logger.DebugContext(ctx, "Health check pending", "container_id", shortID(id))
		if err := r.sleep(ctx, r.cfg.PollInterval); err != nil {
			return "", trace.Wrap(err)
		}
	}

	logger.ErrorContext(ctx, "Container failed to become ready in time", "container_id", shortID(id))
	if err := r.Stop(ctx, id); err != nil {
		logger.WarnContext(ctx, "Error stopping unready container", "error", err)
	}
	return "", trace.ConnectionProblem(context.DeadlineExceeded, "container failed to become ready in time")
}

func (r *Runtime) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := r.cfg.HealthClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (r *Runtime) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	case <-time.After(d):
		return nil
	}
}

// containerIP picks the container address the proxy should dial: the
// default bridge when attached, otherwise the first network that has
// an address.
func containerIP(inspect container.InspectResponse) string {
	if inspect.NetworkSettings == nil {
		return ""
	}
	networks := inspect.NetworkSettings.Networks
	if bridge, ok := networks["bridge"]; ok && bridge != nil {
		return bridge.IPAddress
	}
	for _, endpoint := range networks {
		if endpoint != nil && endpoint.IPAddress != "" {
			return endpoint.IPAddress
		}
	}
	return ""
}

// launchError rewrites the notoriously opaque nvidia runtime failure
// into something an admin can act on.
func launchError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "could not select device driver") || strings.Contains(msg, "nvidia-container-runtime") {
		return trace.Wrap(err, "nvidia runtime error on host, is nvidia-container-toolkit installed and configured?")
	}
	return err
}

func binds(mounts []provider.Mount) []string {
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, m.Source+":"+m.Target+":rw")
	}
	return out
}

func deviceMapping(spec string) container.DeviceMapping {
	host, inContainer, ok := strings.Cut(spec, ":")
	if !ok {
		inContainer = host
	}
	return container.DeviceMapping{
		PathOnHost:        host,
		PathInContainer:   inContainer,
		CgroupPermissions: "rwm",
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func hostPort(ports nat.PortMap, internal int) int {
	bindings := ports[nat.Port(fmt.Sprintf("%d/tcp", internal))]
	if len(bindings) == 0 {
		return 0
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0
	}
	return port
}

func shortID(id string) string {
	id = strings.TrimPrefix(id, "sha256:")
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// hostnameFn is swapped in tests.
var hostnameFn = os.Hostname
