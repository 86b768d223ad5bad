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

// Package provider defines the container runtime boundary: the broker
// talks to whatever runs application containers through the Runtime
// interface, and this package carries the runtime-neutral pieces that
// sit on top of it (image metadata cache, container-to-host path
// translation).
package provider

import (
	"context"

	"github.com/linuxserver/sealskin/lib/gpu"
)

// Mount binds a host path into a container read-write.
type Mount struct {
	// Source is the host path.
	Source string
	// Target is the path inside the container.
	Target string
}

// LaunchSpec describes one application container to run.
type LaunchSpec struct {
	// SessionID tags log records of this launch.
	SessionID string
	// Image is the container image reference.
	Image string
	// Port is the HTTP port the application serves inside the
	// container, also probed by the readiness check.
	Port int
	// Env is the complete container environment.
	Env map[string]string
	// Mounts are bind mounts, applied in order.
	Mounts []Mount
	// Devices are host:container device node mappings.
	Devices []string
	// GPU attaches a render device, nil runs without one.
	GPU *gpu.Device
}

// Instance is a launched, ready application container.
type Instance struct {
	// ID is the runtime's container identifier.
	ID string
	// IP is the container address the proxy forwards to.
	IP string
	// Port mirrors LaunchSpec.Port.
	Port int
}

// ImageInfo describes a locally present image.
type ImageInfo struct {
	// ID is the full image id.
	ID string
	// ShortID is the truncated sha without the algorithm prefix.
	ShortID string
	// Digests are the image's repository digests.
	Digests []string
}

// SelfInfo describes the broker's own container, used to translate
// paths and discover published ports when the broker itself runs
// inside the runtime it drives.
type SelfInfo struct {
	// Mounts are the broker container's bind mounts, Source on the
	// host and Target inside the broker container.
	Mounts []Mount
	// APIHostPort is the host port published for the API listener,
	// zero when unpublished.
	APIHostPort int
	// SessionHostPort is the host port published for the session
	// proxy listener, zero when unpublished.
	SessionHostPort int
}

// Runtime launches and stops application containers. Implementations
// must return trace.NotFound for missing images and containers and
// trace.ConnectionProblem wrapping context.DeadlineExceeded when a
// launched container never becomes ready.
type Runtime interface {
	// Ping verifies the runtime daemon is reachable.
	Ping(ctx context.Context) error
	// LocalImage describes a locally present image.
	LocalImage(ctx context.Context, image string) (*ImageInfo, error)
	// RemoteDigest fetches the registry digest the image reference
	// currently points at.
	RemoteDigest(ctx context.Context, image string) (string, error)
	// Pull downloads an image.
	Pull(ctx context.Context, image string) error
	// Launch runs a container and blocks until its HTTP endpoint
	// passes the readiness probe, stopping the container on timeout.
	Launch(ctx context.Context, spec LaunchSpec) (*Instance, error)
	// Stop gracefully stops a container. Stopping a container that is
	// already gone is not an error.
	Stop(ctx context.Context, instanceID string) error
	// Exists reports whether a container is still known to the runtime.
	// Only a confirmed absence returns false; probe failures return an
	// error.
	Exists(ctx context.Context, instanceID string) (bool, error)
	// InspectSelf locates the broker's own container and reports its
	// mounts and the host ports published for the two listeners.
	InspectSelf(ctx context.Context, apiPort, sessionPort int) (*SelfInfo, error)
}
