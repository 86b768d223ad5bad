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

// Package sealskin holds constants shared across the whole project.
package sealskin

const (
	// Version is the semantic version of the broker, reported by the
	// version CLI command and the /api/ping endpoint.
	Version = "1.4.0"

	// ComponentKey is the name of the log attribute that identifies
	// which subsystem emitted a record.
	ComponentKey = "component"
)

// Component names used as the ComponentKey attribute on subsystem loggers.
const (
	// ComponentBroker is the session launch and lifecycle engine.
	ComponentBroker = "broker"

	// ComponentProxy is the per-session reverse proxy listener.
	ComponentProxy = "proxy"

	// ComponentWeb is the management API listener.
	ComponentWeb = "web"

	// ComponentCollab is the collaboration room hub.
	ComponentCollab = "collab"

	// ComponentEnvelope is the encrypted API channel.
	ComponentEnvelope = "envelope"

	// ComponentIdentity is the bearer token verifier.
	ComponentIdentity = "identity"

	// ComponentUsers is the on-disk user and group directory.
	ComponentUsers = "users"

	// ComponentApps is the application catalog.
	ComponentApps = "apps"

	// ComponentAutostart is the autostart artifact cache.
	ComponentAutostart = "autostart"

	// ComponentDocker is the container runtime driver.
	ComponentDocker = "docker"

	// ComponentProvider is the runtime-neutral image and path layer.
	ComponentProvider = "provider"

	// ComponentGPU is the render device prober.
	ComponentGPU = "gpu"

	// ComponentStorage is the home directory and upload manager.
	ComponentStorage = "storage"

	// ComponentSession is the persistent session store.
	ComponentSession = "session"

	// ComponentShares is the public file share registry.
	ComponentShares = "shares"

	// ComponentJobs is the background maintenance scheduler.
	ComponentJobs = "jobs"

	// ComponentService is the process supervisor.
	ComponentService = "service"
)
