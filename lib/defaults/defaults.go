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

// Package defaults contains the default values used across the sealskin
// codebase: listener ports, on-disk paths, launch tunables and naming rules.
package defaults

import "time"

// Listener defaults.
const (
	// APIPort is the port the management API listens on.
	APIPort = 8000

	// SessionPort is the port the per-session reverse proxy listens on.
	SessionPort = 8443

	// ControlPlanePort is the port hosted application containers expose
	// their collaboration token endpoint on.
	ControlPlanePort = 8083

	// BindIP is the address both listeners bind to.
	BindIP = "0.0.0.0"
)

// On-disk layout defaults. Everything under /config survives container
// recreation; /storage holds user data.
const (
	// AppResourcePath is the URL of the default application store index.
	AppResourcePath = "https://raw.githubusercontent.com/linuxserver/sealskin-apps/refs/heads/master/apps.yml"

	// DefaultStoreName is the display name of the bootstrap app store.
	DefaultStoreName = "SealSkin Apps"

	// InstalledAppsPath is where the installed application list persists.
	InstalledAppsPath = "/config/.config/sealskin/installed_apps.yml"

	// AppStoresPath is where the configured store list persists.
	AppStoresPath = "/config/.config/sealskin/app_stores.yml"

	// AppTemplatesPath holds user-defined launch templates, one file per
	// template.
	AppTemplatesPath = "/config/.config/sealskin/app_templates"

	// DefaultAppTemplatesPath holds the templates shipped with the image.
	DefaultAppTemplatesPath = "app/default_templates"

	// UploadDir is the staging area for chunked uploads.
	UploadDir = "/storage/sealskin_uploads"

	// SessionsDBPath is where the session store persists between restarts.
	SessionsDBPath = "/config/.config/sealskin/sessions.yml"

	// AutostartCachePath is the root of the autostart artifact cache.
	AutostartCachePath = "/config/.config/sealskin/autostart_cache"

	// KeysBasePath holds user and admin public key files.
	KeysBasePath = "/config/.config/sealskin/keys"

	// GroupsBasePath holds group definition files.
	GroupsBasePath = "/config/.config/sealskin/groups"

	// StoragePath is the root of all user home directories.
	StoragePath = "/storage"

	// ContainerConfigPath is the configuration root as seen from inside
	// the broker's own container.
	ContainerConfigPath = "/config"

	// ServerPrivateKeyPath is the RSA key that signs handshake nonces and
	// unwraps client session keys.
	ServerPrivateKeyPath = "/config/ssl/server_key.pem"

	// ProxyKeyPath and ProxyCertPath are the TLS materials for the
	// session listener.
	ProxyKeyPath  = "/config/ssl/proxy_key.pem"
	ProxyCertPath = "/config/ssl/proxy_cert.pem"

	// PublicStoragePath holds the content of public file shares.
	PublicStoragePath = "/storage/sealskin_public"

	// PublicSharesMetadataPath is where share metadata persists.
	PublicSharesMetadataPath = "/config/.config/sealskin/public_shares.yml"
)

// Well-known directory and file names.
const (
	// EphemeralDirName is the directory under the storage root that holds
	// per-session throwaway mounts.
	EphemeralDirName = "sealskin_ephemeral"

	// SharedFilesDirName is the sidecar directory mounted into sessions
	// that run without a persistent home.
	SharedFilesDirName = "_sealskin_shared_files"

	// SessionCookieName carries the session access token back to the
	// proxy after the redirect handoff.
	SessionCookieName = "sealskin_session_token"

	// CollabCookiePrefix scopes a room member's token cookie to one
	// session subfolder.
	CollabCookiePrefix = "collab_token_"

	// AdminBootstrapKeyFile is where the generated default admin private
	// key is written on first boot.
	AdminBootstrapKeyFile = "admin_private_key.pem"

	// CleanroomHome is the sentinel home name that launches a session
	// without any persistent mount.
	CleanroomHome = "cleanroom"

	// DefaultLanguage is the locale hosted containers ship with. A launch
	// only exports LC_ALL when it asks for something else.
	DefaultLanguage = "en_US.UTF-8"
)

// Launch and proxy tunables.
const (
	// ReadinessPollInterval bounds a single readiness probe of a freshly
	// launched container.
	ReadinessPollInterval = 2 * time.Second

	// ReadinessDeadline caps the total time waited for a container to
	// answer on its session URL before the launch is abandoned.
	ReadinessDeadline = 60 * time.Second

	// ContainerStopTimeout is how long the runtime waits for a container
	// to exit before killing it.
	ContainerStopTimeout = 5 * time.Second

	// DefaultProvider is the container runtime driver used when the
	// configuration names none.
	DefaultProvider = "docker"

	// AutoUpdateInterval is the period of the image auto-update loop.
	AutoUpdateInterval = time.Hour

	// ShareCleanupInterval is the period of the expired share sweep.
	ShareCleanupInterval = 10 * time.Minute

	// PullSpacing staggers sequential image pulls in the auto-update loop
	// so the registry is not hit with a burst.
	PullSpacing = 2 * time.Second

	// DownloadTokenTTL is the lifetime of a one-shot public share
	// download token.
	DownloadTokenTTL = time.Minute

	// ControlPlanePushTimeout bounds a collaboration token push to a
	// hosted application container.
	ControlPlanePushTimeout = time.Second

	// TransportCacheSize is the number of per-session upstream HTTP
	// transports the proxy keeps alive.
	TransportCacheSize = 256

	// DownloadChunkSize is the size of one base64 file download chunk
	// served by the file browser API.
	DownloadChunkSize = 2 * 1024 * 1024

	// MaxBinaryFrame is the largest collaboration binary frame relayed to
	// room members.
	MaxBinaryFrame = 1024 * 1024
)

// Collaboration room tunables.
const (
	// UsernameRateInterval is the minimum spacing between username
	// changes on one room connection.
	UsernameRateInterval = 2 * time.Second

	// MaxUsernameLength and MaxChatMessageLength bound client-supplied
	// room strings.
	MaxUsernameLength    = 25
	MaxChatMessageLength = 500
)

// Identity defaults.
const (
	// DefaultUsersPUID and DefaultUsersPGID are the uid/gid hosted
	// application containers run as.
	DefaultUsersPUID = 1000
	DefaultUsersPGID = 1000

	// DefaultGroup is the group name of users that belong to no group.
	DefaultGroup = "none"

	// ServerKeyBits is the size of the generated handshake signing key.
	ServerKeyBits = 4096

	// UserKeyBits is the size of generated user authentication keys.
	UserKeyBits = 2048
)

// Naming rules shared between the API layer and the storage layer.
const (
	// NamePattern constrains usernames, group names and home directory
	// names.
	NamePattern = `^[A-Za-z0-9_-]+$`

	// TemplatePattern constrains launch template names.
	TemplatePattern = `^[A-Za-z0-9_ -]+$`

	// FolderPattern constrains a single created folder component.
	FolderPattern = `^[^/\\]+$`
)

// File modes used when materialising runtime state on disk.
const (
	// PrivateDirMode protects directories that hold secrets or staged
	// uploads.
	PrivateDirMode = 0o700

	// SharedDirMode is used for directories hosted containers reach
	// through bind mounts.
	SharedDirMode = 0o755

	// PrivateFileMode protects key material.
	PrivateFileMode = 0o600

	// SharedFileMode is used for files handed to hosted containers.
	SharedFileMode = 0o644

	// ExecutableFileMode is used for injected autostart scripts.
	ExecutableFileMode = 0o755
)
