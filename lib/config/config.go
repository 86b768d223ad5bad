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

// Package config loads broker settings from SEALSKIN_* environment
// variables. Every setting has a default; values that fail to parse are
// logged and fall back to the default rather than aborting startup.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/linuxserver/sealskin/lib/defaults"
)

// EnvPrefix is prepended to the upper-cased setting name to form the
// environment variable that overrides it.
const EnvPrefix = "SEALSKIN_"

// Config holds every runtime setting of the broker.
type Config struct {
	// LogLevel is one of DEBUG, INFO, WARNING, ERROR.
	LogLevel string

	// APIPort is the management API listener port.
	APIPort int
	// SessionPort is the reverse proxy listener port.
	SessionPort int

	// DefaultProvider names the container runtime driver.
	DefaultProvider string

	// AppResourcePath is the URL of the default application store index.
	AppResourcePath string
	// InstalledAppsPath persists the installed application list.
	InstalledAppsPath string
	// AppStoresPath persists the configured store list.
	AppStoresPath string
	// AppTemplatesPath holds user-defined launch templates.
	AppTemplatesPath string
	// DefaultAppTemplatesPath holds templates shipped with the image.
	DefaultAppTemplatesPath string

	// UploadDir is the chunked upload staging area.
	UploadDir string

	// SessionCookieName is the cookie the proxy sets after the
	// access token redirect handoff.
	SessionCookieName string

	// SessionsDBPath persists the session store.
	SessionsDBPath string

	// AutostartCachePath is the root of the autostart artifact cache.
	AutostartCachePath string

	// AutoUpdateApps enables the background image update loop.
	AutoUpdateApps bool
	// AutoUpdateInterval is the period of that loop.
	AutoUpdateInterval time.Duration

	// PUID and PGID are the uid/gid hosted containers run as.
	PUID int
	PGID int

	// KeysBasePath holds user/admin public key files.
	KeysBasePath string
	// GroupsBasePath holds group definition files.
	GroupsBasePath string

	// StoragePath is the root of user home directories.
	StoragePath string
	// ContainerConfigPath is the config root as mounted inside the
	// broker's own container.
	ContainerConfigPath string

	// ServerPrivateKeyPath is the handshake signing key.
	ServerPrivateKeyPath string
	// ProxyKeyPath and ProxyCertPath are the session listener TLS
	// materials; when absent the proxy serves cleartext.
	ProxyKeyPath  string
	ProxyCertPath string

	// PublicStoragePath holds public share content.
	PublicStoragePath string
	// PublicSharesMetadataPath persists share metadata.
	PublicSharesMetadataPath string

	// ShareCleanupInterval is the period of the expired share sweep.
	ShareCleanupInterval time.Duration
}

// FromEnv builds a Config from the process environment. Unset variables take
// defaults; malformed values are logged against the variable name and take
// defaults too.
func FromEnv() *Config {
	cfg := &Config{
		LogLevel:                 envString("log_level", "INFO"),
		APIPort:                  envInt("api_port", defaults.APIPort),
		SessionPort:              envInt("session_port", defaults.SessionPort),
		DefaultProvider:          envString("default_provider", defaults.DefaultProvider),
		AppResourcePath:          envString("app_resource_path", defaults.AppResourcePath),
		InstalledAppsPath:        envString("installed_apps_path", defaults.InstalledAppsPath),
		AppStoresPath:            envString("app_stores_path", defaults.AppStoresPath),
		AppTemplatesPath:         envString("app_templates_path", defaults.AppTemplatesPath),
		DefaultAppTemplatesPath:  envString("default_app_templates_path", defaults.DefaultAppTemplatesPath),
		UploadDir:                envString("upload_dir", defaults.UploadDir),
		SessionCookieName:        envString("session_cookie_name", defaults.SessionCookieName),
		SessionsDBPath:           envString("sessions_db_path", defaults.SessionsDBPath),
		AutostartCachePath:       envString("autostart_cache_path", defaults.AutostartCachePath),
		AutoUpdateApps:           envBool("auto_update_apps", true),
		AutoUpdateInterval:       envSeconds("auto_update_interval_seconds", defaults.AutoUpdateInterval),
		PUID:                     envInt("puid", defaults.DefaultUsersPUID),
		PGID:                     envInt("pgid", defaults.DefaultUsersPGID),
		KeysBasePath:             envString("keys_base_path", defaults.KeysBasePath),
		GroupsBasePath:           envString("groups_base_path", defaults.GroupsBasePath),
		StoragePath:              envString("storage_path", defaults.StoragePath),
		ContainerConfigPath:      envString("container_config_path", defaults.ContainerConfigPath),
		ServerPrivateKeyPath:     envString("server_private_key_path", defaults.ServerPrivateKeyPath),
		ProxyKeyPath:             envString("proxy_key_path", defaults.ProxyKeyPath),
		ProxyCertPath:            envString("proxy_cert_path", defaults.ProxyCertPath),
		PublicStoragePath:        envString("public_storage_path", defaults.PublicStoragePath),
		PublicSharesMetadataPath: envString("public_shares_metadata_path", defaults.PublicSharesMetadataPath),
		ShareCleanupInterval:     envSeconds("share_cleanup_interval_seconds", defaults.ShareCleanupInterval),
	}
	return cfg
}

// CheckAndSetDefaults fills unset fields and validates the rest.
func (c *Config) CheckAndSetDefaults() error {
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return trace.Wrap(err)
	}
	if c.APIPort == 0 {
		c.APIPort = defaults.APIPort
	}
	if c.SessionPort == 0 {
		c.SessionPort = defaults.SessionPort
	}
	for _, port := range []int{c.APIPort, c.SessionPort} {
		if port < 1 || port > 65535 {
			return trace.BadParameter("port %v is out of range", port)
		}
	}
	if c.APIPort == c.SessionPort {
		return trace.BadParameter("api_port and session_port must differ, both are %v", c.APIPort)
	}
	if c.DefaultProvider == "" {
		c.DefaultProvider = defaults.DefaultProvider
	}
	if c.AppResourcePath == "" {
		c.AppResourcePath = defaults.AppResourcePath
	}
	if c.InstalledAppsPath == "" {
		c.InstalledAppsPath = defaults.InstalledAppsPath
	}
	if c.AppStoresPath == "" {
		c.AppStoresPath = defaults.AppStoresPath
	}
	if c.AppTemplatesPath == "" {
		c.AppTemplatesPath = defaults.AppTemplatesPath
	}
	if c.DefaultAppTemplatesPath == "" {
		c.DefaultAppTemplatesPath = defaults.DefaultAppTemplatesPath
	}
	if c.UploadDir == "" {
		c.UploadDir = defaults.UploadDir
	}
	if c.SessionCookieName == "" {
		c.SessionCookieName = defaults.SessionCookieName
	}
	if c.SessionsDBPath == "" {
		c.SessionsDBPath = defaults.SessionsDBPath
	}
	if c.AutostartCachePath == "" {
		c.AutostartCachePath = defaults.AutostartCachePath
	}
	if c.AutoUpdateInterval <= 0 {
		c.AutoUpdateInterval = defaults.AutoUpdateInterval
	}
	if c.PUID == 0 {
		c.PUID = defaults.DefaultUsersPUID
	}
	if c.PGID == 0 {
		c.PGID = defaults.DefaultUsersPGID
	}
	if c.KeysBasePath == "" {
		c.KeysBasePath = defaults.KeysBasePath
	}
	if c.GroupsBasePath == "" {
		c.GroupsBasePath = defaults.GroupsBasePath
	}
	if c.StoragePath == "" {
		c.StoragePath = defaults.StoragePath
	}
	if c.ContainerConfigPath == "" {
		c.ContainerConfigPath = defaults.ContainerConfigPath
	}
	if c.ServerPrivateKeyPath == "" {
		c.ServerPrivateKeyPath = defaults.ServerPrivateKeyPath
	}
	if c.ProxyKeyPath == "" {
		c.ProxyKeyPath = defaults.ProxyKeyPath
	}
	if c.ProxyCertPath == "" {
		c.ProxyCertPath = defaults.ProxyCertPath
	}
	if c.PublicStoragePath == "" {
		c.PublicStoragePath = defaults.PublicStoragePath
	}
	if c.PublicSharesMetadataPath == "" {
		c.PublicSharesMetadataPath = defaults.PublicSharesMetadataPath
	}
	if c.ShareCleanupInterval <= 0 {
		c.ShareCleanupInterval = defaults.ShareCleanupInterval
	}
	return nil
}

// EphemeralRoot is the directory that holds per-session throwaway mounts.
func (c *Config) EphemeralRoot() string {
	return filepath.Join(c.StoragePath, defaults.EphemeralDirName)
}

// ParseLogLevel maps a configured level name onto a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, trace.BadParameter("unknown log level %q", level)
}

func envName(setting string) string {
	return EnvPrefix + strings.ToUpper(setting)
}

func envString(setting, fallback string) string {
	if v, ok := os.LookupEnv(envName(setting)); ok && v != "" {
		return v
	}
	return fallback
}

func envInt(setting string, fallback int) int {
	v, ok := os.LookupEnv(envName(setting))
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("Invalid integer setting, using default.",
			"variable", envName(setting), "value", v, "default", fallback)
		return fallback
	}
	return n
}

func envBool(setting string, fallback bool) bool {
	v, ok := os.LookupEnv(envName(setting))
	if !ok || v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	slog.Warn("Invalid boolean setting, using default.",
		"variable", envName(setting), "value", v, "default", fallback)
	return fallback
}

func envSeconds(setting string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(envName(setting))
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		slog.Warn("Invalid interval setting, using default.",
			"variable", envName(setting), "value", v, "default", fallback)
		return fallback
	}
	return time.Duration(n) * time.Second
}
