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

// Package storage manages the broker's storage tree: per-user
// persistent home directories, the shared-files sidecar bind-mounted
// into sessions, ephemeral session mounts, chunked uploads, and the
// validated file-browser operations on top of them.
package storage

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/defaults"
)

// Config configures the storage manager.
type Config struct {
	// StorageRoot holds per-user home directories and the ephemeral
	// session area.
	StorageRoot string
	// UploadDir is the chunked upload staging area.
	UploadDir string
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.StorageRoot == "" {
		return trace.BadParameter("missing parameter StorageRoot")
	}
	if c.UploadDir == "" {
		return trace.BadParameter("missing parameter UploadDir")
	}
	if c.Logger == nil {
		c.Logger = slog.With(sealskin.ComponentKey, sealskin.ComponentStorage)
	}
	return nil
}

// Manager owns the storage tree.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	name   *regexp.Regexp

	tasks *deletionTasks
}

// NewManager creates the storage root, the ephemeral area and the
// upload staging directory, then returns a manager over them.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.StorageRoot, defaults.SharedDirMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.StorageRoot, defaults.EphemeralDirName), defaults.PrivateDirMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := os.MkdirAll(cfg.UploadDir, defaults.PrivateDirMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger,
		name:   regexp.MustCompile(defaults.NamePattern),
		tasks:  newDeletionTasks(),
	}, nil
}

// HomePath returns the path of a user's named home directory.
func (m *Manager) HomePath(username, home string) string {
	return filepath.Join(m.cfg.StorageRoot, username, home)
}

// HomeDirs lists a user's home directories sorted by name. A user
// without a storage subtree simply has none yet. The result is never
// nil so it marshals as an empty list.
func (m *Manager) HomeDirs(username string) []string {
	homes := []string{}
	entries, err := os.ReadDir(filepath.Join(m.cfg.StorageRoot, username))
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Error("Error listing home directories", "user", username, "error", err)
		}
		return homes
	}
	for _, entry := range entries {
		if entry.IsDir() {
			homes = append(homes, entry.Name())
		}
	}
	sort.Strings(homes)
	return homes
}

// CreateHome creates a named home directory with its Desktop/files
// subtree pre-made, so sessions always find a desktop drop target.
func (m *Manager) CreateHome(username, home string) error {
	if !m.name.MatchString(home) {
		return trace.BadParameter("invalid home directory name, use only letters, numbers, underscore, or hyphen")
	}
	path := m.HomePath(username, home)
	if _, err := os.Stat(path); err == nil {
		return trace.AlreadyExists("home directory %q already exists for user %q", home, username)
	}
	if err := os.MkdirAll(filepath.Join(path, "Desktop", "files"), defaults.SharedDirMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	m.logger.Info("Created home directory", "user", username, "home", home)
	return nil
}

// DeleteHome removes a home directory and everything in it.
func (m *Manager) DeleteHome(username, home string) error {
	if !m.name.MatchString(home) {
		return trace.BadParameter("invalid home directory name")
	}
	path := m.HomePath(username, home)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return trace.NotFound("home directory %q not found for user %q", home, username)
	}
	if err := os.RemoveAll(path); err != nil {
		return trace.ConvertSystemError(err)
	}
	m.logger.Info("Deleted home directory", "user", username, "home", home)
	return nil
}

// SharedFilesDir returns a user's shared-files sidecar, creating it
// on first use.
func (m *Manager) SharedFilesDir(username string) (string, error) {
	path := filepath.Join(m.cfg.StorageRoot, username, defaults.SharedFilesDirName)
	if err := os.MkdirAll(path, defaults.SharedDirMode); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return path, nil
}

// NewEphemeralDir allocates a fresh ephemeral session mount path. The
// directory itself is created lazily by whatever first writes into it.
func (m *Manager) NewEphemeralDir() string {
	return filepath.Join(m.cfg.StorageRoot, defaults.EphemeralDirName, uuid.NewString())
}

// IsEphemeral reports whether path lies inside the ephemeral session
// area.
func (m *Manager) IsEphemeral(path string) bool {
	root := filepath.Join(m.cfg.StorageRoot, defaults.EphemeralDirName)
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// RemoveEphemeralDir deletes an ephemeral mount. Paths outside the
// ephemeral area are refused: this is called during launch failure
// cleanup and must never be able to eat a persistent home.
func (m *Manager) RemoveEphemeralDir(path string) error {
	if !m.IsEphemeral(path) {
		return trace.BadParameter("path %q is not an ephemeral session mount", path)
	}
	if err := os.RemoveAll(path); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// UniqueFilename returns the first of name, name-1, name-2, ... that
// does not exist in dir.
func UniqueFilename(dir, name string) string {
	if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, counter, ext)
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
	}
}

// PlaceFile moves a staged file into dir under a deduplicated name and
// makes it world-readable for the container user. The source is
// removed even when the move fails. Returns the final file name.
func (m *Manager) PlaceFile(src, dir, filename string) (string, error) {
	safe := filepath.Base(filename)
	if err := os.MkdirAll(dir, defaults.SharedDirMode); err != nil {
		os.Remove(src)
		return "", trace.ConvertSystemError(err)
	}
	name := UniqueFilename(dir, safe)
	dest := filepath.Join(dir, name)
	if err := moveFile(src, dest); err != nil {
		os.Remove(src)
		return "", trace.Wrap(err)
	}
	if err := os.Chmod(dest, defaults.SharedFileMode); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return name, nil
}

// ValidatedPath resolves a file-browser path inside a user's home
// directory, enforcing that the request cannot escape it. The checks
// run in a fixed order so callers get stable error codes: malformed
// home name, home not owned, home missing, traversal, existence.
func (m *Manager) ValidatedPath(username, home, subPath string, checkExistence bool) (string, error) {
	if !m.name.MatchString(home) {
		return "", trace.BadParameter("invalid home directory name")
	}
	if !slices.Contains(m.HomeDirs(username), home) {
		return "", trace.AccessDenied("access to home directory %q denied", home)
	}

	baseDir, err := filepath.EvalSymlinks(m.HomePath(username, home))
	if err != nil {
		return "", trace.NotFound("home directory not found")
	}
	if info, err := os.Stat(baseDir); err != nil || !info.IsDir() {
		return "", trace.NotFound("home directory not found")
	}

	normalized := strings.TrimLeft(filepath.Clean("/"+subPath), "/")
	if slices.Contains(strings.Split(normalized, "/"), "..") {
		return "", trace.AccessDenied("directory traversal attempt detected")
	}

	full := filepath.Join(baseDir, normalized)
	resolved, err := resolvePath(full)
	if err != nil {
		if checkExistence {
			return "", trace.NotFound("path not found")
		}
		resolved = full
	}
	if resolved != baseDir && !strings.HasPrefix(resolved, baseDir+string(filepath.Separator)) {
		return "", trace.AccessDenied("directory traversal attempt detected")
	}
	if checkExistence {
		if _, err := os.Stat(resolved); err != nil {
			return "", trace.NotFound("path not found")
		}
	}
	return resolved, nil
}

// resolvePath resolves symlinks in a path. For a path whose final
// component does not exist yet, the parent is resolved and the base
// re-attached, so traversal checks still see through symlinked
// parents.
func resolvePath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", trace.ConvertSystemError(err)
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return filepath.Join(parent, filepath.Base(path)), nil
}

// moveFile renames src to dest, falling back to copy-and-remove when
// they live on different filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaults.SharedFileMode)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return trace.ConvertSystemError(err)
	}
	if err := out.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(os.Remove(src))
}
