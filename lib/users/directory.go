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

package users

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/defaults"
)

// Markers that separate the settings block from the public key block
// inside a user key file.
const (
	settingsMarker  = "--- Settings ---"
	publicKeyMarker = "--- Public Key ---"
)

// rootAdmin is the bootstrap account that can never be deleted.
const rootAdmin = "admin"

// Config describes where the directory keeps its files.
type Config struct {
	// KeysPath is the base directory holding the users/ and admins/
	// key file subdirectories.
	KeysPath string
	// GroupsPath holds one YAML settings file per group.
	GroupsPath string
	// StoragePath is the root of user home directories; deleting an
	// account removes its subtree.
	StoragePath string
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.KeysPath == "" {
		return trace.BadParameter("missing parameter KeysPath")
	}
	if c.GroupsPath == "" {
		return trace.BadParameter("missing parameter GroupsPath")
	}
	if c.StoragePath == "" {
		return trace.BadParameter("missing parameter StoragePath")
	}
	if c.Logger == nil {
		c.Logger = slog.With(sealskin.ComponentKey, sealskin.ComponentUsers)
	}
	return nil
}

// Directory is the in-memory view of the account files, reloaded
// wholesale whenever anything on disk changes.
type Directory struct {
	cfg    Config
	logger *slog.Logger
	name   *regexp.Regexp

	mu     sync.RWMutex
	users  map[string]User
	groups map[string]SettingsOverride
}

// NewDirectory creates the key and group directories, provisions the
// default admin on an empty install and loads everything into memory.
func NewDirectory(cfg Config) (*Directory, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	d := &Directory{
		cfg:    cfg,
		logger: cfg.Logger,
		name:   regexp.MustCompile(defaults.NamePattern),
		users:  make(map[string]User),
		groups: make(map[string]SettingsOverride),
	}
	for _, dir := range []string{d.adminsDir(), d.usersDir(), cfg.GroupsPath} {
		if err := os.MkdirAll(dir, defaults.SharedDirMode); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
	}
	if err := d.bootstrapDefaultAdmin(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := d.Reload(); err != nil {
		return nil, trace.Wrap(err)
	}
	return d, nil
}

func (d *Directory) usersDir() string  { return filepath.Join(d.cfg.KeysPath, "users") }
func (d *Directory) adminsDir() string { return filepath.Join(d.cfg.KeysPath, "admins") }

// bootstrapDefaultAdmin mints the first admin account when the admins
// directory is empty, so a fresh install is reachable. The private key
// is written next to the key directories rather than logged.
func (d *Directory) bootstrapDefaultAdmin() error {
	entries, err := os.ReadDir(d.adminsDir())
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if len(entries) > 0 {
		return nil
	}
	d.logger.Warn("No admin users found, creating a default 'admin' user")
	privPEM, pubPEM, err := GenerateKeypair(defaults.UserKeyBits)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := renameio.WriteFile(filepath.Join(d.adminsDir(), rootAdmin), pubPEM, defaults.PrivateFileMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	keyPath := filepath.Join(d.cfg.KeysPath, defaults.AdminBootstrapKeyFile)
	if err := renameio.WriteFile(keyPath, privPEM, defaults.PrivateFileMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	d.logger.Warn("Default admin credentials generated, store the private key somewhere safe and delete it from disk",
		"username", rootAdmin, "private_key_path", keyPath)
	return nil
}

// Reload rescans all account and group files.
func (d *Directory) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reloadLocked()
}

func (d *Directory) reloadLocked() error {
	users := make(map[string]User)
	groups := make(map[string]SettingsOverride)

	adminEntries, err := os.ReadDir(d.adminsDir())
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	for _, entry := range adminEntries {
		if entry.IsDir() {
			continue
		}
		username := entry.Name()
		raw, err := os.ReadFile(filepath.Join(d.adminsDir(), username))
		if err != nil {
			d.logger.Error("Failed to load admin", "username", username, "error", err)
			continue
		}
		pubKey := strings.TrimSpace(string(raw))
		if pubKey == "" {
			continue
		}
		users[username] = User{Username: username, PublicKeyPEM: pubKey, IsAdmin: true}
	}

	userEntries, err := os.ReadDir(d.usersDir())
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	for _, entry := range userEntries {
		if entry.IsDir() {
			continue
		}
		username := entry.Name()
		// Admin key files shadow user key files of the same name.
		if _, ok := users[username]; ok {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d.usersDir(), username))
		if err != nil {
			d.logger.Error("Failed to load user", "username", username, "error", err)
			continue
		}
		override, pubKey, err := parseKeyFile(raw)
		if err != nil || pubKey == "" {
			d.logger.Error("Failed to parse user file", "username", username, "error", err)
			continue
		}
		settings := DefaultSettings().Merge(override)
		users[username] = User{
			Username:     username,
			PublicKeyPEM: pubKey,
			IsAdmin:      false,
			Settings:     &settings,
		}
	}

	groupEntries, err := os.ReadDir(d.cfg.GroupsPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	for _, entry := range groupEntries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(d.cfg.GroupsPath, entry.Name()))
		if err != nil {
			d.logger.Error("Failed to load group", "group", entry.Name(), "error", err)
			continue
		}
		var override SettingsOverride
		if err := yaml.Unmarshal(raw, &override); err != nil {
			d.logger.Error("Failed to parse group file", "group", entry.Name(), "error", err)
			continue
		}
		groups[entry.Name()] = override
	}

	d.users = users
	d.groups = groups
	d.logger.Info("Reloaded users, admins and groups from filesystem",
		"users", len(users), "groups", len(groups))
	return nil
}

// parseKeyFile splits a user key file into its settings override and
// public key PEM.
func parseKeyFile(raw []byte) (SettingsOverride, string, error) {
	var override SettingsOverride
	parts := strings.SplitN(string(raw), publicKeyMarker, 2)
	settingsYAML := strings.TrimSpace(strings.Replace(parts[0], settingsMarker, "", 1))
	pubKey := ""
	if len(parts) > 1 {
		pubKey = strings.TrimSpace(parts[1])
	}
	if settingsYAML != "" {
		if err := yaml.Unmarshal([]byte(settingsYAML), &override); err != nil {
			return SettingsOverride{}, "", trace.Wrap(err)
		}
	}
	return override, pubKey, nil
}

// formatKeyFile renders the canonical user key file layout.
func formatKeyFile(settings Settings, pubKeyPEM string) ([]byte, error) {
	settingsYAML, err := yaml.Marshal(settings.Override())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	content := fmt.Sprintf("%s\n%s\n%s\n%s\n",
		settingsMarker,
		strings.TrimSpace(string(settingsYAML)),
		publicKeyMarker,
		strings.TrimSpace(pubKeyPEM))
	return []byte(content), nil
}

// GetUser returns a principal by name.
func (d *Directory) GetUser(username string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[username]
	return u, ok
}

// EffectiveSettings resolves the policy for a user: admins and unknown
// principals get the defaults, everyone else gets their own settings
// with their group's overrides applied on top.
func (d *Directory) EffectiveSettings(username string) Settings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[username]
	if !ok || u.IsAdmin || u.Settings == nil {
		return DefaultSettings()
	}
	settings := *u.Settings
	if settings.Group != "" && settings.Group != defaults.DefaultGroup {
		if override, ok := d.groups[settings.Group]; ok {
			settings = settings.Merge(override)
		}
	}
	return settings
}

// Users lists non-admin accounts sorted by name.
func (d *Directory) Users() []User {
	return d.list(func(u User) bool { return !u.IsAdmin })
}

// Admins lists admin accounts sorted by name.
func (d *Directory) Admins() []User {
	return d.list(func(u User) bool { return u.IsAdmin })
}

func (d *Directory) list(keep func(User) bool) []User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []User
	for _, u := range d.users {
		if keep(u) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Groups lists groups with their settings merged over the defaults,
// sorted by name.
func (d *Directory) Groups() []Group {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Group, 0, len(d.groups))
	for name, override := range d.groups {
		out = append(out, Group{Name: name, Settings: DefaultSettings().Merge(override)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HasGroup reports whether the named group exists.
func (d *Directory) HasGroup(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.groups[name]
	return ok
}

func (d *Directory) validName(name string) error {
	if !d.name.MatchString(name) {
		return trace.BadParameter("invalid name %q, use only letters, numbers, underscore or hyphen", name)
	}
	return nil
}

// CreateUser provisions a regular user. When publicKey is empty a
// fresh keypair is generated and the private half returned exactly
// once.
func (d *Directory) CreateUser(username, publicKey string, settings Settings) (User, string, error) {
	return d.create(username, publicKey, &settings)
}

// CreateAdmin provisions an admin account.
func (d *Directory) CreateAdmin(username, publicKey string) (User, string, error) {
	return d.create(username, publicKey, nil)
}

func (d *Directory) create(username, publicKey string, settings *Settings) (User, string, error) {
	if err := d.validName(username); err != nil {
		return User{}, "", trace.Wrap(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[username]; ok {
		return User{}, "", trace.AlreadyExists("user or admin %q already exists", username)
	}
	privateKey := ""
	if publicKey == "" {
		privPEM, pubPEM, err := GenerateKeypair(defaults.UserKeyBits)
		if err != nil {
			return User{}, "", trace.Wrap(err)
		}
		privateKey, publicKey = string(privPEM), string(pubPEM)
	} else if _, err := ParsePublicKeyPEM([]byte(publicKey)); err != nil {
		return User{}, "", trace.Wrap(err)
	}
	var path string
	var content []byte
	if settings == nil {
		path = filepath.Join(d.adminsDir(), username)
		content = []byte(strings.TrimSpace(publicKey) + "\n")
	} else {
		path = filepath.Join(d.usersDir(), username)
		var err error
		content, err = formatKeyFile(*settings, publicKey)
		if err != nil {
			return User{}, "", trace.Wrap(err)
		}
	}
	if err := renameio.WriteFile(path, content, defaults.PrivateFileMode); err != nil {
		return User{}, "", trace.ConvertSystemError(err)
	}
	if err := d.reloadLocked(); err != nil {
		return User{}, "", trace.Wrap(err)
	}
	u, ok := d.users[username]
	if !ok {
		return User{}, "", trace.NotFound("user %q did not survive a reload", username)
	}
	d.logger.Info("Created account", "username", username, "is_admin", settings == nil)
	return u, privateKey, nil
}

// UpdateUserSettings replaces the settings block of an existing user.
func (d *Directory) UpdateUserSettings(username string, settings Settings) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[username]
	if !ok {
		return User{}, trace.NotFound("user %q not found", username)
	}
	if u.IsAdmin {
		return User{}, trace.NotFound("cannot update settings for an admin user")
	}
	content, err := formatKeyFile(settings, u.PublicKeyPEM)
	if err != nil {
		return User{}, trace.Wrap(err)
	}
	if err := renameio.WriteFile(filepath.Join(d.usersDir(), username), content, defaults.PrivateFileMode); err != nil {
		return User{}, trace.ConvertSystemError(err)
	}
	if err := d.reloadLocked(); err != nil {
		return User{}, trace.Wrap(err)
	}
	return d.users[username], nil
}

// DeleteUser removes a user account together with its storage subtree.
func (d *Directory) DeleteUser(username string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[username]
	if !ok {
		return trace.NotFound("user %q not found", username)
	}
	if u.IsAdmin {
		return trace.NotFound("cannot delete an admin user")
	}
	return d.deleteLocked(username, filepath.Join(d.usersDir(), username))
}

// DeleteAdmin removes an admin account together with its storage
// subtree. The bootstrap admin is permanent.
func (d *Directory) DeleteAdmin(username string) error {
	if username == rootAdmin {
		return trace.AccessDenied("the root %q account cannot be deleted", rootAdmin)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[username]
	if !ok || !u.IsAdmin {
		return trace.NotFound("admin %q not found", username)
	}
	return d.deleteLocked(username, filepath.Join(d.adminsDir(), username))
}

func (d *Directory) deleteLocked(username, keyPath string) error {
	storagePath := filepath.Join(d.cfg.StoragePath, username)
	if info, err := os.Stat(storagePath); err == nil && info.IsDir() {
		if err := os.RemoveAll(storagePath); err != nil {
			return trace.ConvertSystemError(err)
		}
		d.logger.Info("Deleted storage for account", "username", username)
	}
	if err := os.Remove(keyPath); err != nil {
		if os.IsNotExist(err) {
			return trace.NotFound("key file for %q not found", username)
		}
		return trace.ConvertSystemError(err)
	}
	if err := d.reloadLocked(); err != nil {
		return trace.Wrap(err)
	}
	d.logger.Info("Deleted account", "username", username)
	return nil
}

// UpsertGroup writes a group policy file. Create-versus-update
// semantics are enforced by the API layer.
func (d *Directory) UpsertGroup(name string, settings Settings) (Group, error) {
	if err := d.validName(name); err != nil {
		return Group{}, trace.Wrap(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, err := yaml.Marshal(settings.Override())
	if err != nil {
		return Group{}, trace.Wrap(err)
	}
	if err := renameio.WriteFile(filepath.Join(d.cfg.GroupsPath, name), raw, defaults.PrivateFileMode); err != nil {
		return Group{}, trace.ConvertSystemError(err)
	}
	if err := d.reloadLocked(); err != nil {
		return Group{}, trace.Wrap(err)
	}
	d.logger.Info("Wrote group file", "group", name)
	return Group{Name: name, Settings: DefaultSettings().Merge(d.groups[name])}, nil
}

// DeleteGroup removes a group policy file.
func (d *Directory) DeleteGroup(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.groups[name]; !ok {
		return trace.NotFound("group %q not found", name)
	}
	if err := os.Remove(filepath.Join(d.cfg.GroupsPath, name)); err != nil {
		if os.IsNotExist(err) {
			return trace.NotFound("group file for %q not found", name)
		}
		return trace.ConvertSystemError(err)
	}
	if err := d.reloadLocked(); err != nil {
		return trace.Wrap(err)
	}
	d.logger.Info("Deleted group", "group", name)
	return nil
}

// Watch reloads the directory whenever account or group files change
// on disk, so hand-edits take effect without a restart. It blocks
// until the context is cancelled.
func (d *Directory) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return trace.Wrap(err)
	}
	defer watcher.Close()
	for _, dir := range []string{d.adminsDir(), d.usersDir(), d.cfg.GroupsPath} {
		if err := watcher.Add(dir); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	d.logger.Info("Watching account directories for changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := d.Reload(); err != nil {
				d.logger.Error("Failed to reload account files", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Error("Account directory watcher error", "error", err)
		}
	}
}
