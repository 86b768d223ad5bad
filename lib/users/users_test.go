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
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/linuxserver/sealskin/lib/defaults"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	root := t.TempDir()
	d, err := NewDirectory(Config{
		KeysPath:    filepath.Join(root, "keys"),
		GroupsPath:  filepath.Join(root, "groups"),
		StoragePath: filepath.Join(root, "storage"),
	})
	require.NoError(t, err)
	return d
}

func TestBootstrapDefaultAdmin(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(t)

	admin, ok := d.GetUser("admin")
	require.True(t, ok)
	require.True(t, admin.IsAdmin)
	require.Contains(t, admin.PublicKeyPEM, "BEGIN PUBLIC KEY")
	require.Nil(t, admin.Settings)

	// The generated private key lands on disk, never in a log line.
	keyPath := filepath.Join(d.cfg.KeysPath, defaults.AdminBootstrapKeyFile)
	raw, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	require.Contains(t, string(raw), "BEGIN PRIVATE KEY")
	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(defaults.PrivateFileMode), info.Mode().Perm())

	// A second directory over the same files does not mint another admin.
	d2, err := NewDirectory(d.cfg)
	require.NoError(t, err)
	again, ok := d2.GetUser("admin")
	require.True(t, ok)
	require.Equal(t, admin.PublicKeyPEM, again.PublicKeyPEM)
}

func TestCreateUserRoundTrip(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(t)

	settings := DefaultSettings()
	settings.PersistentStorage = false
	user, privateKey, err := d.CreateUser("alice", "", settings)
	require.NoError(t, err)
	require.Equal(t, "alice", user.Username)
	require.False(t, user.IsAdmin)
	require.NotEmpty(t, privateKey)
	require.NotNil(t, user.Settings)
	require.False(t, user.Settings.PersistentStorage)

	// The key file carries both marker blocks.
	raw, err := os.ReadFile(filepath.Join(d.usersDir(), "alice"))
	require.NoError(t, err)
	require.Contains(t, string(raw), settingsMarker)
	require.Contains(t, string(raw), publicKeyMarker)

	// Duplicates and bad names are rejected.
	_, _, err = d.CreateUser("alice", "", DefaultSettings())
	require.True(t, trace.IsAlreadyExists(err))
	_, _, err = d.CreateUser("../evil", "", DefaultSettings())
	require.True(t, trace.IsBadParameter(err))
	_, _, err = d.CreateUser("admin", "", DefaultSettings())
	require.True(t, trace.IsAlreadyExists(err))
}

func TestPartialKeyFileMergesDefaults(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(t)

	_, pubPEM, err := GenerateKeypair(1024)
	require.NoError(t, err)
	content := settingsMarker + "\nactive: false\n" + publicKeyMarker + "\n" + string(pubPEM)
	require.NoError(t, os.WriteFile(filepath.Join(d.usersDir(), "bob"), []byte(content), 0o600))
	require.NoError(t, d.Reload())

	settings := d.EffectiveSettings("bob")
	require.False(t, settings.Active)
	// Everything the file left out keeps its default.
	require.True(t, settings.PersistentStorage)
	require.True(t, settings.GPU)
	require.Equal(t, -1, settings.StorageLimit)
}

func TestGroupOverrides(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(t)

	settings := DefaultSettings()
	settings.Group = "dev"
	_, _, err := d.CreateUser("carol", "", settings)
	require.NoError(t, err)

	// A hand-written partial group file only overrides what it names.
	require.NoError(t, os.WriteFile(filepath.Join(d.cfg.GroupsPath, "dev"), []byte("gpu: false\n"), 0o600))
	require.NoError(t, d.Reload())

	effective := d.EffectiveSettings("carol")
	require.False(t, effective.GPU)
	require.True(t, effective.Active)
	require.Equal(t, "dev", effective.Group)

	// Admins always answer with the defaults, groups or not.
	require.Equal(t, DefaultSettings(), d.EffectiveSettings("admin"))
	// So do unknown principals.
	require.Equal(t, DefaultSettings(), d.EffectiveSettings("nobody"))
}

func TestGroupCRUD(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(t)

	settings := DefaultSettings()
	settings.SessionLimit = 3
	group, err := d.UpsertGroup("qa", settings)
	require.NoError(t, err)
	require.Equal(t, 3, group.Settings.SessionLimit)
	require.True(t, d.HasGroup("qa"))

	groups := d.Groups()
	require.Len(t, groups, 1)
	require.Equal(t, "qa", groups[0].Name)

	require.NoError(t, d.DeleteGroup("qa"))
	require.False(t, d.HasGroup("qa"))
	err = d.DeleteGroup("qa")
	require.True(t, trace.IsNotFound(err))
}

func TestDeleteAccounts(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(t)

	_, _, err := d.CreateUser("dave", "", DefaultSettings())
	require.NoError(t, err)

	// Give dave some storage and watch it go away with the account.
	daveStorage := filepath.Join(d.cfg.StoragePath, "dave", "work")
	require.NoError(t, os.MkdirAll(daveStorage, 0o755))
	require.NoError(t, d.DeleteUser("dave"))
	_, ok := d.GetUser("dave")
	require.False(t, ok)
	_, err = os.Stat(filepath.Join(d.cfg.StoragePath, "dave"))
	require.True(t, os.IsNotExist(err))

	// The root admin is permanent.
	err = d.DeleteAdmin("admin")
	require.True(t, trace.IsAccessDenied(err))

	// Deleting an admin through the user path and vice versa fails.
	_, _, err = d.CreateAdmin("op", "")
	require.NoError(t, err)
	err = d.DeleteUser("op")
	require.True(t, trace.IsNotFound(err))
	require.NoError(t, d.DeleteAdmin("op"))
}

func TestUpdateUserSettings(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(t)

	_, _, err := d.CreateUser("erin", "", DefaultSettings())
	require.NoError(t, err)

	updated := DefaultSettings()
	updated.Active = false
	user, err := d.UpdateUserSettings("erin", updated)
	require.NoError(t, err)
	require.False(t, user.Settings.Active)

	_, err = d.UpdateUserSettings("ghost", updated)
	require.True(t, trace.IsNotFound(err))
	_, err = d.UpdateUserSettings("admin", updated)
	require.True(t, trace.IsNotFound(err))
}

func TestListsAreSorted(t *testing.T) {
	t.Parallel()
	d := newTestDirectory(t)

	for _, name := range []string{"zoe", "anna", "mike"} {
		_, _, err := d.CreateUser(name, "", DefaultSettings())
		require.NoError(t, err)
	}
	users := d.Users()
	require.Len(t, users, 3)
	require.Equal(t, "anna", users[0].Username)
	require.Equal(t, "mike", users[1].Username)
	require.Equal(t, "zoe", users[2].Username)

	admins := d.Admins()
	require.Len(t, admins, 1)
	require.Equal(t, "admin", admins[0].Username)
}
