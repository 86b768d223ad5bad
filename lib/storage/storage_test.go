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

package storage

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/linuxserver/sealskin/lib/defaults"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(Config{
		StorageRoot: filepath.Join(dir, "storage"),
		UploadDir:   filepath.Join(dir, "uploads"),
	})
	require.NoError(t, err)
	return m
}

func makeHome(t *testing.T, m *Manager, username, home string) string {
	t.Helper()
	require.NoError(t, m.CreateHome(username, home))
	return m.HomePath(username, home)
}

func writeHomeFile(t *testing.T, home, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(home, name), []byte(content), 0o644))
}

func TestHomeLifecycle(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	// A user with no storage subtree has no homes, not a nil list.
	homes := m.HomeDirs("alice")
	require.NotNil(t, homes)
	require.Empty(t, homes)

	require.NoError(t, m.CreateHome("alice", "work"))
	require.NoError(t, m.CreateHome("alice", "games"))

	// The desktop drop target comes pre-made.
	_, err := os.Stat(filepath.Join(m.HomePath("alice", "work"), "Desktop", "files"))
	require.NoError(t, err)

	require.Equal(t, []string{"games", "work"}, m.HomeDirs("alice"))

	err = m.CreateHome("alice", "work")
	require.True(t, trace.IsAlreadyExists(err))
	err = m.CreateHome("alice", "../escape")
	require.True(t, trace.IsBadParameter(err))

	require.NoError(t, m.DeleteHome("alice", "games"))
	require.Equal(t, []string{"work"}, m.HomeDirs("alice"))
	err = m.DeleteHome("alice", "games")
	require.True(t, trace.IsNotFound(err))
	err = m.DeleteHome("alice", "../work")
	require.True(t, trace.IsBadParameter(err))
}

func TestSharedFilesDir(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	path, err := m.SharedFilesDir("alice")
	require.NoError(t, err)
	require.Equal(t, defaults.SharedFilesDirName, filepath.Base(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.True(t, info.IsDir())

	// The sidecar shows up as a regular home, matching how sessions
	// mount it.
	require.Contains(t, m.HomeDirs("alice"), defaults.SharedFilesDirName)
}

func TestValidatedPath(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	home := makeHome(t, m, "alice", "default")
	writeHomeFile(t, home, "notes.txt", "hello")

	t.Run("resolves an owned file", func(t *testing.T) {
		path, err := m.ValidatedPath("alice", "default", "notes.txt", true)
		require.NoError(t, err)
		require.Equal(t, "notes.txt", filepath.Base(path))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, "hello", string(data))
	})

	t.Run("malformed home name", func(t *testing.T) {
		_, err := m.ValidatedPath("alice", "bad name!", "x", true)
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("home not owned", func(t *testing.T) {
		_, err := m.ValidatedPath("alice", "other", "x", true)
		require.True(t, trace.IsAccessDenied(err))
	})

	t.Run("dot-dot normalizes inside the home", func(t *testing.T) {
		// Leading .. segments cannot climb above the home root; the
		// leftover path simply does not exist.
		_, err := m.ValidatedPath("alice", "default", "../../other", true)
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("symlink escape is denied", func(t *testing.T) {
		require.NoError(t, os.Symlink(os.TempDir(), filepath.Join(home, "escape")))
		_, err := m.ValidatedPath("alice", "default", "escape", true)
		require.True(t, trace.IsAccessDenied(err))
		_, err = m.ValidatedPath("alice", "default", "escape/inner.txt", true)
		require.True(t, trace.IsAccessDenied(err))
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := m.ValidatedPath("alice", "default", "ghost.txt", true)
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("missing path allowed as destination", func(t *testing.T) {
		path, err := m.ValidatedPath("alice", "default", "newdir/target.txt", false)
		require.NoError(t, err)
		require.Equal(t, "target.txt", filepath.Base(path))
	})
}

func TestPlaceFile(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	home := makeHome(t, m, "alice", "default")
	dest := filepath.Join(home, "Desktop", "files")

	stage := func(content string) string {
		src := filepath.Join(t.TempDir(), "staged")
		require.NoError(t, os.WriteFile(src, []byte(content), 0o600))
		return src
	}

	first := stage("one")
	name, err := m.PlaceFile(first, dest, "report.pdf")
	require.NoError(t, err)
	require.Equal(t, "report.pdf", name)

	// The staged source is consumed by the move.
	_, err = os.Stat(first)
	require.True(t, os.IsNotExist(err))

	// Same name again dedupes with a counter suffix.
	name, err = m.PlaceFile(stage("two"), dest, "report.pdf")
	require.NoError(t, err)
	require.Equal(t, "report-1.pdf", name)
	name, err = m.PlaceFile(stage("three"), dest, "report.pdf")
	require.NoError(t, err)
	require.Equal(t, "report-2.pdf", name)

	// Placed files are readable by the container user.
	info, err := os.Stat(filepath.Join(dest, "report-2.pdf"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(defaults.SharedFileMode), info.Mode().Perm())

	// Directory components in the client-supplied name are dropped.
	name, err = m.PlaceFile(stage("four"), dest, "../../../evil.sh")
	require.NoError(t, err)
	require.Equal(t, "evil.sh", name)
	_, err = os.Stat(filepath.Join(dest, "evil.sh"))
	require.NoError(t, err)
}

func TestUploadLifecycle(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	uploadID, err := m.InitiateUpload("greeting.txt", 11)
	require.NoError(t, err)
	require.NotEmpty(t, uploadID)

	chunk := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }
	require.NoError(t, m.WriteChunk(uploadID, 0, chunk("hello ")))
	require.NoError(t, m.WriteChunk(uploadID, 1, chunk("world")))

	err = m.WriteChunk(uploadID, 2, "not base64 !!!")
	require.True(t, trace.IsBadParameter(err))
	err = m.WriteChunk("unknown-session", 0, chunk("x"))
	require.True(t, trace.IsNotFound(err))

	staged, err := m.Reassemble(uploadID, 2)
	require.NoError(t, err)
	data, err := os.ReadFile(staged)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	// The session directory is gone, so the id cannot be replayed.
	_, err = m.Reassemble(uploadID, 2)
	require.True(t, trace.IsNotFound(err))
}

func TestReassembleMissingChunk(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	uploadID, err := m.InitiateUpload("holey.bin", 100)
	require.NoError(t, err)
	require.NoError(t, m.WriteChunk(uploadID, 0, base64.StdEncoding.EncodeToString([]byte("data"))))

	_, err = m.Reassemble(uploadID, 2)
	require.True(t, trace.IsBadParameter(err))
	require.ErrorContains(t, err, "missing chunk 1")

	// A failed reassembly burns the session.
	_, err = m.Reassemble(uploadID, 1)
	require.True(t, trace.IsNotFound(err))
}

func TestListDir(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	home := makeHome(t, m, "alice", "default")

	// CreateHome pre-makes Desktop; add a mixed-case set around it.
	require.NoError(t, os.Mkdir(filepath.Join(home, "archive"), 0o755))
	writeHomeFile(t, home, "B.txt", "bb")
	writeHomeFile(t, home, "a.txt", "a")

	list, err := m.ListDir("alice", "default", "/", 1, 50)
	require.NoError(t, err)
	require.Equal(t, 4, list.Total)
	require.Equal(t, 1, list.Page)
	require.Equal(t, 50, list.PerPage)
	require.Equal(t, "/", list.Path)

	names := make([]string, 0, len(list.Items))
	for _, item := range list.Items {
		names = append(names, item.Name)
	}
	// Directories first, then case-insensitive by name.
	require.Equal(t, []string{"archive", "Desktop", "a.txt", "B.txt"}, names)
	require.True(t, list.Items[0].IsDir)
	require.Equal(t, "/archive", list.Items[0].Path)
	require.False(t, list.Items[3].IsDir)
	require.Equal(t, int64(2), list.Items[3].Size)

	t.Run("pagination", func(t *testing.T) {
		page, err := m.ListDir("alice", "default", "/", 2, 2)
		require.NoError(t, err)
		require.Equal(t, 4, page.Total)
		require.Len(t, page.Items, 2)
		require.Equal(t, "a.txt", page.Items[0].Name)
		require.Equal(t, "B.txt", page.Items[1].Name)

		empty, err := m.ListDir("alice", "default", "/", 3, 2)
		require.NoError(t, err)
		require.Empty(t, empty.Items)
		require.Equal(t, 4, empty.Total)
	})

	t.Run("listing a file fails", func(t *testing.T) {
		_, err := m.ListDir("alice", "default", "a.txt", 1, 50)
		require.True(t, trace.IsBadParameter(err))
	})
}

func TestCreateFolder(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	home := makeHome(t, m, "alice", "default")

	require.NoError(t, m.CreateFolder("alice", "default", "/", "projects"))
	info, err := os.Stat(filepath.Join(home, "projects"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	err = m.CreateFolder("alice", "default", "/", "projects")
	require.True(t, trace.IsAlreadyExists(err))
	err = m.CreateFolder("alice", "default", "/", "nested/folder")
	require.True(t, trace.IsBadParameter(err))
	err = m.CreateFolder("alice", "default", "/ghost", "sub")
	require.True(t, trace.IsNotFound(err))
}

func TestReadChunk(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	home := makeHome(t, m, "alice", "default")
	writeHomeFile(t, home, "small.txt", "hello")

	data, isLast, err := m.ReadChunk("alice", "default", "small.txt", 0)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.True(t, isLast)

	// Reading past the end yields an empty final chunk.
	data, isLast, err = m.ReadChunk("alice", "default", "small.txt", 1)
	require.NoError(t, err)
	require.Empty(t, data)
	require.True(t, isLast)

	_, _, err = m.ReadChunk("alice", "default", "Desktop", 0)
	require.True(t, trace.IsNotFound(err))
	_, _, err = m.ReadChunk("alice", "default", "ghost.txt", 0)
	require.True(t, trace.IsNotFound(err))
}

func TestDeletionTask(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	home := makeHome(t, m, "alice", "default")
	writeHomeFile(t, home, "a.txt", "a")
	writeHomeFile(t, home, "b.txt", "b")

	taskID := m.StartDeletion("alice", "default", []string{"/a.txt", "/b.txt"})
	require.Eventually(t, func() bool {
		status, err := m.DeletionStatusByID(taskID)
		return err == nil && status.Status == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	status, err := m.DeletionStatusByID(taskID)
	require.NoError(t, err)
	require.Equal(t, "Successfully deleted 2 items.", status.Message)
	_, err = os.Stat(filepath.Join(home, "a.txt"))
	require.True(t, os.IsNotExist(err))

	t.Run("unknown task", func(t *testing.T) {
		_, err := m.DeletionStatusByID("no-such-task")
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("invalid path fails the task", func(t *testing.T) {
		taskID := m.StartDeletion("alice", "default", []string{"/ghost.txt"})
		require.Eventually(t, func() bool {
			status, err := m.DeletionStatusByID(taskID)
			return err == nil && status.Status == "error"
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestEphemeralDirs(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	home := makeHome(t, m, "alice", "default")

	path := m.NewEphemeralDir()
	require.True(t, m.IsEphemeral(path))
	require.False(t, m.IsEphemeral(home))

	require.NoError(t, os.MkdirAll(path, 0o700))
	require.NoError(t, m.RemoveEphemeralDir(path))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// Launch failure cleanup must never be able to eat a home.
	err = m.RemoveEphemeralDir(home)
	require.True(t, trace.IsBadParameter(err))
	_, err = os.Stat(home)
	require.NoError(t, err)
}
