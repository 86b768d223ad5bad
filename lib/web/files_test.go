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

package web

import (
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linuxserver/sealskin/lib/shares"
	"github.com/linuxserver/sealskin/lib/storage"
	"github.com/linuxserver/sealskin/lib/users"
)

// makeHome creates a home directory for a user and returns its path on
// disk for seeding fixture files.
func makeHome(t *testing.T, env *webEnv, username, home string) string {
	t.Helper()
	require.NoError(t, env.storage.CreateHome(username, home))
	return env.storage.HomePath(username, home)
}

func TestUploadToStorage(t *testing.T) {
	t.Parallel()
	env := newWebEnv(t)
	token := env.alice.token(t)

	uploadID := stageUpload(t, env, token, "data.csv", []byte("a,b\n1,2\n"))
	resp := env.post(t, "/api/upload/to_storage", token, map[string]any{
		"filename":     "data.csv",
		"upload_id":    uploadID,
		"total_chunks": 1,
		"home_name":    "nowhere",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Contains(t, errorMessage(t, resp), "not found for user")

	makeHome(t, env, "alice", "default")
	uploadID = stageUpload(t, env, token, "data.csv", []byte("a,b\n1,2\n"))
	var reply map[string]string
	resp = env.post(t, "/api/upload/to_storage", token, map[string]any{
		"filename":     "data.csv",
		"upload_id":    uploadID,
		"total_chunks": 1,
		"home_name":    "default",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.client.open(t, resp, &reply)
	require.Equal(t, "success", reply["status"])
	require.Equal(t, "File 'data.csv' uploaded successfully.", reply["message"])

	shared, err := env.storage.SharedFilesDir("alice")
	require.NoError(t, err)
	placed, err := os.ReadFile(filepath.Join(shared, "data.csv"))
	require.NoError(t, err)
	require.Equal(t, "a,b\n1,2\n", string(placed))
}

func TestListFiles(t *testing.T) {
	t.Parallel()
	env := newWebEnv(t)
	token := env.alice.token(t)

	home := makeHome(t, env, "alice", "default")
	require.NoError(t, os.WriteFile(filepath.Join(home, "b.txt"), []byte("bee"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(home, "a.txt"), []byte("ay"), 0o644))

	var listing storage.FileList
	resp := env.get(t, "/api/files/list/default", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.client.open(t, resp, &listing)
	// Defaults apply when the query is bare.
	require.Equal(t, 1, listing.Page)
	require.Equal(t, 50, listing.PerPage)
	require.Equal(t, "/", listing.Path)
	require.Equal(t, 3, listing.Total)
	// Directories sort first, then names case-insensitively.
	require.Equal(t, "Desktop", listing.Items[0].Name)
	require.True(t, listing.Items[0].IsDir)
	require.Equal(t, "a.txt", listing.Items[1].Name)
	require.Equal(t, "b.txt", listing.Items[2].Name)

	t.Run("pagination", func(t *testing.T) {
		var page storage.FileList
		resp := env.get(t, "/api/files/list/default?page=2&per_page=2", token)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		env.client.open(t, resp, &page)
		require.Equal(t, 3, page.Total)
		require.Len(t, page.Items, 1)
		require.Equal(t, "b.txt", page.Items[0].Name)
	})

	t.Run("parameter bounds", func(t *testing.T) {
		for _, query := range []string{"?page=0", "?per_page=0", "?per_page=201", "?page=x"} {
			resp := env.get(t, "/api/files/list/default"+query, token)
			resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, "query %s", query)
		}
	})

	t.Run("dotdot normalizes inside the home", func(t *testing.T) {
		// Clean folds the dotdot away, so the request just misses.
		resp := env.get(t, "/api/files/list/default?path=../../other", token)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("symlink escape is denied", func(t *testing.T) {
		require.NoError(t, os.Symlink(os.TempDir(), filepath.Join(home, "escape")))
		resp := env.get(t, "/api/files/list/default?path=/escape", token)
		resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("home not owned", func(t *testing.T) {
		resp := env.get(t, "/api/files/list/missing", token)
		resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("malformed home name", func(t *testing.T) {
		resp := env.get(t, "/api/files/list/bad%20name!", token)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestDownloadChunk(t *testing.T) {
	t.Parallel()
	env := newWebEnv(t)
	token := env.alice.token(t)

	home := makeHome(t, env, "alice", "default")
	require.NoError(t, os.WriteFile(filepath.Join(home, "blob.bin"), []byte("small payload"), 0o644))

	var reply struct {
		ChunkDataB64 string `json:"chunk_data_b64"`
		IsLastChunk  bool   `json:"is_last_chunk"`
	}
	resp := env.get(t, "/api/files/download/chunk/default?path=/blob.bin&chunk_index=0", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.client.open(t, resp, &reply)
	data, err := base64.StdEncoding.DecodeString(reply.ChunkDataB64)
	require.NoError(t, err)
	require.Equal(t, "small payload", string(data))
	require.True(t, reply.IsLastChunk)

	t.Run("missing path", func(t *testing.T) {
		resp := env.get(t, "/api/files/download/chunk/default?chunk_index=0", token)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing chunk index", func(t *testing.T) {
		resp := env.get(t, "/api/files/download/chunk/default?path=/blob.bin", token)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestCreateFolder(t *testing.T) {
	t.Parallel()
	env := newWebEnv(t)
	token := env.alice.token(t)
	home := makeHome(t, env, "alice", "default")

	var reply map[string]string
	resp := env.post(t, "/api/files/create_folder/default", token, map[string]any{
		"path":        "/",
		"folder_name": "projects",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.client.open(t, resp, &reply)
	require.Equal(t, "Folder 'projects' created successfully.", reply["message"])
	info, err := os.Stat(filepath.Join(home, "projects"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	t.Run("invalid name", func(t *testing.T) {
		resp := env.post(t, "/api/files/create_folder/default", token, map[string]any{
			"path":        "/",
			"folder_name": "../up",
		})
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestDeleteFiles(t *testing.T) {
	t.Parallel()
	env := newWebEnv(t)
	token := env.alice.token(t)
	home := makeHome(t, env, "alice", "default")
	require.NoError(t, os.WriteFile(filepath.Join(home, "doomed.txt"), []byte("x"), 0o644))

	var started map[string]string
	resp := env.post(t, "/api/files/delete/default", token, map[string]any{
		"paths": []string{"/doomed.txt"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.client.open(t, resp, &started)
	require.Equal(t, "Deletion task started.", started["message"])
	taskID := started["task_id"]
	require.NotEmpty(t, taskID)

	// Deletion runs on its own goroutine; poll until it settles.
	require.Eventually(t, func() bool {
		var status storage.DeletionStatus
		resp := env.get(t, "/api/files/delete_status/"+taskID, token)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		env.client.open(t, resp, &status)
		return status.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)
	_, err := os.Stat(filepath.Join(home, "doomed.txt"))
	require.True(t, os.IsNotExist(err))

	t.Run("unknown task", func(t *testing.T) {
		resp := env.get(t, "/api/files/delete_status/bogus", token)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestUploadToDir(t *testing.T) {
	t.Parallel()
	env := newWebEnv(t)
	token := env.alice.token(t)
	home := makeHome(t, env, "alice", "default")
	require.NoError(t, os.WriteFile(filepath.Join(home, "occupied.txt"), []byte("x"), 0o644))

	uploadID := stageUpload(t, env, token, "dropped.txt", []byte("payload"))
	var reply map[string]string
	resp := env.post(t, "/api/files/upload_to_dir/default", token, map[string]any{
		"path":         "/",
		"filename":     "dropped.txt",
		"upload_id":    uploadID,
		"total_chunks": 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.client.open(t, resp, &reply)
	require.Equal(t, "File uploaded successfully.", reply["message"])
	placed, err := os.ReadFile(filepath.Join(home, "dropped.txt"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(placed))

	t.Run("destination must be a directory", func(t *testing.T) {
		uploadID := stageUpload(t, env, token, "dropped.txt", []byte("payload"))
		resp := env.post(t, "/api/files/upload_to_dir/default", token, map[string]any{
			"path":         "/occupied.txt",
			"filename":     "dropped.txt",
			"upload_id":    uploadID,
			"total_chunks": 1,
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "destination path is not a valid directory", errorMessage(t, resp))
	})
}

func TestShares(t *testing.T) {
	t.Parallel()
	env := newWebEnv(t)

	sharing := users.DefaultSettings()
	sharing.PublicSharing = true
	sylvia := newAccount(t, env.directory, "sylvia", false, sharing)
	token := sylvia.token(t)

	home := makeHome(t, env, "sylvia", "default")
	require.NoError(t, os.WriteFile(filepath.Join(home, "photo.jpg"), []byte("jpegdata"), 0o644))

	var info shares.Info
	resp := env.post(t, "/api/files/share", token, map[string]any{
		"home_dir":     "default",
		"path":         "/photo.jpg",
		"password":     "hunter2",
		"expiry_hours": 24,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.client.open(t, resp, &info)
	require.NotEmpty(t, info.ShareID)
	require.Equal(t, "photo.jpg", info.OriginalFilename)
	require.True(t, info.HasPassword)
	require.NotNil(t, info.ExpiryTimestamp)
	require.Equal(t, "/public/"+info.ShareID, info.URL)

	t.Run("directories cannot be shared", func(t *testing.T) {
		resp := env.post(t, "/api/files/share", token, map[string]any{
			"home_dir": "default",
			"path":     "/",
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "path does not point to a file", errorMessage(t, resp))
	})

	var listing []shares.Info
	resp = env.get(t, "/api/files/shares", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.client.open(t, resp, &listing)
	require.Len(t, listing, 1)
	require.Equal(t, info.ShareID, listing[0].ShareID)

	resp = env.del(t, "/api/files/share/"+info.ShareID, token)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.del(t, "/api/files/share/"+info.ShareID, token)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
