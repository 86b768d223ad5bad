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
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/linuxserver/sealskin/lib/identity"
)

type uploadInitiateRequest struct {
	Filename  string `json:"filename"`
	TotalSize int64  `json:"total_size"`
}

func (h *Handler) uploadInitiate(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req uploadInitiateRequest
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	uploadID, err := h.cfg.Storage.InitiateUpload(req.Filename, req.TotalSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"upload_id": uploadID}, nil
}

type uploadChunkRequest struct {
	UploadID     string `json:"upload_id"`
	ChunkIndex   int    `json:"chunk_index"`
	ChunkDataB64 string `json:"chunk_data_b64"`
}

func (h *Handler) uploadChunk(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req uploadChunkRequest
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Storage.WriteChunk(req.UploadID, req.ChunkIndex, req.ChunkDataB64); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{"status": "ok", "chunk_index": req.ChunkIndex}, nil
}

type uploadToStorageRequest struct {
	Filename    string `json:"filename"`
	UploadID    string `json:"upload_id"`
	TotalChunks int    `json:"total_chunks"`
	HomeName    string `json:"home_name"`
}

func (h *Handler) uploadToStorage(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req uploadToStorageRequest
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if !slices.Contains(h.cfg.Storage.HomeDirs(id.Username), req.HomeName) {
		return nil, trace.NotFound("home directory %q not found for user", req.HomeName)
	}
	staged, err := h.cfg.Storage.Reassemble(req.UploadID, req.TotalChunks)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	destDir, err := h.cfg.Storage.SharedFilesDir(id.Username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := h.cfg.Storage.PlaceFile(staged, destDir, req.Filename); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("File '%s' uploaded successfully.", filepath.Base(req.Filename)),
	}, nil
}

// queryInt parses an integer query parameter, applying def when the
// parameter is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, trace.BadParameter("invalid query parameter %s: %q", name, raw)
	}
	return val, nil
}

func (h *Handler) listFiles(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	subPath := r.URL.Query().Get("path")
	if subPath == "" {
		subPath = "/"
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	perPage, err := queryInt(r, "per_page", 50)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if page < 1 {
		return nil, trace.BadParameter("page must be at least 1")
	}
	if perPage < 1 || perPage > 200 {
		return nil, trace.BadParameter("per_page must be between 1 and 200")
	}
	listing, err := h.cfg.Storage.ListDir(id.Username, p.ByName("home_dir"), subPath, page, perPage)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return listing, nil
}

func (h *Handler) downloadFileChunk(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	subPath := r.URL.Query().Get("path")
	if subPath == "" {
		return nil, trace.BadParameter("missing query parameter path")
	}
	chunkIndex, err := queryInt(r, "chunk_index", -1)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if chunkIndex < 0 {
		return nil, trace.BadParameter("missing query parameter chunk_index")
	}
	data, isLast, err := h.cfg.Storage.ReadChunk(id.Username, p.ByName("home_dir"), subPath, chunkIndex)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{
		"chunk_data_b64": base64.StdEncoding.EncodeToString(data),
		"is_last_chunk":  isLast,
	}, nil
}

type createFolderRequest struct {
	Path       string `json:"path"`
	FolderName string `json:"folder_name"`
}

func (h *Handler) createFolder(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req createFolderRequest
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Storage.CreateFolder(id.Username, p.ByName("home_dir"), req.Path, req.FolderName); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{
		"message": fmt.Sprintf("Folder '%s' created successfully.", req.FolderName),
	}, nil
}

type deleteItemsRequest struct {
	Paths []string `json:"paths"`
}

func (h *Handler) deleteFiles(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req deleteItemsRequest
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	taskID := h.cfg.Storage.StartDeletion(id.Username, p.ByName("home_dir"), req.Paths)
	return map[string]string{"message": "Deletion task started.", "task_id": taskID}, nil
}

func (h *Handler) deletionStatus(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	status, err := h.cfg.Storage.DeletionStatusByID(p.ByName("task_id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

type uploadToDirRequest struct {
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	UploadID    string `json:"upload_id"`
	TotalChunks int    `json:"total_chunks"`
}

func (h *Handler) uploadToDir(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req uploadToDirRequest
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	destDir, err := h.cfg.Storage.ValidatedPath(id.Username, p.ByName("home_dir"), req.Path, true)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	info, err := os.Stat(destDir)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if !info.IsDir() {
		return nil, trace.BadParameter("destination path is not a valid directory")
	}
	staged, err := h.cfg.Storage.Reassemble(req.UploadID, req.TotalChunks)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := h.cfg.Storage.PlaceFile(staged, destDir, req.Filename); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"message": "File uploaded successfully."}, nil
}

type shareFileRequest struct {
	HomeDir     string `json:"home_dir"`
	Path        string `json:"path"`
	Password    string `json:"password"`
	ExpiryHours int    `json:"expiry_hours"`
}

func (h *Handler) createShare(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req shareFileRequest
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	source, err := h.cfg.Storage.ValidatedPath(id.Username, req.HomeDir, req.Path, true)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	info, err := h.cfg.Shares.Create(id.Username, source, req.Password, req.ExpiryHours)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return info, nil
}

func (h *Handler) listShares(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.cfg.Shares.List(id.Username), nil
}

func (h *Handler) deleteShare(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Shares.Delete(p.ByName("share_id"), id.Username); err != nil {
		return nil, trace.Wrap(err)
	}
	return noContent, nil
}
