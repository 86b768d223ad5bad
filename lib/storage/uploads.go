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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/linuxserver/sealskin/lib/defaults"
)

// uploadMetadata records what an upload session was opened for. It is
// written for operators debugging stuck uploads, nothing reads it
// back.
type uploadMetadata struct {
	Filename string  `json:"filename"`
	Size     int64   `json:"size"`
	Started  float64 `json:"started"`
}

// InitiateUpload allocates a chunked upload session and returns its
// id. Chunks are staged under <upload_dir>/<upload_id>/.
func (m *Manager) InitiateUpload(filename string, totalSize int64) (string, error) {
	uploadID := uuid.NewString()
	dir := filepath.Join(m.cfg.UploadDir, uploadID)
	if err := os.MkdirAll(dir, defaults.PrivateDirMode); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	meta, err := json.Marshal(uploadMetadata{
		Filename: filename,
		Size:     totalSize,
		Started:  float64(time.Now().UnixMilli()) / 1000,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), meta, defaults.PrivateFileMode); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return uploadID, nil
}

// WriteChunk persists one base64 chunk of an upload session.
func (m *Manager) WriteChunk(uploadID string, index int, chunkB64 string) error {
	dir := filepath.Join(m.cfg.UploadDir, uploadID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return trace.NotFound("upload session not found")
	}
	data, err := base64.StdEncoding.DecodeString(chunkB64)
	if err != nil {
		return trace.BadParameter("invalid base64 chunk data: %v", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("chunk_%d", index))
	if err := os.WriteFile(path, data, defaults.PrivateFileMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// Reassemble concatenates the chunks of an upload session into a
// single staged file and returns its path. The upload directory is
// removed whether reassembly succeeds or fails; on failure the staged
// file is removed too. The caller owns moving the staged file to its
// destination.
func (m *Manager) Reassemble(uploadID string, totalChunks int) (string, error) {
	dir := filepath.Join(m.cfg.UploadDir, uploadID)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", trace.NotFound("upload session not found")
	}
	for i := 0; i < totalChunks; i++ {
		if _, err := os.Stat(filepath.Join(dir, fmt.Sprintf("chunk_%d", i))); err != nil {
			os.RemoveAll(dir)
			return "", trace.BadParameter("missing chunk %d for upload", i)
		}
	}

	staged, err := os.CreateTemp(m.cfg.UploadDir, uploadID+"-")
	if err != nil {
		os.RemoveAll(dir)
		return "", trace.ConvertSystemError(err)
	}
	stagedPath := staged.Name()

	cleanup := func(cause error) (string, error) {
		staged.Close()
		os.Remove(stagedPath)
		os.RemoveAll(dir)
		m.logger.Error("Failed to reassemble upload", "upload_id", uploadID, "error", cause)
		return "", trace.Wrap(cause, "failed to reassemble file")
	}

	for i := 0; i < totalChunks; i++ {
		chunk, err := os.Open(filepath.Join(dir, fmt.Sprintf("chunk_%d", i)))
		if err != nil {
			return cleanup(trace.ConvertSystemError(err))
		}
		_, err = io.Copy(staged, chunk)
		chunk.Close()
		if err != nil {
			return cleanup(trace.ConvertSystemError(err))
		}
	}
	if err := staged.Close(); err != nil {
		return cleanup(trace.ConvertSystemError(err))
	}

	os.RemoveAll(dir)
	return stagedPath, nil
}
