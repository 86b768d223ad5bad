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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/linuxserver/sealskin/lib/defaults"
)

// FileInfo is one file-browser entry.
type FileInfo struct {
	Name  string  `json:"name"`
	Path  string  `json:"path"`
	IsDir bool    `json:"is_dir"`
	Size  int64   `json:"size"`
	MTime float64 `json:"mtime"`
}

// FileList is one page of a directory listing.
type FileList struct {
	Items   []FileInfo `json:"items"`
	Total   int        `json:"total"`
	Page    int        `json:"page"`
	PerPage int        `json:"per_page"`
	Path    string     `json:"path"`
}

// folderName constrains names passed to CreateFolder.
var folderName = regexp.MustCompile(defaults.FolderPattern)

// ListDir returns one page of a home subdirectory listing, directories
// first, then case-insensitively by name.
func (m *Manager) ListDir(username, home, subPath string, page, perPage int) (*FileList, error) {
	dir, err := m.ValidatedPath(username, home, subPath, true)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, trace.BadParameter("path is not a valid directory")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	start := (page - 1) * perPage
	if start > len(entries) {
		start = len(entries)
	}
	end := start + perPage
	if end > len(entries) {
		end = len(entries)
	}

	root := m.HomePath(username, home)
	items := make([]FileInfo, 0, end-start)
	for _, entry := range entries[start:end] {
		stat, err := entry.Info()
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, filepath.Join(dir, entry.Name()))
		if err != nil {
			rel = entry.Name()
		}
		items = append(items, FileInfo{
			Name:  entry.Name(),
			Path:  "/" + filepath.ToSlash(rel),
			IsDir: entry.IsDir(),
			Size:  stat.Size(),
			MTime: float64(stat.ModTime().UnixMilli()) / 1000,
		})
	}

	return &FileList{
		Items:   items,
		Total:   len(entries),
		Page:    page,
		PerPage: perPage,
		Path:    subPath,
	}, nil
}

// CreateFolder creates a single new directory under a validated
// file-browser path.
func (m *Manager) CreateFolder(username, home, subPath, name string) error {
	if !folderName.MatchString(name) {
		return trace.BadParameter("invalid folder name")
	}
	parent, err := m.ValidatedPath(username, home, subPath, true)
	if err != nil {
		return trace.Wrap(err)
	}
	path := filepath.Join(parent, name)
	if _, err := os.Stat(path); err == nil {
		return trace.AlreadyExists("folder %q already exists", name)
	}
	if err := os.Mkdir(path, defaults.SharedDirMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// ReadChunk reads one fixed-size chunk of a file for the download
// protocol. isLast is set when the chunk is short, including empty.
func (m *Manager) ReadChunk(username, home, subPath string, chunkIndex int) (data []byte, isLast bool, err error) {
	path, err := m.ValidatedPath(username, home, subPath, true)
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, false, trace.NotFound("file not found or is a directory")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, false, trace.ConvertSystemError(err)
	}
	defer f.Close()

	// A read at or past EOF yields an empty final chunk, mirroring a
	// plain seek-and-read.
	buf := make([]byte, defaults.DownloadChunkSize)
	n, err := f.ReadAt(buf, int64(chunkIndex)*defaults.DownloadChunkSize)
	if err != nil && err != io.EOF {
		return nil, false, trace.ConvertSystemError(err)
	}
	return buf[:n], n < defaults.DownloadChunkSize, nil
}

// DeletionStatus is the state of one background deletion task.
type DeletionStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type deletionTasks struct {
	mu    sync.Mutex
	tasks map[string]DeletionStatus
}

func newDeletionTasks() *deletionTasks {
	return &deletionTasks{tasks: make(map[string]DeletionStatus)}
}

func (d *deletionTasks) set(id string, status DeletionStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks[id] = status
}

func (d *deletionTasks) get(id string) (DeletionStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, ok := d.tasks[id]
	return status, ok
}

// StartDeletion kicks off a background deletion of file-browser paths
// and returns a task id to poll. Each path is re-validated inside the
// task, so a crafted path fails the task rather than escaping the
// home.
func (m *Manager) StartDeletion(username, home string, paths []string) string {
	taskID := uuid.NewString()
	m.tasks.set(taskID, DeletionStatus{Status: "pending"})

	go func() {
		m.tasks.set(taskID, DeletionStatus{Status: "processing"})
		deleted := 0
		for _, p := range paths {
			path, err := m.ValidatedPath(username, home, p, true)
			if err != nil {
				m.logger.Error("Deletion task failed", "task_id", taskID, "error", err)
				m.tasks.set(taskID, DeletionStatus{Status: "error", Message: "An error occurred during deletion."})
				return
			}
			if err := os.RemoveAll(path); err != nil {
				m.logger.Error("Deletion task failed", "task_id", taskID, "error", err)
				m.tasks.set(taskID, DeletionStatus{Status: "error", Message: "An error occurred during deletion."})
				return
			}
			deleted++
		}
		m.tasks.set(taskID, DeletionStatus{
			Status:  "completed",
			Message: fmt.Sprintf("Successfully deleted %d items.", deleted),
		})
	}()

	return taskID
}

// DeletionStatusByID reports the state of a deletion task.
func (m *Manager) DeletionStatusByID(taskID string) (DeletionStatus, error) {
	status, ok := m.tasks.get(taskID)
	if !ok {
		return DeletionStatus{}, trace.NotFound("task not found")
	}
	return status, nil
}
