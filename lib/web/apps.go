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
	"net/http"
	"path/filepath"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/linuxserver/sealskin/lib/broker"
	"github.com/linuxserver/sealskin/lib/identity"
)

func (h *Handler) listApplications(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.cfg.Catalog.VisibleApps(id.Username, id.Effective.Group), nil
}

// launchRequest is the common body of the three launch variants. The
// URL and file fields are only honored by their respective routes.
type launchRequest struct {
	ApplicationID    string `json:"application_id"`
	HomeName         string `json:"home_name"`
	Language         string `json:"language"`
	SelectedGPU      string `json:"selected_gpu"`
	LaunchInRoomMode bool   `json:"launch_in_room_mode"`

	URL string `json:"url"`

	Filename         string `json:"filename"`
	UploadID         string `json:"upload_id"`
	TotalChunks      int    `json:"total_chunks"`
	OpenFileOnLaunch *bool  `json:"open_file_on_launch"`
}

func (h *Handler) launchSpec(id *identity.Identity, req launchRequest) broker.LaunchRequest {
	return broker.LaunchRequest{
		ApplicationID: req.ApplicationID,
		Username:      id.Username,
		Settings:      id.Effective,
		HomeName:      req.HomeName,
		Language:      req.Language,
		SelectedGPU:   req.SelectedGPU,
		RoomMode:      req.LaunchInRoomMode,
	}
}

func (h *Handler) launchSimple(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req launchRequest
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Broker.Launch(r.Context(), h.launchSpec(id, req))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (h *Handler) launchURL(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req launchRequest
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.URL == "" {
		return nil, trace.BadParameter("missing url")
	}
	spec := h.launchSpec(id, req)
	spec.Env = map[string]string{"SEALSKIN_URL": req.URL}
	result, err := h.cfg.Broker.Launch(r.Context(), spec)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (h *Handler) launchFile(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req launchRequest
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Filename == "" || req.UploadID == "" {
		return nil, trace.BadParameter("missing filename or upload_id")
	}
	staged, err := h.cfg.Storage.Reassemble(req.UploadID, req.TotalChunks)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	spec := h.launchSpec(id, req)
	spec.File = &broker.FilePayload{
		Path:         staged,
		Filename:     filepath.Base(req.Filename),
		OpenOnLaunch: req.OpenFileOnLaunch == nil || *req.OpenFileOnLaunch,
	}
	result, err := h.cfg.Broker.Launch(r.Context(), spec)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}
