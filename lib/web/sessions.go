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
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/linuxserver/sealskin/lib/broker"
	"github.com/linuxserver/sealskin/lib/identity"
	"github.com/linuxserver/sealskin/lib/session"
)

// sessionInfo is the listing projection of a session. Tokens stay out
// of it, the handoff URL already carries the owner's.
type sessionInfo struct {
	SessionID       string                 `json:"session_id"`
	AppID           string                 `json:"app_id"`
	AppName         string                 `json:"app_name"`
	AppLogo         string                 `json:"app_logo"`
	CreatedAt       float64                `json:"created_at"`
	SessionURL      string                 `json:"session_url"`
	LaunchContext   *session.LaunchContext `json:"launch_context,omitempty"`
	IsCollaboration bool                   `json:"is_collaboration"`
}

func sessionInfos(sessions []session.Session) []sessionInfo {
	out := make([]sessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionInfo{
			SessionID:       sess.ID,
			AppID:           sess.ProviderAppID,
			AppName:         sess.AppName,
			AppLogo:         sess.AppLogo,
			CreatedAt:       sess.CreatedAt,
			SessionURL:      sess.URL(),
			LaunchContext:   sess.LaunchContext,
			IsCollaboration: sess.IsCollaboration,
		})
	}
	return out
}

func (h *Handler) listMySessions(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return sessionInfos(h.cfg.Sessions.ListUser(id.Username)), nil
}

func (h *Handler) stopMySession(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	sessionID := p.ByName("session_id")
	sess, ok := h.cfg.Sessions.Get(sessionID)
	if !ok || sess.Username != id.Username {
		return nil, trace.NotFound("session not found or permission denied")
	}
	if err := h.cfg.Broker.Stop(r.Context(), sessionID); err != nil {
		return nil, trace.Wrap(err)
	}
	return noContent, nil
}

type sendFileRequest struct {
	Filename    string `json:"filename"`
	UploadID    string `json:"upload_id"`
	TotalChunks int    `json:"total_chunks"`
}

func (h *Handler) sendFileToSession(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req sendFileRequest
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	staged, err := h.cfg.Storage.Reassemble(req.UploadID, req.TotalChunks)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	name, err := h.cfg.Broker.SendFile(r.Context(), p.ByName("session_id"), id.Username, broker.FilePayload{
		Path:     staged,
		Filename: filepath.Base(req.Filename),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("File '%s' sent to session.", name),
	}, nil
}

type homeDirRequest struct {
	HomeName string `json:"home_name"`
}

func (h *Handler) listMyHomeDirs(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return map[string][]string{"home_dirs": h.cfg.Storage.HomeDirs(id.Username)}, nil
}

func (h *Handler) createMyHomeDir(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req homeDirRequest
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Storage.CreateHome(id.Username, req.HomeName); err != nil {
		return nil, trace.Wrap(err)
	}
	return created(map[string]string{"status": "created", "home_name": req.HomeName}), nil
}

func (h *Handler) deleteMyHomeDir(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Storage.DeleteHome(id.Username, p.ByName("home_name")); err != nil {
		return nil, trace.Wrap(err)
	}
	return noContent, nil
}
