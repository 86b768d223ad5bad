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

// Package session holds the durable session records and the store that
// keeps them alive across broker restarts.
package session

import (
	"fmt"

	"github.com/linuxserver/sealskin/lib/utils"
)

// Viewer permissions.
const (
	// PermissionParticipant viewers send input and binary media.
	PermissionParticipant = "participant"
	// PermissionReadonly viewers only watch.
	PermissionReadonly = "readonly"
)

// Room roles derived from the token a visitor presents.
const (
	RoleController = "controller"
	RoleViewer     = "viewer"
)

// LaunchContext records what a session was launched around so clients
// can label it.
type LaunchContext struct {
	// Type is "url" or "file".
	Type string `json:"type"`
	// Value is the URL or the original file name.
	Value string `json:"value"`
}

// Viewer is one invited member of a collaboration session.
type Viewer struct {
	// Token authenticates the viewer on the room page, the room
	// websocket and the session proxy.
	Token string `json:"token"`
	// Username is the viewer's chosen display name.
	Username string `json:"username"`
	// Slot is the gamepad slot held by the viewer, nil for none.
	Slot *int `json:"slot"`
	// Permission is PermissionParticipant or PermissionReadonly.
	Permission string `json:"permission"`
}

// Container is one downstream container registered under a session.
// Collaboration token state is pushed to every distinct registry IP.
type Container struct {
	InstanceID string `json:"instance_id"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
}

// Session is one live application session. The whole record persists
// in the session store; tokens never leave the broker except through
// the URLs and pushes that need them.
type Session struct {
	// ID is the session identifier, the key of the store map. It is
	// not serialised inside the record.
	ID string `json:"-"`

	// InstanceID, IP and Port locate the primary container.
	InstanceID string `json:"instance_id"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`

	// CreatedAt is the launch time in unix seconds.
	CreatedAt float64 `json:"created_at"`

	// AccessToken is the owner's bearer token for the session proxy.
	AccessToken string `json:"access_token"`

	// ProviderAppID names the installed application this session runs.
	ProviderAppID string `json:"provider_app_id"`
	// Username is the launching user.
	Username string `json:"username"`
	// AppName and AppLogo are denormalised for session listings.
	AppName string `json:"app_name"`
	AppLogo string `json:"app_logo"`

	// HostMountPath is the host directory mounted at the container's
	// config root, empty when the session runs unmounted. Paths under
	// the ephemeral area are deleted on stop.
	HostMountPath string `json:"host_mount_path,omitempty"`

	// LaunchContext is set for URL and file launches.
	LaunchContext *LaunchContext `json:"launch_context,omitempty"`

	// CustomUser and Password are the per-session upstream HTTP
	// credentials the proxy injects.
	CustomUser string `json:"custom_user"`
	Password   string `json:"password"`

	// Collaboration state, zero for plain sessions.

	// IsCollaboration marks sessions launched in room mode.
	IsCollaboration bool `json:"is_collaboration,omitempty"`
	// MasterToken authenticates token pushes to downstream containers.
	MasterToken string `json:"master_token,omitempty"`
	// ControllerToken is the controller's room credential.
	ControllerToken string `json:"controller_token,omitempty"`
	// ParticipantInviteToken and ReadonlyInviteToken mint new viewers.
	ParticipantInviteToken string `json:"participant_invite_token,omitempty"`
	ReadonlyInviteToken    string `json:"readonly_invite_token,omitempty"`
	// Viewers are the minted room members.
	Viewers []Viewer `json:"viewers,omitempty"`
	// ControllerSlot is the controller's gamepad slot, nil for none.
	ControllerSlot *int `json:"controller_slot,omitempty"`
	// MKOwnerToken holds mouse/keyboard ownership. Empty means the
	// controller owns it.
	MKOwnerToken string `json:"mk_owner_token,omitempty"`
	// DesignatedSpeaker restricts audio relay to one member's token,
	// empty for everyone.
	DesignatedSpeaker string `json:"designated_speaker,omitempty"`
	// Containers is the downstream container registry.
	Containers []Container `json:"containers,omitempty"`
}

// URL returns the handoff URL handed back by a launch: the proxied
// session root carrying the access token once as a query parameter.
func (s *Session) URL() string {
	return fmt.Sprintf("/%s/?access_token=%s", s.ID, s.AccessToken)
}

// ViewerByToken finds a viewer by token. The returned pointer aliases
// the slice entry, callers mutating it must hold the store lock via
// Store.Update.
func (s *Session) ViewerByToken(token string) *Viewer {
	for i := range s.Viewers {
		if utils.ConstantTimeEquals(s.Viewers[i].Token, token) {
			return &s.Viewers[i]
		}
	}
	return nil
}

// RoleForToken resolves the room role a presented token grants:
// controller for the session owner's access token or the controller
// token, viewer for any minted viewer token. All comparisons are
// constant-time.
func (s *Session) RoleForToken(token string) (role string, viewer *Viewer, ok bool) {
	if token == "" {
		return "", nil, false
	}
	if utils.ConstantTimeEquals(token, s.AccessToken) ||
		(s.ControllerToken != "" && utils.ConstantTimeEquals(token, s.ControllerToken)) {
		return RoleController, nil, true
	}
	if v := s.ViewerByToken(token); v != nil {
		return RoleViewer, v, true
	}
	return "", nil, false
}
