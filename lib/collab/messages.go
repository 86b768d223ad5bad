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

package collab

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/linuxserver/sealskin/lib/defaults"
	"github.com/linuxserver/sealskin/lib/session"
	"github.com/linuxserver/sealskin/lib/utils"
)

// Binary frame type tags, fixed by the room client.
const (
	frameVideo  = 0x01
	frameAudio  = 0x02
	frameConfig = 0x03
)

// controlMessage is the envelope of every JSON text frame a member
// sends. Only the fields its action needs are set.
type controlMessage struct {
	Action string `json:"action"`
	// Username is the new display name for set_username.
	Username string `json:"username"`
	// Message is the chat text for send_chat_message.
	Message string `json:"message"`
	// ReplyTo threads a chat message onto an earlier messageId.
	ReplyTo string `json:"replyTo"`
	// PublicID addresses the target member of assign_slot, assign_mk
	// and set_designated_speaker. Empty clears the designated speaker.
	PublicID string `json:"public_id"`
	// Slot is the gamepad slot for assign_slot, null to unassign.
	Slot *int `json:"slot"`
	// State is the opaque payload of video_state and audio_state.
	State json.RawMessage `json:"state"`
}

type chatMessage struct {
	Type        string `json:"type"`
	Sender      string `json:"sender"`
	Message     string `json:"message"`
	TimestampMS int64  `json:"timestamp_ms"`
	MessageID   string `json:"messageId"`
	ReplyTo     string `json:"replyTo,omitempty"`
}

type controlEvent struct {
	Type    string         `json:"type"`
	Payload controlPayload `json:"payload"`
}

type controlPayload struct {
	Action string          `json:"action"`
	Sender string          `json:"sender"`
	State  json.RawMessage `json:"state"`
}

func unassignedNote(username string, slot int) string {
	return fmt.Sprintf("%s was unassigned from Gamepad %d", username, slot)
}

func assignedNote(slot int, username string) string {
	return fmt.Sprintf("Gamepad %d was assigned to %s", slot, username)
}

func disconnectSlotNote(username string, slot int) string {
	return fmt.Sprintf("%s disconnected and was unassigned from Gamepad %d", username, slot)
}

func mkOwnerNote(username string) string {
	return fmt.Sprintf("%s now has mouse and keyboard control", username)
}

var roomUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeSocket admits a member onto the room websocket and pumps its
// messages until disconnect. Only the controller token and minted
// viewer tokens are accepted here; the owner joins through the room
// page, which hands out the controller token.
func (rs *Rooms) ServeSocket(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, ok := rs.cfg.Sessions.Get(sessionID)
	if !ok || !sess.IsCollaboration {
		http.Error(w, "collaboration room not found", http.StatusNotFound)
		return
	}
	token := r.URL.Query().Get("token")
	role, viewer, ok := sess.RoleForToken(token)
	if !ok || utils.ConstantTimeEquals(token, sess.AccessToken) {
		http.Error(w, "invalid collaboration token", http.StatusForbidden)
		return
	}

	username := "Controller"
	permission := session.RoleController
	if role == session.RoleViewer {
		username = viewer.Username
		if username == "" {
			username = "User-" + token[:6]
		}
		permission = viewer.Permission
	}

	conn, err := roomUpgrader.Upgrade(w, r, nil)
	if err != nil {
		rs.logger.Warn("Room websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	m := rs.join(sess, role, token, username, permission, conn)
	defer rs.leave(r.Context(), m)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			rs.handleControl(r, m, data)
		case websocket.BinaryMessage:
			rs.relayBinary(m, data)
		}
	}
}

func (rs *Rooms) handleControl(r *http.Request, m *member, data []byte) {
	sessionID := m.sessionID
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		rs.logger.Debug("Dropping malformed room message", "session_id", sessionID, "error", err)
		return
	}

	switch msg.Action {
	case "set_username":
		if m.role == session.RoleViewer {
			rs.handleSetUsername(sessionID, m, msg.Username)
		}
	case "send_chat_message":
		rs.handleChat(sessionID, m, msg)
	case "assign_slot":
		if m.role == session.RoleController {
			rs.handleAssignSlot(r, sessionID, msg.PublicID, msg.Slot)
		}
	case "assign_mk":
		if m.role == session.RoleController {
			rs.handleAssignMK(r, sessionID, msg.PublicID)
		}
	case "set_designated_speaker":
		if m.role == session.RoleController {
			rs.handleSetSpeaker(sessionID, msg.PublicID)
		}
	case "video_state", "audio_state":
		rs.broadcast(sessionID, controlEvent{
			Type:    "control",
			Payload: controlPayload{Action: msg.Action, Sender: m.publicID, State: msg.State},
		})
	default:
		rs.logger.Debug("Ignoring unknown room action",
			"session_id", sessionID, "action", msg.Action)
	}
}

func (rs *Rooms) handleSetUsername(sessionID string, m *member, username string) {
	if !m.limiter.Allow() {
		rs.logger.Debug("Username change rate limited", "session_id", sessionID)
		return
	}
	username = strings.TrimSpace(username)
	if n := utf8.RuneCountInString(username); n < 1 || n > defaults.MaxUsernameLength {
		return
	}

	old := ""
	_, err := rs.cfg.Sessions.Update(sessionID, func(s *session.Session) {
		for i := range s.Viewers {
			if s.Viewers[i].Token == m.token {
				old = s.Viewers[i].Username
				s.Viewers[i].Username = username
				break
			}
		}
	})
	if err != nil {
		rs.dropRoom(sessionID)
		return
	}
	rs.mu.Lock()
	m.username = username
	rs.mu.Unlock()

	rs.logger.Info("Room member changed username",
		"session_id", sessionID, "old", old, "new", username)
	rs.broadcast(sessionID, renameEvent{Type: "username_changed", OldUsername: old, NewUsername: username})
	rs.broadcastState(sessionID)
}

func (rs *Rooms) handleChat(sessionID string, m *member, msg controlMessage) {
	text := strings.TrimSpace(msg.Message)
	if n := utf8.RuneCountInString(text); n < 1 || n > defaults.MaxChatMessageLength {
		return
	}
	rs.mu.Lock()
	sender := m.username
	rs.mu.Unlock()
	rs.broadcast(sessionID, chatMessage{
		Type:        "chat_message",
		Sender:      sender,
		Message:     text,
		TimestampMS: rs.clock.Now().UnixMilli(),
		MessageID:   uuid.NewString(),
		ReplyTo:     msg.ReplyTo,
	})
}

// handleAssignSlot moves a gamepad slot onto the addressed member.
// Whoever held the slot before is unassigned first, each displacement
// announced exactly once.
func (rs *Rooms) handleAssignSlot(r *http.Request, sessionID, publicID string, slot *int) {
	targetToken, ok := rs.resolveToken(sessionID, publicID)
	if !ok {
		rs.logger.Warn("Slot assignment addressed an unknown member",
			"session_id", sessionID, "public_id", publicID)
		return
	}

	var notes []string
	updated, err := rs.cfg.Sessions.Update(sessionID, func(s *session.Session) {
		if slot != nil {
			// Preempt the current holder, unless it is the target.
			if s.ControllerSlot != nil && *s.ControllerSlot == *slot && targetToken != s.ControllerToken {
				notes = append(notes, unassignedNote("Controller", *slot))
				s.ControllerSlot = nil
			}
			for i := range s.Viewers {
				v := &s.Viewers[i]
				if v.Slot != nil && *v.Slot == *slot && v.Token != targetToken {
					notes = append(notes, unassignedNote(v.Username, *slot))
					v.Slot = nil
				}
			}
		}
		assign := func(current **int, username string) {
			prior := *current
			*current = slot
			switch {
			case slot != nil:
				notes = append(notes, assignedNote(*slot, username))
			case prior != nil:
				notes = append(notes, unassignedNote(username, *prior))
			}
		}
		if targetToken == s.ControllerToken {
			assign(&s.ControllerSlot, "Controller")
			return
		}
		for i := range s.Viewers {
			if s.Viewers[i].Token == targetToken {
				assign(&s.Viewers[i].Slot, s.Viewers[i].Username)
				return
			}
		}
	})
	if err != nil {
		rs.dropRoom(sessionID)
		return
	}

	rs.cfg.Pusher.PushTokens(r.Context(), updated)
	for _, note := range notes {
		rs.broadcast(sessionID, gamepadEvent{Type: "gamepad_change", Message: note})
	}
	rs.broadcastState(sessionID)
}

// handleAssignMK hands mouse/keyboard ownership to the addressed
// member. The controller owning it is stored as the empty default.
func (rs *Rooms) handleAssignMK(r *http.Request, sessionID, publicID string) {
	targetToken, ok := rs.resolveToken(sessionID, publicID)
	if !ok {
		rs.logger.Warn("MK assignment addressed an unknown member",
			"session_id", sessionID, "public_id", publicID)
		return
	}

	name := "Controller"
	updated, err := rs.cfg.Sessions.Update(sessionID, func(s *session.Session) {
		if targetToken == s.ControllerToken {
			s.MKOwnerToken = ""
			return
		}
		s.MKOwnerToken = targetToken
		if v := s.ViewerByToken(targetToken); v != nil {
			name = v.Username
		}
	})
	if err != nil {
		rs.dropRoom(sessionID)
		return
	}

	rs.cfg.Pusher.PushTokens(r.Context(), updated)
	rs.broadcast(sessionID, mkEvent{Type: "mk_change", Message: mkOwnerNote(name)})
	rs.broadcastState(sessionID)
}

// handleSetSpeaker restricts audio relay to one member. An empty
// public id clears the restriction.
func (rs *Rooms) handleSetSpeaker(sessionID, publicID string) {
	speakerToken := ""
	if publicID != "" {
		token, ok := rs.resolveToken(sessionID, publicID)
		if !ok {
			rs.logger.Warn("Speaker assignment addressed an unknown member",
				"session_id", sessionID, "public_id", publicID)
			return
		}
		speakerToken = token
	}
	if _, err := rs.cfg.Sessions.Update(sessionID, func(s *session.Session) {
		s.DesignatedSpeaker = speakerToken
	}); err != nil {
		rs.dropRoom(sessionID)
		return
	}
	rs.broadcastState(sessionID)
}

// relayBinary forwards a media frame to every other member, prefixed
// with the sender's public id so receivers can attribute it.
func (rs *Rooms) relayBinary(m *member, data []byte) {
	sessionID := m.sessionID
	if len(data) == 0 || m.permission == session.PermissionReadonly {
		return
	}
	if len(data) >= defaults.MaxBinaryFrame {
		rs.logger.Debug("Dropping oversized binary frame",
			"session_id", sessionID, "bytes", len(data))
		return
	}
	if data[0] == frameAudio {
		sess, ok := rs.cfg.Sessions.Get(sessionID)
		if !ok {
			rs.dropRoom(sessionID)
			return
		}
		if sess.DesignatedSpeaker != "" && sess.DesignatedSpeaker != m.token {
			return
		}
	}

	frame := make([]byte, 0, 1+len(m.publicID)+len(data))
	frame = append(frame, byte(len(m.publicID)))
	frame = append(frame, m.publicID...)
	frame = append(frame, data...)
	for _, other := range rs.liveMembers(sessionID) {
		if other == m {
			continue
		}
		if err := other.writeBinary(frame); err != nil {
			rs.logger.Warn("Failed to relay binary frame to a member",
				"session_id", sessionID, "error", err)
		}
	}
}
