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

// Package collab hosts collaboration rooms: the page that admits
// members, the websocket hub that relays their control and media
// traffic, and the client that keeps downstream containers informed of
// who may do what.
package collab

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/defaults"
	"github.com/linuxserver/sealskin/lib/session"
)

// RoomsConfig configures the room hub.
type RoomsConfig struct {
	// Sessions is the session store rooms live against.
	Sessions *session.Store
	// Pusher publishes token state downstream.
	Pusher TokenPusher
	// SessionCookieName is the proxy's session cookie, used to
	// recognise owners on the room page.
	SessionCookieName string
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RoomsConfig) CheckAndSetDefaults() error {
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Pusher == nil {
		return trace.BadParameter("missing parameter Pusher")
	}
	if c.SessionCookieName == "" {
		c.SessionCookieName = defaults.SessionCookieName
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(sealskin.ComponentKey, sealskin.ComponentCollab)
	}
	return nil
}

// Rooms is the collaboration hub. Live room state is kept in memory
// keyed by session id; the durable member list lives in the session
// store. All room state mutations hold the hub mutex; network writes
// happen on snapshots taken under it.
type Rooms struct {
	cfg    RoomsConfig
	logger *slog.Logger
	clock  clockwork.Clock

	mu    sync.Mutex
	rooms map[string]*room
}

// NewRooms returns an empty hub.
func NewRooms(cfg RoomsConfig) (*Rooms, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Rooms{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		rooms:  make(map[string]*room),
	}, nil
}

// room is the live state of one collaboration session: the ephemeral
// public ids handed to clients and the members currently connected.
// Both evaporate when the room empties.
type room struct {
	sessionID string
	// ids maps member tokens to their ephemeral public ids. Tokens
	// never reach other members; public ids do.
	ids map[string]string
	// members are the live connections keyed by public id.
	members map[string]*member
}

// idFor returns the room-scoped public id of a token, minting one on
// first sight.
func (r *room) idFor(token string) string {
	if id, ok := r.ids[token]; ok {
		return id
	}
	id := uuid.NewString()
	r.ids[token] = id
	return id
}

// tokenFor resolves a public id back to the token it was minted for.
func (r *room) tokenFor(publicID string) (string, bool) {
	for token, id := range r.ids {
		if id == publicID {
			return token, true
		}
	}
	return "", false
}

// member is one live room connection.
type member struct {
	sessionID  string
	publicID   string
	token      string
	role       string
	permission string
	conn       *websocket.Conn

	// writeMu serialises writes; gorilla permits one writer at a time.
	writeMu sync.Mutex

	// username is guarded by the hub mutex, it changes on set_username.
	username string

	// limiter paces username changes on this connection.
	limiter *rate.Limiter
}

func (m *member) writeJSON(v any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.WriteJSON(v)
}

func (m *member) writeBinary(frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// join registers a connection with its room, replacing any previous
// connection on the same token, and announces the arrival.
func (rs *Rooms) join(sess session.Session, role, token, username, permission string, conn *websocket.Conn) *member {
	rs.mu.Lock()
	r, ok := rs.rooms[sess.ID]
	if !ok {
		r = &room{
			sessionID: sess.ID,
			ids:       make(map[string]string),
			members:   make(map[string]*member),
		}
		rs.rooms[sess.ID] = r
	}
	publicID := r.idFor(token)
	if prior, ok := r.members[publicID]; ok {
		prior.conn.Close()
	}
	m := &member{
		sessionID:  sess.ID,
		publicID:   publicID,
		token:      token,
		role:       role,
		permission: permission,
		username:   username,
		conn:       conn,
		limiter:    rate.NewLimiter(rate.Every(defaults.UsernameRateInterval), 1),
	}
	r.members[publicID] = m
	rs.mu.Unlock()

	rs.logger.Info("Member joined collaboration room",
		"session_id", sess.ID, "role", role, "username", username)
	rs.broadcast(sess.ID, systemEvent{Type: "user_joined", Username: username})
	rs.broadcastState(sess.ID)
	return m
}

// leave runs the disconnect protocol. Viewers are struck from the
// durable member list; whatever they held (slot, mouse/keyboard,
// speaker) is released and announced; the downstream token state is
// republished without them.
func (rs *Rooms) leave(ctx context.Context, m *member) {
	sessionID := m.sessionID
	rs.mu.Lock()
	r, ok := rs.rooms[sessionID]
	if !ok || r.members[m.publicID] != m {
		// A newer connection on the same token already replaced this
		// one; the replacement owns the cleanup.
		rs.mu.Unlock()
		return
	}
	delete(r.members, m.publicID)
	if len(r.members) == 0 {
		delete(rs.rooms, sessionID)
		rs.logger.Info("Collaboration room is empty, cleaned up", "session_id", sessionID)
	}
	rs.mu.Unlock()

	logger := rs.logger.With("session_id", sessionID)
	if m.role != session.RoleViewer {
		logger.Info("Controller disconnected from collaboration room")
		rs.broadcast(sessionID, systemEvent{Type: "user_left", Username: m.username})
		rs.broadcastState(sessionID)
		return
	}

	var notes []string
	heldMK := false
	updated, err := rs.cfg.Sessions.Update(sessionID, func(s *session.Session) {
		for i := range s.Viewers {
			if s.Viewers[i].Token != m.token {
				continue
			}
			if s.Viewers[i].Slot != nil {
				notes = append(notes, disconnectSlotNote(s.Viewers[i].Username, *s.Viewers[i].Slot))
			}
			s.Viewers = append(s.Viewers[:i], s.Viewers[i+1:]...)
			break
		}
		if s.MKOwnerToken == m.token {
			s.MKOwnerToken = ""
			heldMK = true
		}
		if s.DesignatedSpeaker == m.token {
			s.DesignatedSpeaker = ""
		}
	})
	if err != nil {
		// The session was stopped while the socket was live; there is
		// nothing left to clean up.
		logger.Debug("Session gone during room disconnect", "error", err)
		rs.dropRoom(sessionID)
		return
	}
	logger.Info("Viewer disconnected from collaboration room", "username", m.username)

	rs.cfg.Pusher.PushTokens(ctx, updated)
	rs.broadcast(sessionID, systemEvent{Type: "user_left", Username: m.username})
	for _, note := range notes {
		rs.broadcast(sessionID, gamepadEvent{Type: "gamepad_change", Message: note})
	}
	if heldMK {
		rs.broadcast(sessionID, mkEvent{Type: "mk_change", Message: mkOwnerNote("Controller")})
	}
	rs.broadcastState(sessionID)
}

// dropRoom closes every connection of a room whose session disappeared.
func (rs *Rooms) dropRoom(sessionID string) {
	rs.mu.Lock()
	r, ok := rs.rooms[sessionID]
	if ok {
		delete(rs.rooms, sessionID)
	}
	rs.mu.Unlock()
	if !ok {
		return
	}
	for _, m := range r.members {
		m.conn.Close()
	}
}

// liveMembers snapshots a room's connections.
func (rs *Rooms) liveMembers(sessionID string) []*member {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.rooms[sessionID]
	if !ok {
		return nil
	}
	members := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	return members
}

// broadcast sends a JSON payload to every member of a room. Individual
// send failures only cost that member the message.
func (rs *Rooms) broadcast(sessionID string, payload any) {
	for _, m := range rs.liveMembers(sessionID) {
		if err := m.writeJSON(payload); err != nil {
			rs.logger.Warn("Failed to send room message to a member",
				"session_id", sessionID, "error", err)
		}
	}
}

// stateEntry is one member in a state_update: the controller first,
// then every minted viewer, online or not.
type stateEntry struct {
	PublicID   string `json:"public_id"`
	Username   string `json:"username"`
	Online     bool   `json:"online"`
	HasMK      bool   `json:"has_mk"`
	Slot       *int   `json:"slot"`
	Permission string `json:"permission"`
}

type statePayload struct {
	Type              string       `json:"type"`
	Viewers           []stateEntry `json:"viewers"`
	DesignatedSpeaker *string      `json:"designated_speaker"`
}

type systemEvent struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type gamepadEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type mkEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type renameEvent struct {
	Type        string `json:"type"`
	OldUsername string `json:"old_username"`
	NewUsername string `json:"new_username"`
}

// broadcastState publishes the authoritative roster to every live
// member. Members are identified by public id only.
func (rs *Rooms) broadcastState(sessionID string) {
	sess, ok := rs.cfg.Sessions.Get(sessionID)
	if !ok {
		rs.dropRoom(sessionID)
		return
	}

	rs.mu.Lock()
	r, ok := rs.rooms[sessionID]
	if !ok {
		rs.mu.Unlock()
		return
	}
	controllerID := r.idFor(sess.ControllerToken)
	_, controllerOnline := r.members[controllerID]
	entries := []stateEntry{{
		PublicID:   controllerID,
		Username:   "Controller",
		Online:     controllerOnline,
		HasMK:      sess.MKOwnerToken == "",
		Slot:       sess.ControllerSlot,
		Permission: session.RoleController,
	}}
	for _, v := range sess.Viewers {
		id := r.idFor(v.Token)
		_, online := r.members[id]
		entries = append(entries, stateEntry{
			PublicID:   id,
			Username:   v.Username,
			Online:     online,
			HasMK:      sess.MKOwnerToken == v.Token,
			Slot:       v.Slot,
			Permission: v.Permission,
		})
	}
	var speaker *string
	if sess.DesignatedSpeaker != "" {
		if id, ok := r.ids[sess.DesignatedSpeaker]; ok {
			speaker = &id
		}
	}
	targets := make([]*member, 0, len(r.members))
	for _, m := range r.members {
		targets = append(targets, m)
	}
	rs.mu.Unlock()

	payload := statePayload{Type: "state_update", Viewers: entries, DesignatedSpeaker: speaker}
	for _, m := range targets {
		if err := m.writeJSON(payload); err != nil {
			rs.logger.Warn("Failed to send state update to a member",
				"session_id", sessionID, "error", err)
		}
	}
}

// resolveToken maps a public id back to a member token within a room.
func (rs *Rooms) resolveToken(sessionID, publicID string) (string, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	r, ok := rs.rooms[sessionID]
	if !ok {
		return "", false
	}
	return r.tokenFor(publicID)
}
