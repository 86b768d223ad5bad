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
	"fmt"
	"html/template"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"

	"github.com/gravitational/trace"

	"github.com/linuxserver/sealskin/lib/defaults"
	"github.com/linuxserver/sealskin/lib/session"
	"github.com/linuxserver/sealskin/lib/utils"
)

// viewerTokenBytes is the entropy of a minted viewer token.
const viewerTokenBytes = 16

// clientData is injected into the room page for the client script.
// Invite URLs are only handed to the controller.
type clientData struct {
	SessionID          string `json:"sessionId"`
	AppName            string `json:"appName"`
	UserRole           string `json:"userRole"`
	UserToken          string `json:"userToken"`
	ParticipantJoinURL string `json:"participantJoinUrl,omitempty"`
	ReadonlyJoinURL    string `json:"readonlyJoinUrl,omitempty"`
}

var roomPage = template.Must(template.New("room").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.AppName}} &middot; SealSkin Room</title>
<style>
  html, body { margin: 0; height: 100%; background: #101418; }
  #session-frame { border: 0; width: 100%; height: 100%; }
</style>
</head>
<body>
<script>window.COLLAB_DATA = {{.Data}};</script>
<iframe id="session-frame" src="{{.IframeSrc}}" allow="autoplay; clipboard-read; clipboard-write; gamepad"></iframe>
</body>
</html>
`))

type pageVars struct {
	AppName   string
	Data      clientData
	IframeSrc string
}

// ServePage renders the collaboration room, admitting the visitor by
// whichever token they present:
//
//   - the session access token (owner) or controller token: controller
//   - a minted viewer token: viewer with its stored permission
//   - an invite token: mint a new viewer and redirect onto its token
//
// Anything else is refused.
func (rs *Rooms) ServePage(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, ok := rs.cfg.Sessions.Get(sessionID)
	if !ok || !sess.IsCollaboration {
		http.Error(w, "collaboration room not found", http.StatusNotFound)
		return
	}
	collabToken := r.URL.Query().Get("token")

	ownerToken := r.URL.Query().Get("access_token")
	if ownerToken == "" {
		if c, err := r.Cookie(rs.cfg.SessionCookieName); err == nil {
			ownerToken = c.Value
		}
	}
	isOwner := ownerToken != "" && utils.ConstantTimeEquals(ownerToken, sess.AccessToken)
	isController := isOwner ||
		(collabToken != "" && utils.ConstantTimeEquals(collabToken, sess.ControllerToken))

	viewer := sess.ViewerByToken(collabToken)

	var role, userToken, username string
	switch {
	case isController:
		role = session.RoleController
		userToken = sess.ControllerToken
		username = "Controller"
	case viewer != nil:
		role = session.RoleViewer
		userToken = collabToken
		username = viewer.Username
	case collabToken != "" && utils.ConstantTimeEquals(collabToken, sess.ParticipantInviteToken):
		rs.redeemInvite(w, r, sessionID, session.PermissionParticipant)
		return
	case collabToken != "" && utils.ConstantTimeEquals(collabToken, sess.ReadonlyInviteToken):
		rs.redeemInvite(w, r, sessionID, session.PermissionReadonly)
		return
	default:
		http.Error(w, "invalid or missing collaboration token", http.StatusUnauthorized)
		return
	}

	data := clientData{
		SessionID: sessionID,
		AppName:   sess.AppName,
		UserRole:  role,
		UserToken: userToken,
	}
	if role == session.RoleController {
		data.ParticipantJoinURL = joinURL(r, sessionID, sess.ParticipantInviteToken)
		data.ReadonlyJoinURL = joinURL(r, sessionID, sess.ReadonlyInviteToken)
	}

	// The owner arriving with the access token in the URL gets the
	// per-session proxy cookie so the embedded frame authenticates
	// without the query parameter.
	if q := r.URL.Query().Get("access_token"); q != "" && isOwner {
		http.SetCookie(w, &http.Cookie{
			Name:     rs.cfg.SessionCookieName + "_" + sessionID,
			Value:    q,
			Path:     "/" + sessionID,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	// Every member gets the room token cookie. SameSite=None because
	// the session frame is embedded.
	http.SetCookie(w, &http.Cookie{
		Name:     defaults.CollabCookiePrefix + sessionID,
		Value:    userToken,
		Path:     "/" + sessionID,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	vars := pageVars{
		AppName:   sess.AppName,
		Data:      data,
		IframeSrc: fmt.Sprintf("/%s/?token=%s&embedded=true", sessionID, url.QueryEscape(userToken)),
	}
	if err := roomPage.Execute(w, vars); err != nil {
		rs.logger.Warn("Failed to render room page",
			"session_id", sessionID, "user", username, "error", err)
	}
}

// redeemInvite turns an invite token into a fresh viewer and bounces
// the visitor onto their personal token.
func (rs *Rooms) redeemInvite(w http.ResponseWriter, r *http.Request, sessionID, permission string) {
	token, err := utils.RandomToken(viewerTokenBytes)
	if err != nil {
		http.Error(w, "failed to mint viewer token", http.StatusInternalServerError)
		return
	}
	viewer := session.Viewer{
		Token:      token,
		Username:   fmt.Sprintf("User-%d", 100+rand.IntN(900)),
		Permission: permission,
	}
	updated, err := rs.cfg.Sessions.Update(sessionID, func(s *session.Session) {
		s.Viewers = append(s.Viewers, viewer)
	})
	if err != nil {
		if trace.IsNotFound(err) {
			http.Error(w, "collaboration room not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to register viewer", http.StatusInternalServerError)
		return
	}
	rs.logger.Info("Invite redeemed, viewer minted",
		"session_id", sessionID, "permission", permission, "username", viewer.Username)
	rs.cfg.Pusher.PushTokens(r.Context(), updated)
	rs.broadcastState(sessionID)

	target := *r.URL
	target.RawQuery = url.Values{"token": []string{token}}.Encode()
	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}

// joinURL builds an absolute invite link from the incoming request.
func joinURL(r *http.Request, sessionID, inviteToken string) string {
	scheme := "https"
	if r.TLS == nil && !strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/room/%s?token=%s",
		scheme, r.Host, sessionID, url.QueryEscape(inviteToken))
}
