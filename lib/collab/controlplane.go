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
	"context"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/defaults"
	"github.com/linuxserver/sealskin/lib/session"
)

// TokenPusher publishes a room's authoritative token state to the
// containers behind it. Pushes are best-effort: they are logged on
// failure and never block a room operation.
type TokenPusher interface {
	PushTokens(ctx context.Context, sess session.Session)
}

// TokenGrant is one member's entry in a downstream token push.
type TokenGrant struct {
	// Role is "controller" or "viewer".
	Role string `json:"role"`
	// Slot is the gamepad slot, nil for none.
	Slot *int `json:"slot"`
	// MKControl grants mouse and keyboard delivery.
	MKControl bool `json:"mk_control"`
}

// TokenState builds the full token map pushed downstream: the
// controller plus every minted viewer. Mouse/keyboard control follows
// the session's owner token, defaulting to the controller.
func TokenState(sess session.Session) map[string]TokenGrant {
	state := map[string]TokenGrant{
		sess.ControllerToken: {
			Role:      session.RoleController,
			Slot:      sess.ControllerSlot,
			MKControl: sess.MKOwnerToken == "",
		},
	}
	for _, v := range sess.Viewers {
		state[v.Token] = TokenGrant{
			Role:      session.RoleViewer,
			Slot:      v.Slot,
			MKControl: sess.MKOwnerToken == v.Token,
		}
	}
	return state
}

// controlIPs returns the distinct addresses in the session's container
// registry, falling back to the primary container.
func controlIPs(sess session.Session) []string {
	var ips []string
	seen := make(map[string]bool)
	for _, c := range sess.Containers {
		if c.IP == "" || seen[c.IP] {
			continue
		}
		seen[c.IP] = true
		ips = append(ips, c.IP)
	}
	if len(ips) == 0 && sess.IP != "" {
		ips = append(ips, sess.IP)
	}
	return ips
}

// ControlPlane pushes token state to the /tokens endpoint hosted
// application containers expose on the control-plane port.
type ControlPlane struct {
	client *resty.Client
	logger *slog.Logger
}

// NewControlPlane returns a control-plane client with the push timeout
// applied.
func NewControlPlane() *ControlPlane {
	return &ControlPlane{
		client: resty.New().SetTimeout(defaults.ControlPlanePushTimeout),
		logger: slog.With(sealskin.ComponentKey, sealskin.ComponentCollab),
	}
}

// PushTokens posts the session's token state to every distinct registry
// IP, at most once each. Failures are logged and swallowed.
func (c *ControlPlane) PushTokens(ctx context.Context, sess session.Session) {
	state := TokenState(sess)
	for _, ip := range controlIPs(sess) {
		url := fmt.Sprintf("http://%s:%d/tokens", ip, defaults.ControlPlanePort)
		resp, err := c.client.R().
			SetContext(ctx).
			SetAuthToken(sess.MasterToken).
			SetBody(state).
			Post(url)
		if err != nil {
			c.logger.WarnContext(ctx, "Failed to push token state downstream",
				"session_id", sess.ID, "ip", ip, "error", err)
			continue
		}
		if resp.IsError() {
			c.logger.WarnContext(ctx, "Downstream rejected token state",
				"session_id", sess.ID, "ip", ip, "status", resp.StatusCode())
			continue
		}
		c.logger.DebugContext(ctx, "Pushed token state downstream",
			"session_id", sess.ID, "ip", ip, "tokens", len(state))
	}
}
