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

package apps

import (
	"strconv"
	"strings"

	"github.com/linuxserver/sealskin/lib/defaults"
)

// EnvParams carries the per-launch values merged into a container
// environment by ComposeEnv.
type EnvParams struct {
	// SessionID scopes the container's SUBFOLDER path.
	SessionID string
	// PUID and PGID are the ids the hosted container runs as.
	PUID int
	PGID int
	// CustomUser and Password are the per-session upstream HTTP
	// credentials the proxy injects on every forwarded request.
	CustomUser string
	Password   string
	// Language is exported as LC_ALL unless it matches the container
	// default locale.
	Language string
	// Extra holds caller variables such as SEALSKIN_URL, merged after
	// the template settings.
	Extra map[string]string
	// DRIDevice is the selected DRI3 render node. When set it is
	// exported as both DRI_NODE and DRINODE.
	DRIDevice string
}

// ComposeEnv builds the environment of a session container. Later
// sources override earlier ones: static session variables first, then
// the app template's settings, then caller extras, the language, the
// app's own env overrides and finally the DRI3 render node. A nil
// template contributes nothing.
func ComposeEnv(app InstalledApp, tpl *Template, p EnvParams) map[string]string {
	env := map[string]string{
		"SUBFOLDER":   "/" + p.SessionID + "/",
		"PUID":        strconv.Itoa(p.PUID),
		"PGID":        strconv.Itoa(p.PGID),
		"CUSTOM_USER": p.CustomUser,
		"PASSWORD":    p.Password,
	}
	if tpl != nil {
		for name, value := range tpl.EnvSettings() {
			env[name] = value
		}
	}
	for name, value := range p.Extra {
		env[name] = value
	}
	if p.Language != "" && !strings.EqualFold(p.Language, defaults.DefaultLanguage) {
		env["LC_ALL"] = p.Language
	}
	for _, override := range app.ProviderConfig.Env {
		env[override.Name] = override.Value
	}
	if p.DRIDevice != "" {
		env["DRI_NODE"] = p.DRIDevice
		env["DRINODE"] = p.DRIDevice
	}
	return env
}
