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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComposeEnvLayering(t *testing.T) {
	t.Parallel()

	app := testApp("Firefox", "lscr.io/linuxserver/firefox:latest")
	app.ProviderConfig.Env = []EnvVar{
		{Name: "TITLE", Value: "Firefox"},
		{Name: "DISPLAY_SCALE", Value: "2"},
	}
	tpl := &Template{Name: "Gaming", Settings: map[string]any{
		"TZ":            "Etc/UTC",
		"DISPLAY_SCALE": "1",
	}}

	env := ComposeEnv(app, tpl, EnvParams{
		SessionID:  "abc-123",
		PUID:       1000,
		PGID:       1000,
		CustomUser: "u-1",
		Password:   "p-1",
		Language:   "de_DE.UTF-8",
		Extra:      map[string]string{"SEALSKIN_URL": "https://example.com"},
		DRIDevice:  "/dev/dri/renderD128",
	})

	require.Equal(t, "/abc-123/", env["SUBFOLDER"])
	require.Equal(t, "1000", env["PUID"])
	require.Equal(t, "1000", env["PGID"])
	require.Equal(t, "u-1", env["CUSTOM_USER"])
	require.Equal(t, "p-1", env["PASSWORD"])
	// Template values survive unless a later layer overrides them.
	require.Equal(t, "Etc/UTC", env["TZ"])
	require.Equal(t, "2", env["DISPLAY_SCALE"])
	require.Equal(t, "https://example.com", env["SEALSKIN_URL"])
	require.Equal(t, "de_DE.UTF-8", env["LC_ALL"])
	require.Equal(t, "Firefox", env["TITLE"])
	require.Equal(t, "/dev/dri/renderD128", env["DRI_NODE"])
	require.Equal(t, "/dev/dri/renderD128", env["DRINODE"])
}

func TestComposeEnvDefaultLanguage(t *testing.T) {
	t.Parallel()

	app := testApp("Firefox", "lscr.io/linuxserver/firefox:latest")

	// The default locale is not exported, whatever its case.
	for _, lang := range []string{"", "en_US.UTF-8", "EN_US.utf-8"} {
		env := ComposeEnv(app, nil, EnvParams{SessionID: "s", Language: lang})
		_, ok := env["LC_ALL"]
		require.False(t, ok, "language %q should not set LC_ALL", lang)
	}

	env := ComposeEnv(app, nil, EnvParams{SessionID: "s"})
	_, ok := env["DRI_NODE"]
	require.False(t, ok)
	require.Equal(t, "/s/", env["SUBFOLDER"])
}
