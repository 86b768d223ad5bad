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

package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linuxserver/sealskin/lib/defaults"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	require.NoError(t, cfg.CheckAndSetDefaults())

	require.Equal(t, defaults.APIPort, cfg.APIPort)
	require.Equal(t, defaults.SessionPort, cfg.SessionPort)
	require.Equal(t, defaults.DefaultProvider, cfg.DefaultProvider)
	require.Equal(t, defaults.SessionCookieName, cfg.SessionCookieName)
	require.True(t, cfg.AutoUpdateApps)
	require.Equal(t, defaults.AutoUpdateInterval, cfg.AutoUpdateInterval)
	require.Equal(t, defaults.StoragePath+"/"+defaults.EphemeralDirName, cfg.EphemeralRoot())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SEALSKIN_API_PORT", "9000")
	t.Setenv("SEALSKIN_AUTO_UPDATE_APPS", "no")
	t.Setenv("SEALSKIN_AUTO_UPDATE_INTERVAL_SECONDS", "120")
	t.Setenv("SEALSKIN_STORAGE_PATH", "/mnt/data")

	cfg := FromEnv()
	require.NoError(t, cfg.CheckAndSetDefaults())

	require.Equal(t, 9000, cfg.APIPort)
	require.False(t, cfg.AutoUpdateApps)
	require.Equal(t, 2*time.Minute, cfg.AutoUpdateInterval)
	require.Equal(t, "/mnt/data/"+defaults.EphemeralDirName, cfg.EphemeralRoot())
}

func TestFromEnvMalformedFallsBack(t *testing.T) {
	t.Setenv("SEALSKIN_API_PORT", "not-a-port")
	t.Setenv("SEALSKIN_AUTO_UPDATE_APPS", "maybe")
	t.Setenv("SEALSKIN_SHARE_CLEANUP_INTERVAL_SECONDS", "-5")

	cfg := FromEnv()
	require.NoError(t, cfg.CheckAndSetDefaults())

	require.Equal(t, defaults.APIPort, cfg.APIPort)
	require.True(t, cfg.AutoUpdateApps)
	require.Equal(t, defaults.ShareCleanupInterval, cfg.ShareCleanupInterval)
}

func TestCheckAndSetDefaults(t *testing.T) {
	tests := []struct {
		desc    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			desc:   "empty config is filled in",
			mutate: func(cfg *Config) {},
		},
		{
			desc:    "out of range port",
			mutate:  func(cfg *Config) { cfg.APIPort = 70000 },
			wantErr: "out of range",
		},
		{
			desc: "colliding listener ports",
			mutate: func(cfg *Config) {
				cfg.APIPort = 8443
				cfg.SessionPort = 8443
			},
			wantErr: "must differ",
		},
		{
			desc:    "unknown log level",
			mutate:  func(cfg *Config) { cfg.LogLevel = "LOUD" },
			wantErr: "unknown log level",
		},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			cfg := &Config{}
			tt.mutate(cfg)
			err := cfg.CheckAndSetDefaults()
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotEmpty(t, cfg.StoragePath)
			require.NotEmpty(t, cfg.SessionsDBPath)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		desc  string
		level string
		want  slog.Level
		ok    bool
	}{
		{desc: "debug", level: "DEBUG", want: slog.LevelDebug, ok: true},
		{desc: "lowercase info", level: "info", want: slog.LevelInfo, ok: true},
		{desc: "warning alias", level: "WARNING", want: slog.LevelWarn, ok: true},
		{desc: "error", level: "error", want: slog.LevelError, ok: true},
		{desc: "garbage", level: "shout", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			level, err := ParseLogLevel(tt.level)
			if !tt.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, level)
		})
	}
}
