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

// Package apps manages the application catalog: the stores an admin
// subscribes to, the applications installed from them and the launch
// templates that shape container environments.
package apps

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// EnvVar is one environment override an admin pinned on an installed
// application.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ProviderConfig describes how the container runtime materialises an
// application.
type ProviderConfig struct {
	Image                    string   `json:"image"`
	Port                     int      `json:"port"`
	NvidiaSupport            bool     `json:"nvidia_support"`
	Dri3Support              bool     `json:"dri3_support"`
	Type                     string   `json:"type"`
	URLSupport               bool     `json:"url_support"`
	OpenSupport              bool     `json:"open_support"`
	Extensions               []string `json:"extensions"`
	Autostart                bool     `json:"autostart"`
	CustomAutostartScriptB64 string   `json:"custom_autostart_script_b64,omitempty"`
	Env                      []EnvVar `json:"env,omitempty"`
}

// InstalledApp is one catalog entry an admin installed from a store,
// or cloned into a meta app.
type InstalledApp struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Logo             string         `json:"logo"`
	URL              string         `json:"url"`
	Source           string         `json:"source"`
	SourceAppID      string         `json:"source_app_id"`
	Provider         string         `json:"provider"`
	HomeDirectories  bool           `json:"home_directories"`
	Users            []string       `json:"users"`
	Groups           []string       `json:"groups"`
	ProviderConfig   ProviderConfig `json:"provider_config"`
	AutoUpdate       *bool          `json:"auto_update"`
	AppTemplate      string         `json:"app_template"`
	IsMetaApp        bool           `json:"is_meta_app"`
	BaseAppID        string         `json:"base_app_id,omitempty"`
	HomeTemplateName string         `json:"home_template_name,omitempty"`
}

// CheckAndSetDefaults validates a catalog entry and fills generated
// fields. Hand-edited YAML may leave auto_update out, which means on.
func (a *InstalledApp) CheckAndSetDefaults() error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Name == "" {
		return trace.BadParameter("missing parameter name")
	}
	if a.ProviderConfig.Image == "" {
		return trace.BadParameter("missing parameter provider_config.image")
	}
	if a.ProviderConfig.Port == 0 {
		return trace.BadParameter("missing parameter provider_config.port")
	}
	if a.AutoUpdate == nil {
		enabled := true
		a.AutoUpdate = &enabled
	}
	if a.Users == nil {
		a.Users = []string{}
	}
	if a.Groups == nil {
		a.Groups = []string{}
	}
	if a.ProviderConfig.Extensions == nil {
		a.ProviderConfig.Extensions = []string{}
	}
	return nil
}

// AutoUpdateEnabled reports whether the hourly update loop refreshes
// this app's image.
func (a InstalledApp) AutoUpdateEnabled() bool {
	return a.AutoUpdate == nil || *a.AutoUpdate
}

// VisibleTo reports whether a user may see and launch this app. The
// literal "all" opens an app to every user or every group.
func (a InstalledApp) VisibleTo(username, group string) bool {
	for _, u := range a.Users {
		if u == "all" || u == username {
			return true
		}
	}
	for _, g := range a.Groups {
		if g == "all" || g == group {
			return true
		}
	}
	return false
}

// Summary is the launcher-facing projection of an installed app.
type Summary struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Logo            string   `json:"logo"`
	HomeDirectories bool     `json:"home_directories"`
	NvidiaSupport   bool     `json:"nvidia_support"`
	Dri3Support     bool     `json:"dri3_support"`
	URLSupport      bool     `json:"url_support"`
	Extensions      []string `json:"extensions"`
	IsMetaApp       bool     `json:"is_meta_app"`
}

// Summary projects the catalog entry for the launcher list.
func (a InstalledApp) Summary() Summary {
	return Summary{
		ID:              a.ID,
		Name:            a.Name,
		Logo:            a.Logo,
		HomeDirectories: a.HomeDirectories,
		NvidiaSupport:   a.ProviderConfig.NvidiaSupport,
		Dri3Support:     a.ProviderConfig.Dri3Support,
		URLSupport:      a.ProviderConfig.URLSupport,
		Extensions:      a.ProviderConfig.Extensions,
		IsMetaApp:       a.IsMetaApp,
	}
}

// Status decorates an installed app with its image state for the admin
// list.
type Status struct {
	InstalledApp
	ImageSHA      string   `json:"image_sha,omitempty"`
	LastCheckedAt *float64 `json:"last_checked_at,omitempty"`
	PullStatus    string   `json:"pull_status,omitempty"`
}

// Store is one subscribed application index.
type Store struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// CheckAndSetDefaults validates a store entry.
func (s *Store) CheckAndSetDefaults() error {
	if s.Name == "" {
		return trace.BadParameter("missing parameter name")
	}
	if s.URL == "" {
		return trace.BadParameter("missing parameter url")
	}
	return nil
}

// Template is a named bag of launch settings turned into container
// environment variables at launch time.
type Template struct {
	Name     string         `json:"name"`
	Settings map[string]any `json:"settings"`
}

// EnvSettings coerces the template settings into the string form
// containers receive: booleans lowercase, numbers decimal, everything
// else printed as-is.
func (t Template) EnvSettings() map[string]string {
	out := make(map[string]string, len(t.Settings))
	for k, v := range t.Settings {
		out[k] = coerceSetting(v)
	}
	return out
}

func coerceSetting(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// sortByName orders catalog projections the way launchers display
// them, case-insensitively.
func sortByName[T any](items []T, name func(T) string) {
	sort.Slice(items, func(i, j int) bool {
		return strings.ToLower(name(items[i])) < strings.ToLower(name(items[j]))
	})
}
