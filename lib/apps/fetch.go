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
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"

	"github.com/linuxserver/sealskin"
)

// indexFetchTimeout bounds one store index download.
const indexFetchTimeout = 15 * time.Second

// IndexEntry is one raw application entry from a store index. The
// shape is store-controlled, so it stays a map until it has been
// normalised.
type IndexEntry map[string]any

// ID returns the store-scoped application id.
func (e IndexEntry) ID() string {
	id, _ := e["id"].(string)
	return id
}

// ProviderConfig returns the raw provider_config block.
func (e IndexEntry) ProviderConfig() map[string]any {
	pc, _ := e["provider_config"].(map[string]any)
	return pc
}

// Autostart reports whether the entry ships an autostart script.
func (e IndexEntry) Autostart() bool {
	v, _ := e.ProviderConfig()["autostart"].(bool)
	return v
}

// ParseStoreIndex decodes a store index document. Both the wrapped
// form {apps: [...]} and a bare list are accepted.
func ParseStoreIndex(raw []byte) ([]IndexEntry, error) {
	var wrapped struct {
		Apps []IndexEntry `json:"apps"`
	}
	if err := yaml.Unmarshal(raw, &wrapped); err == nil && wrapped.Apps != nil {
		return wrapped.Apps, nil
	}
	var list []IndexEntry
	if err := yaml.Unmarshal(raw, &list); err != nil || list == nil {
		return nil, trace.BadParameter("app store YAML has an invalid format")
	}
	return list, nil
}

// ScriptBaseURL derives the directory autostart scripts live under
// from a store index URL.
func ScriptBaseURL(indexURL string) string {
	if i := strings.LastIndex(indexURL, "/"); i >= 0 {
		return indexURL[:i]
	}
	return indexURL
}

// AvailableApp is one normalised store entry offered to admins.
type AvailableApp struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Logo           string         `json:"logo"`
	URL            string         `json:"url"`
	Provider       string         `json:"provider"`
	ProviderConfig ProviderConfig `json:"provider_config"`
}

// Fetcher downloads store indexes. The autostart lookup is injected so
// cached scripts can be embedded into available app listings without
// this package owning the cache.
type Fetcher struct {
	client *resty.Client
	logger *slog.Logger

	// AutostartScript returns the cached autostart script for a store
	// app, if one is cached and non-empty.
	AutostartScript func(storeName, appID string) ([]byte, bool)
}

// NewFetcher returns a store index fetcher.
func NewFetcher() *Fetcher {
	return &Fetcher{
		client: resty.New().SetTimeout(indexFetchTimeout),
		logger: slog.With(sealskin.ComponentKey, sealskin.ComponentApps),
	}
}

// FetchIndex downloads and parses a store index.
func (f *Fetcher) FetchIndex(ctx context.Context, url string) ([]IndexEntry, error) {
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, trace.BadParameter("failed to fetch app store from URL %q: %v", url, err)
	}
	if !resp.IsSuccess() {
		return nil, trace.BadParameter("failed to fetch app store from URL %q: status %v", url, resp.Status())
	}
	entries, err := ParseStoreIndex(resp.Body())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entries, nil
}

// AvailableApps downloads a store index and normalises it for the
// admin install dialog: nested extension lists are flattened and
// cached autostart scripts are embedded base64.
func (f *Fetcher) AvailableApps(ctx context.Context, storeName, url string) ([]AvailableApp, error) {
	entries, err := f.FetchIndex(ctx, url)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, entry := range entries {
		pc := entry.ProviderConfig()
		if pc == nil {
			continue
		}
		if entry.Autostart() && entry.ID() != "" && f.AutostartScript != nil {
			if script, ok := f.AutostartScript(storeName, entry.ID()); ok {
				pc["custom_autostart_script_b64"] = base64.StdEncoding.EncodeToString(script)
			} else {
				pc["custom_autostart_script_b64"] = nil
			}
		}
		if raw, ok := pc["extensions"].([]any); ok {
			pc["extensions"] = flattenExtensions(raw)
		}
	}
	// Round-trip through JSON to apply the typed model.
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []AvailableApp
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, trace.BadParameter("failed to parse app store YAML: %v", err)
	}
	return out, nil
}

// flattenExtensions unrolls one level of nested extension lists, a
// quirk of hand-maintained store indexes.
func flattenExtensions(raw []any) []any {
	out := make([]any, 0, len(raw))
	for _, item := range raw {
		if nested, ok := item.([]any); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, item)
	}
	return out
}
