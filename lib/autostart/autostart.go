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

// Package autostart maintains the on-disk cache of application
// autostart scripts published next to app store indexes. Scripts live
// at <cache>/<store>/<app id> with a sibling <app id>.meta file
// recording the ETag the copy was fetched under.
package autostart

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/apps"
	"github.com/linuxserver/sealskin/lib/defaults"
)

const (
	// indexFetchTimeout bounds one store index download.
	indexFetchTimeout = 15 * time.Second
	// scriptFetchTimeout bounds one script download.
	scriptFetchTimeout = 10 * time.Second
)

// Config configures the script cache.
type Config struct {
	// CachePath is the cache root directory.
	CachePath string
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.CachePath == "" {
		return trace.BadParameter("missing parameter CachePath")
	}
	if c.Logger == nil {
		c.Logger = slog.With(sealskin.ComponentKey, sealskin.ComponentAutostart)
	}
	return nil
}

// Cache fetches and serves cached autostart scripts.
type Cache struct {
	cfg     Config
	logger  *slog.Logger
	scripts *resty.Client
	indexes *resty.Client
}

// NewCache returns a script cache rooted at cfg.CachePath.
func NewCache(cfg Config) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.CachePath, defaults.PrivateDirMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return &Cache{
		cfg:     cfg,
		logger:  cfg.Logger,
		scripts: resty.New().SetTimeout(scriptFetchTimeout),
		indexes: resty.New().SetTimeout(indexFetchTimeout),
	}, nil
}

// Path returns the cache file path for a store app.
func (c *Cache) Path(storeName, appID string) string {
	return filepath.Join(c.cfg.CachePath, storeName, appID)
}

// Script returns the cached script for a store app. Empty cache files
// record a confirmed absence upstream and report no script.
func (c *Cache) Script(storeName, appID string) ([]byte, bool) {
	raw, err := os.ReadFile(c.Path(storeName, appID))
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	return raw, true
}

// RefreshAll walks every subscribed store index and refreshes the
// cached script of each app that advertises one. Store and script
// failures are logged and skipped so one broken store cannot stall
// the rest.
func (c *Cache) RefreshAll(ctx context.Context, stores []apps.Store) {
	c.logger.InfoContext(ctx, "Starting autostart script cache refresh for all app stores")
	var group errgroup.Group
	for _, store := range stores {
		resp, err := c.indexes.R().SetContext(ctx).Get(store.URL)
		if err != nil || !resp.IsSuccess() {
			c.logger.ErrorContext(ctx, "Failed to process app store for autostart cache",
				"store", store.Name, "error", err, "status", resp.StatusCode())
			continue
		}
		entries, err := apps.ParseStoreIndex(resp.Body())
		if err != nil {
			c.logger.ErrorContext(ctx, "Could not find a list of apps in store",
				"store", store.Name, "error", err)
			continue
		}
		baseURL := apps.ScriptBaseURL(store.URL)
		for _, entry := range entries {
			if !entry.Autostart() || entry.ID() == "" {
				continue
			}
			storeName, appID := store.Name, entry.ID()
			group.Go(func() error {
				if err := c.refreshScript(ctx, storeName, baseURL, appID); err != nil {
					c.logger.WarnContext(ctx, "Failed to fetch autostart script",
						"app_id", appID, "store", storeName, "error", err)
				}
				return nil
			})
		}
	}
	group.Wait()
	c.logger.InfoContext(ctx, "Autostart script cache refresh complete")
}

// refreshScript revalidates one cached script against upstream using
// the stored ETag. A 304 leaves the cache untouched, a 404 caches the
// confirmed absence as an empty file.
func (c *Cache) refreshScript(ctx context.Context, storeName, baseURL, appID string) error {
	cachePath := c.Path(storeName, appID)
	metaPath := cachePath + ".meta"
	if err := os.MkdirAll(filepath.Dir(cachePath), defaults.SharedDirMode); err != nil {
		return trace.ConvertSystemError(err)
	}

	req := c.scripts.R().SetContext(ctx)
	if etag, ok := c.readETag(metaPath); ok {
		req.SetHeader("If-None-Match", etag)
	}

	resp, err := req.Get(baseURL + "/autostart/" + appID)
	if err != nil {
		return trace.ConnectionProblem(err, "fetching autostart script")
	}
	switch {
	case resp.StatusCode() == http.StatusNotModified:
		c.logger.DebugContext(ctx, "Autostart script is up to date", "app_id", appID, "store", storeName)
		return nil
	case resp.StatusCode() == http.StatusNotFound:
		if err := c.writeScript(cachePath, nil); err != nil {
			return trace.Wrap(err)
		}
		if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
			return trace.ConvertSystemError(err)
		}
		return nil
	case !resp.IsSuccess():
		return trace.ConnectionProblem(nil, "fetching autostart script: status %v", resp.Status())
	}

	if err := c.writeScript(cachePath, resp.Body()); err != nil {
		return trace.Wrap(err)
	}
	if etag := resp.Header().Get("ETag"); etag != "" {
		raw, err := json.Marshal(map[string]string{"etag": etag})
		if err != nil {
			return trace.Wrap(err)
		}
		if err := os.WriteFile(metaPath, raw, defaults.SharedFileMode); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	c.logger.InfoContext(ctx, "Cached autostart script", "app_id", appID, "store", storeName)
	return nil
}

// RefreshApp unconditionally re-fetches the script of one installed
// app, bypassing ETag revalidation. Used after image pulls so a fresh
// image always pairs with a fresh script. Failures are returned for
// the caller to log; a pull should not fail over a script fetch.
func (c *Cache) RefreshApp(ctx context.Context, store apps.Store, app apps.InstalledApp) error {
	if !app.ProviderConfig.Autostart {
		return nil
	}
	if !strings.HasSuffix(store.URL, ".yml") && !strings.HasSuffix(store.URL, ".yaml") {
		return trace.BadParameter("app store URL does not appear to be a YAML file: %v", store.URL)
	}
	cachePath := c.Path(store.Name, app.SourceAppID)
	if err := os.MkdirAll(filepath.Dir(cachePath), defaults.SharedDirMode); err != nil {
		return trace.ConvertSystemError(err)
	}

	url := apps.ScriptBaseURL(store.URL) + "/autostart/" + app.SourceAppID
	c.logger.InfoContext(ctx, "Checking for autostart script", "app_id", app.SourceAppID, "url", url)

	resp, err := c.scripts.R().SetContext(ctx).Get(url)
	if err != nil {
		return trace.ConnectionProblem(err, "fetching autostart script")
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		c.logger.WarnContext(ctx, "No autostart script found, caching empty response", "app_id", app.SourceAppID)
		return trace.Wrap(c.writeScript(cachePath, nil))
	case !resp.IsSuccess():
		return trace.ConnectionProblem(nil, "fetching autostart script: status %v", resp.Status())
	}
	if err := c.writeScript(cachePath, resp.Body()); err != nil {
		return trace.Wrap(err)
	}
	c.logger.InfoContext(ctx, "Cached autostart script", "app_id", app.SourceAppID)
	return nil
}

func (c *Cache) readETag(metaPath string) (string, bool) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return "", false
	}
	var meta struct {
		ETag string `json:"etag"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil || meta.ETag == "" {
		c.logger.Warn("Could not read autostart meta file", "path", metaPath)
		return "", false
	}
	return meta.ETag, true
}

func (c *Cache) writeScript(path string, content []byte) error {
	if content == nil {
		content = []byte{}
	}
	if err := os.WriteFile(path, content, defaults.SharedFileMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}
