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

package autostart

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxserver/sealskin/lib/apps"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(Config{CachePath: t.TempDir()})
	require.NoError(t, err)
	return c
}

func TestRefreshAllCachesScripts(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)

	var scriptHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/store/apps.yml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`apps:
  - id: firefox
    provider_config:
      autostart: true
  - id: vlc
    provider_config:
      autostart: false
  - id: ghost
    provider_config:
      autostart: true
`))
	})
	mux.HandleFunc("/store/autostart/firefox", func(w http.ResponseWriter, r *http.Request) {
		scriptHits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("#!/bin/bash\nfirefox &\n"))
	})
	mux.HandleFunc("/store/autostart/ghost", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	stores := []apps.Store{{Name: "Main", URL: srv.URL + "/store/apps.yml"}}
	c.RefreshAll(context.Background(), stores)

	script, ok := c.Script("Main", "firefox")
	require.True(t, ok)
	require.Contains(t, string(script), "firefox &")
	require.FileExists(t, c.Path("Main", "firefox")+".meta")

	// vlc has no autostart flag, so nothing was fetched for it.
	_, ok = c.Script("Main", "vlc")
	require.False(t, ok)
	require.NoFileExists(t, c.Path("Main", "vlc"))

	// ghost 404s upstream: the absence is cached as an empty file and
	// Script reports no script.
	_, ok = c.Script("Main", "ghost")
	require.False(t, ok)
	require.FileExists(t, c.Path("Main", "ghost"))
	require.NoFileExists(t, c.Path("Main", "ghost")+".meta")

	// A second refresh revalidates with the stored ETag and leaves the
	// cache untouched on 304.
	c.RefreshAll(context.Background(), stores)
	require.EqualValues(t, 2, scriptHits.Load())
	script, ok = c.Script("Main", "firefox")
	require.True(t, ok)
	require.Contains(t, string(script), "firefox &")
}

func TestRefreshAllSkipsBrokenStores(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/good/apps.yml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("apps:\n  - id: app\n    provider_config:\n      autostart: true\n"))
	})
	mux.HandleFunc("/good/autostart/app", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("run &\n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c.RefreshAll(context.Background(), []apps.Store{
		{Name: "Broken", URL: "http://127.0.0.1:1/apps.yml"},
		{Name: "Good", URL: srv.URL + "/good/apps.yml"},
	})

	_, ok := c.Script("Good", "app")
	require.True(t, ok)
}

func TestRefreshAppBypassesETag(t *testing.T) {
	t.Parallel()
	c := newTestCache(t)

	var gotIfNoneMatch atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/s/autostart/kdenlive", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" {
			gotIfNoneMatch.Store(true)
		}
		w.Write([]byte("kdenlive &\n"))
	})
	mux.HandleFunc("/s/autostart/nothing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store := apps.Store{Name: "S", URL: srv.URL + "/s/apps.yml"}
	app := apps.InstalledApp{
		SourceAppID: "kdenlive",
		ProviderConfig: apps.ProviderConfig{
			Autostart: true,
		},
	}

	// Seed a meta file: the unconditional refresh must not send it.
	require.NoError(t, os.MkdirAll(c.cfg.CachePath+"/S", 0o755))
	require.NoError(t, os.WriteFile(c.Path("S", "kdenlive")+".meta", []byte(`{"etag":"\"v1\""}`), 0o644))

	require.NoError(t, c.RefreshApp(context.Background(), store, app))
	require.False(t, gotIfNoneMatch.Load())
	script, ok := c.Script("S", "kdenlive")
	require.True(t, ok)
	require.Equal(t, "kdenlive &\n", string(script))

	// Apps without an autostart flag are a no-op.
	require.NoError(t, c.RefreshApp(context.Background(), store, apps.InstalledApp{SourceAppID: "vlc"}))
	require.NoFileExists(t, c.Path("S", "vlc"))

	// A 404 caches the confirmed absence.
	gone := app
	gone.SourceAppID = "nothing"
	require.NoError(t, c.RefreshApp(context.Background(), store, gone))
	_, ok = c.Script("S", "nothing")
	require.False(t, ok)
	require.FileExists(t, c.Path("S", "nothing"))

	// Stores without a YAML index URL cannot host scripts.
	err := c.RefreshApp(context.Background(), apps.Store{Name: "S", URL: srv.URL + "/s/"}, app)
	require.Error(t, err)
}
