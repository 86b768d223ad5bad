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
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ghodss/yaml"
	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/defaults"
)

// CatalogConfig locates the persisted catalog files.
type CatalogConfig struct {
	// InstalledAppsPath is the YAML list of installed applications.
	InstalledAppsPath string
	// StoresPath is the YAML list of subscribed stores.
	StoresPath string
	// DefaultStoreName and DefaultStoreURL seed the store list on first
	// boot.
	DefaultStoreName string
	DefaultStoreURL  string
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CatalogConfig) CheckAndSetDefaults() error {
	if c.InstalledAppsPath == "" {
		return trace.BadParameter("missing parameter InstalledAppsPath")
	}
	if c.StoresPath == "" {
		return trace.BadParameter("missing parameter StoresPath")
	}
	if c.DefaultStoreName == "" {
		c.DefaultStoreName = defaults.DefaultStoreName
	}
	if c.DefaultStoreURL == "" {
		c.DefaultStoreURL = defaults.AppResourcePath
	}
	if c.Logger == nil {
		c.Logger = slog.With(sealskin.ComponentKey, sealskin.ComponentApps)
	}
	return nil
}

// Catalog holds the installed applications and subscribed stores,
// persisted as YAML lists.
type Catalog struct {
	cfg    CatalogConfig
	logger *slog.Logger

	mu     sync.RWMutex
	apps   map[string]InstalledApp
	stores []Store
}

// NewCatalog loads the catalog files, seeding the default store on an
// empty install.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Catalog{
		cfg:    cfg,
		logger: cfg.Logger,
		apps:   make(map[string]InstalledApp),
	}
	for _, path := range []string{cfg.InstalledAppsPath, cfg.StoresPath} {
		if err := os.MkdirAll(filepath.Dir(path), defaults.SharedDirMode); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
	}
	if err := c.load(); err != nil {
		return nil, trace.Wrap(err)
	}
	return c, nil
}

func (c *Catalog) load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := os.ReadFile(c.cfg.InstalledAppsPath)
	switch {
	case os.IsNotExist(err):
		c.apps = make(map[string]InstalledApp)
	case err != nil:
		return trace.ConvertSystemError(err)
	default:
		var list []InstalledApp
		if err := yaml.Unmarshal(raw, &list); err != nil {
			c.logger.Error("Error loading installed apps config", "error", err)
			c.apps = make(map[string]InstalledApp)
			break
		}
		apps := make(map[string]InstalledApp, len(list))
		for i := range list {
			if err := list[i].CheckAndSetDefaults(); err != nil {
				c.logger.Error("Skipping invalid installed app entry", "error", err)
				continue
			}
			apps[list[i].ID] = list[i]
		}
		c.apps = apps
	}
	c.logger.Info("Loaded installed applications", "count", len(c.apps))

	raw, err = os.ReadFile(c.cfg.StoresPath)
	switch {
	case os.IsNotExist(err):
		c.stores = []Store{{Name: c.cfg.DefaultStoreName, URL: c.cfg.DefaultStoreURL}}
		if err := c.saveStoresLocked(); err != nil {
			return trace.Wrap(err)
		}
	case err != nil:
		return trace.ConvertSystemError(err)
	default:
		var stores []Store
		if err := yaml.Unmarshal(raw, &stores); err != nil {
			c.logger.Error("Error loading app stores config", "error", err)
			stores = nil
		}
		c.stores = stores
	}
	c.logger.Info("Loaded app stores", "count", len(c.stores))
	return nil
}

func (c *Catalog) saveAppsLocked() error {
	list := make([]InstalledApp, 0, len(c.apps))
	for _, app := range c.apps {
		list = append(list, app)
	}
	sortByName(list, func(a InstalledApp) string { return a.Name })
	raw, err := yaml.Marshal(list)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := renameio.WriteFile(c.cfg.InstalledAppsPath, raw, defaults.SharedFileMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

func (c *Catalog) saveStoresLocked() error {
	raw, err := yaml.Marshal(c.stores)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := renameio.WriteFile(c.cfg.StoresPath, raw, defaults.SharedFileMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// App returns an installed application by id.
func (c *Catalog) App(id string) (InstalledApp, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	app, ok := c.apps[id]
	return app, ok
}

// Apps lists all installed applications sorted by display name.
func (c *Catalog) Apps() []InstalledApp {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]InstalledApp, 0, len(c.apps))
	for _, app := range c.apps {
		list = append(list, app)
	}
	sortByName(list, func(a InstalledApp) string { return a.Name })
	return list
}

// VisibleApps lists the launcher projections a user may see.
func (c *Catalog) VisibleApps(username, group string) []Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	summaries := make([]Summary, 0, len(c.apps))
	for _, app := range c.apps {
		if app.VisibleTo(username, group) {
			summaries = append(summaries, app.Summary())
		}
	}
	sortByName(summaries, func(s Summary) string { return s.Name })
	return summaries
}

// Install adds a new catalog entry.
func (c *Catalog) Install(app InstalledApp) (InstalledApp, error) {
	if err := app.CheckAndSetDefaults(); err != nil {
		return InstalledApp{}, trace.Wrap(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.apps[app.ID]; ok {
		return InstalledApp{}, trace.AlreadyExists("app with this ID already exists")
	}
	c.apps[app.ID] = app
	if err := c.saveAppsLocked(); err != nil {
		return InstalledApp{}, trace.Wrap(err)
	}
	c.logger.Info("Installed application", "app", app.Name, "app_id", app.ID)
	return app, nil
}

// Update replaces an installed app. It returns the updated entry and
// the image it replaced so callers can decide whether a pull is due.
func (c *Catalog) Update(id string, app InstalledApp) (InstalledApp, string, error) {
	if err := app.CheckAndSetDefaults(); err != nil {
		return InstalledApp{}, "", trace.Wrap(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.apps[id]
	if !ok {
		return InstalledApp{}, "", trace.NotFound("installed app not found")
	}
	if app.ID != id {
		return InstalledApp{}, "", trace.BadParameter("app ID in path does not match body")
	}
	c.apps[id] = app
	if err := c.saveAppsLocked(); err != nil {
		return InstalledApp{}, "", trace.Wrap(err)
	}
	return app, existing.ProviderConfig.Image, nil
}

// Remove deletes an installed app.
func (c *Catalog) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.apps[id]; !ok {
		return trace.NotFound("installed app not found")
	}
	delete(c.apps, id)
	if err := c.saveAppsLocked(); err != nil {
		return trace.Wrap(err)
	}
	c.logger.Info("Removed application", "app_id", id)
	return nil
}

// Stores lists the subscribed stores in subscription order.
func (c *Catalog) Stores() []Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Store, len(c.stores))
	copy(out, c.stores)
	return out
}

// StoreByName resolves a store by its display name.
func (c *Catalog) StoreByName(name string) (Store, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.stores {
		if s.Name == name {
			return s, true
		}
	}
	return Store{}, false
}

// AddStore subscribes a new store.
func (c *Catalog) AddStore(store Store) (Store, error) {
	if err := store.CheckAndSetDefaults(); err != nil {
		return Store{}, trace.Wrap(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.stores {
		if s.Name == store.Name {
			return Store{}, trace.AlreadyExists("app store with name %q already exists", store.Name)
		}
	}
	c.stores = append(c.stores, store)
	if err := c.saveStoresLocked(); err != nil {
		return Store{}, trace.Wrap(err)
	}
	c.logger.Info("Subscribed app store", "store", store.Name, "url", store.URL)
	return store, nil
}

// RemoveStore unsubscribes a store by name.
func (c *Catalog) RemoveStore(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.stores {
		if s.Name == name {
			c.stores = append(c.stores[:i], c.stores[i+1:]...)
			if err := c.saveStoresLocked(); err != nil {
				return trace.Wrap(err)
			}
			c.logger.Info("Unsubscribed app store", "store", name)
			return nil
		}
	}
	return trace.NotFound("app store not found")
}
