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

// Package jobs runs the periodic maintenance loops: the application
// image auto-update pass and the expired share sweep. Both loops wait
// a full interval before their first pass, stop when their context is
// cancelled, and never let a failed pass take the process down.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/apps"
	"github.com/linuxserver/sealskin/lib/autostart"
	"github.com/linuxserver/sealskin/lib/defaults"
	"github.com/linuxserver/sealskin/lib/provider"
	"github.com/linuxserver/sealskin/lib/shares"
)

// Config configures the background maintenance runner.
type Config struct {
	// Catalog supplies the installed applications and their stores.
	Catalog *apps.Catalog
	// Autostart refreshes per-app artifact caches before image pulls.
	Autostart *autostart.Cache
	// Images performs the pulls and keeps the metadata cache current.
	Images *provider.Images
	// Shares is swept for expired public shares.
	Shares *shares.Store
	// AutoUpdateApps enables the image auto-update loop. The share
	// sweep runs regardless.
	AutoUpdateApps bool
	// AutoUpdateInterval is the period between auto-update passes.
	AutoUpdateInterval time.Duration
	// ShareCleanupInterval is the period between share sweeps.
	ShareCleanupInterval time.Duration
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Catalog == nil {
		return trace.BadParameter("missing parameter Catalog")
	}
	if c.Autostart == nil {
		return trace.BadParameter("missing parameter Autostart")
	}
	if c.Images == nil {
		return trace.BadParameter("missing parameter Images")
	}
	if c.Shares == nil {
		return trace.BadParameter("missing parameter Shares")
	}
	if c.AutoUpdateInterval <= 0 {
		c.AutoUpdateInterval = defaults.AutoUpdateInterval
	}
	if c.ShareCleanupInterval <= 0 {
		c.ShareCleanupInterval = defaults.ShareCleanupInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(sealskin.ComponentKey, sealskin.ComponentJobs)
	}
	return nil
}

// Runner owns the background loops. Start spawns them; Wait joins them
// after the context given to Start is cancelled.
type Runner struct {
	cfg Config
	wg  sync.WaitGroup
}

// NewRunner returns a runner with no loops started yet.
func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Runner{cfg: cfg}, nil
}

// Start launches the share sweep loop and, when enabled, the image
// auto-update loop. Both exit when ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sweepLoop(ctx)
	}()
	if !r.cfg.AutoUpdateApps {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.updateLoop(ctx)
	}()
}

// Wait blocks until every started loop has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) updateLoop(ctx context.Context) {
	ticker := r.cfg.Clock.NewTicker(r.cfg.AutoUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		r.updatePass(ctx)
	}
}

// updatePass refreshes the autostart caches, then pulls each distinct
// image belonging to an auto-update app. Pulls are spaced out so a
// large catalog does not saturate the registry link.
func (r *Runner) updatePass(ctx context.Context) {
	r.cfg.Autostart.RefreshAll(ctx, r.cfg.Catalog.Stores())

	r.cfg.Logger.InfoContext(ctx, "Starting scheduled app image update check.")
	seen := make(map[string]bool)
	for _, app := range r.cfg.Catalog.Apps() {
		if !app.AutoUpdateEnabled() {
			continue
		}
		image := app.ProviderConfig.Image
		if seen[image] {
			continue
		}
		seen[image] = true

		if err := r.cfg.Images.PullAndRefresh(ctx, image); err != nil {
			r.cfg.Logger.WarnContext(ctx, "Scheduled image update failed.",
				"image", image, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-r.cfg.Clock.After(defaults.PullSpacing):
		}
	}
}

func (r *Runner) sweepLoop(ctx context.Context) {
	ticker := r.cfg.Clock.NewTicker(r.cfg.ShareCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		if removed := r.cfg.Shares.SweepExpired(ctx); removed > 0 {
			r.cfg.Logger.InfoContext(ctx, "Expired share cleanup complete.",
				"removed", removed)
		}
	}
}
