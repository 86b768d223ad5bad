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

package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/opencontainers/go-digest"

	"github.com/linuxserver/sealskin"
)

// ImageStatus is the cached view of one application image, decorating
// installed app listings with freshness information.
type ImageStatus struct {
	// Known is false until the image was looked up at least once.
	Known bool
	// SHA is the local image's short id, empty when the image is not
	// present locally.
	SHA string
	// Digests are the local image's repository digests.
	Digests []string
	// LastCheckedAt is when the image was last pulled by the broker,
	// zero if never in this process.
	LastCheckedAt time.Time
	// Pulling indicates a background pull is in flight.
	Pulling bool
}

// ImagesConfig configures the image metadata cache.
type ImagesConfig struct {
	// Runtime answers image queries and performs pulls.
	Runtime Runtime
	// Clock stamps pull completions.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ImagesConfig) CheckAndSetDefaults() error {
	if c.Runtime == nil {
		return trace.BadParameter("missing parameter Runtime")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(sealskin.ComponentKey, sealskin.ComponentProvider)
	}
	return nil
}

// Images caches per-image metadata and serialises background pulls so
// one image is never pulled twice concurrently.
type Images struct {
	cfg    ImagesConfig
	clock  clockwork.Clock
	logger *slog.Logger

	mu      sync.Mutex
	meta    map[string]*ImageStatus
	pulling map[string]bool
}

// NewImages returns an empty image metadata cache.
func NewImages(cfg ImagesConfig) (*Images, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Images{
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		meta:    make(map[string]*ImageStatus),
		pulling: make(map[string]bool),
	}, nil
}

// Status returns the cached view of an image.
func (i *Images) Status(image string) ImageStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	status := ImageStatus{Pulling: i.pulling[image]}
	if cached, ok := i.meta[image]; ok {
		status.Known = true
		status.SHA = cached.SHA
		status.Digests = cached.Digests
		status.LastCheckedAt = cached.LastCheckedAt
	}
	return status
}

// Refresh populates the cache entry for an image from the runtime. A
// cached entry is reused unless force is set. A locally missing image
// is cached as known-with-empty-sha, not an error.
func (i *Images) Refresh(ctx context.Context, image string, force bool) error {
	i.mu.Lock()
	if cached, ok := i.meta[image]; ok && cached.Known && !force {
		i.mu.Unlock()
		return nil
	}
	i.mu.Unlock()

	info, err := i.cfg.Runtime.LocalImage(ctx, image)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	entry, ok := i.meta[image]
	if !ok {
		entry = &ImageStatus{}
		i.meta[image] = entry
	}
	entry.Known = true
	if info != nil {
		entry.SHA = info.ShortID
		entry.Digests = info.Digests
	} else {
		entry.SHA = ""
		entry.Digests = nil
	}
	return nil
}

// PullAndRefresh pulls an image and force-refreshes its cache entry.
// Errors propagate to the caller; this is the interactive pull path.
func (i *Images) PullAndRefresh(ctx context.Context, image string) error {
	if err := i.cfg.Runtime.Pull(ctx, image); err != nil {
		return trace.Wrap(err)
	}
	if err := i.Refresh(ctx, image, true); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// BackgroundPull pulls an image for the auto-update loop. Concurrent
// pulls of the same image collapse into one; failures are logged, not
// returned, so one broken registry cannot stall the update pass.
func (i *Images) BackgroundPull(ctx context.Context, image string) {
	i.mu.Lock()
	if i.pulling[image] {
		i.mu.Unlock()
		i.logger.InfoContext(ctx, "Pull for image is already in progress", "image", image)
		return
	}
	i.pulling[image] = true
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		delete(i.pulling, image)
		i.mu.Unlock()
	}()

	i.logger.InfoContext(ctx, "Starting background pull for image", "image", image)
	if err := i.PullAndRefresh(ctx, image); err != nil {
		i.logger.ErrorContext(ctx, "Background pull for image failed", "image", image, "error", err)
		return
	}

	i.mu.Lock()
	if entry, ok := i.meta[image]; ok {
		entry.LastCheckedAt = i.clock.Now()
	}
	i.mu.Unlock()
	i.logger.InfoContext(ctx, "Background pull for image completed", "image", image)
}

// UpdateAvailable compares the local image against what its registry
// reference currently resolves to. The local repo digests carry the
// remote digest when up to date, so an update is available exactly
// when the remote digest matches none of them. An unreachable registry
// is a connection problem; a missing local image just means an update
// is due.
func (i *Images) UpdateAvailable(ctx context.Context, image string) (currentSHA string, available bool, err error) {
	info, err := i.cfg.Runtime.LocalImage(ctx, image)
	if err != nil && !trace.IsNotFound(err) {
		return "", false, trace.Wrap(err)
	}

	remoteDigest, err := i.cfg.Runtime.RemoteDigest(ctx, image)
	if err != nil || remoteDigest == "" {
		return "", false, trace.ConnectionProblem(err,
			"could not retrieve update information for %v from its registry", image)
	}
	remote, err := digest.Parse(remoteDigest)
	if err != nil {
		return "", false, trace.ConnectionProblem(err,
			"registry returned a malformed digest %q for %v", remoteDigest, image)
	}

	available = true
	if info != nil {
		currentSHA = info.ShortID
		for _, repoDigest := range info.Digests {
			ref, err := reference.Parse(repoDigest)
			if err != nil {
				continue
			}
			if canonical, ok := ref.(reference.Canonical); ok && canonical.Digest() == remote {
				available = false
				break
			}
		}
	}
	return currentSHA, available, nil
}
