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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	mu         sync.Mutex
	images     map[string]*ImageInfo
	remote     map[string]string
	remoteErr  error
	localCalls int
	pulls      []string
	pullGate   chan struct{}
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }

func (f *fakeRuntime) LocalImage(ctx context.Context, image string) (*ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localCalls++
	info, ok := f.images[image]
	if !ok {
		return nil, trace.NotFound("image %q not found", image)
	}
	return info, nil
}

func (f *fakeRuntime) RemoteDigest(ctx context.Context, image string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteErr != nil {
		return "", f.remoteErr
	}
	return f.remote[image], nil
}

func (f *fakeRuntime) Pull(ctx context.Context, image string) error {
	if f.pullGate != nil {
		<-f.pullGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, image)
	if f.images == nil {
		f.images = make(map[string]*ImageInfo)
	}
	f.images[image] = &ImageInfo{ID: "sha256:aaa", ShortID: "aaa", Digests: []string{"repo@sha256:bbb"}}
	return nil
}

func (f *fakeRuntime) Launch(ctx context.Context, spec LaunchSpec) (*Instance, error) {
	return nil, trace.NotImplemented("not used in these tests")
}

func (f *fakeRuntime) Stop(ctx context.Context, instanceID string) error { return nil }

func (f *fakeRuntime) Exists(ctx context.Context, instanceID string) (bool, error) {
	return false, nil
}

func (f *fakeRuntime) InspectSelf(ctx context.Context, apiPort, sessionPort int) (*SelfInfo, error) {
	return nil, trace.NotFound("not running in a container")
}

func (f *fakeRuntime) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pulls)
}

func newTestImages(t *testing.T, rt Runtime, clock clockwork.Clock) *Images {
	t.Helper()
	images, err := NewImages(ImagesConfig{Runtime: rt, Clock: clock})
	require.NoError(t, err)
	return images
}

func TestTranslatorLongestPrefix(t *testing.T) {
	t.Parallel()
	tr := NewTranslator([]Mount{
		{Source: "/srv/sealskin/config", Target: "/config"},
		{Source: "/mnt/fast/storage", Target: "/config/storage"},
	})

	require.Equal(t, "/mnt/fast/storage/alice", tr.ToHost("/config/storage/alice"))
	require.Equal(t, "/mnt/fast/storage", tr.ToHost("/config/storage"))
	require.Equal(t, "/srv/sealskin/config/keys", tr.ToHost("/config/keys"))
	// A sibling that merely shares the string prefix is not inside the
	// mount.
	require.Equal(t, "/configuration", tr.ToHost("/configuration"))
	require.Equal(t, "/tmp/elsewhere", tr.ToHost("/tmp/elsewhere"))
	require.Equal(t, "", tr.ToHost(""))

	var identity *Translator
	require.Equal(t, "/config/keys", identity.ToHost("/config/keys"))
}

func TestImagesRefresh(t *testing.T) {
	t.Parallel()
	rt := &fakeRuntime{images: map[string]*ImageInfo{
		"app:latest": {ID: "sha256:abc", ShortID: "abc", Digests: []string{"repo@sha256:def"}},
	}}
	images := newTestImages(t, rt, clockwork.NewFakeClock())
	ctx := context.Background()

	require.False(t, images.Status("app:latest").Known)

	require.NoError(t, images.Refresh(ctx, "app:latest", false))
	status := images.Status("app:latest")
	require.True(t, status.Known)
	require.Equal(t, "abc", status.SHA)
	require.Equal(t, []string{"repo@sha256:def"}, status.Digests)
	require.True(t, status.LastCheckedAt.IsZero())

	// A second non-forced refresh is served from cache.
	require.NoError(t, images.Refresh(ctx, "app:latest", false))
	require.Equal(t, 1, rt.localCalls)
	require.NoError(t, images.Refresh(ctx, "app:latest", true))
	require.Equal(t, 2, rt.localCalls)

	// A locally missing image caches as known with no sha.
	require.NoError(t, images.Refresh(ctx, "ghost:latest", false))
	status = images.Status("ghost:latest")
	require.True(t, status.Known)
	require.Empty(t, status.SHA)
}

func TestBackgroundPullCollapsesConcurrentPulls(t *testing.T) {
	t.Parallel()
	rt := &fakeRuntime{pullGate: make(chan struct{})}
	clock := clockwork.NewFakeClock()
	images := newTestImages(t, rt, clock)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		images.BackgroundPull(ctx, "app:latest")
	}()

	require.Eventually(t, func() bool {
		return images.Status("app:latest").Pulling
	}, time.Second, time.Millisecond)

	// The second pull sees the in-flight one and returns immediately.
	images.BackgroundPull(ctx, "app:latest")

	close(rt.pullGate)
	<-done

	require.Equal(t, 1, rt.pullCount())
	status := images.Status("app:latest")
	require.False(t, status.Pulling)
	require.Equal(t, "aaa", status.SHA)
	require.Equal(t, clock.Now(), status.LastCheckedAt)
}

func TestUpdateAvailable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	matched := "sha256:" + strings.Repeat("c", 64)
	superseded := "sha256:" + strings.Repeat("0", 64)
	rt := &fakeRuntime{
		images: map[string]*ImageInfo{
			"current:latest": {ShortID: "abc", Digests: []string{"repo@" + matched}},
			// Unparsable repo digests are skipped, not fatal.
			"stale:latest": {ShortID: "old", Digests: []string{"not a valid ref", "repo@" + superseded}},
		},
		remote: map[string]string{
			"current:latest": matched,
			"stale:latest":   "sha256:" + strings.Repeat("f", 64),
			"absent:latest":  "sha256:" + strings.Repeat("1", 64),
		},
	}
	images := newTestImages(t, rt, clockwork.NewFakeClock())

	sha, available, err := images.UpdateAvailable(ctx, "current:latest")
	require.NoError(t, err)
	require.Equal(t, "abc", sha)
	require.False(t, available)

	sha, available, err = images.UpdateAvailable(ctx, "stale:latest")
	require.NoError(t, err)
	require.Equal(t, "old", sha)
	require.True(t, available)

	// An image never pulled locally always has an update available.
	sha, available, err = images.UpdateAvailable(ctx, "absent:latest")
	require.NoError(t, err)
	require.Empty(t, sha)
	require.True(t, available)

	// A registry answering with garbage must not report a spurious
	// update.
	rt.remote["current:latest"] = "sha256:nothex"
	_, _, err = images.UpdateAvailable(ctx, "current:latest")
	require.True(t, trace.IsConnectionProblem(err))

	rt.remoteErr = trace.ConnectionProblem(nil, "registry down")
	_, _, err = images.UpdateAvailable(ctx, "stale:latest")
	require.True(t, trace.IsConnectionProblem(err))
}
