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

package shares

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, clock clockwork.Clock) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(Config{
		MetadataPath: filepath.Join(dir, "public_shares.yml"),
		FilesDir:     filepath.Join(dir, "public"),
		Clock:        clock,
	})
	require.NoError(t, err)
	return s
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestShareLifecycle(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	s := newTestStore(t, clock)

	src := writeSource(t, "report.pdf", "hello world")
	info, err := s.Create("alice", src, "", 0)
	require.NoError(t, err)
	require.Equal(t, "report.pdf", info.OriginalFilename)
	require.EqualValues(t, 11, info.SizeBytes)
	require.False(t, info.HasPassword)
	require.Nil(t, info.ExpiryTimestamp)
	require.Equal(t, "/public/"+info.ShareID, info.URL)

	// The share serves a copy, so the source can disappear.
	require.NoError(t, os.Remove(src))
	raw, err := os.ReadFile(s.FilePath(info.ShareID))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(raw))

	list := s.List("alice")
	require.Len(t, list, 1)
	require.Empty(t, s.List("bob"))

	err = s.Delete(info.ShareID, "bob")
	require.True(t, trace.IsAccessDenied(err))
	require.NoError(t, s.Delete(info.ShareID, "alice"))
	err = s.Delete(info.ShareID, "alice")
	require.True(t, trace.IsNotFound(err))
	_, statErr := os.Stat(s.FilePath(info.ShareID))
	require.True(t, os.IsNotExist(statErr))
}

func TestSharePassword(t *testing.T) {
	t.Parallel()
	s := newTestStore(t, clockwork.NewFakeClock())

	src := writeSource(t, "secret.txt", "shh")
	info, err := s.Create("alice", src, "hunter2", 0)
	require.NoError(t, err)
	require.True(t, info.HasPassword)

	share, ok := s.Get(info.ShareID)
	require.True(t, ok)
	require.True(t, share.CheckPassword("hunter2"))
	require.False(t, share.CheckPassword("Hunter2"))
	require.False(t, share.CheckPassword(""))
}

func TestShareExpiry(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	s := newTestStore(t, clock)

	forever, err := s.Create("alice", writeSource(t, "keep.txt", "keep"), "", 0)
	require.NoError(t, err)
	lapsing, err := s.Create("alice", writeSource(t, "drop.txt", "drop"), "", 1)
	require.NoError(t, err)

	share, ok := s.Get(lapsing.ShareID)
	require.True(t, ok)
	require.False(t, share.Expired(clock.Now()))

	require.Zero(t, s.SweepExpired(context.Background()))

	clock.Advance(2 * time.Hour)
	require.True(t, share.Expired(clock.Now()))
	require.Equal(t, 1, s.SweepExpired(context.Background()))

	_, ok = s.Get(lapsing.ShareID)
	require.False(t, ok)
	_, statErr := os.Stat(s.FilePath(lapsing.ShareID))
	require.True(t, os.IsNotExist(statErr))
	_, ok = s.Get(forever.ShareID)
	require.True(t, ok)

	// Sweeping again finds nothing left to do.
	require.Zero(t, s.SweepExpired(context.Background()))
}

func TestSharePersistenceAndFreshGet(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	s := newTestStore(t, clock)

	info, err := s.Create("alice", writeSource(t, "doc.txt", "doc"), "pw", 3)
	require.NoError(t, err)

	// A second store over the same files sees the share.
	reloaded, err := NewStore(s.cfg)
	require.NoError(t, err)
	share, ok := reloaded.Get(info.ShareID)
	require.True(t, ok)
	require.Equal(t, "alice", share.OwnerUsername)
	require.True(t, share.HasPassword())
	require.NotNil(t, share.ExpiryTimestamp)

	// FreshGet observes deletions performed through another handle.
	require.NoError(t, reloaded.Delete(info.ShareID, "alice"))
	_, ok, err = s.FreshGet(info.ShareID)
	require.NoError(t, err)
	require.False(t, ok)
}
