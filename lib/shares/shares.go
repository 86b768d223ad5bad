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

// Package shares manages public file shares: anonymous download links
// over copies of user files, optionally password-protected and
// expiring.
package shares

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ghodss/yaml"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/defaults"
	"github.com/linuxserver/sealskin/lib/utils"
)

// Share is one public share's metadata. The shared bytes live next to
// the store as <files_dir>/<share_id>.
type Share struct {
	// OwnerUsername is the user who created the share.
	OwnerUsername string `json:"owner_username"`
	// OriginalFilename is the name the download is served under.
	OriginalFilename string `json:"original_filename"`
	// SizeBytes is the shared file's size at creation time.
	SizeBytes int64 `json:"size_bytes"`
	// CreatedAt is the creation time in unix seconds.
	CreatedAt float64 `json:"created_at"`
	// PasswordHash is the sha256 hex of the share password, empty for
	// open shares.
	PasswordHash string `json:"password_hash,omitempty"`
	// ExpiryTimestamp is the unix time the share lapses, nil for never.
	ExpiryTimestamp *float64 `json:"expiry_timestamp,omitempty"`
}

// HasPassword reports whether downloads must present a password.
func (s Share) HasPassword() bool { return s.PasswordHash != "" }

// Expired reports whether the share has lapsed.
func (s Share) Expired(now time.Time) bool {
	return s.ExpiryTimestamp != nil && *s.ExpiryTimestamp < unixSeconds(now)
}

// CheckPassword verifies a presented password in constant time.
func (s Share) CheckPassword(password string) bool {
	sum := sha256.Sum256([]byte(password))
	return utils.ConstantTimeEquals(s.PasswordHash, hex.EncodeToString(sum[:]))
}

// Info is the share shape returned to its owner.
type Info struct {
	ShareID          string   `json:"share_id"`
	OriginalFilename string   `json:"original_filename"`
	SizeBytes        int64    `json:"size_bytes"`
	CreatedAt        float64  `json:"created_at"`
	ExpiryTimestamp  *float64 `json:"expiry_timestamp"`
	HasPassword      bool     `json:"has_password"`
	URL              string   `json:"url"`
}

// Config configures the share store.
type Config struct {
	// MetadataPath is the YAML file the share map persists to.
	MetadataPath string
	// FilesDir holds the shared file copies, one per share id.
	FilesDir string
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.MetadataPath == "" {
		return trace.BadParameter("missing parameter MetadataPath")
	}
	if c.FilesDir == "" {
		return trace.BadParameter("missing parameter FilesDir")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(sealskin.ComponentKey, sealskin.ComponentShares)
	}
	return nil
}

// Store owns the share metadata map and the shared file copies.
type Store struct {
	cfg    Config
	logger *slog.Logger
	clock  clockwork.Clock

	mu     sync.Mutex
	shares map[string]Share
}

// NewStore loads the share metadata. An absent file is an empty store.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.FilesDir, defaults.SharedDirMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.MetadataPath), defaults.SharedDirMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	s := &Store{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		shares: make(map[string]Share),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(); err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.Info("Loaded public shares", "count", len(s.shares))
	return s, nil
}

// Create copies a user file into the public area and records its
// metadata. The password, when given, is stored as a sha256 hex
// digest; expiryHours <= 0 means the share never lapses.
func (s *Store) Create(owner, sourcePath, password string, expiryHours int) (*Info, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if info.IsDir() {
		return nil, trace.BadParameter("path does not point to a file")
	}

	shareID := uuid.NewString()
	if err := copyFile(sourcePath, filepath.Join(s.cfg.FilesDir, shareID)); err != nil {
		return nil, trace.Wrap(err)
	}

	share := Share{
		OwnerUsername:    owner,
		OriginalFilename: filepath.Base(sourcePath),
		SizeBytes:        info.Size(),
		CreatedAt:        unixSeconds(s.clock.Now()),
	}
	if password != "" {
		sum := sha256.Sum256([]byte(password))
		share.PasswordHash = hex.EncodeToString(sum[:])
	}
	if expiryHours > 0 {
		expiry := unixSeconds(s.clock.Now().Add(time.Duration(expiryHours) * time.Hour))
		share.ExpiryTimestamp = &expiry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[shareID] = share
	if err := s.saveLocked(); err != nil {
		return nil, trace.Wrap(err)
	}
	s.logger.Info("Created public share",
		"share_id", shareID,
		"owner", owner,
		"file", share.OriginalFilename,
		"size", humanize.Bytes(uint64(share.SizeBytes)),
		"protected", share.HasPassword())
	return s.infoLocked(shareID, share), nil
}

// List returns one owner's shares, newest first.
func (s *Store) List(owner string) []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Info
	for id, share := range s.shares {
		if share.OwnerUsername == owner {
			out = append(out, *s.infoLocked(id, share))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ShareID < out[j].ShareID
	})
	return out
}

// Get returns a share from the in-memory map.
func (s *Store) Get(id string) (Share, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	share, ok := s.shares[id]
	return share, ok
}

// FreshGet re-reads the metadata file before answering, so downloads
// honour deletions made out-of-band since the last mutation.
func (s *Store) FreshGet(id string) (Share, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reloadLocked(); err != nil {
		return Share{}, false, trace.Wrap(err)
	}
	share, ok := s.shares[id]
	return share, ok, nil
}

// Delete removes an owner's share: the public file copy first, then
// the metadata entry. Deleting someone else's share is denied.
func (s *Store) Delete(id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	share, ok := s.shares[id]
	if !ok {
		return trace.NotFound("share %q not found", id)
	}
	if share.OwnerUsername != owner {
		return trace.AccessDenied("share %q does not belong to %q", id, owner)
	}
	s.removeFileLocked(id)
	delete(s.shares, id)
	return trace.Wrap(s.saveLocked())
}

// FilePath returns the on-disk path of a share's file copy.
func (s *Store) FilePath(id string) string {
	return filepath.Join(s.cfg.FilesDir, id)
}

// SweepExpired drops every lapsed share and its file copy, returning
// how many were removed.
func (s *Store) SweepExpired(ctx context.Context) int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, share := range s.shares {
		if !share.Expired(now) {
			continue
		}
		s.logger.InfoContext(ctx, "Removing expired public share",
			"share_id", id, "owner", share.OwnerUsername, "file", share.OriginalFilename)
		s.removeFileLocked(id)
		delete(s.shares, id)
		removed++
	}
	if removed > 0 {
		if err := s.saveLocked(); err != nil {
			s.logger.ErrorContext(ctx, "Failed to persist share metadata after sweep", "error", err)
		}
	}
	return removed
}

func (s *Store) infoLocked(id string, share Share) *Info {
	return &Info{
		ShareID:          id,
		OriginalFilename: share.OriginalFilename,
		SizeBytes:        share.SizeBytes,
		CreatedAt:        share.CreatedAt,
		ExpiryTimestamp:  share.ExpiryTimestamp,
		HasPassword:      share.HasPassword(),
		URL:              "/public/" + id,
	}
}

func (s *Store) removeFileLocked(id string) {
	if err := os.Remove(s.FilePath(id)); err != nil && !os.IsNotExist(err) {
		s.logger.Error("Error deleting share file", "share_id", id, "error", err)
	}
}

func (s *Store) reloadLocked() error {
	raw, err := os.ReadFile(s.cfg.MetadataPath)
	switch {
	case os.IsNotExist(err):
		s.shares = make(map[string]Share)
	case err != nil:
		return trace.ConvertSystemError(err)
	default:
		loaded := make(map[string]Share)
		if err := yaml.Unmarshal(raw, &loaded); err != nil {
			return trace.Wrap(err, "failed to parse share metadata %v", s.cfg.MetadataPath)
		}
		s.shares = loaded
	}
	return nil
}

func (s *Store) saveLocked() error {
	raw, err := yaml.Marshal(s.shares)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := renameio.WriteFile(s.cfg.MetadataPath, raw, defaults.SharedFileMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, defaults.SharedFileMode)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(out.Close())
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
