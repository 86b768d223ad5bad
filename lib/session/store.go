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

package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ghodss/yaml"
	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/defaults"
	"github.com/linuxserver/sealskin/lib/provider"
)

// StoreConfig configures the session store.
type StoreConfig struct {
	// Path is the YAML file the store persists to.
	Path string
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *StoreConfig) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Logger == nil {
		c.Logger = slog.With(sealskin.ComponentKey, sealskin.ComponentSession)
	}
	return nil
}

// Store is the in-memory session map. Every mutation rewrites the
// whole map to disk under the store lock, so a crash never leaves a
// half-written record behind.
type Store struct {
	cfg    StoreConfig
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]Session
}

// NewStore loads the session file. An absent file is an empty store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), defaults.SharedDirMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	s := &Store{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]Session),
	}

	raw, err := os.ReadFile(cfg.Path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, trace.ConvertSystemError(err)
	default:
		loaded := make(map[string]Session)
		if err := yaml.Unmarshal(raw, &loaded); err != nil {
			return nil, trace.Wrap(err, "failed to parse session store %v", cfg.Path)
		}
		for id, sess := range loaded {
			sess.ID = id
			s.sessions[id] = sess
		}
	}
	s.logger.Info("Loaded persisted sessions", "count", len(s.sessions))
	return s, nil
}

// Reconcile prunes sessions whose containers no longer exist. Probe
// errors keep the session: a flapping daemon at boot must not strand
// running containers without their records.
func (s *Store) Reconcile(ctx context.Context, runtime provider.Runtime) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		alive, err := runtime.Exists(ctx, sess.InstanceID)
		if err != nil {
			s.logger.WarnContext(ctx, "Could not verify session container, keeping session",
				"session_id", id, "error", err)
			continue
		}
		if !alive {
			s.logger.InfoContext(ctx, "Dropping stale session, its container is gone",
				"session_id", id, "app", sess.AppName)
			delete(s.sessions, id)
		}
	}
	return trace.Wrap(s.saveLocked())
}

// Get returns a session by id.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// List returns all sessions, newest first.
func (s *Store) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sortNewestFirst(out)
	return out
}

// ListUser returns one user's sessions, newest first.
func (s *Store) ListUser(username string) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.Username == username {
			out = append(out, sess)
		}
	}
	sortNewestFirst(out)
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Put inserts or replaces a session and persists the store.
func (s *Store) Put(sess Session) error {
	if sess.ID == "" {
		return trace.BadParameter("missing session ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return trace.Wrap(s.saveLocked())
}

// Update mutates a session under the store lock and persists the
// result. The callback sees the stored copy and may change anything
// but the id.
func (s *Store) Update(id string, fn func(*Session)) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, trace.NotFound("session %q not found", id)
	}
	fn(&sess)
	sess.ID = id
	s.sessions[id] = sess
	if err := s.saveLocked(); err != nil {
		return Session{}, trace.Wrap(err)
	}
	return sess, nil
}

// Remove pops a session and persists the store. The removed record is
// returned so the caller can tear down its container and mount.
func (s *Store) Remove(id string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false, nil
	}
	delete(s.sessions, id)
	if err := s.saveLocked(); err != nil {
		return Session{}, false, trace.Wrap(err)
	}
	return sess, true, nil
}

func (s *Store) saveLocked() error {
	raw, err := yaml.Marshal(s.sessions)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := renameio.WriteFile(s.cfg.Path, raw, defaults.SharedFileMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

func sortNewestFirst(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt != sessions[j].CreatedAt {
			return sessions[i].CreatedAt > sessions[j].CreatedAt
		}
		return sessions[i].ID < sessions[j].ID
	})
}
