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

// Package identity authenticates API callers. Clients hold their own
// RSA keys and sign short lived JWTs with them; the server side only
// ever stores public keys, so there are no passwords and no server
// side session state to steal.
package identity

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gravitational/trace"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/httplib"
	"github.com/linuxserver/sealskin/lib/users"
)

// Algorithm is the only accepted JWT signing algorithm.
const Algorithm = "RS256"

// Identity is an authenticated caller together with their resolved
// policy.
type Identity struct {
	users.User
	// Effective is the caller's policy with group overrides applied.
	// Admins always carry the defaults.
	Effective users.Settings
}

// Directory is the slice of the user directory authentication needs.
type Directory interface {
	GetUser(username string) (users.User, bool)
	EffectiveSettings(username string) users.Settings
}

// Authenticator verifies bearer tokens against the user directory.
type Authenticator struct {
	directory Directory
	parser    *jwt.Parser
	logger    *slog.Logger
}

// NewAuthenticator returns an authenticator backed by the given
// directory.
func NewAuthenticator(directory Directory) *Authenticator {
	return &Authenticator{
		directory: directory,
		parser:    jwt.NewParser(jwt.WithValidMethods([]string{Algorithm})),
		logger:    slog.With(sealskin.ComponentKey, sealskin.ComponentIdentity),
	}
}

// Authenticate resolves the caller behind an Authorization: Bearer
// header. The username claim is read before any signature check so the
// right public key can be selected; inactive accounts are rejected
// with access denied, every other failure stays a 401.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, httplib.Unauthenticated("authorization header missing or invalid")
	}
	token := strings.TrimPrefix(header, "Bearer ")

	unverified := jwt.MapClaims{}
	if _, _, err := a.parser.ParseUnverified(token, unverified); err != nil {
		return nil, httplib.Unauthenticated("invalid token format: %v", err)
	}
	username, _ := unverified["sub"].(string)
	if username == "" {
		return nil, httplib.Unauthenticated("token missing username claim")
	}
	user, ok := a.directory.GetUser(username)
	if !ok {
		return nil, httplib.Unauthenticated("user %q not found", username)
	}

	effective := a.directory.EffectiveSettings(username)
	if !user.IsAdmin && !effective.Active {
		return nil, trace.AccessDenied("user account is inactive")
	}

	publicKey, err := users.ParsePublicKeyPEM([]byte(user.PublicKeyPEM))
	if err != nil {
		a.logger.Warn("Stored public key is unusable", "username", username, "error", err)
		return nil, httplib.Unauthenticated("invalid token signature or claims")
	}
	if _, err := a.parser.Parse(token, func(*jwt.Token) (any, error) {
		return publicKey, nil
	}); err != nil {
		return nil, httplib.Unauthenticated("invalid token signature or claims: %v", err)
	}
	return &Identity{User: user, Effective: effective}, nil
}

// CheckAdmin gates the admin surface.
func CheckAdmin(id *Identity) error {
	if !id.IsAdmin {
		return trace.AccessDenied("admin privileges required")
	}
	return nil
}

// CheckPersistentStorage gates every file browser and home directory
// operation. Admins get no special pass here: the policy answers for
// them via their default settings.
func CheckPersistentStorage(id *Identity) error {
	if !id.Effective.PersistentStorage {
		return trace.AccessDenied("persistent storage is disabled for this account")
	}
	return nil
}

// CheckPublicSharing gates share management. It chains the persistent
// storage check first, then admins bypass the sharing flag itself.
func CheckPublicSharing(id *Identity) error {
	if err := CheckPersistentStorage(id); err != nil {
		return trace.Wrap(err)
	}
	if id.IsAdmin {
		return nil
	}
	if !id.Effective.PublicSharing {
		return trace.AccessDenied("public file sharing is disabled for this account")
	}
	return nil
}
