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

// Package users maintains the file backed identity directory: admins,
// regular users, their RSA public keys and the group policy files that
// override per-user settings. The on-disk format is one file per
// principal, so operators can manage accounts with nothing but a text
// editor and a shell.
package users

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/gravitational/trace"
)

// Settings are the per-user policy knobs. They ride along in the user
// key file below a marker line and gain zero values from
// DefaultSettings when the file leaves them out.
type Settings struct {
	Active            bool   `json:"active"`
	Group             string `json:"group"`
	PersistentStorage bool   `json:"persistent_storage"`
	PublicSharing     bool   `json:"public_sharing"`
	HardenContainer   bool   `json:"harden_container"`
	HardenOpenbox     bool   `json:"harden_openbox"`
	GPU               bool   `json:"gpu"`
	StorageLimit      int    `json:"storage_limit"`
	SessionLimit      int    `json:"session_limit"`
}

// DefaultSettings returns the policy applied to users whose key file
// carries no explicit settings, and to every admin.
func DefaultSettings() Settings {
	return Settings{
		Active:            true,
		Group:             "none",
		PersistentStorage: true,
		PublicSharing:     false,
		HardenContainer:   false,
		HardenOpenbox:     false,
		GPU:               true,
		StorageLimit:      -1,
		SessionLimit:      -1,
	}
}

// SettingsOverride is a partially specified Settings. Nil fields keep
// the base value, which lets hand-edited user and group files name only
// the knobs they care about.
type SettingsOverride struct {
	Active            *bool   `json:"active,omitempty"`
	Group             *string `json:"group,omitempty"`
	PersistentStorage *bool   `json:"persistent_storage,omitempty"`
	PublicSharing     *bool   `json:"public_sharing,omitempty"`
	HardenContainer   *bool   `json:"harden_container,omitempty"`
	HardenOpenbox     *bool   `json:"harden_openbox,omitempty"`
	GPU               *bool   `json:"gpu,omitempty"`
	StorageLimit      *int    `json:"storage_limit,omitempty"`
	SessionLimit      *int    `json:"session_limit,omitempty"`
}

// Merge applies every set field of the override on top of the base
// settings.
func (s Settings) Merge(o SettingsOverride) Settings {
	if o.Active != nil {
		s.Active = *o.Active
	}
	if o.Group != nil {
		s.Group = *o.Group
	}
	if o.PersistentStorage != nil {
		s.PersistentStorage = *o.PersistentStorage
	}
	if o.PublicSharing != nil {
		s.PublicSharing = *o.PublicSharing
	}
	if o.HardenContainer != nil {
		s.HardenContainer = *o.HardenContainer
	}
	if o.HardenOpenbox != nil {
		s.HardenOpenbox = *o.HardenOpenbox
	}
	if o.GPU != nil {
		s.GPU = *o.GPU
	}
	if o.StorageLimit != nil {
		s.StorageLimit = *o.StorageLimit
	}
	if o.SessionLimit != nil {
		s.SessionLimit = *o.SessionLimit
	}
	return s
}

// Override expands full settings into an override with every field
// set. API written files always persist the complete policy.
func (s Settings) Override() SettingsOverride {
	return SettingsOverride{
		Active:            &s.Active,
		Group:             &s.Group,
		PersistentStorage: &s.PersistentStorage,
		PublicSharing:     &s.PublicSharing,
		HardenContainer:   &s.HardenContainer,
		HardenOpenbox:     &s.HardenOpenbox,
		GPU:               &s.GPU,
		StorageLimit:      &s.StorageLimit,
		SessionLimit:      &s.SessionLimit,
	}
}

// User is one principal from the directory. Admins carry no settings
// of their own; policy questions about them always answer with
// defaults.
type User struct {
	Username     string    `json:"username"`
	PublicKeyPEM string    `json:"public_key"`
	IsAdmin      bool      `json:"is_admin"`
	Settings     *Settings `json:"settings,omitempty"`
}

// Group is a named settings override shared by its member users.
type Group struct {
	Name     string   `json:"name"`
	Settings Settings `json:"settings"`
}

// GenerateKeypair mints an RSA keypair and returns the PKCS#8 private
// and PKIX public halves in PEM form. Used when an account is created
// without a client supplied public key.
func GenerateKeypair(bits int) (privatePEM, publicPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privatePEM, publicPEM, nil
}

// ParsePublicKeyPEM parses a PKIX PEM public key into its RSA form.
func ParsePublicKeyPEM(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, trace.BadParameter("no PEM block found in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, trace.BadParameter("failed to parse public key: %v", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, trace.BadParameter("public key is not RSA")
	}
	return key, nil
}
