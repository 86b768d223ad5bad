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

// Package envelope implements the end-to-end encrypted control channel
// that sits between the web client and the API. A client proves it is
// talking to the right server by asking it to sign a fresh nonce with
// its long lived RSA key, then wraps an AES-256 session key with
// RSA-OAEP. Every control-plane request and response after that travels
// as an AES-GCM envelope tied to the negotiated crypto session.
package envelope

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/defaults"
)

// SessionIDHeader carries the crypto session identifier negotiated by
// the handshake on every encrypted request.
const SessionIDHeader = "X-Session-ID"

// Payload is the wire form of an encrypted body: a random 12 byte GCM
// IV and the ciphertext, both standard base64.
type Payload struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// InitiateResponse is returned by the handshake initiate step. The
// nonce is minted by the server and signed with RSA-PSS so the client
// can verify it holds the server key it expects.
type InitiateResponse struct {
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// ExchangeRequest carries the client's AES session key wrapped with
// RSA-OAEP under the server public key.
type ExchangeRequest struct {
	EncryptedSessionKey string `json:"encrypted_session_key"`
}

// ExchangeResponse returns the identifier of the freshly minted crypto
// session.
type ExchangeResponse struct {
	SessionID string `json:"session_id"`
}

// Channel negotiates and tracks crypto sessions. Sessions live for the
// lifetime of the process, matching the single page application that
// owns them.
type Channel struct {
	key      *rsa.PrivateKey
	sessions *gocache.Cache
	logger   *slog.Logger
}

// NewChannel returns a channel backed by the given server private key.
func NewChannel(key *rsa.PrivateKey) *Channel {
	return &Channel{
		key:      key,
		sessions: gocache.New(gocache.NoExpiration, 0),
		logger:   slog.With(sealskin.ComponentKey, sealskin.ComponentEnvelope),
	}
}

// PublicKeyPEM renders the server public key in PKIX PEM form, the
// format handed to browsers and written next to user key files.
func (c *Channel) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&c.key.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Initiate mints a fresh 32 byte nonce and signs it with
// RSA-PSS(SHA-256, salt length 32).
func (c *Channel) Initiate() (*InitiateResponse, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, trace.Wrap(err)
	}
	digest := sha256.Sum256(nonce)
	signature, err := rsa.SignPSS(rand.Reader, c.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: 32,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &InitiateResponse{
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Signature: base64.StdEncoding.EncodeToString(signature),
	}, nil
}

// Exchange unwraps the client session key with RSA-OAEP(SHA-256) and
// registers a new crypto session for it. Any failure to recover a
// usable AES key is reported as a bad parameter, never distinguishing
// padding errors from malformed input.
func (c *Channel) Exchange(req ExchangeRequest) (*ExchangeResponse, error) {
	wrapped, err := base64.StdEncoding.DecodeString(req.EncryptedSessionKey)
	if err != nil {
		return nil, trace.BadParameter("failed to decrypt session key")
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, c.key, wrapped, nil)
	if err != nil {
		return nil, trace.BadParameter("failed to decrypt session key")
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, trace.BadParameter("failed to decrypt session key")
	}
	sessionID := uuid.NewString()
	c.sessions.Set(sessionID, aead, gocache.NoExpiration)
	c.logger.Info("E2EE handshake successful", "crypto_session", sessionID[:8])
	return &ExchangeResponse{SessionID: sessionID}, nil
}

// aead returns the AEAD for a negotiated session, or false when the
// session id is unknown.
func (c *Channel) aead(sessionID string) (cipher.AEAD, bool) {
	if sessionID == "" {
		return nil, false
	}
	v, ok := c.sessions.Get(sessionID)
	if !ok {
		return nil, false
	}
	return v.(cipher.AEAD), true
}

// HasSession reports whether the given crypto session exists.
func (c *Channel) HasSession(sessionID string) bool {
	_, ok := c.aead(sessionID)
	return ok
}

// OpenRequest decrypts an enveloped request body for the crypto
// session named by the request headers. A missing or unknown session
// id, a malformed envelope and a failed decryption all surface as bad
// parameters so callers reply with a plain 400.
func (c *Channel) OpenRequest(r *http.Request, body []byte) ([]byte, error) {
	sessionID := r.Header.Get(SessionIDHeader)
	aead, ok := c.aead(sessionID)
	if !ok {
		return nil, trace.BadParameter("invalid or missing session ID")
	}
	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, trace.BadParameter("failed to decrypt request")
	}
	plaintext, err := c.open(aead, payload)
	if err != nil {
		c.logger.Warn("Failed to decrypt request", "crypto_session", sessionID[:min(8, len(sessionID))])
		return nil, trace.BadParameter("failed to decrypt request")
	}
	return plaintext, nil
}

// Seal encrypts a JSON response body for the given crypto session and
// reports whether sealing applied. When the session id is absent or
// unknown the body is returned untouched, mirroring how unauthenticated
// surfaces stay readable.
func (c *Channel) Seal(sessionID string, body []byte) ([]byte, bool, error) {
	aead, ok := c.aead(sessionID)
	if !ok {
		return body, false, nil
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, false, trace.Wrap(err)
	}
	ciphertext := aead.Seal(nil, iv, body, nil)
	sealed, err := json.Marshal(Payload{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	return sealed, true, nil
}

func (c *Channel) open(aead cipher.AEAD, payload Payload) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, trace.BadParameter("unexpected IV size %d", len(iv))
	}
	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return aead, nil
}

// LoadKey reads a PEM encoded RSA private key, accepting both PKCS#1
// and PKCS#8 encodings.
func LoadKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return ParseKeyPEM(raw)
}

// ParseKeyPEM parses a PEM encoded RSA private key.
func ParseKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, trace.BadParameter("no PEM block found in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, trace.BadParameter("unsupported private key encoding: %v", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, trace.BadParameter("private key is not RSA")
	}
	return key, nil
}

// LoadOrGenerateKey loads the server key from path, generating and
// persisting a fresh one when the file does not exist yet.
func LoadOrGenerateKey(path string, bits int) (*rsa.PrivateKey, error) {
	switch key, err := LoadKey(path); {
	case err == nil:
		return key, nil
	case !trace.IsNotFound(err):
		return nil, trace.Wrap(err)
	}
	logger := slog.With(sealskin.ComponentKey, sealskin.ComponentEnvelope)
	logger.Info("Server key not found, generating a new one", "path", path, "bits", bits)
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), defaults.PrivateDirMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := renameio.WriteFile(path, MarshalKeyPEM(key), defaults.PrivateFileMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	return key, nil
}

// MarshalKeyPEM renders a private key in PKCS#8 PEM form.
func MarshalKeyPEM(key *rsa.PrivateKey) []byte {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		// Marshalling an in-memory RSA key cannot fail.
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}
