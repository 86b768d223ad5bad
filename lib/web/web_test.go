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

package web

import (
	"bytes"
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/apps"
	"github.com/linuxserver/sealskin/lib/autostart"
	"github.com/linuxserver/sealskin/lib/broker"
	"github.com/linuxserver/sealskin/lib/envelope"
	"github.com/linuxserver/sealskin/lib/gpu"
	"github.com/linuxserver/sealskin/lib/identity"
	"github.com/linuxserver/sealskin/lib/provider"
	"github.com/linuxserver/sealskin/lib/session"
	"github.com/linuxserver/sealskin/lib/shares"
	"github.com/linuxserver/sealskin/lib/storage"
	"github.com/linuxserver/sealskin/lib/users"
)

type fakeRuntime struct {
	mu           sync.Mutex
	launches     []provider.LaunchSpec
	stopped      []string
	pulled       []string
	localImages  map[string]*provider.ImageInfo
	remoteDigest string
	remoteErr    error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{localImages: make(map[string]*provider.ImageInfo)}
}

func (f *fakeRuntime) Launch(ctx context.Context, spec provider.LaunchSpec) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, spec)
	return &provider.Instance{ID: "ctr-" + spec.SessionID, IP: "172.17.0.9", Port: spec.Port}, nil
}

func (f *fakeRuntime) Stop(ctx context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, instanceID)
	return nil
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }

func (f *fakeRuntime) LocalImage(ctx context.Context, image string) (*provider.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.localImages[image]; ok {
		return info, nil
	}
	return nil, trace.NotFound("image %q not present", image)
}

func (f *fakeRuntime) RemoteDigest(ctx context.Context, image string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteErr != nil {
		return "", f.remoteErr
	}
	return f.remoteDigest, nil
}

func (f *fakeRuntime) Pull(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	f.localImages[image] = &provider.ImageInfo{
		ID:      "sha256:freshpull",
		ShortID: "freshpull",
		Digests: []string{image + "@" + f.remoteDigest},
	}
	return nil
}

func (f *fakeRuntime) Exists(ctx context.Context, instanceID string) (bool, error) {
	return true, nil
}

// pulledImages snapshots the pull log; install pulls run on their own
// goroutine so tests poll this.
func (f *fakeRuntime) pulledImages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pulled...)
}

func (f *fakeRuntime) setRemote(digest string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteDigest = digest
	f.remoteErr = err
}

func (f *fakeRuntime) setLocalImage(image string, info *provider.ImageInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localImages[image] = info
}

func (f *fakeRuntime) InspectSelf(ctx context.Context, apiPort, sessionPort int) (*provider.SelfInfo, error) {
	return nil, trace.NotImplemented("not used in tests")
}

// account holds a directory principal together with the private key
// that signs its bearer tokens.
type account struct {
	name string
	key  *rsa.PrivateKey
}

func (a account) token(t *testing.T) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": a.name,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(a.key)
	require.NoError(t, err)
	return signed
}

type webEnv struct {
	server    *httptest.Server
	client    *sealClient
	serverKey *rsa.PrivateKey

	directory *users.Directory
	catalog   *apps.Catalog
	storage   *storage.Manager
	sessions  *session.Store
	shares    *shares.Store
	images    *provider.Images
	runtime   *fakeRuntime
	app       apps.InstalledApp

	admin account
	alice account
}

func newAccount(t *testing.T, directory *users.Directory, name string, isAdmin bool, settings users.Settings) account {
	t.Helper()
	var privPEM string
	var err error
	if isAdmin {
		_, privPEM, err = directory.CreateAdmin(name, "")
	} else {
		_, privPEM, err = directory.CreateUser(name, "", settings)
	}
	require.NoError(t, err)
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privPEM))
	require.NoError(t, err)
	return account{name: name, key: key}
}

func newWebEnv(t *testing.T) *webEnv {
	t.Helper()
	dir := t.TempDir()
	storageRoot := filepath.Join(dir, "storage")

	directory, err := users.NewDirectory(users.Config{
		KeysPath:    filepath.Join(dir, "keys"),
		GroupsPath:  filepath.Join(dir, "groups"),
		StoragePath: storageRoot,
	})
	require.NoError(t, err)

	catalog, err := apps.NewCatalog(apps.CatalogConfig{
		InstalledAppsPath: filepath.Join(dir, "installed_apps.yml"),
		StoresPath:        filepath.Join(dir, "app_stores.yml"),
		DefaultStoreURL:   "https://stores.example/apps.yml",
	})
	require.NoError(t, err)
	app, err := catalog.Install(apps.InstalledApp{
		Name:        "Firefox",
		Logo:        "firefox.png",
		Source:      "SealSkin Apps",
		SourceAppID: "firefox",
		Provider:    "docker",
		Users:       []string{"all"},
		Groups:      []string{},
		AppTemplate: "Default",
		ProviderConfig: apps.ProviderConfig{
			Image:      "lscr.io/linuxserver/firefox:latest",
			Port:       3000,
			URLSupport: true,
		},
		HomeDirectories: true,
	})
	require.NoError(t, err)

	templates, err := apps.NewTemplates(apps.TemplatesConfig{
		UserDir: filepath.Join(dir, "templates"),
	})
	require.NoError(t, err)
	_, err = templates.Save(apps.Template{Name: "Default", Settings: map[string]any{"TITLE": "SealSkin"}})
	require.NoError(t, err)

	mgr, err := storage.NewManager(storage.Config{
		StorageRoot: storageRoot,
		UploadDir:   filepath.Join(dir, "uploads"),
	})
	require.NoError(t, err)

	sessions, err := session.NewStore(session.StoreConfig{
		Path: filepath.Join(dir, "sessions.yml"),
	})
	require.NoError(t, err)

	shareStore, err := shares.NewStore(shares.Config{
		MetadataPath: filepath.Join(dir, "shares.yml"),
		FilesDir:     filepath.Join(dir, "public"),
	})
	require.NoError(t, err)

	scripts, err := autostart.NewCache(autostart.Config{
		CachePath: filepath.Join(dir, "autostart"),
	})
	require.NoError(t, err)

	runtime := newFakeRuntime()
	images, err := provider.NewImages(provider.ImagesConfig{Runtime: runtime})
	require.NoError(t, err)

	devices := []gpu.Device{{Device: "/dev/dri/renderD128", Driver: "i915", Kind: gpu.KindDRI3, Index: 0}}
	engine, err := broker.NewEngine(broker.Config{
		Catalog:   catalog,
		Templates: templates,
		Autostart: scripts,
		Storage:   mgr,
		Sessions:  sessions,
		Runtime:   runtime,
		GPUs:      devices,
	})
	require.NoError(t, err)

	serverKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	channel := envelope.NewChannel(serverKey)

	handler, err := NewHandler(Config{
		Channel:     channel,
		Auth:        identity.NewAuthenticator(directory),
		Directory:   directory,
		Catalog:     catalog,
		Templates:   templates,
		Autostart:   scripts,
		Storage:     mgr,
		Sessions:    sessions,
		Shares:      shareStore,
		Broker:      engine,
		Images:      images,
		GPUs:        devices,
		APIPort:     3000,
		SessionPort: 3001,
		StoragePath: storageRoot,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	env := &webEnv{
		server:    server,
		serverKey: serverKey,
		directory: directory,
		catalog:   catalog,
		storage:   mgr,
		sessions:  sessions,
		shares:    shareStore,
		images:    images,
		runtime:   runtime,
		app:       app,
		admin:     newAccount(t, directory, "boss", true, users.Settings{}),
		alice:     newAccount(t, directory, "alice", false, users.DefaultSettings()),
	}
	env.client = newSealClient(t, server.URL, &serverKey.PublicKey)
	return env
}

// sealClient negotiates a crypto session against a test server and
// speaks the AES-GCM envelope the way the browser client does.
type sealClient struct {
	base      string
	http      *http.Client
	sessionID string
	aead      cipher.AEAD
}

func newSealClient(t *testing.T, base string, serverPub *rsa.PublicKey) *sealClient {
	t.Helper()
	c := &sealClient{base: base, http: &http.Client{}}

	resp, err := c.http.Post(base+"/api/handshake/initiate", "application/json", nil)
	require.NoError(t, err)
	var init envelope.InitiateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&init))
	resp.Body.Close()

	// The server must prove possession of its long lived key before the
	// client wraps a session key for it.
	nonce, err := base64.StdEncoding.DecodeString(init.Nonce)
	require.NoError(t, err)
	signature, err := base64.StdEncoding.DecodeString(init.Signature)
	require.NoError(t, err)
	digest := sha256.Sum256(nonce)
	require.NoError(t, rsa.VerifyPSS(serverPub, crypto.SHA256, digest[:], signature,
		&rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256}))

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, serverPub, key, nil)
	require.NoError(t, err)
	body, err := json.Marshal(envelope.ExchangeRequest{
		EncryptedSessionKey: base64.StdEncoding.EncodeToString(wrapped),
	})
	require.NoError(t, err)
	resp, err = c.http.Post(base+"/api/handshake/exchange", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var exchange envelope.ExchangeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&exchange))
	resp.Body.Close()
	require.NotEmpty(t, exchange.SessionID)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)
	c.sessionID = exchange.SessionID
	c.aead = aead
	return c
}

// do issues a request. A non-nil body is sealed into the envelope of
// the negotiated crypto session.
func (c *sealClient) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		plaintext, err := json.Marshal(body)
		require.NoError(t, err)
		iv := make([]byte, c.aead.NonceSize())
		_, err = rand.Read(iv)
		require.NoError(t, err)
		sealed, err := json.Marshal(envelope.Payload{
			IV:         base64.StdEncoding.EncodeToString(iv),
			Ciphertext: base64.StdEncoding.EncodeToString(c.aead.Seal(nil, iv, plaintext, nil)),
		})
		require.NoError(t, err)
		reader = bytes.NewReader(sealed)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(t, err)
	req.Header.Set(envelope.SessionIDHeader, c.sessionID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	require.NoError(t, err)
	return resp
}

// open asserts that a reply is a sealed envelope and decrypts it into
// out. Callers pass nil to discard the plaintext.
func (c *sealClient) open(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var payload envelope.Payload
	require.NoError(t, json.Unmarshal(raw, &payload), "expected a sealed envelope, got %s", raw)
	require.NotEmpty(t, payload.Ciphertext, "reply was not sealed: %s", raw)
	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	require.NoError(t, err)
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	require.NoError(t, err)
	plaintext, err := c.aead.Open(nil, iv, ciphertext, nil)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(plaintext, out))
	}
}

func (e *webEnv) get(t *testing.T, path, token string) *http.Response {
	return e.client.do(t, http.MethodGet, path, token, nil)
}

func (e *webEnv) post(t *testing.T, path, token string, body any) *http.Response {
	return e.client.do(t, http.MethodPost, path, token, body)
}

func (e *webEnv) put(t *testing.T, path, token string, body any) *http.Response {
	return e.client.do(t, http.MethodPut, path, token, body)
}

func (e *webEnv) del(t *testing.T, path, token string) *http.Response {
	return e.client.do(t, http.MethodDelete, path, token, nil)
}

// errorMessage reads a plaintext error envelope.
func errorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var reply struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	return reply.Error.Message
}

func TestPing(t *testing.T) {
	t.Parallel()
	env := newWebEnv(t)

	// Ping needs neither a token nor a crypto session.
	resp, err := http.Get(env.server.URL + "/api/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, sealskin.Version, body["version"])
}

func TestSuccessSealedErrorsPlain(t *testing.T) {
	t.Parallel()
	env := newWebEnv(t)

	// A successful reply is unreadable without the session key.
	resp := env.get(t, "/api/sessions", env.alice.token(t))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing []sessionInfo
	env.client.open(t, resp, &listing)
	require.Empty(t, listing)

	// An error reply stays plaintext so sessionless clients can read it.
	resp = env.post(t, "/api/launch/simple", env.alice.token(t), map[string]any{
		"application_id": "no-such-app",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotEmpty(t, errorMessage(t, resp))
}

func TestAuthGuards(t *testing.T) {
	t.Parallel()
	env := newWebEnv(t)

	noStorage := users.DefaultSettings()
	noStorage.PersistentStorage = false
	nigel := newAccount(t, env.directory, "nigel", false, noStorage)

	t.Run("missing token", func(t *testing.T) {
		resp := env.post(t, "/api/applications", "", nil)
		defer resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("admin surface rejects users", func(t *testing.T) {
		resp := env.post(t, "/api/admin/data", env.alice.token(t), nil)
		defer resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("storage guard", func(t *testing.T) {
		resp := env.get(t, "/api/homedirs", nigel.token(t))
		defer resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("sharing guard", func(t *testing.T) {
		// Alice has storage but sharing defaults to off.
		resp := env.get(t, "/api/files/shares", env.alice.token(t))
		defer resp.Body.Close()
		require.Equal(t, http.StatusForbidden, resp.StatusCode)

		// Admins bypass the sharing flag.
		adminResp := env.get(t, "/api/files/shares", env.admin.token(t))
		require.Equal(t, http.StatusOK, adminResp.StatusCode)
		env.client.open(t, adminResp, nil)
	})
}

func TestStatusReportsCallerPolicy(t *testing.T) {
	t.Parallel()
	env := newWebEnv(t)

	var status statusResponse
	resp := env.post(t, "/api/admin/status", env.alice.token(t), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.client.open(t, resp, &status)
	require.False(t, status.IsAdmin)
	require.Equal(t, "alice", status.Username)
	require.True(t, status.Settings.PersistentStorage)
	require.NotEmpty(t, status.CPUModel)
	// Default policy enables GPU access, so the detected devices show.
	require.Len(t, status.GPUs, 1)
	require.Equal(t, "/dev/dri/renderD128", status.GPUs[0].Device)

	// Admins see the same shape with their flag set.
	resp = env.post(t, "/api/admin/status", env.admin.token(t), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.client.open(t, resp, &status)
	require.True(t, status.IsAdmin)

	// GPU access off hides the device list.
	noGPU := users.DefaultSettings()
	noGPU.GPU = false
	_, err := env.directory.UpdateUserSettings("alice", noGPU)
	require.NoError(t, err)
	resp = env.post(t, "/api/admin/status", env.alice.token(t), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.client.open(t, resp, &status)
	require.Empty(t, status.GPUs)
}

func TestListApplications(t *testing.T) {
	t.Parallel()
	env := newWebEnv(t)

	var visible []apps.Summary
	resp := env.post(t, "/api/applications", env.alice.token(t), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.client.open(t, resp, &visible)
	require.Len(t, visible, 1)
	require.Equal(t, env.app.ID, visible[0].ID)
	require.Equal(t, "Firefox", visible[0].Name)
}
