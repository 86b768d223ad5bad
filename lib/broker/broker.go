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

// Package broker is the launch engine: it turns an authenticated launch
// request into a running, ready application container with its mounts,
// environment and session record, and tears all of that down again on
// stop.
package broker

import (
	"context"
	"encoding/base64"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/apps"
	"github.com/linuxserver/sealskin/lib/defaults"
	"github.com/linuxserver/sealskin/lib/gpu"
	"github.com/linuxserver/sealskin/lib/provider"
	"github.com/linuxserver/sealskin/lib/session"
	"github.com/linuxserver/sealskin/lib/storage"
	"github.com/linuxserver/sealskin/lib/users"
	"github.com/linuxserver/sealskin/lib/utils"
)

// accessTokenBytes is the entropy of a freshly minted session access
// token, before URL-safe encoding.
const accessTokenBytes = 32

// ScriptCache serves cached autostart scripts by store and app id.
// Implemented by lib/autostart.
type ScriptCache interface {
	Script(storeName, appID string) ([]byte, bool)
}

// Config configures the launch engine.
type Config struct {
	// Catalog resolves installed applications.
	Catalog *apps.Catalog
	// Templates resolves the launch templates apps reference.
	Templates *apps.Templates
	// Autostart serves cached autostart scripts.
	Autostart ScriptCache
	// Storage owns homes, ephemeral mounts and staged files.
	Storage *storage.Manager
	// Sessions is the durable session store.
	Sessions *session.Store
	// Runtime runs the containers.
	Runtime provider.Runtime
	// Translator rewrites broker-visible paths to host paths for bind
	// mounts. Nil translates nothing.
	Translator *provider.Translator
	// GPUs are the render devices detected at startup.
	GPUs []gpu.Device
	// ContainerConfigPath is the config root inside hosted containers.
	ContainerConfigPath string
	// PUID and PGID are the ids hosted containers run as.
	PUID int
	PGID int
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
	if c.Templates == nil {
		return trace.BadParameter("missing parameter Templates")
	}
	if c.Autostart == nil {
		return trace.BadParameter("missing parameter Autostart")
	}
	if c.Storage == nil {
		return trace.BadParameter("missing parameter Storage")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Runtime == nil {
		return trace.BadParameter("missing parameter Runtime")
	}
	if c.ContainerConfigPath == "" {
		c.ContainerConfigPath = defaults.ContainerConfigPath
	}
	if c.PUID == 0 {
		c.PUID = defaults.DefaultUsersPUID
	}
	if c.PGID == 0 {
		c.PGID = defaults.DefaultUsersPGID
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(sealskin.ComponentKey, sealskin.ComponentBroker)
	}
	return nil
}

// Engine launches and stops application sessions.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	clock  clockwork.Clock
}

// NewEngine returns a launch engine and registers its metrics.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.RegisterPrometheusCollectors(brokerCollectors...); err != nil {
		return nil, trace.Wrap(err)
	}
	e := &Engine{cfg: cfg, logger: cfg.Logger, clock: cfg.Clock}
	metricActiveSessions.Set(float64(cfg.Sessions.Len()))
	return e, nil
}

// FilePayload is a staged upload handed to a launch or a running
// session. The engine consumes the staged file: it is moved into the
// session mount on success and removed on failure.
type FilePayload struct {
	// Path is the staged file on disk.
	Path string
	// Filename is the name the client gave the file.
	Filename string
	// OpenOnLaunch exports SEALSKIN_FILE so the application opens the
	// file once it starts.
	OpenOnLaunch bool
}

// LaunchRequest describes one session launch.
type LaunchRequest struct {
	// ApplicationID is the installed application to run.
	ApplicationID string
	// Username is the authenticated launching user.
	Username string
	// Settings are the user's effective settings.
	Settings users.Settings
	// HomeName selects a persistent home directory. The sentinel
	// "cleanroom" (or an empty name) launches without one.
	HomeName string
	// Env are caller variables merged into the container environment,
	// e.g. SEALSKIN_URL for URL launches.
	Env map[string]string
	// Language is the requested locale.
	Language string
	// SelectedGPU is the /dev/dri path of a detected render device.
	SelectedGPU string
	// File is the optional staged file payload.
	File *FilePayload
	// RoomMode launches the session as a collaboration room.
	RoomMode bool
}

// LaunchResult is handed back to the client on success.
type LaunchResult struct {
	SessionURL string `json:"session_url"`
	SessionID  string `json:"session_id"`
}

// Launch runs the full launch pipeline and persists the session
// record. Metrics are recorded for every attempt.
func (e *Engine) Launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	start := e.clock.Now()
	result, err := e.launch(ctx, req)
	if err != nil {
		metricLaunchFailures.Inc()
		return nil, trace.Wrap(err)
	}
	metricLaunches.Inc()
	metricLaunchSeconds.Observe(e.clock.Since(start).Seconds())
	metricActiveSessions.Set(float64(e.cfg.Sessions.Len()))
	return result, nil
}

func (e *Engine) launch(ctx context.Context, req LaunchRequest) (*LaunchResult, error) {
	// The staged payload must never outlive a failed launch. PlaceFile
	// owns it from the moment it is called, success or not.
	consumed := false
	defer func() {
		if !consumed {
			e.discardPayload(req.File)
		}
	}()

	app, ok := e.cfg.Catalog.App(req.ApplicationID)
	if !ok {
		return nil, trace.NotFound("application with ID %q not found", req.ApplicationID)
	}

	sessionID := uuid.NewString()
	accessToken, err := utils.RandomToken(accessTokenBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	customUser := uuid.NewString()
	password := uuid.NewString()
	logger := e.logger.With("session_id", sessionID)

	// GPU selection is honoured only for users entitled to one; the
	// kind must match what the application image supports.
	var gpuDevice *gpu.Device
	var driNode string
	if req.SelectedGPU != "" && req.Settings.GPU {
		device, ok := gpu.Find(e.cfg.GPUs, req.SelectedGPU)
		if !ok {
			return nil, trace.BadParameter("selected GPU %q is not available", req.SelectedGPU)
		}
		if device.Kind == gpu.KindNvidia && !app.ProviderConfig.NvidiaSupport {
			return nil, trace.BadParameter("app %q does not support Nvidia GPUs", app.Name)
		}
		if device.Kind == gpu.KindDRI3 && !app.ProviderConfig.Dri3Support {
			return nil, trace.BadParameter("app %q does not support DRI3 GPUs", app.Name)
		}
		gpuDevice = &device
		if device.Kind == gpu.KindDRI3 {
			driNode = device.Device
		}
	}

	var tpl *apps.Template
	if t, ok := e.cfg.Templates.Get(app.AppTemplate); ok {
		tpl = &t
	} else {
		logger.Warn("Template not found for app, using container defaults",
			"template", app.AppTemplate, "app", app.Name)
	}
	env := apps.ComposeEnv(app, tpl, apps.EnvParams{
		SessionID:  sessionID,
		PUID:       e.cfg.PUID,
		PGID:       e.cfg.PGID,
		CustomUser: customUser,
		Password:   password,
		Language:   req.Language,
		Extra:      req.Env,
		DRIDevice:  driNode,
	})

	var launchContext *session.LaunchContext
	if url, ok := req.Env["SEALSKIN_URL"]; ok {
		launchContext = &session.LaunchContext{Type: "url", Value: url}
	}

	// Mount mode: a persistent home when the user and app both allow
	// it, an ephemeral directory when a file payload needs somewhere to
	// land, nothing otherwise.
	usePersistent := req.Settings.PersistentStorage && app.HomeDirectories
	homeName := req.HomeName
	if !usePersistent {
		homeName = defaults.CleanroomHome
	}

	var hostMount, sidecar string
	persistentMount := false
	ephemeral := false
	if homeName != "" && !strings.EqualFold(homeName, defaults.CleanroomHome) {
		hostMount = e.cfg.Storage.HomePath(req.Username, homeName)
		if info, err := os.Stat(hostMount); err != nil || !info.IsDir() {
			return nil, trace.NotFound("home directory %q not found", homeName)
		}
		sidecar, err = e.cfg.Storage.SharedFilesDir(req.Username)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		persistentMount = true
	} else if req.File != nil {
		hostMount = e.cfg.Storage.NewEphemeralDir()
		ephemeral = true
	}

	cleanupEphemeral := func() {
		if !ephemeral {
			return
		}
		if err := e.cfg.Storage.RemoveEphemeralDir(hostMount); err != nil {
			logger.Warn("Failed to remove ephemeral storage after launch failure", "error", err)
		}
	}

	// Autostart precedence: an inline script pinned on the app beats
	// the cached repository script. A script with nowhere to land gets
	// an ephemeral mount of its own.
	var autostartScript []byte
	if b64 := app.ProviderConfig.CustomAutostartScriptB64; b64 != "" {
		script, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			logger.Error("Failed to decode custom autostart script", "error", err)
		} else {
			autostartScript = script
			logger.Info("Using custom autostart script", "app", app.Name)
		}
	} else if app.ProviderConfig.Autostart {
		if script, ok := e.cfg.Autostart.Script(app.Source, app.SourceAppID); ok {
			autostartScript = script
			logger.Info("Using cached repository autostart script", "app", app.Name)
		}
	}
	if len(autostartScript) > 0 {
		if hostMount == "" {
			hostMount = e.cfg.Storage.NewEphemeralDir()
			ephemeral = true
			logger.Info("Created ephemeral storage for autostart script")
		}
		// A session without its autostart script is degraded, not dead.
		if err := writeAutostart(hostMount, autostartScript); err != nil {
			logger.Error("Failed to write autostart script", "error", err)
		}
	}

	var mounts []provider.Mount
	if hostMount != "" {
		mounts = append(mounts, provider.Mount{
			Source: e.cfg.Translator.ToHost(hostMount),
			Target: e.cfg.ContainerConfigPath,
		})
		if persistentMount {
			mounts = append(mounts, provider.Mount{
				Source: e.cfg.Translator.ToHost(sidecar),
				Target: path.Join(e.cfg.ContainerConfigPath, "Desktop", "files"),
			})
		}
		if req.File != nil {
			destDir := sidecar
			if !persistentMount {
				destDir = filepath.Join(hostMount, "Desktop", "files")
			}
			consumed = true
			actual, err := e.cfg.Storage.PlaceFile(req.File.Path, destDir, req.File.Filename)
			if err != nil {
				cleanupEphemeral()
				return nil, trace.Wrap(err)
			}
			if req.File.OpenOnLaunch {
				env["SEALSKIN_FILE"] = path.Join(e.cfg.ContainerConfigPath, "Desktop", "files", actual)
				launchContext = &session.LaunchContext{
					Type:  "file",
					Value: filepath.Base(req.File.Filename),
				}
			}
		}
	}

	instance, err := e.cfg.Runtime.Launch(ctx, provider.LaunchSpec{
		SessionID: sessionID,
		Image:     app.ProviderConfig.Image,
		Port:      app.ProviderConfig.Port,
		Env:       env,
		Mounts:    mounts,
		GPU:       gpuDevice,
	})
	if err != nil {
		cleanupEphemeral()
		return nil, trace.Wrap(err)
	}

	sess := session.Session{
		ID:            sessionID,
		InstanceID:    instance.ID,
		IP:            instance.IP,
		Port:          instance.Port,
		CreatedAt:     unixSeconds(e.clock.Now()),
		AccessToken:   accessToken,
		ProviderAppID: app.ID,
		Username:      req.Username,
		AppName:       app.Name,
		AppLogo:       app.Logo,
		HostMountPath: hostMount,
		LaunchContext: launchContext,
		CustomUser:    customUser,
		Password:      password,
	}
	if req.RoomMode {
		if err := mintRoomTokens(&sess); err != nil {
			cleanupEphemeral()
			return nil, trace.Wrap(err)
		}
		sess.Containers = []session.Container{{
			InstanceID: instance.ID,
			IP:         instance.IP,
			Port:       instance.Port,
		}}
	}
	if err := e.cfg.Sessions.Put(sess); err != nil {
		cleanupEphemeral()
		return nil, trace.Wrap(err)
	}

	logger.Info("Session ready",
		"user", req.Username, "app", app.Name, "ip", instance.IP, "port", instance.Port,
		"room", req.RoomMode)
	return &LaunchResult{SessionURL: sess.URL(), SessionID: sessionID}, nil
}

// Stop removes a session record and tears down what it owned: the
// container, and the mount when it was ephemeral. Teardown failures
// are logged, not returned; the record is gone either way.
func (e *Engine) Stop(ctx context.Context, sessionID string) error {
	sess, ok, err := e.cfg.Sessions.Remove(sessionID)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		e.logger.WarnContext(ctx, "Attempted to stop session, but it was not found",
			"session_id", sessionID)
		return trace.NotFound("session %q not found", sessionID)
	}
	logger := e.logger.With("session_id", sessionID)
	logger.InfoContext(ctx, "Stopping session")

	if _, ok := e.cfg.Catalog.App(sess.ProviderAppID); ok {
		if err := e.cfg.Runtime.Stop(ctx, sess.InstanceID); err != nil {
			logger.WarnContext(ctx, "Error stopping session container", "error", err)
		}
	}
	if sess.HostMountPath != "" && e.cfg.Storage.IsEphemeral(sess.HostMountPath) {
		if err := e.cfg.Storage.RemoveEphemeralDir(sess.HostMountPath); err != nil {
			logger.WarnContext(ctx, "Error removing ephemeral storage", "error", err)
		} else {
			logger.InfoContext(ctx, "Removed ephemeral storage directory")
		}
	}
	metricActiveSessions.Set(float64(e.cfg.Sessions.Len()))
	logger.InfoContext(ctx, "Session stopped and cleaned up")
	return nil
}

// SendFile places a staged upload into a running session owned by
// username: the shared-files sidecar for persistent sessions, the
// mount's Desktop/files for ephemeral ones. Returns the file name the
// client knows, deduplication may have stored it under another.
func (e *Engine) SendFile(ctx context.Context, sessionID, username string, file FilePayload) (string, error) {
	sess, ok := e.cfg.Sessions.Get(sessionID)
	if !ok || sess.Username != username {
		e.discardPayload(&file)
		return "", trace.NotFound("session not found or permission denied")
	}
	if sess.HostMountPath == "" {
		e.discardPayload(&file)
		return "", trace.BadParameter("cannot send files to this session as it has no mounted storage")
	}

	var destDir string
	if e.cfg.Storage.IsEphemeral(sess.HostMountPath) {
		destDir = filepath.Join(sess.HostMountPath, "Desktop", "files")
	} else {
		var err error
		destDir, err = e.cfg.Storage.SharedFilesDir(username)
		if err != nil {
			e.discardPayload(&file)
			return "", trace.Wrap(err)
		}
	}

	actual, err := e.cfg.Storage.PlaceFile(file.Path, destDir, file.Filename)
	if err != nil {
		return "", trace.Wrap(err)
	}
	safe := filepath.Base(file.Filename)
	e.logger.InfoContext(ctx, "Wrote file to session",
		"session_id", sessionID, "user", username, "file", actual, "original", safe)
	return safe, nil
}

func (e *Engine) discardPayload(file *FilePayload) {
	if file == nil {
		return
	}
	if err := os.Remove(file.Path); err != nil && !os.IsNotExist(err) {
		e.logger.Warn("Failed to remove staged launch file", "path", file.Path, "error", err)
	}
}

// mintRoomTokens initialises the collaboration token set of a room
// session. The controller holds mouse/keyboard by default.
func mintRoomTokens(sess *session.Session) error {
	var err error
	sess.IsCollaboration = true
	if sess.MasterToken, err = utils.RandomToken(accessTokenBytes); err != nil {
		return trace.Wrap(err)
	}
	if sess.ControllerToken, err = utils.RandomToken(accessTokenBytes); err != nil {
		return trace.Wrap(err)
	}
	if sess.ParticipantInviteToken, err = utils.RandomToken(accessTokenBytes); err != nil {
		return trace.Wrap(err)
	}
	if sess.ReadonlyInviteToken, err = utils.RandomToken(accessTokenBytes); err != nil {
		return trace.Wrap(err)
	}
	sess.Viewers = []session.Viewer{}
	return nil
}

// writeAutostart writes the openbox autostart script executable into a
// session mount.
func writeAutostart(mount string, script []byte) error {
	dir := filepath.Join(mount, ".config", "openbox")
	if err := os.MkdirAll(dir, defaults.SharedDirMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	target := filepath.Join(dir, "autostart")
	if err := os.WriteFile(target, script, defaults.ExecutableFileMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	// WriteFile only applies the mode on create; an overwrite keeps the
	// old bits without this.
	return trace.ConvertSystemError(os.Chmod(target, defaults.ExecutableFileMode))
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
