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

// Package web implements the management API. Apart from the handshake,
// ping and metrics endpoints every route runs behind the JWT
// authenticator, and successful JSON replies travel inside the AES-GCM
// envelope of the caller's crypto session. Error replies stay in the
// clear so a client without a working session can still read them.
package web

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/apps"
	"github.com/linuxserver/sealskin/lib/autostart"
	"github.com/linuxserver/sealskin/lib/broker"
	"github.com/linuxserver/sealskin/lib/envelope"
	"github.com/linuxserver/sealskin/lib/gpu"
	"github.com/linuxserver/sealskin/lib/httplib"
	"github.com/linuxserver/sealskin/lib/identity"
	"github.com/linuxserver/sealskin/lib/provider"
	"github.com/linuxserver/sealskin/lib/session"
	"github.com/linuxserver/sealskin/lib/shares"
	"github.com/linuxserver/sealskin/lib/storage"
	"github.com/linuxserver/sealskin/lib/users"
)

// Config configures the API handler.
type Config struct {
	// Channel is the negotiated crypto channel wrapping request and
	// response bodies.
	Channel *envelope.Channel
	// Auth verifies bearer tokens.
	Auth *identity.Authenticator
	// Directory is the user and group directory.
	Directory *users.Directory
	// Catalog is the installed application catalog.
	Catalog *apps.Catalog
	// Templates resolves launch templates.
	Templates *apps.Templates
	// Fetcher retrieves remote store indexes.
	Fetcher *apps.Fetcher
	// Autostart caches autostart scripts.
	Autostart *autostart.Cache
	// Storage owns home directories and uploads.
	Storage *storage.Manager
	// Sessions is the session store.
	Sessions *session.Store
	// Shares is the public share registry.
	Shares *shares.Store
	// Broker launches and stops sessions.
	Broker *broker.Engine
	// Images is the image metadata cache.
	Images *provider.Images
	// GPUs are the render devices detected at startup.
	GPUs []gpu.Device
	// APIPort and SessionPort are the host-published listener ports
	// reported to admins, discovered from the broker's own container.
	APIPort     int
	SessionPort int
	// StoragePath is the filesystem whose usage the status endpoint
	// reports.
	StoragePath string
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Channel == nil {
		return trace.BadParameter("missing parameter Channel")
	}
	if c.Auth == nil {
		return trace.BadParameter("missing parameter Auth")
	}
	if c.Directory == nil {
		return trace.BadParameter("missing parameter Directory")
	}
	if c.Catalog == nil {
		return trace.BadParameter("missing parameter Catalog")
	}
	if c.Templates == nil {
		return trace.BadParameter("missing parameter Templates")
	}
	if c.Autostart == nil {
		return trace.BadParameter("missing parameter Autostart")
	}
	if c.Fetcher == nil {
		c.Fetcher = apps.NewFetcher()
	}
	if c.Fetcher.AutostartScript == nil {
		c.Fetcher.AutostartScript = c.Autostart.Script
	}
	if c.Storage == nil {
		return trace.BadParameter("missing parameter Storage")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Shares == nil {
		return trace.BadParameter("missing parameter Shares")
	}
	if c.Broker == nil {
		return trace.BadParameter("missing parameter Broker")
	}
	if c.Images == nil {
		return trace.BadParameter("missing parameter Images")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(sealskin.ComponentKey, sealskin.ComponentWeb)
	}
	return nil
}

// Handler serves the management API.
type Handler struct {
	httprouter.Router
	cfg    Config
	logger *slog.Logger
	clock  clockwork.Clock

	stats *systemStats
}

// NewHandler returns the API handler with all routes bound.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		stats:  newSystemStats(cfg.StoragePath, cfg.Clock, cfg.Logger),
	}
	h.Router = *httprouter.New()
	h.bind()
	return h, nil
}

func (h *Handler) bind() {
	// Handshake and liveness stay in the clear: they are how a client
	// gets a crypto session in the first place.
	h.POST("/api/handshake/initiate", httplib.MakeHandler(h.handshakeInitiate))
	h.POST("/api/handshake/exchange", httplib.MakeHandler(h.handshakeExchange))
	h.GET("/api/ping", httplib.MakeHandler(h.ping))
	h.Handler(http.MethodGet, "/metrics", promhttp.Handler())

	h.POST("/api/applications", h.withAuth(h.listApplications))
	h.POST("/api/launch/simple", h.withAuth(h.launchSimple))
	h.POST("/api/launch/url", h.withAuth(h.launchURL))
	h.POST("/api/launch/file", h.withAuth(h.launchFile))

	// Despite the path this one answers for every authenticated user,
	// admin or not; the response carries the caller's own admin flag.
	h.POST("/api/admin/status", h.withAuth(h.status))

	h.GET("/api/sessions", h.withAuth(h.listMySessions))
	h.DELETE("/api/sessions/:session_id", h.withAuth(h.stopMySession))
	h.POST("/api/sessions/:session_id/send_file", h.withAuth(h.sendFileToSession))

	h.POST("/api/upload/initiate", h.withAuth(h.uploadInitiate))
	h.POST("/api/upload/chunk", h.withAuth(h.uploadChunk))
	h.POST("/api/upload/to_storage", h.withStorage(h.uploadToStorage))

	h.GET("/api/homedirs", h.withStorage(h.listMyHomeDirs))
	h.POST("/api/homedirs", h.withStorage(h.createMyHomeDir))
	h.DELETE("/api/homedirs/:home_name", h.withStorage(h.deleteMyHomeDir))

	h.GET("/api/files/list/:home_dir", h.withStorage(h.listFiles))
	h.GET("/api/files/download/chunk/:home_dir", h.withStorage(h.downloadFileChunk))
	h.POST("/api/files/create_folder/:home_dir", h.withStorage(h.createFolder))
	h.POST("/api/files/delete/:home_dir", h.withStorage(h.deleteFiles))
	h.GET("/api/files/delete_status/:task_id", h.withStorage(h.deletionStatus))
	h.POST("/api/files/upload_to_dir/:home_dir", h.withStorage(h.uploadToDir))

	h.POST("/api/files/share", h.withSharing(h.createShare))
	h.GET("/api/files/shares", h.withSharing(h.listShares))
	h.DELETE("/api/files/share/:share_id", h.withSharing(h.deleteShare))

	h.POST("/api/admin/data", h.withAdmin(h.managementData))
	h.GET("/api/admin/apps/stores", h.withAdmin(h.listStores))
	h.POST("/api/admin/apps/stores", h.withAdmin(h.addStore))
	h.DELETE("/api/admin/apps/stores/:store_name", h.withAdmin(h.deleteStore))
	h.GET("/api/admin/apps/available", h.withAdmin(h.availableApps))
	h.GET("/api/admin/apps/installed", h.withAdmin(h.listInstalledApps))
	h.POST("/api/admin/apps/installed", h.withAdmin(h.installApp))
	h.PUT("/api/admin/apps/installed/:app_id", h.withAdmin(h.updateInstalledApp))
	h.DELETE("/api/admin/apps/installed/:app_id", h.withAdmin(h.uninstallApp))
	h.POST("/api/admin/apps/installed/:app_id/check_update", h.withAdmin(h.checkAppUpdate))
	h.POST("/api/admin/apps/installed/:app_id/pull_latest", h.withAdmin(h.pullLatestImage))
	h.GET("/api/admin/apps/templates", h.withAdmin(h.listTemplates))
	h.POST("/api/admin/apps/templates", h.withAdmin(h.saveTemplate))
	h.DELETE("/api/admin/apps/templates/:template_name", h.withAdmin(h.deleteTemplate))
	h.GET("/api/admin/sessions", h.withAdmin(h.listAllSessions))
	h.DELETE("/api/admin/sessions/:session_id", h.withAdmin(h.stopAnySession))
	h.POST("/api/admin/admins", h.withAdmin(h.createAdmin))
	h.DELETE("/api/admin/admins/:username", h.withAdmin(h.deleteAdmin))
	h.GET("/api/admin/admins/:username/homedirs", h.withAdmin(h.listAdminHomeDirs))
	h.POST("/api/admin/admins/:username/homedirs", h.withAdmin(h.createAdminHomeDir))
	h.DELETE("/api/admin/admins/:username/homedirs/:home_name", h.withAdmin(h.deleteAdminHomeDir))
	h.POST("/api/admin/users", h.withAdmin(h.createUser))
	h.PUT("/api/admin/users/:username", h.withAdmin(h.updateUser))
	h.DELETE("/api/admin/users/:username", h.withAdmin(h.deleteUser))
	h.GET("/api/admin/users/:username/homedirs", h.withAdmin(h.listUserHomeDirs))
	h.POST("/api/admin/users/:username/homedirs", h.withAdmin(h.createUserHomeDir))
	h.DELETE("/api/admin/users/:username/homedirs/:home_name", h.withAdmin(h.deleteUserHomeDir))
	h.POST("/api/admin/groups", h.withAdmin(h.createGroup))
	h.PUT("/api/admin/groups/:group_name", h.withAdmin(h.updateGroup))
	h.DELETE("/api/admin/groups/:group_name", h.withAdmin(h.deleteGroup))
}

// statusReply pairs a handler result with a non-200 status code.
// Handlers returning plain values reply 200.
type statusReply struct {
	code int
	body any
}

// created wraps a handler result for a 201 reply.
func created(body any) statusReply {
	return statusReply{code: http.StatusCreated, body: body}
}

// noContent is the bodyless 204 reply of the delete handlers.
var noContent = statusReply{code: http.StatusNoContent}

// seal adapts a handler so its success reply is encrypted for the
// caller's crypto session. Bodies are sealed only when the caller
// negotiated a session; errors always reply in the clear, exactly like
// the handshake failure a sessionless client must be able to read.
func (h *Handler) seal(fn httplib.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		httplib.SetNoCacheHeaders(w.Header())
		out, err := fn(w, r, p)
		if err != nil {
			httplib.ReplyError(w, err)
			return
		}
		code := http.StatusOK
		if reply, ok := out.(statusReply); ok {
			code, out = reply.code, reply.body
		}
		if out == nil {
			w.WriteHeader(code)
			return
		}
		body, err := json.Marshal(out)
		if err != nil {
			httplib.ReplyError(w, trace.Wrap(err))
			return
		}
		sealed, _, err := h.cfg.Channel.Seal(r.Header.Get(envelope.SessionIDHeader), body)
		if err != nil {
			httplib.ReplyError(w, trace.Wrap(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		w.Write(sealed)
	}
}

// authHandler is a handler that runs behind the JWT authenticator.
type authHandler func(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

func (h *Handler) withAuth(fn authHandler) httprouter.Handle {
	return h.seal(func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		id, err := h.cfg.Auth.Authenticate(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(id, w, r, p)
	})
}

func (h *Handler) withGuard(check func(*identity.Identity) error, fn authHandler) httprouter.Handle {
	return h.withAuth(func(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
		if err := check(id); err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(id, w, r, p)
	})
}

func (h *Handler) withAdmin(fn authHandler) httprouter.Handle {
	return h.withGuard(identity.CheckAdmin, fn)
}

func (h *Handler) withStorage(fn authHandler) httprouter.Handle {
	return h.withGuard(identity.CheckPersistentStorage, fn)
}

func (h *Handler) withSharing(fn authHandler) httprouter.Handle {
	return h.withGuard(identity.CheckPublicSharing, fn)
}

// readSealed decrypts an enveloped request body into val.
func (h *Handler) readSealed(r *http.Request, val any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	plaintext, err := h.cfg.Channel.OpenRequest(r, body)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(plaintext, val); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

func (h *Handler) handshakeInitiate(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.cfg.Channel.Initiate()
}

func (h *Handler) handshakeExchange(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req envelope.ExchangeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	return h.cfg.Channel.Exchange(req)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return map[string]string{"version": sealskin.Version}, nil
}
