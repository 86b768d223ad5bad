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
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/linuxserver/sealskin/lib/apps"
	"github.com/linuxserver/sealskin/lib/identity"
	"github.com/linuxserver/sealskin/lib/session"
	"github.com/linuxserver/sealskin/lib/users"
)

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func (h *Handler) managementData(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	publicKey, err := h.cfg.Channel.PublicKeyPEM()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]any{
		"admins":            h.cfg.Directory.Admins(),
		"users":             h.cfg.Directory.Users(),
		"groups":            h.cfg.Directory.Groups(),
		"server_public_key": string(publicKey),
		"api_port":          h.cfg.APIPort,
		"session_port":      h.cfg.SessionPort,
		"gpus":              gpuInfos(h.cfg.GPUs),
	}, nil
}

func (h *Handler) listStores(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.cfg.Catalog.Stores(), nil
}

func (h *Handler) addStore(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var store apps.Store
	if err := h.readSealed(r, &store); err != nil {
		return nil, trace.Wrap(err)
	}
	added, err := h.cfg.Catalog.AddStore(store)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return created(added), nil
}

func (h *Handler) deleteStore(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Catalog.RemoveStore(p.ByName("store_name")); err != nil {
		return nil, trace.Wrap(err)
	}
	return noContent, nil
}

func (h *Handler) availableApps(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	url := r.URL.Query().Get("url")
	if url == "" {
		return nil, trace.BadParameter("missing query parameter url")
	}
	available, err := h.cfg.Fetcher.AvailableApps(r.Context(), r.URL.Query().Get("store_name"), url)
	if err != nil {
		return nil, trace.BadParameter("could not fetch or parse app list: %v", err)
	}
	return available, nil
}

func (h *Handler) listInstalledApps(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	installed := h.cfg.Catalog.Apps()
	out := make([]apps.Status, 0, len(installed))
	for _, app := range installed {
		status := h.cfg.Images.Status(app.ProviderConfig.Image)
		entry := apps.Status{InstalledApp: app}
		if status.Known {
			entry.ImageSHA = status.SHA
			if !status.LastCheckedAt.IsZero() {
				checked := unixSeconds(status.LastCheckedAt)
				entry.LastCheckedAt = &checked
			}
		}
		if status.Pulling {
			entry.PullStatus = "pulling"
		}
		out = append(out, entry)
	}
	return out, nil
}

func (h *Handler) installApp(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var app apps.InstalledApp
	if err := h.readSealed(r, &app); err != nil {
		return nil, trace.Wrap(err)
	}
	installed, err := h.cfg.Catalog.Install(app)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// The pull must survive this request.
	go h.cfg.Images.BackgroundPull(context.Background(), installed.ProviderConfig.Image)
	return created(installed), nil
}

func (h *Handler) updateInstalledApp(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var app apps.InstalledApp
	if err := h.readSealed(r, &app); err != nil {
		return nil, trace.Wrap(err)
	}
	updated, oldImage, err := h.cfg.Catalog.Update(p.ByName("app_id"), app)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if updated.ProviderConfig.Image != oldImage {
		go h.cfg.Images.BackgroundPull(context.Background(), updated.ProviderConfig.Image)
	}
	return updated, nil
}

func (h *Handler) uninstallApp(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Catalog.Remove(p.ByName("app_id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return noContent, nil
}

type updateCheckResponse struct {
	CurrentSHA      *string `json:"current_sha"`
	UpdateAvailable bool    `json:"update_available"`
}

func (h *Handler) checkAppUpdate(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	app, ok := h.cfg.Catalog.App(p.ByName("app_id"))
	if !ok {
		return nil, trace.NotFound("installed app not found")
	}
	sha, available, err := h.cfg.Images.UpdateAvailable(r.Context(), app.ProviderConfig.Image)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp := updateCheckResponse{UpdateAvailable: available}
	if sha != "" {
		resp.CurrentSHA = &sha
	}
	return resp, nil
}

type pullResponse struct {
	Status string  `json:"status"`
	NewSHA *string `json:"new_sha"`
}

func (h *Handler) pullLatestImage(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	app, ok := h.cfg.Catalog.App(p.ByName("app_id"))
	if !ok {
		return nil, trace.NotFound("installed app not found")
	}
	image := app.ProviderConfig.Image
	if err := h.cfg.Images.PullAndRefresh(r.Context(), image); err != nil {
		return nil, trace.Wrap(err)
	}
	if store, ok := h.cfg.Catalog.StoreByName(app.Source); ok {
		if err := h.cfg.Autostart.RefreshApp(r.Context(), store, app); err != nil {
			h.logger.Warn("Failed to refresh autostart script after pull",
				"app_id", app.ID, "error", err)
		}
	}
	resp := pullResponse{Status: "success"}
	if status := h.cfg.Images.Status(image); status.SHA != "" {
		sha := status.SHA
		resp.NewSHA = &sha
	}
	return resp, nil
}

func (h *Handler) listTemplates(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.cfg.Templates.All(), nil
}

func (h *Handler) saveTemplate(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var tmpl apps.Template
	if err := h.readSealed(r, &tmpl); err != nil {
		return nil, trace.Wrap(err)
	}
	saved, err := h.cfg.Templates.Save(tmpl)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return created(saved), nil
}

func (h *Handler) deleteTemplate(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Templates.Delete(p.ByName("template_name")); err != nil {
		return nil, trace.Wrap(err)
	}
	return noContent, nil
}

// userSessionList groups one user's sessions for the admin overview.
type userSessionList struct {
	Username string        `json:"username"`
	Sessions []sessionInfo `json:"sessions"`
}

func (h *Handler) listAllSessions(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	byUser := make(map[string][]session.Session)
	for _, sess := range h.cfg.Sessions.List() {
		byUser[sess.Username] = append(byUser[sess.Username], sess)
	}
	out := make([]userSessionList, 0, len(byUser))
	for username, sessions := range byUser {
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].CreatedAt > sessions[j].CreatedAt
		})
		out = append(out, userSessionList{Username: username, Sessions: sessionInfos(sessions)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (h *Handler) stopAnySession(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Broker.Stop(r.Context(), p.ByName("session_id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return noContent, nil
}

// accountReply pairs a created account with the private key minted for
// it. The key is null when the caller supplied their own public key.
type accountReply struct {
	User       users.User `json:"user"`
	PrivateKey *string    `json:"private_key"`
}

func newAccountReply(user users.User, privateKey string) accountReply {
	reply := accountReply{User: user}
	if privateKey != "" {
		reply.PrivateKey = &privateKey
	}
	return reply
}

type createAccountRequest struct {
	Username  string         `json:"username"`
	PublicKey string         `json:"public_key"`
	Settings  users.Settings `json:"settings"`
}

func (h *Handler) createAdmin(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req createAccountRequest
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	user, privateKey, err := h.cfg.Directory.CreateAdmin(req.Username, req.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return created(newAccountReply(user, privateKey)), nil
}

func (h *Handler) deleteAdmin(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Directory.DeleteAdmin(p.ByName("username")); err != nil {
		return nil, trace.Wrap(err)
	}
	return noContent, nil
}

func (h *Handler) createUser(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	// Missing settings fields keep their defaults, matching clients that
	// send a partial settings object.
	req := createAccountRequest{Settings: users.DefaultSettings()}
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	user, privateKey, err := h.cfg.Directory.CreateUser(req.Username, req.PublicKey, req.Settings)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return created(newAccountReply(user, privateKey)), nil
}

type settingsRequest struct {
	Settings users.Settings `json:"settings"`
}

func (h *Handler) updateUser(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	req := settingsRequest{Settings: users.DefaultSettings()}
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	user, err := h.cfg.Directory.UpdateUserSettings(p.ByName("username"), req.Settings)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return user, nil
}

func (h *Handler) deleteUser(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Directory.DeleteUser(p.ByName("username")); err != nil {
		return nil, trace.Wrap(err)
	}
	return noContent, nil
}

// targetUser validates the subject of an admin home directory request:
// it must exist, must not be an admin, and must have persistent
// storage enabled.
func (h *Handler) targetUser(username string) error {
	user, ok := h.cfg.Directory.GetUser(username)
	if !ok || user.IsAdmin {
		return trace.NotFound("user not found")
	}
	if !h.cfg.Directory.EffectiveSettings(username).PersistentStorage {
		return trace.AccessDenied("user does not have persistent storage enabled")
	}
	return nil
}

// targetAdmin validates the subject of an admin-on-admin home
// directory request. Admins always have storage.
func (h *Handler) targetAdmin(username string) error {
	user, ok := h.cfg.Directory.GetUser(username)
	if !ok || !user.IsAdmin {
		return trace.NotFound("admin user not found")
	}
	return nil
}

func (h *Handler) listHomeDirsFor(check func(string) error, username string) (any, error) {
	if err := check(username); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string][]string{"home_dirs": h.cfg.Storage.HomeDirs(username)}, nil
}

func (h *Handler) createHomeDirFor(check func(string) error, username string, r *http.Request) (any, error) {
	if err := check(username); err != nil {
		return nil, trace.Wrap(err)
	}
	var req homeDirRequest
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Storage.CreateHome(username, req.HomeName); err != nil {
		return nil, trace.Wrap(err)
	}
	return created(map[string]string{"status": "created", "home_name": req.HomeName}), nil
}

func (h *Handler) deleteHomeDirFor(check func(string) error, username, home string) (any, error) {
	if err := check(username); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Storage.DeleteHome(username, home); err != nil {
		return nil, trace.Wrap(err)
	}
	return noContent, nil
}

func (h *Handler) listUserHomeDirs(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.listHomeDirsFor(h.targetUser, p.ByName("username"))
}

func (h *Handler) createUserHomeDir(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.createHomeDirFor(h.targetUser, p.ByName("username"), r)
}

func (h *Handler) deleteUserHomeDir(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.deleteHomeDirFor(h.targetUser, p.ByName("username"), p.ByName("home_name"))
}

func (h *Handler) listAdminHomeDirs(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.listHomeDirsFor(h.targetAdmin, p.ByName("username"))
}

func (h *Handler) createAdminHomeDir(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.createHomeDirFor(h.targetAdmin, p.ByName("username"), r)
}

func (h *Handler) deleteAdminHomeDir(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.deleteHomeDirFor(h.targetAdmin, p.ByName("username"), p.ByName("home_name"))
}

type groupRequest struct {
	Name     string         `json:"name"`
	Settings users.Settings `json:"settings"`
}

func (h *Handler) createGroup(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	req := groupRequest{Settings: users.DefaultSettings()}
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if h.cfg.Directory.HasGroup(req.Name) {
		return nil, trace.AlreadyExists("group %q already exists", req.Name)
	}
	group, err := h.cfg.Directory.UpsertGroup(req.Name, req.Settings)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return created(group), nil
}

func (h *Handler) updateGroup(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	name := p.ByName("group_name")
	if !h.cfg.Directory.HasGroup(name) {
		return nil, trace.NotFound("group %q not found", name)
	}
	req := settingsRequest{Settings: users.DefaultSettings()}
	if err := h.readSealed(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	group, err := h.cfg.Directory.UpsertGroup(name, req.Settings)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return group, nil
}

func (h *Handler) deleteGroup(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Directory.DeleteGroup(p.ByName("group_name")); err != nil {
		return nil, trace.Wrap(err)
	}
	return noContent, nil
}
