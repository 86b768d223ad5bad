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

package proxy

import (
	"html/template"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/patrickmn/go-cache"

	"github.com/linuxserver/sealskin/lib/shares"
	"github.com/linuxserver/sealskin/lib/utils"
)

const downloadTokenBytes = 32

// passwordPage is served for password-protected shares: a bare form
// posting back to the share URL.
var passwordPage = template.Must(template.New("password").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Protected download · SealSkin</title>
<style>
  body { margin: 0; display: flex; align-items: center; justify-content: center;
         min-height: 100vh; background: #101418; color: #e8e8e8;
         font-family: system-ui, sans-serif; }
  form { background: #1a2026; padding: 2rem; border-radius: 8px; width: 20rem; }
  input { width: 100%; box-sizing: border-box; padding: .5rem; margin: .75rem 0;
          border: 1px solid #333; border-radius: 4px; background: #101418; color: inherit; }
  button { width: 100%; padding: .5rem; border: 0; border-radius: 4px;
           background: #2b7de9; color: #fff; cursor: pointer; }
  .error { color: #e06c75; margin: 0 0 .5rem; }
</style>
</head>
<body>
<form method="POST" action="/public/{{.ShareID}}">
  <h2>This file is password protected</h2>
  {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
  <input type="password" name="password" placeholder="Password" autofocus required>
  <button type="submit">Download</button>
</form>
</body>
</html>
`))

type passwordPageVars struct {
	ShareID string
	Error   string
}

const expiredPage = "<h1>This link has expired.</h1>"

// servePublic routes the anonymous share area: the share landing page,
// its password check, and the one-shot download URLs the check mints.
func (p *Proxy) servePublic(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/public/")
	if token, ok := strings.CutPrefix(rest, "download/"); ok {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		p.serveShareDownload(w, r, token)
		return
	}

	shareID, _, _ := strings.Cut(rest, "/")
	switch r.Method {
	case http.MethodGet:
		p.serveShare(w, r, shareID)
	case http.MethodPost:
		p.checkSharePassword(w, r, shareID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// freshShare re-reads the share metadata so downloads honour deletions
// made since the last broker mutation.
func (p *Proxy) freshShare(id string) (shares.Share, bool) {
	share, ok, err := p.cfg.Shares.FreshGet(id)
	if err != nil {
		p.logger.Error("Error reading share metadata", "share_id", id, "error", err)
		return shares.Share{}, false
	}
	return share, ok
}

func (p *Proxy) serveShare(w http.ResponseWriter, r *http.Request, shareID string) {
	share, ok := p.freshShare(shareID)
	if !ok {
		http.Error(w, "Share not found.", http.StatusNotFound)
		return
	}
	if share.Expired(p.clock.Now()) {
		serveHTML(w, http.StatusGone, expiredPage)
		return
	}
	if share.HasPassword() {
		p.renderPasswordPage(w, http.StatusOK, shareID, "")
		return
	}
	p.sendShareFile(w, r, shareID, share)
}

func (p *Proxy) checkSharePassword(w http.ResponseWriter, r *http.Request, shareID string) {
	share, ok := p.freshShare(shareID)
	if !ok {
		http.Error(w, "Share not found.", http.StatusNotFound)
		return
	}
	if share.Expired(p.clock.Now()) {
		serveHTML(w, http.StatusGone, expiredPage)
		return
	}
	if !share.HasPassword() {
		http.Error(w, "This share is not password protected.", http.StatusBadRequest)
		return
	}

	if !share.CheckPassword(r.PostFormValue("password")) {
		p.logger.Info("Rejected share password attempt", "share_id", shareID)
		p.renderPasswordPage(w, http.StatusUnauthorized, shareID,
			"Incorrect password. Please try again.")
		return
	}

	token, err := utils.RandomToken(downloadTokenBytes)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	p.downloadTokens.Set(token, shareID, cache.DefaultExpiration)
	http.Redirect(w, r, "/public/download/"+token, http.StatusSeeOther)
}

func (p *Proxy) serveShareDownload(w http.ResponseWriter, r *http.Request, token string) {
	shareID, ok := p.popToken(token)
	if !ok {
		http.Error(w, "Invalid or expired download token.", http.StatusForbidden)
		return
	}
	share, ok := p.freshShare(shareID)
	if !ok {
		http.Error(w, "Shared file not found.", http.StatusNotFound)
		return
	}
	p.sendShareFile(w, r, shareID, share)
}

// popToken redeems a one-shot download token. The mutex makes the
// get-and-delete atomic so concurrent requests cannot both win.
func (p *Proxy) popToken(token string) (string, bool) {
	p.tokenMu.Lock()
	defer p.tokenMu.Unlock()
	v, ok := p.downloadTokens.Get(token)
	if !ok {
		return "", false
	}
	p.downloadTokens.Delete(token)
	shareID, ok := v.(string)
	return shareID, ok
}

func (p *Proxy) sendShareFile(w http.ResponseWriter, r *http.Request, shareID string, share shares.Share) {
	f, err := os.Open(p.cfg.Shares.FilePath(shareID))
	if err != nil {
		http.Error(w, "Shared file not found on disk.", http.StatusNotFound)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, "Shared file not found on disk.", http.StatusNotFound)
		return
	}

	metricShareDownloads.Inc()
	p.logger.Info("Serving public share",
		"share_id", shareID, "file", share.OriginalFilename)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": share.OriginalFilename}))
	http.ServeContent(w, r, "", info.ModTime(), f)
}

func (p *Proxy) renderPasswordPage(w http.ResponseWriter, status int, shareID, errMsg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := passwordPage.Execute(w, passwordPageVars{ShareID: shareID, Error: errMsg}); err != nil {
		p.logger.Warn("Failed to render share password page", "error", err)
	}
}

func serveHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
