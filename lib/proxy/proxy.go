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

// Package proxy is the per-session reverse proxy. It authenticates
// browsers against the session store, hands the access token off into a
// cookie, and forwards HTTP and websocket traffic to the session's
// container with the container's own Basic credentials injected. The
// same listener serves collaboration rooms and public file shares.
package proxy

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/defaults"
	"github.com/linuxserver/sealskin/lib/session"
	"github.com/linuxserver/sealskin/lib/shares"
	"github.com/linuxserver/sealskin/lib/utils"
)

// RoomHandler serves the collaboration room page and websocket. The
// proxy only routes to it; admission lives with the rooms themselves.
type RoomHandler interface {
	ServePage(w http.ResponseWriter, r *http.Request, sessionID string)
	ServeSocket(w http.ResponseWriter, r *http.Request, sessionID string)
}

// Config configures the session proxy.
type Config struct {
	// Sessions resolves session ids to containers and tokens.
	Sessions *session.Store
	// Shares backs the /public download area.
	Shares *shares.Store
	// Rooms serves /room and /ws/room.
	Rooms RoomHandler
	// SessionCookieName is the cookie the access token is handed off
	// into after the first authenticated GET.
	SessionCookieName string
	// Clock is the time source.
	Clock clockwork.Clock
	// Logger overrides the package logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Shares == nil {
		return trace.BadParameter("missing parameter Shares")
	}
	if c.Rooms == nil {
		return trace.BadParameter("missing parameter Rooms")
	}
	if c.SessionCookieName == "" {
		c.SessionCookieName = defaults.SessionCookieName
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(sealskin.ComponentKey, sealskin.ComponentProxy)
	}
	return nil
}

// Proxy is the session listener's handler.
type Proxy struct {
	cfg    Config
	logger *slog.Logger
	clock  clockwork.Clock

	// transports caches one upstream HTTP transport per session so
	// keep-alive connections survive across requests. Evicted
	// transports drop their idle connections.
	transports *lru.Cache[string, *http.Transport]

	// downloadTokens are the one-shot share download grants. popToken
	// serialises consumption so a token redeems at most once.
	downloadTokens *cache.Cache
	tokenMu        sync.Mutex

	upgrader websocket.Upgrader
}

// NewProxy returns a ready handler.
func NewProxy(cfg Config) (*Proxy, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	transports, err := lru.NewWithEvict[string, *http.Transport](
		defaults.TransportCacheSize,
		func(_ string, t *http.Transport) { t.CloseIdleConnections() },
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	utils.RegisterPrometheusCollectors(proxyCollectors...)
	return &Proxy{
		cfg:            cfg,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
		transports:     transports,
		downloadTokens: cache.New(defaults.DownloadTokenTTL, time.Minute),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/public/"):
		p.servePublic(w, r)
	case strings.HasPrefix(r.URL.Path, "/room/"):
		sid, _, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/room/"), "/")
		p.cfg.Rooms.ServePage(w, r, sid)
	case strings.HasPrefix(r.URL.Path, "/ws/room/"):
		sid, _, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/ws/room/"), "/")
		p.cfg.Rooms.ServeSocket(w, r, sid)
	default:
		p.serveSession(w, r)
	}
}

var (
	errNoCredentials  = trace.AccessDenied("authentication token missing")
	errBadCredentials = trace.AccessDenied("invalid session or token")
)

// authorize walks the credential chain: access_token query parameter,
// the global session cookie, the per-session cookie, and for
// collaboration sessions the room token cookie. The first credential
// matching the session record wins. No credential at all is
// errNoCredentials, credentials that all mismatch are errBadCredentials.
func (p *Proxy) authorize(r *http.Request, sess session.Session) error {
	presented := false
	owner := func(token string) bool {
		if token == "" {
			return false
		}
		presented = true
		return utils.ConstantTimeEquals(token, sess.AccessToken)
	}

	if owner(r.URL.Query().Get("access_token")) {
		return nil
	}
	if c, err := r.Cookie(p.cfg.SessionCookieName); err == nil && owner(c.Value) {
		return nil
	}
	if c, err := r.Cookie(p.cfg.SessionCookieName + "_" + sess.ID); err == nil && owner(c.Value) {
		return nil
	}
	if sess.IsCollaboration {
		if c, err := r.Cookie(defaults.CollabCookiePrefix + sess.ID); err == nil && c.Value != "" {
			presented = true
			if _, _, ok := sess.RoleForToken(c.Value); ok {
				return nil
			}
		}
	}

	if !presented {
		return errNoCredentials
	}
	return errBadCredentials
}

// serveSession handles /<session_id>/<rest>: authenticate, hand the
// query token off into a cookie on plain GETs, then forward.
func (p *Proxy) serveSession(w http.ResponseWriter, r *http.Request) {
	sid, _, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if sid == "" {
		http.NotFound(w, r)
		return
	}
	sess, found := p.cfg.Sessions.Get(sid)
	if !found {
		// Credentials are still inspected so probing an unknown id
		// without any token reads the same as a missing token.
		sess = session.Session{ID: sid}
	}

	if err := p.authorize(r, sess); err != nil {
		if errors.Is(err, errNoCredentials) {
			http.Error(w, "Authentication token missing.", http.StatusUnauthorized)
			return
		}
		http.Error(w, "Forbidden: Invalid session or token.", http.StatusForbidden)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		metricProxyRequests.WithLabelValues("websocket").Inc()
		p.proxyWebsocket(w, r, sess)
		return
	}
	metricProxyRequests.WithLabelValues("http").Inc()

	// First authenticated GET: move the token out of the URL into a
	// cookie and strip it from the address bar.
	queryToken := r.URL.Query().Get("access_token")
	if r.Method == http.MethodGet && queryToken != "" &&
		utils.ConstantTimeEquals(queryToken, sess.AccessToken) {
		q := r.URL.Query()
		q.Del("access_token")
		target := *r.URL
		target.RawQuery = q.Encode()
		http.SetCookie(w, &http.Cookie{
			Name:     p.cfg.SessionCookieName,
			Value:    queryToken,
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
		})
		p.logger.Info("Session token handed off to cookie", "session_id", sid)
		http.Redirect(w, r, target.String(), http.StatusFound)
		return
	}

	p.forwardHTTP(w, r, sess)
}

// forwardHTTP streams one request to the session's container and its
// response back, with the access token stripped from the query and the
// container's Basic credentials injected.
func (p *Proxy) forwardHTTP(w http.ResponseWriter, r *http.Request, sess session.Session) {
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, p.upstreamURL("http", r, sess), r.Body)
	if err != nil {
		http.Error(w, "Bad Gateway: Cannot connect to application container.", http.StatusBadGateway)
		return
	}
	outReq.Header = r.Header.Clone()
	stripHopByHop(outReq.Header)
	outReq.Header.Set("Authorization", basicAuth(sess))
	outReq.Host = r.Host
	if r.ContentLength > 0 {
		outReq.ContentLength = r.ContentLength
	}

	resp, err := p.transport(sess.ID).RoundTrip(outReq)
	if err != nil {
		metricProxyUpstreamErrors.Inc()
		p.logger.Error("Cannot connect to session container",
			"session_id", sess.ID, "error", err)
		http.Error(w, "Bad Gateway: Cannot connect to application container.", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for k, vv := range resp.Header {
		header[k] = vv
	}
	stripHopByHop(header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("Session response stream ended early",
			"session_id", sess.ID, "error", err)
	}
}

// proxyWebsocket bridges a client websocket to the container: dial the
// upstream first so a refused connection still gets a clean 502, then
// upgrade and relay frames both ways until either side closes.
func (p *Proxy) proxyWebsocket(w http.ResponseWriter, r *http.Request, sess session.Session) {
	header := http.Header{}
	header.Set("Authorization", basicAuth(sess))
	upstream, resp, err := websocket.DefaultDialer.Dial(p.upstreamURL("ws", r, sess), header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		metricProxyUpstreamErrors.Inc()
		p.logger.Error("Cannot open websocket to session container",
			"session_id", sess.ID, "error", err)
		http.Error(w, "Bad Gateway: Cannot connect to application container.", http.StatusBadGateway)
		return
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	client, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		upstream.Close()
		p.logger.Warn("Websocket upgrade failed", "session_id", sess.ID, "error", err)
		return
	}

	p.logger.Debug("Websocket proxy opened", "session_id", sess.ID, "path", r.URL.Path)
	var closeOnce sync.Once
	closeBoth := func() {
		client.Close()
		upstream.Close()
	}
	relay := func(dst, src *websocket.Conn) func() error {
		return func() error {
			defer closeOnce.Do(closeBoth)
			for {
				msgType, msg, err := src.ReadMessage()
				if err != nil {
					if isExpectedClose(err) {
						return nil
					}
					return trace.Wrap(err)
				}
				if err := dst.WriteMessage(msgType, msg); err != nil {
					if isExpectedClose(err) {
						return nil
					}
					return trace.Wrap(err)
				}
			}
		}
	}
	var g errgroup.Group
	g.Go(relay(upstream, client))
	g.Go(relay(client, upstream))
	if err := g.Wait(); err != nil {
		p.logger.Debug("Websocket proxy ended with error",
			"session_id", sess.ID, "error", err)
	}
	p.logger.Debug("Websocket proxy closed", "session_id", sess.ID, "path", r.URL.Path)
}

// upstreamURL rewrites the incoming request onto the session container,
// dropping the access token from the query.
func (p *Proxy) upstreamURL(scheme string, r *http.Request, sess session.Session) string {
	q := r.URL.Query()
	q.Del("access_token")
	u := url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(sess.IP, strconv.Itoa(sess.Port)),
		Path:     r.URL.Path,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// transport returns the cached upstream transport for a session. Two
// racing requests may both build one; the loser idles and is collected
// on eviction.
func (p *Proxy) transport(sessionID string) *http.Transport {
	if t, ok := p.transports.Get(sessionID); ok {
		return t
	}
	t := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	p.transports.Add(sessionID, t)
	return t
}

func basicAuth(sess session.Session) string {
	return "Basic " + base64.StdEncoding.EncodeToString(
		[]byte(sess.CustomUser+":"+sess.Password))
}

// hopHeaders never travel across the proxy, per RFC 7230 section 6.1.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func isExpectedClose(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure) {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
