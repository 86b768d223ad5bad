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

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// HandlerFunc specifies an HTTP handler function that returns a JSON-
// serializable result or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		// control-plane responses must never be cached by proxies or
		// browsers
		SetNoCacheHeaders(w.Header())

		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(w, err)
			return
		}
		if out != nil {
			roundtrip.ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON reads an HTTP JSON request body and unmarshals it into val.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("failed to decode request body: %v", err)
	}
	return nil
}

// ReplyError writes err to w as a JSON error envelope with the status code
// matching the error kind.
func ReplyError(w http.ResponseWriter, err error) {
	roundtrip.ReplyJSON(w, ErrorToCode(err), ErrorEnvelope(err))
}

// ErrorEnvelope is the JSON body sent with every error reply.
func ErrorEnvelope(err error) any {
	type message struct {
		Message string `json:"message"`
	}
	return struct {
		Error message `json:"error"`
	}{Error: message{Message: trace.UserMessage(err)}}
}

// ErrorToCode maps an error kind onto an HTTP status code. Unauthenticated
// sorts before access denial: a request that carried no verifiable
// credential gets 401 where a recognized but rejected caller gets 403.
// Connection problems map to 502 except when the wrapped cause is a
// deadline, which means the upstream was reachable but never became ready.
func ErrorToCode(err error) int {
	switch {
	case IsUnauthenticated(err):
		return http.StatusUnauthorized
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	case trace.IsConnectionProblem(err):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// unauthenticatedError is an access denial raised before any credential
// could be verified.
type unauthenticatedError struct {
	err error
}

func (e *unauthenticatedError) Error() string { return e.err.Error() }
func (e *unauthenticatedError) Unwrap() error { return e.err }

// Unauthenticated returns an error that ErrorToCode maps to 401.
func Unauthenticated(format string, args ...any) error {
	return &unauthenticatedError{err: trace.AccessDenied(format, args...)}
}

// IsUnauthenticated reports whether err was built by Unauthenticated.
func IsUnauthenticated(err error) bool {
	var target *unauthenticatedError
	return errors.As(err, &target)
}

// SetNoCacheHeaders tells proxies and browsers not to cache the content.
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}
