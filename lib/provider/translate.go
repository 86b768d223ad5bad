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

package provider

import (
	"sort"
	"strings"
)

// Translator rewrites paths seen inside the broker container into the
// host paths the runtime daemon understands. When the broker runs in
// a container, bind mount sources it passes to the runtime must name
// host paths, not paths inside its own mount namespace.
type Translator struct {
	// prefixes maps a container path prefix to its host equivalent,
	// sorted longest first so the most specific mount wins.
	prefixes []Mount
}

// NewTranslator builds a translator from the broker container's own
// mounts. A nil or empty mount list yields the identity translator,
// which is correct when the broker runs directly on the host.
func NewTranslator(mounts []Mount) *Translator {
	prefixes := make([]Mount, 0, len(mounts))
	for _, m := range mounts {
		if m.Source != "" && m.Target != "" {
			prefixes = append(prefixes, m)
		}
	}
	sort.Slice(prefixes, func(i, j int) bool {
		return len(prefixes[i].Target) > len(prefixes[j].Target)
	})
	return &Translator{prefixes: prefixes}
}

// ToHost translates a path inside the broker container to the
// corresponding host path. Paths outside every known mount pass
// through unchanged.
func (t *Translator) ToHost(path string) string {
	if t == nil || path == "" {
		return path
	}
	for _, m := range t.prefixes {
		if path == m.Target {
			return m.Source
		}
		if rel, ok := strings.CutPrefix(path, m.Target+"/"); ok {
			return m.Source + "/" + rel
		}
	}
	return path
}
