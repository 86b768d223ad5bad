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

package apps

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/ghodss/yaml"
	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"

	"github.com/linuxserver/sealskin"
	"github.com/linuxserver/sealskin/lib/defaults"
)

// TemplatesConfig locates the two template directories. Files in the
// user directory shadow same-named templates shipped with the image.
type TemplatesConfig struct {
	DefaultDir string
	UserDir    string
	Logger     *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *TemplatesConfig) CheckAndSetDefaults() error {
	if c.UserDir == "" {
		return trace.BadParameter("missing parameter UserDir")
	}
	if c.Logger == nil {
		c.Logger = slog.With(sealskin.ComponentKey, sealskin.ComponentApps)
	}
	return nil
}

// Templates is the launch template library.
type Templates struct {
	cfg    TemplatesConfig
	logger *slog.Logger
	name   *regexp.Regexp

	mu        sync.RWMutex
	templates map[string]Template
}

// NewTemplates loads both template directories, writing a blank
// "Default" template on a completely empty install.
func NewTemplates(cfg TemplatesConfig) (*Templates, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	t := &Templates{
		cfg:    cfg,
		logger: cfg.Logger,
		name:   regexp.MustCompile(defaults.TemplatePattern),
	}
	if err := os.MkdirAll(cfg.UserDir, defaults.SharedDirMode); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := t.Reload(); err != nil {
		return nil, trace.Wrap(err)
	}
	return t, nil
}

// Reload rescans both template directories. Later directories win on
// name collisions: default templates first, user templates on top.
func (t *Templates) Reload() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	templates := make(map[string]Template)
	for _, dir := range []string{t.cfg.DefaultDir, t.cfg.UserDir} {
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return trace.ConvertSystemError(err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml")) {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				t.logger.Error("Error loading template", "file", name, "error", err)
				continue
			}
			var tmpl Template
			if err := yaml.Unmarshal(raw, &tmpl); err != nil || tmpl.Name == "" {
				t.logger.Error("Error parsing template", "file", name, "error", err)
				continue
			}
			templates[tmpl.Name] = tmpl
		}
	}

	if len(templates) == 0 {
		t.logger.Warn("No app templates found, creating a blank 'Default' template")
		blank := Template{Name: "Default", Settings: map[string]any{}}
		templates[blank.Name] = blank
		raw, err := yaml.Marshal(blank)
		if err != nil {
			return trace.Wrap(err)
		}
		if err := renameio.WriteFile(filepath.Join(t.cfg.UserDir, "default.yml"), raw, defaults.SharedFileMode); err != nil {
			t.logger.Error("Could not write default template file", "error", err)
		}
	}

	t.templates = templates
	t.logger.Info("Loaded application templates", "count", len(templates))
	return nil
}

// Get returns a template by display name.
func (t *Templates) Get(name string) (Template, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tmpl, ok := t.templates[name]
	return tmpl, ok
}

// All lists templates sorted by name.
func (t *Templates) All() []Template {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Template, 0, len(t.templates))
	for _, tmpl := range t.templates {
		out = append(out, tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// templateFilename maps a display name to its on-disk file name.
func templateFilename(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_") + ".yml"
}

// Save writes a template into the user directory, shadowing any
// default template with the same name.
func (t *Templates) Save(tmpl Template) (Template, error) {
	if !t.name.MatchString(tmpl.Name) {
		return Template{}, trace.BadParameter("invalid template name")
	}
	if tmpl.Settings == nil {
		tmpl.Settings = map[string]any{}
	}
	raw, err := yaml.Marshal(tmpl)
	if err != nil {
		return Template{}, trace.Wrap(err)
	}
	path := filepath.Join(t.cfg.UserDir, templateFilename(tmpl.Name))
	if err := renameio.WriteFile(path, raw, defaults.SharedFileMode); err != nil {
		return Template{}, trace.ConvertSystemError(err)
	}
	if err := t.Reload(); err != nil {
		return Template{}, trace.Wrap(err)
	}
	t.logger.Info("Saved application template", "template", tmpl.Name)
	return tmpl, nil
}

// Delete removes a user template. Templates that only exist in the
// shipped default directory cannot be deleted, only shadowed.
func (t *Templates) Delete(name string) error {
	filename := templateFilename(name)
	userPath := filepath.Join(t.cfg.UserDir, filename)
	if _, err := os.Stat(userPath); err == nil {
		if err := os.Remove(userPath); err != nil {
			return trace.ConvertSystemError(err)
		}
		if err := t.Reload(); err != nil {
			return trace.Wrap(err)
		}
		t.logger.Info("Deleted application template", "template", name)
		return nil
	}
	if t.cfg.DefaultDir != "" {
		if _, err := os.Stat(filepath.Join(t.cfg.DefaultDir, filename)); err == nil {
			return trace.AccessDenied("cannot delete the default template %q, override it by creating a new template with the same name", name)
		}
	}
	return trace.NotFound("template %q not found", name)
}
