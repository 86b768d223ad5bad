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

// Package gpu probes the host for render devices that can be handed
// to hosted containers.
package gpu

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/linuxserver/sealskin"
)

// Kind distinguishes how a render device is attached to a container:
// nvidia devices go through the nvidia container runtime, everything
// else is bind-mounted as a DRI3 node.
type Kind string

const (
	// KindNvidia marks devices bound to the proprietary nvidia driver.
	KindNvidia Kind = "nvidia"
	// KindDRI3 marks every other render device.
	KindDRI3 Kind = "dri3"
)

// Device is one usable render device on the host.
type Device struct {
	// Device is the /dev/dri node path, e.g. /dev/dri/renderD128.
	Device string
	// Driver is the kernel driver bound to the device.
	Driver string
	// Kind selects the container attachment strategy.
	Kind Kind
	// Index is the nvidia device ordinal, counted across nvidia
	// devices only. Zero for DRI3 devices.
	Index int
}

// Prober scans sysfs for render devices.
type Prober struct {
	// SysClassDRM is the directory scanned for renderD* entries,
	// normally /sys/class/drm.
	SysClassDRM string

	logger *slog.Logger
}

// NewProber returns a prober over the host's DRM class directory.
func NewProber() *Prober {
	return &Prober{
		SysClassDRM: "/sys/class/drm",
		logger:      slog.With(sealskin.ComponentKey, sealskin.ComponentGPU),
	}
}

// Detect lists the host's render devices in renderD minor order.
// Hosts without DRM devices, or without sysfs at all, yield an empty
// list rather than an error.
func (p *Prober) Detect() []Device {
	entries, err := os.ReadDir(p.SysClassDRM)
	if err != nil {
		p.logger.Info("GPU detection could not be run, no GPUs will be available", "error", err)
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "renderD") {
			names = append(names, entry.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return renderMinor(names[i]) < renderMinor(names[j])
	})

	var devices []Device
	nvidiaIndex := 0
	for _, name := range names {
		link, err := os.Readlink(filepath.Join(p.SysClassDRM, name, "device", "driver"))
		if err != nil {
			p.logger.Warn("Could not resolve driver for render device", "device", name, "error", err)
			continue
		}
		device := Device{
			Device: "/dev/dri/" + name,
			Driver: filepath.Base(link),
			Kind:   KindDRI3,
		}
		if device.Driver == "nvidia" {
			device.Kind = KindNvidia
			device.Index = nvidiaIndex
			nvidiaIndex++
		}
		devices = append(devices, device)
	}

	p.logger.Info("Detected GPUs", "count", len(devices))
	return devices
}

// Find returns the device with the given /dev/dri path.
func Find(devices []Device, path string) (Device, bool) {
	for _, d := range devices {
		if d.Device == path {
			return d, true
		}
	}
	return Device{}, false
}

func renderMinor(name string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(name, "renderD"))
	return n
}
