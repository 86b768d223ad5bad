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
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/linuxserver/sealskin/lib/gpu"
	"github.com/linuxserver/sealskin/lib/identity"
	"github.com/linuxserver/sealskin/lib/users"
)

// statsTTL is how long one disk usage sample is served before the
// filesystem is asked again.
const statsTTL = time.Minute

// gpuInfo is the client-facing projection of a render device.
type gpuInfo struct {
	Device string `json:"device"`
	Driver string `json:"driver"`
}

func gpuInfos(devices []gpu.Device) []gpuInfo {
	out := make([]gpuInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, gpuInfo{Device: d.Device, Driver: d.Driver})
	}
	return out
}

type statusResponse struct {
	IsAdmin   bool           `json:"is_admin"`
	Username  string         `json:"username"`
	Settings  users.Settings `json:"settings"`
	GPUs      []gpuInfo      `json:"gpus"`
	CPUModel  string         `json:"cpu_model"`
	DiskTotal *uint64        `json:"disk_total"`
	DiskUsed  *uint64        `json:"disk_used"`
}

// systemStats samples host facts for the status endpoint. The CPU
// model never changes, disk usage is cached for statsTTL so a launcher
// polling status does not stat the filesystem on every request.
type systemStats struct {
	path     string
	clock    clockwork.Clock
	cpuModel string

	mu        sync.Mutex
	sampledAt time.Time
	diskTotal *uint64
	diskUsed  *uint64
}

func newSystemStats(path string, clock clockwork.Clock, logger *slog.Logger) *systemStats {
	model := "Unknown"
	if infos, err := cpu.Info(); err != nil {
		logger.Warn("Could not read CPU model", "error", err)
	} else if len(infos) > 0 && infos[0].ModelName != "" {
		model = infos[0].ModelName
	}
	return &systemStats{path: path, clock: clock, cpuModel: model}
}

func (s *systemStats) snapshot() (cpuModel string, diskTotal, diskUsed *uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if s.sampledAt.IsZero() || now.Sub(s.sampledAt) >= statsTTL {
		s.sampledAt = now
		// A failed stat leaves the totals null rather than erroring the
		// whole status reply.
		if usage, err := disk.Usage(s.path); err == nil {
			total, used := usage.Total, usage.Used
			s.diskTotal, s.diskUsed = &total, &used
		} else {
			s.diskTotal, s.diskUsed = nil, nil
		}
	}
	return s.cpuModel, s.diskTotal, s.diskUsed
}

func (h *Handler) status(id *identity.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	cpuModel, diskTotal, diskUsed := h.stats.snapshot()
	resp := statusResponse{
		IsAdmin:   id.IsAdmin,
		Username:  id.Username,
		Settings:  id.Effective,
		GPUs:      []gpuInfo{},
		CPUModel:  cpuModel,
		DiskTotal: diskTotal,
		DiskUsed:  diskUsed,
	}
	if id.Effective.GPU {
		resp.GPUs = gpuInfos(h.cfg.GPUs)
	}
	return resp, nil
}
