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

package docker

import (
	"errors"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"

	"github.com/linuxserver/sealskin/lib/provider"
)

func TestBinds(t *testing.T) {
	t.Parallel()
	require.Equal(t,
		[]string{"/host/alice/Desktop:/config:rw", "/host/shared:/config/Desktop/files:rw"},
		binds([]provider.Mount{
			{Source: "/host/alice/Desktop", Target: "/config"},
			{Source: "/host/shared", Target: "/config/Desktop/files"},
		}))
	require.Empty(t, binds(nil))
}

func TestDeviceMapping(t *testing.T) {
	t.Parallel()
	m := deviceMapping("/dev/dri/renderD128:/dev/dri/renderD128")
	require.Equal(t, "/dev/dri/renderD128", m.PathOnHost)
	require.Equal(t, "/dev/dri/renderD128", m.PathInContainer)
	require.Equal(t, "rwm", m.CgroupPermissions)

	// A bare path maps to itself.
	m = deviceMapping("/dev/snd")
	require.Equal(t, "/dev/snd", m.PathOnHost)
	require.Equal(t, "/dev/snd", m.PathInContainer)
}

func TestEnvList(t *testing.T) {
	t.Parallel()
	require.Equal(t,
		[]string{"CUSTOM_USER=abc", "PUID=1000", "TITLE=Firefox"},
		envList(map[string]string{"TITLE": "Firefox", "PUID": "1000", "CUSTOM_USER": "abc"}))
}

func TestContainerIP(t *testing.T) {
	t.Parallel()

	require.Empty(t, containerIP(container.InspectResponse{}))

	withBridge := container.InspectResponse{
		NetworkSettings: &container.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"custom": {IPAddress: "172.20.0.7"},
				"bridge": {IPAddress: "172.17.0.2"},
			},
		},
	}
	require.Equal(t, "172.17.0.2", containerIP(withBridge))

	customOnly := container.InspectResponse{
		NetworkSettings: &container.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"empty":  {},
				"custom": {IPAddress: "172.20.0.7"},
			},
		},
	}
	require.Equal(t, "172.20.0.7", containerIP(customOnly))
}

func TestHostPort(t *testing.T) {
	t.Parallel()
	ports := nat.PortMap{
		"8000/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "18000"}},
		"8443/tcp": []nat.PortBinding{},
	}
	require.Equal(t, 18000, hostPort(ports, 8000))
	require.Equal(t, 0, hostPort(ports, 8443))
	require.Equal(t, 0, hostPort(ports, 9999))
}

func TestShortID(t *testing.T) {
	t.Parallel()
	require.Equal(t, "0123456789ab", shortID("sha256:0123456789abcdef0123456789abcdef"))
	require.Equal(t, "abc", shortID("abc"))
}

func TestLaunchError(t *testing.T) {
	t.Parallel()
	require.NoError(t, launchError(nil))

	plain := errors.New("no space left on device")
	require.Equal(t, plain, launchError(plain))

	nvidia := errors.New(`could not select device driver "" with capabilities: [[gpu]]`)
	err := launchError(nvidia)
	require.ErrorContains(t, err, "nvidia-container-toolkit")
	require.ErrorIs(t, err, nvidia)
}
