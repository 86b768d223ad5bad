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

import "github.com/prometheus/client_golang/prometheus"

var (
	metricProxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sealskin_proxy_requests_total",
			Help: "Number of authenticated requests forwarded to session containers",
		},
		[]string{"kind"},
	)
	metricProxyUpstreamErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sealskin_proxy_upstream_errors_total",
			Help: "Number of failed connections to session containers",
		},
	)
	metricShareDownloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sealskin_share_downloads_total",
			Help: "Number of public share files served",
		},
	)

	proxyCollectors = []prometheus.Collector{
		metricProxyRequests, metricProxyUpstreamErrors, metricShareDownloads,
	}
)
