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

package broker

import "github.com/prometheus/client_golang/prometheus"

var (
	metricLaunches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sealskin_session_launches_total",
			Help: "Number of application sessions launched",
		},
	)
	metricLaunchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sealskin_session_launch_failures_total",
			Help: "Number of session launches that failed",
		},
	)
	metricActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sealskin_active_sessions",
			Help: "Number of sessions currently tracked by the broker",
		},
	)
	metricLaunchSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "sealskin_session_launch_seconds",
			Help: "Time from launch request to a ready container",
			// lowest bucket start of upper bound 0.5 sec with factor 2
			// highest bucket start of 0.5 sec * 2^7 == 64 sec
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		},
	)

	brokerCollectors = []prometheus.Collector{
		metricLaunches, metricLaunchFailures, metricActiveSessions, metricLaunchSeconds,
	}
)
