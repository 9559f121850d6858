// Staminads
// Copyright (C) 2025 Staminads, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/staminads/staminads-sub003"
)

var (
	bufferedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: staminads.MetricNamespace,
		Subsystem: "buffer",
		Name:      "events_buffered_total",
		Help:      "a count of events accepted into workspace buffers",
	})

	flushedBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: staminads.MetricNamespace,
		Subsystem: "buffer",
		Name:      "batches_flushed_total",
		Help:      "a count of batches successfully bulk-inserted",
	})

	flushedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: staminads.MetricNamespace,
		Subsystem: "buffer",
		Name:      "events_flushed_total",
		Help:      "a count of events successfully bulk-inserted",
	})

	flushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: staminads.MetricNamespace,
		Subsystem: "buffer",
		Name:      "flush_failures_total",
		Help:      "a count of bulk inserts that failed and requeued their batch",
	})

	requeuedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: staminads.MetricNamespace,
		Subsystem: "buffer",
		Name:      "events_requeued_total",
		Help:      "a count of events put back on the queue after a failed flush",
	})

	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: staminads.MetricNamespace,
		Subsystem: "buffer",
		Name:      "flush_duration_seconds",
		Help:      "a histogram of bulk insert durations",
	})

	// PrometheusCollectors are the buffer metrics to register with a
	// registry at process start.
	PrometheusCollectors = []prometheus.Collector{
		bufferedEvents, flushedBatches, flushedEvents,
		flushFailures, requeuedEvents, flushDuration,
	}
)
