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

package backfill

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/staminads/staminads-sub003"
)

var (
	mutationsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: staminads.MetricNamespace,
		Subsystem: "backfill",
		Name:      "mutations_issued_total",
		Help:      "a count of partition-scoped UPDATE mutations issued",
	})

	tasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: staminads.MetricNamespace,
		Subsystem: "backfill",
		Name:      "tasks_completed_total",
		Help:      "a count of backfill tasks that ran to completion",
	})

	tasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: staminads.MetricNamespace,
		Subsystem: "backfill",
		Name:      "tasks_failed_total",
		Help:      "a count of backfill tasks that ended in failure",
	})

	tasksCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: staminads.MetricNamespace,
		Subsystem: "backfill",
		Name:      "tasks_cancelled_total",
		Help:      "a count of backfill tasks cancelled by request or shutdown",
	})

	taskWriteRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: staminads.MetricNamespace,
		Subsystem: "backfill",
		Name:      "task_write_retries_total",
		Help:      "a count of task status writes that failed and were retried",
	})

	chunkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: staminads.MetricNamespace,
		Subsystem: "backfill",
		Name:      "chunk_duration_seconds",
		Help:      "a histogram of per-chunk processing durations",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// PrometheusCollectors are the backfill metrics to register with a
	// registry at process start.
	PrometheusCollectors = []prometheus.Collector{
		mutationsIssued, tasksCompleted, tasksFailed, tasksCancelled,
		taskWriteRetries, chunkDuration,
	}
)
