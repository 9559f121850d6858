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

// Package defaults holds the tunable constants of the ingest and backfill
// engine in one place.
package defaults

import "time"

const (
	// FlushInterval is how long a non-empty workspace buffer may sit before
	// it is flushed to the store.
	FlushInterval = 2 * time.Second

	// MaxBufferSize is the number of buffered events per workspace that
	// forces an immediate flush.
	MaxBufferSize = 500

	// WorkspaceCacheTTL bounds how stale a cached workspace may be. Filter
	// changes invalidate the entry eagerly, everything else waits out the
	// TTL.
	WorkspaceCacheTTL = 60 * time.Second

	// EventsTTLDays is the retention of the raw events table. Backfill skips
	// event partitions older than this.
	EventsTTLDays = 7

	// MutationConcurrencyLimit is the number of unfinished mutations per
	// workspace database we allow before issuing another one. ClickHouse
	// hard-fails at 100; we stay well below.
	MutationConcurrencyLimit = 50

	// MutationCapacityPollInterval is how often the capacity gate re-reads
	// system.mutations.
	MutationCapacityPollInterval = 500 * time.Millisecond

	// MutationCapacityTimeout bounds the wait for mutation capacity.
	MutationCapacityTimeout = 60 * time.Second

	// MutationWaitPollInterval is how often a pending mutation is re-checked
	// for completion.
	MutationWaitPollInterval = 100 * time.Millisecond

	// MutationWaitTimeout bounds the wait for a single mutation to finish.
	MutationWaitTimeout = 60 * time.Second

	// BackfillStaleThreshold is how old a running task's updated_at must be
	// before startup recovery declares it dead. Overridable via
	// BACKFILL_STALE_THRESHOLD_MINUTES.
	BackfillStaleThreshold = 5 * time.Minute

	// BackfillStartupGrace is how long startup recovery waits before
	// scanning for stale tasks, so in-flight StartBackfill calls can land
	// their first row.
	BackfillStartupGrace = 2 * time.Second

	// BackfillShutdownTimeout bounds the time spent killing in-flight
	// mutations on shutdown, across all tasks.
	BackfillShutdownTimeout = 5 * time.Second

	// TaskWriteRetryInitialDelay is the first backoff step for task status
	// writes. Doubles each attempt.
	TaskWriteRetryInitialDelay = time.Second

	// TaskWriteRetryAttempts is the total number of attempts for a task
	// status write.
	TaskWriteRetryAttempts = 5

	// DefaultChunkSizeDays is the backfill chunk size when the caller does
	// not specify one.
	DefaultChunkSizeDays = 1

	// MaxLookbackDays bounds startBackfill's lookback_days.
	MaxLookbackDays = 365

	// MaxChunkSizeDays bounds startBackfill's chunk_size_days.
	MaxChunkSizeDays = 30

	// HTTPListenAddr is the default listen address of the ingest API.
	HTTPListenAddr = "127.0.0.1:3100"

	// Database is the system ClickHouse database holding the shared tables
	// (backfill_tasks). Workspace data lives in per-workspace databases.
	Database = "staminads"
)
