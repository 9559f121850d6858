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

// Package backfill retroactively re-applies a workspace's filter
// configuration to historical data through partition-scoped mutations,
// coordinated across the fleet by a lease-guarded task table.
package backfill

import (
	"encoding/json"
	"math"
	"time"

	"github.com/gravitational/trace"

	"github.com/staminads/staminads-sub003/lib/filters"
)

// Status is the lifecycle state of a backfill task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status never transitions again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the status blocks new tasks for the workspace.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// Task is the authoritative row describing one backfill run. Rows live in a
// replacement-merge table keyed on ID and versioned by UpdatedAt: every
// update is a full-row insert with a newer UpdatedAt, and readers use a
// merge-on-read qualifier to observe the latest version.
type Task struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Status      Status `json:"status"`

	LookbackDays  int `json:"lookback_days"`
	ChunkSizeDays int `json:"chunk_size_days"`
	// BatchSize is carried for API compatibility; the mutation path works
	// partition-at-a-time and never reads it.
	BatchSize int `json:"batch_size"`

	TotalSessions     uint64 `json:"total_sessions"`
	ProcessedSessions uint64 `json:"processed_sessions"`
	TotalEvents       uint64 `json:"total_events"`
	ProcessedEvents   uint64 `json:"processed_events"`
	CurrentDateChunk  string `json:"current_date_chunk,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count"`

	// FiltersSnapshot is the serialized filter list captured at task
	// creation. The task runs against this snapshot, not the live filters.
	FiltersSnapshot string `json:"filters_snapshot"`
}

// SnapshotFilters serializes a filter list into a task snapshot.
func SnapshotFilters(defs []filters.Definition) (string, error) {
	buf, err := json.Marshal(defs)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(buf), nil
}

// Filters deserializes the task's filter snapshot.
func (t *Task) Filters() ([]filters.Definition, error) {
	var defs []filters.Definition
	if err := json.Unmarshal([]byte(t.FiltersSnapshot), &defs); err != nil {
		return nil, trace.Wrap(err, "decoding filters snapshot of task %v", t.ID)
	}
	return defs, nil
}

// checkTransition enforces the pending -> running -> terminal lifecycle.
func checkTransition(from, to Status) error {
	if from.IsTerminal() {
		return trace.CompareFailed("task is already %v", from)
	}
	switch to {
	case StatusRunning:
		if from != StatusPending {
			return trace.CompareFailed("cannot move %v task to running", from)
		}
	case StatusCompleted:
		if from != StatusRunning {
			return trace.CompareFailed("cannot complete a %v task", from)
		}
	case StatusPending:
		return trace.CompareFailed("cannot move a task back to pending")
	}
	// failed and cancelled are reachable from both pending and running.
	return nil
}

// Progress is the API projection of a task.
type Progress struct {
	TaskID            string     `json:"task_id"`
	WorkspaceID       string     `json:"workspace_id"`
	Status            Status     `json:"status"`
	ProgressPercent   int        `json:"progress_percent"`
	TotalSessions     uint64     `json:"total_sessions"`
	ProcessedSessions uint64     `json:"processed_sessions"`
	TotalEvents       uint64     `json:"total_events"`
	ProcessedEvents   uint64     `json:"processed_events"`
	CurrentDateChunk  string     `json:"current_date_chunk,omitempty"`
	EstimatedSeconds  *int64     `json:"estimated_remaining_seconds,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	BatchSize         int        `json:"batch_size"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// ToProgress projects the task into its API shape. Sessions weigh 70% of
// the percentage and events 30%; the ETA extrapolates the observed session
// throughput since StartedAt.
func (t *Task) ToProgress(now time.Time) Progress {
	p := Progress{
		TaskID:            t.ID,
		WorkspaceID:       t.WorkspaceID,
		Status:            t.Status,
		TotalSessions:     t.TotalSessions,
		ProcessedSessions: t.ProcessedSessions,
		TotalEvents:       t.TotalEvents,
		ProcessedEvents:   t.ProcessedEvents,
		CurrentDateChunk:  t.CurrentDateChunk,
		ErrorMessage:      t.ErrorMessage,
		BatchSize:         t.BatchSize,
		CreatedAt:         t.CreatedAt,
		StartedAt:         t.StartedAt,
		CompletedAt:       t.CompletedAt,
	}

	var sessionsRatio, eventsRatio float64
	if t.TotalSessions > 0 {
		sessionsRatio = float64(t.ProcessedSessions) / float64(t.TotalSessions)
	}
	if t.TotalEvents > 0 {
		eventsRatio = float64(t.ProcessedEvents) / float64(t.TotalEvents)
	}
	p.ProgressPercent = int(math.Round(100 * (0.7*sessionsRatio + 0.3*eventsRatio)))

	if t.StartedAt != nil && t.ProcessedSessions > 0 && t.TotalSessions >= t.ProcessedSessions {
		elapsed := now.Sub(*t.StartedAt).Seconds()
		if elapsed > 0 {
			rate := float64(t.ProcessedSessions) / elapsed
			remaining := int64(float64(t.TotalSessions-t.ProcessedSessions) / rate)
			p.EstimatedSeconds = &remaining
		}
	}
	return p
}

// Summary is the workspace-level backfill overview.
type Summary struct {
	NeedsBackfill              bool      `json:"needs_backfill"`
	CurrentFilterVersion       string    `json:"current_filter_version"`
	LastCompletedFilterVersion string    `json:"last_completed_filter_version,omitempty"`
	ActiveTask                 *Progress `json:"active_task,omitempty"`
}
