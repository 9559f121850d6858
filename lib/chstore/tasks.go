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

package chstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/gravitational/trace"

	"github.com/staminads/staminads-sub003/lib/backfill"
)

const taskColumns = `id, workspace_id, status, lookback_days, chunk_size_days, batch_size,
total_sessions, processed_sessions, total_events, processed_events, current_date_chunk,
created_at, updated_at, started_at, completed_at, error_message, retry_count, filters_snapshot`

// InsertTask writes one full task row. The table replaces on id by
// updated_at, so every status change is a fresh insert of the whole row.
func (c *Client) InsertTask(ctx context.Context, task *backfill.Task) error {
	query := fmt.Sprintf("INSERT INTO %s.backfill_tasks (%s)", c.cfg.Database, taskColumns)
	b, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return trace.Wrap(err, "preparing task insert")
	}
	err = b.Append(
		task.ID, task.WorkspaceID, string(task.Status),
		int32(task.LookbackDays), int32(task.ChunkSizeDays), int32(task.BatchSize),
		task.TotalSessions, task.ProcessedSessions, task.TotalEvents, task.ProcessedEvents,
		task.CurrentDateChunk,
		task.CreatedAt, task.UpdatedAt, task.StartedAt, task.CompletedAt,
		task.ErrorMessage, int32(task.RetryCount), task.FiltersSnapshot,
	)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(b.Send())
}

// selectTasks is the shared FINAL read. The FINAL qualifier merges row
// versions on read so callers always observe the newest updated_at.
func (c *Client) selectTasks(ctx context.Context, where string, args ...any) ([]backfill.Task, error) {
	query := fmt.Sprintf("SELECT %s FROM %s.backfill_tasks FINAL %s", taskColumns, c.cfg.Database, where)
	rows, err := c.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var tasks []backfill.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, trace.Wrap(rows.Err())
}

func scanTask(rows driver.Rows) (*backfill.Task, error) {
	var task backfill.Task
	var status string
	var lookback, chunkSize, batchSize, retryCount int32
	err := rows.Scan(
		&task.ID, &task.WorkspaceID, &status,
		&lookback, &chunkSize, &batchSize,
		&task.TotalSessions, &task.ProcessedSessions, &task.TotalEvents, &task.ProcessedEvents,
		&task.CurrentDateChunk,
		&task.CreatedAt, &task.UpdatedAt, &task.StartedAt, &task.CompletedAt,
		&task.ErrorMessage, &retryCount, &task.FiltersSnapshot,
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	task.Status = backfill.Status(status)
	task.LookbackDays = int(lookback)
	task.ChunkSizeDays = int(chunkSize)
	task.BatchSize = int(batchSize)
	task.RetryCount = int(retryCount)
	return &task, nil
}

// GetTask returns the latest version of one task row.
func (c *Client) GetTask(ctx context.Context, taskID string) (*backfill.Task, error) {
	tasks, err := c.selectTasks(ctx, "WHERE id = ?", taskID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(tasks) == 0 {
		return nil, trace.NotFound("backfill task %q not found", taskID)
	}
	return &tasks[0], nil
}

// ListTasks returns all tasks of a workspace, newest first.
func (c *Client) ListTasks(ctx context.Context, workspaceID string) ([]backfill.Task, error) {
	tasks, err := c.selectTasks(ctx, "WHERE workspace_id = ? ORDER BY created_at DESC", workspaceID)
	return tasks, trace.Wrap(err)
}

// GetActiveTask returns the workspace's pending or running task, or
// trace.NotFound.
func (c *Client) GetActiveTask(ctx context.Context, workspaceID string) (*backfill.Task, error) {
	tasks, err := c.selectTasks(ctx,
		"WHERE workspace_id = ? AND status IN ('pending', 'running') ORDER BY created_at DESC LIMIT 1",
		workspaceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(tasks) == 0 {
		return nil, trace.NotFound("no active backfill task for workspace %q", workspaceID)
	}
	return &tasks[0], nil
}

// LatestCompletedTask returns the workspace's most recently completed task,
// or trace.NotFound.
func (c *Client) LatestCompletedTask(ctx context.Context, workspaceID string) (*backfill.Task, error) {
	tasks, err := c.selectTasks(ctx,
		"WHERE workspace_id = ? AND status = 'completed' ORDER BY completed_at DESC LIMIT 1",
		workspaceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(tasks) == 0 {
		return nil, trace.NotFound("no completed backfill task for workspace %q", workspaceID)
	}
	return &tasks[0], nil
}

// ListStaleRunningTasks returns running tasks whose updated_at is older
// than cutoff. Used by startup recovery to fail tasks orphaned by a crash.
func (c *Client) ListStaleRunningTasks(ctx context.Context, cutoff time.Time) ([]backfill.Task, error) {
	tasks, err := c.selectTasks(ctx, "WHERE status = 'running' AND updated_at < ?", cutoff)
	return tasks, trace.Wrap(err)
}
