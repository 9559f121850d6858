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
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/staminads/staminads-sub003/lib/defaults"
)

// AlterUpdateInPartition issues one asynchronous UPDATE mutation scoped to
// a single partition of a workspace table. setClause comes from the filter
// compiler and writes only closed-vocabulary identifiers.
func (c *Client) AlterUpdateInPartition(ctx context.Context, workspaceID, table, setClause, partition string) error {
	if err := checkWorkspaceTable(table); err != nil {
		return trace.Wrap(err)
	}
	if err := checkPartitionID(partition); err != nil {
		return trace.Wrap(err)
	}
	database := WorkspaceDatabase(workspaceID)
	query := fmt.Sprintf("ALTER TABLE %s.%s UPDATE %s IN PARTITION '%s' WHERE 1=1",
		database, table, setClause, partition)
	return trace.Wrap(c.conn.Exec(ctx, query), "mutating %s.%s partition %s", database, table, partition)
}

// KillWorkspaceMutations terminates every unfinished mutation under the
// workspace's database.
func (c *Client) KillWorkspaceMutations(ctx context.Context, workspaceID string) error {
	database := WorkspaceDatabase(workspaceID)
	query := fmt.Sprintf("KILL MUTATION WHERE database = '%s' ASYNC", database)
	return trace.Wrap(c.conn.Exec(ctx, query), "killing mutations for %s", database)
}

// unfinishedMutations counts the mutations still running for a database,
// optionally narrowed to one table.
func (c *Client) unfinishedMutations(ctx context.Context, database, table string) (uint64, error) {
	query := "SELECT count() FROM system.mutations WHERE database = ? AND is_done = 0"
	args := []any{database}
	if table != "" {
		query += " AND table = ?"
		args = append(args, table)
	}
	var count uint64
	if err := c.conn.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, trace.Wrap(err)
	}
	return count, nil
}

// EnsureMutationCapacity blocks until the workspace's database has fewer
// than the concurrency limit of unfinished mutations. The store hard-fails
// around 100; we throttle well below that. Returns trace.LimitExceeded on
// timeout.
func (c *Client) EnsureMutationCapacity(ctx context.Context, workspaceID string) error {
	database := WorkspaceDatabase(workspaceID)
	deadline := c.cfg.Clock.Now().Add(defaults.MutationCapacityTimeout)
	for {
		count, err := c.unfinishedMutations(ctx, database, "")
		if err != nil {
			return trace.Wrap(err)
		}
		if count < defaults.MutationConcurrencyLimit {
			return nil
		}
		if !c.cfg.Clock.Now().Before(deadline) {
			return trace.LimitExceeded("timed out waiting for mutation capacity on %s (%d unfinished)", database, count)
		}
		c.cfg.Logger.DebugContext(ctx, "waiting for mutation capacity",
			"database", database, "unfinished", count)
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-c.cfg.Clock.After(defaults.MutationCapacityPollInterval):
		}
	}
}

// WaitForMutations blocks until no mutation is pending on the given
// workspace table. Returns trace.LimitExceeded on timeout.
func (c *Client) WaitForMutations(ctx context.Context, workspaceID, table string) error {
	if err := checkWorkspaceTable(table); err != nil {
		return trace.Wrap(err)
	}
	database := WorkspaceDatabase(workspaceID)
	deadline := c.cfg.Clock.Now().Add(defaults.MutationWaitTimeout)
	for {
		count, err := c.unfinishedMutations(ctx, database, table)
		if err != nil {
			return trace.Wrap(err)
		}
		if count == 0 {
			return nil
		}
		if !c.cfg.Clock.Now().Before(deadline) {
			return trace.LimitExceeded("timed out waiting for mutations on %s.%s", database, table)
		}
		select {
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		case <-c.cfg.Clock.After(defaults.MutationWaitPollInterval):
		}
	}
}

// CountRowsOnDate counts rows of a workspace table whose created_at falls
// on the given day.
func (c *Client) CountRowsOnDate(ctx context.Context, workspaceID, table string, day time.Time) (uint64, error) {
	if err := checkWorkspaceTable(table); err != nil {
		return 0, trace.Wrap(err)
	}
	database := WorkspaceDatabase(workspaceID)
	query := fmt.Sprintf("SELECT count() FROM %s.%s WHERE toDate(created_at) = toDate(?)", database, table)
	var count uint64
	if err := c.conn.QueryRow(ctx, query, day.Format(time.DateOnly)).Scan(&count); err != nil {
		return 0, trace.Wrap(err)
	}
	return count, nil
}

// CountRowsInWindow counts rows of a workspace table created within
// [from, to] by calendar date.
func (c *Client) CountRowsInWindow(ctx context.Context, workspaceID, table string, from, to time.Time) (uint64, error) {
	if err := checkWorkspaceTable(table); err != nil {
		return 0, trace.Wrap(err)
	}
	database := WorkspaceDatabase(workspaceID)
	query := fmt.Sprintf(
		"SELECT count() FROM %s.%s WHERE toDate(created_at) BETWEEN toDate(?) AND toDate(?)",
		database, table)
	var count uint64
	err := c.conn.QueryRow(ctx, query, from.Format(time.DateOnly), to.Format(time.DateOnly)).Scan(&count)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return count, nil
}

// CountEventsInPartition counts the rows of one daily events partition
// (YYYYMMDD).
func (c *Client) CountEventsInPartition(ctx context.Context, workspaceID, partition string) (uint64, error) {
	if err := checkPartitionID(partition); err != nil {
		return 0, trace.Wrap(err)
	}
	day, err := strconv.ParseUint(partition, 10, 32)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	database := WorkspaceDatabase(workspaceID)
	query := fmt.Sprintf("SELECT count() FROM %s.events WHERE toYYYYMMDD(created_at) = ?", database)
	var count uint64
	if err := c.conn.QueryRow(ctx, query, uint32(day)).Scan(&count); err != nil {
		return 0, trace.Wrap(err)
	}
	return count, nil
}
