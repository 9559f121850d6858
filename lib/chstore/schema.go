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

	"github.com/gravitational/trace"
)

// eventsTableDDL is the raw events fact table. Replacement-merge on the
// dedup token versioned by _version; day partitions with a 7 day TTL. The
// sessions, pages and goals tables are materialized from it by views owned
// by the schema service.
const eventsTableDDL = `
CREATE TABLE IF NOT EXISTS %s.events (
	session_id String,
	workspace_id String,
	user_id String,
	name LowCardinality(String),
	received_at DateTime64(3),
	created_at DateTime64(3),
	updated_at DateTime64(3),
	_version UInt64,
	dedup_token String,

	referrer String,
	referrer_domain String,
	referrer_path String,
	is_direct Bool,
	channel LowCardinality(String),
	channel_group LowCardinality(String),
	utm_source String,
	utm_medium String,
	utm_campaign String,
	utm_term String,
	utm_content String,
	utm_id String,
	utm_id_from String,

	landing_page String,
	landing_path String,

	device LowCardinality(String),
	browser LowCardinality(String),
	browser_type LowCardinality(String),
	os LowCardinality(String),
	user_agent String,
	connection_type LowCardinality(String),
	language LowCardinality(String),
	timezone LowCardinality(String),
	screen_width Int32,
	screen_height Int32,
	viewport_width Int32,
	viewport_height Int32,
	sdk_version String,

	country LowCardinality(String),
	region String,
	city String,
	latitude Float64,
	longitude Float64,

	stm_1 String,
	stm_2 String,
	stm_3 String,
	stm_4 String,
	stm_5 String,
	stm_6 String,
	stm_7 String,
	stm_8 String,
	stm_9 String,
	stm_10 String,

	path String,
	previous_path String,
	page_number Int32,
	duration Int32,
	page_duration Int32,
	max_scroll Int32,
	entered_at Int64,
	exited_at Int64,

	goal_name String,
	goal_value Float64,
	goal_timestamp String,
	properties String
)
ENGINE = ReplacingMergeTree(_version)
PARTITION BY toYYYYMMDD(created_at)
ORDER BY (workspace_id, session_id, dedup_token)
TTL toDateTime(created_at) + INTERVAL 7 DAY
`

// tasksTableDDL is the replacement-merge task table: every status change is
// a full-row insert keyed on id and versioned by updated_at.
const tasksTableDDL = `
CREATE TABLE IF NOT EXISTS %s.backfill_tasks (
	id String,
	workspace_id String,
	status LowCardinality(String),
	lookback_days Int32,
	chunk_size_days Int32,
	batch_size Int32,
	total_sessions UInt64,
	processed_sessions UInt64,
	total_events UInt64,
	processed_events UInt64,
	current_date_chunk String,
	created_at DateTime64(3),
	updated_at DateTime64(3),
	started_at Nullable(DateTime64(3)),
	completed_at Nullable(DateTime64(3)),
	error_message String,
	retry_count Int32,
	filters_snapshot String
)
ENGINE = ReplacingMergeTree(updated_at)
ORDER BY id
`

// workspacesTableDDL holds the tenant registry. Settings are a JSON blob
// owned by the workspace service.
const workspacesTableDDL = `
CREATE TABLE IF NOT EXISTS %s.workspaces (
	id String,
	timezone String,
	settings String,
	updated_at DateTime64(3)
)
ENGINE = ReplacingMergeTree(updated_at)
ORDER BY id
`

// CreateSystemTables creates the shared tables in the system database.
func (c *Client) CreateSystemTables(ctx context.Context) error {
	if err := c.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", c.cfg.Database)); err != nil {
		return trace.Wrap(err)
	}
	for _, ddl := range []string{tasksTableDDL, workspacesTableDDL} {
		if err := c.conn.Exec(ctx, fmt.Sprintf(ddl, c.cfg.Database)); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// CreateWorkspaceTables bootstraps a workspace's database and events table.
func (c *Client) CreateWorkspaceTables(ctx context.Context, workspaceID string) error {
	database := WorkspaceDatabase(workspaceID)
	if err := c.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.conn.Exec(ctx, fmt.Sprintf(eventsTableDDL, database)))
}
