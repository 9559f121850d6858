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

// Package chstore is the ClickHouse client shared by ingest and backfill:
// bulk event inserts, partition-scoped mutations with capacity gating, and
// the replacement-merge backfill task table.
package chstore

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/staminads/staminads-sub003"
	"github.com/staminads/staminads-sub003/lib/defaults"
)

// Conn is the slice of the clickhouse-go driver the store uses. Tests
// substitute a fake.
type Conn interface {
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) driver.Row
	Exec(ctx context.Context, query string, args ...any) error
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// Config configures a store Client.
type Config struct {
	// DSN is the ClickHouse connection string. Ignored when Conn is set.
	DSN string
	// Conn overrides the connection, mainly for tests.
	Conn Conn
	// Database is the system database holding backfill_tasks.
	Database string
	// Clock drives the mutation polling loops.
	Clock clockwork.Clock
	// Logger for the component.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Conn == nil && c.DSN == "" {
		return trace.BadParameter("missing parameter DSN")
	}
	if c.Database == "" {
		c.Database = defaults.Database
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(staminads.ComponentKey, staminads.ComponentStore)
	}
	return nil
}

// Client wraps one ClickHouse connection pool.
type Client struct {
	cfg  Config
	conn Conn
}

// NewClient opens the connection (unless one is injected) and pings it.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.Conn != nil {
		return &Client{cfg: cfg, conn: cfg.Conn}, nil
	}
	opts, err := clickhouse.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, trace.Wrap(err, "parsing ClickHouse DSN")
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, trace.Wrap(err, "opening ClickHouse connection")
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, trace.Wrap(err, "pinging ClickHouse")
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return trace.Wrap(c.conn.Close())
}

// WorkspaceDatabase maps a workspace id to its per-tenant database name.
func WorkspaceDatabase(workspaceID string) string {
	return "ws_" + sanitizeIdentifier(workspaceID)
}

// sanitizeIdentifier keeps [a-z0-9_] and maps everything else to '_', so a
// workspace id can never break out of an identifier position.
func sanitizeIdentifier(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// workspaceTables are the only tables mutations and counts may target.
var workspaceTables = map[string]bool{
	"events":   true,
	"sessions": true,
	"goals":    true,
}

func checkWorkspaceTable(table string) error {
	if !workspaceTables[table] {
		return trace.BadParameter("unknown workspace table %q", table)
	}
	return nil
}

// checkPartitionID accepts only the numeric partition ids our tables use
// (YYYYMMDD for events, YYYYMM for sessions and goals).
func checkPartitionID(partition string) error {
	if len(partition) != 6 && len(partition) != 8 {
		return trace.BadParameter("malformed partition id %q", partition)
	}
	for _, r := range partition {
		if r < '0' || r > '9' {
			return trace.BadParameter("malformed partition id %q", partition)
		}
	}
	return nil
}
