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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gravitational/trace"

	"github.com/staminads/staminads-sub003/lib/workspace"
)

// GetWorkspace reads one workspace row from the system database. Settings
// are stored as a JSON document so the workspace service can grow fields
// without schema churn.
func (c *Client) GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error) {
	query := fmt.Sprintf(
		"SELECT id, timezone, settings FROM %s.workspaces FINAL WHERE id = ?", c.cfg.Database)
	var ws workspace.Workspace
	var settings string
	if err := c.conn.QueryRow(ctx, query, id).Scan(&ws.ID, &ws.Timezone, &settings); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("workspace %q not found", id)
		}
		return nil, trace.Wrap(err)
	}
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &ws.Settings); err != nil {
			return nil, trace.Wrap(err, "decoding settings of workspace %q", id)
		}
	}
	return &ws, nil
}

// UpsertWorkspace writes a full workspace row. The table replaces on id by
// updated_at, so this both creates and updates.
func (c *Client) UpsertWorkspace(ctx context.Context, ws *workspace.Workspace) error {
	settings, err := json.Marshal(ws.Settings)
	if err != nil {
		return trace.Wrap(err)
	}
	query := fmt.Sprintf(
		"INSERT INTO %s.workspaces (id, timezone, settings, updated_at)", c.cfg.Database)
	b, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := b.Append(ws.ID, ws.Timezone, string(settings), c.cfg.Clock.Now().UTC()); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(b.Send())
}
