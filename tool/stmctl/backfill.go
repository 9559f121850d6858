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

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/staminads/staminads-sub003/lib/defaults"
)

// backfillCommand administers backfill tasks over the service's HTTP API.
type backfillCommand struct {
	start   *kingpin.CmdClause
	status  *kingpin.CmdClause
	cancel  *kingpin.CmdClause
	list    *kingpin.CmdClause
	summary *kingpin.CmdClause

	addr          string
	workspaceID   string
	taskID        string
	lookbackDays  int
	chunkSizeDays int
}

func (c *backfillCommand) register(app *kingpin.Application) {
	backfill := app.Command("backfill", "Manage historical filter backfill tasks.")
	backfill.Flag("addr", "Address of the running service.").
		Default("http://" + defaults.HTTPListenAddr).StringVar(&c.addr)

	c.start = backfill.Command("start", "Start a backfill for a workspace.")
	c.start.Flag("workspace", "Workspace id.").Required().StringVar(&c.workspaceID)
	c.start.Flag("lookback", "Days of history to reprocess.").Default("30").IntVar(&c.lookbackDays)
	c.start.Flag("chunk-size", "Days per processing chunk.").Default("1").IntVar(&c.chunkSizeDays)

	c.status = backfill.Command("status", "Show one task's progress.")
	c.status.Arg("task-id", "Task id.").Required().StringVar(&c.taskID)

	c.cancel = backfill.Command("cancel", "Cancel a pending or running task.")
	c.cancel.Arg("task-id", "Task id.").Required().StringVar(&c.taskID)

	c.list = backfill.Command("ls", "List a workspace's tasks, newest first.").Alias("list")
	c.list.Flag("workspace", "Workspace id.").Required().StringVar(&c.workspaceID)

	c.summary = backfill.Command("summary", "Show whether a workspace needs a backfill.")
	c.summary.Flag("workspace", "Workspace id.").Required().StringVar(&c.workspaceID)
}

func (c *backfillCommand) tryRun(command string, errOut *error) bool {
	switch command {
	case c.start.FullCommand():
		*errOut = c.runStart()
	case c.status.FullCommand():
		*errOut = c.call(http.MethodGet, "/v1/backfill/"+url.PathEscape(c.taskID), nil)
	case c.cancel.FullCommand():
		*errOut = c.call(http.MethodDelete, "/v1/backfill/"+url.PathEscape(c.taskID), nil)
	case c.list.FullCommand():
		*errOut = c.call(http.MethodGet, c.workspacePath(""), nil)
	case c.summary.FullCommand():
		*errOut = c.call(http.MethodGet, c.workspacePath("/summary"), nil)
	default:
		return false
	}
	return true
}

func (c *backfillCommand) runStart() error {
	body := map[string]int{
		"lookback_days":   c.lookbackDays,
		"chunk_size_days": c.chunkSizeDays,
	}
	return trace.Wrap(c.call(http.MethodPost, c.workspacePath(""), body))
}

func (c *backfillCommand) workspacePath(suffix string) string {
	return "/v1/workspaces/" + url.PathEscape(c.workspaceID) + "/backfill" + suffix
}

// call performs one API request and pretty-prints the JSON response.
func (c *backfillCommand) call(method, path string, body any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return trace.Wrap(err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.addr+path, payload)
	if err != nil {
		return trace.Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return trace.Wrap(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		pretty.Write(data)
	}
	fmt.Fprintln(os.Stdout, pretty.String())

	if resp.StatusCode != http.StatusOK {
		return trace.BadParameter("request failed with status %v", resp.Status)
	}
	return nil
}
