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

// Command stmctl runs the Staminads ingest service and administers its
// backfill tasks.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/staminads/staminads-sub003"
)

func main() {
	app := kingpin.New("stmctl", "Staminads ingest and backfill control tool.")
	app.Version(staminads.Version)
	app.HelpFlag.Short('h')

	var serve serveCommand
	serve.register(app)

	var backfill backfillCommand
	backfill.register(app)

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	var err error
	switch {
	case serve.tryRun(command, &err):
	case backfill.tryRun(command, &err):
	default:
		app.Usage(os.Args[1:])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}
