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

// Package staminads holds constants shared across the ingest and backfill
// components.
package staminads

const (
	// ComponentKey is the name of the log attribute identifying the component
	// emitting a record.
	ComponentKey = "component"

	// ComponentIngest is the session payload handler.
	ComponentIngest = "ingest"

	// ComponentBuffer is the per-workspace event buffer.
	ComponentBuffer = "buffer"

	// ComponentBackfill is the backfill service and its processors.
	ComponentBackfill = "backfill"

	// ComponentStore is the ClickHouse store client.
	ComponentStore = "chstore"

	// ComponentHTTP is the HTTP API binding.
	ComponentHTTP = "httpapi"
)

// MetricNamespace is the prometheus namespace for all service metrics.
const MetricNamespace = "staminads"

// Version is the release version of the service. Overridden at link time.
var Version = "0.0.0-dev"
