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

package filters

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// versionEntry is the canonical shape hashed by Version. Only the fields
// that change classification results participate: name, tags, timestamps and
// UI ordering are excluded.
type versionEntry struct {
	ID         string      `json:"id"`
	Priority   int         `json:"priority"`
	Enabled    bool        `json:"enabled"`
	Conditions []Condition `json:"conditions"`
	Operations []Operation `json:"operations"`
}

// Version computes the stable 8-character hash of a filter list. The hash is
// order-independent across filters (entries are sorted by id) but
// order-sensitive within a filter's conditions and operations. It backs the
// needs-backfill decision: historical data written under a different version
// is inconsistent with the current configuration.
func Version(defs []Definition) string {
	entries := make([]versionEntry, 0, len(defs))
	for _, d := range defs {
		entries = append(entries, versionEntry{
			ID:         d.ID,
			Priority:   d.Priority,
			Enabled:    d.Enabled,
			Conditions: d.Conditions,
			Operations: d.Operations,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	// Canonical serialization: encoding/json is deterministic for structs.
	buf, err := json.Marshal(entries)
	if err != nil {
		// Marshaling structs of strings and ints cannot fail.
		return ""
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])[:8]
}
