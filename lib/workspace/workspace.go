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

// Package workspace models the tenant as consumed by the ingest and
// backfill engine, and caches it in front of the external workspace service.
package workspace

import (
	"context"
	"sync"

	"github.com/staminads/staminads-sub003/lib/filters"
)

// Settings is the slice of workspace configuration the core reads.
type Settings struct {
	GeoEnabled              bool                 `json:"geo_enabled"`
	GeoStoreCity            bool                 `json:"geo_store_city"`
	GeoStoreRegion          bool                 `json:"geo_store_region"`
	GeoCoordinatesPrecision int                  `json:"geo_coordinates_precision"`
	BounceThreshold         int                  `json:"bounce_threshold"`
	Filters                 []filters.Definition `json:"filters,omitempty"`
	// CustomDimensions maps stm_1..stm_10 slots to their display labels.
	CustomDimensions map[string]string `json:"custom_dimensions,omitempty"`
}

// Workspace is one tenant. Owned by the external workspace service; the
// core only ever reads it.
type Workspace struct {
	ID       string   `json:"id"`
	Timezone string   `json:"timezone"`
	Settings Settings `json:"settings"`
}

// Getter fetches workspaces from their owning service.
type Getter interface {
	// GetWorkspace returns the workspace or trace.NotFound.
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
}

// ChangeListener is notified when a workspace's filter configuration
// changes.
type ChangeListener func(workspaceID string)

// FilterNotifier fans out filters.changed events from the filter service to
// whoever caches filter-derived state. Listeners are invoked synchronously
// on the mutating goroutine and must not block.
type FilterNotifier struct {
	mu        sync.RWMutex
	listeners []ChangeListener
}

// Subscribe registers a listener for filter changes.
func (n *FilterNotifier) Subscribe(l ChangeListener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// FiltersChanged announces that workspaceID's filters were mutated.
func (n *FilterNotifier) FiltersChanged(workspaceID string) {
	n.mu.RLock()
	listeners := make([]ChangeListener, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.RUnlock()
	for _, l := range listeners {
		l(workspaceID)
	}
}
