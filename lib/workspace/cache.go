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

package workspace

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"

	"github.com/staminads/staminads-sub003/lib/defaults"
)

// CacheConfig configures a workspace Cache.
type CacheConfig struct {
	// Getter is the upstream workspace service.
	Getter Getter
	// TTL bounds entry staleness. Defaults to defaults.WorkspaceCacheTTL.
	TTL time.Duration
	// Notifier, when set, invalidates entries on filters.changed.
	Notifier *FilterNotifier
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CacheConfig) CheckAndSetDefaults() error {
	if c.Getter == nil {
		return trace.BadParameter("missing parameter Getter")
	}
	if c.TTL <= 0 {
		c.TTL = defaults.WorkspaceCacheTTL
	}
	return nil
}

// Cache is a read-through TTL cache over the workspace service. Negative
// results are not cached: an unknown workspace is re-checked on every
// payload so a freshly created tenant starts ingesting without delay.
type Cache struct {
	getter  Getter
	entries *gocache.Cache
}

// NewCache builds the cache and, when a notifier is configured, subscribes
// it to filter change events.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Cache{
		getter:  cfg.Getter,
		entries: gocache.New(cfg.TTL, 2*cfg.TTL),
	}
	if cfg.Notifier != nil {
		cfg.Notifier.Subscribe(c.Invalidate)
	}
	return c, nil
}

// Get returns the workspace, from cache when fresh. Returns trace.NotFound
// for unknown workspaces.
func (c *Cache) Get(ctx context.Context, id string) (*Workspace, error) {
	if cached, ok := c.entries.Get(id); ok {
		return cached.(*Workspace), nil
	}
	ws, err := c.getter.GetWorkspace(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.entries.SetDefault(id, ws)
	return ws, nil
}

// Invalidate drops the cached entry for a workspace.
func (c *Cache) Invalidate(id string) {
	c.entries.Delete(id)
}
