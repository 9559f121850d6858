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

package backfill

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// leaseRegistry hands out in-process workspace-exclusive gates. A processor
// holds its workspace's gate for the whole run; a second processor for the
// same workspace blocks until the gate is released, so two tasks can never
// interleave mutations even if the task-uniqueness check races.
type leaseRegistry struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
}

func newLeaseRegistry() *leaseRegistry {
	return &leaseRegistry{gates: make(map[string]chan struct{})}
}

// acquire blocks until the workspace gate is free and returns its release
// function. Release is idempotent.
func (r *leaseRegistry) acquire(ctx context.Context, workspaceID string) (func(), error) {
	for {
		r.mu.Lock()
		gate, held := r.gates[workspaceID]
		if !held {
			gate = make(chan struct{})
			r.gates[workspaceID] = gate
			r.mu.Unlock()
			var once sync.Once
			release := func() {
				once.Do(func() {
					r.mu.Lock()
					delete(r.gates, workspaceID)
					r.mu.Unlock()
					close(gate)
				})
			}
			return release, nil
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		case <-gate:
			// Holder released; race for the gate again.
		}
	}
}
