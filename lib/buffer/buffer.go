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

// Package buffer coalesces enrichment output into bulk inserts, one queue
// per workspace. Within a workspace at most one flush is in flight; across
// workspaces flushes proceed independently.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/staminads/staminads-sub003"
	"github.com/staminads/staminads-sub003/lib/defaults"
	"github.com/staminads/staminads-sub003/lib/events"
)

// Inserter performs the bulk insert into the workspace's events table.
// Implemented by lib/chstore.
type Inserter interface {
	InsertEvents(ctx context.Context, workspaceID string, batch []*events.TrackingEvent) error
}

// Config configures an EventBuffer.
type Config struct {
	// Inserter receives flushed batches.
	Inserter Inserter
	// FlushInterval is how long a non-empty queue may age before a timer
	// flush. Defaults to defaults.FlushInterval.
	FlushInterval time.Duration
	// MaxBufferSize is the queue length that forces a synchronous flush.
	// Defaults to defaults.MaxBufferSize.
	MaxBufferSize int
	// Clock drives the flush timers.
	Clock clockwork.Clock
	// Logger for the component.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Inserter == nil {
		return trace.BadParameter("missing parameter Inserter")
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaults.FlushInterval
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = defaults.MaxBufferSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(staminads.ComponentKey, staminads.ComponentBuffer)
	}
	return nil
}

// workspaceQueue is the per-workspace buffer state. Guarded by the owning
// EventBuffer's mutex.
type workspaceQueue struct {
	queue    []*events.TrackingEvent
	timer    clockwork.Timer
	flushing bool
}

// EventBuffer buffers tracking events per workspace and flushes them to the
// store on a size threshold or a flush timer, whichever fires first. Failed
// flushes put their snapshot back at the head of the queue and surface the
// error to the caller; the SDK's checkpoint replay makes the retry
// idempotent.
type EventBuffer struct {
	cfg Config

	mu         sync.Mutex
	workspaces map[string]*workspaceQueue
	closed     bool

	// inflight tracks running flushes so Shutdown can await them.
	inflight sync.WaitGroup
}

// NewEventBuffer builds an EventBuffer.
func NewEventBuffer(cfg Config) (*EventBuffer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &EventBuffer{
		cfg:        cfg,
		workspaces: make(map[string]*workspaceQueue),
	}, nil
}

// Add appends one event to its workspace queue. Crossing the size threshold
// flushes synchronously before returning.
func (b *EventBuffer) Add(ctx context.Context, event *events.TrackingEvent) error {
	return b.addAll(ctx, event.WorkspaceID, []*events.TrackingEvent{event})
}

// AddBatch groups events by workspace and appends each group, preserving
// the per-workspace timer and size-threshold semantics of Add.
func (b *EventBuffer) AddBatch(ctx context.Context, batch []*events.TrackingEvent) error {
	grouped := make(map[string][]*events.TrackingEvent)
	order := make([]string, 0, 1)
	for _, event := range batch {
		if _, seen := grouped[event.WorkspaceID]; !seen {
			order = append(order, event.WorkspaceID)
		}
		grouped[event.WorkspaceID] = append(grouped[event.WorkspaceID], event)
	}
	for _, workspaceID := range order {
		if err := b.addAll(ctx, workspaceID, grouped[workspaceID]); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func (b *EventBuffer) addAll(ctx context.Context, workspaceID string, group []*events.TrackingEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return trace.Errorf("event buffer is shut down")
	}
	wq := b.workspaces[workspaceID]
	if wq == nil {
		wq = &workspaceQueue{}
		b.workspaces[workspaceID] = wq
	}
	wasEmpty := len(wq.queue) == 0
	wq.queue = append(wq.queue, group...)
	bufferedEvents.Add(float64(len(group)))

	if wasEmpty && wq.timer == nil {
		wq.timer = b.cfg.Clock.AfterFunc(b.cfg.FlushInterval, func() {
			if err := b.Flush(context.Background(), workspaceID); err != nil {
				b.cfg.Logger.Warn("timer flush failed, events requeued",
					"workspace_id", workspaceID, "error", err)
			}
		})
	}

	over := len(wq.queue) >= b.cfg.MaxBufferSize
	b.mu.Unlock()

	if over {
		return trace.Wrap(b.Flush(ctx, workspaceID))
	}
	return nil
}

// Flush writes the workspace's queued events to the store. A flush already
// in flight for the same workspace makes this call a no-op; a failed insert
// prepends the snapshot back onto the queue and returns the error.
func (b *EventBuffer) Flush(ctx context.Context, workspaceID string) error {
	b.mu.Lock()
	wq := b.workspaces[workspaceID]
	if wq == nil {
		b.mu.Unlock()
		return nil
	}
	if wq.timer != nil {
		wq.timer.Stop()
		wq.timer = nil
	}
	if wq.flushing || len(wq.queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	wq.flushing = true
	snapshot := wq.queue
	wq.queue = nil
	b.inflight.Add(1)
	b.mu.Unlock()

	start := b.cfg.Clock.Now()
	err := b.cfg.Inserter.InsertEvents(ctx, workspaceID, snapshot)
	flushDuration.Observe(b.cfg.Clock.Since(start).Seconds())

	b.mu.Lock()
	wq.flushing = false
	if err != nil {
		// Requeue ahead of anything that arrived while the insert ran.
		wq.queue = append(snapshot, wq.queue...)
		requeuedEvents.Add(float64(len(snapshot)))
		flushFailures.Inc()
	} else {
		flushedBatches.Inc()
		flushedEvents.Add(float64(len(snapshot)))
	}
	b.mu.Unlock()
	b.inflight.Done()

	return trace.Wrap(err)
}

// FlushAll flushes every workspace queue. Per-workspace flushes run
// concurrently.
func (b *EventBuffer) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.workspaces))
	for id := range b.workspaces {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return trace.Wrap(b.Flush(ctx, id))
		})
	}
	return trace.Wrap(g.Wait())
}

// Len returns the current queue length for a workspace.
func (b *EventBuffer) Len(workspaceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if wq := b.workspaces[workspaceID]; wq != nil {
		return len(wq.queue)
	}
	return 0
}

// Shutdown stops all timers, waits for in-flight flushes, then drains every
// remaining queue. The buffer accepts no events afterwards.
func (b *EventBuffer) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	for _, wq := range b.workspaces {
		if wq.timer != nil {
			wq.timer.Stop()
			wq.timer = nil
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
	return trace.Wrap(b.FlushAll(ctx))
}
