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
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/staminads/staminads-sub003/lib/defaults"
	"github.com/staminads/staminads-sub003/lib/filters"
)

// MutationStore is the slice of the store client the processor drives.
// Implemented by chstore.Client.
type MutationStore interface {
	// AlterUpdateInPartition issues one partition-scoped UPDATE mutation.
	AlterUpdateInPartition(ctx context.Context, workspaceID, table, setClause, partition string) error
	// KillWorkspaceMutations terminates all unfinished mutations under the
	// workspace's database.
	KillWorkspaceMutations(ctx context.Context, workspaceID string) error
	// EnsureMutationCapacity blocks until the workspace database is below
	// the mutation concurrency limit.
	EnsureMutationCapacity(ctx context.Context, workspaceID string) error
	// WaitForMutations blocks until the workspace table has no pending
	// mutation.
	WaitForMutations(ctx context.Context, workspaceID, table string) error
	// CountRowsOnDate counts table rows created on the given day.
	CountRowsOnDate(ctx context.Context, workspaceID, table string, day time.Time) (uint64, error)
	// CountRowsInWindow counts table rows created within [from, to].
	CountRowsInWindow(ctx context.Context, workspaceID, table string, from, to time.Time) (uint64, error)
	// CountEventsInPartition counts rows of one daily events partition.
	CountEventsInPartition(ctx context.Context, workspaceID, partition string) (uint64, error)
}

// ProcessorConfig configures one backfill run.
type ProcessorConfig struct {
	// Task is the task row being executed. The processor mutates it and
	// persists snapshots through WriteTask.
	Task *Task
	// Mutations is the store client.
	Mutations MutationStore
	// WriteTask persists the task row (full-row insert with retries).
	WriteTask func(ctx context.Context, task *Task) error
	// Clock provides the processing date window.
	Clock clockwork.Clock
	// Logger for the run.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ProcessorConfig) CheckAndSetDefaults() error {
	if c.Task == nil {
		return trace.BadParameter("missing parameter Task")
	}
	if c.Mutations == nil {
		return trace.BadParameter("missing parameter Mutations")
	}
	if c.WriteTask == nil {
		return trace.BadParameter("missing parameter WriteTask")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Processor executes one backfill task: it compiles the task's filter
// snapshot to SQL once, then walks the lookback window chunk by chunk,
// mutating one partition at a time. Cancellation is cooperative and
// observed between chunks, never mid-mutation.
type Processor struct {
	cfg  ProcessorConfig
	task *Task

	// processedMonths remembers which monthly partitions were already
	// mutated in this run, per table.
	processedMonths map[string]map[string]bool
}

// NewProcessor builds a Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Processor{
		cfg:  cfg,
		task: cfg.Task,
		processedMonths: map[string]map[string]bool{
			"sessions": {},
			"goals":    {},
		},
	}, nil
}

// Run drives the task to a terminal state. The returned error reports the
// processing failure, if any; the terminal task row has been written either
// way (stale recovery covers the case where even that write fails).
func (p *Processor) Run(ctx context.Context) error {
	defs, err := p.task.Filters()
	if err != nil {
		return trace.Wrap(p.fail(ctx, err))
	}
	compiled, err := filters.Compile(defs)
	if err != nil {
		return trace.Wrap(p.fail(ctx, err))
	}

	now := p.cfg.Clock.Now().UTC()
	chunks := dateChunks(now, p.task.LookbackDays, p.task.ChunkSizeDays)
	windowStart := chunks[0]

	if err := p.countTotals(ctx, windowStart, now); err != nil {
		return trace.Wrap(p.fail(ctx, err))
	}
	if err := p.transition(ctx, StatusRunning); err != nil {
		return trace.Wrap(err)
	}

	for _, day := range chunks {
		if ctx.Err() != nil {
			return trace.Wrap(p.cancelled(p.task))
		}
		if err := p.processChunk(ctx, day, now, compiled); err != nil {
			if ctx.Err() != nil {
				return trace.Wrap(p.cancelled(p.task))
			}
			return trace.Wrap(p.fail(ctx, err))
		}
	}

	if ctx.Err() != nil {
		return trace.Wrap(p.cancelled(p.task))
	}
	return trace.Wrap(p.transition(ctx, StatusCompleted))
}

// processChunk runs all table mutations for one chunk date and persists
// the task's progress.
func (p *Processor) processChunk(ctx context.Context, day, now time.Time, compiled *filters.Compiled) error {
	p.task.CurrentDateChunk = day.Format(time.DateOnly)
	if err := p.cfg.WriteTask(ctx, p.task); err != nil {
		return trace.Wrap(err)
	}
	start := p.cfg.Clock.Now()

	// Daily events partitions age out after the TTL; mutating an expired
	// partition would be wasted capacity.
	if withinEventsTTL(day, now) {
		if err := p.mutateEvents(ctx, day, compiled); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := p.mutateMonthly(ctx, "sessions", day, compiled); err != nil {
		return trace.Wrap(err)
	}
	sessions, err := p.cfg.Mutations.CountRowsOnDate(ctx, p.task.WorkspaceID, "sessions", day)
	if err != nil {
		return trace.Wrap(err)
	}
	p.task.ProcessedSessions += sessions

	if err := p.mutateMonthly(ctx, "goals", day, compiled); err != nil {
		return trace.Wrap(err)
	}
	goals, err := p.cfg.Mutations.CountRowsOnDate(ctx, p.task.WorkspaceID, "goals", day)
	if err != nil {
		return trace.Wrap(err)
	}
	p.task.ProcessedEvents += goals

	chunkDuration.Observe(p.cfg.Clock.Since(start).Seconds())
	return trace.Wrap(p.cfg.WriteTask(ctx, p.task))
}

// mutateEvents updates one daily events partition and adds its row count to
// the progress.
func (p *Processor) mutateEvents(ctx context.Context, day time.Time, compiled *filters.Compiled) error {
	if compiled.Empty() {
		return nil
	}
	partition := day.Format("20060102")
	if err := p.cfg.Mutations.EnsureMutationCapacity(ctx, p.task.WorkspaceID); err != nil {
		return trace.Wrap(err)
	}
	if err := p.cfg.Mutations.AlterUpdateInPartition(ctx, p.task.WorkspaceID, "events", compiled.SetClause, partition); err != nil {
		return trace.Wrap(err)
	}
	mutationsIssued.Inc()
	if err := p.cfg.Mutations.WaitForMutations(ctx, p.task.WorkspaceID, "events"); err != nil {
		return trace.Wrap(err)
	}
	count, err := p.cfg.Mutations.CountEventsInPartition(ctx, p.task.WorkspaceID, partition)
	if err != nil {
		return trace.Wrap(err)
	}
	p.task.ProcessedEvents += count
	return nil
}

// mutateMonthly updates the monthly partition containing day, at most once
// per partition per run. The updated_at bump is mandatory: the
// replacement-merge tables deduplicate on (key, max(updated_at)), so a
// mutation without it would leave the older row version visible.
func (p *Processor) mutateMonthly(ctx context.Context, table string, day time.Time, compiled *filters.Compiled) error {
	if compiled.Empty() {
		return nil
	}
	partition := day.Format("200601")
	if p.processedMonths[table][partition] {
		return nil
	}
	if err := p.cfg.Mutations.EnsureMutationCapacity(ctx, p.task.WorkspaceID); err != nil {
		return trace.Wrap(err)
	}
	setClause := compiled.SetClause + ", updated_at = now()"
	if err := p.cfg.Mutations.AlterUpdateInPartition(ctx, p.task.WorkspaceID, table, setClause, partition); err != nil {
		return trace.Wrap(err)
	}
	mutationsIssued.Inc()
	if err := p.cfg.Mutations.WaitForMutations(ctx, p.task.WorkspaceID, table); err != nil {
		return trace.Wrap(err)
	}
	p.processedMonths[table][partition] = true
	return nil
}

// countTotals fills the task's total counters for the lookback window.
func (p *Processor) countTotals(ctx context.Context, from, to time.Time) error {
	sessions, err := p.cfg.Mutations.CountRowsInWindow(ctx, p.task.WorkspaceID, "sessions", from, to)
	if err != nil {
		return trace.Wrap(err)
	}
	eventRows, err := p.cfg.Mutations.CountRowsInWindow(ctx, p.task.WorkspaceID, "events", from, to)
	if err != nil {
		return trace.Wrap(err)
	}
	goals, err := p.cfg.Mutations.CountRowsInWindow(ctx, p.task.WorkspaceID, "goals", from, to)
	if err != nil {
		return trace.Wrap(err)
	}
	p.task.TotalSessions = sessions
	p.task.TotalEvents = eventRows + goals
	return nil
}

// transition moves the task to a new status and persists it.
func (p *Processor) transition(ctx context.Context, to Status) error {
	if err := checkTransition(p.task.Status, to); err != nil {
		return trace.Wrap(err)
	}
	now := p.cfg.Clock.Now().UTC()
	p.task.Status = to
	switch to {
	case StatusRunning:
		p.task.StartedAt = &now
	case StatusCompleted, StatusFailed, StatusCancelled:
		p.task.CompletedAt = &now
	}
	if to == StatusCompleted {
		tasksCompleted.Inc()
	}
	return trace.Wrap(p.cfg.WriteTask(ctx, p.task))
}

// fail marks the task failed with the cause. Returns the original error so
// Run's caller sees why the task died.
func (p *Processor) fail(ctx context.Context, cause error) error {
	p.task.ErrorMessage = cause.Error()
	tasksFailed.Inc()
	p.task.Status = StatusFailed
	now := p.cfg.Clock.Now().UTC()
	p.task.CompletedAt = &now
	if err := p.cfg.WriteTask(ctx, p.task); err != nil {
		p.cfg.Logger.Error("failed to persist failed task state",
			"task_id", p.task.ID, "error", err)
	}
	return trace.Wrap(cause)
}

// cancelled marks the task cancelled. Uses a fresh context: the run context
// is already dead.
func (p *Processor) cancelled(task *Task) error {
	if task.Status.IsTerminal() {
		return nil
	}
	task.Status = StatusCancelled
	now := p.cfg.Clock.Now().UTC()
	task.CompletedAt = &now
	tasksCancelled.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), defaults.BackfillShutdownTimeout)
	defer cancel()
	return trace.Wrap(p.cfg.WriteTask(ctx, task))
}

// withinEventsTTL reports whether day's events partition still exists given
// the raw events retention.
func withinEventsTTL(day, now time.Time) bool {
	cutoff := dateOnly(now).AddDate(0, 0, -defaults.EventsTTLDays)
	return day.After(cutoff)
}

// dateChunks generates the chunk dates of a backfill: from
// now − (lookback − 1) days stepping chunkSize days while within the
// window, with today appended when the last step overshoots it.
func dateChunks(now time.Time, lookbackDays, chunkSizeDays int) []time.Time {
	if chunkSizeDays < 1 {
		chunkSizeDays = defaults.DefaultChunkSizeDays
	}
	today := dateOnly(now)
	start := today.AddDate(0, 0, -(lookbackDays - 1))
	var chunks []time.Time
	for day := start; !day.After(today); day = day.AddDate(0, 0, chunkSizeDays) {
		chunks = append(chunks, day)
	}
	// The stride may jump past today; clamp the overshoot so the window
	// always ends on the current date.
	if len(chunks) > 0 && chunks[len(chunks)-1].Before(today) {
		chunks = append(chunks, today)
	}
	return chunks
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
