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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/staminads/staminads-sub003"
	"github.com/staminads/staminads-sub003/lib/defaults"
	"github.com/staminads/staminads-sub003/lib/filters"
	"github.com/staminads/staminads-sub003/lib/workspace"
)

// TaskStore is the slice of the store client holding task rows.
// Implemented by chstore.Client.
type TaskStore interface {
	// InsertTask writes one full task row (replacement merge).
	InsertTask(ctx context.Context, task *Task) error
	// GetTask returns the latest version of a task, or trace.NotFound.
	GetTask(ctx context.Context, taskID string) (*Task, error)
	// ListTasks returns a workspace's tasks, newest first.
	ListTasks(ctx context.Context, workspaceID string) ([]Task, error)
	// GetActiveTask returns the workspace's pending or running task, or
	// trace.NotFound.
	GetActiveTask(ctx context.Context, workspaceID string) (*Task, error)
	// LatestCompletedTask returns the most recent completed task, or
	// trace.NotFound.
	LatestCompletedTask(ctx context.Context, workspaceID string) (*Task, error)
	// ListStaleRunningTasks returns running tasks not updated since cutoff.
	ListStaleRunningTasks(ctx context.Context, cutoff time.Time) ([]Task, error)
}

// ServiceConfig configures the backfill Service.
type ServiceConfig struct {
	// Tasks holds the task rows.
	Tasks TaskStore
	// Mutations is the store client processors drive.
	Mutations MutationStore
	// Workspaces resolves tenants and their live filter configuration.
	Workspaces *workspace.Cache
	// StaleThreshold is how old a running task's updated_at may be before
	// startup recovery fails it. Defaults to defaults.BackfillStaleThreshold.
	StaleThreshold time.Duration
	// Clock drives timestamps and recovery waits.
	Clock clockwork.Clock
	// Logger for the component.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ServiceConfig) CheckAndSetDefaults() error {
	if c.Tasks == nil {
		return trace.BadParameter("missing parameter Tasks")
	}
	if c.Mutations == nil {
		return trace.BadParameter("missing parameter Mutations")
	}
	if c.Workspaces == nil {
		return trace.BadParameter("missing parameter Workspaces")
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = defaults.BackfillStaleThreshold
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(staminads.ComponentKey, staminads.ComponentBackfill)
	}
	return nil
}

// runningProcessor tracks one in-flight processor run.
type runningProcessor struct {
	workspaceID string
	cancel      context.CancelFunc
}

// Service owns the backfill task lifecycle: creation, cancellation, status
// reads, stale recovery and shutdown. Processor runs execute on background
// goroutines guarded by per-workspace leases.
type Service struct {
	cfg    ServiceConfig
	leases *leaseRegistry

	mu         sync.Mutex
	processors map[string]*runningProcessor
	closed     bool

	wg sync.WaitGroup
}

// NewService builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{
		cfg:        cfg,
		leases:     newLeaseRegistry(),
		processors: make(map[string]*runningProcessor),
	}, nil
}

// StartBackfill creates a pending task for the workspace and enqueues its
// processor. Returns trace.AlreadyExists when the workspace already has a
// pending or running task.
func (s *Service) StartBackfill(ctx context.Context, workspaceID string, lookbackDays, chunkSizeDays int) (string, error) {
	if lookbackDays < 1 || lookbackDays > defaults.MaxLookbackDays {
		return "", trace.BadParameter("lookback_days must be within [1,%d], got %d", defaults.MaxLookbackDays, lookbackDays)
	}
	if chunkSizeDays == 0 {
		chunkSizeDays = defaults.DefaultChunkSizeDays
	}
	if chunkSizeDays < 1 || chunkSizeDays > defaults.MaxChunkSizeDays {
		return "", trace.BadParameter("chunk_size_days must be within [1,%d], got %d", defaults.MaxChunkSizeDays, chunkSizeDays)
	}

	ws, err := s.cfg.Workspaces.Get(ctx, workspaceID)
	if err != nil {
		return "", trace.Wrap(err)
	}

	if active, err := s.cfg.Tasks.GetActiveTask(ctx, workspaceID); err == nil {
		return "", trace.AlreadyExists("backfill task %v is already %v for workspace %q",
			active.ID, active.Status, workspaceID)
	} else if !trace.IsNotFound(err) {
		return "", trace.Wrap(err)
	}

	snapshot, err := SnapshotFilters(ws.Settings.Filters)
	if err != nil {
		return "", trace.Wrap(err)
	}

	now := s.cfg.Clock.Now().UTC()
	task := &Task{
		ID:              uuid.NewString(),
		WorkspaceID:     workspaceID,
		Status:          StatusPending,
		LookbackDays:    lookbackDays,
		ChunkSizeDays:   chunkSizeDays,
		CreatedAt:       now,
		UpdatedAt:       now,
		FiltersSnapshot: snapshot,
	}
	if err := s.cfg.Tasks.InsertTask(ctx, task); err != nil {
		return "", trace.Wrap(err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", trace.Errorf("backfill service is shutting down")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.processors[task.ID] = &runningProcessor{workspaceID: workspaceID, cancel: cancel}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runProcessor(runCtx, task)

	s.cfg.Logger.InfoContext(ctx, "backfill task created",
		"task_id", task.ID, "workspace_id", workspaceID,
		"lookback_days", lookbackDays, "chunk_size_days", chunkSizeDays)
	return task.ID, nil
}

// runProcessor executes one task under the workspace lease.
func (s *Service) runProcessor(ctx context.Context, task *Task) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.processors, task.ID)
		s.mu.Unlock()
	}()

	release, err := s.leases.acquire(ctx, task.WorkspaceID)
	if err != nil {
		// Cancelled while waiting for the lease; the cancel path has
		// already written the terminal row.
		return
	}
	defer release()

	processor, err := NewProcessor(ProcessorConfig{
		Task:      task,
		Mutations: s.cfg.Mutations,
		WriteTask: s.writeTask,
		Clock:     s.cfg.Clock,
		Logger:    s.cfg.Logger.With("task_id", task.ID, "workspace_id", task.WorkspaceID),
	})
	if err != nil {
		s.cfg.Logger.Error("failed to build backfill processor", "task_id", task.ID, "error", err)
		return
	}
	if err := processor.Run(ctx); err != nil {
		s.cfg.Logger.Warn("backfill task failed",
			"task_id", task.ID, "workspace_id", task.WorkspaceID, "error", err)
	}
}

// CancelTask cooperatively cancels a task: it signals the in-process
// processor, kills the workspace's in-flight store mutations, and writes
// the cancelled row. Terminal tasks return trace.BadParameter.
func (s *Service) CancelTask(ctx context.Context, taskID string) error {
	task, err := s.cfg.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return trace.Wrap(err)
	}
	if task.Status.IsTerminal() {
		return trace.BadParameter("task %q is already %v", taskID, task.Status)
	}

	s.mu.Lock()
	proc := s.processors[taskID]
	s.mu.Unlock()
	if proc != nil {
		proc.cancel()
	}

	if err := s.cfg.Mutations.KillWorkspaceMutations(ctx, task.WorkspaceID); err != nil {
		s.cfg.Logger.Warn("failed to kill in-flight mutations",
			"workspace_id", task.WorkspaceID, "error", err)
	}

	now := s.cfg.Clock.Now().UTC()
	task.Status = StatusCancelled
	task.CompletedAt = &now
	tasksCancelled.Inc()
	return trace.Wrap(s.writeTask(ctx, task))
}

// GetTaskStatus returns the task's progress projection.
func (s *Service) GetTaskStatus(ctx context.Context, taskID string) (*Progress, error) {
	task, err := s.cfg.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	progress := task.ToProgress(s.cfg.Clock.Now().UTC())
	return &progress, nil
}

// ListTasks returns the workspace's tasks as progress projections, newest
// first.
func (s *Service) ListTasks(ctx context.Context, workspaceID string) ([]Progress, error) {
	tasks, err := s.cfg.Tasks.ListTasks(ctx, workspaceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.cfg.Clock.Now().UTC()
	progresses := make([]Progress, 0, len(tasks))
	for i := range tasks {
		progresses = append(progresses, tasks[i].ToProgress(now))
	}
	return progresses, nil
}

// GetBackfillSummary reports whether the workspace's historical data is
// consistent with its current filter configuration.
func (s *Service) GetBackfillSummary(ctx context.Context, workspaceID string) (*Summary, error) {
	ws, err := s.cfg.Workspaces.Get(ctx, workspaceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	summary := &Summary{
		CurrentFilterVersion: filters.Version(ws.Settings.Filters),
	}

	completed, err := s.cfg.Tasks.LatestCompletedTask(ctx, workspaceID)
	switch {
	case err == nil:
		defs, err := completed.Filters()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		summary.LastCompletedFilterVersion = filters.Version(defs)
	case trace.IsNotFound(err):
	default:
		return nil, trace.Wrap(err)
	}
	summary.NeedsBackfill = summary.LastCompletedFilterVersion == "" ||
		summary.LastCompletedFilterVersion != summary.CurrentFilterVersion

	active, err := s.cfg.Tasks.GetActiveTask(ctx, workspaceID)
	switch {
	case err == nil:
		progress := active.ToProgress(s.cfg.Clock.Now().UTC())
		summary.ActiveTask = &progress
	case trace.IsNotFound(err):
	default:
		return nil, trace.Wrap(err)
	}
	return summary, nil
}

// RecoverStaleTasks fails running tasks whose updated_at predates the stale
// threshold. Called once at service start, after a short grace period for
// in-flight StartBackfill calls to land their first row.
func (s *Service) RecoverStaleTasks(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	case <-s.cfg.Clock.After(defaults.BackfillStartupGrace):
	}

	cutoff := s.cfg.Clock.Now().UTC().Add(-s.cfg.StaleThreshold)
	stale, err := s.cfg.Tasks.ListStaleRunningTasks(ctx, cutoff)
	if err != nil {
		return trace.Wrap(err)
	}
	for i := range stale {
		task := &stale[i]
		now := s.cfg.Clock.Now().UTC()
		task.Status = StatusFailed
		task.ErrorMessage = "Task stale — recovered on service restart"
		task.CompletedAt = &now
		if err := s.writeTask(ctx, task); err != nil {
			return trace.Wrap(err)
		}
		s.cfg.Logger.WarnContext(ctx, "recovered stale backfill task",
			"task_id", task.ID, "workspace_id", task.WorkspaceID)
	}
	return nil
}

// Shutdown cancels every in-process processor, kills their workspaces'
// in-flight mutations within an aggregate timeout, and marks the still
// active tasks cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	procs := make(map[string]*runningProcessor, len(s.processors))
	for id, proc := range s.processors {
		procs[id] = proc
		proc.cancel()
	}
	s.mu.Unlock()

	killCtx, cancel := context.WithTimeout(ctx, defaults.BackfillShutdownTimeout)
	defer cancel()
	for taskID, proc := range procs {
		if err := s.cfg.Mutations.KillWorkspaceMutations(killCtx, proc.workspaceID); err != nil {
			s.cfg.Logger.Warn("failed to kill mutations on shutdown",
				"workspace_id", proc.workspaceID, "error", err)
		}
		task, err := s.cfg.Tasks.GetTask(killCtx, taskID)
		if err != nil || task.Status.IsTerminal() {
			continue
		}
		now := s.cfg.Clock.Now().UTC()
		task.Status = StatusCancelled
		task.ErrorMessage = "Service shutdown"
		task.CompletedAt = &now
		if err := s.writeTask(killCtx, task); err != nil {
			s.cfg.Logger.Warn("failed to mark task cancelled on shutdown",
				"task_id", taskID, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// writeTask persists a task row, retrying transient store failures with
// exponential backoff. Exhausting the retries logs at the highest severity
// and surfaces the error; stale recovery reconciles the row on the next
// restart.
func (s *Service) writeTask(ctx context.Context, task *Task) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = defaults.TaskWriteRetryInitialDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 16 * defaults.TaskWriteRetryInitialDelay

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		task.UpdatedAt = s.cfg.Clock.Now().UTC()
		err := s.cfg.Tasks.InsertTask(ctx, task)
		if err != nil {
			s.cfg.Logger.Warn("task status write failed",
				"task_id", task.ID, "attempt", attempt, "error", err)
			taskWriteRetries.Inc()
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(defaults.TaskWriteRetryAttempts-1)), ctx))
	if err != nil {
		s.cfg.Logger.Error("CRITICAL: task status write failed after all retries; stale recovery will reconcile",
			"task_id", task.ID, "status", task.Status, "error", err)
		return trace.Wrap(err)
	}
	return nil
}
