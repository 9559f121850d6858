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
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/staminads/staminads-sub003/lib/filters"
	"github.com/staminads/staminads-sub003/lib/workspace"
)

// memTaskStore is an in-memory TaskStore with replacement-merge semantics.
type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[string]Task)}
}

func (s *memTaskStore) InsertTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = *task
	return nil
}

func (s *memTaskStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok {
		return &task, nil
	}
	return nil, trace.NotFound("backfill task %q not found", taskID)
}

func (s *memTaskStore) list(workspaceID string) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, task := range s.tasks {
		if task.WorkspaceID == workspaceID {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *memTaskStore) ListTasks(ctx context.Context, workspaceID string) ([]Task, error) {
	return s.list(workspaceID), nil
}

func (s *memTaskStore) GetActiveTask(ctx context.Context, workspaceID string) (*Task, error) {
	for _, task := range s.list(workspaceID) {
		if task.Status.IsActive() {
			return &task, nil
		}
	}
	return nil, trace.NotFound("no active backfill task for workspace %q", workspaceID)
}

func (s *memTaskStore) LatestCompletedTask(ctx context.Context, workspaceID string) (*Task, error) {
	for _, task := range s.list(workspaceID) {
		if task.Status == StatusCompleted {
			return &task, nil
		}
	}
	return nil, trace.NotFound("no completed backfill task for workspace %q", workspaceID)
}

func (s *memTaskStore) ListStaleRunningTasks(ctx context.Context, cutoff time.Time) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, task := range s.tasks {
		if task.Status == StatusRunning && task.UpdatedAt.Before(cutoff) {
			out = append(out, task)
		}
	}
	return out, nil
}

type serviceGetter map[string]*workspace.Workspace

func (g serviceGetter) GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error) {
	if ws, ok := g[id]; ok {
		return ws, nil
	}
	return nil, trace.NotFound("workspace %q not found", id)
}

type serviceFixture struct {
	service *Service
	tasks   *memTaskStore
	store   *fakeMutations
	clock   *clockwork.FakeClock
}

func newServiceFixture(t *testing.T, defs []filters.Definition) *serviceFixture {
	t.Helper()
	cache, err := workspace.NewCache(workspace.CacheConfig{
		Getter: serviceGetter{
			"ws1": {ID: "ws1", Settings: workspace.Settings{Filters: defs}},
		},
	})
	require.NoError(t, err)

	tasks := newMemTaskStore()
	store := &fakeMutations{windowCounts: map[string]uint64{}}
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC))
	service, err := NewService(ServiceConfig{
		Tasks:      tasks,
		Mutations:  store,
		Workspaces: cache,
		Clock:      clock,
	})
	require.NoError(t, err)
	return &serviceFixture{service: service, tasks: tasks, store: store, clock: clock}
}

func (f *serviceFixture) waitTerminal(t *testing.T, taskID string) Task {
	t.Helper()
	var task *Task
	require.Eventually(t, func() bool {
		var err error
		task, err = f.tasks.GetTask(context.Background(), taskID)
		return err == nil && task.Status.IsTerminal()
	}, 5*time.Second, time.Millisecond)
	return *task
}

func TestStartBackfillValidation(t *testing.T) {
	f := newServiceFixture(t, channelFilter())
	ctx := context.Background()

	_, err := f.service.StartBackfill(ctx, "ws1", 0, 1)
	require.True(t, trace.IsBadParameter(err))
	_, err = f.service.StartBackfill(ctx, "ws1", 366, 1)
	require.True(t, trace.IsBadParameter(err))
	_, err = f.service.StartBackfill(ctx, "ws1", 30, 31)
	require.True(t, trace.IsBadParameter(err))
	_, err = f.service.StartBackfill(ctx, "unknown", 30, 1)
	require.True(t, trace.IsNotFound(err))
}

func TestStartBackfillRunsToCompletion(t *testing.T) {
	f := newServiceFixture(t, channelFilter())
	ctx := context.Background()

	taskID, err := f.service.StartBackfill(ctx, "ws1", 5, 0)
	require.NoError(t, err)

	task := f.waitTerminal(t, taskID)
	require.Equal(t, StatusCompleted, task.Status)
	// Zero chunk size fell back to the default.
	require.Equal(t, 1, task.ChunkSizeDays)
	// The snapshot froze the workspace's filters at creation time.
	defs, err := task.Filters()
	require.NoError(t, err)
	require.Equal(t, filters.Version(channelFilter()), filters.Version(defs))
}

func TestStartBackfillConflict(t *testing.T) {
	f := newServiceFixture(t, channelFilter())
	ctx := context.Background()

	// Seed an active task directly so the conflict window is deterministic.
	require.NoError(t, f.tasks.InsertTask(ctx, &Task{
		ID: "existing", WorkspaceID: "ws1", Status: StatusRunning,
		CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now(),
	}))

	_, err := f.service.StartBackfill(ctx, "ws1", 5, 1)
	require.True(t, trace.IsAlreadyExists(err))
}

func TestCancelTaskTerminalIsRejected(t *testing.T) {
	f := newServiceFixture(t, channelFilter())
	ctx := context.Background()

	require.NoError(t, f.tasks.InsertTask(ctx, &Task{
		ID: "done", WorkspaceID: "ws1", Status: StatusCompleted,
	}))
	err := f.service.CancelTask(ctx, "done")
	require.True(t, trace.IsBadParameter(err))

	err = f.service.CancelTask(ctx, "missing")
	require.True(t, trace.IsNotFound(err))
}

func TestCancelTaskKillsMutationsAndPersists(t *testing.T) {
	f := newServiceFixture(t, channelFilter())
	ctx := context.Background()

	require.NoError(t, f.tasks.InsertTask(ctx, &Task{
		ID: "t1", WorkspaceID: "ws1", Status: StatusRunning,
		CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now(),
	}))
	require.NoError(t, f.service.CancelTask(ctx, "t1"))

	task, err := f.tasks.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, task.Status)
	require.NotNil(t, task.CompletedAt)
	require.Equal(t, []string{"ws1"}, f.store.killed)
}

func TestGetTaskStatus(t *testing.T) {
	f := newServiceFixture(t, channelFilter())
	ctx := context.Background()

	require.NoError(t, f.tasks.InsertTask(ctx, &Task{
		ID: "t1", WorkspaceID: "ws1", Status: StatusRunning,
		TotalSessions: 10, ProcessedSessions: 5,
	}))
	progress, err := f.service.GetTaskStatus(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "t1", progress.TaskID)
	require.Equal(t, 35, progress.ProgressPercent)

	_, err = f.service.GetTaskStatus(ctx, "missing")
	require.True(t, trace.IsNotFound(err))
}

func TestListTasksNewestFirst(t *testing.T) {
	f := newServiceFixture(t, channelFilter())
	ctx := context.Background()

	base := f.clock.Now()
	require.NoError(t, f.tasks.InsertTask(ctx, &Task{
		ID: "old", WorkspaceID: "ws1", Status: StatusCompleted, CreatedAt: base.Add(-time.Hour),
	}))
	require.NoError(t, f.tasks.InsertTask(ctx, &Task{
		ID: "new", WorkspaceID: "ws1", Status: StatusPending, CreatedAt: base,
	}))

	list, err := f.service.ListTasks(ctx, "ws1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "new", list[0].TaskID)
	require.Equal(t, "old", list[1].TaskID)
}

func TestBackfillSummary(t *testing.T) {
	defs := channelFilter()
	f := newServiceFixture(t, defs)
	ctx := context.Background()

	// No completed task yet: a backfill is needed.
	summary, err := f.service.GetBackfillSummary(ctx, "ws1")
	require.NoError(t, err)
	require.True(t, summary.NeedsBackfill)
	require.Equal(t, filters.Version(defs), summary.CurrentFilterVersion)
	require.Empty(t, summary.LastCompletedFilterVersion)
	require.Nil(t, summary.ActiveTask)

	// Completed run against the current filters: consistent.
	snapshot := snapshotOf(t, defs)
	done := f.clock.Now()
	require.NoError(t, f.tasks.InsertTask(ctx, &Task{
		ID: "done", WorkspaceID: "ws1", Status: StatusCompleted,
		FiltersSnapshot: snapshot, CompletedAt: &done,
	}))
	summary, err = f.service.GetBackfillSummary(ctx, "ws1")
	require.NoError(t, err)
	require.False(t, summary.NeedsBackfill)
	require.Equal(t, summary.CurrentFilterVersion, summary.LastCompletedFilterVersion)

	// A live filter change makes the completed run stale again.
	changed := channelFilter()
	changed[0].Priority = 99
	staleSnapshot := snapshotOf(t, changed)
	later := done.Add(time.Hour)
	require.NoError(t, f.tasks.InsertTask(ctx, &Task{
		ID: "stale", WorkspaceID: "ws1", Status: StatusCompleted,
		FiltersSnapshot: staleSnapshot, CreatedAt: later, CompletedAt: &later,
	}))
	summary, err = f.service.GetBackfillSummary(ctx, "ws1")
	require.NoError(t, err)
	require.True(t, summary.NeedsBackfill)

	// An active task shows up in the summary.
	require.NoError(t, f.tasks.InsertTask(ctx, &Task{
		ID: "active", WorkspaceID: "ws1", Status: StatusRunning,
		CreatedAt: later.Add(time.Minute), UpdatedAt: later.Add(time.Minute),
	}))
	summary, err = f.service.GetBackfillSummary(ctx, "ws1")
	require.NoError(t, err)
	require.NotNil(t, summary.ActiveTask)
	require.Equal(t, "active", summary.ActiveTask.TaskID)
}

func TestRecoverStaleTasks(t *testing.T) {
	f := newServiceFixture(t, channelFilter())
	ctx := context.Background()
	now := f.clock.Now()

	require.NoError(t, f.tasks.InsertTask(ctx, &Task{
		ID: "stale", WorkspaceID: "ws1", Status: StatusRunning,
		UpdatedAt: now.Add(-10 * time.Minute),
	}))
	require.NoError(t, f.tasks.InsertTask(ctx, &Task{
		ID: "fresh", WorkspaceID: "ws1", Status: StatusRunning,
		UpdatedAt: now.Add(-time.Minute),
	}))

	recovered := make(chan error, 1)
	go func() { recovered <- f.service.RecoverStaleTasks(ctx) }()

	// Recovery waits out the startup grace before scanning.
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(3 * time.Second)
	require.NoError(t, <-recovered)

	stale, err := f.tasks.GetTask(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stale.Status)
	require.Contains(t, stale.ErrorMessage, "stale")
	require.NotNil(t, stale.CompletedAt)

	fresh, err := f.tasks.GetTask(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, fresh.Status)
}

func TestLeaseSerializesWorkspaceRuns(t *testing.T) {
	leases := newLeaseRegistry()
	ctx := context.Background()

	release1, err := leases.acquire(ctx, "ws1")
	require.NoError(t, err)

	// A second acquire for the same workspace blocks until release.
	acquired := make(chan func(), 1)
	go func() {
		release2, err := leases.acquire(ctx, "ws1")
		if err == nil {
			acquired <- release2
		}
	}()
	select {
	case <-acquired:
		t.Fatal("second lease acquired while the first is held")
	case <-time.After(20 * time.Millisecond):
	}

	// A different workspace is unaffected.
	releaseOther, err := leases.acquire(ctx, "ws2")
	require.NoError(t, err)
	releaseOther()

	release1()
	select {
	case release2 := <-acquired:
		release2()
	case <-time.After(time.Second):
		t.Fatal("second lease never acquired after release")
	}

	// Release is idempotent.
	release1()
}

func TestLeaseAcquireHonoursContext(t *testing.T) {
	leases := newLeaseRegistry()
	release, err := leases.acquire(context.Background(), "ws1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = leases.acquire(ctx, "ws1")
	require.Error(t, err)
}

func TestServiceShutdownCancelsActiveTasks(t *testing.T) {
	f := newServiceFixture(t, channelFilter())
	ctx := context.Background()

	// Block the first mutation so the task is still running at shutdown.
	blocked := make(chan struct{})
	f.store.mu.Lock()
	f.store.alterErr = nil
	f.store.mu.Unlock()
	blocking := &blockingMutations{inner: f.store, entered: blocked}
	f.service.cfg.Mutations = blocking

	taskID, err := f.service.StartBackfill(ctx, "ws1", 3, 1)
	require.NoError(t, err)
	<-blocked

	require.NoError(t, f.service.Shutdown(ctx))

	task, err := f.tasks.GetTask(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, task.Status)
	require.Contains(t, f.store.killed, "ws1")
}

// blockingMutations delegates to inner but parks AlterUpdateInPartition until
// its context is cancelled.
type blockingMutations struct {
	inner   *fakeMutations
	entered chan struct{}
	once    sync.Once
}

func (b *blockingMutations) AlterUpdateInPartition(ctx context.Context, workspaceID, table, setClause, partition string) error {
	b.once.Do(func() { close(b.entered) })
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingMutations) KillWorkspaceMutations(ctx context.Context, workspaceID string) error {
	return b.inner.KillWorkspaceMutations(ctx, workspaceID)
}

func (b *blockingMutations) EnsureMutationCapacity(ctx context.Context, workspaceID string) error {
	return b.inner.EnsureMutationCapacity(ctx, workspaceID)
}

func (b *blockingMutations) WaitForMutations(ctx context.Context, workspaceID, table string) error {
	return b.inner.WaitForMutations(ctx, workspaceID, table)
}

func (b *blockingMutations) CountRowsOnDate(ctx context.Context, workspaceID, table string, day time.Time) (uint64, error) {
	return b.inner.CountRowsOnDate(ctx, workspaceID, table, day)
}

func (b *blockingMutations) CountRowsInWindow(ctx context.Context, workspaceID, table string, from, to time.Time) (uint64, error) {
	return b.inner.CountRowsInWindow(ctx, workspaceID, table, from, to)
}

func (b *blockingMutations) CountEventsInPartition(ctx context.Context, workspaceID, partition string) (uint64, error) {
	return b.inner.CountEventsInPartition(ctx, workspaceID, partition)
}
