package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentforge/orchestrator/internal/logger"
	"github.com/agentforge/orchestrator/internal/model"
	"github.com/agentforge/orchestrator/internal/session"
	"github.com/agentforge/orchestrator/internal/store"
	"github.com/agentforge/orchestrator/internal/subprocess"
)

type fakeTaskRunner struct {
	mu      sync.Mutex
	ran     []string
	outcome func(task *model.Task) *session.KanbanOutcome
	block   chan struct{} // if non-nil, RunTask waits on it before returning
}

func (f *fakeTaskRunner) RunTask(ctx context.Context, task *model.Task, _ []subprocess.Attachment, onPID func(int)) (*session.KanbanOutcome, error) {
	f.mu.Lock()
	f.ran = append(f.ran, task.ID)
	f.mu.Unlock()
	if onPID != nil {
		onPID(4242)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	if f.outcome != nil {
		return f.outcome(task), nil
	}
	return &session.KanbanOutcome{Status: model.TaskStatusDone}, nil
}

func (f *fakeTaskRunner) ClassifyError(task *model.Task, err error) *session.KanbanOutcome {
	return &session.KanbanOutcome{Status: model.TaskStatusCancelled, FailureReason: model.FailureReasonException}
}

func (f *fakeTaskRunner) ranTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ran))
	copy(out, f.ran)
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	frames []session.Frame
}

func (f *fakeNotifier) Broadcast(sessionID string, frame any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fr, ok := frame.(session.Frame); ok {
		f.frames = append(f.frames, fr)
	}
}

func (f *fakeNotifier) snapshot() []session.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]session.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{
		Path:            filepath.Join(t.TempDir(), "test.db"),
		SessionTTL:      time.Hour,
		CleanupInterval: time.Hour,
	}, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mkTask(t *testing.T, st *store.Store, task *model.Task) *model.Task {
	t.Helper()
	now := time.Now().UTC()
	if task.Status == "" {
		task.Status = model.TaskStatusTodo
	}
	if task.DependsOn == nil {
		task.DependsOn = []string{}
	}
	task.CreatedAt = now
	task.UpdatedAt = now
	require.NoError(t, st.CreateTask(context.Background(), task))
	return task
}

func waitForStatus(t *testing.T, st *store.Store, taskID string, want model.TaskStatus) *model.Task {
	t.Helper()
	var got *model.Task
	require.Eventually(t, func() bool {
		task, err := st.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		got = task
		return task.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestTickRunsEligibleTaskToDone(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeTaskRunner{}
	s := New(st, runner, &fakeNotifier{}, time.Hour, 5, testLogger(t))

	mkTask(t, st, &model.Task{ID: "t1", Title: "one"})

	s.tick(context.Background())

	done := waitForStatus(t, st, "t1", model.TaskStatusDone)
	require.Zero(t, done.WorkerPID, "worker pid cleared on terminal transition")
	require.Equal(t, []string{"t1"}, runner.ranTasks())
}

func TestTickSkipsTaskWithUnfinishedDependency(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeTaskRunner{}
	s := New(st, runner, &fakeNotifier{}, time.Hour, 5, testLogger(t))

	mkTask(t, st, &model.Task{ID: "dep", Status: model.TaskStatusBacklog})
	mkTask(t, st, &model.Task{ID: "t1", DependsOn: []string{"dep"}})

	s.tick(context.Background())

	task, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusTodo, task.Status)
	require.Empty(t, runner.ranTasks())
}

func TestTickCascadesCancelledDependency(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeTaskRunner{}
	notify := &fakeNotifier{}
	s := New(st, runner, notify, time.Hour, 5, testLogger(t))

	mkTask(t, st, &model.Task{ID: "dep", Status: model.TaskStatusCancelled})
	mkTask(t, st, &model.Task{ID: "t1", DependsOn: []string{"dep"}, SourceSessionID: "src-1"})

	s.tick(context.Background())

	task, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCancelled, task.Status)
	require.Equal(t, model.FailureReasonDepFailed, task.FailureReason)
	require.Empty(t, runner.ranTasks())

	frames := notify.snapshot()
	require.Len(t, frames, 1)
	require.Equal(t, "notification", frames[0].Type)
	require.Equal(t, "src-1", frames[0].SessionID)
}

func TestTickEnforcesWorkdirOccupancy(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeTaskRunner{block: make(chan struct{})}
	s := New(st, runner, &fakeNotifier{}, time.Hour, 5, testLogger(t))
	t.Cleanup(func() { close(runner.block) })

	mkTask(t, st, &model.Task{ID: "t1", Workdir: "/repo", SortOrder: 1})
	mkTask(t, st, &model.Task{ID: "t2", Workdir: "/repo", SortOrder: 2})

	s.tick(context.Background())

	require.Eventually(t, func() bool {
		return len(runner.ranTasks()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"t1"}, runner.ranTasks(), "one in-progress task per workdir")

	t2, err := st.GetTask(context.Background(), "t2")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusTodo, t2.Status)
}

func TestTickEnforcesIndependentWorkerCap(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeTaskRunner{block: make(chan struct{})}
	s := New(st, runner, &fakeNotifier{}, time.Hour, 2, testLogger(t))
	t.Cleanup(func() { close(runner.block) })

	for _, id := range []string{"a", "b", "c"} {
		mkTask(t, st, &model.Task{ID: id})
	}

	s.tick(context.Background())

	require.Eventually(t, func() bool {
		return len(runner.ranTasks()) == 2
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, runner.ranTasks(), 2, "independent concurrency stays under the cap")
}

func TestTickEnforcesSessionOccupancy(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeTaskRunner{block: make(chan struct{})}
	s := New(st, runner, &fakeNotifier{}, time.Hour, 5, testLogger(t))
	t.Cleanup(func() { close(runner.block) })

	mkTask(t, st, &model.Task{ID: "t1", SessionID: "s1", SortOrder: 1})
	mkTask(t, st, &model.Task{ID: "t2", SessionID: "s1", SortOrder: 2})

	s.tick(context.Background())

	require.Eventually(t, func() bool {
		return len(runner.ranTasks()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"t1"}, runner.ranTasks(), "one in-progress task per session")
}

func TestChainTaskRetryIncrementsCountAndReturnsToTodo(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeTaskRunner{
		outcome: func(task *model.Task) *session.KanbanOutcome {
			return &session.KanbanOutcome{
				Status:        model.TaskStatusTodo,
				FailureReason: model.FailureReasonRateLimited,
				Backoff:       10 * time.Millisecond,
			}
		},
	}
	s := New(st, runner, &fakeNotifier{}, time.Hour, 5, testLogger(t))

	mkTask(t, st, &model.Task{ID: "t1", ChainID: "chain-1"})

	s.tick(context.Background())

	got := waitForStatus(t, st, "t1", model.TaskStatusTodo)
	require.Equal(t, 1, got.TaskRetryCount)
	require.Zero(t, got.WorkerPID)
}

func TestStopTaskPreventsTerminalOverwrite(t *testing.T) {
	st := newTestStore(t)
	runner := &fakeTaskRunner{block: make(chan struct{})}
	s := New(st, runner, &fakeNotifier{}, time.Hour, 5, testLogger(t))

	task := mkTask(t, st, &model.Task{ID: "t1"})

	s.tick(context.Background())
	require.Eventually(t, func() bool {
		return len(runner.ranTasks()) == 1
	}, time.Second, 10*time.Millisecond)

	// Manual edit moves the task out of in_progress before stopping it.
	task.Status = model.TaskStatusBacklog
	require.NoError(t, st.UpdateTask(context.Background(), task))
	s.StopTask(task)

	// The runner unblocks (its context was cancelled); its terminal
	// handler must not overwrite the manual status.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.aborts) == 0
	}, time.Second, 10*time.Millisecond)

	got, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusBacklog, got.Status)
}
