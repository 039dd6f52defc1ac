package recovery

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentforge/orchestrator/internal/logger"
	"github.com/agentforge/orchestrator/internal/model"
	"github.com/agentforge/orchestrator/internal/store"
)

type fakeKicker struct {
	kicks atomic.Int32
}

func (f *fakeKicker) Kick() { f.kicks.Add(1) }

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

func mkStrandedTask(t *testing.T, st *store.Store, task *model.Task) {
	t.Helper()
	now := time.Now().UTC()
	task.Status = model.TaskStatusInProgress
	if task.DependsOn == nil {
		task.DependsOn = []string{}
	}
	task.CreatedAt = now
	task.UpdatedAt = now
	require.NoError(t, st.CreateTask(context.Background(), task))
}

func mkSession(t *testing.T, st *store.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, st.CreateSession(context.Background(), &model.Session{
		ID: id, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestRecoverChainTaskAlwaysReturnsToTodo(t *testing.T) {
	st := newTestStore(t)
	mkSession(t, st, "s1")
	mkStrandedTask(t, st, &model.Task{ID: "t1", ChainID: "chain-1", SessionID: "s1"})

	// The session even has assistant text; the chain rule still wins.
	_, err := st.AppendMessage(context.Background(), &model.Message{
		SessionID: "s1", Role: model.RoleAssistant, Type: model.MessageTypeText,
		Content: "done earlier", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	kicker := &fakeKicker{}
	s := New(st, kicker, time.Millisecond, testLogger(t))
	s.Run(context.Background())

	task, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusTodo, task.Status)
	require.Zero(t, task.WorkerPID)
	require.Equal(t, int32(1), kicker.kicks.Load())
}

func TestRecoverTaskWithAssistantTextBecomesDone(t *testing.T) {
	st := newTestStore(t)
	mkSession(t, st, "s1")
	mkStrandedTask(t, st, &model.Task{ID: "t1", SessionID: "s1"})

	_, err := st.AppendMessage(context.Background(), &model.Message{
		SessionID: "s1", Role: model.RoleAssistant, Type: model.MessageTypeText,
		Content: "final answer", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	s := New(st, &fakeKicker{}, time.Millisecond, testLogger(t))
	s.Run(context.Background())

	task, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusDone, task.Status)
}

func TestRecoverTaskWithoutAssistantTextReturnsToTodo(t *testing.T) {
	st := newTestStore(t)
	mkSession(t, st, "s1")
	mkStrandedTask(t, st, &model.Task{ID: "t1", SessionID: "s1"})

	// Tool messages alone are not evidence of completion.
	_, err := st.AppendMessage(context.Background(), &model.Message{
		SessionID: "s1", Role: model.RoleAssistant, Type: model.MessageTypeTool,
		ToolName: "bash", Content: `{"cmd":"ls"}`, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	s := New(st, &fakeKicker{}, time.Millisecond, testLogger(t))
	s.Run(context.Background())

	task, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusTodo, task.Status)
}

func TestRecoverSignalsStaleWorkerPIDWithoutFailing(t *testing.T) {
	st := newTestStore(t)
	// A pid that cannot exist keeps the signal path on its error branch.
	mkStrandedTask(t, st, &model.Task{ID: "t1", WorkerPID: 1 << 30})

	s := New(st, &fakeKicker{}, time.Millisecond, testLogger(t))
	s.Run(context.Background())

	task, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusTodo, task.Status)
	require.Zero(t, task.WorkerPID)
}
