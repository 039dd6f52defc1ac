package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentforge/orchestrator/internal/logger"
	"github.com/agentforge/orchestrator/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	st, err := Open(Config{
		Path:                  filepath.Join(dir, "test.db"),
		SessionTTL:            time.Hour,
		CleanupInterval:       time.Hour,
		PartialTextBatchEvery: 5,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSessionCRUD(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	sess := &model.Session{
		ID:           "sess-1",
		Title:        "first session",
		ActiveTools:  []string{"bash", "edit"},
		ActiveSkills: []string{"go-style"},
		Mode:         "chat",
		Workdir:      "/work",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, st.CreateSession(ctx, sess))

	got, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, sess.Title, got.Title)
	require.ElementsMatch(t, sess.ActiveTools, got.ActiveTools)
	require.ElementsMatch(t, sess.ActiveSkills, got.ActiveSkills)

	got.Title = "renamed"
	require.NoError(t, st.UpdateSession(ctx, got))

	reread, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "renamed", reread.Title)
	require.True(t, reread.UpdatedAt.After(now) || reread.UpdatedAt.Equal(now))

	require.NoError(t, st.TouchSession(ctx, "sess-1"))

	require.NoError(t, st.DeleteSession(ctx, "sess-1"))
	_, err = st.GetSession(ctx, "sess-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteSessionMissing(t *testing.T) {
	st := newTestStore(t)
	require.ErrorIs(t, st.DeleteSession(context.Background(), "missing"), ErrNotFound)
}

func TestMessageAppendAndList(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.CreateSession(ctx, &model.Session{ID: "sess-1", CreatedAt: now, UpdatedAt: now}))

	_, err := st.AppendMessage(ctx, &model.Message{
		SessionID: "sess-1", Role: model.RoleUser, Type: model.MessageTypeText,
		Content: "hello", CreatedAt: now,
	})
	require.NoError(t, err)

	toolID, err := st.AppendMessage(ctx, &model.Message{
		SessionID: "sess-1", Role: model.RoleAssistant, Type: model.MessageTypeTool,
		Content: "ran bash", ToolName: "bash", CreatedAt: now.Add(time.Second),
	})
	require.NoError(t, err)
	require.NotZero(t, toolID)

	_, err = st.AppendMessage(ctx, &model.Message{
		SessionID: "sess-1", Role: model.RoleAssistant, Type: model.MessageTypeText,
		Content: "done", ReplyTo: &toolID, CreatedAt: now.Add(2 * time.Second),
	})
	require.NoError(t, err)

	all, err := st.ListMessages(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, all, 3)

	chatOnly, err := st.ListChatMessages(ctx, "sess-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, chatOnly, 2)
	for _, m := range chatOnly {
		require.NotEqual(t, model.MessageTypeTool, m.Type)
	}

	page, err := st.ListChatMessages(ctx, "sess-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "done", page[0].Content)

	require.NoError(t, st.SetPartialText(ctx, "sess-1", "partial..."))
	got, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "partial...", got.PartialText)

	require.NoError(t, st.ClearPartialText(ctx, "sess-1"))
	got, err = st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "", got.PartialText)
}

func TestTaskCRUDAndListing(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id string, status model.TaskStatus, sortOrder int) *model.Task {
		return &model.Task{
			ID: id, Title: "t-" + id, Status: status, SortOrder: sortOrder,
			DependsOn: []string{}, CreatedAt: now, UpdatedAt: now,
		}
	}

	require.NoError(t, st.CreateTask(ctx, mk("a", model.TaskStatusTodo, 2)))
	require.NoError(t, st.CreateTask(ctx, mk("b", model.TaskStatusTodo, 1)))
	require.NoError(t, st.CreateTask(ctx, mk("c", model.TaskStatusInProgress, 0)))

	todo, err := st.ListTodoTasks(ctx)
	require.NoError(t, err)
	require.Len(t, todo, 2)
	require.Equal(t, "b", todo[0].ID) // lower sort_order first

	inProg, err := st.ListInProgressTasks(ctx)
	require.NoError(t, err)
	require.Len(t, inProg, 1)
	require.Equal(t, "c", inProg[0].ID)

	got, err := st.GetTask(ctx, "a")
	require.NoError(t, err)
	got.Status = model.TaskStatusDone
	require.NoError(t, st.UpdateTask(ctx, got))

	reread, err := st.GetTask(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusDone, reread.Status)

	require.NoError(t, st.DeleteTask(ctx, "a"))
	_, err = st.GetTask(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListTasksByChain(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"x1", "x2", "x3"} {
		task := &model.Task{
			ID: id, ChainID: "chain-1", DependsOn: []string{},
			CreatedAt: now.Add(time.Duration(i) * time.Second), UpdatedAt: now,
		}
		require.NoError(t, st.CreateTask(ctx, task))
	}
	require.NoError(t, st.CreateTask(ctx, &model.Task{ID: "y1", ChainID: "chain-2", DependsOn: []string{}, CreatedAt: now, UpdatedAt: now}))

	chain, err := st.ListTasksByChain(ctx, "chain-1")
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, "x1", chain[0].ID)
	require.Equal(t, "x3", chain[2].ID)
}

func TestExpireSessionsGC(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, st.CreateSession(ctx, &model.Session{ID: "stale", CreatedAt: old, UpdatedAt: old}))

	fresh := time.Now().UTC()
	require.NoError(t, st.CreateSession(ctx, &model.Session{ID: "fresh", CreatedAt: fresh, UpdatedAt: fresh}))

	require.NoError(t, st.expireSessions(ctx))

	_, err := st.GetSession(ctx, "stale")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = st.GetSession(ctx, "fresh")
	require.NoError(t, err)
}
