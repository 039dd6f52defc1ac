package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentforge/orchestrator/internal/logger"
	"github.com/agentforge/orchestrator/internal/model"
	"github.com/agentforge/orchestrator/internal/proxy"
	"github.com/agentforge/orchestrator/internal/queue"
	"github.com/agentforge/orchestrator/internal/session"
)

// fakeConn is an in-memory proxy.Conn recording every frame written to it.
type fakeConn struct {
	mu     sync.Mutex
	frames []session.Frame
}

func (c *fakeConn) WriteMessage(raw []byte) error {
	var f session.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) snapshot() []session.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []session.TurnRequest
	outc  *session.TurnOutcome
	err   error
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) call(i int) session.TurnRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

func (r *fakeRunner) RunTurn(ctx context.Context, req session.TurnRequest) (*session.TurnOutcome, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	if req.OnSessionResolved != nil {
		sessID := req.SessionID
		isNew := sessID == ""
		if sessID == "" {
			sessID = "new-session"
		}
		req.OnSessionResolved(&model.Session{ID: sessID}, isNew)
	}
	if r.err != nil {
		return nil, r.err
	}
	out := r.outc
	if out == nil {
		out = &session.TurnOutcome{Session: &model.Session{ID: req.SessionID}, Success: true}
	}
	return out, nil
}

type fakeSubscriber struct {
	mu          sync.Mutex
	subscribed  []string
	unsubbed    []string
	broadcasts  []session.Frame
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, sessionID string, c proxy.Conn, noCatchUp bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, sessionID)
}

func (f *fakeSubscriber) Unsubscribe(sessionID string, c proxy.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed = append(f.unsubbed, sessionID)
}

func (f *fakeSubscriber) Broadcast(sessionID string, frame any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fr, ok := frame.(session.Frame); ok {
		f.broadcasts = append(f.broadcasts, fr)
	}
}

type fakeBridge struct {
	resolved map[string]string
	cancelled []string
}

func (b *fakeBridge) Resolve(requestID, answer string) error {
	if b.resolved == nil {
		b.resolved = make(map[string]string)
	}
	b.resolved[requestID] = answer
	return nil
}

func (b *fakeBridge) Cancel(requestID string) error {
	b.cancelled = append(b.cancelled, requestID)
	return nil
}

type fakeTurns struct {
	mu       sync.Mutex
	active   map[string]bool
	cancelled []string
}

func (t *fakeTurns) IsActive(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[sessionID]
}

func (t *fakeTurns) Cancel(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = append(t.cancelled, sessionID)
	return t.active[sessionID]
}

type fakeSessions struct {
	sessions map[string]*model.Session
}

func (s *fakeSessions) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errNotFoundTest
	}
	return sess, nil
}

var errNotFoundTest = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestHandleChatNewSessionEmitsSessionStartedAndTitle(t *testing.T) {
	runner := &fakeRunner{}
	sub := &fakeSubscriber{}
	q := queue.New()
	turns := &fakeTurns{active: map[string]bool{}}
	gw := New(runner, sub, &fakeBridge{}, &fakeSessions{sessions: map[string]*model.Session{}}, turns, q, testLogger(t))

	cs := newClientState()
	c := &fakeConn{}

	raw, _ := json.Marshal(map[string]any{"type": "chat", "text": "hello", "model": "sonnet"})
	gw.dispatch(cs, c, raw)

	require.Eventually(t, func() bool {
		return len(c.snapshot()) >= 2
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 1, runner.callCount())
	frames := c.snapshot()
	require.Len(t, frames, 2)
	require.Equal(t, "session_started", frames[0].Type)
	require.Equal(t, "session_title", frames[1].Type)
	require.Equal(t, "hello", frames[1].Message)
	require.Equal(t, "new-session", cs.primarySession())
}

func TestHandleChatQueuesWhenTurnActive(t *testing.T) {
	runner := &fakeRunner{}
	sub := &fakeSubscriber{}
	q := queue.New()
	turns := &fakeTurns{active: map[string]bool{"s1": true}}
	gw := New(runner, sub, &fakeBridge{}, &fakeSessions{sessions: map[string]*model.Session{}}, turns, q, testLogger(t))

	cs := newClientState()
	cs.setSession("", "s1")
	c := &fakeConn{}

	raw, _ := json.Marshal(map[string]any{"type": "chat", "sessionId": "s1", "text": "second"})
	gw.dispatch(cs, c, raw)

	require.Equal(t, 0, runner.callCount(), "a turn already active must not invoke the runner directly")
	require.Len(t, q.List("s1"), 1)
	require.Len(t, sub.broadcasts, 1)
	require.Equal(t, "queue_update", sub.broadcasts[0].Type)
}

func TestHandleStopResolvesSessionFromTabAndCancels(t *testing.T) {
	gw := New(&fakeRunner{}, &fakeSubscriber{}, &fakeBridge{}, &fakeSessions{}, &fakeTurns{active: map[string]bool{"s1": true}}, queue.New(), testLogger(t))
	cs := newClientState()
	cs.setSession("tab1", "s1")

	turns := gw.turns.(*fakeTurns)
	raw, _ := json.Marshal(map[string]any{"type": "stop", "tabId": "tab1"})
	gw.dispatch(cs, &fakeConn{}, raw)

	require.Equal(t, []string{"s1"}, turns.cancelled)
}

func TestHandleSubscribeSessionRequiresSessionID(t *testing.T) {
	gw := New(&fakeRunner{}, &fakeSubscriber{}, &fakeBridge{}, &fakeSessions{}, &fakeTurns{active: map[string]bool{}}, queue.New(), testLogger(t))
	cs := newClientState()
	c := &fakeConn{}

	raw, _ := json.Marshal(map[string]any{"type": "subscribe_session"})
	gw.dispatch(cs, c, raw)

	frames := c.snapshot()
	require.Len(t, frames, 1)
	require.Equal(t, "error", frames[0].Type)
}

func TestHandleAskUserResponseAndCancel(t *testing.T) {
	bridge := &fakeBridge{}
	gw := New(&fakeRunner{}, &fakeSubscriber{}, bridge, &fakeSessions{}, &fakeTurns{active: map[string]bool{}}, queue.New(), testLogger(t))
	cs := newClientState()

	raw, _ := json.Marshal(map[string]any{"type": "ask_user_response", "requestId": "r1", "answer": "A"})
	gw.dispatch(cs, &fakeConn{}, raw)
	require.Equal(t, "A", bridge.resolved["r1"])

	raw, _ = json.Marshal(map[string]any{"type": "ask_user_cancel", "requestId": "r2"})
	gw.dispatch(cs, &fakeConn{}, raw)
	require.Equal(t, []string{"r2"}, bridge.cancelled)
}

func TestHandleQueueRemoveAndEdit(t *testing.T) {
	q := queue.New()
	item := q.Enqueue(queue.Item{SessionID: "s1", Text: "queued"})
	sub := &fakeSubscriber{}
	gw := New(&fakeRunner{}, sub, &fakeBridge{}, &fakeSessions{}, &fakeTurns{active: map[string]bool{}}, q, testLogger(t))
	cs := newClientState()
	cs.setSession("", "s1")

	editRaw, _ := json.Marshal(map[string]any{"type": "queue_edit", "queueId": item.ID, "text": "edited"})
	gw.dispatch(cs, &fakeConn{}, editRaw)
	require.Equal(t, "edited", q.List("s1")[0].Text)

	removeRaw, _ := json.Marshal(map[string]any{"type": "queue_remove", "queueId": item.ID})
	gw.dispatch(cs, &fakeConn{}, removeRaw)
	require.Empty(t, q.List("s1"))

	require.Len(t, sub.broadcasts, 2)
}

func TestHandleResumeTaskReplaysStrandedPrompt(t *testing.T) {
	runner := &fakeRunner{}
	sub := &fakeSubscriber{}
	sessions := &fakeSessions{sessions: map[string]*model.Session{
		"s1": {ID: "s1", LastUserMsg: "keep going", Model: "sonnet"},
	}}
	turns := &fakeTurns{active: map[string]bool{}}
	gw := New(runner, sub, &fakeBridge{}, sessions, turns, queue.New(), testLogger(t))
	cs := newClientState()

	raw, _ := json.Marshal(map[string]any{"type": "resume_task", "sessionId": "s1"})
	gw.dispatch(cs, &fakeConn{}, raw)

	require.Contains(t, sub.subscribed, "s1")

	require.Eventually(t, func() bool {
		return runner.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, "keep going", runner.call(0).Prompt)
}
