package proxy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/internal/logger"
	"github.com/agentforge/orchestrator/internal/model"
	"github.com/agentforge/orchestrator/internal/session"
)

// defaultIdleEvictionTimeout is the window after which an orphaned
// turn's Session Runner is cancelled.
const defaultIdleEvictionTimeout = 30 * time.Minute

// TurnRegistry is the narrow view of session.ActiveTurns the Fanout
// needs: whether a turn is in flight for a session, and the ability to
// cancel one on idle eviction.
type TurnRegistry interface {
	IsActive(sessionID string) bool
	Cancel(sessionID string) bool
}

// ChatBufferSource is the narrow view of session.Runner the Fanout needs
// to replay an in-flight turn's accumulated text to a reconnecting client.
type ChatBufferSource interface {
	ChatBufferText(sessionID string) (string, bool)
}

// SessionTaskStore is the narrow view of store.Store the Fanout needs to
// classify a reconnect: whether a kanban task is in_progress for the
// session, and the session's last_user_msg/retry_count for the
// interrupted-turn case.
type SessionTaskStore interface {
	GetInProgressTaskBySession(ctx context.Context, sessionID string) (*model.Task, error)
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// PendingReposter is the narrow view of the ask-user bridge the Fanout
// needs on reconnect: re-post any question still pending for a session.
type PendingReposter interface {
	RepostPendingForSession(sessionID string)
}

// Fanout is the per-session registry mapping session ids to their Proxy,
// implementing reconnect catch-up and idle eviction.
// It satisfies session.Broadcaster so the Session Runner can
// treat it as an opaque frame sink.
type Fanout struct {
	mu      sync.Mutex
	proxies map[string]*Proxy
	timers  map[string]*time.Timer

	turns       TurnRegistry
	chatBuffers ChatBufferSource
	tasks       SessionTaskStore
	askUser     PendingReposter

	idleTimeout time.Duration
	logger      *logger.Logger
}

// New constructs a Fanout. chatBuffers may be nil and set later via
// SetChatBuffers, and askUser may be set later via SetAskUser: both the
// Session Runner and the ask-user bridge take the Fanout as their
// Broadcaster at construction time, so main wires this Fanout first and
// backfills these two dependencies once the runner and bridge exist.
func New(turns TurnRegistry, chatBuffers ChatBufferSource, tasks SessionTaskStore, idleTimeout time.Duration, log *logger.Logger) *Fanout {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleEvictionTimeout
	}
	return &Fanout{
		proxies:     make(map[string]*Proxy),
		timers:      make(map[string]*time.Timer),
		turns:       turns,
		chatBuffers: chatBuffers,
		tasks:       tasks,
		idleTimeout: idleTimeout,
		logger:      log.WithFields(zap.String("component", "fanout")),
	}
}

// SetAskUser wires the ask-user bridge's reconnect reposting hook.
func (f *Fanout) SetAskUser(r PendingReposter) {
	f.askUser = r
}

// SetChatBuffers wires the Session Runner's in-flight text accumulator
// once it has been constructed with this Fanout as its Broadcaster.
func (f *Fanout) SetChatBuffers(c ChatBufferSource) {
	f.chatBuffers = c
}

func (f *Fanout) bufferedText(sessionID string) (string, bool) {
	if f.chatBuffers == nil {
		return "", false
	}
	return f.chatBuffers.ChatBufferText(sessionID)
}

func (f *Fanout) proxyFor(sessionID string) *Proxy {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proxies[sessionID]
	if !ok {
		p = NewProxy()
		f.proxies[sessionID] = p
	}
	return p
}

// Broadcast serializes frame once and enqueues/sends it to every
// connection attached to sessionID. Implements session.Broadcaster.
func (f *Fanout) Broadcast(sessionID string, frame any) {
	raw, err := json.Marshal(frame)
	if err != nil {
		f.logger.Error("marshal frame failed", zap.Error(err))
		return
	}
	f.proxyFor(sessionID).Send(raw)
}

// Subscribe implements reconnect catch-up. c is attached to
// sessionID's Proxy; unless noCatchUp is set, the appropriate catch-up
// frames are sent first, per the four-way classification: kanban task
// in progress, active interactive turn, a stranded last_user_msg, or
// neither (a plain fresh subscribe).
func (f *Fanout) Subscribe(ctx context.Context, sessionID string, c Conn, noCatchUp bool) {
	f.cancelIdle(sessionID)
	p := f.proxyFor(sessionID)

	if noCatchUp {
		p.Attach(c)
		return
	}

	if task, err := f.tasks.GetInProgressTaskBySession(ctx, sessionID); err == nil && task != nil {
		f.sendTo(c, session.Frame{Type: "task_started", SessionID: sessionID})
		if text, ok := f.bufferedText(sessionID); ok && text != "" {
			f.sendTo(c, session.Frame{Type: "text", SessionID: sessionID, Text: text, CatchUp: true})
		}
		p.Attach(c)
		return
	}

	if f.turns.IsActive(sessionID) {
		if text, ok := f.bufferedText(sessionID); ok {
			f.sendTo(c, session.Frame{Type: "text", SessionID: sessionID, Text: text, CatchUp: true})
		}
		p.DiscardMatching(isTextOrThinkingFrame)
		p.Attach(c)
		f.sendTo(c, session.Frame{Type: "task_resumed", SessionID: sessionID})
		if f.askUser != nil {
			f.askUser.RepostPendingForSession(sessionID)
		}
		return
	}

	sess, err := f.tasks.GetSession(ctx, sessionID)
	if err == nil && sess.LastUserMsg != "" {
		p.Attach(c)
		f.sendTo(c, session.Frame{
			Type:       "task_interrupted",
			SessionID:  sessionID,
			Message:    sess.LastUserMsg,
			RetryCount: sess.RetryCount,
		})
		return
	}

	p.Attach(c)
}

// Unsubscribe detaches c from sessionID. If it was the last connection
// and an interactive turn is still active, it arms the idle-eviction
// timer rather than cancelling immediately.
func (f *Fanout) Unsubscribe(sessionID string, c Conn) {
	p := f.proxyFor(sessionID)
	empty := p.Detach(c)
	if empty && f.turns.IsActive(sessionID) {
		f.armIdle(sessionID)
	}
}

func (f *Fanout) armIdle(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.timers[sessionID]; ok {
		t.Stop()
	}
	f.timers[sessionID] = time.AfterFunc(f.idleTimeout, func() {
		f.logger.Info("evicting idle turn", zap.String("session_id", sessionID))
		f.turns.Cancel(sessionID)
		f.mu.Lock()
		delete(f.timers, sessionID)
		f.mu.Unlock()
	})
}

func (f *Fanout) cancelIdle(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.timers[sessionID]; ok {
		t.Stop()
		delete(f.timers, sessionID)
	}
}

// CloseAll closes every connection still subscribed to any session and
// stops the idle-eviction timers, used during graceful shutdown.
func (f *Fanout) CloseAll() {
	f.mu.Lock()
	proxies := make([]*Proxy, 0, len(f.proxies))
	for _, p := range f.proxies {
		proxies = append(proxies, p)
	}
	for id, t := range f.timers {
		t.Stop()
		delete(f.timers, id)
	}
	f.mu.Unlock()

	for _, p := range proxies {
		p.CloseAll()
	}
}

func (f *Fanout) sendTo(c Conn, frame session.Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		f.logger.Error("marshal catch-up frame failed", zap.Error(err))
		return
	}
	_ = c.WriteMessage(raw)
}

// isTextOrThinkingFrame reports whether raw is a serialized text or
// thinking frame, the two types dropped from a reattaching connection's
// buffered queue since the chatBuffer replay already carries them.
func isTextOrThinkingFrame(raw []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Type == "text" || probe.Type == "thinking"
}
