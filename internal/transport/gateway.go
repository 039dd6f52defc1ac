package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/internal/logger"
	"github.com/agentforge/orchestrator/internal/model"
	"github.com/agentforge/orchestrator/internal/proxy"
	"github.com/agentforge/orchestrator/internal/queue"
	"github.com/agentforge/orchestrator/internal/session"
	"github.com/agentforge/orchestrator/internal/subprocess"
)

// titlePreviewLen bounds the synthesized session_title text derived from
// a fresh session's opening message.
const titlePreviewLen = 80

// Runner is the narrow view of session.Runner the gateway needs.
type Runner interface {
	RunTurn(ctx context.Context, req session.TurnRequest) (*session.TurnOutcome, error)
}

// Subscriber is the narrow view of the fan-out the gateway needs: attach
// and detach a connection to a session's stream, and push the queue_update
// frames the gateway itself originates. The session_started/session_title
// pair is written straight to the requesting connection, not through it.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string, c proxy.Conn, noCatchUp bool)
	Unsubscribe(sessionID string, c proxy.Conn)
	Broadcast(sessionID string, frame any)
}

// AskUserBridge is the narrow view of the ask-user bridge the gateway
// needs to route client replies back to a waiting subprocess call.
type AskUserBridge interface {
	Resolve(requestID, answer string) error
	Cancel(requestID string) error
}

// TurnTracker is the narrow view of session.ActiveTurns the gateway needs
// to decide whether a chat should queue and to satisfy a stop request.
type TurnTracker interface {
	IsActive(sessionID string) bool
	Cancel(sessionID string) bool
}

// SessionStore is the narrow view of store.Store the gateway needs to
// resolve resume_task against the session's last prompt.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*model.Session, error)
}

// Gateway is the websocket-shaped client message channel. It
// holds no session state of its own beyond per-connection tab routing;
// all durable and cross-connection state lives in the components it
// dispatches to.
type Gateway struct {
	runner   Runner
	fanout   Subscriber
	bridge   AskUserBridge
	sessions SessionStore
	turns    TurnTracker
	queue    *queue.Queue
	logger   *logger.Logger
}

// New constructs a Gateway wired to the orchestrator's core components.
func New(runner Runner, fanout Subscriber, bridge AskUserBridge, sessions SessionStore, turns TurnTracker, q *queue.Queue, log *logger.Logger) *Gateway {
	return &Gateway{
		runner:   runner,
		fanout:   fanout,
		bridge:   bridge,
		sessions: sessions,
		turns:    turns,
		queue:    q,
		logger:   log.WithFields(zap.String("component", "transport")),
	}
}

// RegisterRoutes mounts the client-facing websocket endpoint on engine.
func (g *Gateway) RegisterRoutes(engine *gin.Engine) {
	engine.GET("/ws", g.handleUpgrade)
}

func (g *Gateway) handleUpgrade(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newConn(ws, g.logger)
	cs := newClientState()

	go conn.writePump()
	conn.readPump(func(raw []byte) {
		g.dispatch(cs, conn, raw)
	})

	for _, sid := range cs.knownSessions() {
		g.fanout.Unsubscribe(sid, conn)
	}
	_ = conn.Close()
}

func (g *Gateway) dispatch(cs *clientState, c proxy.Conn, raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		g.logger.Debug("malformed client message", zap.Error(err))
		return
	}

	switch env.Type {
	case "chat":
		g.handleChat(cs, c, raw)
	case "stop":
		g.handleStop(cs, raw)
	case "subscribe_session":
		g.handleSubscribeSession(cs, c, raw)
	case "resume_task":
		g.handleResumeTask(cs, c, raw)
	case "ask_user_response":
		g.handleAskUserResponse(raw)
	case "ask_user_cancel":
		g.handleAskUserCancel(raw)
	case "queue_remove":
		g.handleQueueRemove(cs, raw)
	case "queue_edit":
		g.handleQueueEdit(cs, raw)
	default:
		g.logger.Debug("unknown client message type", zap.String("type", env.Type))
	}
}

func (g *Gateway) handleChat(cs *clientState, c proxy.Conn, raw json.RawMessage) {
	var msg chatMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		g.sendDirect(c, session.Frame{Type: "error", Message: "malformed chat message"})
		return
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = cs.sessionFor(msg.TabID)
	}

	if sessionID != "" && g.turns.IsActive(sessionID) {
		g.enqueueChat(sessionID, msg)
		return
	}

	atts, err := decodeAttachments(msg.Attachments)
	if err != nil {
		g.sendDirect(c, session.Frame{Type: "error", SessionID: sessionID, Message: err.Error()})
		return
	}

	go g.runTurn(cs, c, sessionID, msg, atts)
}

// runTurn drives one interactive turn and, on completion, hands off to
// any chat queued behind it for the same session.
func (g *Gateway) runTurn(cs *clientState, c proxy.Conn, sessionID string, msg chatMessage, atts []subprocess.Attachment) {
	req := session.TurnRequest{
		SessionID:    sessionID,
		Title:        msg.Text,
		Workdir:      msg.Workdir,
		Model:        msg.Model,
		Mode:         msg.Mode,
		AgentMode:    msg.AgentMode,
		ActiveSkills: msg.Skills,
		MaxTurns:     msg.MaxTurns,
		Prompt:       msg.Text,
		Attachments:  atts,
		OnSessionResolved: func(sess *model.Session, isNew bool) {
			cs.setSession(msg.TabID, sess.ID)
			g.fanout.Subscribe(context.Background(), sess.ID, c, true)
			g.sendDirect(c, session.Frame{Type: "session_started", SessionID: sess.ID})
			if isNew {
				g.sendDirect(c, session.Frame{Type: "session_title", SessionID: sess.ID, Message: titlePreview(msg.Text)})
			}
		},
	}

	outcome, err := g.runner.RunTurn(context.Background(), req)
	if err != nil {
		g.logger.Error("run turn failed", zap.Error(err), zap.String("session_id", sessionID))
		g.sendDirect(c, session.Frame{Type: "error", SessionID: sessionID, Message: err.Error()})
		return
	}

	g.drainQueue(outcome.Session.ID)
}

// drainQueue runs the next queued chat for sessionID, if any, and chains
// into its own completion the same way, so a backlog of queued messages
// runs end to end without returning control to the caller.
func (g *Gateway) drainQueue(sessionID string) {
	item, ok := g.queue.Pop(sessionID)
	if !ok {
		return
	}
	g.broadcastQueueUpdate(sessionID)

	outcome, err := g.runner.RunTurn(context.Background(), session.TurnRequest{
		SessionID: sessionID,
		Workdir:   item.Workdir,
		Model:     item.Model,
		Mode:      item.Mode,
		AgentMode: item.AgentMode,
		MaxTurns:  item.MaxTurns,
		Prompt:    item.Text,
	})
	if err != nil {
		g.logger.Error("drain queued chat failed", zap.Error(err), zap.String("session_id", sessionID))
		return
	}
	g.drainQueue(outcome.Session.ID)
}

func (g *Gateway) enqueueChat(sessionID string, msg chatMessage) {
	g.queue.Enqueue(queue.Item{
		SessionID: sessionID,
		TabID:     msg.TabID,
		Text:      msg.Text,
		Skills:    msg.Skills,
		Model:     msg.Model,
		Mode:      msg.Mode,
		AgentMode: msg.AgentMode,
		MaxTurns:  msg.MaxTurns,
		Workdir:   msg.Workdir,
	})
	g.broadcastQueueUpdate(sessionID)
}

func (g *Gateway) broadcastQueueUpdate(sessionID string) {
	items := g.queue.List(sessionID)
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	g.fanout.Broadcast(sessionID, session.Frame{
		Type:      "queue_update",
		SessionID: sessionID,
		Info:      map[string]any{"pending": len(items), "items": ids},
	})
}

func (g *Gateway) handleStop(cs *clientState, raw json.RawMessage) {
	var msg stopMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	sessionID := cs.sessionFor(msg.TabID)
	if sessionID == "" {
		return
	}
	g.turns.Cancel(sessionID)
}

func (g *Gateway) handleSubscribeSession(cs *clientState, c proxy.Conn, raw json.RawMessage) {
	var msg subscribeSessionMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.SessionID == "" {
		g.sendDirect(c, session.Frame{Type: "error", Message: "subscribe_session requires sessionId"})
		return
	}
	cs.setSession("", msg.SessionID)
	g.fanout.Subscribe(context.Background(), msg.SessionID, c, msg.NoCatchUp)
	g.broadcastQueueUpdate(msg.SessionID)
}

// handleResumeTask implements the client's explicit "pick this stranded
// turn back up" request: it resubscribes the connection to the session's
// stream and, if the session was left with a stranded last_user_msg and
// no turn is already running, replays that prompt as an internal retry
// (session.Runner's own retry detection dedups it against the persisted
// message, so this never double-appends).
func (g *Gateway) handleResumeTask(cs *clientState, c proxy.Conn, raw json.RawMessage) {
	var msg resumeTaskMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.SessionID == "" {
		return
	}
	cs.setSession(msg.TabID, msg.SessionID)
	g.fanout.Subscribe(context.Background(), msg.SessionID, c, false)

	if g.turns.IsActive(msg.SessionID) {
		return
	}
	sess, err := g.sessions.GetSession(context.Background(), msg.SessionID)
	if err != nil || sess.LastUserMsg == "" {
		return
	}

	go g.runTurn(cs, c, msg.SessionID, chatMessage{
		TabID:     msg.TabID,
		SessionID: msg.SessionID,
		Text:      sess.LastUserMsg,
		Mode:      sess.Mode,
		AgentMode: sess.AgentMode,
		Model:     sess.Model,
		Workdir:   sess.Workdir,
	}, nil)
}

func (g *Gateway) handleAskUserResponse(raw json.RawMessage) {
	var msg askUserResponseMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if err := g.bridge.Resolve(msg.RequestID, msg.Answer); err != nil {
		g.logger.Debug("ask_user_response for unknown request", zap.String("request_id", msg.RequestID))
	}
}

func (g *Gateway) handleAskUserCancel(raw json.RawMessage) {
	var msg askUserCancelMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if err := g.bridge.Cancel(msg.RequestID); err != nil {
		g.logger.Debug("ask_user_cancel for unknown request", zap.String("request_id", msg.RequestID))
	}
}

func (g *Gateway) handleQueueRemove(cs *clientState, raw json.RawMessage) {
	var msg queueRemoveMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	sessionID := cs.primarySession()
	if sessionID == "" {
		return
	}
	g.queue.Remove(sessionID, msg.QueueID)
	g.broadcastQueueUpdate(sessionID)
}

func (g *Gateway) handleQueueEdit(cs *clientState, raw json.RawMessage) {
	var msg queueEditMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	sessionID := cs.primarySession()
	if sessionID == "" {
		return
	}
	g.queue.Edit(sessionID, msg.QueueID, msg.Text)
	g.broadcastQueueUpdate(sessionID)
}

func (g *Gateway) sendDirect(c proxy.Conn, frame session.Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		g.logger.Error("marshal direct frame failed", zap.Error(err))
		return
	}
	_ = c.WriteMessage(raw)
}

func decodeAttachments(atts []attachmentDTO) ([]subprocess.Attachment, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	out := make([]subprocess.Attachment, 0, len(atts))
	for _, a := range atts {
		content, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, fmt.Errorf("decode attachment %q: %w", a.Name, err)
		}
		out = append(out, subprocess.Attachment{Name: a.Name, Content: content})
	}
	return out, nil
}

// titlePreview derives a session_title from a fresh session's opening
// message: its first line, capped to titlePreviewLen.
func titlePreview(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	if len(text) > titlePreviewLen {
		text = text[:titlePreviewLen]
	}
	return text
}
