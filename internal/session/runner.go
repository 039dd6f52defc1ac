// Package session drives one logical conversation turn at a time:
// resolving or allocating a session, assembling its prompt, invoking the
// subprocess runner, streaming events to attached clients, persisting
// messages, and performing auto-continuation when the assistant stops
// without declaring completion.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/agentforge/orchestrator/internal/config"
	"github.com/agentforge/orchestrator/internal/eventstream"
	"github.com/agentforge/orchestrator/internal/logger"
	"github.com/agentforge/orchestrator/internal/model"
	"github.com/agentforge/orchestrator/internal/store"
	"github.com/agentforge/orchestrator/internal/subprocess"
)

// continuationPrompt is the literal prompt used for every
// auto-continuation, whether triggered by error_max_turns or any other
// non-success terminal subtype.
const continuationPrompt = "Continue where you left off. Complete the remaining work."

// internalToolNames are tool invocations that exist purely as plumbing
// (the ask-user and notify-user loopback plugins) and are never
// persisted as ordinary tool Messages, since they are not part of the
// visible work log.
var internalToolNames = map[string]bool{
	"ask_user":    true,
	"notify_user": true,
}

// ErrTurnAlreadyActive is returned when RunTurn is called for a session
// that already has a turn in flight.
var ErrTurnAlreadyActive = errors.New("session: turn already active for this session")

// TurnRequest describes one request to drive a turn. SessionID may be
// empty to allocate a new session.
type TurnRequest struct {
	SessionID    string
	Title        string
	Workdir      string
	Model        string
	Mode         string
	AgentMode    string
	ActiveTools  []string
	ActiveSkills []string
	MaxTurns     int
	Prompt       string
	Attachments  []subprocess.Attachment

	// OnPID, if set, is invoked with the subprocess's OS pid as soon as
	// it spawns successfully. The kanban specialization uses this to
	// record Task.WorkerPID before the turn completes.
	OnPID func(pid int)

	// OnSessionResolved, if set, is invoked synchronously with the
	// resolved session row immediately after step 1, before any
	// subprocess is spawned. Transports use this to emit session_started
	// (and, for a freshly allocated session, session_title) to the
	// requesting client without waiting for the turn to finish.
	OnSessionResolved func(sess *model.Session, isNew bool)
}

// TurnOutcome summarizes how a turn ended, letting the kanban
// specialization (and other callers) decide what happens to the owning
// task without re-deriving state from the session row.
type TurnOutcome struct {
	Session          *model.Session
	Success          bool
	Cancelled        bool
	BudgetExceeded   bool
	DidNotComplete   bool
	RateLimited      bool
	Err              error
}

// Runner drives turns for sessions of any mode; kanban-mode task
// execution wraps it rather than replacing it.
type Runner struct {
	store       *store.Store
	subprocess  *subprocess.Runner
	prompts     *PromptBuilder
	turns       *ActiveTurns
	broadcaster Broadcaster
	askUser     AskUserResolver
	logger      *logger.Logger

	maxAutoContinues int

	mu          sync.Mutex
	chatBuffers map[string]*strings.Builder

	chunkCountMu sync.Mutex
	chunkCounts  map[string]int

	resumeSF singleflight.Group
}

// New constructs a Runner. broadcaster and askUser may be nil in tests
// that don't exercise fan-out or the ask-user bridge.
func New(st *store.Store, sp *subprocess.Runner, prompts *PromptBuilder, turns *ActiveTurns, broadcaster Broadcaster, askUser AskUserResolver, cfg config.SubprocessConfig, log *logger.Logger) *Runner {
	maxContinues := cfg.MaxAutoContinues
	if maxContinues <= 0 {
		maxContinues = 3
	}
	return &Runner{
		store:            st,
		subprocess:       sp,
		prompts:          prompts,
		turns:            turns,
		broadcaster:      broadcaster,
		askUser:          askUser,
		logger:           log.WithFields(zap.String("component", "session-runner")),
		maxAutoContinues: maxContinues,
		chatBuffers:      make(map[string]*strings.Builder),
		chunkCounts:      make(map[string]int),
	}
}

// RunTurn executes steps 1-7 of the turn lifecycle for req, blocking
// until the turn reaches a terminal outcome. Concurrent calls that name
// the same existing SessionID collapse onto a single execution via
// singleflight, so a reconnect storm hitting "resume this session" from
// several clients at once cannot spawn duplicate Subprocess Runners; a
// call allocating a brand new session (SessionID == "") always runs on
// its own.
func (r *Runner) RunTurn(ctx context.Context, req TurnRequest) (*TurnOutcome, error) {
	if req.SessionID == "" {
		return r.runTurnOnce(ctx, req)
	}
	v, err, _ := r.resumeSF.Do(req.SessionID, func() (any, error) {
		return r.runTurnOnce(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*TurnOutcome), nil
}

// runTurnOnce is the single-flight-wrapped body of RunTurn.
func (r *Runner) runTurnOnce(ctx context.Context, req TurnRequest) (*TurnOutcome, error) {
	sess, isResume, err := r.resolveSession(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	if req.OnSessionResolved != nil {
		req.OnSessionResolved(sess, !isResume)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	if !r.turns.Register(sess.ID, cancel) {
		cancel()
		return nil, ErrTurnAlreadyActive
	}
	defer r.finishTurn(sess.ID)

	internalRetry, err := r.isInternalRetry(ctx, sess.ID, req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("check retry: %w", err)
	}
	if internalRetry {
		sess.RetryCount++
	} else {
		sess.RetryCount = 0
		if _, err := r.store.AppendMessage(ctx, &model.Message{
			SessionID: sess.ID,
			Role:      model.RoleUser,
			Type:      model.MessageTypeText,
			Content:   req.Prompt,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return nil, fmt.Errorf("append user message: %w", err)
		}
	}

	systemPrompt := r.prompts.Build(sess.ActiveSkills)

	sess.LastUserMsg = req.Prompt
	if err := r.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}

	r.mu.Lock()
	r.chatBuffers[sess.ID] = &strings.Builder{}
	r.mu.Unlock()

	r.broadcastTaskFrame(sess.ID, isResume)

	outcome := r.drive(turnCtx, sess, req, systemPrompt)
	return outcome, nil
}

// finishTurn performs step 7's unconditional cleanup.
func (r *Runner) finishTurn(sessionID string) {
	ctx := context.Background()
	if sess, err := r.store.GetSession(ctx, sessionID); err == nil {
		sess.LastUserMsg = ""
		_ = r.store.UpdateSession(ctx, sess)
	}
	r.mu.Lock()
	delete(r.chatBuffers, sessionID)
	r.mu.Unlock()
	r.chunkCountMu.Lock()
	delete(r.chunkCounts, sessionID)
	r.chunkCountMu.Unlock()
	if r.askUser != nil {
		r.askUser.ResolveAllForSession(sessionID, "[Session ended]")
	}
	r.turns.Remove(sessionID)
}

// drive runs the invoke/auto-continue loop (step 5-6).
func (r *Runner) drive(ctx context.Context, sess *model.Session, req TurnRequest, systemPrompt string) *TurnOutcome {
	started := time.Now()
	prompt := req.Prompt
	attachments := req.Attachments
	resumeToken := sess.ResumeToken
	continues := 0
	firstInvocation := true
	rateLimitHit := false

	for {
		var (
			finalText   strings.Builder
			result      *eventstream.Result
			invokeErr   string
		)

		cb := subprocess.Callbacks{
			OnPID:       req.OnPID,
			OnSessionID: func(token string) {
				resumeToken = token
			},
			OnText: func(blockIndex int, text string) {
				finalText.WriteString(text)
				r.onChunk(sess.ID, blockIndex, text)
			},
			OnThinking: func(blockIndex int, text string) {
				r.broadcast(thinkingFrame(sess.ID, blockIndex, text))
			},
			OnTool: func(name string, input json.RawMessage) {
				r.onTool(ctx, sess.ID, name, input)
			},
			OnRateLimit: func(info map[string]any) {
				rateLimitHit = true
				r.broadcast(rateLimitFrame(sess.ID, info))
			},
			OnResult: func(res eventstream.Result) {
				result = &res
			},
			OnError: func(msg string) {
				invokeErr = msg
			},
		}

		r.subprocess.Invoke(ctx, subprocess.InvokeParams{
			ResumeToken:    resumeToken,
			Model:          req.Model,
			MaxTurns:       req.MaxTurns,
			SystemPrompt:   systemPrompt,
			AllowedTools:   req.ActiveTools,
			ToolConfigJSON: buildToolConfigJSON(req.ActiveTools),
			Prompt:         prompt,
			Workdir:        req.Workdir,
			Attachments:    attachments,
		}, cb)

		r.flushPartialText(ctx, sess.ID, true)

		if firstInvocation {
			attachments = nil
			firstInvocation = false
		}

		select {
		case <-ctx.Done():
			return r.finalizeOutcome(ctx, sess, resumeToken, outcomeCancelled, rateLimitHit, started, nil)
		default:
		}

		if invokeErr != "" && result == nil {
			r.broadcast(errorFrame(sess.ID, invokeErr))
			r.injectNotice(ctx, sess.ID, fmt.Sprintf("An internal error interrupted this turn: %s", invokeErr))
			return r.finalizeOutcome(ctx, sess, resumeToken, outcomeOther, rateLimitHit, started, errors.New(invokeErr))
		}

		if result == nil {
			return r.finalizeOutcome(ctx, sess, resumeToken, outcomeCancelled, rateLimitHit, started, nil)
		}

		switch result.Subtype {
		case "success":
			if finalText.Len() > 0 {
				if _, err := r.store.AppendMessage(ctx, &model.Message{
					SessionID: sess.ID,
					Role:      model.RoleAssistant,
					Type:      model.MessageTypeText,
					Content:   finalText.String(),
					CreatedAt: time.Now().UTC(),
				}); err != nil {
					r.logger.Error("persist final message failed", zap.Error(err))
				}
			}
			return r.finalizeOutcome(ctx, sess, resumeToken, outcomeSuccess, rateLimitHit, started, nil)

		case "error_max_budget_usd":
			r.injectNotice(ctx, sess.ID, "Budget reached for this turn; stopping.")
			return r.finalizeOutcome(ctx, sess, resumeToken, outcomeBudget, rateLimitHit, started, nil)

		case "error_max_turns":
			continues++
			if continues > r.maxAutoContinues {
				r.injectNotice(ctx, sess.ID, "The assistant did not complete this turn after the maximum number of automatic continuations.")
				return r.finalizeOutcome(ctx, sess, resumeToken, outcomeOther, rateLimitHit, started, nil)
			}
			r.injectNotice(ctx, sess.ID, fmt.Sprintf("Auto-continuing %d/%d.", continues, r.maxAutoContinues))
			prompt = continuationPrompt
			continue

		default:
			continues++
			if continues > r.maxAutoContinues {
				r.injectNotice(ctx, sess.ID, "The assistant did not complete this turn after the maximum number of automatic continuations.")
				return r.finalizeOutcome(ctx, sess, resumeToken, outcomeOther, rateLimitHit, started, nil)
			}
			prompt = continuationPrompt
			continue
		}
	}
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeBudget
	outcomeCancelled
	outcomeOther
)

func (r *Runner) finalizeOutcome(ctx context.Context, sess *model.Session, resumeToken string, kind outcomeKind, rateLimited bool, started time.Time, turnErr error) *TurnOutcome {
	sess.ResumeToken = resumeToken
	// partial_text is cleared on every terminal path, not just success:
	// a force-kill or cancellation that bypassed a clean finish must not
	// leave stale in-flight text for a reconnecting client to replay as
	// if it were still streaming.
	sess.PartialText = ""
	sess.LastUserMsg = ""
	// The turn context is already cancelled on the cancellation path, so
	// the final writes run on a context that keeps its values but not its
	// cancellation.
	ctx = context.WithoutCancel(ctx)
	if err := r.store.ClearPartialText(ctx, sess.ID); err != nil {
		r.logger.Error("clear partial text failed", zap.Error(err))
	}
	if err := r.store.UpdateSession(ctx, sess); err != nil {
		r.logger.Error("update session on finalize failed", zap.Error(err))
	}

	out := &TurnOutcome{Session: sess, RateLimited: rateLimited, Err: turnErr}
	switch kind {
	case outcomeSuccess:
		out.Success = true
	case outcomeBudget:
		out.BudgetExceeded = true
	case outcomeCancelled:
		out.Cancelled = true
	case outcomeOther:
		out.DidNotComplete = true
	}
	r.broadcast(doneFrame(sess.ID, resumeToken, time.Since(started).Milliseconds()))
	return out
}

// onChunk accumulates streamed text into the chat buffer and batches
// partial_text writes every Nth chunk per store.PartialTextBatchEvery.
func (r *Runner) onChunk(sessionID string, blockIndex int, text string) {
	r.broadcast(textFrame(sessionID, blockIndex, text))

	r.mu.Lock()
	buf, ok := r.chatBuffers[sessionID]
	if ok {
		buf.WriteString(text)
	}
	r.mu.Unlock()

	r.chunkCountMu.Lock()
	r.chunkCounts[sessionID]++
	n := r.chunkCounts[sessionID]
	r.chunkCountMu.Unlock()

	batchEvery := r.store.PartialTextBatchEvery()
	if batchEvery <= 0 {
		batchEvery = 5
	}
	if n%batchEvery == 0 {
		r.flushPartialText(context.Background(), sessionID, false)
	}
}

// ChatBufferText returns the accumulated text of sessionID's in-flight
// turn, if any, for catch-up replay to a reconnecting client. The second
// return value is false if no turn is currently streaming for this
// session.
func (r *Runner) ChatBufferText(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.chatBuffers[sessionID]
	if !ok {
		return "", false
	}
	return buf.String(), true
}

func (r *Runner) flushPartialText(ctx context.Context, sessionID string, final bool) {
	r.mu.Lock()
	buf, ok := r.chatBuffers[sessionID]
	var text string
	if ok {
		text = buf.String()
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := r.store.SetPartialText(ctx, sessionID, text); err != nil {
		r.logger.Error("set partial text failed", zap.Error(err), zap.Bool("final", final))
	}
}

// onTool persists a tool invocation as a Message (unless it is an
// internal-only plugin) and forwards it to the proxy immediately.
func (r *Runner) onTool(ctx context.Context, sessionID, name string, input json.RawMessage) {
	var decoded any
	_ = json.Unmarshal(input, &decoded)
	r.broadcast(toolFrame(sessionID, name, decoded))

	if internalToolNames[name] {
		return
	}

	if _, err := r.store.AppendMessage(ctx, &model.Message{
		SessionID: sessionID,
		Role:      model.RoleAssistant,
		Type:      model.MessageTypeTool,
		ToolName:  name,
		Content:   string(input),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		r.logger.Error("persist tool message failed", zap.Error(err), zap.String("tool", name))
	}
}

func (r *Runner) injectNotice(ctx context.Context, sessionID, text string) {
	if _, err := r.store.AppendMessage(ctx, &model.Message{
		SessionID: sessionID,
		Role:      model.RoleAssistant,
		Type:      model.MessageTypeText,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		r.logger.Error("persist notice failed", zap.Error(err))
	}
	r.broadcast(statusFrame(sessionID, text))
}

func (r *Runner) broadcast(frame Frame) {
	if r.broadcaster != nil {
		r.broadcaster.Broadcast(frame.SessionID, frame)
	}
}

func (r *Runner) broadcastTaskFrame(sessionID string, isResume bool) {
	if isResume {
		r.broadcast(Frame{Type: frameTaskResumed, SessionID: sessionID})
	} else {
		r.broadcast(Frame{Type: frameTaskStarted, SessionID: sessionID})
	}
}

// resolveSession implements step 1: reuse the requested session only if
// its workdir matches the caller's; otherwise (or if none was
// requested) allocate a fresh session row.
func (r *Runner) resolveSession(ctx context.Context, req TurnRequest) (*model.Session, bool, error) {
	if req.SessionID != "" {
		sess, err := r.store.GetSession(ctx, req.SessionID)
		if err == nil {
			if sess.Workdir == req.Workdir {
				return sess, true, nil
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
	}

	now := time.Now().UTC()
	sess := &model.Session{
		ID:           newSessionID(now),
		Title:        req.Title,
		CreatedAt:    now,
		UpdatedAt:    now,
		ActiveTools:  req.ActiveTools,
		ActiveSkills: req.ActiveSkills,
		Mode:         req.Mode,
		AgentMode:    req.AgentMode,
		Model:        req.Model,
		Workdir:      req.Workdir,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, false, err
	}
	return sess, false, nil
}

// isInternalRetry implements step 2's retry detection: true iff the
// most recent user message in the session has the identical content.
func (r *Runner) isInternalRetry(ctx context.Context, sessionID, prompt string) (bool, error) {
	msgs, err := r.store.ListMessages(ctx, sessionID)
	if err != nil {
		return false, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Type != model.MessageTypeText || m.Role != model.RoleUser {
			continue
		}
		return m.Content == prompt, nil
	}
	return false, nil
}

// newSessionID produces an id that sorts in insertion order (nanosecond
// timestamp prefix) while staying unique under concurrent allocation
// (random uuid suffix).
func newSessionID(now time.Time) string {
	return fmt.Sprintf("%020d-%s", now.UnixNano(), uuid.NewString()[:8])
}

// buildToolConfigJSON assembles the tool-config payload handed to the
// subprocess runner for content-addressed caching; the allowed-tools
// list is the only part that varies per session today.
func buildToolConfigJSON(activeTools []string) []byte {
	payload, _ := json.Marshal(map[string]any{"tools": activeTools})
	return payload
}
