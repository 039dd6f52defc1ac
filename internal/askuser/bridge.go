// Package askuser implements the in-process registry of pending
// questions a subprocess posts over its loopback HTTP callback:
// registering a question, routing it to the session's client
// proxy, and resolving it when a client answers, cancels, or the 5-minute
// timeout fires.
package askuser

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/internal/logger"
	"github.com/agentforge/orchestrator/internal/session"
)

// defaultTimeout is the default answer window.
const defaultTimeout = 5 * time.Minute

// timeoutAnswer is returned when a question's timer fires before a
// client answers.
const timeoutAnswer = "[No response — proceed with your best judgment.]"

// ErrUnknownRequest is returned by Resolve/Cancel when requestID has no
// pending entry (already resolved, or never registered).
var ErrUnknownRequest = errors.New("askuser: unknown request id")

// QuestionSpec is one question within a posted request; Bridge normalizes
// the legacy single-question shape into a one-entry Questions slice so
// downstream consumers only ever deal with the uniform list.
type QuestionSpec struct {
	Question    string   `json:"question"`
	Options     []string `json:"options,omitempty"`
	InputType   string   `json:"inputType,omitempty"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// Request is the inbound payload posted by the subprocess's ask_user
// tool plugin.
type Request struct {
	RequestID string         `json:"requestId"`
	SessionID string         `json:"sessionId"`
	Question  string         `json:"question"`
	Questions []QuestionSpec `json:"questions,omitempty"`
	Options   []string       `json:"options,omitempty"`
	InputType string         `json:"inputType,omitempty"`
}

// normalizedQuestions returns req.Questions if present, or a one-entry
// slice built from the legacy single-question fields otherwise.
func (r Request) normalizedQuestions() []QuestionSpec {
	if len(r.Questions) > 0 {
		return r.Questions
	}
	return []QuestionSpec{{
		Question:  r.Question,
		Options:   r.Options,
		InputType: r.InputType,
	}}
}

// pendingQuestion tracks one outstanding request awaiting a client answer.
type pendingQuestion struct {
	requestID string
	sessionID string
	questions []QuestionSpec
	resolve   chan string
	once      sync.Once
	timer     *time.Timer
}

func (p *pendingQuestion) settle(answer string) bool {
	settled := false
	p.once.Do(func() {
		settled = true
		p.timer.Stop()
		p.resolve <- answer
		close(p.resolve)
	})
	return settled
}

// Bridge is the pending-question registry, keyed by request id.
type Bridge struct {
	mu      sync.Mutex
	pending map[string]*pendingQuestion
	bySess  map[string]map[string]struct{} // sessionID -> set of requestIDs, for ResolveAllForSession/RepostPendingForSession

	broadcaster session.Broadcaster
	timeout     time.Duration
	logger      *logger.Logger
}

// New constructs a Bridge that posts ask_user frames through
// broadcaster. timeout <= 0 uses the default of 5 minutes.
func New(broadcaster session.Broadcaster, timeout time.Duration, log *logger.Logger) *Bridge {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Bridge{
		pending:     make(map[string]*pendingQuestion),
		bySess:      make(map[string]map[string]struct{}),
		broadcaster: broadcaster,
		timeout:     timeout,
		logger:      log.WithFields(zap.String("component", "ask-user-bridge")),
	}
}

// Post registers req as pending, routes it to the session's client
// proxy, and blocks until a client answers, cancels, the timeout fires,
// or ctx is cancelled (the HTTP handler's request context, tied to the
// subprocess's loopback call staying open).
func (b *Bridge) Post(ctx context.Context, req Request) string {
	pq := &pendingQuestion{
		requestID: req.RequestID,
		sessionID: req.SessionID,
		questions: req.normalizedQuestions(),
		resolve:   make(chan string, 1),
	}
	pq.timer = time.AfterFunc(b.timeout, func() {
		if pq.settle(timeoutAnswer) {
			b.remove(req.RequestID)
			b.broadcaster.Broadcast(req.SessionID, session.Frame{
				Type:      "ask_user_timeout",
				SessionID: req.SessionID,
				Message:   req.RequestID,
			})
		}
	})

	b.mu.Lock()
	b.pending[req.RequestID] = pq
	if b.bySess[req.SessionID] == nil {
		b.bySess[req.SessionID] = make(map[string]struct{})
	}
	b.bySess[req.SessionID][req.RequestID] = struct{}{}
	b.mu.Unlock()

	b.broadcaster.Broadcast(req.SessionID, session.Frame{
		Type:      "ask_user",
		SessionID: req.SessionID,
		Message:   req.RequestID,
		Info: map[string]any{
			"requestId": req.RequestID,
			"questions": req.normalizedQuestions(),
		},
	})

	select {
	case answer := <-pq.resolve:
		return answer
	case <-ctx.Done():
		b.remove(req.RequestID)
		return timeoutAnswer
	}
}

// Resolve answers requestID with answer, as if a client had replied.
func (b *Bridge) Resolve(requestID, answer string) error {
	pq := b.lookup(requestID)
	if pq == nil {
		return ErrUnknownRequest
	}
	if !pq.settle(answer) {
		return ErrUnknownRequest
	}
	b.remove(requestID)
	return nil
}

// Cancel answers requestID with the skipped-by-user sentinel.
func (b *Bridge) Cancel(requestID string) error {
	return b.Resolve(requestID, "[Skipped by user]")
}

// ResolveAllForSession settles every pending question for sessionID with
// answer, used on turn teardown.
func (b *Bridge) ResolveAllForSession(sessionID, answer string) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.bySess[sessionID]))
	for id := range b.bySess[sessionID] {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		_ = b.Resolve(id, answer)
	}
}

// RepostPendingForSession re-broadcasts every question still pending for
// sessionID, used by the fan-out on reconnect so a reattached client
// sees in-flight questions again.
func (b *Bridge) RepostPendingForSession(sessionID string) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.bySess[sessionID]))
	for id := range b.bySess[sessionID] {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.mu.Lock()
		pq, ok := b.pending[id]
		b.mu.Unlock()
		if !ok {
			continue
		}
		b.broadcaster.Broadcast(pq.sessionID, session.Frame{
			Type:      "ask_user",
			SessionID: pq.sessionID,
			Message:   pq.requestID,
			Info: map[string]any{
				"requestId": pq.requestID,
				"questions": pq.questions,
			},
			CatchUp: true,
		})
	}
}

func (b *Bridge) lookup(requestID string) *pendingQuestion {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending[requestID]
}

func (b *Bridge) remove(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pq, ok := b.pending[requestID]
	if !ok {
		return
	}
	delete(b.pending, requestID)
	if set, ok := b.bySess[pq.sessionID]; ok {
		delete(set, requestID)
		if len(set) == 0 {
			delete(b.bySess, pq.sessionID)
		}
	}
}
