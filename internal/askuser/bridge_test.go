package askuser

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentforge/orchestrator/internal/logger"
	"github.com/agentforge/orchestrator/internal/session"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	frames []session.Frame
}

func (b *fakeBroadcaster) Broadcast(sessionID string, frame any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fr, ok := frame.(session.Frame); ok {
		b.frames = append(b.frames, fr)
	}
}

func (b *fakeBroadcaster) snapshot() []session.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]session.Frame, len(b.frames))
	copy(out, b.frames)
	return out
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestRepostPendingForSessionCarriesQuestionContent(t *testing.T) {
	bc := &fakeBroadcaster{}
	b := New(bc, time.Minute, testLogger(t))

	go func() {
		b.Post(context.Background(), Request{
			RequestID: "r1",
			SessionID: "s1",
			Question:  "which approach?",
			Options:   []string{"a", "b"},
		})
	}()

	require.Eventually(t, func() bool {
		return len(bc.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)

	b.RepostPendingForSession("s1")

	require.Eventually(t, func() bool {
		return len(bc.snapshot()) >= 2
	}, time.Second, 5*time.Millisecond)

	frames := bc.snapshot()
	repost := frames[len(frames)-1]
	require.Equal(t, "ask_user", repost.Type)
	require.True(t, repost.CatchUp)

	questions, ok := repost.Info["questions"].([]QuestionSpec)
	require.True(t, ok)
	require.Len(t, questions, 1)
	require.Equal(t, "which approach?", questions[0].Question)
	require.Equal(t, []string{"a", "b"}, questions[0].Options)

	require.NoError(t, b.Resolve("r1", "a"))
}

func TestPostReturnsClientAnswer(t *testing.T) {
	bc := &fakeBroadcaster{}
	b := New(bc, time.Minute, testLogger(t))

	answers := make(chan string, 1)
	go func() {
		answers <- b.Post(context.Background(), Request{
			RequestID: "r1",
			SessionID: "s1",
			Question:  "A or B?",
			Options:   []string{"A", "B"},
		})
	}()

	require.Eventually(t, func() bool {
		return len(bc.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	frames := bc.snapshot()
	require.Equal(t, "ask_user", frames[0].Type)
	questions, ok := frames[0].Info["questions"].([]QuestionSpec)
	require.True(t, ok)
	require.Len(t, questions, 1)
	require.Equal(t, "A or B?", questions[0].Question)

	require.NoError(t, b.Resolve("r1", "A"))
	require.Equal(t, "A", <-answers)

	require.ErrorIs(t, b.Resolve("r1", "again"), ErrUnknownRequest)
}

func TestPostCancelResolvesWithSkippedSentinel(t *testing.T) {
	bc := &fakeBroadcaster{}
	b := New(bc, time.Minute, testLogger(t))

	answers := make(chan string, 1)
	go func() {
		answers <- b.Post(context.Background(), Request{RequestID: "r1", SessionID: "s1", Question: "q"})
	}()

	require.Eventually(t, func() bool {
		return len(bc.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Cancel("r1"))
	require.Equal(t, "[Skipped by user]", <-answers)
}

func TestPostTimeoutResolvesWithDefaultAndEmitsTimeoutFrame(t *testing.T) {
	bc := &fakeBroadcaster{}
	b := New(bc, 20*time.Millisecond, testLogger(t))

	answer := b.Post(context.Background(), Request{RequestID: "r1", SessionID: "s1", Question: "q"})
	require.Equal(t, timeoutAnswer, answer)

	require.Eventually(t, func() bool {
		for _, f := range bc.snapshot() {
			if f.Type == "ask_user_timeout" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestResolveAllForSessionSettlesEveryPending(t *testing.T) {
	bc := &fakeBroadcaster{}
	b := New(bc, time.Minute, testLogger(t))

	answers := make(chan string, 2)
	for _, id := range []string{"r1", "r2"} {
		id := id
		go func() {
			answers <- b.Post(context.Background(), Request{RequestID: id, SessionID: "s1", Question: "q"})
		}()
	}

	require.Eventually(t, func() bool {
		return len(bc.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	b.ResolveAllForSession("s1", "[Session ended]")

	require.Equal(t, "[Session ended]", <-answers)
	require.Equal(t, "[Session ended]", <-answers)
}
