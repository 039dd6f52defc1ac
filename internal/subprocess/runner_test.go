package subprocess

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentforge/orchestrator/internal/config"
	"github.com/agentforge/orchestrator/internal/eventstream"
	"github.com/agentforge/orchestrator/internal/logger"
)

func writeFakeBinary(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-assistant.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestInvokeSuccessPath(t *testing.T) {
	script := `cat <<'EOF'
{"type":"system","session_id":"sess-xyz"}
{"type":"message_start"}
{"type":"content_block_start","index":0,"content_block":{"type":"text"}}
{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi there"}}
{"type":"result","subtype":"success","num_turns":1}
EOF
`
	bin := writeFakeBinary(t, script)

	r := New(config.SubprocessConfig{
		BinaryPath:      bin,
		GlobalTimeout:   5 * time.Second,
		KillGracePeriod: time.Second,
		StderrTailBytes: 1024,
	}, t.TempDir(), testLogger(t))
	t.Cleanup(r.Close)

	var (
		gotText   string
		gotToken  string
		gotResult bool
		gotErr    string
		doneToken string
		doneCalls int
	)

	r.Invoke(context.Background(), InvokeParams{
		Model:          "test-model",
		Prompt:         "hello",
		Workdir:        t.TempDir(),
		ToolConfigJSON: []byte(`{"tools":[]}`),
	}, Callbacks{
		OnText:      func(idx int, text string) { gotText += text },
		OnSessionID: func(token string) { gotToken = token },
		OnResult:    func(res eventstream.Result) { gotResult = true },
		OnError:     func(msg string) { gotErr = msg },
		OnDone: func(token string) {
			doneCalls++
			doneToken = token
		},
	})

	require.Equal(t, "hi there", gotText)
	require.Equal(t, "sess-xyz", gotToken)
	require.True(t, gotResult)
	require.Empty(t, gotErr)
	require.Equal(t, "sess-xyz", doneToken)
	require.Equal(t, 1, doneCalls)
}

func TestInvokeSpawnFailure(t *testing.T) {
	r := New(config.SubprocessConfig{
		BinaryPath:      filepath.Join(t.TempDir(), "does-not-exist"),
		GlobalTimeout:   time.Second,
		KillGracePeriod: 100 * time.Millisecond,
	}, t.TempDir(), testLogger(t))
	t.Cleanup(r.Close)

	var gotErr string
	doneCalls := 0
	r.Invoke(context.Background(), InvokeParams{
		Model:          "m",
		Workdir:        t.TempDir(),
		ToolConfigJSON: []byte(`{}`),
	}, Callbacks{
		OnError: func(msg string) { gotErr = msg },
		OnDone:  func(string) { doneCalls++ },
	})

	require.NotEmpty(t, gotErr)
	require.Equal(t, 1, doneCalls)
}

func TestInvokeGlobalTimeoutEscalates(t *testing.T) {
	bin := writeFakeBinary(t, "trap '' TERM\nsleep 30\n")

	r := New(config.SubprocessConfig{
		BinaryPath:      bin,
		GlobalTimeout:   200 * time.Millisecond,
		KillGracePeriod: 150 * time.Millisecond,
	}, t.TempDir(), testLogger(t))
	t.Cleanup(r.Close)

	doneCalls := 0
	var gotErr string
	start := time.Now()
	r.Invoke(context.Background(), InvokeParams{
		Model:          "m",
		Workdir:        t.TempDir(),
		ToolConfigJSON: []byte(`{}`),
	}, Callbacks{
		OnError: func(msg string) { gotErr = msg },
		OnDone:  func(string) { doneCalls++ },
	})

	require.Less(t, time.Since(start), 3*time.Second, "force-kill must reclaim a SIGTERM-ignoring child")
	require.Equal(t, 1, doneCalls)
	require.Contains(t, gotErr, "timeout")
}

func TestToolConfigStoreSharesIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	s := NewToolConfigStore(dir)

	content := []byte(`{"tools":["bash"]}`)
	path1, release1, err := s.Acquire(content)
	require.NoError(t, err)
	path2, release2, err := s.Acquire(content)
	require.NoError(t, err)

	require.Equal(t, path1, path2)

	release1()
	_, statErr := os.Stat(path1)
	require.NoError(t, statErr, "file survives while a second holder remains")

	release2()
	_, statErr = os.Stat(path1)
	require.Error(t, statErr, "file removed once refcount reaches zero")
}

func TestFilterStderrNoiseDropsKnownLinesAndTruncates(t *testing.T) {
	raw := "Loaded MCP server: filesystem\nreal error: permission denied\nStarting MCP server: git\n"
	require.Equal(t, "real error: permission denied", filterStderrNoise(raw))

	long := strings.Repeat("x", maxFilteredStderrLen+50)
	require.Len(t, filterStderrNoise(long), maxFilteredStderrLen)
}
