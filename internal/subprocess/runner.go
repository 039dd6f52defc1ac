// Package subprocess launches and supervises the assistant binary,
// translating its stdout event stream into the callback surface the
// session runner drives turns from, per the launch and lifecycle
// contract: process-group isolation, bounded stderr capture,
// content-addressed tool-config files, and timeout/cancellation
// escalation from SIGTERM to SIGKILL.
package subprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/internal/config"
	"github.com/agentforge/orchestrator/internal/eventstream"
	"github.com/agentforge/orchestrator/internal/logger"
)

// InvokeParams describes a single assistant invocation.
type InvokeParams struct {
	ResumeToken    string
	Model          string
	MaxTurns       int
	SystemPrompt   string
	AllowedTools   []string
	ToolConfigJSON []byte
	Prompt         string
	Workdir        string
	Attachments    []Attachment
	ExtraEnv       []string
}

// Callbacks is the surface the session runner observes an invocation
// through. onDone is the sole invariant: implementations MUST guarantee
// it fires exactly once even if OnError panics.
type Callbacks struct {
	OnPID       func(pid int)
	OnText      func(blockIndex int, text string)
	OnThinking  func(blockIndex int, text string)
	OnTool      func(name string, input json.RawMessage)
	OnSessionID func(token string)
	OnRateLimit func(info map[string]any)
	OnResult    func(res eventstream.Result)
	OnError     func(message string)
	OnDone      func(resumeToken string)
}

// Runner launches the assistant binary and supervises one invocation at
// a time per call to Invoke; concurrent invocations from different
// callers each get their own process.
type Runner struct {
	cfg        config.SubprocessConfig
	logger     *logger.Logger
	toolConfig *ToolConfigStore
	tmpDir     string
	baseEnv    []string
}

// New returns a Runner that materializes tool-config and attachment
// files under tmpDir.
func New(cfg config.SubprocessConfig, tmpDir string, log *logger.Logger) *Runner {
	return &Runner{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "subprocess-runner")),
		toolConfig: NewToolConfigStore(tmpDir),
		tmpDir:     tmpDir,
	}
}

// SetBaseEnv appends env entries to every invocation's environment,
// used to hand the loopback callback address and bearer secret to the
// ask_user/notify_user tool plugins the assistant spawns. Call before
// the first Invoke.
func (r *Runner) SetBaseEnv(env []string) {
	r.baseEnv = env
}

// Close sweeps any tool-config files left behind by invocations that
// never released them (crash paths), mirroring the process-exit sweep
// the launch contract calls for.
func (r *Runner) Close() {
	r.toolConfig.Sweep()
}

// Invoke spawns the assistant binary and blocks until the process
// reaches a terminal state: normal exit, spawn failure, the global
// timeout, or ctx cancellation. It never returns an error itself;
// failures are reported through cb.OnError/cb.OnDone so the caller has a
// single place to observe the outcome.
func (r *Runner) Invoke(ctx context.Context, params InvokeParams, cb Callbacks) {
	var doneOnce sync.Once
	fireDone := func(resumeToken string) {
		doneOnce.Do(func() {
			if cb.OnDone != nil {
				cb.OnDone(resumeToken)
			}
		})
	}
	fireError := func(msg string) {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("onError callback panicked", zap.Any("recover", rec))
			}
		}()
		if cb.OnError != nil {
			cb.OnError(msg)
		}
	}

	toolConfigPath, releaseToolConfig, err := r.toolConfig.Acquire(params.ToolConfigJSON)
	if err != nil {
		fireError(fmt.Sprintf("tool config: %v", err))
		fireDone("")
		return
	}
	defer releaseToolConfig()

	attachmentPaths, cleanupAttachments, err := MaterializeAttachments(r.tmpDir, params.Attachments)
	if err != nil {
		fireError(fmt.Sprintf("attachments: %v", err))
		fireDone("")
		return
	}
	defer cleanupAttachments()
	params.Prompt = appendAttachmentRefs(params.Prompt, attachmentPaths)

	args := buildArgs(params, toolConfigPath)
	cmd := exec.Command(r.cfg.BinaryPath, args...)
	cmd.Dir = params.Workdir
	cmd.Env = filterEnv(os.Environ(), append(append([]string(nil), r.baseEnv...), params.ExtraEnv...))
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		fireError(fmt.Sprintf("stdout pipe: %v", err))
		fireDone("")
		return
	}
	tail := newTailBuffer(r.cfg.StderrTailBytes)
	cmd.Stderr = tail

	stdin, err := cmd.StdinPipe()
	if err != nil {
		fireError(fmt.Sprintf("stdin pipe: %v", err))
		fireDone("")
		return
	}

	if err := cmd.Start(); err != nil {
		fireError(fmt.Sprintf("spawn failed: %v", err))
		fireDone("")
		return
	}
	// stdin is closed immediately: the assistant binary takes its prompt
	// via argv, not piped stdin.
	_ = stdin.Close()

	if cb.OnPID != nil {
		cb.OnPID(cmd.Process.Pid)
	}

	resumeToken := params.ResumeToken
	decodeDone := make(chan struct{})
	go func() {
		defer close(decodeDone)
		d := eventstream.NewDecoderSize(r.cfg.MaxLineBytes)
		_ = d.Decode(ctx, stdout, func(ev eventstream.Event) {
			switch e := ev.(type) {
			case eventstream.SessionAssigned:
				resumeToken = e.Token
				if cb.OnSessionID != nil {
					cb.OnSessionID(e.Token)
				}
			case eventstream.BlockStart:
				// The decoder flags text blocks that follow earlier text
				// with a tool in between; the separator keeps post-tool
				// text from running into pre-tool text.
				if e.Separator && cb.OnText != nil {
					cb.OnText(e.BlockIndex, "\n\n")
				}
			case eventstream.TextDelta:
				if cb.OnText != nil {
					cb.OnText(e.BlockIndex, e.Text)
				}
			case eventstream.ThinkingDelta:
				if cb.OnThinking != nil {
					cb.OnThinking(e.BlockIndex, e.Text)
				}
			case eventstream.ToolUse:
				if cb.OnTool != nil {
					cb.OnTool(e.Name, e.InputJSON)
				}
			case eventstream.AssistantMessage:
				// Blocks covered by streamed deltas were filtered out by
				// the decoder; whatever remains was never streamed and is
				// surfaced here instead.
				for i, b := range e.Blocks {
					switch b.Type {
					case "text":
						if b.Text != "" && cb.OnText != nil {
							cb.OnText(i, b.Text)
						}
					case "thinking":
						if b.Thinking != "" && cb.OnThinking != nil {
							cb.OnThinking(i, b.Thinking)
						}
					}
				}
			case eventstream.RateLimit:
				if cb.OnRateLimit != nil {
					cb.OnRateLimit(e.Info)
				}
			case eventstream.Unknown:
				r.logger.Debug("undecodable subprocess output line", zap.Int("len", len(e.Raw)), zap.Bool("final", e.Final))
				// The terminal EOF flush is usually real output that lost
				// its trailing newline to a kill or truncation; surface it
				// as plain text. Any other undecodable line is diagnostic
				// only.
				if e.Final && len(e.Raw) > 0 && cb.OnText != nil {
					cb.OnText(0, string(e.Raw))
				}
			case eventstream.Result:
				if cb.OnResult != nil {
					cb.OnResult(e)
				}
			}
		})
	}()

	waitErr := r.waitWithEscalation(ctx, cmd)
	<-decodeDone

	if waitErr != nil {
		msg := waitErr.Error()
		if tailStr := filterStderrNoise(tail.String()); tailStr != "" {
			msg = fmt.Sprintf("%s (stderr: %s)", msg, tailStr)
		}
		fireError(msg)
	}

	fireDone(resumeToken)
}

// waitWithEscalation waits for cmd to exit, racing the global timeout
// and ctx cancellation. Either trigger sends SIGTERM to the process
// group, then escalates to SIGKILL after the configured grace period.
func (r *Runner) waitWithEscalation(ctx context.Context, cmd *exec.Cmd) error {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timeout := r.cfg.GlobalTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-ctx.Done():
		r.terminate(cmd)
		<-waitCh
		return ctx.Err()
	case <-timer.C:
		r.terminate(cmd)
		<-waitCh
		return fmt.Errorf("global timeout exceeded after %s", timeout)
	}
}

// stderrNoiseLines are substrings of stderr lines that carry no
// diagnostic value for a failed invocation (MCP server bootstrap
// chatter) and are dropped before the tail is surfaced in an error
// message.
var stderrNoiseLines = []string{"Loaded MCP", "Starting MCP"}

// maxFilteredStderrLen bounds the filtered stderr tail surfaced in an
// error message.
const maxFilteredStderrLen = 1000

// filterStderrNoise drops noise lines from raw and truncates the result,
// per the error-handling contract for a non-zero exit's captured stderr.
func filterStderrNoise(raw string) string {
	lines := strings.Split(raw, "\n")
	kept := lines[:0]
	for _, line := range lines {
		noisy := false
		for _, marker := range stderrNoiseLines {
			if strings.Contains(line, marker) {
				noisy = true
				break
			}
		}
		if !noisy {
			kept = append(kept, line)
		}
	}
	out := strings.TrimSpace(strings.Join(kept, "\n"))
	if len(out) > maxFilteredStderrLen {
		out = out[:maxFilteredStderrLen]
	}
	return out
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL
// if the process is still alive after the configured grace period.
func (r *Runner) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid

	grace := r.cfg.KillGracePeriod
	if grace <= 0 {
		grace = 3 * time.Second
	}

	if pgid, err := getpgid(pid); err == nil {
		_ = signalGroup(pgid, signalTerm)
	} else {
		_ = cmd.Process.Signal(termSignal())
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	<-timer.C

	if pgid, err := getpgid(pid); err == nil {
		_ = signalGroup(pgid, signalKill)
	} else {
		_ = cmd.Process.Kill()
	}
}
