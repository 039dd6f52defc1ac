package session

import (
	"context"
	"fmt"
	"time"

	"github.com/agentforge/orchestrator/internal/model"
	"github.com/agentforge/orchestrator/internal/subprocess"
)

// verificationSuffix is appended to a kanban task's prompt, requiring the
// assistant to close out with a verification report the scheduler can
// eventually surface to a reviewer.
const verificationSuffix = `

When you believe this task is complete, finish your response with a section titled "VERIFICATION REPORT" summarizing what you changed, how you verified it, and any remaining risk.`

const (
	defaultTaskRetryLimit  = 2
	rateLimitBackoffUnit   = 60 * time.Second
	rateLimitBackoffCap    = 300 * time.Second
	exceptionBackoff       = 5 * time.Second
	defaultRetryBackoff    = 3 * time.Second
)

// KanbanOutcome is the classification a task-driving caller (the
// scheduler) needs to decide the task's next status.
type KanbanOutcome struct {
	Status        model.TaskStatus
	FailureReason model.FailureReason
	Backoff       time.Duration // only meaningful when Status == todo (chain retry)
	Session       *model.Session
}

// KanbanRunner specializes Runner for task-attached sessions: it appends
// the verification directive to the prompt and classifies the terminal
// TurnOutcome into a task status transition.
type KanbanRunner struct {
	runner       *Runner
	taskRetryCap int
}

// NewKanbanRunner wraps runner with kanban-mode task semantics.
// taskRetryCap is the per-task retry ceiling for chain tasks; pass 0
// for the default of 2.
func NewKanbanRunner(runner *Runner, taskRetryCap int) *KanbanRunner {
	if taskRetryCap <= 0 {
		taskRetryCap = defaultTaskRetryLimit
	}
	return &KanbanRunner{runner: runner, taskRetryCap: taskRetryCap}
}

// RunTask drives one execution of a task as a turn, returning the
// classified outcome. The caller (scheduler) is responsible for applying
// the resulting status transition to the Task row. onPID, if non-nil, is
// invoked with the spawned subprocess's OS pid so the caller can record
// Task.WorkerPID while the task is in_progress.
func (k *KanbanRunner) RunTask(ctx context.Context, task *model.Task, attachments []subprocess.Attachment, onPID func(pid int)) (*KanbanOutcome, error) {
	prompt := buildTaskPrompt(task)

	outcome, err := k.runner.RunTurn(ctx, TurnRequest{
		SessionID:    task.SessionID,
		Title:        task.Title,
		Workdir:      task.Workdir,
		Model:        task.Model,
		Mode:         task.Mode,
		AgentMode:    task.AgentMode,
		MaxTurns:     task.MaxTurns,
		Prompt:       prompt,
		Attachments:  attachments,
		OnPID:        onPID,
	})
	if err != nil {
		return nil, err
	}

	return k.classify(task, outcome), nil
}

func buildTaskPrompt(task *model.Task) string {
	body := task.Description
	if task.Notes != "" {
		body = fmt.Sprintf("%s\n\nNotes: %s", body, task.Notes)
	}
	return body + verificationSuffix
}

// classify implements the kanban termination rules: success is always
// done; cancellation driven by the user is always cancelled with
// user_cancelled; everything else either becomes cancelled with a
// failure_reason, or - for chain tasks still under the retry cap -
// loops back to todo with a backoff hint.
func (k *KanbanRunner) classify(task *model.Task, outcome *TurnOutcome) *KanbanOutcome {
	result := &KanbanOutcome{Session: outcome.Session}

	if outcome.Success {
		result.Status = model.TaskStatusDone
		return result
	}

	if outcome.Cancelled {
		result.Status = model.TaskStatusCancelled
		result.FailureReason = model.FailureReasonUserCancelled
		return result
	}

	reason := model.FailureReasonAgentIncomplete
	switch {
	case outcome.RateLimited:
		reason = model.FailureReasonRateLimited
	case outcome.Err != nil:
		reason = model.FailureReasonException
	}

	if task.ChainID != "" && task.TaskRetryCount < k.taskRetryCap {
		result.Status = model.TaskStatusTodo
		result.FailureReason = reason
		result.Backoff = backoffFor(reason, task.TaskRetryCount+1)
		return result
	}

	result.Status = model.TaskStatusCancelled
	result.FailureReason = reason
	return result
}

// ClassifyError maps an error returned by RunTask itself (a Store failure
// while resolving the session, appending the user message, or persisting
// session state, before any subprocess ever ran) into the same
// status-transition rules classify applies to a completed turn. The
// scheduler calls this when RunTask fails outright, so a task never gets
// stranded in_progress with no outcome to classify.
func (k *KanbanRunner) ClassifyError(task *model.Task, err error) *KanbanOutcome {
	return k.classify(task, &TurnOutcome{Err: err, DidNotComplete: true})
}

func backoffFor(reason model.FailureReason, attempt int) time.Duration {
	switch reason {
	case model.FailureReasonRateLimited:
		d := time.Duration(attempt) * rateLimitBackoffUnit
		if d > rateLimitBackoffCap {
			d = rateLimitBackoffCap
		}
		return d
	case model.FailureReasonException:
		return exceptionBackoff
	default:
		return defaultRetryBackoff
	}
}
