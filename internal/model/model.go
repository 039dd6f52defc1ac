// Package model defines the domain entities shared across the orchestrator:
// sessions, messages, and tasks.
package model

import "time"

// MessageRole identifies who authored a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MessageType classifies the content of a Message.
type MessageType string

const (
	MessageTypeText      MessageType = "text"
	MessageTypeTool      MessageType = "tool"
	MessageTypeAgentPlan MessageType = "agent_plan"
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusBacklog    TaskStatus = "backlog"
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusDone       TaskStatus = "done"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// FailureReason classifies why a Task was cancelled.
type FailureReason string

const (
	FailureReasonNone            FailureReason = ""
	FailureReasonAgentIncomplete FailureReason = "agent_incomplete"
	FailureReasonRateLimited     FailureReason = "rate_limited"
	FailureReasonException       FailureReason = "exception"
	FailureReasonUserCancelled   FailureReason = "user_cancelled"
	FailureReasonDepFailed       FailureReason = "dep_failed"
)

// Session is a logical conversation addressable by id.
type Session struct {
	ID                string
	Title             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ResumeToken       string // opaque assistant-resume-token, "" if none yet
	ActiveTools       []string
	ActiveSkills      []string
	Mode              string
	AgentMode         string
	Model             string
	Workdir           string
	LastUserMsg       string // non-empty iff an execution is in flight or recently was
	RetryCount        int
	PartialText       string // non-empty while a turn is streaming
}

// Message is an entry in a session's log.
type Message struct {
	ID          int64
	SessionID   string
	Role        MessageRole
	Type        MessageType
	Content     string
	ToolName    string
	AgentID     string
	ReplyTo     *int64
	Attachments string // opaque JSON blob
	CreatedAt   time.Time
}

// Task is a queued unit of work drivable by the Session Runner.
type Task struct {
	ID               string
	Title            string
	Description      string
	Notes            string
	Status           TaskStatus
	SortOrder        int
	SessionID        string // optional attached session id, "" if none
	Workdir          string
	Model            string
	Mode             string
	AgentMode        string
	MaxTurns         int
	Attachments      string
	DependsOn        []string
	ChainID          string
	SourceSessionID  string
	FailureReason    FailureReason
	TaskRetryCount   int
	WorkerPID        int // non-zero only while status == in_progress
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsIndependent reports whether the task has no attached session, meaning
// it is scheduled against the independent-concurrency budget rather than a
// session/workdir occupancy slot.
func (t *Task) IsIndependent() bool {
	return t.SessionID == ""
}
