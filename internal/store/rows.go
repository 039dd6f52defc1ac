package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agentforge/orchestrator/internal/model"
)

// sessionRow mirrors the sessions table for sqlx scanning; slice-typed
// model fields are stored as JSON text columns.
type sessionRow struct {
	ID           string    `db:"id"`
	Title        string    `db:"title"`
	ResumeToken  string    `db:"resume_token"`
	ActiveTools  string    `db:"active_tools"`
	ActiveSkills string    `db:"active_skills"`
	Mode         string    `db:"mode"`
	AgentMode    string    `db:"agent_mode"`
	Model        string    `db:"model"`
	Workdir      string    `db:"workdir"`
	LastUserMsg  string    `db:"last_user_msg"`
	RetryCount   int       `db:"retry_count"`
	PartialText  string    `db:"partial_text"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r sessionRow) toModel() *model.Session {
	var tools, skills []string
	_ = json.Unmarshal([]byte(r.ActiveTools), &tools)
	_ = json.Unmarshal([]byte(r.ActiveSkills), &skills)
	return &model.Session{
		ID:           r.ID,
		Title:        r.Title,
		ResumeToken:  r.ResumeToken,
		ActiveTools:  tools,
		ActiveSkills: skills,
		Mode:         r.Mode,
		AgentMode:    r.AgentMode,
		Model:        r.Model,
		Workdir:      r.Workdir,
		LastUserMsg:  r.LastUserMsg,
		RetryCount:   r.RetryCount,
		PartialText:  r.PartialText,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func sessionRowFrom(s *model.Session) sessionRow {
	tools, _ := json.Marshal(s.ActiveTools)
	skills, _ := json.Marshal(s.ActiveSkills)
	return sessionRow{
		ID:           s.ID,
		Title:        s.Title,
		ResumeToken:  s.ResumeToken,
		ActiveTools:  string(tools),
		ActiveSkills: string(skills),
		Mode:         s.Mode,
		AgentMode:    s.AgentMode,
		Model:        s.Model,
		Workdir:      s.Workdir,
		LastUserMsg:  s.LastUserMsg,
		RetryCount:   s.RetryCount,
		PartialText:  s.PartialText,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

type messageRow struct {
	ID          int64         `db:"id"`
	SessionID   string        `db:"session_id"`
	Role        string        `db:"role"`
	Type        string        `db:"type"`
	Content     string        `db:"content"`
	ToolName    string        `db:"tool_name"`
	AgentID     string        `db:"agent_id"`
	ReplyTo     sql.NullInt64 `db:"reply_to"`
	Attachments string        `db:"attachments"`
	CreatedAt   time.Time     `db:"created_at"`
}

func (r messageRow) toModel() *model.Message {
	m := &model.Message{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Role:        model.MessageRole(r.Role),
		Type:        model.MessageType(r.Type),
		Content:     r.Content,
		ToolName:    r.ToolName,
		AgentID:     r.AgentID,
		Attachments: r.Attachments,
		CreatedAt:   r.CreatedAt,
	}
	if r.ReplyTo.Valid {
		v := r.ReplyTo.Int64
		m.ReplyTo = &v
	}
	return m
}

type taskRow struct {
	ID              string    `db:"id"`
	Title           string    `db:"title"`
	Description     string    `db:"description"`
	Notes           string    `db:"notes"`
	Status          string    `db:"status"`
	SortOrder       int       `db:"sort_order"`
	SessionID       string    `db:"session_id"`
	Workdir         string    `db:"workdir"`
	Model           string    `db:"model"`
	Mode            string    `db:"mode"`
	AgentMode       string    `db:"agent_mode"`
	MaxTurns        int       `db:"max_turns"`
	Attachments     string    `db:"attachments"`
	DependsOn       string    `db:"depends_on"`
	ChainID         string    `db:"chain_id"`
	SourceSessionID string    `db:"source_session_id"`
	FailureReason   string    `db:"failure_reason"`
	TaskRetryCount  int       `db:"task_retry_count"`
	WorkerPID       int       `db:"worker_pid"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r taskRow) toModel() *model.Task {
	var deps []string
	_ = json.Unmarshal([]byte(r.DependsOn), &deps)
	return &model.Task{
		ID:              r.ID,
		Title:           r.Title,
		Description:     r.Description,
		Notes:           r.Notes,
		Status:          model.TaskStatus(r.Status),
		SortOrder:       r.SortOrder,
		SessionID:       r.SessionID,
		Workdir:         r.Workdir,
		Model:           r.Model,
		Mode:            r.Mode,
		AgentMode:       r.AgentMode,
		MaxTurns:        r.MaxTurns,
		Attachments:     r.Attachments,
		DependsOn:       deps,
		ChainID:         r.ChainID,
		SourceSessionID: r.SourceSessionID,
		FailureReason:   model.FailureReason(r.FailureReason),
		TaskRetryCount:  r.TaskRetryCount,
		WorkerPID:       r.WorkerPID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func taskRowFrom(t *model.Task) taskRow {
	deps, _ := json.Marshal(t.DependsOn)
	return taskRow{
		ID:              t.ID,
		Title:           t.Title,
		Description:     t.Description,
		Notes:           t.Notes,
		Status:          string(t.Status),
		SortOrder:       t.SortOrder,
		SessionID:       t.SessionID,
		Workdir:         t.Workdir,
		Model:           t.Model,
		Mode:            t.Mode,
		AgentMode:       t.AgentMode,
		MaxTurns:        t.MaxTurns,
		Attachments:     t.Attachments,
		DependsOn:       string(deps),
		ChainID:         t.ChainID,
		SourceSessionID: t.SourceSessionID,
		FailureReason:   string(t.FailureReason),
		TaskRetryCount:  t.TaskRetryCount,
		WorkerPID:       t.WorkerPID,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}
