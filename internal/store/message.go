package store

import (
	"context"
	"fmt"

	"github.com/agentforge/orchestrator/internal/model"
)

// AppendMessage inserts a new message row and returns its assigned id.
func (s *Store) AppendMessage(ctx context.Context, msg *model.Message) (int64, error) {
	row := messageRow{
		SessionID:   msg.SessionID,
		Role:        string(msg.Role),
		Type:        string(msg.Type),
		Content:     msg.Content,
		ToolName:    msg.ToolName,
		AgentID:     msg.AgentID,
		Attachments: msg.Attachments,
		CreatedAt:   msg.CreatedAt,
	}
	if msg.ReplyTo != nil {
		row.ReplyTo.Valid = true
		row.ReplyTo.Int64 = *msg.ReplyTo
	}

	res, err := s.stmts.insertMessage.ExecContext(ctx, row)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return id, nil
}

// ListMessages returns every message for a session, in creation order,
// including tool-type entries used to reconstruct subprocess history.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*model.Message, error) {
	var rows []messageRow
	if err := s.stmts.listMessages.SelectContext(ctx, &rows, sessionID); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return toMessageModels(rows), nil
}

// ListChatMessages returns a page of a session's messages excluding
// tool-type entries, the feed a client-facing transcript replay uses.
// limit <= 0 returns everything from offset onward.
func (s *Store) ListChatMessages(ctx context.Context, sessionID string, limit, offset int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	var rows []messageRow
	if err := s.stmts.listChatOnly.SelectContext(ctx, &rows, sessionID, limit, offset); err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	return toMessageModels(rows), nil
}

func toMessageModels(rows []messageRow) []*model.Message {
	out := make([]*model.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

// SetPartialText persists the cumulative streamed text of an in-flight
// turn, batched by the caller to every Nth chunk per
// Store.PartialTextBatchEvery rather than on every delta.
func (s *Store) SetPartialText(ctx context.Context, sessionID, text string) error {
	_, err := s.writer.ExecContext(ctx, `UPDATE sessions SET partial_text = ? WHERE id = ?`, text, sessionID)
	if err != nil {
		return fmt.Errorf("set partial text: %w", err)
	}
	return nil
}

// ClearPartialText wipes the partial_text column, called on every
// terminal path of a turn (completion, error, or force-kill) so a
// resumed session never replays a stale in-flight fragment.
func (s *Store) ClearPartialText(ctx context.Context, sessionID string) error {
	return s.SetPartialText(ctx, sessionID, "")
}

// PartialTextBatchEvery reports the configured batching interval for
// streamed partial-text writes.
func (s *Store) PartialTextBatchEvery() int {
	return s.partialTextBatchEvery
}
