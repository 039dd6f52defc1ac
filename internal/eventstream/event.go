// Package eventstream decodes the newline-framed JSON event stream written
// to an assistant subprocess's standard output into the typed event
// sequence the session runner drives turns from.
package eventstream

import "encoding/json"

// Event is the common interface implemented by every decoded event.
type Event interface {
	eventKind() string
}

// SessionAssigned carries the assistant-resume-token (called
// claude_session_id by the upstream binary) issued for a new session.
type SessionAssigned struct {
	Token string
}

func (SessionAssigned) eventKind() string { return "session_assigned" }

// TextDelta is an authoritative streamed chunk of visible text belonging
// to the content block at BlockIndex.
type TextDelta struct {
	BlockIndex int
	Text       string
}

func (TextDelta) eventKind() string { return "text_delta" }

// ThinkingDelta is a streamed chunk of the model's internal reasoning.
type ThinkingDelta struct {
	BlockIndex int
	Text       string
}

func (ThinkingDelta) eventKind() string { return "thinking_delta" }

// ToolUse announces an invocation of a named tool with its raw JSON input.
type ToolUse struct {
	Name      string
	InputJSON json.RawMessage
}

func (ToolUse) eventKind() string { return "tool_use" }

// BlockStart announces the start of a new content block of the given
// kind ("text", "thinking", "tool_use") at BlockIndex.
type BlockStart struct {
	BlockIndex int
	Kind       string
	// Separator is true when the decoder determined this block follows a
	// prior text block (same turn at a higher index, or a fresh turn whose
	// index reset to zero after a tool ran) and a "\n\n" must be inserted
	// before the block's own text so post-tool text never runs into
	// pre-tool text.
	Separator bool
}

func (BlockStart) eventKind() string { return "block_start" }

// MessageStart marks the beginning of a new assistant message, resetting
// the decoder's per-turn block-index bookkeeping.
type MessageStart struct{}

func (MessageStart) eventKind() string { return "message_start" }

// ContentBlock is one block of a finalized AssistantMessage.
type ContentBlock struct {
	Type     string
	Text     string
	Thinking string
	Name     string
	Input    json.RawMessage
}

// AssistantMessage is the finalized, non-streaming form of an assistant
// turn. Blocks already covered by TextDelta/ThinkingDelta (tracked via the
// decoder's seen-block-index set) are omitted so nothing is re-emitted.
type AssistantMessage struct {
	Blocks []ContentBlock
}

func (AssistantMessage) eventKind() string { return "assistant_message" }

// RateLimit surfaces an upstream rate-limit notice, opaque beyond its
// subtype and raw payload since the budget fields vary by assistant.
type RateLimit struct {
	Info map[string]any
}

func (RateLimit) eventKind() string { return "rate_limit" }

// Result is the terminal event of a turn.
type Result struct {
	Subtype    string // "success", "error_max_turns", "error_other", ...
	NumTurns   int
	BudgetInfo map[string]any
}

func (Result) eventKind() string { return "result" }

// Unknown carries a line that parsed as JSON but matched no recognized
// event shape, or that failed to parse as JSON entirely.
type Unknown struct {
	Raw []byte
	// Final marks the stream's terminal flush: a trailing line the reader
	// delivered at EOF without a newline. Consumers surface a Final line
	// as plain text (it is usually truncated real output); every other
	// Unknown is diagnostic only.
	Final bool
}

func (Unknown) eventKind() string { return "unknown" }
