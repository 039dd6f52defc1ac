package eventstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
)

// MaxLineBytes is the default defensive cap on a single accumulated line
// before it is dropped and the accumulator reset, per the framing rule:
// absent newlines must not grow memory without bound.
const MaxLineBytes = 10 * 1024 * 1024

// wireMessage is the on-the-wire shape emitted by the assistant binary.
// Only one of its groups of fields is populated per Type.
type wireMessage struct {
	Type string `json:"type"`

	// type == "system": session assignment
	SessionID string `json:"session_id,omitempty"`

	// type == "message_start": nothing further needed

	// type == "content_block_start"
	Index        int              `json:"index,omitempty"`
	ContentBlock *wireContentBlock `json:"content_block,omitempty"`

	// type == "content_block_delta"
	Delta *wireDelta `json:"delta,omitempty"`

	// type == "assistant": finalized message
	Message *wireAssistantMessage `json:"message,omitempty"`

	// type == "rate_limit"
	RateLimit map[string]any `json:"rate_limit,omitempty"`

	// type == "result"
	Subtype    string         `json:"subtype,omitempty"`
	NumTurns   int            `json:"num_turns,omitempty"`
	BudgetInfo map[string]any `json:"budget_info,omitempty"`
}

type wireContentBlock struct {
	Type     string          `json:"type"` // "text", "thinking", "tool_use"
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

type wireDelta struct {
	Type          string `json:"type"` // "text_delta", "thinking_delta"
	Text          string `json:"text,omitempty"`
	ThinkingDelta string `json:"thinking,omitempty"`
}

type wireAssistantMessage struct {
	Content []wireContentBlock `json:"content"`
}

// Decoder tracks the per-turn streaming state the framing and semantic
// rules depend on: which block indices have already been covered by
// deltas (so a trailing finalized AssistantMessage does not re-emit
// them), and whether the next text block needs a "\n\n" separator
// because a tool ran since the last text was emitted.
type Decoder struct {
	maxLineBytes int

	seenBlocks       map[int]bool
	sawText          bool // any text emitted this turn, pre- or post-tool
	sawToolSinceText bool
	highestTextIdx   int
}

// NewDecoder returns a Decoder ready to process a single subprocess's
// output stream.
func NewDecoder() *Decoder {
	return &Decoder{
		maxLineBytes: MaxLineBytes,
		seenBlocks:   make(map[int]bool),
	}
}

// NewDecoderSize is NewDecoder with a non-default line cap; maxLineBytes
// <= 0 falls back to MaxLineBytes.
func NewDecoderSize(maxLineBytes int) *Decoder {
	d := NewDecoder()
	if maxLineBytes > 0 {
		d.maxLineBytes = maxLineBytes
	}
	return d
}

// Decode reads newline-framed JSON from r until EOF, ctx cancellation, or
// a read error, invoking emit for every decoded event in order. It never
// returns an error for malformed input: an unparseable line becomes an
// Unknown event, preceded by a SessionAssigned event when a resume token
// can be salvaged from its raw bytes.
func (d *Decoder) Decode(ctx context.Context, r io.Reader, emit func(Event)) error {
	br := bufio.NewReaderSize(r, 64*1024)

	var line []byte
	dropping := false

	flush := func(final bool) {
		if dropping {
			dropping = false
			return
		}
		if len(line) == 0 {
			return
		}
		d.decodeLine(line, final, emit)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		chunk, err := br.ReadSlice('\n')
		// ReadSlice returns err == bufio.ErrBufferFull when its internal
		// buffer fills without hitting a delimiter; that is not itself a
		// line-too-long condition since chunk still holds valid bytes, so
		// it is folded into the same accumulate-and-check-length path as
		// a normal partial read.
		if len(chunk) > 0 {
			trimmed := chunk
			if trimmed[len(trimmed)-1] == '\n' {
				trimmed = trimmed[:len(trimmed)-1]
				if len(trimmed) > 0 && trimmed[len(trimmed)-1] == '\r' {
					trimmed = trimmed[:len(trimmed)-1]
				}
			}
			if !dropping {
				if len(line)+len(trimmed) > d.maxLineBytes {
					dropping = true
					line = line[:0]
				} else {
					line = append(line, trimmed...)
				}
			}
		}

		if err == nil {
			flush(false)
			line = line[:0]
			continue
		}

		if err == io.EOF {
			flush(true)
			return nil
		}
		if err == bufio.ErrBufferFull {
			// no delimiter yet; keep accumulating
			continue
		}
		return err
	}
}

func (d *Decoder) decodeLine(raw []byte, final bool, emit func(Event)) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		if token := salvageResumeToken(raw); token != "" {
			emit(SessionAssigned{Token: token})
		}
		emit(Unknown{Raw: append([]byte(nil), raw...), Final: final})
		return
	}

	switch msg.Type {
	case "system":
		if msg.SessionID != "" {
			emit(SessionAssigned{Token: msg.SessionID})
		}

	case "message_start":
		// Only the dedup set is turn-scoped; sawText/sawToolSinceText
		// persist across the boundary so a tool that ran at the end of one
		// turn still forces a separator on the next turn's first text
		// block even though its index has reset to zero.
		d.seenBlocks = make(map[int]bool)
		emit(MessageStart{})

	case "content_block_start":
		if msg.ContentBlock == nil {
			return
		}
		kind := msg.ContentBlock.Type
		sep := false
		if kind == "text" {
			if d.sawText && (msg.Index > d.highestTextIdx || d.sawToolSinceText) {
				sep = true
			}
		}
		emit(BlockStart{BlockIndex: msg.Index, Kind: kind, Separator: sep})

		switch kind {
		case "tool_use":
			d.sawToolSinceText = true
			emit(ToolUse{Name: msg.ContentBlock.Name, InputJSON: msg.ContentBlock.Input})
		case "text":
			if msg.ContentBlock.Text != "" {
				d.seenBlocks[msg.Index] = true
				d.sawText = true
				d.sawToolSinceText = false
				if msg.Index > d.highestTextIdx {
					d.highestTextIdx = msg.Index
				}
				emit(TextDelta{BlockIndex: msg.Index, Text: msg.ContentBlock.Text})
			}
		case "thinking":
			if msg.ContentBlock.Thinking != "" {
				d.seenBlocks[msg.Index] = true
				emit(ThinkingDelta{BlockIndex: msg.Index, Text: msg.ContentBlock.Thinking})
			}
		}

	case "content_block_delta":
		if msg.Delta == nil {
			return
		}
		switch msg.Delta.Type {
		case "text_delta":
			d.seenBlocks[msg.Index] = true
			d.sawText = true
			d.sawToolSinceText = false
			if msg.Index > d.highestTextIdx {
				d.highestTextIdx = msg.Index
			}
			emit(TextDelta{BlockIndex: msg.Index, Text: msg.Delta.Text})
		case "thinking_delta":
			d.seenBlocks[msg.Index] = true
			emit(ThinkingDelta{BlockIndex: msg.Index, Text: msg.Delta.ThinkingDelta})
		}

	case "assistant":
		if msg.Message == nil {
			return
		}
		var blocks []ContentBlock
		for i, b := range msg.Message.Content {
			if d.seenBlocks[i] {
				continue
			}
			blocks = append(blocks, ContentBlock{
				Type: b.Type, Text: b.Text, Thinking: b.Thinking,
				Name: b.Name, Input: b.Input,
			})
		}
		emit(AssistantMessage{Blocks: blocks})

	case "rate_limit":
		emit(RateLimit{Info: msg.RateLimit})

	case "result":
		emit(Result{Subtype: msg.Subtype, NumTurns: msg.NumTurns, BudgetInfo: msg.BudgetInfo})

	default:
		emit(Unknown{Raw: append([]byte(nil), raw...), Final: final})
	}
}
