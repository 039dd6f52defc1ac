package session

// toolUseDirective is appended to every assembled prompt, instructing
// the assistant how to surface tool activity and status in a form the
// client proxy can render without bespoke per-tool parsing.
const toolUseDirective = `When you use a tool, briefly state your intent before invoking it. Keep a running status line of your current step as you work; update it whenever your focus shifts to a new file, command, or subtask.`

// baseDirective is the fixed preamble every turn's prompt starts with.
const baseDirective = `You are operating inside an orchestrated workspace. Work directly in the given working directory. Prefer small, verifiable steps over large speculative changes.`

// PromptBuilder composes the base directive, active-skill documents, and
// the fixed tool-use/status-line directives into the full system prompt
// handed to the subprocess runner. Assembled results are cached: at most
// 32 entries, keyed by skill-id-set fingerprint, insertion-ordered
// eviction, invalidated when a skill document changes on disk.
type PromptBuilder struct {
	skills *SkillStore
	cache  *promptCache
}

// NewPromptBuilder wires a PromptBuilder to the given skill store.
func NewPromptBuilder(skills *SkillStore) *PromptBuilder {
	return &PromptBuilder{
		skills: skills,
		cache:  newPromptCache(),
	}
}

// Build returns the assembled system prompt for the given set of active
// skill ids, serving from cache when the skill set and generation match
// a prior assembly.
func (b *PromptBuilder) Build(skillIDs []string) string {
	key := b.skills.Fingerprint(skillIDs)
	if cached, ok := b.cache.get(key); ok {
		return cached
	}

	assembled := assemblePrompt(baseDirective, b.skills.Load(skillIDs), toolUseDirective)
	b.cache.put(key, assembled)
	return assembled
}

func assemblePrompt(base, skillDocs, directives string) string {
	out := base
	if skillDocs != "" {
		out += "\n\n" + skillDocs
	}
	out += "\n\n" + directives
	return out
}
