package subprocess

import "strconv"

// argBuilder assembles the assistant binary's command-line arguments with
// a small fluent API, grounded in the same append-if-non-empty shape used
// throughout the corpus's CLI adapters.
type argBuilder struct {
	args []string
}

func newArgBuilder() *argBuilder {
	return &argBuilder{}
}

func (b *argBuilder) flag(name, value string) *argBuilder {
	if value == "" {
		return b
	}
	b.args = append(b.args, name, value)
	return b
}

func (b *argBuilder) bare(name string) *argBuilder {
	b.args = append(b.args, name)
	return b
}

func (b *argBuilder) build() []string {
	return b.args
}

// buildArgs computes the invocation argument vector per the launch
// contract: resume token, model alias, max-turns cap, system prompt,
// allowed-tools list, tool-config file path, streaming-output flag,
// permission-bypass flag, and finally the prompt itself.
func buildArgs(p InvokeParams, toolConfigPath string) []string {
	b := newArgBuilder()

	b.flag("--resume", p.ResumeToken)
	b.flag("--model", p.Model)
	if p.MaxTurns > 0 {
		b.flag("--max-turns", strconv.Itoa(p.MaxTurns))
	}
	b.flag("--system-prompt", p.SystemPrompt)
	if len(p.AllowedTools) > 0 {
		b.flag("--allowedTools", joinComma(p.AllowedTools))
	}
	b.flag("--tool-config", toolConfigPath)
	b.flag("--output-format", "stream-json")
	b.bare("--dangerously-skip-permissions")
	b.flag("--prompt", p.Prompt)

	return b.build()
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
