package subprocess

import "strings"

// dropEnvKeys lists variables stripped from the inherited environment
// because they either mark the shell as non-interactive in a way the
// assistant binary treats as a reason to refuse to run, or force an
// interactive first-run configuration wizard that would hang forever
// with no attached terminal.
var dropEnvKeys = map[string]bool{
	"CI":                   true,
	"DEBIAN_FRONTEND":      true,
	"CLAUDE_CONFIG_WIZARD": true,
}

// filterEnv returns env with the drop-listed keys removed, preserving
// order and all other inherited variables (including credentials the
// assistant binary needs, e.g. API keys).
func filterEnv(env []string, extra []string) []string {
	out := make([]string, 0, len(env)+len(extra))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if dropEnvKeys[key] {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, extra...)
	return out
}
