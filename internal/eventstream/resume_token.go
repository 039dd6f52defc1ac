package eventstream

import "regexp"

// resumeTokenPattern is a best-effort salvage for a line that fails to
// parse as JSON (truncated output, a stray log line interleaved on
// stdout) but still carries a recognizable session identifier, so a
// resume token is not lost to one malformed line.
var resumeTokenPattern = regexp.MustCompile(`"(?:session_id|claude_session_id)"\s*:\s*"([^"]+)"`)

func salvageResumeToken(raw []byte) string {
	m := resumeTokenPattern.FindSubmatch(raw)
	if m == nil {
		return ""
	}
	return string(m[1])
}
