package stream

import (
	"regexp"
	"strings"
)

// secretPatterns match credential material that must never reach disk or
// subscribers. Matches are replaced wholesale with a redaction marker.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{8,}`),           // Anthropic API keys
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),                // OpenAI-style keys
	regexp.MustCompile(`ghp_[A-Za-z0-9]{20,}`),               // GitHub PATs
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),       // fine-grained GitHub PATs
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),                   // AWS access key ids
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),       // Slack tokens
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{20,}`), // bearer tokens
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`), // JWTs
}

const redacted = "[REDACTED]"

// SanitizeText strips known secret patterns from s.
func SanitizeText(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

// Sanitize returns a copy of ev with secret patterns stripped from every
// text-bearing field. The original event is not modified.
func Sanitize(ev Event) Event {
	ev.Text = SanitizeText(ev.Text)
	ev.Result = SanitizeText(ev.Result)
	if ev.Message != nil {
		msg := *ev.Message
		if len(msg.Content) > 0 {
			blocks := make([]ContentBlock, len(msg.Content))
			copy(blocks, msg.Content)
			for i := range blocks {
				blocks[i].Text = SanitizeText(blocks[i].Text)
				if len(blocks[i].Input) > 0 {
					blocks[i].Input = []byte(SanitizeText(string(blocks[i].Input)))
				}
				if len(blocks[i].Content) > 0 {
					blocks[i].Content = []byte(SanitizeText(string(blocks[i].Content)))
				}
			}
			msg.Content = blocks
		}
		ev.Message = &msg
	}
	return ev
}

// stderrNoise lists startup warnings from the CLI runtime that are discarded
// instead of becoming stderr events.
var stderrNoise = []string{
	"ExperimentalWarning",
	"punycode",
	"DeprecationWarning",
	"--trace-warnings",
	"Debugger attached",
	"Waiting for the debugger",
}

// IsStderrNoise reports whether a stderr line matches the noise allowlist.
func IsStderrNoise(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	for _, marker := range stderrNoise {
		if strings.Contains(trimmed, marker) {
			return true
		}
	}
	return false
}
