// Package stream defines the line-delimited JSON event protocol emitted by
// agent child processes and the helpers that parse, sanitize and price it.
//
// The child is executed with --output-format stream-json and writes one JSON
// event per stdout line. Unknown types and unparseable lines are preserved as
// raw events so the stream stays forward-compatible.
package stream

import (
	"encoding/json"
	"time"
)

// Event types.
const (
	TypeSystem     = "system"
	TypeUserPrompt = "user_prompt"
	TypeAssistant  = "assistant"
	TypeUser       = "user"
	TypeResult     = "result"
	TypeStderr     = "stderr"
	TypeRaw        = "raw"
	TypeDone       = "done"
	TypeDestroyed  = "destroyed"
)

// System event subtypes.
const (
	SubtypeInit          = "init"
	SubtypeCommandOutput = "command_output"
	SubtypeWatchdog      = "watchdog"
	SubtypePaused        = "paused"
	SubtypeResumed       = "resumed"
)

// Content block kinds inside assistant and user messages.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Event is one parsed line from the child's stdout stream, or a synthetic
// event produced by the supervisor (user_prompt, done, destroyed, watchdog).
// Type determines which fields are populated; unknown inputs become raw.
type Event struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system init events.
	SessionID string `json:"session_id,omitempty"`

	// For assistant and user events.
	Message *Message `json:"message,omitempty"`

	// For raw, stderr and user_prompt events.
	Text string `json:"text,omitempty"`

	// For result events.
	Result       string `json:"result,omitempty"`
	IsError      bool   `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
	NumTurns     int    `json:"num_turns,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`

	// For done events.
	ExitCode *int `json:"exit_code,omitempty"`

	// Timestamp is set by the supervisor at ingestion time.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Message is the nested assistant/user message payload.
type Message struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one block inside a message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks.
	Text string `json:"text,omitempty"`

	// For tool_use blocks.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// For tool_result blocks.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage contains token usage reported by the child.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// TokensIn returns input tokens including cache creation and cache reads,
// which is how the CLI accounts full context.
func (u *Usage) TokensIn() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// TokensOut returns output tokens.
func (u *Usage) TokensOut() int64 {
	if u == nil {
		return 0
	}
	return u.OutputTokens
}

// ParseLine parses one stdout line. Lines that are not valid JSON, or that
// decode to something without a type tag, are preserved as raw events.
func ParseLine(line []byte) Event {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		return Event{Type: TypeRaw, Text: string(line)}
	}
	return ev
}

// NewUserPrompt builds the synthetic event recorded at spawn time so that
// reconnecting subscribers see the original prompt even though it never came
// through stdout.
func NewUserPrompt(prompt string) Event {
	return Event{Type: TypeUserPrompt, Text: prompt, Timestamp: time.Now().UTC()}
}

// NewStderr builds a stderr event for one child stderr line.
func NewStderr(line string) Event {
	return Event{Type: TypeStderr, Text: line, Timestamp: time.Now().UTC()}
}

// NewDone builds the synthetic stream terminator carrying the exit code.
func NewDone(exitCode int) Event {
	return Event{Type: TypeDone, ExitCode: &exitCode, Timestamp: time.Now().UTC()}
}

// NewDestroyed builds the synthetic event delivered to listeners when an
// agent is torn down.
func NewDestroyed() Event {
	return Event{Type: TypeDestroyed, Timestamp: time.Now().UTC()}
}

// NewWatchdog builds a system event injected by the watchdog with a recovery
// hint for stalled agents.
func NewWatchdog(text string) Event {
	return Event{Type: TypeSystem, Subtype: SubtypeWatchdog, Text: text, Timestamp: time.Now().UTC()}
}

// HasActivityBlock reports whether an assistant event carries a text or
// tool_use block, which is the signal used to clear a stall.
func (e *Event) HasActivityBlock() bool {
	if e.Type != TypeAssistant || e.Message == nil {
		return false
	}
	for _, b := range e.Message.Content {
		if b.Type == BlockText || b.Type == BlockToolUse {
			return true
		}
	}
	return false
}
