// Package sandbox spawns isolated agent processes, streams their framed
// stdout protocol, and manages their lifecycle (idle timeout, hard deadline,
// graceful stop, orphan cleanup).
package sandbox

import "strings"

// Sentinel markers delimiting framed records on sandbox stdout. They must
// match the constants in the agent runner code inside the images.
const (
	OutputStartMarker = "---SANDCLAW_OUTPUT_START---"
	OutputEndMarker   = "---SANDCLAW_OUTPUT_END---"
)

// Input is the single JSON document written to sandbox stdin.
type Input struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId,omitempty"`
	GroupFolder     string            `json:"groupFolder"`
	ChatJID         string            `json:"chatJid"`
	IsMain          bool              `json:"isMain"`
	IsScheduledTask bool              `json:"isScheduledTask,omitempty"`
	AssistantName   string            `json:"assistantName,omitempty"`
	Model           string            `json:"model,omitempty"`
	// Secrets travel on stdin only. They are never written to mounted
	// files or the environment of child shells.
	Secrets map[string]string `json:"secrets,omitempty"`
}

// Statuses reported by the sandbox.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Output is one framed record decoded from sandbox stdout.
type Output struct {
	Status       string       `json:"status"`
	Result       *string      `json:"result"`
	NewSessionID string       `json:"newSessionId,omitempty"`
	Error        string       `json:"error,omitempty"`
	Model        string       `json:"model,omitempty"`
	Event        *StreamEvent `json:"event,omitempty"`
}

// Stream event types.
const (
	EventToolStart = "tool_start"
	EventTextDelta = "text_delta"
)

// StreamEvent is an incremental progress event inside an Output frame.
type StreamEvent struct {
	Type      string `json:"type"`
	ToolName  string `json:"toolName,omitempty"`
	ToolInput string `json:"toolInput,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Meaningful reports whether the frame should refresh the idle timer:
// final results and tool events count, session-keepalive frames do not.
func (o *Output) Meaningful() bool {
	return o.Result != nil || o.Event != nil
}

// ExtractFrames scans a buffer for complete marker pairs and returns the
// JSON payloads between them plus the number of bytes consumed. Bytes after
// an unmatched start marker stay in the caller's buffer for the next read;
// anything outside a pair is log noise.
func ExtractFrames(buf string) ([]string, int) {
	var results []string
	consumed := 0

	searchFrom := 0
	for {
		rel := strings.Index(buf[searchFrom:], OutputStartMarker)
		if rel < 0 {
			break
		}
		start := searchFrom + rel
		afterStart := start + len(OutputStartMarker)

		rel = strings.Index(buf[afterStart:], OutputEndMarker)
		if rel < 0 {
			break // incomplete pair, wait for more bytes
		}
		end := afterStart + rel

		results = append(results, strings.TrimSpace(buf[afterStart:end]))
		consumed = end + len(OutputEndMarker)
		searchFrom = consumed
	}

	return results, consumed
}
