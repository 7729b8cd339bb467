// Package ipc implements the filesystem bridge between sandboxes and the
// host core. Each group gets a namespace under {data_root}/ipc/{folder}/
// with five directories:
//
//   - input/      follow-up prompts piped into a running sandbox
//   - messages/   outbound chat messages emitted by the sandbox
//   - tasks/      task-lifecycle requests emitted by the sandbox
//   - queries/    host-side lookups, answered in responses/
//   - responses/  query answers keyed by the request uuid
//
// All writes are atomic by rename (write X.tmp, rename to X) so readers
// never observe partial files. Malformed files move to a sibling errors/
// directory for diagnosis.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// CloseSentinel is the input/ file name requesting graceful sandbox exit
// after draining remaining input files.
const CloseSentinel = "_close"

// Message is an outbound chat message emitted by a sandbox.
type Message struct {
	Type        string `json:"type"`
	ChatJID     string `json:"chatJid"`
	Text        string `json:"text"`
	Sender      string `json:"sender,omitempty"`
	GroupFolder string `json:"groupFolder,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// Task request types accepted in tasks/.
const (
	TaskSchedule      = "schedule_task"
	TaskPause         = "pause_task"
	TaskResume        = "resume_task"
	TaskCancel        = "cancel_task"
	TaskRegisterGroup = "register_group"
)

// Task is a task-lifecycle request emitted by a sandbox.
type Task struct {
	Type string `json:"type"`

	// schedule_task fields.
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`
	TargetJID     string `json:"targetJid,omitempty"`

	// pause/resume/cancel fields.
	TaskID string `json:"taskId,omitempty"`

	// register_group fields.
	JID     string `json:"jid,omitempty"`
	Name    string `json:"name,omitempty"`
	Folder  string `json:"folder,omitempty"`
	Trigger string `json:"trigger,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

// Query is a host-side lookup request from a sandbox.
type Query struct {
	UUID   string          `json:"uuid"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// QueryResponse answers a Query, written to responses/{uuid}.json.
type QueryResponse struct {
	Status string `json:"status"`
	Result string `json:"result"`
}

// OKResponse builds a success response.
func OKResponse(result string) QueryResponse {
	return QueryResponse{Status: "ok", Result: result}
}

// ErrorResponse builds an error response.
func ErrorResponse(result string) QueryResponse {
	return QueryResponse{Status: "error", Result: result}
}

// GroupDir returns the IPC namespace for a group.
func GroupDir(dataRoot, folder string) string {
	return filepath.Join(dataRoot, "ipc", folder)
}

// WriteAtomic writes data to path via a temp file and rename.
func WriteAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ipc dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ipc temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename ipc file: %w", err)
	}
	return nil
}

// WriteInput drops a follow-up prompt into a group's input/ directory.
// File names are timestamp-ordered so sandboxes drain them in order.
func WriteInput(dataRoot, folder, text string) error {
	payload, err := json.Marshal(map[string]string{"type": "message", "text": text})
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixMilli(), uuid.NewString()[:8])
	return WriteAtomic(filepath.Join(GroupDir(dataRoot, folder), "input", name), payload)
}

// WriteCloseSentinel asks the group's running sandbox to exit after
// draining its remaining input files.
func WriteCloseSentinel(dataRoot, folder string) error {
	dir := filepath.Join(GroupDir(dataRoot, folder), "input")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create input dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, CloseSentinel), nil, 0o644)
}

// WriteSnapshot stores a JSON snapshot file (current tasks, available
// groups) in the group's IPC namespace for sandbox consumption.
func WriteSnapshot(dataRoot, folder, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", name, err)
	}
	return WriteAtomic(filepath.Join(GroupDir(dataRoot, folder), name), data)
}
