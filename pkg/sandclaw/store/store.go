// Package store provides the persistence layer for the orchestrator.
// It defines the Store capability consumed by the dispatch engine and two
// backend implementations: SQLite (default, zero-config) and PostgreSQL.
//
// All timestamps are RFC3339 UTC strings. They are stored as TEXT so that
// lexicographic ordering in SQL matches the orchestrator's cursor ordering
// exactly, on both backends.
package store

import (
	"context"
	"time"
)

// Message is an inbound or assistant chat message.
type Message struct {
	ID         string `json:"id"`
	ChatJID    string `json:"chat_jid"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
	FromMe     bool   `json:"is_from_me"`
	FromBot    bool   `json:"is_bot_message"`
}

// Group is a registered chat.
type Group struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	Folder          string `json:"folder"`
	Trigger         string `json:"trigger"`
	AddedAt         string `json:"added_at"`
	RequiresTrigger bool   `json:"requires_trigger"`
	Runtime         string `json:"runtime,omitempty"`
	Model           string `json:"model,omitempty"`

	// SandboxConfig carries per-group sandbox options (additional mounts,
	// timeout override) as raw JSON, validated by the sandbox package.
	SandboxConfig string `json:"sandbox_config,omitempty"`
}

// Task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
	TaskCancelled = "cancelled"
)

// Schedule kinds.
const (
	ScheduleCron     = "cron"
	ScheduleInterval = "interval"
	ScheduleOnce     = "once"
)

// ScheduledTask is a recurring or one-shot prompt owned by a group.
type ScheduledTask struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"group_folder"`
	ChatJID       string `json:"chat_jid"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode"`
	NextRun       string `json:"next_run,omitempty"`
	LastRun       string `json:"last_run,omitempty"`
	LastResult    string `json:"last_result,omitempty"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}

// TaskRunLog records one execution of a scheduled task.
type TaskRunLog struct {
	TaskID     string `json:"task_id"`
	RunAt      string `json:"run_at"`
	DurationMs int64  `json:"duration_ms"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// TaskUpdate carries the mutable fields of a task. Nil pointers are left
// unchanged.
type TaskUpdate struct {
	Prompt        *string
	ScheduleType  *string
	ScheduleValue *string
	NextRun       *string
	Status        *string
}

// Store is the persistence capability consumed by the orchestrator core.
type Store interface {
	Close() error

	// Chats and messages.
	StoreChatMetadata(ctx context.Context, jid, name, timestamp, channel string, isGroup bool) error
	StoreMessage(ctx context.Context, msg *Message) error
	// GetNewMessages returns non-bot messages newer than sinceTS across the
	// given JIDs, in timestamp order, plus the newest timestamp observed.
	GetNewMessages(ctx context.Context, jids []string, sinceTS, botPrefix string) ([]Message, string, error)
	// GetMessagesSince returns non-bot messages for one chat newer than sinceTS.
	GetMessagesSince(ctx context.Context, chatJID, sinceTS, botPrefix string) ([]Message, error)

	// Router cursor state.
	GetRouterState(ctx context.Context, key string) (string, error)
	SetRouterState(ctx context.Context, key, value string) error

	// Sessions.
	GetAllSessions(ctx context.Context) (map[string]string, error)
	SetSession(ctx context.Context, folder, sessionID string) error
	DeleteSession(ctx context.Context, folder string) error

	// Registered groups.
	GetRegisteredGroups(ctx context.Context) (map[string]Group, error)
	SetRegisteredGroup(ctx context.Context, g *Group) error

	// Scheduled tasks.
	CreateTask(ctx context.Context, t *ScheduledTask) error
	GetTaskByID(ctx context.Context, id string) (*ScheduledTask, error)
	GetTasksForGroup(ctx context.Context, folder string) ([]ScheduledTask, error)
	UpdateTask(ctx context.Context, id string, u *TaskUpdate) error
	DeleteTask(ctx context.Context, id string) error
	GetDueTasks(ctx context.Context, now string) ([]ScheduledTask, error)
	UpdateTaskAfterRun(ctx context.Context, id, nextRun, lastResult string) error
	LogTaskRun(ctx context.Context, l *TaskRunLog) error
}

// Now returns the current time as an RFC3339 UTC string, the canonical
// timestamp format everywhere in the store.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
