package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the default zero-config backend.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chats (
  jid TEXT PRIMARY KEY,
  name TEXT,
  last_message_time TEXT,
  channel TEXT,
  is_group INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
  id TEXT NOT NULL,
  chat_jid TEXT NOT NULL,
  sender TEXT,
  sender_name TEXT,
  content TEXT,
  timestamp TEXT NOT NULL,
  is_from_me INTEGER DEFAULT 0,
  is_bot_message INTEGER DEFAULT 0,
  PRIMARY KEY (id, chat_jid)
);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  group_folder TEXT NOT NULL,
  chat_jid TEXT NOT NULL,
  prompt TEXT NOT NULL,
  schedule_type TEXT NOT NULL,
  schedule_value TEXT NOT NULL,
  context_mode TEXT DEFAULT 'isolated',
  next_run TEXT,
  last_run TEXT,
  last_result TEXT,
  status TEXT DEFAULT 'active',
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON scheduled_tasks(next_run);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON scheduled_tasks(status);

CREATE TABLE IF NOT EXISTS task_run_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  run_at TEXT NOT NULL,
  duration_ms INTEGER NOT NULL,
  status TEXT NOT NULL,
  result TEXT,
  error TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_run_logs_task ON task_run_logs(task_id, run_at);

CREATE TABLE IF NOT EXISTS router_state (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
  group_folder TEXT PRIMARY KEY,
  session_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS registered_groups (
  jid TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  folder TEXT NOT NULL UNIQUE,
  trigger_pattern TEXT NOT NULL,
  added_at TEXT NOT NULL,
  requires_trigger INTEGER DEFAULT 1,
  runtime TEXT,
  model TEXT,
  sandbox_config TEXT
);
`

// OpenSQLite opens or creates the SQLite store at path with WAL enabled.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) StoreChatMetadata(ctx context.Context, jid, name, timestamp, channel string, isGroup bool) error {
	if name == "" {
		name = jid
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, name, last_message_time, channel, is_group)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
		  name = CASE WHEN excluded.name != excluded.jid THEN excluded.name ELSE chats.name END,
		  last_message_time = MAX(chats.last_message_time, excluded.last_message_time),
		  channel = COALESCE(NULLIF(excluded.channel, ''), chats.channel),
		  is_group = excluded.is_group`,
		jid, name, timestamp, channel, boolInt(isGroup))
	if err != nil {
		return fmt.Errorf("store chat metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStore) StoreMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, chat_jid) DO UPDATE SET
		  content = excluded.content,
		  is_bot_message = excluded.is_bot_message`,
		msg.ID, msg.ChatJID, msg.Sender, msg.SenderName, msg.Content, msg.Timestamp,
		boolInt(msg.FromMe), boolInt(msg.FromBot))
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetNewMessages(ctx context.Context, jids []string, sinceTS, botPrefix string) ([]Message, string, error) {
	if len(jids) == 0 {
		return nil, sinceTS, nil
	}

	placeholders := strings.Repeat("?,", len(jids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(jids)+2)
	args = append(args, sinceTS)
	for _, jid := range jids {
		args = append(args, jid)
	}
	args = append(args, botPrefix+":%")

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp
		FROM messages
		WHERE timestamp > ? AND chat_jid IN (%s)
		  AND is_bot_message = 0 AND content NOT LIKE ?
		  AND content != '' AND content IS NOT NULL
		ORDER BY timestamp`, placeholders), args...)
	if err != nil {
		return nil, sinceTS, fmt.Errorf("get new messages: %w", err)
	}
	defer rows.Close()

	newest := sinceTS
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp); err != nil {
			return nil, sinceTS, fmt.Errorf("scan message: %w", err)
		}
		if m.Timestamp > newest {
			newest = m.Timestamp
		}
		out = append(out, m)
	}
	return out, newest, rows.Err()
}

func (s *SQLiteStore) GetMessagesSince(ctx context.Context, chatJID, sinceTS, botPrefix string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_jid, sender, sender_name, content, timestamp
		FROM messages
		WHERE chat_jid = ? AND timestamp > ?
		  AND is_bot_message = 0 AND content NOT LIKE ?
		  AND content != '' AND content IS NOT NULL
		ORDER BY timestamp`,
		chatJID, sinceTS, botPrefix+":%")
	if err != nil {
		return nil, fmt.Errorf("get messages since: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetRouterState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM router_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get router state %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) SetRouterState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set router state %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) GetAllSessions(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT group_folder, session_id FROM sessions")
	if err != nil {
		return nil, fmt.Errorf("get sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var folder, id string
		if err := rows.Scan(&folder, &id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out[folder] = id
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetSession(ctx context.Context, folder, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (group_folder, session_id) VALUES (?, ?)
		ON CONFLICT(group_folder) DO UPDATE SET session_id = excluded.session_id`,
		folder, sessionID)
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, folder string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE group_folder = ?", folder)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRegisteredGroups(ctx context.Context) (map[string]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, name, folder, trigger_pattern, added_at, requires_trigger,
		       COALESCE(runtime, ''), COALESCE(model, ''), COALESCE(sandbox_config, '')
		FROM registered_groups`)
	if err != nil {
		return nil, fmt.Errorf("get registered groups: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Group)
	for rows.Next() {
		var g Group
		var requiresTrigger int
		if err := rows.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &g.AddedAt,
			&requiresTrigger, &g.Runtime, &g.Model, &g.SandboxConfig); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g.RequiresTrigger = requiresTrigger != 0
		out[g.JID] = g
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetRegisteredGroup(ctx context.Context, g *Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registered_groups
		  (jid, name, folder, trigger_pattern, added_at, requires_trigger, runtime, model, sandbox_config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
		  name = excluded.name,
		  folder = excluded.folder,
		  trigger_pattern = excluded.trigger_pattern,
		  requires_trigger = excluded.requires_trigger,
		  runtime = excluded.runtime,
		  model = excluded.model,
		  sandbox_config = excluded.sandbox_config`,
		g.JID, g.Name, g.Folder, g.Trigger, g.AddedAt,
		boolInt(g.RequiresTrigger), g.Runtime, g.Model, g.SandboxConfig)
	if err != nil {
		return fmt.Errorf("set registered group: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
		  (id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, nullable(t.NextRun), t.Status, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTaskByID(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
		       COALESCE(next_run, ''), COALESCE(last_run, ''), COALESCE(last_result, ''), status, created_at
		FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", id, err)
	}
	return t, nil
}

func (s *SQLiteStore) GetTasksForGroup(ctx context.Context, folder string) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
		       COALESCE(next_run, ''), COALESCE(last_run, ''), COALESCE(last_result, ''), status, created_at
		FROM scheduled_tasks WHERE group_folder = ? ORDER BY created_at DESC`, folder)
	if err != nil {
		return nil, fmt.Errorf("get tasks for group: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, u *TaskUpdate) error {
	sets, args := buildTaskUpdate(u, func(int) string { return "?" })
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE scheduled_tasks SET %s WHERE id = ?", strings.Join(sets, ", ")),
		args...)
	if err != nil {
		return fmt.Errorf("update task %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM task_run_logs WHERE task_id = ?", id); err != nil {
		return fmt.Errorf("delete task logs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDueTasks(ctx context.Context, now string) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
		       COALESCE(next_run, ''), COALESCE(last_run, ''), COALESCE(last_result, ''), status, created_at
		FROM scheduled_tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run != '' AND next_run <= ?
		ORDER BY next_run`, now)
	if err != nil {
		return nil, fmt.Errorf("get due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *SQLiteStore) UpdateTaskAfterRun(ctx context.Context, id, nextRun, lastResult string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET next_run = ?, last_run = ?, last_result = ?,
		    status = CASE WHEN ? = '' THEN 'completed' ELSE status END
		WHERE id = ?`,
		nullable(nextRun), Now(), lastResult, nextRun, id)
	if err != nil {
		return fmt.Errorf("update task after run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LogTaskRun(ctx context.Context, l *TaskRunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.TaskID, l.RunAt, l.DurationMs, l.Status, l.Result, l.Error)
	if err != nil {
		return fmt.Errorf("log task run: %w", err)
	}
	return nil
}

// ---------- shared row helpers ----------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	err := r.Scan(&t.ID, &t.GroupFolder, &t.ChatJID, &t.Prompt, &t.ScheduleType,
		&t.ScheduleValue, &t.ContextMode, &t.NextRun, &t.LastRun, &t.LastResult,
		&t.Status, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// buildTaskUpdate assembles SET clauses for the non-nil fields of u.
// placeholder maps a 1-based parameter index to the dialect's placeholder.
func buildTaskUpdate(u *TaskUpdate, placeholder func(int) string) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = %s", col, placeholder(len(args)+1)))
		args = append(args, v)
	}
	if u.Prompt != nil {
		add("prompt", *u.Prompt)
	}
	if u.ScheduleType != nil {
		add("schedule_type", *u.ScheduleType)
	}
	if u.ScheduleValue != nil {
		add("schedule_value", *u.ScheduleValue)
	}
	if u.NextRun != nil {
		add("next_run", nullable(*u.NextRun))
	}
	if u.Status != nil {
		add("status", *u.Status)
	}
	return sets, args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*SQLiteStore)(nil)
