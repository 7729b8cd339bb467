package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore backs the Store capability with PostgreSQL via pgx.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS chats (
  jid TEXT PRIMARY KEY,
  name TEXT,
  last_message_time TEXT,
  channel TEXT,
  is_group BOOLEAN DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS messages (
  id TEXT NOT NULL,
  chat_jid TEXT NOT NULL,
  sender TEXT,
  sender_name TEXT,
  content TEXT,
  timestamp TEXT NOT NULL,
  is_from_me BOOLEAN DEFAULT FALSE,
  is_bot_message BOOLEAN DEFAULT FALSE,
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
  id SERIAL PRIMARY KEY,
  task_id TEXT NOT NULL,
  run_at TEXT NOT NULL,
  duration_ms BIGINT NOT NULL,
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
  requires_trigger BOOLEAN DEFAULT TRUE,
  runtime TEXT,
  model TEXT,
  sandbox_config TEXT
);
`

// OpenPostgres connects to PostgreSQL and ensures the schema exists.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres store: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	db.SetMaxOpenConns(8)
	return &PostgresStore{db: db}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) StoreChatMetadata(ctx context.Context, jid, name, timestamp, channel string, isGroup bool) error {
	if name == "" {
		name = jid
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, name, last_message_time, channel, is_group)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (jid) DO UPDATE SET
		  name = CASE WHEN EXCLUDED.name != EXCLUDED.jid THEN EXCLUDED.name ELSE chats.name END,
		  last_message_time = GREATEST(chats.last_message_time, EXCLUDED.last_message_time),
		  channel = COALESCE(NULLIF(EXCLUDED.channel, ''), chats.channel),
		  is_group = EXCLUDED.is_group`,
		jid, name, timestamp, channel, isGroup)
	if err != nil {
		return fmt.Errorf("store chat metadata: %w", err)
	}
	return nil
}

func (s *PostgresStore) StoreMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_jid, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id, chat_jid) DO UPDATE SET
		  content = EXCLUDED.content,
		  is_bot_message = EXCLUDED.is_bot_message`,
		msg.ID, msg.ChatJID, msg.Sender, msg.SenderName, msg.Content, msg.Timestamp,
		msg.FromMe, msg.FromBot)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNewMessages(ctx context.Context, jids []string, sinceTS, botPrefix string) ([]Message, string, error) {
	if len(jids) == 0 {
		return nil, sinceTS, nil
	}

	placeholders := make([]string, len(jids))
	args := make([]any, 0, len(jids)+2)
	args = append(args, sinceTS)
	for i, jid := range jids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, jid)
	}
	args = append(args, botPrefix+":%")
	botIdx := len(jids) + 2

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp
		FROM messages
		WHERE timestamp > $1 AND chat_jid IN (%s)
		  AND is_bot_message = FALSE AND content NOT LIKE $%d
		  AND content != '' AND content IS NOT NULL
		ORDER BY timestamp`, strings.Join(placeholders, ", "), botIdx), args...)
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

func (s *PostgresStore) GetMessagesSince(ctx context.Context, chatJID, sinceTS, botPrefix string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_jid, sender, sender_name, content, timestamp
		FROM messages
		WHERE chat_jid = $1 AND timestamp > $2
		  AND is_bot_message = FALSE AND content NOT LIKE $3
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

func (s *PostgresStore) GetRouterState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM router_state WHERE key = $1", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get router state %q: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) SetRouterState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO router_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set router state %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) GetAllSessions(ctx context.Context) (map[string]string, error) {
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

func (s *PostgresStore) SetSession(ctx context.Context, folder, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (group_folder, session_id) VALUES ($1, $2)
		ON CONFLICT (group_folder) DO UPDATE SET session_id = EXCLUDED.session_id`,
		folder, sessionID)
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, folder string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE group_folder = $1", folder)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRegisteredGroups(ctx context.Context) (map[string]Group, error) {
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
		if err := rows.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &g.AddedAt,
			&g.RequiresTrigger, &g.Runtime, &g.Model, &g.SandboxConfig); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out[g.JID] = g
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetRegisteredGroup(ctx context.Context, g *Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registered_groups
		  (jid, name, folder, trigger_pattern, added_at, requires_trigger, runtime, model, sandbox_config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (jid) DO UPDATE SET
		  name = EXCLUDED.name,
		  folder = EXCLUDED.folder,
		  trigger_pattern = EXCLUDED.trigger_pattern,
		  requires_trigger = EXCLUDED.requires_trigger,
		  runtime = EXCLUDED.runtime,
		  model = EXCLUDED.model,
		  sandbox_config = EXCLUDED.sandbox_config`,
		g.JID, g.Name, g.Folder, g.Trigger, g.AddedAt,
		g.RequiresTrigger, g.Runtime, g.Model, g.SandboxConfig)
	if err != nil {
		return fmt.Errorf("set registered group: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *ScheduledTask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
		  (id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode, next_run, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.GroupFolder, t.ChatJID, t.Prompt, t.ScheduleType, t.ScheduleValue,
		t.ContextMode, nullable(t.NextRun), t.Status, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTaskByID(ctx context.Context, id string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
		       COALESCE(next_run, ''), COALESCE(last_run, ''), COALESCE(last_result, ''), status, created_at
		FROM scheduled_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) GetTasksForGroup(ctx context.Context, folder string) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
		       COALESCE(next_run, ''), COALESCE(last_run, ''), COALESCE(last_result, ''), status, created_at
		FROM scheduled_tasks WHERE group_folder = $1 ORDER BY created_at DESC`, folder)
	if err != nil {
		return nil, fmt.Errorf("get tasks for group: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id string, u *TaskUpdate) error {
	sets, args := buildTaskUpdate(u, func(i int) string { return fmt.Sprintf("$%d", i) })
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE scheduled_tasks SET %s WHERE id = $%d",
			strings.Join(sets, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("update task %q: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM task_run_logs WHERE task_id = $1", id); err != nil {
		return fmt.Errorf("delete task logs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_tasks WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDueTasks(ctx context.Context, now string) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_folder, chat_jid, prompt, schedule_type, schedule_value, context_mode,
		       COALESCE(next_run, ''), COALESCE(last_run, ''), COALESCE(last_result, ''), status, created_at
		FROM scheduled_tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run != '' AND next_run <= $1
		ORDER BY next_run`, now)
	if err != nil {
		return nil, fmt.Errorf("get due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) UpdateTaskAfterRun(ctx context.Context, id, nextRun, lastResult string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET next_run = $1, last_run = $2, last_result = $3,
		    status = CASE WHEN $1 IS NULL THEN 'completed' ELSE status END
		WHERE id = $4`,
		nullable(nextRun), Now(), lastResult, id)
	if err != nil {
		return fmt.Errorf("update task after run: %w", err)
	}
	return nil
}

func (s *PostgresStore) LogTaskRun(ctx context.Context, l *TaskRunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.TaskID, l.RunAt, l.DurationMs, l.Status, l.Result, l.Error)
	if err != nil {
		return fmt.Errorf("log task run: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
