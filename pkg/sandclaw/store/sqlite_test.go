package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ts(offset time.Duration) string {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).Add(offset).Format(time.RFC3339Nano)
}

func TestRouterStateRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetRouterState(ctx, "missing")
	if err != nil || got != "" {
		t.Errorf("missing key: got %q, err %v", got, err)
	}

	if err := s.SetRouterState(ctx, "last_timestamp", ts(0)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRouterState(ctx, "last_timestamp", ts(time.Minute)); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetRouterState(ctx, "last_timestamp")
	if err != nil || got != ts(time.Minute) {
		t.Errorf("got %q, err %v", got, err)
	}
}

func TestMessages_NewAndSince(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	msgs := []Message{
		{ID: "1", ChatJID: "tg:1", SenderName: "Alice", Content: "hello", Timestamp: ts(0)},
		{ID: "2", ChatJID: "tg:1", SenderName: "Bob", Content: "world", Timestamp: ts(time.Minute)},
		{ID: "3", ChatJID: "tg:2", SenderName: "Eve", Content: "other chat", Timestamp: ts(2 * time.Minute)},
		{ID: "4", ChatJID: "tg:1", SenderName: "Sandclaw", Content: "a bot reply", Timestamp: ts(3 * time.Minute), FromBot: true},
		{ID: "5", ChatJID: "tg:1", SenderName: "Alice", Content: "", Timestamp: ts(4 * time.Minute)},
	}
	for i := range msgs {
		if err := s.StoreMessage(ctx, &msgs[i]); err != nil {
			t.Fatal(err)
		}
	}

	got, newest, err := s.GetNewMessages(ctx, []string{"tg:1", "tg:2"}, "", "Sandclaw")
	if err != nil {
		t.Fatal(err)
	}
	// Bot messages and empty content are excluded.
	if len(got) != 3 {
		t.Fatalf("messages = %d, want 3", len(got))
	}
	if got[0].ID != "1" || got[1].ID != "2" || got[2].ID != "3" {
		t.Errorf("order = %v", []string{got[0].ID, got[1].ID, got[2].ID})
	}
	if newest != ts(2*time.Minute) {
		t.Errorf("newest = %q", newest)
	}

	since, err := s.GetMessagesSince(ctx, "tg:1", ts(0), "Sandclaw")
	if err != nil {
		t.Fatal(err)
	}
	if len(since) != 1 || since[0].ID != "2" {
		t.Errorf("since = %+v", since)
	}
}

func TestMessages_EmptyJIDList(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	got, newest, err := s.GetNewMessages(context.Background(), nil, ts(0), "Sandclaw")
	if err != nil || got != nil || newest != ts(0) {
		t.Errorf("got %v, newest %q, err %v", got, newest, err)
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetSession(ctx, "main", "sess-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSession(ctx, "main", "sess-2"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSession(ctx, "team", "sess-3"); err != nil {
		t.Fatal(err)
	}

	all, err := s.GetAllSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if all["main"] != "sess-2" || all["team"] != "sess-3" {
		t.Errorf("sessions = %v", all)
	}

	if err := s.DeleteSession(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	all, _ = s.GetAllSessions(ctx)
	if _, ok := all["main"]; ok {
		t.Error("deleted session still present")
	}
}

func TestRegisteredGroups(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	g := Group{
		JID:             "tg:1",
		Name:            "Main",
		Folder:          "main",
		Trigger:         "",
		AddedAt:         ts(0),
		RequiresTrigger: false,
	}
	if err := s.SetRegisteredGroup(ctx, &g); err != nil {
		t.Fatal(err)
	}

	// Upsert mutates runtime/model in place.
	g.Runtime = "gemini"
	g.Model = "gemini-3.1-pro"
	if err := s.SetRegisteredGroup(ctx, &g); err != nil {
		t.Fatal(err)
	}

	groups, err := s.GetRegisteredGroups(ctx)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := groups["tg:1"]
	if !ok {
		t.Fatal("group missing")
	}
	if got.Runtime != "gemini" || got.Model != "gemini-3.1-pro" || got.RequiresTrigger {
		t.Errorf("group = %+v", got)
	}
}

func TestScheduledTasks_Lifecycle(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	task := ScheduledTask{
		ID:            "task-1",
		GroupFolder:   "main",
		ChatJID:       "tg:1",
		Prompt:        "status",
		ScheduleType:  ScheduleCron,
		ScheduleValue: "*/5 * * * *",
		ContextMode:   "group",
		NextRun:       ts(-time.Minute), // already due
		Status:        TaskActive,
		CreatedAt:     ts(0),
	}
	if err := s.CreateTask(ctx, &task); err != nil {
		t.Fatal(err)
	}

	due, err := s.GetDueTasks(ctx, ts(0))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "task-1" {
		t.Fatalf("due = %+v", due)
	}

	// After a run: next_run advances, task stays active.
	if err := s.UpdateTaskAfterRun(ctx, "task-1", ts(5*time.Minute), "ok"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTaskByID(ctx, "task-1")
	if err != nil || got == nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != TaskActive || got.NextRun != ts(5*time.Minute) || got.LastResult != "ok" {
		t.Errorf("task = %+v", got)
	}

	due, _ = s.GetDueTasks(ctx, ts(0))
	if len(due) != 0 {
		t.Errorf("future task reported due: %+v", due)
	}

	// A once-style completion: empty next_run flips status to completed.
	if err := s.UpdateTaskAfterRun(ctx, "task-1", "", "done"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTaskByID(ctx, "task-1")
	if got.Status != TaskCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
}

func TestScheduledTasks_UpdateAndDelete(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	task := ScheduledTask{
		ID: "task-2", GroupFolder: "main", ChatJID: "tg:1", Prompt: "p",
		ScheduleType: ScheduleInterval, ScheduleValue: "60000",
		ContextMode: "isolated", NextRun: ts(0), Status: TaskActive, CreatedAt: ts(0),
	}
	if err := s.CreateTask(ctx, &task); err != nil {
		t.Fatal(err)
	}

	paused := TaskPaused
	empty := ""
	if err := s.UpdateTask(ctx, "task-2", &TaskUpdate{Status: &paused, NextRun: &empty}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTaskByID(ctx, "task-2")
	if got.Status != TaskPaused || got.NextRun != "" {
		t.Errorf("task = %+v", got)
	}

	if err := s.LogTaskRun(ctx, &TaskRunLog{TaskID: "task-2", RunAt: ts(0), DurationMs: 100, Status: "success"}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteTask(ctx, "task-2"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTaskByID(ctx, "task-2")
	if err != nil || got != nil {
		t.Errorf("deleted task still present: %+v", got)
	}
}

func TestGetTaskByID_Missing(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	got, err := s.GetTaskByID(context.Background(), "nope")
	if err != nil || got != nil {
		t.Errorf("got %+v, err %v", got, err)
	}
}
