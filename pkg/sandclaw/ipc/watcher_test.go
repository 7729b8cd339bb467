package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordedMessage struct {
	chatJID string
	text    string
}

type recorder struct {
	mu       sync.Mutex
	messages []recordedMessage
	tasks    []Task
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		SendMessage: func(ctx context.Context, chatJID, text string) {
			r.mu.Lock()
			r.messages = append(r.messages, recordedMessage{chatJID, text})
			r.mu.Unlock()
		},
		HandleTask: func(ctx context.Context, task Task, groupFolder string, isMain bool) {
			r.mu.Lock()
			r.tasks = append(r.tasks, task)
			r.mu.Unlock()
		},
		HandleQuery: func(ctx context.Context, q Query, groupFolder string, isMain bool) QueryResponse {
			return ErrorResponse("tooling unavailable")
		},
		AuthorizeTarget: func(chatJID, groupFolder string) bool {
			return false // non-main groups own nothing in these tests
		},
	}
}

func newTestWatcher(t *testing.T, rec *recorder) (*Watcher, string) {
	t.Helper()
	dataRoot := t.TempDir()
	w := NewWatcher(dataRoot, 50*time.Millisecond, "main", rec.handlers(), nil)
	return w, dataRoot
}

func writeFile(t *testing.T, path string, v any) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcher_DispatchesMainGroupMessage(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	w, dataRoot := newTestWatcher(t, rec)

	path := filepath.Join(dataRoot, "ipc", "main", "messages", "001-msg.json")
	writeFile(t, path, Message{Type: "message", ChatJID: "tg:99999", Text: "Hello from agent"})

	w.PollOnce(context.Background())

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("message file should be consumed")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(rec.messages))
	}
	if rec.messages[0].chatJID != "tg:99999" || rec.messages[0].text != "Hello from agent" {
		t.Errorf("message = %+v", rec.messages[0])
	}
}

func TestWatcher_BlocksUnauthorizedNonMainMessage(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	w, dataRoot := newTestWatcher(t, rec)

	path := filepath.Join(dataRoot, "ipc", "team-eng", "messages", "001-msg.json")
	writeFile(t, path, Message{Type: "message", ChatJID: "tg:99999", Text: "Should be blocked"})

	w.PollOnce(context.Background())

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("blocked message file should still be consumed")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.messages) != 0 {
		t.Errorf("unauthorized message was delivered: %+v", rec.messages)
	}
}

func TestWatcher_MalformedFileMovesToErrors(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	w, dataRoot := newTestWatcher(t, rec)

	dir := filepath.Join(dataRoot, "ipc", "main", "queries")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("not valid json {{{"), 0o644); err != nil {
		t.Fatal(err)
	}

	w.PollOnce(context.Background())

	if _, err := os.Stat(filepath.Join(dir, "bad.json")); !os.IsNotExist(err) {
		t.Error("malformed file should be moved out")
	}
	if _, err := os.Stat(filepath.Join(dataRoot, "ipc", "errors", "main-bad.json")); err != nil {
		t.Errorf("quarantined file missing: %v", err)
	}
}

func TestWatcher_QueryResponseWrittenAtomically(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	w, dataRoot := newTestWatcher(t, rec)

	writeFile(t, filepath.Join(dataRoot, "ipc", "main", "queries", "001-query.json"),
		Query{UUID: "test-uuid-001", Type: "next_work"})

	w.PollOnce(context.Background())

	respPath := filepath.Join(dataRoot, "ipc", "main", "responses", "test-uuid-001.json")
	content, err := os.ReadFile(respPath)
	if err != nil {
		t.Fatalf("response missing: %v", err)
	}
	var resp QueryResponse
	if err := json.Unmarshal(content, &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if resp.Status != "error" {
		t.Errorf("status = %q, want error (handler refuses)", resp.Status)
	}
	if _, err := os.Stat(respPath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not survive the atomic write")
	}
}

func TestWatcher_ForwardsTasks(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	w, dataRoot := newTestWatcher(t, rec)

	writeFile(t, filepath.Join(dataRoot, "ipc", "main", "tasks", "001-task.json"),
		Task{Type: TaskSchedule, Prompt: "Check build status", ScheduleType: "cron", ScheduleValue: "0 9 * * *"})

	w.PollOnce(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(rec.tasks))
	}
	if rec.tasks[0].Type != TaskSchedule || rec.tasks[0].Prompt != "Check build status" {
		t.Errorf("task = %+v", rec.tasks[0])
	}
}

func TestWatcher_SkipsTmpFiles(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	w, dataRoot := newTestWatcher(t, rec)

	dir := filepath.Join(dataRoot, "ipc", "main", "messages")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	// A half-written temp file must never be picked up.
	if err := os.WriteFile(filepath.Join(dir, "pending.json.tmp"), []byte(`{"type":"mess`), 0o644); err != nil {
		t.Fatal(err)
	}

	w.PollOnce(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.messages) != 0 {
		t.Error("temp file was processed")
	}
	if _, err := os.Stat(filepath.Join(dir, "pending.json.tmp")); err != nil {
		t.Error("temp file should be left alone")
	}
}

func TestWriteInput_AtomicJSONFiles(t *testing.T) {
	t.Parallel()

	dataRoot := t.TempDir()
	for _, text := range []string{"first", "second"} {
		if err := WriteInput(dataRoot, "main", text); err != nil {
			t.Fatal(err)
		}
	}

	dir := filepath.Join(dataRoot, "ipc", "main", "input")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("input files = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			t.Errorf("unexpected file %q", e.Name())
		}
	}
}

func TestWriteCloseSentinel(t *testing.T) {
	t.Parallel()

	dataRoot := t.TempDir()
	if err := WriteCloseSentinel(dataRoot, "team-eng"); err != nil {
		t.Fatal(err)
	}
	sentinel := filepath.Join(dataRoot, "ipc", "team-eng", "input", CloseSentinel)
	if _, err := os.Stat(sentinel); err != nil {
		t.Errorf("sentinel missing: %v", err)
	}
}
