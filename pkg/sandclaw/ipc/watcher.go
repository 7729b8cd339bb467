package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Handlers receive the content the watcher picks up. The watcher owns file
// hygiene (atomic reads, deletion, errors/ quarantine); handlers own policy.
type Handlers struct {
	// SendMessage delivers an authorized outbound message to its channel.
	SendMessage func(ctx context.Context, chatJID, text string)

	// HandleTask processes a task-lifecycle request.
	HandleTask func(ctx context.Context, task Task, groupFolder string, isMain bool)

	// HandleQuery answers a host-side lookup.
	HandleQuery func(ctx context.Context, q Query, groupFolder string, isMain bool) QueryResponse

	// AuthorizeTarget reports whether a non-main group may deliver to the
	// given chat JID. When it is nil, every message from a non-main group is
	// blocked; the watcher itself makes no exception for the group's own JID.
	AuthorizeTarget func(chatJID, groupFolder string) bool
}

// Watcher polls each group's IPC directories and dispatches content.
type Watcher struct {
	baseDir         string
	pollInterval    time.Duration
	mainGroupFolder string
	handlers        Handlers
	logger          *slog.Logger
}

// NewWatcher creates a watcher over {dataRoot}/ipc.
func NewWatcher(dataRoot string, pollInterval time.Duration, mainGroupFolder string, handlers Handlers, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		baseDir:         filepath.Join(dataRoot, "ipc"),
		pollInterval:    pollInterval,
		mainGroupFolder: mainGroupFolder,
		handlers:        handlers,
		logger:          logger.With("component", "ipc"),
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	_ = os.MkdirAll(w.baseDir, 0o755)
	w.logger.Info("ipc watcher started", "dir", w.baseDir, "interval", w.pollInterval)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("ipc watcher stopped")
			return
		case <-ticker.C:
			w.PollOnce(ctx)
		}
	}
}

// PollOnce processes one cycle across all group directories.
func (w *Watcher) PollOnce(ctx context.Context) {
	entries, err := os.ReadDir(w.baseDir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == "errors" {
			continue
		}
		folder := entry.Name()
		isMain := folder == w.mainGroupFolder
		groupDir := filepath.Join(w.baseDir, folder)

		w.processMessages(ctx, groupDir, folder, isMain)
		w.processTasks(ctx, groupDir, folder, isMain)
		w.processQueries(ctx, groupDir, folder, isMain)
	}
}

// processMessages handles outbound chat messages from {group}/messages/.
func (w *Watcher) processMessages(ctx context.Context, groupDir, folder string, isMain bool) {
	for _, path := range jsonFiles(filepath.Join(groupDir, "messages")) {
		var msg Message
		if err := readJSON(path, &msg); err != nil {
			w.logger.Error("ipc message unreadable", "path", path, "error", err)
			w.moveToErrors(path, folder)
			continue
		}

		if msg.Type != "message" || msg.ChatJID == "" || msg.Text == "" {
			w.logger.Warn("ipc message missing fields", "path", path)
			w.moveToErrors(path, folder)
			continue
		}

		if isMain || w.authorized(msg.ChatJID, folder) {
			if w.handlers.SendMessage != nil {
				w.handlers.SendMessage(ctx, msg.ChatJID, msg.Text)
			}
			w.logger.Debug("ipc message dispatched", "chat_jid", msg.ChatJID, "group", folder)
		} else {
			w.logger.Warn("unauthorized ipc message blocked",
				"chat_jid", msg.ChatJID, "group", folder)
		}

		removeFile(path, w.logger)
	}
}

// processTasks handles task requests from {group}/tasks/.
func (w *Watcher) processTasks(ctx context.Context, groupDir, folder string, isMain bool) {
	for _, path := range jsonFiles(filepath.Join(groupDir, "tasks")) {
		var task Task
		if err := readJSON(path, &task); err != nil {
			w.logger.Error("ipc task unreadable", "path", path, "error", err)
			w.moveToErrors(path, folder)
			continue
		}

		if w.handlers.HandleTask != nil {
			w.handlers.HandleTask(ctx, task, folder, isMain)
		}
		removeFile(path, w.logger)
	}
}

// processQueries handles lookups from {group}/queries/, writing answers to
// {group}/responses/{uuid}.json.
func (w *Watcher) processQueries(ctx context.Context, groupDir, folder string, isMain bool) {
	responsesDir := filepath.Join(groupDir, "responses")
	for _, path := range jsonFiles(filepath.Join(groupDir, "queries")) {
		var q Query
		if err := readJSON(path, &q); err != nil {
			w.logger.Error("ipc query unreadable", "path", path, "error", err)
			w.moveToErrors(path, folder)
			continue
		}

		if q.UUID == "" || q.Type == "" {
			w.logger.Warn("ipc query missing uuid or type", "path", path)
			removeFile(path, w.logger)
			continue
		}

		resp := ErrorResponse("no query handler configured")
		if w.handlers.HandleQuery != nil {
			resp = w.handlers.HandleQuery(ctx, q, folder, isMain)
		}

		data, err := json.MarshalIndent(resp, "", "  ")
		if err == nil {
			err = WriteAtomic(filepath.Join(responsesDir, q.UUID+".json"), data)
		}
		if err != nil {
			w.logger.Error("ipc response write failed", "uuid", q.UUID, "error", err)
		}

		removeFile(path, w.logger)
		w.logger.Debug("ipc query processed",
			"type", q.Type, "uuid", q.UUID, "group", folder, "status", resp.Status)
	}
}

func (w *Watcher) authorized(chatJID, folder string) bool {
	if w.handlers.AuthorizeTarget != nil {
		return w.handlers.AuthorizeTarget(chatJID, folder)
	}
	return false
}

// moveToErrors quarantines a malformed file under {base}/errors/.
func (w *Watcher) moveToErrors(path, folder string) {
	errorDir := filepath.Join(w.baseDir, "errors")
	_ = os.MkdirAll(errorDir, 0o755)
	dest := filepath.Join(errorDir, fmt.Sprintf("%s-%s", folder, filepath.Base(path)))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("failed to quarantine ipc file", "path", path, "error", err)
	}
}

// jsonFiles lists the .json files in dir sorted by name. Temp files in
// flight (.tmp suffix) are never returned.
func jsonFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files
}

func readJSON(path string, v any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(content, v)
}

func removeFile(path string, logger *slog.Logger) {
	if err := os.Remove(path); err != nil {
		logger.Debug("failed to remove processed ipc file", "path", path, "error", err)
	}
}
