package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/config"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/ipc"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/query"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/sandbox"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/scheduler"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/stream"
)

// Dispatcher owns the sandbox-run wiring: it is the queue's message
// callback, the scheduler's task callback, and the IPC watcher's task
// handler.
type Dispatcher struct {
	cfg     config.Config
	store   store.Store
	state   *State
	queue   *Queue
	runner  *sandbox.Runner
	manager *channels.Manager
	logger  *slog.Logger
}

// NewDispatcher wires the dispatcher into the queue.
func NewDispatcher(cfg config.Config, st store.Store, state *State, queue *Queue, runner *sandbox.Runner, manager *channels.Manager, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:     cfg,
		store:   st,
		state:   state,
		queue:   queue,
		runner:  runner,
		manager: manager,
		logger:  logger.With("component", "dispatch"),
	}
	queue.SetProcessMessagesFunc(d.ProcessGroupMessages)
	queue.SetStopFunc(runner.StopContainer)
	return d
}

// resolveRuntime picks the sandbox runtime for a group: group override,
// then the runtime of the group's model, then the configured default.
func (d *Dispatcher) resolveRuntime(group *store.Group) string {
	if group.Runtime != "" {
		return group.Runtime
	}
	if group.Model != "" {
		return RuntimeForModel(d.cfg.Models, group.Model)
	}
	return d.cfg.Runtimes.Default
}

// groupInfo converts a registered group to the sandbox view.
func (d *Dispatcher) groupInfo(group *store.Group) *sandbox.GroupInfo {
	sbCfg, err := sandbox.ParseGroupSandboxConfig(group.SandboxConfig)
	if err != nil {
		d.logger.Warn("group sandbox config unreadable, ignoring",
			"group", group.Name, "error", err)
	}
	return &sandbox.GroupInfo{Folder: group.Folder, Name: group.Name, Sandbox: sbCfg}
}

// ProcessGroupMessages is the queue callback for one message batch.
// Returns true on success; false triggers the queue's retry path. The
// agent cursor is advanced optimistically before the run and rolled back
// on failure only when no output reached the channel.
func (d *Dispatcher) ProcessGroupMessages(ctx context.Context, chatJID string) bool {
	group, ok := d.state.Group(chatJID)
	if !ok {
		return true // unregistered: nothing to do, not an error
	}
	isMain := group.Folder == d.cfg.Orchestrator.MainGroupFolder

	previousCursor := d.state.AgentCursor(chatJID)
	pending, err := d.store.GetMessagesSince(ctx, chatJID, previousCursor, d.cfg.AssistantName)
	if err != nil {
		d.logger.Error("failed to fetch batch", "chat_jid", chatJID, "error", err)
		return false
	}
	if len(pending) == 0 {
		return true
	}

	if !isMain && group.RequiresTrigger {
		re := BuildTriggerRegex(d.cfg.AssistantName, group.Trigger)
		if !anyMatch(pending, re) {
			return true
		}
	}

	prompt := FormatMessages(pending)
	newCursor := pending[len(pending)-1].Timestamp
	d.state.SetAgentCursor(ctx, chatJID, newCursor)

	d.logger.Info("processing messages", "group", group.Name, "count", len(pending))

	acc := stream.New(ctx, stream.Config{}, d.manager, chatJID, d.logger)
	_ = d.manager.SetTyping(ctx, chatJID, true)
	defer func() { _ = d.manager.SetTyping(ctx, chatJID, false) }()

	input := &sandbox.Input{
		Prompt:        prompt,
		SessionID:     d.state.Session(group.Folder),
		GroupFolder:   group.Folder,
		ChatJID:       chatJID,
		IsMain:        isMain,
		AssistantName: d.cfg.AssistantName,
		Model:         group.Model,
	}

	result := d.runSandbox(ctx, &group, input, acc)

	if result.Status == sandbox.StatusError {
		if acc.HasOutput() {
			// The user already saw a reply; retrying would duplicate it.
			d.logger.Warn("sandbox error after output, keeping cursor",
				"group", group.Name, "error", result.Error)
			return true
		}
		d.state.SetAgentCursor(ctx, chatJID, previousCursor)
		d.logger.Warn("sandbox error, cursor rolled back for retry",
			"group", group.Name, "error", result.Error)
		return false
	}

	if !acc.HasOutput() && result.Error == "" && !result.HadFrames {
		// Nothing came back at all; tell the user rather than go silent.
		if _, err := d.manager.Send(ctx, chatJID, "Request failed — no response from the agent."); err != nil {
			d.logger.Error("failed to send failure notice", "chat_jid", chatJID, "error", err)
		}
	}

	return true
}

// runSandbox executes one invocation, routing frames to the accumulator
// and persisting sessions, replies, and reported models.
func (d *Dispatcher) runSandbox(ctx context.Context, group *store.Group, input *sandbox.Input, acc *stream.Accumulator) *sandbox.RunResult {
	chatJID := input.ChatJID
	isMain := input.IsMain
	runtime := d.resolveRuntime(group)

	profile := d.cfg.Runtimes.Profiles[runtime]
	input.Secrets = sandbox.ReadSecrets(".", profile.RequiredSecrets)

	sawFinal := false
	onFrame := func(out sandbox.Output) {
		if out.NewSessionID != "" {
			d.state.SetSession(ctx, group.Folder, out.NewSessionID)
		}
		if out.Model != "" {
			d.state.SetReportedModel(group.Folder, out.Model)
		}
		if out.Event != nil {
			switch out.Event.Type {
			case sandbox.EventToolStart:
				acc.AddToolStart(out.Event.ToolName, out.Event.ToolInput)
			case sandbox.EventTextDelta:
				acc.AddTextDelta(out.Event.Text)
			}
			return
		}
		if out.Result != nil {
			sawFinal = true
			text, delivered := acc.Finalize(*out.Result)
			if delivered && text != "" {
				d.persistReply(ctx, chatJID, text)
			}
			if out.Status == sandbox.StatusSuccess {
				d.queue.NotifyIdle(chatJID)
			}
		}
	}

	onSpawn := func(containerName string) {
		d.queue.RegisterProcess(chatJID, containerName, group.Folder)
	}

	result, err := d.runner.Run(ctx, d.groupInfo(group), input, runtime, isMain, onFrame, onSpawn)
	if err != nil {
		return &sandbox.RunResult{Status: sandbox.StatusError, Error: err.Error()}
	}
	if result.NewSessionID != "" {
		d.state.SetSession(ctx, group.Folder, result.NewSessionID)
	}
	if !sawFinal {
		// The run ended (deadline or exit) mid-reply: settle any partial
		// progress message with a truncation marker.
		acc.FinalizeTruncated()
	}
	return result
}

// persistReply stores an assistant reply so later prompts include it as
// context.
func (d *Dispatcher) persistReply(ctx context.Context, chatJID, text string) {
	msg := &store.Message{
		ID:         "bot-" + uuid.NewString(),
		ChatJID:    chatJID,
		Sender:     "assistant",
		SenderName: d.cfg.AssistantName,
		Content:    text,
		Timestamp:  store.Now(),
		FromMe:     true,
		FromBot:    true,
	}
	if err := d.store.StoreMessage(ctx, msg); err != nil {
		d.logger.Warn("failed to persist assistant reply", "chat_jid", chatJID, "error", err)
	}
}

// ---------- scheduled tasks ----------

// EnqueueScheduledTask is the scheduler callback: it wraps the task run
// and submits it to the queue so it serializes with message batches.
func (d *Dispatcher) EnqueueScheduledTask(ctx context.Context, task store.ScheduledTask) {
	d.queue.EnqueueTask(task.ChatJID, task.ID, func(runCtx context.Context) {
		d.runScheduledTask(runCtx, task)
	})
}

// runScheduledTask executes one due task inside a sandbox, logs the run,
// and advances next_run.
func (d *Dispatcher) runScheduledTask(ctx context.Context, task store.ScheduledTask) {
	start := time.Now()

	group, ok := d.state.GroupByFolder(task.GroupFolder)
	if !ok {
		d.logger.Error("scheduled task references unknown group",
			"task_id", task.ID, "folder", task.GroupFolder)
		d.finishTaskRun(ctx, task, start, "", "unknown group folder")
		return
	}

	// context_mode=group reuses the group session; isolated runs fresh.
	sessionID := ""
	if task.ContextMode == "group" {
		sessionID = d.state.Session(task.GroupFolder)
	}

	d.writeTaskSnapshots(ctx, task.GroupFolder)

	acc := stream.New(ctx, stream.Config{}, d.manager, task.ChatJID, d.logger)
	input := &sandbox.Input{
		Prompt:          "[SCHEDULED TASK] " + task.Prompt,
		SessionID:       sessionID,
		GroupFolder:     task.GroupFolder,
		ChatJID:         task.ChatJID,
		IsMain:          false,
		IsScheduledTask: true,
		AssistantName:   d.cfg.AssistantName,
		Model:           group.Model,
	}

	d.logger.Info("running scheduled task", "task_id", task.ID, "group", group.Name)

	var resultText string
	result := d.runSandboxForTask(ctx, &group, input, acc, &resultText)

	errText := ""
	if result.Status == sandbox.StatusError {
		errText = result.Error
		if errText == "" {
			errText = "unknown error"
		}
	}
	d.finishTaskRun(ctx, task, start, resultText, errText)
}

// runSandboxForTask mirrors runSandbox but captures the final result text
// for the run log.
func (d *Dispatcher) runSandboxForTask(ctx context.Context, group *store.Group, input *sandbox.Input, acc *stream.Accumulator, resultText *string) *sandbox.RunResult {
	chatJID := input.ChatJID
	runtime := d.resolveRuntime(group)
	profile := d.cfg.Runtimes.Profiles[runtime]
	input.Secrets = sandbox.ReadSecrets(".", profile.RequiredSecrets)

	sawFinal := false
	onFrame := func(out sandbox.Output) {
		if out.NewSessionID != "" {
			d.state.SetSession(ctx, group.Folder, out.NewSessionID)
		}
		if out.Model != "" {
			d.state.SetReportedModel(group.Folder, out.Model)
		}
		if out.Event != nil {
			switch out.Event.Type {
			case sandbox.EventToolStart:
				acc.AddToolStart(out.Event.ToolName, out.Event.ToolInput)
			case sandbox.EventTextDelta:
				acc.AddTextDelta(out.Event.Text)
			}
			return
		}
		if out.Result != nil {
			sawFinal = true
			text, delivered := acc.Finalize(*out.Result)
			if delivered && text != "" {
				*resultText = text
				d.persistReply(ctx, chatJID, text)
			}
			if out.Status == sandbox.StatusSuccess {
				d.queue.NotifyIdle(chatJID)
			}
		}
	}

	onSpawn := func(containerName string) {
		d.queue.RegisterProcess(chatJID, containerName, group.Folder)
	}

	result, err := d.runner.Run(ctx, d.groupInfo(group), input, runtime, false, onFrame, onSpawn)
	if err != nil {
		return &sandbox.RunResult{Status: sandbox.StatusError, Error: err.Error()}
	}
	if result.NewSessionID != "" {
		d.state.SetSession(ctx, group.Folder, result.NewSessionID)
	}
	if !sawFinal {
		acc.FinalizeTruncated()
	}
	return result
}

// finishTaskRun writes the run log and recomputes next_run.
func (d *Dispatcher) finishTaskRun(ctx context.Context, task store.ScheduledTask, start time.Time, result, errText string) {
	status := "success"
	if errText != "" {
		status = "error"
	}

	log := &store.TaskRunLog{
		TaskID:     task.ID,
		RunAt:      store.Now(),
		DurationMs: time.Since(start).Milliseconds(),
		Status:     status,
		Result:     result,
		Error:      errText,
	}
	if err := d.store.LogTaskRun(ctx, log); err != nil {
		d.logger.Error("failed to log task run", "task_id", task.ID, "error", err)
	}

	nextRun := scheduler.CalculateNextRun(task.ScheduleType, task.ScheduleValue, d.cfg.Scheduler.Timezone, d.logger)
	summary := scheduler.ResultSummary(result, errText)
	if err := d.store.UpdateTaskAfterRun(ctx, task.ID, nextRun, summary); err != nil {
		d.logger.Error("failed to update task after run", "task_id", task.ID, "error", err)
	}

	d.logger.Info("scheduled task completed",
		"task_id", task.ID,
		"status", status,
		"duration_ms", log.DurationMs,
		"next_run", nextRun)
}

// writeTaskSnapshots drops current_tasks.json and available_groups.json
// into the group's IPC namespace for the sandbox to read.
func (d *Dispatcher) writeTaskSnapshots(ctx context.Context, folder string) {
	tasks, err := d.store.GetTasksForGroup(ctx, folder)
	if err != nil {
		d.logger.Warn("failed to load tasks for snapshot", "folder", folder, "error", err)
		tasks = nil
	}
	if err := ipc.WriteSnapshot(d.cfg.Store.DataRoot, folder, "current_tasks.json", tasks); err != nil {
		d.logger.Warn("failed to write tasks snapshot", "error", err)
	}

	type groupEntry struct {
		JID    string `json:"jid"`
		Name   string `json:"name"`
		Folder string `json:"folder"`
	}
	var entries []groupEntry
	for _, g := range d.state.Groups() {
		entries = append(entries, groupEntry{JID: g.JID, Name: g.Name, Folder: g.Folder})
	}
	if err := ipc.WriteSnapshot(d.cfg.Store.DataRoot, folder, "available_groups.json", entries); err != nil {
		d.logger.Warn("failed to write groups snapshot", "error", err)
	}
}

// ---------- IPC task handling ----------

// HandleIPCTask services task-lifecycle requests emitted by sandboxes.
// register_group and cross-group targets are honored only from main.
func (d *Dispatcher) HandleIPCTask(ctx context.Context, task ipc.Task, groupFolder string, isMain bool) {
	switch task.Type {
	case ipc.TaskSchedule:
		d.handleScheduleTask(ctx, task, groupFolder, isMain)
	case ipc.TaskPause:
		d.setTaskStatus(ctx, task.TaskID, groupFolder, isMain, store.TaskPaused)
	case ipc.TaskResume:
		d.handleResumeTask(ctx, task.TaskID, groupFolder, isMain)
	case ipc.TaskCancel:
		d.setTaskStatus(ctx, task.TaskID, groupFolder, isMain, store.TaskCancelled)
	case ipc.TaskRegisterGroup:
		d.handleRegisterGroup(ctx, task, isMain)
	default:
		d.logger.Warn("unknown ipc task type", "type", task.Type, "group", groupFolder)
	}
}

func (d *Dispatcher) handleScheduleTask(ctx context.Context, task ipc.Task, groupFolder string, isMain bool) {
	if task.Prompt == "" || task.ScheduleType == "" {
		d.logger.Warn("schedule_task missing fields", "group", groupFolder)
		return
	}

	// Owner defaults: the emitting group schedules for itself. Only main
	// may target another registered group.
	targetJID := ""
	if group, ok := d.state.GroupByFolder(groupFolder); ok {
		targetJID = group.JID
	}
	ownerFolder := groupFolder
	if task.TargetJID != "" && task.TargetJID != targetJID {
		if !isMain {
			d.logger.Warn("cross-group task refused for non-main group",
				"group", groupFolder, "target", task.TargetJID)
			return
		}
		target, ok := d.state.Group(task.TargetJID)
		if !ok {
			d.logger.Warn("task target not registered, refusing",
				"target", task.TargetJID)
			return
		}
		targetJID = target.JID
		ownerFolder = target.Folder
	}
	if targetJID == "" {
		d.logger.Warn("schedule_task with no resolvable target", "group", groupFolder)
		return
	}

	contextMode := task.ContextMode
	if contextMode == "" {
		contextMode = "isolated"
	}

	firstRun := scheduler.FirstRun(task.ScheduleType, task.ScheduleValue, d.cfg.Scheduler.Timezone, d.logger)
	if firstRun == "" {
		d.logger.Warn("schedule_task with invalid schedule",
			"schedule_type", task.ScheduleType, "schedule_value", task.ScheduleValue)
		return
	}

	newTask := &store.ScheduledTask{
		ID:            "task-" + uuid.NewString()[:8],
		GroupFolder:   ownerFolder,
		ChatJID:       targetJID,
		Prompt:        task.Prompt,
		ScheduleType:  task.ScheduleType,
		ScheduleValue: task.ScheduleValue,
		ContextMode:   contextMode,
		NextRun:       firstRun,
		Status:        store.TaskActive,
		CreatedAt:     store.Now(),
	}
	if err := d.store.CreateTask(ctx, newTask); err != nil {
		d.logger.Error("failed to create task", "error", err)
		return
	}
	d.logger.Info("task scheduled",
		"task_id", newTask.ID, "group", ownerFolder, "next_run", firstRun)
}

// setTaskStatus pauses or cancels a task; pausing clears next_run.
func (d *Dispatcher) setTaskStatus(ctx context.Context, taskID, groupFolder string, isMain bool, status string) {
	task, err := d.store.GetTaskByID(ctx, taskID)
	if err != nil || task == nil {
		d.logger.Warn("task not found", "task_id", taskID)
		return
	}
	if !isMain && task.GroupFolder != groupFolder {
		d.logger.Warn("task status change refused for non-owner",
			"task_id", taskID, "group", groupFolder)
		return
	}

	empty := ""
	if err := d.store.UpdateTask(ctx, taskID, &store.TaskUpdate{Status: &status, NextRun: &empty}); err != nil {
		d.logger.Error("failed to update task status", "task_id", taskID, "error", err)
		return
	}
	d.logger.Info("task status changed", "task_id", taskID, "status", status)
}

// handleResumeTask reactivates a paused task and recomputes next_run.
func (d *Dispatcher) handleResumeTask(ctx context.Context, taskID, groupFolder string, isMain bool) {
	task, err := d.store.GetTaskByID(ctx, taskID)
	if err != nil || task == nil {
		d.logger.Warn("task not found", "task_id", taskID)
		return
	}
	if !isMain && task.GroupFolder != groupFolder {
		d.logger.Warn("task resume refused for non-owner",
			"task_id", taskID, "group", groupFolder)
		return
	}
	if task.Status != store.TaskPaused {
		return
	}

	nextRun := scheduler.CalculateNextRun(task.ScheduleType, task.ScheduleValue, d.cfg.Scheduler.Timezone, d.logger)
	if nextRun == "" && task.ScheduleType == store.ScheduleOnce {
		nextRun = task.ScheduleValue
	}
	status := store.TaskActive
	if err := d.store.UpdateTask(ctx, taskID, &store.TaskUpdate{Status: &status, NextRun: &nextRun}); err != nil {
		d.logger.Error("failed to resume task", "task_id", taskID, "error", err)
		return
	}
	d.logger.Info("task resumed", "task_id", taskID, "next_run", nextRun)
}

// handleRegisterGroup registers a new chat. Only the main group may do
// this, and the folder name must pass the safe-path rule.
func (d *Dispatcher) handleRegisterGroup(ctx context.Context, task ipc.Task, isMain bool) {
	if !isMain {
		d.logger.Warn("register_group refused for non-main group",
			"jid", task.JID, "folder", task.Folder)
		return
	}
	if task.JID == "" || task.Name == "" || !sandbox.ValidFolderName(task.Folder) {
		d.logger.Warn("register_group with invalid fields",
			"jid", task.JID, "folder", task.Folder)
		return
	}

	group := store.Group{
		JID:             task.JID,
		Name:            task.Name,
		Folder:          task.Folder,
		Trigger:         task.Trigger,
		AddedAt:         store.Now(),
		RequiresTrigger: true,
	}
	if err := d.state.PutGroup(ctx, group); err != nil {
		d.logger.Error("failed to register group", "jid", task.JID, "error", err)
		return
	}
	d.logger.Info("group registered", "jid", task.JID, "folder", task.Folder)
}

// AuthorizeIPCTarget reports whether a non-main group may deliver an
// outbound message to chatJID: only to its own registered chat.
func (d *Dispatcher) AuthorizeIPCTarget(chatJID, groupFolder string) bool {
	group, ok := d.state.Group(chatJID)
	return ok && group.Folder == groupFolder
}

// SendIPCMessage delivers an authorized sandbox-emitted message and
// persists it as an assistant reply.
func (d *Dispatcher) SendIPCMessage(ctx context.Context, chatJID, text string) {
	if _, err := d.manager.Send(ctx, chatJID, text); err != nil {
		d.logger.Error("failed to deliver ipc message", "chat_jid", chatJID, "error", err)
		return
	}
	d.persistReply(ctx, chatJID, text)
}

// ---------- command effects ----------

// ApplyEffects executes the declarative effects a command handler
// returned.
func (d *Dispatcher) ApplyEffects(ctx context.Context, chatJID, groupFolder string, effects []Effect) {
	for _, effect := range effects {
		switch effect.Kind {
		case EffectKillSandbox:
			d.queue.KillGroup(chatJID)
		case EffectClearSession:
			if groupFolder == "" {
				continue
			}
			d.state.ClearSession(ctx, groupFolder)
			d.clearSessionFiles(groupFolder)
		case EffectSwitchModel:
			group, ok := d.state.Group(chatJID)
			if !ok {
				continue
			}
			group.Model = effect.ModelID
			group.Runtime = effect.Runtime
			if err := d.state.PutGroup(ctx, group); err != nil {
				d.logger.Warn("failed to persist model switch",
					"chat_jid", chatJID, "error", err)
			}
		}
	}
}

// clearSessionFiles removes the per-folder sandbox session directory.
func (d *Dispatcher) clearSessionFiles(folder string) {
	dir := filepath.Join(d.cfg.Store.DataRoot, "sessions", folder)
	if strings.TrimSpace(folder) == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		d.logger.Warn("failed to clear session files", "dir", dir, "error", err)
	}
}

// QueryHandler bridges the IPC watcher to the query adapter.
func (d *Dispatcher) QueryHandler(adapter *query.Adapter) func(ctx context.Context, q ipc.Query, groupFolder string, isMain bool) ipc.QueryResponse {
	return func(ctx context.Context, q ipc.Query, groupFolder string, isMain bool) ipc.QueryResponse {
		resp := adapter.Execute(ctx, q.Type, q.Params, isMain)
		if resp.OK {
			return ipc.OKResponse(resp.Result)
		}
		return ipc.ErrorResponse(resp.Result)
	}
}
