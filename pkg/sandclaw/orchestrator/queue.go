// Package orchestrator is the dispatch and execution engine: the per-group
// serialization queue, the message poll loop, shared cursor/session state,
// slash-command effects, and the wiring that runs sandboxes for message
// batches and scheduled tasks.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/ipc"
)

// Retry policy for failed work items.
const (
	maxRetries    = 5
	baseRetryWait = 5 * time.Second
)

// ProcessMessagesFunc handles one message batch for a group. Returns true
// on success; false schedules a retry with backoff.
type ProcessMessagesFunc func(ctx context.Context, chatJID string) bool

// TaskRunFunc executes one queued task to completion.
type TaskRunFunc func(ctx context.Context)

// StopFunc stops a sandbox process by container name.
type StopFunc func(containerName string) bool

type queuedTask struct {
	id  string
	run TaskRunFunc
}

// groupState is the per-group bookkeeping. All fields are guarded by the
// queue mutex.
type groupState struct {
	active          bool
	idleWaiting     bool
	isTaskSandbox   bool
	pendingMessages bool
	pendingTasks    []queuedTask
	containerName   string
	groupFolder     string
	retryCount      int
	lastError       time.Time
}

// Queue serializes work per group and caps concurrent sandboxes globally.
// Scheduled tasks drain before message batches when a group comes free.
type Queue struct {
	mu            sync.Mutex
	groups        map[string]*groupState
	activeCount   int
	maxConcurrent int
	waiting       []string
	processFn     ProcessMessagesFunc
	stopFn        StopFunc
	shuttingDown  bool
	dataRoot      string
	logger        *slog.Logger
	wg            sync.WaitGroup
	ctx           context.Context
}

// NewQueue creates a Queue with the given global sandbox cap.
func NewQueue(ctx context.Context, maxConcurrent int, dataRoot string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		groups:        make(map[string]*groupState),
		maxConcurrent: maxConcurrent,
		dataRoot:      dataRoot,
		logger:        logger.With("component", "queue"),
		ctx:           ctx,
	}
}

// SetProcessMessagesFunc wires the message-batch callback.
func (q *Queue) SetProcessMessagesFunc(f ProcessMessagesFunc) {
	q.mu.Lock()
	q.processFn = f
	q.mu.Unlock()
}

// SetStopFunc wires the sandbox stopper used by KillGroup.
func (q *Queue) SetStopFunc(f StopFunc) {
	q.mu.Lock()
	q.stopFn = f
	q.mu.Unlock()
}

func (q *Queue) state(jid string) *groupState {
	s, ok := q.groups[jid]
	if !ok {
		s = &groupState{}
		q.groups[jid] = s
	}
	return s
}

// EnqueueMessageCheck records that a group has unserviced messages and
// promotes it to running when its slot and the global cap allow.
func (q *Queue) EnqueueMessageCheck(chatJID string) {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return
	}

	s := q.state(chatJID)
	if s.active {
		s.pendingMessages = true
		q.mu.Unlock()
		q.logger.Debug("sandbox active, message check queued", "chat_jid", chatJID)
		return
	}
	if q.activeCount >= q.maxConcurrent {
		s.pendingMessages = true
		q.pushWaitingLocked(chatJID)
		q.mu.Unlock()
		q.logger.Debug("at concurrency limit, message check queued", "chat_jid", chatJID)
		return
	}
	if len(s.pendingTasks) > 0 {
		// Queued tasks go first; record the flag and let drain order it.
		s.pendingMessages = true
		q.mu.Unlock()
		q.drain()
		return
	}

	q.startMessagesLocked(chatJID, s)
	q.mu.Unlock()
}

// EnqueueTask appends a task for a group. Tasks drain before message
// batches. When the group's sandbox is idle-waiting, the close sentinel is
// written so the task can preempt it.
func (q *Queue) EnqueueTask(chatJID, taskID string, run TaskRunFunc) {
	q.mu.Lock()
	if q.shuttingDown {
		q.mu.Unlock()
		return
	}

	s := q.state(chatJID)
	for _, t := range s.pendingTasks {
		if t.id == taskID {
			q.mu.Unlock()
			q.logger.Debug("task already queued, skipping", "chat_jid", chatJID, "task_id", taskID)
			return
		}
	}

	if s.active {
		s.pendingTasks = append(s.pendingTasks, queuedTask{id: taskID, run: run})
		closeFolder := ""
		if s.idleWaiting {
			closeFolder = s.groupFolder
		}
		q.mu.Unlock()
		if closeFolder != "" {
			_ = ipc.WriteCloseSentinel(q.dataRoot, closeFolder)
		}
		q.logger.Debug("sandbox active, task queued", "chat_jid", chatJID, "task_id", taskID)
		return
	}
	if q.activeCount >= q.maxConcurrent {
		s.pendingTasks = append(s.pendingTasks, queuedTask{id: taskID, run: run})
		q.pushWaitingLocked(chatJID)
		q.mu.Unlock()
		q.logger.Debug("at concurrency limit, task queued", "chat_jid", chatJID, "task_id", taskID)
		return
	}

	q.startTaskLocked(chatJID, s, queuedTask{id: taskID, run: run})
	q.mu.Unlock()
}

// SendFollowUp pipes text into the active sandbox's IPC input directory.
// Returns false when no message sandbox is active for the group, in which
// case the caller should enqueue a message check instead.
func (q *Queue) SendFollowUp(chatJID, text string) bool {
	q.mu.Lock()
	s, ok := q.groups[chatJID]
	if !ok || !s.active || s.groupFolder == "" || s.isTaskSandbox {
		q.mu.Unlock()
		return false
	}
	folder := s.groupFolder
	q.mu.Unlock()

	if err := ipc.WriteInput(q.dataRoot, folder, text); err != nil {
		q.logger.Error("failed to pipe follow-up", "chat_jid", chatJID, "error", err)
		return false
	}
	return true
}

// CloseStdin signals the group's active sandbox to wind down.
func (q *Queue) CloseStdin(chatJID string) {
	q.mu.Lock()
	folder := ""
	if s, ok := q.groups[chatJID]; ok && s.active {
		folder = s.groupFolder
	}
	q.mu.Unlock()
	if folder != "" {
		_ = ipc.WriteCloseSentinel(q.dataRoot, folder)
	}
}

// RegisterProcess tags the group's active sandbox with its container name
// so KillGroup and the close sentinel can reach it.
func (q *Queue) RegisterProcess(chatJID, containerName, groupFolder string) {
	q.mu.Lock()
	s := q.state(chatJID)
	s.containerName = containerName
	if groupFolder != "" {
		s.groupFolder = groupFolder
	}
	q.mu.Unlock()
}

// NotifyIdle marks the group's sandbox as idle-waiting. If tasks are
// pending, the close sentinel preempts the idle sandbox immediately.
func (q *Queue) NotifyIdle(chatJID string) {
	q.mu.Lock()
	s := q.state(chatJID)
	s.idleWaiting = true
	hasTasks := len(s.pendingTasks) > 0
	folder := s.groupFolder
	q.mu.Unlock()

	if hasTasks && folder != "" {
		_ = ipc.WriteCloseSentinel(q.dataRoot, folder)
	}
}

// IsActive reports whether the group has a running sandbox.
func (q *Queue) IsActive(chatJID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.groups[chatJID]
	return ok && s.active
}

// ActiveCount returns the number of running sandboxes.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeCount
}

// KillGroup force-stops the group's active sandbox. Used by /reset and
// model switches.
func (q *Queue) KillGroup(chatJID string) bool {
	q.mu.Lock()
	name := ""
	if s, ok := q.groups[chatJID]; ok && s.active {
		name = s.containerName
	}
	stop := q.stopFn
	q.mu.Unlock()

	if name == "" || stop == nil {
		return false
	}
	if stop(name) {
		q.logger.Info("sandbox stopped via kill_group", "chat_jid", chatJID, "container", name)
		return true
	}
	return false
}

// Shutdown stops accepting work and waits up to grace for running
// sandboxes to finish. Still-running sandboxes are detached, not killed,
// so in-flight conversations can complete naturally.
func (q *Queue) Shutdown(grace time.Duration) {
	q.mu.Lock()
	q.shuttingDown = true
	active := q.activeCount
	q.mu.Unlock()

	q.logger.Info("queue shutting down", "active", active, "grace", grace)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		q.logger.Info("grace elapsed, detaching remaining sandboxes",
			"active", q.ActiveCount())
	}
}

// ---------- internal promotion machinery ----------

func (q *Queue) pushWaitingLocked(chatJID string) {
	for _, jid := range q.waiting {
		if jid == chatJID {
			return
		}
	}
	q.waiting = append(q.waiting, chatJID)
}

// startMessagesLocked transitions a group into a running message batch.
func (q *Queue) startMessagesLocked(chatJID string, s *groupState) {
	s.active = true
	s.idleWaiting = false
	s.isTaskSandbox = false
	s.pendingMessages = false
	q.activeCount++

	q.wg.Add(1)
	go q.runForGroup(chatJID)
}

// startTaskLocked transitions a group into a running task.
func (q *Queue) startTaskLocked(chatJID string, s *groupState, task queuedTask) {
	s.active = true
	s.idleWaiting = false
	s.isTaskSandbox = true
	q.activeCount++

	q.wg.Add(1)
	go q.runTask(chatJID, task)
}

// runForGroup executes one message batch, then handles retry and drain.
func (q *Queue) runForGroup(chatJID string) {
	defer q.wg.Done()

	q.mu.Lock()
	processFn := q.processFn
	q.mu.Unlock()

	success := false
	if processFn != nil {
		success = processFn(q.ctx, chatJID)
	} else {
		q.logger.Warn("no process messages callback set, skipping", "chat_jid", chatJID)
	}

	q.mu.Lock()
	s := q.state(chatJID)
	if success {
		s.retryCount = 0
	} else {
		s.retryCount++
		retry := s.retryCount
		if retry <= maxRetries {
			delay := baseRetryWait << (retry - 1)
			s.lastError = time.Now()
			q.logger.Info("scheduling retry with backoff",
				"chat_jid", chatJID, "retry", retry, "delay", delay)
			time.AfterFunc(delay, func() {
				q.mu.Lock()
				if !q.shuttingDown {
					q.state(chatJID).pendingMessages = true
				}
				promote := !q.shuttingDown
				q.mu.Unlock()
				if promote {
					q.drain()
				}
			})
		} else {
			q.logger.Error("max retries exceeded, dropping batch",
				"chat_jid", chatJID, "retries", retry)
			s.retryCount = 0
		}
	}
	q.resetGroupLocked(chatJID)
	q.mu.Unlock()

	q.drain()
}

// runTask executes one queued task.
func (q *Queue) runTask(chatJID string, task queuedTask) {
	defer q.wg.Done()

	q.logger.Debug("running queued task", "chat_jid", chatJID, "task_id", task.id)
	task.run(q.ctx)

	q.mu.Lock()
	q.resetGroupLocked(chatJID)
	q.mu.Unlock()

	q.drain()
}

// resetGroupLocked releases the group's slot after a run.
func (q *Queue) resetGroupLocked(chatJID string) {
	if s, ok := q.groups[chatJID]; ok {
		s.active = false
		s.idleWaiting = false
		s.isTaskSandbox = false
		s.containerName = ""
	}
	if q.activeCount > 0 {
		q.activeCount--
	}
}

// drain promotes pending work while capacity remains: each group runs its
// queued tasks before its pending message batch; groups that queued while
// the cap was saturated promote in FIFO order.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.shuttingDown || q.activeCount >= q.maxConcurrent {
			q.mu.Unlock()
			return
		}

		jid, s := q.nextRunnableLocked()
		if jid == "" {
			q.mu.Unlock()
			return
		}

		if len(s.pendingTasks) > 0 {
			task := s.pendingTasks[0]
			s.pendingTasks = s.pendingTasks[1:]
			q.startTaskLocked(jid, s, task)
		} else {
			q.startMessagesLocked(jid, s)
		}
		q.mu.Unlock()
	}
}

// nextRunnableLocked picks the next group with pending work, preferring
// the FIFO waiting list, then any other idle group with work.
func (q *Queue) nextRunnableLocked() (string, *groupState) {
	for i, jid := range q.waiting {
		s, ok := q.groups[jid]
		if !ok || s.active {
			continue
		}
		if len(s.pendingTasks) > 0 || s.pendingMessages {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return jid, s
		}
	}
	for jid, s := range q.groups {
		if s.active {
			continue
		}
		if len(s.pendingTasks) > 0 || s.pendingMessages {
			return jid, s
		}
	}
	return "", nil
}
