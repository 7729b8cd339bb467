// Package scheduler raises due scheduled tasks into the group queue. It
// polls the store on a fixed period, re-verifies each task's status before
// dispatch, and recomputes next_run after every run. Cron expressions are
// parsed with robfig/cron in the configured IANA timezone.
package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// maxResultSummary bounds the stored last_result text.
const maxResultSummary = 200

// cronParser accepts the standard 5-field cron format plus descriptors
// like @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// TaskFunc runs one due task. Invoked through the group queue so task runs
// serialize with message batches.
type TaskFunc func(ctx context.Context, task store.ScheduledTask)

// Scheduler is the due-task poll loop.
type Scheduler struct {
	store        store.Store
	pollInterval time.Duration
	timezone     string
	onTask       TaskFunc
	logger       *slog.Logger
}

// New creates a Scheduler. onTask receives each due, still-active task.
func New(st store.Store, pollInterval time.Duration, timezone string, onTask TaskFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        st,
		pollInterval: pollInterval,
		timezone:     timezone,
		onTask:       onTask,
		logger:       logger.With("component", "scheduler"),
	}
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started",
		"poll_interval", s.pollInterval, "timezone", s.timezone)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce dispatches every due active task.
func (s *Scheduler) pollOnce(ctx context.Context) {
	tasks, err := s.store.GetDueTasks(ctx, store.Now())
	if err != nil {
		s.logger.Error("failed to query due tasks", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}
	s.logger.Info("due tasks found", "count", len(tasks))

	for _, task := range tasks {
		// Status may have changed between the query and now (pause or
		// cancel raced the poll); re-verify by ID.
		current, err := s.store.GetTaskByID(ctx, task.ID)
		if err != nil {
			s.logger.Error("failed to re-check task", "task_id", task.ID, "error", err)
			continue
		}
		if current == nil {
			s.logger.Debug("task deleted, skipping", "task_id", task.ID)
			continue
		}
		if current.Status != store.TaskActive {
			s.logger.Debug("task no longer active, skipping", "task_id", task.ID)
			continue
		}

		s.logger.Debug("dispatching task",
			"task_id", current.ID, "group", current.GroupFolder)
		s.onTask(ctx, *current)
	}
}

// CalculateNextRun computes the next fire instant after a run completes.
// Returns "" when there is none (once tasks, invalid schedules).
func CalculateNextRun(scheduleType, scheduleValue, timezone string, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	switch scheduleType {
	case store.ScheduleCron:
		schedule, err := cronParser.Parse(scheduleValue)
		if err != nil {
			logger.Error("invalid cron expression", "cron", scheduleValue, "error", err)
			return ""
		}
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			logger.Warn("invalid timezone, falling back to UTC", "timezone", timezone)
			loc = time.UTC
		}
		next := schedule.Next(time.Now().In(loc))
		if next.IsZero() {
			return ""
		}
		return next.UTC().Format(time.RFC3339Nano)
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil || ms <= 0 {
			logger.Error("invalid interval value", "value", scheduleValue)
			return ""
		}
		return time.Now().Add(time.Duration(ms) * time.Millisecond).UTC().Format(time.RFC3339Nano)
	case store.ScheduleOnce:
		return ""
	default:
		logger.Warn("unknown schedule type", "schedule_type", scheduleType)
		return ""
	}
}

// ResultSummary formats the truncated summary stored on the task after a
// run.
func ResultSummary(result, errText string) string {
	if errText != "" {
		return "Error: " + errText
	}
	if result == "" {
		return "Completed"
	}
	if len(result) > maxResultSummary {
		return result[:maxResultSummary]
	}
	return result
}

// FirstRun computes the initial next_run for a newly created task. For
// once tasks the schedule value itself is the fire instant.
func FirstRun(scheduleType, scheduleValue, timezone string, logger *slog.Logger) string {
	if scheduleType == store.ScheduleOnce {
		if t, err := time.Parse(time.RFC3339, scheduleValue); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
		if logger != nil {
			logger.Error("invalid once schedule instant", "value", scheduleValue)
		}
		return ""
	}
	return CalculateNextRun(scheduleType, scheduleValue, timezone, logger)
}
