package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// MessageLoop drives dispatch from persistent storage with a dual-cursor
// design: the global last-seen cursor advances when any messages are
// fetched (prevents refetching), and each group's agent cursor advances
// only when messages reach a sandbox — so context accumulated between
// triggers is preserved.
type MessageLoop struct {
	store           store.Store
	state           *State
	queue           *Queue
	pollInterval    time.Duration
	assistantName   string
	mainGroupFolder string
	logger          *slog.Logger
}

// NewMessageLoop creates the poll loop.
func NewMessageLoop(st store.Store, state *State, queue *Queue, pollInterval time.Duration, assistantName, mainGroupFolder string, logger *slog.Logger) *MessageLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageLoop{
		store:           st,
		state:           state,
		queue:           queue,
		pollInterval:    pollInterval,
		assistantName:   assistantName,
		mainGroupFolder: mainGroupFolder,
		logger:          logger.With("component", "message_loop"),
	}
}

// Run recovers pending work, then polls until the context is cancelled.
func (l *MessageLoop) Run(ctx context.Context) {
	l.logger.Info("message loop started",
		"poll_interval", l.pollInterval,
		"last_seen", l.state.LastSeen())

	l.RecoverPending(ctx)

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("message loop stopped")
			return
		case <-ticker.C:
			if err := l.PollOnce(ctx); err != nil {
				l.logger.Error("message poll failed", "error", err)
			}
		}
	}
}

// PollOnce runs a single poll iteration.
func (l *MessageLoop) PollOnce(ctx context.Context) error {
	jids := l.state.GroupJIDs()
	if len(jids) == 0 {
		return nil
	}

	messages, newest, err := l.store.GetNewMessages(ctx, jids, l.state.LastSeen(), l.assistantName)
	if err != nil {
		return fmt.Errorf("fetch new messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	l.logger.Info("new messages", "count", len(messages))

	// The global seen cursor advances immediately and never rewinds.
	l.state.AdvanceLastSeen(ctx, newest)

	byGroup := make(map[string][]store.Message)
	for _, m := range messages {
		byGroup[m.ChatJID] = append(byGroup[m.ChatJID], m)
	}

	for chatJID, batch := range byGroup {
		group, ok := l.state.Group(chatJID)
		if !ok {
			continue
		}

		isMain := group.Folder == l.mainGroupFolder
		if !isMain && group.RequiresTrigger {
			// Non-trigger messages accumulate in the store; they ride
			// along as context when a trigger eventually arrives.
			re := BuildTriggerRegex(l.assistantName, group.Trigger)
			if !anyMatch(batch, re) {
				continue
			}
		}

		// Pull everything since the agent cursor, including accumulated
		// non-trigger context.
		pending, err := l.store.GetMessagesSince(ctx, chatJID, l.state.AgentCursor(chatJID), l.assistantName)
		if err != nil {
			l.logger.Warn("failed to fetch pending messages", "chat_jid", chatJID, "error", err)
			pending = nil
		}
		if len(pending) == 0 {
			pending = batch
		}

		formatted := FormatMessages(pending)
		if l.queue.SendFollowUp(chatJID, formatted) {
			l.logger.Debug("piped messages to active sandbox",
				"chat_jid", chatJID, "count", len(pending))
			l.state.SetAgentCursor(ctx, chatJID, pending[len(pending)-1].Timestamp)
			continue
		}

		l.queue.EnqueueMessageCheck(chatJID)
	}

	return nil
}

// RecoverPending re-enqueues groups with unprocessed messages. Covers a
// crash between advancing the seen cursor and completing dispatch.
func (l *MessageLoop) RecoverPending(ctx context.Context) {
	for _, group := range l.state.Groups() {
		pending, err := l.store.GetMessagesSince(ctx, group.JID, l.state.AgentCursor(group.JID), l.assistantName)
		if err != nil {
			l.logger.Warn("recovery: failed to check pending messages",
				"chat_jid", group.JID, "error", err)
			continue
		}
		if len(pending) == 0 {
			continue
		}

		isMain := group.Folder == l.mainGroupFolder
		if !isMain && group.RequiresTrigger {
			re := BuildTriggerRegex(l.assistantName, group.Trigger)
			if !anyMatch(pending, re) {
				continue
			}
		}

		l.logger.Info("recovery: enqueuing unprocessed messages",
			"group", group.Name, "pending", len(pending))
		l.queue.EnqueueMessageCheck(group.JID)
	}
}

// BuildTriggerRegex matches "@AssistantName" at the start of a message,
// case-insensitively, plus the group's custom trigger when set.
func BuildTriggerRegex(assistantName, customTrigger string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(assistantName)
	pattern := fmt.Sprintf(`(?i)^@%s\b`, escaped)
	if customTrigger != "" {
		pattern += fmt.Sprintf(`|(?i)^%s\b`, regexp.QuoteMeta(customTrigger))
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return regexp.MustCompile(fmt.Sprintf(`(?i)^@%s`, escaped))
	}
	return re
}

// FormatMessages renders a batch into the prompt form "[Sender]: text".
func FormatMessages(messages []store.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("[%s]: %s", m.SenderName, m.Content))
	}
	return strings.Join(lines, "\n")
}

func anyMatch(messages []store.Message, re *regexp.Regexp) bool {
	for _, m := range messages {
		if re.MatchString(strings.TrimSpace(m.Content)) {
			return true
		}
	}
	return false
}
