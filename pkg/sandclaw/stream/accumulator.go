// Package stream implements the progressive-edit accumulator: one outbound
// message per sandbox invocation that grows in place as tool events and text
// deltas arrive, then settles into the final reply.
//
// Coalescing rules:
//   - Tool-start lines are captured up to a cap, then summarized.
//   - Text deltas append in order.
//   - A debounce timer turns bursts into at most one channel write per
//     interval.
//   - The first write sends; later writes edit the same message. A sender
//     without edit support buffers everything until finalize.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Sender is the outbound surface the accumulator writes to. The channel
// Manager satisfies it.
type Sender interface {
	Send(ctx context.Context, jid, text string) (string, error)
	Edit(ctx context.Context, jid, messageID, text string) error
	CanEdit(jid string) bool
}

// Config tunes the accumulator.
type Config struct {
	// Debounce coalesces writes (default 500ms).
	Debounce time.Duration

	// MaxToolLines caps captured tool-start summaries (default 20).
	MaxToolLines int

	// MaxMessageLength is the channel's message cap; a final text longer
	// than this is sent fresh instead of edited in (default 4000).
	MaxMessageLength int
}

// Effective fills zero values with defaults.
func (c Config) Effective() Config {
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.MaxToolLines <= 0 {
		c.MaxToolLines = 20
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = 4000
	}
	return c
}

// Accumulator is tied to a single sandbox invocation.
type Accumulator struct {
	cfg    Config
	sender Sender
	jid    string
	logger *slog.Logger

	mu        sync.Mutex
	toolLines []string
	overflow  int
	textBuf   strings.Builder
	dirty     bool
	done      bool
	timer     *time.Timer

	// sendMu serializes channel writes so a later edit never overtakes an
	// earlier one. The final edit always observes all in-flight writes.
	sendMu    sync.Mutex
	messageID string
	sent      bool

	ctx context.Context
}

// New creates an accumulator for one invocation targeting jid.
func New(ctx context.Context, cfg Config, sender Sender, jid string, logger *slog.Logger) *Accumulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{
		cfg:    cfg.Effective(),
		sender: sender,
		jid:    jid,
		logger: logger.With("component", "stream"),
		ctx:    ctx,
	}
}

// AddToolStart records a tool invocation line.
func (a *Accumulator) AddToolStart(toolName, toolInput string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return
	}

	if len(a.toolLines) >= a.cfg.MaxToolLines {
		a.overflow++
	} else {
		line := "⚙ " + toolName
		if toolInput != "" {
			line += ": " + truncate(toolInput, 80)
		}
		a.toolLines = append(a.toolLines, line)
	}
	a.dirty = true
	a.armTimerLocked()
}

// AddTextDelta appends streamed text.
func (a *Accumulator) AddTextDelta(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return
	}
	a.textBuf.WriteString(text)
	a.dirty = true
	a.armTimerLocked()
}

// HasOutput reports whether anything was delivered to the channel.
func (a *Accumulator) HasOutput() bool {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.sent
}

// Finalize replaces the progress message with the final reply, stripped of
// internal-reasoning blocks. Returns the delivered text ("" when there was
// nothing to say) and whether anything went out.
func (a *Accumulator) Finalize(rawResult string) (string, bool) {
	a.mu.Lock()
	if a.done {
		a.mu.Unlock()
		return "", false
	}
	a.done = true
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()

	clean := strings.TrimSpace(StripInternal(rawResult))
	if clean == "" {
		return "", a.HasOutput()
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	switch {
	case a.messageID == "":
		// Nothing was streamed; plain send.
		id, err := a.sender.Send(a.ctx, a.jid, clean)
		if err != nil {
			a.logger.Error("final send failed", "jid", a.jid, "error", err)
			return "", a.sent
		}
		a.messageID = id
	case len(clean) > a.cfg.MaxMessageLength:
		// Too long to live in the edited message; send fresh.
		if _, err := a.sender.Send(a.ctx, a.jid, clean); err != nil {
			a.logger.Error("final send failed", "jid", a.jid, "error", err)
			return "", a.sent
		}
	default:
		if err := a.sender.Edit(a.ctx, a.jid, a.messageID, clean); err != nil {
			// Edit failures degrade to a fresh send.
			if _, err := a.sender.Send(a.ctx, a.jid, clean); err != nil {
				a.logger.Error("final send failed", "jid", a.jid, "error", err)
				return "", a.sent
			}
		}
	}

	a.sent = true
	return clean, true
}

// FinalizeTruncated marks an interrupted invocation: the progress message
// is finalized with a truncation marker so the user knows the reply ended
// early. Used when the hard deadline fires mid-reply.
func (a *Accumulator) FinalizeTruncated() {
	a.mu.Lock()
	partial := a.textBuf.String()
	a.mu.Unlock()
	if strings.TrimSpace(partial) == "" {
		a.mu.Lock()
		a.done = true
		a.mu.Unlock()
		return
	}
	a.Finalize(partial + "\n\n[reply interrupted]")
}

// armTimerLocked schedules a flush after the debounce window. Must be
// called with mu held.
func (a *Accumulator) armTimerLocked() {
	if a.timer != nil {
		return // already armed; bursts coalesce into one write
	}
	a.timer = time.AfterFunc(a.cfg.Debounce, a.flush)
}

// flush pushes the current progress snapshot to the channel.
func (a *Accumulator) flush() {
	a.mu.Lock()
	a.timer = nil
	if a.done || !a.dirty {
		a.mu.Unlock()
		return
	}
	a.dirty = false
	text := a.renderLocked()
	a.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return
	}
	if !a.sender.CanEdit(a.jid) {
		// No editing support: buffer until finalize.
		return
	}
	if len(text) > a.cfg.MaxMessageLength {
		text = text[:a.cfg.MaxMessageLength]
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	if a.messageID == "" {
		id, err := a.sender.Send(a.ctx, a.jid, text)
		if err != nil {
			a.logger.Warn("progress send failed", "jid", a.jid, "error", err)
			return
		}
		a.messageID = id
		a.sent = true
		return
	}
	if err := a.sender.Edit(a.ctx, a.jid, a.messageID, text); err != nil {
		a.logger.Warn("progress edit failed", "jid", a.jid, "error", err)
	}
}

// renderLocked composes the progress snapshot. Must be called with mu held.
func (a *Accumulator) renderLocked() string {
	var b strings.Builder
	for _, line := range a.toolLines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if a.overflow > 0 {
		fmt.Fprintf(&b, "⚙ … %d more tools\n", a.overflow)
	}
	if b.Len() > 0 && a.textBuf.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(a.textBuf.String())
	return b.String()
}

// StripInternal removes <internal>…</internal> blocks. An unclosed tag
// strips to the end.
func StripInternal(text string) string {
	const openTag = "<internal>"
	const closeTag = "</internal>"

	var result strings.Builder
	rest := text
	for {
		start := strings.Index(rest, openTag)
		if start < 0 {
			break
		}
		result.WriteString(rest[:start])
		end := strings.Index(rest[start:], closeTag)
		if end < 0 {
			rest = ""
			break
		}
		rest = rest[start+end+len(closeTag):]
	}
	result.WriteString(rest)
	return result.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
