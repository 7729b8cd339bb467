package orchestrator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/config"
)

// Command effects applied by the dispatcher after a handler returns.
type EffectKind string

const (
	EffectKillSandbox  EffectKind = "kill_sandbox"
	EffectClearSession EffectKind = "clear_session"
	EffectSwitchModel  EffectKind = "switch_model"
)

// Effect is one declarative post-command action.
type Effect struct {
	Kind    EffectKind `json:"kind"`
	ModelID string     `json:"model_id,omitempty"`
	Runtime string     `json:"runtime,omitempty"`
}

// CommandResult is what a command handler returns. Handlers are pure:
// no shared state, no I/O — effects are applied by the caller.
type CommandResult struct {
	Text      string   `json:"text"`
	ParseMode string   `json:"parse_mode,omitempty"`
	Effects   []Effect `json:"effects,omitempty"`
}

// CommandContext carries the read-only inputs handlers need.
type CommandContext struct {
	AssistantName string
	StartedAt     time.Time
	Catalog       []config.ModelEntry
	DefaultModel  string
}

// CommandRequest is the decoded /v1/commands payload.
type CommandRequest struct {
	ChatJID       string `json:"chat_jid"`
	Command       string `json:"command"`
	Args          string `json:"args"`
	GroupName     string `json:"group_name,omitempty"`
	GroupFolder   string `json:"group_folder,omitempty"`
	CurrentModel  string `json:"current_model,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	SandboxActive bool   `json:"sandbox_active"`
}

// HandleCommand dispatches a slash command. Unknown commands yield a
// human-readable refusal, never silence.
func HandleCommand(req CommandRequest, ctx *CommandContext) CommandResult {
	switch req.Command {
	case "help":
		return handleHelp(ctx)
	case "status":
		return handleStatus(req, ctx)
	case "model":
		return handleModel(req, ctx)
	case "reset", "new":
		return handleReset(req)
	default:
		return CommandResult{Text: fmt.Sprintf("Unknown command: /%s", req.Command)}
	}
}

func handleHelp(ctx *CommandContext) CommandResult {
	return CommandResult{
		Text: fmt.Sprintf(
			"*%s Commands*\n\n"+
				"/help — Show this command list\n"+
				"/status — Show runtime, session, and sandbox status\n"+
				"/model — Show available models\n"+
				"/model <#> — Switch model by number\n"+
				"/model <name> — Switch model by name\n"+
				"/reset — Clear session and stop the running sandbox\n"+
				"/new — Start a fresh chat (alias for /reset)",
			ctx.AssistantName),
		ParseMode: "Markdown",
	}
}

func handleStatus(req CommandRequest, ctx *CommandContext) CommandResult {
	if req.GroupFolder == "" {
		return CommandResult{Text: "This chat is not registered."}
	}

	modelID := req.CurrentModel
	if modelID == "" {
		modelID = ctx.DefaultModel
	}
	modelDisplay := modelID
	if m := findModel(ctx.Catalog, modelID); m != nil {
		modelDisplay = m.DisplayName
	}

	sessionDisplay := "_none_"
	if req.SessionID != "" {
		sid := req.SessionID
		if len(sid) > 12 {
			sid = sid[:12] + "..."
		}
		sessionDisplay = "`" + sid + "`"
	}

	sandboxStatus := "idle"
	if req.SandboxActive {
		sandboxStatus = "active"
	}

	uptime := time.Since(ctx.StartedAt)
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	uptimeDisplay := fmt.Sprintf("%dm", minutes)
	if hours > 0 {
		uptimeDisplay = fmt.Sprintf("%dh %dm", hours, minutes)
	}

	name := req.GroupName
	if name == "" {
		name = "Unknown"
	}

	return CommandResult{
		Text: fmt.Sprintf(
			"*Status for %s*\n\nModel: `%s`\nSession: %s\nSandbox: %s\nAssistant: %s\nUptime: %s",
			name, modelDisplay, sessionDisplay, sandboxStatus, ctx.AssistantName, uptimeDisplay),
		ParseMode: "Markdown",
	}
}

func handleModel(req CommandRequest, ctx *CommandContext) CommandResult {
	if req.GroupName == "" {
		return CommandResult{Text: "This chat is not registered."}
	}

	currentID := req.CurrentModel
	if currentID == "" {
		currentID = ctx.DefaultModel
	}

	if strings.TrimSpace(req.Args) == "" {
		currentDisplay := currentID
		if m := findModel(ctx.Catalog, currentID); m != nil {
			currentDisplay = m.DisplayName
		}
		var lines []string
		for i, m := range ctx.Catalog {
			active := ""
			if m.ID == currentID {
				active = " (active)"
			}
			lines = append(lines, fmt.Sprintf(" %d. `%s` — %s%s", i+1, m.ID, m.DisplayName, active))
		}
		return CommandResult{
			Text: fmt.Sprintf("*Current model:* %s\n\n%s\n\nSwitch: `/model <name>` or `/model <#>`",
				currentDisplay, strings.Join(lines, "\n")),
			ParseMode: "Markdown",
		}
	}

	newModel := ResolveModel(ctx.Catalog, req.Args)
	if newModel.ID == currentID {
		return CommandResult{
			Text:      fmt.Sprintf("Already using `%s`.", newModel.DisplayName),
			ParseMode: "Markdown",
		}
	}

	prevDisplay := currentID
	if m := findModel(ctx.Catalog, currentID); m != nil {
		prevDisplay = m.DisplayName
	}

	return CommandResult{
		Text: fmt.Sprintf("Switched from %s to *%s*.\nNext message starts a fresh session.",
			prevDisplay, newModel.DisplayName),
		ParseMode: "Markdown",
		Effects: []Effect{
			{Kind: EffectKillSandbox},
			{Kind: EffectClearSession},
			{Kind: EffectSwitchModel, ModelID: newModel.ID, Runtime: newModel.Runtime},
		},
	}
}

func handleReset(req CommandRequest) CommandResult {
	if req.GroupName == "" {
		return CommandResult{Text: "This chat is not registered."}
	}

	parts := []string{"Session cleared."}
	effects := []Effect{{Kind: EffectClearSession}}
	if req.SandboxActive {
		parts = []string{"Session cleared.", "Running sandbox stopped."}
		effects = []Effect{{Kind: EffectKillSandbox}, {Kind: EffectClearSession}}
	}
	parts = append(parts, "Next message will start a fresh session.")

	return CommandResult{Text: strings.Join(parts, " "), Effects: effects}
}

// ---------- model resolution ----------

func findModel(catalog []config.ModelEntry, id string) *config.ModelEntry {
	for i := range catalog {
		if catalog[i].ID == id {
			return &catalog[i]
		}
	}
	return nil
}

// RuntimeForModel infers a runtime from a model ID: catalog first, then
// well-known prefixes, then "claude".
func RuntimeForModel(catalog []config.ModelEntry, modelID string) string {
	if m := findModel(catalog, modelID); m != nil {
		return m.Runtime
	}
	id := strings.ToLower(modelID)
	switch {
	case strings.HasPrefix(id, "claude-"):
		return "claude"
	case strings.HasPrefix(id, "gemini-"):
		return "gemini"
	case strings.HasPrefix(id, "gpt-"),
		strings.HasPrefix(id, "codex-"),
		strings.HasPrefix(id, "o1-"),
		strings.HasPrefix(id, "o3-"),
		strings.HasPrefix(id, "o4-"):
		return "codex"
	}
	return "claude"
}

// ResolveModel resolves a /model argument: exact ID, catalog index,
// substring of ID or display name, and finally the raw ID verbatim with a
// prefix-inferred runtime.
func ResolveModel(catalog []config.ModelEntry, args string) config.ModelEntry {
	lower := strings.ToLower(strings.TrimSpace(args))

	for _, m := range catalog {
		if m.ID == lower {
			return m
		}
	}

	if num, err := strconv.Atoi(lower); err == nil && num >= 1 && num <= len(catalog) {
		return catalog[num-1]
	}

	for _, m := range catalog {
		if strings.Contains(m.ID, lower) || strings.Contains(strings.ToLower(m.DisplayName), lower) {
			return m
		}
	}

	return config.ModelEntry{
		ID:          lower,
		Runtime:     RuntimeForModel(catalog, lower),
		DisplayName: strings.TrimSpace(args),
	}
}
