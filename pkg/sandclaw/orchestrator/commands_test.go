package orchestrator

import (
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/config"
)

func testCommandContext() *CommandContext {
	return &CommandContext{
		AssistantName: "TestBot",
		StartedAt:     time.Now(),
		Catalog:       config.Default().Models,
		DefaultModel:  "claude-opus-4-6",
	}
}

func TestHandleCommand_Help(t *testing.T) {
	t.Parallel()

	result := HandleCommand(CommandRequest{Command: "help"}, testCommandContext())
	if !strings.Contains(result.Text, "TestBot Commands") {
		t.Errorf("help text = %q", result.Text)
	}
	if result.ParseMode != "Markdown" {
		t.Errorf("parse mode = %q", result.ParseMode)
	}
	if len(result.Effects) != 0 {
		t.Error("help should have no effects")
	}
}

func TestHandleCommand_StatusUnregistered(t *testing.T) {
	t.Parallel()

	result := HandleCommand(CommandRequest{Command: "status"}, testCommandContext())
	if !strings.Contains(result.Text, "not registered") {
		t.Errorf("text = %q", result.Text)
	}
}

func TestHandleCommand_StatusRegistered(t *testing.T) {
	t.Parallel()

	result := HandleCommand(CommandRequest{
		Command:       "status",
		GroupName:     "Test Group",
		GroupFolder:   "test-group",
		CurrentModel:  "claude-opus-4-6",
		SessionID:     "sess-abc123def456",
		SandboxActive: true,
	}, testCommandContext())

	for _, want := range []string{"Test Group", "Claude Opus 4.6", "active", "sess-abc123d"} {
		if !strings.Contains(result.Text, want) {
			t.Errorf("status text missing %q: %q", want, result.Text)
		}
	}
	if len(result.Effects) != 0 {
		t.Error("status should have no effects")
	}
}

func TestHandleCommand_ModelCatalog(t *testing.T) {
	t.Parallel()

	result := HandleCommand(CommandRequest{
		Command:      "model",
		GroupName:    "Test",
		GroupFolder:  "test",
		CurrentModel: "claude-opus-4-6",
	}, testCommandContext())

	if !strings.Contains(result.Text, "(active)") {
		t.Error("catalog should mark the active model")
	}
	if !strings.Contains(result.Text, "Gemini") {
		t.Error("catalog should list all models")
	}
}

func TestHandleCommand_ModelSwitchEffects(t *testing.T) {
	t.Parallel()

	result := HandleCommand(CommandRequest{
		Command:      "model",
		Args:         "gemini-3.1-pro",
		GroupName:    "Test",
		GroupFolder:  "test",
		CurrentModel: "claude-opus-4-6",
	}, testCommandContext())

	want := []Effect{
		{Kind: EffectKillSandbox},
		{Kind: EffectClearSession},
		{Kind: EffectSwitchModel, ModelID: "gemini-3.1-pro", Runtime: "gemini"},
	}
	if len(result.Effects) != len(want) {
		t.Fatalf("effects = %v", result.Effects)
	}
	for i := range want {
		if result.Effects[i] != want[i] {
			t.Errorf("effect[%d] = %+v, want %+v", i, result.Effects[i], want[i])
		}
	}
}

func TestHandleCommand_ModelAlreadyActive(t *testing.T) {
	t.Parallel()

	result := HandleCommand(CommandRequest{
		Command:      "model",
		Args:         "claude-opus-4-6",
		GroupName:    "Test",
		GroupFolder:  "test",
		CurrentModel: "claude-opus-4-6",
	}, testCommandContext())

	if !strings.Contains(result.Text, "Already using") {
		t.Errorf("text = %q", result.Text)
	}
	if len(result.Effects) != 0 {
		t.Error("no-op switch should have no effects")
	}
}

func TestHandleCommand_ResetEffects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		active bool
		want   []EffectKind
	}{
		{"active sandbox", true, []EffectKind{EffectKillSandbox, EffectClearSession}},
		{"idle", false, []EffectKind{EffectClearSession}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := HandleCommand(CommandRequest{
				Command:       "reset",
				GroupName:     "Test",
				GroupFolder:   "test",
				SandboxActive: tt.active,
			}, testCommandContext())

			if len(result.Effects) != len(tt.want) {
				t.Fatalf("effects = %v, want kinds %v", result.Effects, tt.want)
			}
			for i, kind := range tt.want {
				if result.Effects[i].Kind != kind {
					t.Errorf("effect[%d] = %v, want %v", i, result.Effects[i].Kind, kind)
				}
			}
			if !strings.Contains(result.Text, "Session cleared") {
				t.Errorf("text = %q", result.Text)
			}
		})
	}
}

func TestHandleCommand_NewIsResetAlias(t *testing.T) {
	t.Parallel()

	result := HandleCommand(CommandRequest{
		Command:   "new",
		GroupName: "Test",
	}, testCommandContext())
	if !strings.Contains(result.Text, "Session cleared") {
		t.Errorf("text = %q", result.Text)
	}
}

func TestHandleCommand_Unknown(t *testing.T) {
	t.Parallel()

	result := HandleCommand(CommandRequest{Command: "frobnicate"}, testCommandContext())
	if !strings.Contains(result.Text, "Unknown command: /frobnicate") {
		t.Errorf("text = %q", result.Text)
	}
}

func TestResolveModel(t *testing.T) {
	t.Parallel()

	catalog := config.Default().Models

	tests := []struct {
		name        string
		args        string
		wantID      string
		wantRuntime string
	}{
		{"by number", "2", "claude-sonnet-4-6", "claude"},
		{"by exact id", "gemini-3.1-pro", "gemini-3.1-pro", "gemini"},
		{"by substring", "codex", "gpt-5.3-codex", "codex"},
		{"unknown claude id", "claude-haiku-4-5", "claude-haiku-4-5", "claude"},
		{"unknown gpt id", "gpt-6", "gpt-6", "codex"},
		{"totally unknown", "mystery-model", "mystery-model", "claude"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := ResolveModel(catalog, tt.args)
			if m.ID != tt.wantID {
				t.Errorf("ID = %q, want %q", m.ID, tt.wantID)
			}
			if m.Runtime != tt.wantRuntime {
				t.Errorf("Runtime = %q, want %q", m.Runtime, tt.wantRuntime)
			}
		})
	}
}

func TestRuntimeForModel_PrefixInference(t *testing.T) {
	t.Parallel()

	catalog := config.Default().Models
	tests := map[string]string{
		"claude-anything": "claude",
		"gemini-anything": "gemini",
		"gpt-anything":    "codex",
		"o4-mini":         "codex",
		"unknown-model":   "claude",
	}
	for id, want := range tests {
		if got := RuntimeForModel(catalog, id); got != want {
			t.Errorf("RuntimeForModel(%q) = %q, want %q", id, got, want)
		}
	}
}
