package orchestrator

import (
	"testing"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

func TestBuildTriggerRegex(t *testing.T) {
	t.Parallel()

	re := BuildTriggerRegex("Sandclaw", "")
	tests := []struct {
		input string
		want  bool
	}{
		{"@Sandclaw hello", true},
		{"@sandclaw hello", true}, // case-insensitive
		{"hello @Sandclaw", false},
		{"@Sandclawing hello", false}, // word boundary
		{"plain message", false},
	}
	for _, tt := range tests {
		if got := re.MatchString(tt.input); got != tt.want {
			t.Errorf("match(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestBuildTriggerRegex_CustomTrigger(t *testing.T) {
	t.Parallel()

	re := BuildTriggerRegex("Sandclaw", "!ai")
	if !re.MatchString("@Sandclaw hello") {
		t.Error("assistant mention should match")
	}
	if !re.MatchString("!ai do something") {
		t.Error("custom trigger should match")
	}
	if re.MatchString("hello !ai") {
		t.Error("custom trigger mid-message should not match")
	}
}

func TestFormatMessages(t *testing.T) {
	t.Parallel()

	msgs := []store.Message{
		{SenderName: "Alice", Content: "Hello"},
		{SenderName: "Bob", Content: "World"},
	}
	got := FormatMessages(msgs)
	want := "[Alice]: Hello\n[Bob]: World"
	if got != want {
		t.Errorf("FormatMessages = %q, want %q", got, want)
	}

	if FormatMessages(nil) != "" {
		t.Error("empty batch should format to empty string")
	}
}

func TestAnyMatch(t *testing.T) {
	t.Parallel()

	re := BuildTriggerRegex("Sandclaw", "")
	msgs := []store.Message{
		{Content: "just chatting"},
		{Content: "  @Sandclaw recap please"},
	}
	if !anyMatch(msgs, re) {
		t.Error("batch with a trigger message should match")
	}
	if anyMatch(msgs[:1], re) {
		t.Error("batch without trigger should not match")
	}
}
