package channels

import (
	"context"
	"testing"
	"time"
)

// stubChannel owns a single prefix and records calls.
type stubChannel struct {
	name    string
	prefix  string
	inbound chan *InboundMessage
	sends   []string
	edits   []string
}

func newStub(name, prefix string) *stubChannel {
	return &stubChannel{name: name, prefix: prefix, inbound: make(chan *InboundMessage, 4)}
}

func (s *stubChannel) Name() string                      { return s.name }
func (s *stubChannel) Owns(jid string) bool              { return len(jid) >= len(s.prefix) && jid[:len(s.prefix)] == s.prefix }
func (s *stubChannel) Connect(ctx context.Context) error { return nil }
func (s *stubChannel) Disconnect() error                 { return nil }

func (s *stubChannel) Send(ctx context.Context, jid, text string) (string, error) {
	s.sends = append(s.sends, text)
	return "id-1", nil
}

func (s *stubChannel) Edit(ctx context.Context, jid, messageID, text string) error {
	s.edits = append(s.edits, text)
	return nil
}

func (s *stubChannel) SetTyping(ctx context.Context, jid string, on bool) error { return nil }
func (s *stubChannel) Receive() <-chan *InboundMessage                          { return s.inbound }

func TestManager_RoutesByOwnership(t *testing.T) {
	t.Parallel()

	m := NewManager()
	tg := newStub("telegram", "tg:")
	wa := newStub("whatsapp", "wa:")
	m.Register(tg)
	m.Register(wa)

	if _, err := m.Send(context.Background(), "tg:1", "hello"); err != nil {
		t.Fatal(err)
	}
	if len(tg.sends) != 1 || len(wa.sends) != 0 {
		t.Errorf("send routed wrong: tg=%d wa=%d", len(tg.sends), len(wa.sends))
	}

	if err := m.Edit(context.Background(), "wa:abc", "id-1", "edited"); err != nil {
		t.Fatal(err)
	}
	if len(wa.edits) != 1 {
		t.Errorf("edit not routed to whatsapp")
	}

	if _, err := m.Send(context.Background(), "dc:1", "nope"); err == nil {
		t.Error("unowned JID should error")
	}
	if !m.Owns("tg:5") || m.Owns("xx:5") {
		t.Error("ownership checks wrong")
	}
}

func TestManager_MergesInbound(t *testing.T) {
	t.Parallel()

	m := NewManager()
	tg := newStub("telegram", "tg:")
	m.Register(tg)

	want := &InboundMessage{ID: "1", ChatJID: "tg:1", Content: "hi", Timestamp: time.Now()}
	tg.inbound <- want

	select {
	case got := <-m.Inbound():
		if got.ID != "1" || got.ChatJID != "tg:1" {
			t.Errorf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound message never arrived")
	}
}

func TestNormalizeMention(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		mention string
		want    string
	}{
		{"native mention", "@mybot do the thing", "@mybot", "@Sandclaw do the thing"},
		{"case-insensitive", "@MyBot recap", "@mybot", "@Sandclaw recap"},
		{"mid-message untouched", "ask @mybot later", "@mybot", "ask @mybot later"},
		{"no mention", "plain text", "@mybot", "plain text"},
		{"empty mention", "anything", "", "anything"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NormalizeMention(tt.content, tt.mention, "Sandclaw")
			if got != tt.want {
				t.Errorf("NormalizeMention = %q, want %q", got, tt.want)
			}
		})
	}
}
