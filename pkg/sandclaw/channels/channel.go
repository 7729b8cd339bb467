// Package channels defines the capability interface the orchestrator uses to
// talk to chat platforms, and a Manager that routes outbound calls to the
// adapter owning a given JID. Adapters normalize platform-native mentions
// into the assistant trigger form before emitting inbound messages.
package channels

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// InboundMessage is a normalized message received from any channel.
type InboundMessage struct {
	// ID is the channel-scoped message identifier.
	ID string

	// ChatJID is the channel-prefixed chat identifier (e.g. "tg:123").
	ChatJID string

	// Sender is the platform sender identifier.
	Sender string

	// SenderName is the sender display name.
	SenderName string

	// Content is the normalized text content.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time

	// ChatName is the group or DM title, when the platform provides one.
	ChatName string

	// IsGroup reports whether the chat is a group.
	IsGroup bool
}

// Channel is the capability each adapter implements.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Owns reports whether this adapter handles the given JID.
	Owns(jid string) bool

	// Connect establishes the platform connection.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// Send delivers text to a chat and returns the platform message ID when
	// the platform exposes one (empty otherwise).
	Send(ctx context.Context, jid, text string) (string, error)

	// Edit replaces the text of a previously sent message.
	// Returns ErrEditUnsupported when the platform cannot edit.
	Edit(ctx context.Context, jid, messageID, text string) error

	// SetTyping toggles the typing indicator for a chat.
	SetTyping(ctx context.Context, jid string, on bool) error

	// Receive returns the stream of normalized inbound messages.
	Receive() <-chan *InboundMessage
}

// Errors shared across adapters.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrNoChannelForJID     = fmt.Errorf("no channel owns this JID")
	ErrEditUnsupported     = fmt.Errorf("channel does not support editing")
)

// Manager registers adapters and routes outbound calls by JID ownership.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	inbound  chan *InboundMessage
}

// NewManager creates an empty channel manager.
func NewManager() *Manager {
	return &Manager{
		inbound: make(chan *InboundMessage, 512),
	}
}

// Register adds an adapter and fans its inbound stream into the shared one.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels = append(m.channels, ch)
	m.mu.Unlock()

	go func() {
		for msg := range ch.Receive() {
			m.inbound <- msg
		}
	}()
}

// Inbound returns the merged inbound stream across all adapters.
func (m *Manager) Inbound() <-chan *InboundMessage {
	return m.inbound
}

// Channels returns a snapshot of the registered adapters.
func (m *Manager) Channels() []Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Channel, len(m.channels))
	copy(out, m.channels)
	return out
}

// forJID finds the adapter owning a JID.
func (m *Manager) forJID(jid string) (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		if ch.Owns(jid) {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoChannelForJID, jid)
}

// Owns reports whether any adapter handles the JID.
func (m *Manager) Owns(jid string) bool {
	_, err := m.forJID(jid)
	return err == nil
}

// Send routes a send to the owning adapter.
func (m *Manager) Send(ctx context.Context, jid, text string) (string, error) {
	ch, err := m.forJID(jid)
	if err != nil {
		return "", err
	}
	return ch.Send(ctx, jid, text)
}

// Edit routes an edit to the owning adapter.
func (m *Manager) Edit(ctx context.Context, jid, messageID, text string) error {
	ch, err := m.forJID(jid)
	if err != nil {
		return err
	}
	return ch.Edit(ctx, jid, messageID, text)
}

// SetTyping routes a typing toggle to the owning adapter.
func (m *Manager) SetTyping(ctx context.Context, jid string, on bool) error {
	ch, err := m.forJID(jid)
	if err != nil {
		return err
	}
	return ch.SetTyping(ctx, jid, on)
}

// CanEdit reports whether the adapter owning the JID supports editing.
func (m *Manager) CanEdit(jid string) bool {
	ch, err := m.forJID(jid)
	if err != nil {
		return false
	}
	if se, ok := ch.(interface{ SupportsEdit() bool }); ok {
		return se.SupportsEdit()
	}
	return true
}

// NormalizeMention rewrites a platform-native bot mention at the start of a
// message into the canonical "@AssistantName " trigger prefix.
func NormalizeMention(content, botMention, assistantName string) string {
	if botMention == "" {
		return content
	}
	trimmed := strings.TrimSpace(content)
	lower := strings.ToLower(trimmed)
	mention := strings.ToLower(botMention)
	if strings.HasPrefix(lower, mention) {
		rest := strings.TrimSpace(trimmed[len(botMention):])
		return "@" + assistantName + " " + rest
	}
	return content
}
