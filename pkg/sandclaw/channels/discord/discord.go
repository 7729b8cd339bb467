// Package discord implements the Discord channel adapter using discordgo.
// JIDs are "dc:<channel id>".
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels"
)

const jidPrefix = "dc:"

// Config holds Discord adapter configuration.
type Config struct {
	// Token is the bot token.
	Token string `yaml:"token"`

	// AssistantName is used to normalize <@bot> mentions into the trigger form.
	AssistantName string `yaml:"assistant_name"`
}

// Discord implements channels.Channel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages  chan *channels.InboundMessage
	connected atomic.Bool
	botID     string
}

// New creates a Discord adapter.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.InboundMessage, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Owns reports whether the JID carries the dc: prefix.
func (d *Discord) Owns(jid string) bool { return strings.HasPrefix(jid, jidPrefix) }

// Connect opens the gateway session.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	d.session = session
	if session.State != nil && session.State.User != nil {
		d.botID = session.State.User.ID
	}
	d.connected.Store(true)
	d.logger.Info("discord: connected", "bot", d.botID)
	return nil
}

// Disconnect closes the gateway session.
func (d *Discord) Disconnect() error {
	d.connected.Store(false)
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("discord: close: %w", err)
		}
	}
	d.logger.Info("discord: disconnected")
	return nil
}

// Send sends text and returns the Discord message ID.
func (d *Discord) Send(ctx context.Context, jid, text string) (string, error) {
	if !d.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}
	channelID := strings.TrimPrefix(jid, jidPrefix)
	msg, err := d.session.ChannelMessageSend(channelID, text)
	if err != nil {
		return "", fmt.Errorf("discord: send: %w", err)
	}
	return msg.ID, nil
}

// Edit replaces the content of a previously sent message.
func (d *Discord) Edit(ctx context.Context, jid, messageID, text string) error {
	if !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	channelID := strings.TrimPrefix(jid, jidPrefix)
	if _, err := d.session.ChannelMessageEdit(channelID, messageID, text); err != nil {
		return fmt.Errorf("discord: edit: %w", err)
	}
	return nil
}

// SetTyping triggers the typing indicator. Discord's indicator expires on
// its own; off is a no-op.
func (d *Discord) SetTyping(ctx context.Context, jid string, on bool) error {
	if !on || !d.connected.Load() {
		return nil
	}
	channelID := strings.TrimPrefix(jid, jidPrefix)
	return d.session.ChannelTyping(channelID)
}

// Receive returns the inbound message stream.
func (d *Discord) Receive() <-chan *channels.InboundMessage { return d.messages }

// onMessageCreate converts gateway messages into InboundMessages.
func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}

	content := m.Content
	if d.botID != "" && d.cfg.AssistantName != "" {
		content = channels.NormalizeMention(content, "<@"+d.botID+">", d.cfg.AssistantName)
	}

	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	inbound := &channels.InboundMessage{
		ID:         m.ID,
		ChatJID:    jidPrefix + m.ChannelID,
		Sender:     m.Author.ID,
		SenderName: name,
		Content:    content,
		Timestamp:  ts.UTC(),
		IsGroup:    m.GuildID != "",
	}

	select {
	case d.messages <- inbound:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", m.ID)
	}
}

var _ channels.Channel = (*Discord)(nil)
