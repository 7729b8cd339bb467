// Package whatsapp implements the WhatsApp channel adapter using whatsmeow,
// a native Go WhatsApp Web API library. JIDs are "wa:<platform jid>".
// Sessions persist in a SQLite store; first login prints a QR code event
// stream for pairing.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // session store driver

	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels"
)

const jidPrefix = "wa:"

// Config holds WhatsApp adapter configuration.
type Config struct {
	// SessionPath is the SQLite file for whatsmeow session persistence.
	SessionPath string `yaml:"session_path"`

	// AssistantName is used to normalize @mentions into the trigger form.
	AssistantName string `yaml:"assistant_name"`
}

// WhatsApp implements channels.Channel.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	messages  chan *channels.InboundMessage
	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp adapter.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionPath == "" {
		cfg.SessionPath = "./data/whatsapp.db"
	}
	return &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.InboundMessage, 256),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Owns reports whether the JID carries the wa: prefix.
func (w *WhatsApp) Owns(jid string) bool { return strings.HasPrefix(jid, jidPrefix) }

// Connect establishes the WhatsApp Web connection. With no stored session
// the QR pairing flow runs in the background and the codes are logged.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := os.MkdirAll(filepath.Dir(w.cfg.SessionPath), 0o755); err != nil {
		return fmt.Errorf("whatsapp: create session dir: %w", err)
	}

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.SessionPath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp: create session store: %w", err)
	}

	device, err := container.GetFirstDevice(w.ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: get device: %w", err)
	}

	store.SetOSInfo("Sandclaw", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		w.logger.Info("whatsapp: no session, QR pairing required")
		go w.loginWithQR()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}
	w.connected.Store(true)
	w.logger.Info("whatsapp: connected", "jid", w.client.Store.ID.String())
	return nil
}

// Disconnect closes the connection.
func (w *WhatsApp) Disconnect() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	w.connected.Store(false)
	w.logger.Info("whatsapp: disconnected")
	return nil
}

// Send sends text and returns the WhatsApp message ID.
func (w *WhatsApp) Send(ctx context.Context, jid, text string) (string, error) {
	if !w.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}
	target, err := parseJID(jid)
	if err != nil {
		return "", err
	}

	resp, err := w.client.SendMessage(ctx, target, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("whatsapp: send: %w", err)
	}
	return string(resp.ID), nil
}

// Edit replaces a previously sent message using the protocol edit.
func (w *WhatsApp) Edit(ctx context.Context, jid, messageID, text string) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	target, err := parseJID(jid)
	if err != nil {
		return err
	}

	edit := w.client.BuildEdit(target, types.MessageID(messageID), &waE2E.Message{
		Conversation: proto.String(text),
	})
	if _, err := w.client.SendMessage(ctx, target, edit); err != nil {
		return fmt.Errorf("whatsapp: edit: %w", err)
	}
	return nil
}

// SetTyping toggles the composing presence for a chat.
func (w *WhatsApp) SetTyping(ctx context.Context, jid string, on bool) error {
	if !w.connected.Load() {
		return nil
	}
	target, err := parseJID(jid)
	if err != nil {
		return nil
	}
	state := types.ChatPresenceComposing
	if !on {
		state = types.ChatPresencePaused
	}
	return w.client.SendChatPresence(ctx, target, state, types.ChatPresenceMediaText)
}

// Receive returns the inbound message stream.
func (w *WhatsApp) Receive() <-chan *channels.InboundMessage { return w.messages }

// loginWithQR drives the QR pairing flow, logging each code.
func (w *WhatsApp) loginWithQR() {
	qrChan, err := w.client.GetQRChannel(w.ctx)
	if err != nil {
		w.logger.Error("whatsapp: QR channel", "error", err)
		return
	}
	if err := w.client.Connect(); err != nil {
		w.logger.Error("whatsapp: QR connect", "error", err)
		return
	}
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			w.logger.Info("whatsapp: scan QR code to pair", "code", evt.Code)
		case "success":
			w.logger.Info("whatsapp: paired")
		default:
			w.logger.Warn("whatsapp: QR event", "event", evt.Event)
		}
	}
}

// handleEvent processes whatsmeow events.
func (w *WhatsApp) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		w.connected.Store(true)
		w.logger.Info("whatsapp: session connected")
	case *events.Disconnected:
		w.connected.Store(false)
		w.logger.Warn("whatsapp: session disconnected")
	case *events.LoggedOut:
		w.connected.Store(false)
		w.logger.Warn("whatsapp: logged out, pairing required")
	case *events.Message:
		w.handleMessage(evt)
	}
}

// handleMessage converts an incoming WhatsApp message into an InboundMessage.
func (w *WhatsApp) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}

	text := extractText(evt.Message)
	if text == "" {
		return
	}

	if w.cfg.AssistantName != "" {
		text = channels.NormalizeMention(text, "@"+strings.ToLower(w.cfg.AssistantName), w.cfg.AssistantName)
	}

	inbound := &channels.InboundMessage{
		ID:         string(evt.Info.ID),
		ChatJID:    jidPrefix + evt.Info.Chat.String(),
		Sender:     evt.Info.Sender.User,
		SenderName: evt.Info.PushName,
		Content:    text,
		Timestamp:  evt.Info.Timestamp.UTC(),
		IsGroup:    evt.Info.IsGroup,
	}

	select {
	case w.messages <- inbound:
	default:
		w.logger.Warn("whatsapp: message buffer full, dropping message", "msg_id", inbound.ID)
	}
}

// extractText pulls the text body out of the supported message kinds.
func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

// parseJID strips the wa: prefix and parses the platform JID.
func parseJID(jid string) (types.JID, error) {
	raw := strings.TrimPrefix(jid, jidPrefix)
	if raw == "" {
		return types.JID{}, fmt.Errorf("whatsapp: empty JID")
	}
	if strings.Contains(raw, "@") {
		parsed, err := types.ParseJID(raw)
		if err != nil {
			return types.JID{}, fmt.Errorf("whatsapp: invalid JID %q: %w", jid, err)
		}
		return parsed, nil
	}
	return types.NewJID(raw, types.DefaultUserServer), nil
}

var _ channels.Channel = (*WhatsApp)(nil)
