// Package telegram implements the Telegram channel adapter using the Bot API
// directly via HTTP. JIDs are "tg:<chat id>". Supports long polling, send,
// editMessageText for progressive replies, and typing indicators.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels"
)

const jidPrefix = "tg:"

// Config holds Telegram adapter configuration.
type Config struct {
	// Token is the Bot API token from @BotFather.
	Token string `yaml:"token"`

	// AssistantName is used to normalize @bot mentions into the trigger form.
	AssistantName string `yaml:"assistant_name"`
}

// Telegram implements channels.Channel.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	baseURL  string
	botUser  string
	messages chan *channels.InboundMessage

	connected atomic.Bool
	offset    int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Telegram adapter.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{Timeout: 60 * time.Second},
		baseURL:  "https://api.telegram.org/bot" + cfg.Token,
		messages: make(chan *channels.InboundMessage, 256),
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Owns reports whether the JID carries the tg: prefix.
func (t *Telegram) Owns(jid string) bool { return strings.HasPrefix(jid, jidPrefix) }

// Connect verifies the token and starts the long-polling loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	me, err := t.getMe()
	if err != nil {
		return fmt.Errorf("telegram: verify token: %w", err)
	}
	t.botUser = me.Username
	t.connected.Store(true)
	t.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID)

	go t.pollLoop()
	return nil
}

// Disconnect stops the polling loop.
func (t *Telegram) Disconnect() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.connected.Store(false)
	t.logger.Info("telegram: disconnected")
	return nil
}

// Send sends text and returns the Telegram message ID.
func (t *Telegram) Send(ctx context.Context, jid, text string) (string, error) {
	if !t.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}
	chatID, err := chatIDFromJID(jid)
	if err != nil {
		return "", err
	}

	result, err := t.apiCall(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return "", err
	}

	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(result, &msg); err != nil {
		return "", fmt.Errorf("telegram: parse sendMessage result: %w", err)
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// Edit replaces the text of a previously sent message.
func (t *Telegram) Edit(ctx context.Context, jid, messageID, text string) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := chatIDFromJID(jid)
	if err != nil {
		return err
	}
	msgID, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid message ID %q: %w", messageID, err)
	}

	_, err = t.apiCall(ctx, "editMessageText", map[string]any{
		"chat_id":    chatID,
		"message_id": msgID,
		"text":       text,
	})
	return err
}

// SetTyping toggles the typing chat action. Telegram has no explicit "off";
// the indicator expires on its own, so off is a no-op.
func (t *Telegram) SetTyping(ctx context.Context, jid string, on bool) error {
	if !on || !t.connected.Load() {
		return nil
	}
	chatID, err := chatIDFromJID(jid)
	if err != nil {
		return nil
	}
	_, err = t.apiCall(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	})
	return err
}

// Receive returns the inbound message stream.
func (t *Telegram) Receive() <-chan *channels.InboundMessage { return t.messages }

// pollLoop runs the getUpdates long-polling loop with backoff on errors.
func (t *Telegram) pollLoop() {
	t.logger.Info("telegram: polling started")
	backoff := time.Second

	for {
		select {
		case <-t.ctx.Done():
			t.logger.Info("telegram: polling stopped")
			return
		default:
		}

		updates, err := t.getUpdates(t.offset, 100, 30)
		if err != nil {
			t.logger.Warn("telegram: getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.processUpdate(u)
		}
	}
}

// processUpdate converts a Telegram update into an InboundMessage.
func (t *Telegram) processUpdate(u tgUpdate) {
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil || msg.Text == "" {
		return
	}

	from := ""
	fromName := ""
	if msg.From != nil {
		if msg.From.IsBot {
			return
		}
		from = strconv.FormatInt(msg.From.ID, 10)
		fromName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if fromName == "" {
			fromName = msg.From.Username
		}
	}

	content := msg.Text
	if t.botUser != "" && t.cfg.AssistantName != "" {
		content = channels.NormalizeMention(content, "@"+t.botUser, t.cfg.AssistantName)
	}

	chatName := msg.Chat.Title
	if chatName == "" {
		chatName = fromName
	}

	inbound := &channels.InboundMessage{
		ID:         strconv.FormatInt(msg.MessageID, 10),
		ChatJID:    jidPrefix + strconv.FormatInt(msg.Chat.ID, 10),
		Sender:     from,
		SenderName: fromName,
		Content:    content,
		Timestamp:  time.Unix(msg.Date, 0).UTC(),
		ChatName:   chatName,
		IsGroup:    msg.Chat.Type == "group" || msg.Chat.Type == "supergroup",
	}

	select {
	case t.messages <- inbound:
	default:
		t.logger.Warn("telegram: message buffer full, dropping message", "msg_id", inbound.ID)
	}
}

// ---------- Bot API types ----------

type tgUpdate struct {
	UpdateID      int64      `json:"update_id"`
	Message       *tgMessage `json:"message"`
	EditedMessage *tgMessage `json:"edited_message"`
}

type tgMessage struct {
	MessageID int64   `json:"message_id"`
	From      *tgUser `json:"from"`
	Chat      tgChat  `json:"chat"`
	Date      int64   `json:"date"`
	Text      string  `json:"text"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	IsBot     bool   `json:"is_bot"`
}

type tgChat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

type tgBotUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ---------- API helpers ----------

func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	if ctx == nil {
		ctx = t.ctx
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

func (t *Telegram) getMe() (*tgBotUser, error) {
	data, err := t.apiCall(t.ctx, "getMe", map[string]any{})
	if err != nil {
		return nil, err
	}
	var user tgBotUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parse getMe: %w", err)
	}
	return &user, nil
}

func (t *Telegram) getUpdates(offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	data, err := t.apiCall(t.ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message", "edited_message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parse updates: %w", err)
	}
	return updates, nil
}

func chatIDFromJID(jid string) (int64, error) {
	raw := strings.TrimPrefix(jid, jidPrefix)
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid JID %q: %w", jid, err)
	}
	return chatID, nil
}

var _ channels.Channel = (*Telegram)(nil)
