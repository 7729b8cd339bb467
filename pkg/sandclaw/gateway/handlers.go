package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/orchestrator"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	g.writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealthz reports liveness.
func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "sandclawd",
		"uptime_seconds": int(time.Since(g.startedAt).Seconds()),
	})
}

// handleReadyz reports readiness and orchestrator gauges.
func (g *Gateway) handleReadyz(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"registered_groups": g.state.GroupCount(),
		"active_sandboxes":  g.queue.ActiveCount(),
		"scheduler_enabled": true,
		"query_adapter":     g.cfg.QueryAdapter.Enabled,
	})
}

// ingressRequest is an inbound message from a channel adapter process.
type ingressRequest struct {
	MessageID  string `json:"message_id"`
	ChatJID    string `json:"chat_jid"`
	Sender     string `json:"sender"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
	Timestamp  string `json:"timestamp"`
	ChatName   string `json:"chat_name,omitempty"`
	IsGroup    bool   `json:"is_group"`
}

// ingressResponse reports routing outcome and trigger parity fields.
type ingressResponse struct {
	Accepted        bool   `json:"accepted"`
	Reason          string `json:"reason,omitempty"`
	GroupName       string `json:"group_name,omitempty"`
	GroupFolder     string `json:"group_folder,omitempty"`
	TriggerRequired bool   `json:"trigger_required"`
	TriggerPresent  bool   `json:"trigger_present"`
}

// handleIngress normalizes and accepts or rejects an inbound message:
// resolves the group, runs the trigger test, and persists accepted
// messages for the message loop to pick up.
func (g *Gateway) handleIngress(w http.ResponseWriter, r *http.Request) {
	var req ingressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChatJID == "" || req.Content == "" {
		g.writeError(w, "chat_jid and content are required", http.StatusBadRequest)
		return
	}
	if req.Timestamp == "" {
		req.Timestamp = store.Now()
	}

	group, registered := g.state.Group(req.ChatJID)
	resp := ingressResponse{}
	if !registered {
		resp.Reason = "chat is not registered"
		g.writeJSON(w, http.StatusOK, resp)
		return
	}

	isMain := group.Folder == g.cfg.Orchestrator.MainGroupFolder
	resp.GroupName = group.Name
	resp.GroupFolder = group.Folder
	resp.TriggerRequired = !isMain && group.RequiresTrigger

	re := orchestrator.BuildTriggerRegex(g.cfg.AssistantName, group.Trigger)
	resp.TriggerPresent = re.MatchString(strings.TrimSpace(req.Content))

	msg := &store.Message{
		ID:         req.MessageID,
		ChatJID:    req.ChatJID,
		Sender:     req.Sender,
		SenderName: req.SenderName,
		Content:    req.Content,
		Timestamp:  req.Timestamp,
	}
	if err := g.store.StoreMessage(r.Context(), msg); err != nil {
		g.writeError(w, "failed to store message", http.StatusInternalServerError)
		return
	}
	_ = g.store.StoreChatMetadata(r.Context(), req.ChatJID, req.ChatName, req.Timestamp, channelOf(req.ChatJID), req.IsGroup)

	resp.Accepted = true
	g.writeJSON(w, http.StatusOK, resp)
}

type sendRequest struct {
	ChatJID string `json:"chat_jid"`
	Text    string `json:"text"`
}

// handleSend delegates an outbound send through the channel manager and
// persists the assistant reply.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChatJID == "" || req.Text == "" {
		g.writeError(w, "chat_jid and text are required", http.StatusBadRequest)
		return
	}

	msgID, err := g.manager.Send(r.Context(), req.ChatJID, req.Text)
	if err != nil {
		g.writeError(w, err.Error(), http.StatusBadGateway)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"message_id": msgID})
}

type editRequest struct {
	ChatJID   string `json:"chat_jid"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// handleEdit delegates an outbound edit through the channel manager.
func (g *Gateway) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ChatJID == "" || req.MessageID == "" {
		g.writeError(w, "chat_jid and message_id are required", http.StatusBadRequest)
		return
	}

	if err := g.manager.Edit(r.Context(), req.ChatJID, req.MessageID, req.Text); err != nil {
		g.writeError(w, err.Error(), http.StatusBadGateway)
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleCommands runs a slash command and applies its effects.
func (g *Gateway) handleCommands(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Fill group context from shared state when the adapter did not.
	if req.GroupFolder == "" {
		if group, ok := g.state.Group(req.ChatJID); ok {
			req.GroupFolder = group.Folder
			req.GroupName = group.Name
			if req.CurrentModel == "" {
				req.CurrentModel = group.Model
			}
		}
	}
	if req.SessionID == "" && req.GroupFolder != "" {
		req.SessionID = g.state.Session(req.GroupFolder)
	}
	// For /status the model the sandbox last reported wins over the
	// configured one.
	if req.Command == "status" {
		if reported := g.state.ReportedModel(req.GroupFolder); reported != "" {
			req.CurrentModel = reported
		}
	}
	req.SandboxActive = g.queue.IsActive(req.ChatJID)

	ctx := &orchestrator.CommandContext{
		AssistantName: g.cfg.AssistantName,
		StartedAt:     g.startedAt,
		Catalog:       g.cfg.Models,
		DefaultModel:  g.cfg.DefaultModel,
	}
	result := orchestrator.HandleCommand(req, ctx)

	if len(result.Effects) > 0 {
		g.dispatcher.ApplyEffects(r.Context(), req.ChatJID, req.GroupFolder, result.Effects)
	}

	g.writeJSON(w, http.StatusOK, result)
}

// channelOf extracts the channel name from a JID prefix.
func channelOf(jid string) string {
	switch {
	case strings.HasPrefix(jid, "tg:"):
		return "telegram"
	case strings.HasPrefix(jid, "wa:"):
		return "whatsapp"
	case strings.HasPrefix(jid, "dc:"):
		return "discord"
	}
	return ""
}
