package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// Router state keys for the two cursors.
const (
	cursorLastSeenKey = "last_timestamp"
	cursorAgentKey    = "last_agent_timestamp"
)

// State is the process-wide shared state behind RW locks: registered
// groups, sandbox sessions, dispatch cursors, and the models sandboxes
// report. The store is the durable backing; reads come from memory, writes
// go to both.
type State struct {
	store  store.Store
	logger *slog.Logger

	groupsMu sync.RWMutex
	groups   map[string]store.Group // keyed by JID

	sessionsMu sync.RWMutex
	sessions   map[string]string // folder → session id

	cursorsMu  sync.RWMutex
	lastSeenTS string
	agentTS    map[string]string // jid → last agent timestamp

	modelsMu       sync.RWMutex
	reportedModels map[string]string // folder → model display string
}

// LoadState hydrates shared state from the store.
func LoadState(ctx context.Context, st store.Store, logger *slog.Logger) (*State, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &State{
		store:          st,
		logger:         logger.With("component", "state"),
		groups:         make(map[string]store.Group),
		sessions:       make(map[string]string),
		agentTS:        make(map[string]string),
		reportedModels: make(map[string]string),
	}

	groups, err := st.GetRegisteredGroups(ctx)
	if err != nil {
		return nil, err
	}
	s.groups = groups

	sessions, err := st.GetAllSessions(ctx)
	if err != nil {
		return nil, err
	}
	s.sessions = sessions

	s.lastSeenTS, _ = st.GetRouterState(ctx, cursorLastSeenKey)
	if raw, err := st.GetRouterState(ctx, cursorAgentKey); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.agentTS); err != nil {
			s.logger.Warn("agent cursor state unreadable, starting empty", "error", err)
			s.agentTS = make(map[string]string)
		}
	}

	s.logger.Info("state loaded",
		"groups", len(s.groups),
		"sessions", len(s.sessions),
		"agent_cursors", len(s.agentTS))
	return s, nil
}

// ---------- groups ----------

// Group looks up a registered group by JID.
func (s *State) Group(jid string) (store.Group, bool) {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	g, ok := s.groups[jid]
	return g, ok
}

// GroupByFolder looks up a registered group by folder name.
func (s *State) GroupByFolder(folder string) (store.Group, bool) {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	for _, g := range s.groups {
		if g.Folder == folder {
			return g, true
		}
	}
	return store.Group{}, false
}

// GroupJIDs returns the registered JIDs.
func (s *State) GroupJIDs() []string {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	jids := make([]string, 0, len(s.groups))
	for jid := range s.groups {
		jids = append(jids, jid)
	}
	return jids
}

// Groups returns a snapshot of all registered groups.
func (s *State) Groups() []store.Group {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	out := make([]store.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out
}

// GroupCount returns the number of registered groups.
func (s *State) GroupCount() int {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	return len(s.groups)
}

// PutGroup updates a group in memory and the store.
func (s *State) PutGroup(ctx context.Context, g store.Group) error {
	s.groupsMu.Lock()
	s.groups[g.JID] = g
	s.groupsMu.Unlock()
	return s.store.SetRegisteredGroup(ctx, &g)
}

// ---------- sessions ----------

// Session returns the sandbox session ID for a group folder.
func (s *State) Session(folder string) string {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return s.sessions[folder]
}

// SetSession records a session ID in memory and the store.
func (s *State) SetSession(ctx context.Context, folder, sessionID string) {
	s.sessionsMu.Lock()
	s.sessions[folder] = sessionID
	s.sessionsMu.Unlock()
	if err := s.store.SetSession(ctx, folder, sessionID); err != nil {
		s.logger.Warn("failed to persist session", "folder", folder, "error", err)
	}
}

// ClearSession removes a session from memory and the store.
func (s *State) ClearSession(ctx context.Context, folder string) {
	s.sessionsMu.Lock()
	delete(s.sessions, folder)
	s.sessionsMu.Unlock()
	if err := s.store.DeleteSession(ctx, folder); err != nil {
		s.logger.Warn("failed to delete session", "folder", folder, "error", err)
	}
}

// ---------- cursors ----------

// LastSeen returns the global inbound cursor.
func (s *State) LastSeen() string {
	s.cursorsMu.RLock()
	defer s.cursorsMu.RUnlock()
	return s.lastSeenTS
}

// AdvanceLastSeen moves the global cursor forward. It never rewinds.
func (s *State) AdvanceLastSeen(ctx context.Context, ts string) {
	s.cursorsMu.Lock()
	if ts <= s.lastSeenTS {
		s.cursorsMu.Unlock()
		return
	}
	s.lastSeenTS = ts
	s.cursorsMu.Unlock()
	if err := s.store.SetRouterState(ctx, cursorLastSeenKey, ts); err != nil {
		s.logger.Error("failed to persist last seen cursor", "error", err)
	}
}

// AgentCursor returns a group's agent cursor.
func (s *State) AgentCursor(jid string) string {
	s.cursorsMu.RLock()
	defer s.cursorsMu.RUnlock()
	return s.agentTS[jid]
}

// SetAgentCursor sets a group's agent cursor (used for both advance and
// rollback) and persists the cursor map.
func (s *State) SetAgentCursor(ctx context.Context, jid, ts string) {
	s.cursorsMu.Lock()
	if ts == "" {
		delete(s.agentTS, jid)
	} else {
		s.agentTS[jid] = ts
	}
	raw, err := json.Marshal(s.agentTS)
	s.cursorsMu.Unlock()
	if err != nil {
		s.logger.Error("failed to encode agent cursors", "error", err)
		return
	}
	if err := s.store.SetRouterState(ctx, cursorAgentKey, string(raw)); err != nil {
		s.logger.Error("failed to persist agent cursors", "error", err)
	}
}

// ---------- reported models ----------

// ReportedModel returns the model string last reported by a group's sandbox.
func (s *State) ReportedModel(folder string) string {
	s.modelsMu.RLock()
	defer s.modelsMu.RUnlock()
	return s.reportedModels[folder]
}

// SetReportedModel records the model a sandbox reported.
func (s *State) SetReportedModel(folder, model string) {
	s.modelsMu.Lock()
	s.reportedModels[folder] = model
	s.modelsMu.Unlock()
}
