package server

import (
	"context"
	"fmt"
	"time"

	"github.com/joestump/agentmux/internal/agent"
	"github.com/joestump/agentmux/internal/hub"
	"github.com/joestump/agentmux/internal/protocol"
	"github.com/joestump/agentmux/internal/store"
)

// dispatchServer routes server-scoped commands.
func (m *Manager) dispatchServer(ctx context.Context, cmd *protocol.Command, sub *hub.Subscriber) *protocol.Response {
	switch cmd.Type {
	case protocol.CmdListSessions:
		return protocol.OK(cmd, m.listSessions())
	case protocol.CmdCreateSession:
		return m.createSession(cmd)
	case protocol.CmdDeleteSession:
		return m.deleteSession(cmd)
	case protocol.CmdLoadSession:
		return m.loadSession(cmd)
	case protocol.CmdListStoredSessions:
		return m.listStoredSessions(cmd)
	case protocol.CmdSwitchSession:
		return m.switchSession(cmd, sub)
	case protocol.CmdGetMetrics:
		return protocol.OK(cmd, m.metricsSnapshot())
	case protocol.CmdHealthCheck:
		return protocol.OK(cmd, m.healthSnapshot())
	case protocol.CmdExtensionUIResp:
		return m.handleUIResponse(cmd)
	default:
		return protocol.Fail(cmd, fmt.Sprintf("no server handler for command %q", cmd.Type))
	}
}

func (m *Manager) listSessions() any {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sessions := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		entry := map[string]any{"id": id}
		if v, ok := m.versions.Current(id); ok {
			entry["sessionVersion"] = v
		}
		if meta, err := m.meta.Get(id); err == nil && meta != nil {
			entry["name"] = meta.Name
			entry["workingDir"] = meta.WorkingDir
			entry["model"] = meta.Model
			entry["createdAt"] = meta.CreatedAt
		}
		sessions = append(sessions, entry)
	}
	return map[string]any{"sessions": sessions}
}

// createSession brings a new agent session up under the session lock so a
// concurrent delete or duplicate create for the same id serializes.
func (m *Manager) createSession(cmd *protocol.Command) *protocol.Response {
	id := cmd.SessionID
	if id == "" {
		return protocol.Fail(cmd, "create_session requires a sessionId")
	}
	if cmd.WorkingDir == "" {
		return protocol.Fail(cmd, "create_session requires a workingDir")
	}

	handle, err := m.locks.Acquire("session:"+id, "create_session")
	if err != nil {
		return protocol.Fail(cmd, fmt.Sprintf("session %q is busy: %v", id, err))
	}
	defer m.locks.Release(handle)

	if m.hasSession(id) {
		return protocol.Fail(cmd, fmt.Sprintf("session %q already exists", id))
	}
	if !m.governor.TryReserveSessionSlot() {
		return protocol.Fail(cmd, "Maximum session count reached")
	}

	sess, err := m.factory(id, cmd.WorkingDir, cmd.Model)
	if err != nil {
		m.governor.ReleaseSessionSlot()
		return protocol.Fail(cmd, fmt.Sprintf("create session: %v", err))
	}

	m.installSession(sess)
	m.governor.RecordSessionCreated(id)
	m.versions.Init(id)

	now := time.Now().UTC()
	if err := m.meta.Put(store.Meta{
		ID: id, WorkingDir: cmd.WorkingDir, Model: cmd.Model,
		CreatedAt: now, LastActiveAt: now,
	}); err != nil {
		m.log.Warn().Err(err).Str("session", id).Msg("persist session metadata")
	}

	m.hub.Broadcast(protocol.Notification{Type: "session_created", SessionID: id})
	return protocol.OK(cmd, map[string]any{"sessionId": id})
}

// loadSession recreates a session from persisted metadata.
func (m *Manager) loadSession(cmd *protocol.Command) *protocol.Response {
	id := cmd.SessionID
	if id == "" {
		return protocol.Fail(cmd, "load_session requires a sessionId")
	}

	handle, err := m.locks.Acquire("session:"+id, "load_session")
	if err != nil {
		return protocol.Fail(cmd, fmt.Sprintf("session %q is busy: %v", id, err))
	}
	defer m.locks.Release(handle)

	if m.hasSession(id) {
		return protocol.Fail(cmd, fmt.Sprintf("session %q is already active", id))
	}
	meta, err := m.meta.Get(id)
	if err != nil {
		return protocol.Fail(cmd, fmt.Sprintf("read session metadata: %v", err))
	}
	if meta == nil {
		return protocol.Fail(cmd, fmt.Sprintf("no stored session with id %q", id))
	}
	if !m.governor.TryReserveSessionSlot() {
		return protocol.Fail(cmd, "Maximum session count reached")
	}

	sess, err := m.factory(id, meta.WorkingDir, meta.Model)
	if err != nil {
		m.governor.ReleaseSessionSlot()
		return protocol.Fail(cmd, fmt.Sprintf("load session: %v", err))
	}

	m.installSession(sess)
	m.governor.RecordSessionCreated(id)
	m.versions.Init(id)

	meta.LastActiveAt = time.Now().UTC()
	if err := m.meta.Put(*meta); err != nil {
		m.log.Warn().Err(err).Str("session", id).Msg("persist session metadata")
	}

	m.hub.Broadcast(protocol.Notification{Type: "session_created", SessionID: id})
	return protocol.OK(cmd, map[string]any{"sessionId": id, "workingDir": meta.WorkingDir})
}

// installSession registers the session and wires its event stream into the
// hub as passthrough frames.
func (m *Manager) installSession(sess agent.Session) {
	id := sess.ID()
	unsub := sess.Subscribe(func(evt agent.Event) {
		m.hub.BroadcastSession(id, protocol.Event{Type: "event", SessionID: id, Event: evt})
	})
	m.mu.Lock()
	m.sessions[id] = sess
	m.unsubs[id] = unsub
	m.mu.Unlock()
}

func (m *Manager) deleteSession(cmd *protocol.Command) *protocol.Response {
	id := cmd.SessionID
	if id == "" {
		return protocol.Fail(cmd, "delete_session requires a sessionId")
	}

	handle, err := m.locks.Acquire("session:"+id, "delete_session")
	if err != nil {
		return protocol.Fail(cmd, fmt.Sprintf("session %q is busy: %v", id, err))
	}
	defer m.locks.Release(handle)

	if !m.hasSession(id) {
		return protocol.Fail(cmd, fmt.Sprintf("no session with id %q", id))
	}
	m.disposeSession(id, "deleted")
	if err := m.meta.Delete(id); err != nil {
		m.log.Warn().Err(err).Str("session", id).Msg("delete session metadata")
	}
	return protocol.OK(cmd, map[string]any{"sessionId": id})
}

// disposeSession tears a live session down: close, release the slot, drop
// version state, cancel pending UI requests, and detach subscribers.
func (m *Manager) disposeSession(id, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	unsub := m.unsubs[id]
	delete(m.sessions, id)
	delete(m.unsubs, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	if unsub != nil {
		unsub()
	}
	if err := sess.Close(); err != nil {
		m.log.Warn().Err(err).Str("session", id).Msg("close session")
	}
	m.governor.ReleaseSessionSlot()
	m.versions.Forget(id)
	m.uireqs.CancelSessionRequests(id)
	m.hub.DropSession(id)
	m.governor.CleanupStaleData(m.activeSessionIDs())

	m.hub.Broadcast(protocol.Notification{Type: "session_deleted", SessionID: id, Reason: reason})
}

func (m *Manager) listStoredSessions(cmd *protocol.Command) *protocol.Response {
	records, err := m.meta.List()
	if err != nil {
		return protocol.Fail(cmd, fmt.Sprintf("list stored sessions: %v", err))
	}
	active := m.activeSessionIDs()
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"id":           rec.ID,
			"name":         rec.Name,
			"workingDir":   rec.WorkingDir,
			"model":        rec.Model,
			"createdAt":    rec.CreatedAt,
			"lastActiveAt": rec.LastActiveAt,
			"active":       active[rec.ID],
		})
	}
	return protocol.OK(cmd, map[string]any{"sessions": out})
}

// switchSession subscribes the issuing connection to a session's event
// stream. A connection may follow several sessions; switching adds one.
func (m *Manager) switchSession(cmd *protocol.Command, sub *hub.Subscriber) *protocol.Response {
	id := cmd.SessionID
	if id == "" {
		return protocol.Fail(cmd, "switch_session requires a sessionId")
	}
	if !m.hasSession(id) {
		return protocol.Fail(cmd, fmt.Sprintf("no session with id %q", id))
	}
	if sub == nil {
		return protocol.Fail(cmd, "switch_session requires a connected transport")
	}
	m.hub.SubscribeSession(sub, id)
	return protocol.OK(cmd, map[string]any{"sessionId": id})
}

func (m *Manager) handleUIResponse(cmd *protocol.Command) *protocol.Response {
	if err := m.uireqs.HandleResponse(cmd.RequestID, cmd.SessionID, cmd.Value); err != nil {
		return protocol.Fail(cmd, err.Error())
	}
	return protocol.OK(cmd, map[string]any{"requestId": cmd.RequestID})
}
