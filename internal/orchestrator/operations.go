package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/permission"
	"github.com/agentdeck/agentdeck/internal/storage"
	"github.com/agentdeck/agentdeck/pkg/types"
)

var (
	// errSessionBusy: a message arrived while a query is in flight. The
	// protocol allows at most one in-flight query per session.
	errSessionBusy = errors.New("session busy: query already in flight")

	errSessionNotActive = errors.New("session not active")
)

// SendMessage accepts a user message for a session. Sending while the agent
// is thinking is protocol misuse: logged and dropped, never a hard error
// that could take down a live conversation.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, content string) {
	sess := o.lookup(sessionID)
	if sess == nil {
		logging.Warn().Str("sessionID", sessionID).Msg("message for inactive session dropped")
		return
	}
	if err := o.deliver(ctx, sess, content, false); err != nil {
		if errors.Is(err, errSessionBusy) {
			logging.Warn().Str("sessionID", sessionID).Msg("message rejected: query already in flight")
			return
		}
		o.sendToOwner(sess, errorMsg(sessionID, err.Error()))
	}
}

// deliver appends a user message and starts a query on the adapter.
// Programmatic deliveries (cross-session handoffs) are also relayed to the
// owning connection so they render like a normal turn.
func (o *Orchestrator) deliver(ctx context.Context, sess *session, content string, programmatic bool) error {
	adapter := sess.getAdapter()
	if adapter == nil {
		return errSessionNotActive
	}
	if adapter.IsActive() {
		return errSessionBusy
	}

	msg := types.Message{
		ID:           ulid.Make().String(),
		Role:         types.RoleUser,
		Content:      content,
		Programmatic: programmatic,
		Time:         time.Now().UnixMilli(),
	}
	o.appendHistory(sess, msg)
	if programmatic {
		o.sendToOwner(sess, messageMsg(sess.id, msg, false))
	}
	o.publish(event.Event{Type: event.MessageAppended, SessionID: sess.id})

	o.setThinking(sess, true, false)

	if err := adapter.Start(ctx, content); err != nil {
		o.setThinking(sess, false, false)
		return fmt.Errorf("start query: %w", err)
	}
	return nil
}

// RespondToPermission renders a human decision for a pending tool
// invocation. A second call for an already-resolved invocation id is a
// no-op. After any decision the thinking flag is force-broadcast: the agent
// continues processing either way and the client's view may be stale.
func (o *Orchestrator) RespondToPermission(ctx context.Context, sessionID, invocationID string, res permission.Resolution) {
	sess := o.lookup(sessionID)
	if sess == nil {
		logging.Warn().Str("sessionID", sessionID).Msg("permission response for inactive session dropped")
		return
	}

	gate := sess.getGate()
	if gate == nil {
		return
	}
	req, ok := gate.Resolve(invocationID, res)
	if !ok {
		logging.Debug().
			Str("sessionID", sessionID).
			Str("invocationID", invocationID).
			Msg("permission already resolved")
		return
	}

	logging.Info().
		Str("sessionID", sessionID).
		Str("invocationID", invocationID).
		Str("tool", req.ToolName).
		Bool("allow", res.Allow).
		Msg("permission decision rendered")
	o.publish(event.Event{Type: event.PermissionResolved, SessionID: sessionID, Data: invocationID})

	if res.Allow && res.Remember && !res.Global {
		allowed := gate.Allowed()
		o.sendToOwner(sess, allowedToolsMsg(sessionID, allowed))
		o.persistAllowedTools(ctx, sessionID, allowed)
	}

	o.setThinking(sess, true, true)
}

// Abort cancels a session's in-flight query, forces thinking off and
// rejects every pending permission. Safe to call when nothing is in
// flight.
func (o *Orchestrator) Abort(ctx context.Context, sessionID string) {
	sess := o.lookup(sessionID)
	if sess == nil {
		return
	}
	o.abortSession(sess, "session aborted")
	o.publish(event.Event{Type: event.SessionAborted, SessionID: sessionID})
}

func (o *Orchestrator) abortSession(sess *session, reason string) {
	if adapter := sess.getAdapter(); adapter != nil {
		adapter.Abort()
	}
	if gate := sess.getGate(); gate != nil {
		for _, req := range gate.RejectAll(reason) {
			logging.Info().
				Str("sessionID", sess.id).
				Str("invocationID", req.InvocationID).
				Str("reason", reason).
				Msg("pending permission rejected")
		}
	}
	o.setThinking(sess, false, false)
}

// Shutdown aborts every active session and rejects all pending permissions.
// Subsequent operations no-op.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	sessions := make([]*session, 0, len(o.sessions))
	for _, sess := range o.sessions {
		sessions = append(sessions, sess)
	}
	o.sessions = make(map[string]*session)
	o.mu.Unlock()

	for _, sess := range sessions {
		o.abortSession(sess, "server shutdown")
		if adapter := sess.getAdapter(); adapter != nil {
			if err := adapter.Close(); err != nil {
				logging.Warn().Err(err).Str("sessionID", sess.id).Msg("close adapter")
			}
		}
	}
	logging.Info().Int("sessions", len(sessions)).Msg("orchestrator shut down")
}

// SetPermissionMode changes a session's permission mode live. Pending
// permission requests are not re-evaluated.
func (o *Orchestrator) SetPermissionMode(ctx context.Context, sessionID string, mode types.PermissionMode) {
	sess := o.lookup(sessionID)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	sess.mode = mode
	sess.mu.Unlock()

	if adapter := sess.getAdapter(); adapter != nil {
		adapter.SetPermissionMode(mode)
	}
	if err := o.store.UpdateSession(ctx, sessionID, func(m *types.SessionMeta) {
		m.PermissionMode = mode
	}); err != nil {
		logging.Warn().Err(err).Str("sessionID", sessionID).Msg("persist permission mode")
	}
}

// SetAllowedTools replaces a session's allow-list wholesale.
func (o *Orchestrator) SetAllowedTools(ctx context.Context, sessionID string, patterns []string) {
	sess := o.lookup(sessionID)
	if sess == nil {
		return
	}
	gate := sess.getGate()
	if gate == nil {
		return
	}
	gate.SetAllowed(patterns)
	o.sendToOwner(sess, allowedToolsMsg(sessionID, patterns))
	o.persistAllowedTools(ctx, sessionID, patterns)
}

// SetGlobalAllowedTools replaces the process-wide allow-list; the change is
// persisted and echoed to every active session's owning connection.
func (o *Orchestrator) SetGlobalAllowedTools(patterns []string) {
	o.global.Replace(patterns)
}

func (o *Orchestrator) persistAllowedTools(ctx context.Context, sessionID string, patterns []string) {
	if err := o.store.UpdateSession(ctx, sessionID, func(m *types.SessionMeta) {
		m.AllowedTools = patterns
	}); err != nil {
		logging.Warn().Err(err).Str("sessionID", sessionID).Msg("persist session allowlist")
	}
}

// Status returns a point-in-time snapshot of a session, falling back to the
// store for sessions that are not in memory.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*types.SessionStatus, error) {
	sess := o.lookup(sessionID)
	if sess == nil {
		meta, err := o.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return &types.SessionStatus{
			SessionID:      sessionID,
			Active:         false,
			PermissionMode: meta.PermissionMode,
			HistoryLen:     meta.HistoryLen,
			ContextUsage:   meta.ContextUsage,
		}, nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return &types.SessionStatus{
		SessionID:          sessionID,
		Active:             true,
		Thinking:           sess.thinking,
		PermissionMode:     sess.mode,
		PendingPermissions: len(sess.gate.Pending()),
		HistoryLen:         sess.historyTotal,
		ContextUsage:       sess.usage,
	}, nil
}

// SendMessageToSession hands a message from one session (or any programmatic
// caller) to another. An active, idle target gets it immediately; a busy or
// inactive target gets it durably queued for the next drain point.
func (o *Orchestrator) SendMessageToSession(ctx context.Context, targetSessionID, text string) error {
	sess := o.lookup(targetSessionID)
	if sess != nil && o.sessionIdle(sess) {
		if err := o.deliver(ctx, sess, text, true); err == nil {
			return nil
		} else if !errors.Is(err, errSessionBusy) {
			logging.Warn().Err(err).Str("sessionID", targetSessionID).Msg("direct handoff failed, queueing")
		}
	}
	return o.store.QueueMessage(ctx, targetSessionID, text)
}

// sessionIdle reports whether a session can take a handoff right now: not
// thinking, no query in flight, nothing pending on the gate.
func (o *Orchestrator) sessionIdle(sess *session) bool {
	sess.mu.Lock()
	thinking := sess.thinking
	sess.mu.Unlock()

	if thinking {
		return false
	}
	adapter, gate := sess.getAdapter(), sess.getGate()
	if adapter == nil || adapter.IsActive() {
		return false
	}
	return gate == nil || len(gate.Pending()) == 0
}

// SessionHistory returns the full persisted history of a session.
func (o *Orchestrator) SessionHistory(ctx context.Context, sessionID string) ([]types.Message, error) {
	msgs, err := o.store.GetMessages(ctx, sessionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return msgs, nil
}

// GlobalAllowedTools returns the current process-wide allow-list.
func (o *Orchestrator) GlobalAllowedTools() []string {
	return o.global.Patterns()
}
