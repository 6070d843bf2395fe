package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/allowlist"
	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// handleAgentEvent is the single classification point for the adapter's
// event stream. Each variant maps to one state update + persistence + relay.
func (o *Orchestrator) handleAgentEvent(sess *session, e agent.Event) {
	switch e.Kind {
	case agent.KindSystemInit:
		o.handleSystemInit(sess, e)
	case agent.KindAssistant:
		o.handleAssistant(sess, e)
	case agent.KindUser:
		o.handleUser(sess, e)
	case agent.KindResult:
		o.handleResult(sess, e)
	}
}

func (o *Orchestrator) handleSystemInit(sess *session, e agent.Event) {
	sess.mu.Lock()
	sess.conversationID = e.ConversationID
	sess.slashCommands = e.SlashCommands
	connID := sess.connID
	sess.mu.Unlock()

	o.setThinking(sess, true, false)
	o.send(connID, slashCommandsMsg(sess.id, e.SlashCommands))

	if err := o.store.UpdateSession(context.Background(), sess.id, func(m *types.SessionMeta) {
		m.ConversationID = e.ConversationID
	}); err != nil {
		logging.Warn().Err(err).Str("sessionID", sess.id).Msg("persist conversation id")
	}
}

func (o *Orchestrator) handleAssistant(sess *session, e agent.Event) {
	msg := types.Message{
		ID:      ulid.Make().String(),
		Role:    types.RoleAssistant,
		Content: json.RawMessage(e.Message),
		Time:    time.Now().UnixMilli(),
	}

	if e.Replay {
		// Runtime-side replay after a conversation resume: relay as
		// history, never re-append.
		o.sendToOwner(sess, messageMsg(sess.id, msg, true))
		return
	}

	o.appendHistory(sess, msg)
	o.sendToOwner(sess, messageMsg(sess.id, msg, false))
	o.publish(event.Event{Type: event.MessageAppended, SessionID: sess.id})
}

func (o *Orchestrator) handleUser(sess *session, e agent.Event) {
	if e.ToolUseID != "" {
		o.sendToOwner(sess, toolResultMsg(sess.id, e.ToolUseID, e.ToolResult))
		return
	}
	if e.Replay {
		msg := types.Message{Role: types.RoleUser, Content: json.RawMessage(e.Message)}
		o.sendToOwner(sess, messageMsg(sess.id, msg, true))
	}
}

func (o *Orchestrator) handleResult(sess *session, e agent.Event) {
	usage := contextUsageFrom(e.Usage)

	sess.mu.Lock()
	sess.usage = &usage
	sess.mu.Unlock()

	o.setThinking(sess, false, false)
	o.sendToOwner(sess, resultMsg(sess.id, usage))
	o.publish(event.Event{Type: event.SessionResult, SessionID: sess.id, Data: usage})

	if err := o.store.UpdateSession(context.Background(), sess.id, func(m *types.SessionMeta) {
		m.ContextUsage = &usage
	}); err != nil {
		logging.Warn().Err(err).Str("sessionID", sess.id).Msg("persist context usage")
	}

	// A finished query is a drain point for queued cross-session messages.
	o.drainQueued(context.Background(), sess)
}

// contextUsageFrom applies the usage formula: tokens from the latest call
// only (input + cache reads), never the cumulative per-model counters,
// which double count across calls.
func contextUsageFrom(u *agent.Usage) types.ContextUsage {
	usage := types.ContextUsage{ContextWindow: contextWindowFallback}
	if u == nil {
		return usage
	}
	usage.TokensUsed = u.InputTokens + u.CacheReadInputTokens
	usage.CostUSD = u.CostUSD
	if u.ContextWindow > 0 {
		usage.ContextWindow = u.ContextWindow
	}
	return usage
}

// setThinking updates the thinking flag. Transitions are broadcast only on
// change, except with force set, where the current value is re-broadcast
// regardless: after a permission decision the client's view may be stale.
func (o *Orchestrator) setThinking(sess *session, thinking, force bool) {
	sess.mu.Lock()
	changed := sess.thinking != thinking
	sess.thinking = thinking
	connID := sess.connID
	sess.mu.Unlock()

	if changed || force {
		o.send(connID, thinkingMsg(sess.id, thinking))
		o.publish(event.Event{Type: event.SessionThinking, SessionID: sess.id, Data: thinking})
	}
}

// appendHistory appends one message to the bounded in-memory tail and the
// unbounded persisted history. A store failure is logged and does not roll
// back the in-memory append.
func (o *Orchestrator) appendHistory(sess *session, msg types.Message) {
	sess.mu.Lock()
	sess.tail = append(sess.tail, msg)
	if len(sess.tail) > o.historyWindow {
		sess.tail = sess.tail[len(sess.tail)-o.historyWindow:]
	}
	sess.historyTotal++
	sess.mu.Unlock()

	if err := o.store.AppendMessages(context.Background(), sess.id, msg); err != nil {
		logging.Error().Err(err).Str("sessionID", sess.id).Msg("persist message")
	}
}

// permissionFunc bridges the adapter's blocking permission callback to the
// session's gate. The suspension may last as long as a human takes; only
// query abort (ctx) cuts it short from this side.
func (o *Orchestrator) permissionFunc(sess *session) agent.PermissionFunc {
	return func(ctx context.Context, toolName string, input map[string]any, invocationID string) agent.PermissionResult {
		ch, auto := sess.getGate().Request(toolName, input, invocationID)
		if auto {
			return agent.PermissionResult{Allow: true}
		}

		o.sendToOwner(sess, permissionRequestMsg(sess.id, invocationID, toolName, requestTitle(toolName, input), input))
		o.publish(event.Event{Type: event.PermissionRequested, SessionID: sess.id, Data: invocationID})

		select {
		case d := <-ch:
			return agent.PermissionResult{Allow: d.Allow, UpdatedInput: d.UpdatedInput, Message: d.Message}
		case <-ctx.Done():
			return agent.PermissionResult{Allow: false, Message: "query aborted before a decision was made"}
		}
	}
}

// requestTitle renders a short human-readable description of a tool
// invocation for the approval UI.
func requestTitle(toolName string, input map[string]any) string {
	if toolName == "Bash" {
		if cmd, ok := input["command"].(string); ok && cmd != "" {
			if words := allowlist.CommandWords(cmd); len(words) > 0 {
				return "Run " + strings.Join(words, ", ")
			}
		}
		return "Run shell command"
	}
	if path, ok := input["file_path"].(string); ok && path != "" {
		return toolName + " " + path
	}
	return toolName
}

// relayAgentError relays an adapter failure verbatim; the session stays
// alive for a subsequent message.
func (o *Orchestrator) relayAgentError(sess *session, err error) {
	logging.Error().Err(err).Str("sessionID", sess.id).Msg("agent adapter error")
	o.setThinking(sess, false, false)
	o.sendToOwner(sess, errorMsg(sess.id, err.Error()))
}

// drainQueued delivers at most one queued cross-session message: delivery
// starts a query, so the rest of the queue waits for the next result. A
// failed delivery is re-enqueued at the head rather than dropped.
func (o *Orchestrator) drainQueued(ctx context.Context, sess *session) {
	msgs, err := o.store.GetPendingMessages(ctx, sess.id)
	if err != nil {
		logging.Error().Err(err).Str("sessionID", sess.id).Msg("drain queued messages")
		return
	}
	if len(msgs) == 0 {
		return
	}

	// Put everything beyond the head back, preserving order.
	for i := len(msgs) - 1; i >= 1; i-- {
		if err := o.store.RequeueMessage(ctx, sess.id, msgs[i]); err != nil {
			logging.Error().Err(err).Str("sessionID", sess.id).Msg("requeue pending message")
		}
	}

	head := msgs[0]
	if err := o.deliver(ctx, sess, head.Text, true); err != nil {
		logging.Warn().Err(err).Str("sessionID", sess.id).Msg("queued delivery failed, re-enqueueing")
		if err := o.store.RequeueMessage(ctx, sess.id, head); err != nil {
			logging.Error().Err(err).Str("sessionID", sess.id).Msg("re-enqueue failed message")
		}
	}
}
