package orchestrator

import (
	"encoding/json"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// Outbound message types emitted to the owning connection.
const (
	MsgSessionReady       = "session_ready"
	MsgMessage            = "message"
	MsgPermissionRequest  = "permission_request"
	MsgThinking           = "thinking"
	MsgToolResult         = "tool_result"
	MsgSlashCommands      = "slash_commands"
	MsgAllowedTools       = "allowed_tools"
	MsgGlobalAllowedTools = "global_allowed_tools"
	MsgResult             = "result"
	MsgError              = "error"
)

// OutboundMessage is one event addressed to a session's owning connection.
// Exactly the fields for its Type are populated.
type OutboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionID"`

	// session_ready
	PermissionMode types.PermissionMode `json:"permissionMode,omitempty"`

	// message
	Role    types.Role `json:"role,omitempty"`
	Content any        `json:"content,omitempty"`
	// Replay tags history re-delivered by the resume protocol so clients
	// can distinguish it from live messages.
	Replay       bool `json:"replay,omitempty"`
	Programmatic bool `json:"programmatic,omitempty"`

	// permission_request / tool_result
	InvocationID string          `json:"invocationID,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Input        map[string]any  `json:"input,omitempty"`
	Title        string          `json:"title,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`

	// thinking
	Thinking *bool `json:"thinking,omitempty"`

	// slash_commands / allowed_tools / global_allowed_tools
	Commands []string `json:"commands,omitempty"`
	Patterns []string `json:"patterns,omitempty"`

	// result
	Usage *types.ContextUsage `json:"usage,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

func readyMsg(sessionID string, mode types.PermissionMode) OutboundMessage {
	return OutboundMessage{Type: MsgSessionReady, SessionID: sessionID, PermissionMode: mode}
}

func messageMsg(sessionID string, m types.Message, replay bool) OutboundMessage {
	return OutboundMessage{
		Type:         MsgMessage,
		SessionID:    sessionID,
		Role:         m.Role,
		Content:      m.Content,
		Replay:       replay,
		Programmatic: m.Programmatic,
	}
}

func permissionRequestMsg(sessionID, invocationID, toolName, title string, input map[string]any) OutboundMessage {
	return OutboundMessage{
		Type:         MsgPermissionRequest,
		SessionID:    sessionID,
		InvocationID: invocationID,
		ToolName:     toolName,
		Title:        title,
		Input:        input,
	}
}

func thinkingMsg(sessionID string, thinking bool) OutboundMessage {
	return OutboundMessage{Type: MsgThinking, SessionID: sessionID, Thinking: &thinking}
}

func toolResultMsg(sessionID, invocationID string, result json.RawMessage) OutboundMessage {
	return OutboundMessage{Type: MsgToolResult, SessionID: sessionID, InvocationID: invocationID, Result: result}
}

func slashCommandsMsg(sessionID string, commands []string) OutboundMessage {
	return OutboundMessage{Type: MsgSlashCommands, SessionID: sessionID, Commands: commands}
}

func allowedToolsMsg(sessionID string, patterns []string) OutboundMessage {
	return OutboundMessage{Type: MsgAllowedTools, SessionID: sessionID, Patterns: patterns}
}

func globalAllowedToolsMsg(sessionID string, patterns []string) OutboundMessage {
	return OutboundMessage{Type: MsgGlobalAllowedTools, SessionID: sessionID, Patterns: patterns}
}

func resultMsg(sessionID string, usage types.ContextUsage) OutboundMessage {
	return OutboundMessage{Type: MsgResult, SessionID: sessionID, Usage: &usage}
}

func errorMsg(sessionID, text string) OutboundMessage {
	return OutboundMessage{Type: MsgError, SessionID: sessionID, Error: text}
}
