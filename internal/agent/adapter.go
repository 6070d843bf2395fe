// Package agent defines the narrow contract to the backing agent runtime:
// an adapter per session that runs queries and streams back typed events,
// plus a callback for tool-permission decisions. The runtime's reasoning
// and tool execution stay opaque behind this boundary.
package agent

import (
	"context"
	"encoding/json"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// Kind is the closed set of event variants an adapter may emit. The
// loosely-typed stream coming off the runtime is narrowed to these four at
// the adapter boundary and never propagated further.
type Kind int

const (
	// KindSystemInit announces the runtime's conversation id and advertised
	// slash commands; the session is thinking from here on.
	KindSystemInit Kind = iota
	// KindAssistant is an assistant message to append and relay verbatim.
	KindAssistant
	// KindUser is a user-side message, usually carrying a tool result.
	KindUser
	// KindResult closes a query: thinking stops and usage is final.
	KindResult
)

// Event is one typed event from the runtime.
type Event struct {
	Kind Kind

	// ConversationID and SlashCommands are set on KindSystemInit.
	ConversationID string
	SlashCommands  []string

	// Message is the verbatim message payload for KindAssistant/KindUser.
	Message json.RawMessage
	// ToolUseID is set when a KindUser event carries a tool result.
	ToolUseID string
	// ToolResult is the tool result content when ToolUseID is set.
	ToolResult json.RawMessage
	// Replay marks a message re-emitted by the runtime when resuming a
	// conversation; it must be relayed as history, never re-appended.
	Replay bool

	// Usage is set on KindResult.
	Usage *Usage
}

// Usage is the token accounting of a single completed query. InputTokens
// and CacheReadInputTokens are from the latest call only, not the
// cumulative per-model counters.
type Usage struct {
	InputTokens          int
	CacheReadInputTokens int
	ContextWindow        int
	CostUSD              float64
}

// PermissionResult is an answer to a tool-permission request.
type PermissionResult struct {
	Allow        bool
	UpdatedInput map[string]any
	Message      string
}

// PermissionFunc answers a tool-permission request. It may block for as
// long as a human takes to decide; the ctx is cancelled when the query is
// aborted.
type PermissionFunc func(ctx context.Context, toolName string, input map[string]any, invocationID string) PermissionResult

// Callbacks connects an adapter to its session.
type Callbacks struct {
	OnEvent      func(Event)
	OnError      func(error)
	OnPermission PermissionFunc
}

// Options configures a new adapter.
type Options struct {
	// Command is the agent binary; Args are prepended to the generated
	// flags.
	Command string
	Args    []string

	WorkingDir string
	// ResumeToken resumes an existing runtime conversation instead of
	// starting a fresh one.
	ResumeToken string
	// Fork branches off the resumed conversation: the runtime keeps its
	// history but assigns a fresh conversation id.
	Fork           bool
	PermissionMode types.PermissionMode

	Callbacks Callbacks
}

// Adapter wraps one runtime conversation.
type Adapter interface {
	// Start runs one query. It returns once the query is underway; events
	// arrive on the callbacks. Starting while a query is active is an
	// error.
	Start(ctx context.Context, prompt string) error
	// Abort cancels the in-flight query, if any. Safe to call when idle.
	Abort()
	// SetPermissionMode changes the mode used for subsequent queries.
	SetPermissionMode(mode types.PermissionMode)
	// IsActive reports whether a query is in flight.
	IsActive() bool
	// Close releases the adapter. Any in-flight query is aborted.
	Close() error
}

// Factory builds an adapter for a session.
type Factory func(opts Options) (Adapter, error)
