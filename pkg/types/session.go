// Package types provides the core data types for the agentdeck server.
package types

// PermissionMode controls how tool invocations are gated for a session.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "acceptEdits"
	PermissionBypass      PermissionMode = "bypassPermissions"
	PermissionPlan        PermissionMode = "plan"
)

// ValidPermissionMode reports whether s names a known permission mode.
func ValidPermissionMode(s string) bool {
	switch PermissionMode(s) {
	case PermissionDefault, PermissionAcceptEdits, PermissionBypass, PermissionPlan:
		return true
	}
	return false
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a session's conversation history.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content any    `json:"content"`
	// Programmatic marks messages injected by another session rather
	// than typed by the human.
	Programmatic bool  `json:"programmatic,omitempty"`
	Time         int64 `json:"time"`
}

// ContextUsage is the last known token/cost accounting for a session.
type ContextUsage struct {
	TokensUsed    int     `json:"tokensUsed"`
	ContextWindow int     `json:"contextWindow"`
	CostUSD       float64 `json:"costUSD"`
}

// SessionMeta is the durable mirror of a session's state. The in-memory
// session record owned by the orchestrator is authoritative; this struct is
// only what gets written to and reloaded from the store.
type SessionMeta struct {
	ID             string         `json:"id"`
	WorkingDir     string         `json:"workingDir"`
	ConversationID string         `json:"conversationID,omitempty"`
	HistoryLen     int            `json:"historyLen"`
	ContextUsage   *ContextUsage  `json:"contextUsage,omitempty"`
	AllowedTools   []string       `json:"allowedTools,omitempty"`
	PermissionMode PermissionMode `json:"permissionMode,omitempty"`
	Time           SessionTime    `json:"time"`
}

// SessionTime contains timestamps for a session.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// GlobalSettings is the process-wide durable configuration shared by every
// session, most importantly the global allow-list.
type GlobalSettings struct {
	AllowedTools []string `json:"allowedTools"`
}

// QueuedMessage is a cross-session message waiting for its target session
// to become idle.
type QueuedMessage struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Time int64  `json:"time"`
}

// SessionStatus is the snapshot served by the status endpoint.
type SessionStatus struct {
	SessionID          string         `json:"sessionID"`
	Active             bool           `json:"active"`
	Thinking           bool           `json:"thinking"`
	PermissionMode     PermissionMode `json:"permissionMode"`
	PendingPermissions int            `json:"pendingPermissions"`
	HistoryLen         int            `json:"historyLen"`
	ContextUsage       *ContextUsage  `json:"contextUsage,omitempty"`
}
