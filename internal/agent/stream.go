package agent

import "encoding/json"

// streamEnvelope is the wire shape of one line on the runtime's stream. It
// stays private to this package: the rest of the system only ever sees the
// closed Event variants.
type streamEnvelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	SessionID     string   `json:"session_id,omitempty"`
	SlashCommands []string `json:"slash_commands,omitempty"`

	Message  json.RawMessage `json:"message,omitempty"`
	IsReplay bool            `json:"isReplay,omitempty"`

	Usage              *streamUsage `json:"usage,omitempty"`
	ModelContextWindow int          `json:"model_context_window,omitempty"`
	TotalCostUSD       float64      `json:"total_cost_usd,omitempty"`

	RequestID string          `json:"request_id,omitempty"`
	Request   *controlRequest `json:"request,omitempty"`
}

type streamUsage struct {
	InputTokens          int `json:"input_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

type controlRequest struct {
	Subtype   string         `json:"subtype"`
	ToolName  string         `json:"tool_name"`
	Input     map[string]any `json:"input"`
	ToolUseID string         `json:"tool_use_id"`
}

// extractToolResult pulls the tool_use_id and result content out of a user
// message whose content blocks contain a tool_result.
func extractToolResult(message json.RawMessage) (string, json.RawMessage) {
	if len(message) == 0 {
		return "", nil
	}
	var msg struct {
		Content []struct {
			Type      string          `json:"type"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content"`
		} `json:"content"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return "", nil
	}
	for _, block := range msg.Content {
		if block.Type == "tool_result" && block.ToolUseID != "" {
			return block.ToolUseID, block.Content
		}
	}
	return "", nil
}
