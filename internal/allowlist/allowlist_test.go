package allowlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPattern(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		input    map[string]any
		expected string
	}{
		{
			name:     "bash wraps full command",
			tool:     "Bash",
			input:    map[string]any{"command": "pnpm build 2>&1"},
			expected: "Bash(pnpm build 2>&1)",
		},
		{
			name:     "bash without command falls back to bare name",
			tool:     "Bash",
			input:    map[string]any{},
			expected: "Bash",
		},
		{
			name:     "write scoped by file path",
			tool:     "Write",
			input:    map[string]any{"file_path": "/repo/README.md"},
			expected: "Write(/repo/README.md)",
		},
		{
			name:     "read scoped by file path",
			tool:     "Read",
			input:    map[string]any{"file_path": "/etc/hosts"},
			expected: "Read(/etc/hosts)",
		},
		{
			name:     "other tools use bare name",
			tool:     "WebSearch",
			input:    map[string]any{"query": "golang"},
			expected: "WebSearch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Pattern(tt.tool, tt.input))
		})
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name      string
		stored    string
		candidate string
		expected  bool
	}{
		{"exact match", "WebSearch", "WebSearch", true},
		{"exact file match", "Write(/repo/README.md)", "Write(/repo/README.md)", true},
		{"different file", "Write(/repo/README.md)", "Write(/repo/main.go)", false},
		{"bash prefix with extra args", "Bash(pnpm build)", "Bash(pnpm build 2>&1 | tee log)", true},
		{"bash prefix no word boundary", "Bash(pnpm build)", "Bash(pnpm buildx)", false},
		{"bash identical", "Bash(pnpm build)", "Bash(pnpm build)", true},
		{"bash longer stored than actual", "Bash(pnpm build 2>&1)", "Bash(pnpm build)", false},
		{"wildcard inside bash", "Bash(git *)", "Bash(git commit -m x)", true},
		{"wildcard inside bash no match", "Bash(git *)", "Bash(rm -rf /)", false},
		{"bare wildcard prefix", "mcp__github*", "mcp__github_create_issue", true},
		{"wildcard everything", "*", "Bash(anything)", true},
		{"bash pattern against file pattern", "Bash(pnpm build)", "Write(/x)", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Matches(tt.stored, tt.candidate))
		})
	}
}

func TestAllowed_CompoundCommands(t *testing.T) {
	session := []string{"Bash(pnpm test)"}
	global := []string{"Bash(pnpm lint)"}

	tests := []struct {
		name     string
		command  string
		expected bool
	}{
		{"single allowed", "pnpm test", true},
		{"single allowed with prefix", "pnpm test --watch", true},
		{"all subcommands across both lists", "pnpm test && pnpm lint", true},
		{"one subcommand unmatched", "pnpm test && pnpm build", false},
		{"semicolon separated", "pnpm test; pnpm lint", true},
		{"or separated", "pnpm test || pnpm lint", true},
		{"separator inside quotes is not a split", `echo "a && b"`, false},
		{"quoted separator with allowed base", `pnpm test "x && y"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := map[string]any{"command": tt.command}
			assert.Equal(t, tt.expected, Allowed("Bash", input, session, global))
		})
	}
}

func TestAllowed_NonBash(t *testing.T) {
	lists := [][]string{{"Write(/repo/README.md)", "WebSearch"}}

	assert.True(t, Allowed("Write", map[string]any{"file_path": "/repo/README.md"}, lists...))
	assert.False(t, Allowed("Write", map[string]any{"file_path": "/repo/other.md"}, lists...))
	assert.True(t, Allowed("WebSearch", map[string]any{"query": "x"}, lists...))
	assert.False(t, Allowed("WebFetch", map[string]any{"url": "x"}, lists...))
}
