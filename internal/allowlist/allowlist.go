// Package allowlist generates canonical permission patterns for tool
// invocations and tests them against stored allow-list patterns.
//
// A pattern encodes a tool name plus a scoping value: Bash commands keep the
// full command string ("Bash(pnpm build)"), file tools keep the file path
// ("Write(/repo/README.md)"), every other tool is its bare name ("WebSearch").
package allowlist

import (
	"encoding/json"
	"fmt"
	"strings"
)

// File tools whose patterns are scoped by their file_path argument.
var fileTools = map[string]bool{
	"Read":  true,
	"Write": true,
	"Edit":  true,
}

// Pattern builds the canonical permission pattern for a tool invocation.
func Pattern(toolName string, input map[string]any) string {
	switch {
	case toolName == "Bash":
		if cmd := stringField(input, "command"); cmd != "" {
			return fmt.Sprintf("Bash(%s)", cmd)
		}
		return "Bash"
	case fileTools[toolName]:
		if path := stringField(input, "file_path"); path != "" {
			return fmt.Sprintf("%s(%s)", toolName, path)
		}
		return toolName
	default:
		return toolName
	}
}

// Matches reports whether a single stored pattern authorizes the candidate
// pattern. Rules, in order:
//
//   - exact string equality always matches
//   - a stored pattern ending in "*)" or "*" is a prefix wildcard over
//     everything before the star
//   - two Bash(...) patterns match when the stored command is a prefix of the
//     candidate command ending at a word boundary: "Bash(pnpm build)" covers
//     "Bash(pnpm build 2>&1)" but not "Bash(pnpm buildx)"
func Matches(stored, candidate string) bool {
	if stored == candidate {
		return true
	}

	if prefix, ok := wildcardPrefix(stored); ok {
		return strings.HasPrefix(candidate, prefix)
	}

	storedCmd, ok1 := bashCommand(stored)
	candCmd, ok2 := bashCommand(candidate)
	if ok1 && ok2 {
		return candCmd == storedCmd || strings.HasPrefix(candCmd, storedCmd+" ")
	}

	return false
}

// MatchesAny reports whether any pattern in any of the given lists
// authorizes the candidate.
func MatchesAny(candidate string, lists ...[]string) bool {
	for _, list := range lists {
		for _, stored := range list {
			if Matches(stored, candidate) {
				return true
			}
		}
	}
	return false
}

// Allowed decides whether a tool invocation may proceed without asking a
// human, given the union of the session and global allow-lists. A compound
// Bash command is allowed only when every sub-command is independently
// authorized.
func Allowed(toolName string, input map[string]any, lists ...[]string) bool {
	if toolName == "Bash" {
		if cmd := stringField(input, "command"); cmd != "" {
			subs := SplitCompound(cmd)
			if len(subs) > 1 {
				for _, sub := range subs {
					if !MatchesAny(fmt.Sprintf("Bash(%s)", sub), lists...) {
						return false
					}
				}
				return true
			}
		}
	}
	return MatchesAny(Pattern(toolName, input), lists...)
}

// wildcardPrefix returns the literal prefix of a wildcard pattern, or
// ok=false when the pattern has no trailing star.
func wildcardPrefix(pattern string) (string, bool) {
	if strings.HasSuffix(pattern, "*)") {
		return pattern[:len(pattern)-2], true
	}
	if strings.HasSuffix(pattern, "*") {
		return pattern[:len(pattern)-1], true
	}
	return "", false
}

// bashCommand extracts the command string from a "Bash(...)" pattern.
func bashCommand(pattern string) (string, bool) {
	if strings.HasPrefix(pattern, "Bash(") && strings.HasSuffix(pattern, ")") {
		return pattern[len("Bash(") : len(pattern)-1], true
	}
	return "", false
}

func stringField(input map[string]any, key string) string {
	switch v := input[key].(type) {
	case string:
		return v
	case json.RawMessage:
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	}
	return ""
}
