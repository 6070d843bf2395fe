package allowlist

import "strings"

// SplitCompound splits a shell command into its sub-commands on the
// separators "&&", "||" and ";", ignoring separators inside single or double
// quotes. It is a character scanner, not a shell parser: redirects, pipes and
// subshells stay attached to the sub-command that contains them, which is
// what prefix matching wants.
func SplitCompound(command string) []string {
	var (
		subs    []string
		start   int
		inQuote byte // 0, '\'' or '"'
	)

	flush := func(end, next int) {
		if sub := strings.TrimSpace(command[start:end]); sub != "" {
			subs = append(subs, sub)
		}
		start = next
	}

	for i := 0; i < len(command); i++ {
		c := command[i]

		if inQuote != 0 {
			if c == '\\' && inQuote == '"' {
				i++ // escaped char inside double quotes
				continue
			}
			if c == inQuote {
				inQuote = 0
			}
			continue
		}

		switch c {
		case '\'', '"':
			inQuote = c
		case '\\':
			i++
		case ';':
			flush(i, i+1)
		case '&', '|':
			if i+1 < len(command) && command[i+1] == c {
				flush(i, i+2)
				i++
			}
		}
	}

	flush(len(command), len(command))
	return subs
}
