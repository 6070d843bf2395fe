package allowlist

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// CommandWords parses a shell command and returns the leading words of each
// simple command it contains ("git commit", "pnpm test"). Used for
// human-readable permission request titles; a command that does not parse
// falls back to its first whitespace-separated token.
func CommandWords(command string) []string {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		if fields := strings.Fields(command); len(fields) > 0 {
			return []string{fields[0]}
		}
		return nil
	}

	var words []string
	syntax.Walk(file, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		name := literalWord(call.Args[0])
		if name == "" {
			return true
		}
		// Keep the first non-flag argument as a subcommand ("git commit").
		for _, arg := range call.Args[1:] {
			s := literalWord(arg)
			if s != "" && !strings.HasPrefix(s, "-") {
				name += " " + s
				break
			}
		}
		words = append(words, name)
		return true
	})
	return words
}

// literalWord flattens the literal parts of a shell word. Expansions are
// replaced with placeholders so the result stays stable for display.
func literalWord(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}
