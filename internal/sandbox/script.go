package sandbox

import (
	"regexp"
	"strings"

	"github.com/hazardsafe/gatekeeper/pkg/schema"
)

// statement is one parsed script statement. Target is empty for a bare
// expression statement (evaluated for effect, e.g. print).
type statement struct {
	Target     string
	Expression string
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*`)

// pythonTokens maps Python-flavored tokens to their expression-language
// equivalents. The upstream policy generator emits Python-style scripts;
// normalizing here keeps its output evaluable without widening the surface.
var pythonTokens = map[string]string{
	"True":  "true",
	"False": "false",
	"None":  "nil",
	"and":   "&&",
	"or":    "||",
	"not":   "!",
}

// normalizeScript strips markdown fences and comments and rewrites
// Python-style tokens, leaving string literals untouched.
func normalizeScript(script string) string {
	var out strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		out.WriteString(normalizeLine(line))
		out.WriteString("\n")
	}
	return out.String()
}

func normalizeLine(line string) string {
	var out strings.Builder
	runes := []rune(line)
	for i := 0; i < len(runes); {
		r := runes[i]

		// String literals pass through verbatim.
		if r == '"' || r == '\'' {
			j := i + 1
			for j < len(runes) {
				if runes[j] == '\\' {
					j += 2
					continue
				}
				if runes[j] == r {
					j++
					break
				}
				j++
			}
			out.WriteString(string(runes[i:min(j, len(runes))]))
			i = j
			continue
		}

		// Comments run to end of line.
		if r == '#' {
			break
		}

		// Identifier-like runs get token normalization.
		if isIdentStart(r) {
			j := i
			for j < len(runes) && isIdentPart(runes[j]) {
				j++
			}
			word := string(runes[i:j])
			if repl, ok := pythonTokens[word]; ok {
				out.WriteString(repl)
			} else {
				out.WriteString(word)
			}
			i = j
			continue
		}

		out.WriteRune(r)
		i++
	}
	return out.String()
}

// splitStatements splits a normalized script into statements on newlines and
// top-level semicolons, then classifies each as assignment or bare expression.
func splitStatements(script string) ([]statement, error) {
	var stmts []statement
	for _, line := range strings.Split(script, "\n") {
		for _, raw := range splitTopLevel(line, ';') {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			stmts = append(stmts, parseStatement(raw))
		}
	}
	// Reject obviously structural Python the normalizer cannot express.
	for _, s := range stmts {
		trimmed := strings.TrimSpace(s.Expression)
		for _, kw := range []string{"if ", "for ", "while ", "def ", "import ", "class ", "from "} {
			if strings.HasPrefix(trimmed, kw) || trimmed == strings.TrimSpace(kw) {
				return nil, schema.NewErrorf(schema.ErrCodeSandboxFault,
					"unsupported statement %q: only assignments and expressions are allowed", trimmed)
			}
		}
	}
	return stmts, nil
}

// splitTopLevel splits s on sep, ignoring separators inside string literals.
func splitTopLevel(s string, sep rune) []string {
	var parts []string
	var current strings.Builder
	var quote rune
	escaped := false
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
			current.WriteRune(r)
		case quote != 0 && r == '\\':
			escaped = true
			current.WriteRune(r)
		case quote != 0:
			if r == quote {
				quote = 0
			}
			current.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			current.WriteRune(r)
		case r == sep:
			parts = append(parts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	parts = append(parts, current.String())
	return parts
}

// parseStatement recognizes `ident = expression` (single '=', not a
// comparison). Anything else is a bare expression statement.
func parseStatement(raw string) statement {
	ident := identRe.FindString(raw)
	if ident != "" {
		rest := strings.TrimLeft(raw[len(ident):], " \t")
		if len(rest) >= 2 && rest[0] == '=' && rest[1] != '=' {
			return statement{Target: ident, Expression: strings.TrimSpace(rest[1:])}
		}
	}
	return statement{Expression: raw}
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9')
}
