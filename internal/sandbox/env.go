package sandbox

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/expr-lang/expr"
)

// allowedBuiltins is the fixed set of expr builtins a policy script may call.
// Everything else is disabled, so the capability surface stays arithmetic,
// comparison, and basic string/number manipulation.
var allowedBuiltins = []string{
	"len", "abs", "ceil", "floor", "round",
	"min", "max", "sum",
	"int", "float", "string",
	"trim", "upper", "lower", "split", "join",
}

// builtinNames are the host-provided functions injected into every script
// environment. Context variables and assignment targets may not shadow them.
var builtinNames = map[string]struct{}{
	"print":    {},
	"now":      {},
	"date":     {},
	"duration": {},
	"sqrt":     {},
	"pow":      {},
}

// installBuiltins adds the allow-listed host functions to env. The print
// function writes to captured, never to the host's stdout.
func installBuiltins(env map[string]any, captured *strings.Builder) {
	env["print"] = func(args ...any) bool {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprint(a)
		}
		captured.WriteString(strings.Join(parts, " "))
		captured.WriteString("\n")
		return true
	}

	// Frozen per invocation so repeated reads within one script agree.
	invokedAt := time.Now().UTC()
	env["now"] = func() time.Time { return invokedAt }

	env["date"] = func(s string) (time.Time, error) {
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable date %q", s)
	}

	env["duration"] = func(s string) (time.Duration, error) {
		return time.ParseDuration(s)
	}

	env["sqrt"] = func(x float64) float64 { return math.Sqrt(x) }
	env["pow"] = func(x, y float64) float64 { return math.Pow(x, y) }
}

// exprOptions builds the compile options for one statement: the current
// environment, undefined identifiers rejected, and only the allow-listed
// builtins enabled.
func exprOptions(env map[string]any) []expr.Option {
	opts := []expr.Option{
		expr.Env(env),
		expr.DisableAllBuiltins(),
	}
	for _, name := range allowedBuiltins {
		opts = append(opts, expr.EnableBuiltin(name))
	}
	return opts
}
