// Package sandbox evaluates untrusted, generated policy scripts against a
// caller-supplied scenario context and extracts a structured verdict.
//
// A script is a sequence of assignment statements, one per line (or separated
// by semicolons). Right-hand sides are expressions evaluated with
// expr-lang/expr against an environment holding the injected context, the
// bindings produced by earlier statements, and a fixed allow-list of math and
// time functions. There is no import mechanism and no ambient capability:
// any reference outside the environment fails at compile time, before
// anything runs.
package sandbox

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/hazardsafe/gatekeeper/pkg/schema"
)

// Well-known binding names recovered from the script's final environment.
const (
	VerdictName     = "result"
	ExplanationName = "reason"
)

const (
	defaultEvalTimeout   = 2 * time.Second
	defaultMaxStatements = 64
)

// Result is the outcome of one sandbox invocation. On any execution fault
// Success is false and Error holds a diagnostic; Verdict and Explanation are
// only meaningful when Success is true, and Verdict may still be nil if the
// script never bound the verdict name.
type Result struct {
	Success        bool   `json:"success"`
	Verdict        *bool  `json:"verdict,omitempty"`
	Explanation    string `json:"explanation,omitempty"`
	CapturedOutput string `json:"captured_output,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Sandbox executes policy scripts. Safe for concurrent use; every invocation
// gets a fresh, isolated environment.
type Sandbox struct {
	evalTimeout   time.Duration
	maxStatements int
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithEvalTimeout sets the wall-clock bound for a single invocation.
func WithEvalTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.evalTimeout = d
		}
	}
}

// WithMaxStatements caps the number of statements a script may contain.
func WithMaxStatements(n int) Option {
	return func(s *Sandbox) {
		if n > 0 {
			s.maxStatements = n
		}
	}
}

// New creates a Sandbox with the given options.
func New(opts ...Option) *Sandbox {
	s := &Sandbox{
		evalTimeout:   defaultEvalTimeout,
		maxStatements: defaultMaxStatements,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate runs script with the given context variables injected as named
// bindings. The context map is copied before injection, so nothing the script
// does leaks back to the caller. Evaluate never returns an error to the host:
// every fault, including a blown execution bound, lands in the Result.
func (s *Sandbox) Evaluate(ctx context.Context, script string, contextVars map[string]any) *Result {
	runCtx, cancel := context.WithTimeout(ctx, s.evalTimeout)
	defer cancel()

	done := make(chan *Result, 1)
	go func() {
		done <- s.run(runCtx, script, contextVars)
	}()

	select {
	case res := <-done:
		return res
	case <-runCtx.Done():
		// The evaluating goroutine is abandoned; it exits on its own once
		// the current expression returns, and writes into a buffered channel.
		return fault(schema.NewErrorf(schema.ErrCodeTimeout,
			"policy script exceeded execution bound of %s", s.evalTimeout))
	}
}

func (s *Sandbox) run(ctx context.Context, script string, contextVars map[string]any) *Result {
	env, err := copyContext(contextVars)
	if err != nil {
		return fault(schema.NewError(schema.ErrCodeSandboxFault, "context is not JSON-serializable").WithCause(err))
	}

	var captured strings.Builder
	installBuiltins(env, &captured)

	// Context names must not collide with the capability surface.
	for name := range contextVars {
		if _, reserved := builtinNames[name]; reserved {
			return fault(schema.NewErrorf(schema.ErrCodeSandboxFault,
				"context variable %q shadows a sandbox builtin", name))
		}
	}

	stmts, err := splitStatements(normalizeScript(script))
	if err != nil {
		return fault(err)
	}
	if len(stmts) == 0 {
		return fault(schema.NewError(schema.ErrCodeSandboxFault, "empty policy script"))
	}
	if len(stmts) > s.maxStatements {
		return fault(schema.NewErrorf(schema.ErrCodeSandboxFault,
			"policy script has %d statements, limit is %d", len(stmts), s.maxStatements))
	}

	for _, stmt := range stmts {
		if ctx.Err() != nil {
			return fault(schema.NewError(schema.ErrCodeTimeout, "policy script cancelled"))
		}
		if err := s.execStatement(stmt, env); err != nil {
			return fault(err)
		}
	}

	res := &Result{Success: true, CapturedOutput: captured.String()}
	if v, ok := env[VerdictName]; ok {
		if b, isBool := v.(bool); isBool {
			res.Verdict = &b
		}
	}
	if v, ok := env[ExplanationName]; ok {
		if str, isStr := v.(string); isStr {
			res.Explanation = str
		}
	}
	return res
}

// execStatement compiles and evaluates one statement against the current
// environment, binding the target name on assignment. Compilation happens
// with an explicit Env and without AllowUndefinedVariables: any identifier
// outside the context, earlier bindings, and the allow-list is a compile
// error, so disallowed capability use fails closed before execution.
func (s *Sandbox) execStatement(stmt statement, env map[string]any) error {
	prg, err := expr.Compile(stmt.Expression, exprOptions(env)...)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSandboxFault,
			"compile %q: %s", stmt.Expression, err.Error()).WithCause(err)
	}

	out, err := expr.Run(prg, env)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeSandboxFault,
			"evaluate %q: %s", stmt.Expression, err.Error()).WithCause(err)
	}

	if stmt.Target != "" {
		if _, reserved := builtinNames[stmt.Target]; reserved {
			return schema.NewErrorf(schema.ErrCodeSandboxFault,
				"cannot rebind builtin %q", stmt.Target)
		}
		env[stmt.Target] = out
	}
	return nil
}

// copyContext deep-copies the caller's context through a JSON round-trip, so
// script-side rebinding or structural mutation can never reach the caller's
// maps. It also normalizes values to the plain map/slice/float64 shapes the
// expression VM works with.
func copyContext(contextVars map[string]any) (map[string]any, error) {
	env := make(map[string]any, len(contextVars)+len(builtinNames))
	if len(contextVars) == 0 {
		return env, nil
	}
	b, err := json.Marshal(contextVars)
	if err != nil {
		return nil, err
	}
	var copied map[string]any
	if err := json.Unmarshal(b, &copied); err != nil {
		return nil, err
	}
	for k, v := range copied {
		env[k] = v
	}
	return env, nil
}

func fault(err error) *Result {
	return &Result{Success: false, Error: err.Error()}
}

// FaultError reconstructs a GateError from a failed result, for callers that
// propagate sandbox faults through the error taxonomy.
func (r *Result) FaultError() error {
	if r.Success {
		return nil
	}
	return schema.NewError(schema.ErrCodeSandboxFault, r.Error)
}
