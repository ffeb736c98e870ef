// Package pipeline wires scenario intake to the approval workflow: validate
// the payload, obtain generated policy code, evaluate it in the sandbox, and
// hand the resulting decision to the state machine for human review.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hazardsafe/gatekeeper/internal/engine"
	"github.com/hazardsafe/gatekeeper/internal/logging"
	"github.com/hazardsafe/gatekeeper/internal/sandbox"
	"github.com/hazardsafe/gatekeeper/internal/store"
	"github.com/hazardsafe/gatekeeper/internal/validation"
	"github.com/hazardsafe/gatekeeper/pkg/schema"
)

// ScenarioName is the binding under which policy scripts see the scenario.
const ScenarioName = "scenario"

// PolicyProducer supplies policy code for a scenario. In production this is
// an external generator; tests use canned scripts.
type PolicyProducer interface {
	ProducePolicy(ctx context.Context, scenario map[string]any) (string, error)
}

// PolicyProducerFunc adapts a function to the PolicyProducer interface.
type PolicyProducerFunc func(ctx context.Context, scenario map[string]any) (string, error)

func (f PolicyProducerFunc) ProducePolicy(ctx context.Context, scenario map[string]any) (string, error) {
	return f(ctx, scenario)
}

// DecisionPipeline is the composition root for scenario intake. It is
// deliberately thin: all invariants live in the state machine and the
// sandbox. The pipeline never blocks a workflow on an evaluation fault;
// whatever goes wrong between creation and verdict becomes an undecidable,
// non-compliant decision that a human must resolve.
type DecisionPipeline struct {
	machine   *engine.StateMachine
	sandbox   *sandbox.Sandbox
	producer  PolicyProducer
	validator *validation.ScenarioValidator
	projector *ContextProjector
	guard     *ReviewGuard
	logger    *slog.Logger
}

// New assembles a DecisionPipeline. All collaborators are required.
func New(
	machine *engine.StateMachine,
	sb *sandbox.Sandbox,
	producer PolicyProducer,
	validator *validation.ScenarioValidator,
	projector *ContextProjector,
	guard *ReviewGuard,
	logger *slog.Logger,
) *DecisionPipeline {
	return &DecisionPipeline{
		machine:   machine,
		sandbox:   sb,
		producer:  producer,
		validator: validator,
		projector: projector,
		guard:     guard,
		logger:    logger,
	}
}

// Submit runs a scenario through the full intake flow and returns the
// workflow in PENDING_REVIEW. Validation failures reject the scenario before
// any record is created; everything after creation fails closed into an
// undecidable decision rather than an error.
func (p *DecisionPipeline) Submit(ctx context.Context, scenarioID string, scenarioData map[string]any) (*store.Workflow, error) {
	if scenarioID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "scenario id is required")
	}
	if err := p.validator.ValidateScenario(scenarioData); err != nil {
		return nil, err
	}

	ctx = logging.WithScenarioID(ctx, scenarioID)
	wf, err := p.machine.Create(ctx, scenarioID, scenarioData)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithWorkflowID(ctx, wf.ID)

	decision := p.decide(ctx, scenarioData)

	if err := p.machine.TriggerReview(ctx, wf.ID, decision); err != nil {
		return nil, err
	}
	return p.machine.Get(ctx, wf.ID)
}

// decide produces the automated decision for a scenario. It never returns an
// error: faults in production, projection, or evaluation yield an
// undecidable, non-compliant decision.
func (p *DecisionPipeline) decide(ctx context.Context, scenarioData map[string]any) *schema.Decision {
	code, err := p.producer.ProducePolicy(ctx, scenarioData)
	if err != nil {
		p.logger.ErrorContext(ctx, "policy production failed", slog.String("error", err.Error()))
		return undecidable("policy production failed: "+err.Error(), "")
	}

	projected, err := p.projector.Project(ctx, scenarioData)
	if err != nil {
		p.logger.ErrorContext(ctx, "context projection failed", slog.String("error", err.Error()))
		return undecidable("context projection failed: "+err.Error(), code)
	}

	res := p.sandbox.Evaluate(ctx, code, map[string]any{ScenarioName: projected})
	if !res.Success {
		p.logger.WarnContext(ctx, "policy evaluation faulted", slog.String("error", res.Error))
		d := undecidable("policy evaluation failed: "+res.Error, code)
		d.CapturedOutput = res.CapturedOutput
		d.Provenance = provenance(res)
		return d
	}
	if res.Verdict == nil {
		p.logger.WarnContext(ctx, "policy script produced no verdict")
		d := undecidable("policy script produced no verdict", code)
		d.CapturedOutput = res.CapturedOutput
		d.Provenance = provenance(res)
		return d
	}

	decision := &schema.Decision{
		Compliant:      *res.Verdict,
		Reason:         res.Explanation,
		PolicyCode:     code,
		CapturedOutput: res.CapturedOutput,
		Provenance:     provenance(res),
	}

	allowed, err := p.guard.Allows(decision, scenarioData)
	if err != nil {
		// Guard faults never widen approval; they only force review.
		p.logger.WarnContext(ctx, "review guard faulted", slog.String("error", err.Error()))
		allowed = false
	}
	decision.AutoApprovable = allowed

	return decision
}

// Approve forwards a human approval to the state machine with reviewer
// correlation attached.
func (p *DecisionPipeline) Approve(ctx context.Context, id, reviewer, comments string) error {
	return p.machine.Approve(logging.WithReviewer(ctx, reviewer), id, reviewer, comments)
}

// Reject forwards a human rejection to the state machine.
func (p *DecisionPipeline) Reject(ctx context.Context, id, reviewer, comments string) error {
	return p.machine.Reject(logging.WithReviewer(ctx, reviewer), id, reviewer, comments)
}

// Pending returns all workflows awaiting review.
func (p *DecisionPipeline) Pending(ctx context.Context) ([]*store.Workflow, error) {
	return p.machine.ListByStatus(ctx, schema.StatusPendingReview)
}

// Inspect returns a single workflow record.
func (p *DecisionPipeline) Inspect(ctx context.Context, id string) (*store.Workflow, error) {
	return p.machine.Get(ctx, id)
}

func undecidable(reason, code string) *schema.Decision {
	return &schema.Decision{
		Compliant:   false,
		Undecidable: true,
		Fault:       reason,
		Reason:      reason,
		PolicyCode:  code,
	}
}

func provenance(res *sandbox.Result) json.RawMessage {
	b, err := json.Marshal(res)
	if err != nil {
		return nil
	}
	return b
}
