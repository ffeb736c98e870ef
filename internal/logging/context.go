package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	scenarioIDKey
	reviewerKey
)

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithScenarioID returns a context with the scenario ID set.
func WithScenarioID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, scenarioIDKey, id)
}

// WithReviewer returns a context with the reviewer identity set.
func WithReviewer(ctx context.Context, reviewer string) context.Context {
	return context.WithValue(ctx, reviewerKey, reviewer)
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string {
	v, _ := ctx.Value(workflowIDKey).(string)
	return v
}

// ScenarioID extracts the scenario ID from the context, or "" if absent.
func ScenarioID(ctx context.Context) string {
	v, _ := ctx.Value(scenarioIDKey).(string)
	return v
}

// Reviewer extracts the reviewer identity from the context, or "" if absent.
func Reviewer(ctx context.Context) string {
	v, _ := ctx.Value(reviewerKey).(string)
	return v
}

// WithIDs sets the workflow ID and reviewer on the context at once.
func WithIDs(ctx context.Context, workflowID, reviewer string) context.Context {
	ctx = WithWorkflowID(ctx, workflowID)
	ctx = WithReviewer(ctx, reviewer)
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if wfID := WorkflowID(ctx); wfID != "" {
		logger = logger.With(slog.String("workflow_id", wfID))
	}
	if sID := ScenarioID(ctx); sID != "" {
		logger = logger.With(slog.String("scenario_id", sID))
	}
	if r := Reviewer(ctx); r != "" {
		logger = logger.With(slog.String("reviewer", r))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := WorkflowID(ctx); v != "" {
		r.AddAttrs(slog.String("workflow_id", v))
	}
	if v := ScenarioID(ctx); v != "" {
		r.AddAttrs(slog.String("scenario_id", v))
	}
	if v := Reviewer(ctx); v != "" {
		r.AddAttrs(slog.String("reviewer", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
