package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/hazardsafe/gatekeeper/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

const workflowColumns = `id, scenario_id, scenario_data, status, decision, reviewer, reviewer_comments, history, review_triggered_at, decided_at, created_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	scenario, err := marshalMapOrDefault(wf.ScenarioData)
	if err != nil {
		return storeFault("marshal scenario_data", err)
	}
	history, err := marshalHistory(wf.History)
	if err != nil {
		return storeFault("marshal history", err)
	}
	decision, err := marshalDecision(wf.Decision)
	if err != nil {
		return storeFault("marshal decision", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.ScenarioID, string(scenario), string(wf.Status), decision,
		nullStr(wf.Reviewer), nullStr(wf.ReviewerComments), string(history),
		nullTime(wf.ReviewTriggeredAt), nullTime(wf.DecidedAt),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	if err != nil {
		return storeFault("insert workflow", err)
	}
	return nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, storeFault("get workflow", err)
	}
	return wf, nil
}

// TransitionWorkflow applies a validated transition with a status guard.
// The status, history, and transition-specific fields land in a single UPDATE
// so a crash can never separate a status change from its history entry, and
// two racing writers can never both observe the guard status and both win.
func (s *LibSQLStore) TransitionWorkflow(ctx context.Context, id string, from schema.WorkflowStatus, update TransitionUpdate) error {
	if !update.Status.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"refusing to persist unknown status %q", update.Status).WithWorkflow(id)
	}

	history, err := marshalHistory(update.History)
	if err != nil {
		return storeFault("marshal history", err)
	}

	sets := []string{"status = ?", "history = ?", "updated_at = ?"}
	args := []any{string(update.Status), string(history), time.Now().UTC()}

	if update.Decision != nil {
		decision, err := marshalDecision(update.Decision)
		if err != nil {
			return storeFault("marshal decision", err)
		}
		sets = append(sets, "decision = ?")
		args = append(args, decision)
	}
	if update.Reviewer != "" {
		sets = append(sets, "reviewer = ?")
		args = append(args, update.Reviewer)
	}
	if update.ReviewerComments != "" {
		sets = append(sets, "reviewer_comments = ?")
		args = append(args, update.ReviewerComments)
	}
	if update.ReviewTriggeredAt != nil {
		sets = append(sets, "review_triggered_at = ?")
		args = append(args, *update.ReviewTriggeredAt)
	}
	if update.DecidedAt != nil {
		sets = append(sets, "decided_at = ?")
		args = append(args, *update.DecidedAt)
	}

	args = append(args, id, string(from))
	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ? AND status = ?", strings.Join(sets, ", "))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeFault("transition workflow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeFault("transition workflow", err)
	}
	if n > 0 {
		return nil
	}

	// Guard failed: distinguish a missing row from a lost race.
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM workflows WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return storeNotFound("workflow", id)
	}
	if err != nil {
		return storeFault("transition workflow", err)
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"expected status %s but found %s", from, current).
		WithWorkflow(id).
		WithDetails(map[string]any{"expected": string(from), "actual": current})
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ScenarioID != "" {
		where = append(where, "scenario_id = ?")
		args = append(args, filter.ScenarioID)
	}
	if filter.ReviewTriggeredBefore != nil {
		where = append(where, "review_triggered_at IS NOT NULL AND review_triggered_at < ?")
		args = append(args, *filter.ReviewTriggeredBefore)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeFault("list workflows", err)
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, storeFault("scan workflow", err)
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, storeFault("list workflows", err)
	}
	return workflows, nil
}

// --- Audit events ---

// AppendAuditEvent appends an event with a monotonically increasing
// per-workflow sequence. The sequence read and insert share a transaction so
// concurrent appenders cannot interleave.
func (s *LibSQLStore) AppendAuditEvent(ctx context.Context, event *AuditEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeFault("begin audit tx", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM audit_events WHERE workflow_id = ?`, event.WorkflowID,
	).Scan(&seq)
	if err != nil {
		return storeFault("next audit sequence", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := nullableMap(event.Payload)
	if err != nil {
		return storeFault("marshal audit payload", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_events (workflow_id, event_type, actor, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkflowID, event.Type, nullStr(event.Actor), payload, event.Timestamp, seq,
	)
	if err != nil {
		return storeFault("insert audit event", err)
	}

	if err := tx.Commit(); err != nil {
		return storeFault("commit audit event", err)
	}
	return nil
}

func (s *LibSQLStore) GetAuditEvents(ctx context.Context, workflowID string, since int64) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, event_type, actor, payload, timestamp, sequence
		 FROM audit_events WHERE workflow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowID, since,
	)
	if err != nil {
		return nil, storeFault("get audit events", err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func (s *LibSQLStore) GetAuditEventsByType(ctx context.Context, eventType string, filter AuditFilter) ([]*AuditEvent, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, event_type, actor, payload, timestamp, sequence
	 FROM audit_events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY timestamp DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeFault("get audit events by type", err)
	}
	defer rows.Close()
	return scanAuditEvents(rows)
}

func scanAuditEvents(rows *sql.Rows) ([]*AuditEvent, error) {
	var events []*AuditEvent
	for rows.Next() {
		e := &AuditEvent{}
		var actor, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Type, &actor, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, storeFault("scan audit event", err)
		}
		e.Actor = actor.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, storeFault("unmarshal audit payload", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeFault("scan audit events", err)
	}
	return events, nil
}

// --- Scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		scenarioJSON, historyJSON    string
		decisionJSON                 sql.NullString
		reviewer, comments           sql.NullString
		reviewTriggeredAt, decidedAt sql.NullTime
		status                       string
	)
	err := row.Scan(&wf.ID, &wf.ScenarioID, &scenarioJSON, &status, &decisionJSON,
		&reviewer, &comments, &historyJSON, &reviewTriggeredAt, &decidedAt,
		&wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(scenarioJSON), &wf.ScenarioData); err != nil {
		return nil, fmt.Errorf("unmarshal scenario_data: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &wf.History); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	if decisionJSON.Valid && decisionJSON.String != "" {
		wf.Decision = &schema.Decision{}
		if err := json.Unmarshal([]byte(decisionJSON.String), wf.Decision); err != nil {
			return nil, fmt.Errorf("unmarshal decision: %w", err)
		}
	}
	wf.Reviewer = reviewer.String
	wf.ReviewerComments = comments.String
	if reviewTriggeredAt.Valid {
		wf.ReviewTriggeredAt = &reviewTriggeredAt.Time
	}
	if decidedAt.Valid {
		wf.DecidedAt = &decidedAt.Time
	}
	return wf, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.GateError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeFault(op string, err error) *schema.GateError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalHistory(history []Transition) (json.RawMessage, error) {
	if len(history) == 0 {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(history)
}

func marshalDecision(d *schema.Decision) (any, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

var _ Store = (*LibSQLStore)(nil)
