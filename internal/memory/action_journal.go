package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ActionJournal records tool-call invocations with bounded, cursor-paginated
// reads, grounded on the teacher's task/message journaling tables.
type ActionJournal struct {
	store     *Store
	telemetry TelemetrySink
}

// NewActionJournal constructs an ActionJournal. A nil sink installs a no-op.
func NewActionJournal(store *Store, sink TelemetrySink) *ActionJournal {
	if sink == nil {
		sink = noopTelemetry{}
	}
	return &ActionJournal{store: store, telemetry: sink}
}

func (j *ActionJournal) db() *sql.DB { return j.store.db }

// LogAction inserts a pending action record and emits an "action" telemetry
// event.
func (j *ActionJournal) LogAction(ctx context.Context, sessionID, toolName string, arguments Metadata, messageID string) (Action, error) {
	now := nowUTC()
	argBlob, err := json.Marshal(arguments.Clone())
	if err != nil {
		return Action{}, fmt.Errorf("marshal arguments: %w", err)
	}
	metaBlob, err := json.Marshal(Metadata{})
	if err != nil {
		return Action{}, fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := j.db().ExecContext(ctx,
		`INSERT INTO agent_actions (session_id, message_id, tool_name, arguments, status, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, nullableString(messageID), toolName, string(argBlob), ActionPending, string(metaBlob), now)
	if err != nil {
		return Action{}, fmt.Errorf("insert action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Action{}, fmt.Errorf("action id: %w", err)
	}

	action := Action{
		ID:        id,
		SessionID: sessionID,
		MessageID: messageID,
		ToolName:  toolName,
		Arguments: arguments.Clone(),
		Status:    ActionPending,
		Metadata:  Metadata{},
		CreatedAt: now,
	}
	j.telemetry.Track(ctx, sessionID, "action", "action logged: "+toolName, map[string]any{
		"actionId": id, "toolName": toolName,
	})
	return action, nil
}

// RecordOutcome updates an action's terminal status/outcome. Emits an
// "error" telemetry event when status is failure.
func (j *ActionJournal) RecordOutcome(ctx context.Context, actionID int64, status ActionStatus, outcome string, durationMs *int64, metadata Metadata) (Action, error) {
	row := j.db().QueryRowContext(ctx,
		`SELECT id, session_id, message_id, tool_name, arguments, status, outcome, duration_ms, metadata, created_at
		 FROM agent_actions WHERE id = ?`, actionID)
	existing, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, &NotFoundError{Entity: "action", ID: fmt.Sprintf("%d", actionID)}
	}
	if err != nil {
		return Action{}, fmt.Errorf("read action: %w", err)
	}

	merged := existing.Metadata.Merge(metadata)
	blob, err := json.Marshal(merged)
	if err != nil {
		return Action{}, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = j.db().ExecContext(ctx,
		`UPDATE agent_actions SET status = ?, outcome = ?, duration_ms = ?, metadata = ? WHERE id = ?`,
		status, outcome, durationMs, string(blob), actionID)
	if err != nil {
		return Action{}, fmt.Errorf("update action: %w", err)
	}

	existing.Status = status
	existing.Outcome = outcome
	existing.DurationMs = durationMs
	existing.Metadata = merged

	if status == ActionFailure {
		j.telemetry.Track(ctx, existing.SessionID, "error", "action failed: "+existing.ToolName, map[string]any{
			"actionId": actionID, "toolName": existing.ToolName, "outcome": outcome,
		})
	}
	return existing, nil
}

// GetSessionActions returns up to limit (default 100) actions for a
// session ordered by id ascending; cursor (if > 0) restricts to id > cursor.
func (j *ActionJournal) GetSessionActions(ctx context.Context, sessionID string, limit int, cursor int64) ([]Action, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db().QueryContext(ctx,
		`SELECT id, session_id, message_id, tool_name, arguments, status, outcome, duration_ms, metadata, created_at
		 FROM agent_actions WHERE session_id = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		sessionID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// GetActionsByTool returns up to limit (default 50) actions for toolName
// ordered by createdAt descending.
func (j *ActionJournal) GetActionsByTool(ctx context.Context, toolName string, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db().QueryContext(ctx,
		`SELECT id, session_id, message_id, tool_name, arguments, status, outcome, duration_ms, metadata, created_at
		 FROM agent_actions WHERE tool_name = ? ORDER BY created_at DESC LIMIT ?`, toolName, limit)
	if err != nil {
		return nil, fmt.Errorf("query actions by tool: %w", err)
	}
	defer rows.Close()
	return scanActions(rows)
}

// GetFailureReport groups failed actions from the last 7 days by tool,
// ordered by failure count descending.
func (j *ActionJournal) GetFailureReport(ctx context.Context) ([]FailureReportEntry, error) {
	since := nowUTC().Add(-7 * 24 * time.Hour)
	rows, err := j.db().QueryContext(ctx,
		`SELECT tool_name, COUNT(*) AS failures, MAX(created_at) AS last_failure
		 FROM agent_actions WHERE status = ? AND created_at >= ?
		 GROUP BY tool_name ORDER BY failures DESC`, ActionFailure, since)
	if err != nil {
		return nil, fmt.Errorf("query failure report: %w", err)
	}
	defer rows.Close()

	var out []FailureReportEntry
	for rows.Next() {
		var e FailureReportEntry
		if err := rows.Scan(&e.ToolName, &e.FailureCount, &e.LastFailure); err != nil {
			return nil, fmt.Errorf("scan failure report: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAction(r scannable) (Action, error) {
	var a Action
	var messageID sql.NullString
	var outcome sql.NullString
	var durationMs sql.NullInt64
	var argBlob, metaBlob string
	if err := r.Scan(&a.ID, &a.SessionID, &messageID, &a.ToolName, &argBlob, &a.Status, &outcome, &durationMs, &metaBlob, &a.CreatedAt); err != nil {
		return Action{}, err
	}
	a.MessageID = messageID.String
	a.Outcome = outcome.String
	if durationMs.Valid {
		v := durationMs.Int64
		a.DurationMs = &v
	}
	var args Metadata
	if err := unmarshalMetadata(argBlob, &args); err != nil {
		return Action{}, err
	}
	a.Arguments = args
	var meta Metadata
	if err := unmarshalMetadata(metaBlob, &meta); err != nil {
		return Action{}, err
	}
	a.Metadata = meta
	return a, nil
}

func scanActions(rows *sql.Rows) ([]Action, error) {
	var out []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
