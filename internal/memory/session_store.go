package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// TelemetrySink is the minimal shape SessionStore needs to emit pivot
// events; the concrete interface lives in internal/cortex to avoid an
// import cycle back from the transport adapters into this package.
type TelemetrySink interface {
	Track(ctx context.Context, scope string, eventType string, message string, metadata map[string]any)
}

type noopTelemetry struct{}

func (noopTelemetry) Track(context.Context, string, string, string, map[string]any) {}

// SessionStore persists and queries sessions, messages and goals, grounded
// on the teacher's SQLiteOperationalDB session/message tables.
type SessionStore struct {
	store     *Store
	telemetry TelemetrySink
}

// NewSessionStore constructs a SessionStore. A nil sink installs a no-op.
func NewSessionStore(store *Store, sink TelemetrySink) *SessionStore {
	if sink == nil {
		sink = noopTelemetry{}
	}
	return &SessionStore{store: store, telemetry: sink}
}

func (s *SessionStore) db() *sql.DB { return s.store.db }

// CreateSession inserts a new active session.
func (s *SessionStore) CreateSession(ctx context.Context, name string, metadata Metadata) (Session, error) {
	now := nowUTC()
	sess := Session{
		ID:        uuid.New().String(),
		Name:      name,
		Status:    SessionActive,
		Metadata:  metadata.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	blob, err := json.Marshal(sess.Metadata)
	if err != nil {
		return Session{}, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db().ExecContext(ctx,
		`INSERT INTO agent_sessions (id, name, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, sess.Status, string(blob), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession returns the session, or (Session{}, false, nil) if absent.
func (s *SessionStore) GetSession(ctx context.Context, id string) (Session, bool, error) {
	row := s.db().QueryRowContext(ctx,
		`SELECT id, name, status, metadata, created_at, updated_at FROM agent_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

// ArchiveSession flips status to archived and returns the updated row.
func (s *SessionStore) ArchiveSession(ctx context.Context, id string) (Session, error) {
	now := nowUTC()
	res, err := s.db().ExecContext(ctx,
		`UPDATE agent_sessions SET status = ?, updated_at = ? WHERE id = ?`, SessionArchived, now, id)
	if err != nil {
		return Session{}, fmt.Errorf("archive session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Session{}, &NotFoundError{Entity: "session", ID: id}
	}
	sess, ok, err := s.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, &NotFoundError{Entity: "session", ID: id}
	}
	return sess, nil
}

// DeleteSession cascades to every child table within one transaction so a
// partial deletion is never observable.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	cascade := []string{
		"agent_messages", "agent_goals", "agent_memories",
		"agent_episodes", "agent_epochs", "agent_actions",
	}
	for _, table := range cascade {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE session_id = ?`, table), id); err != nil {
			return fmt.Errorf("cascade delete %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM agent_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &NotFoundError{Entity: "session", ID: id}
	}
	return tx.Commit()
}

// AddMessage inserts a message and bumps the session's updatedAt in one
// transaction. Fails with NotFoundError if the session is absent.
func (s *SessionStore) AddMessage(ctx context.Context, sessionID string, role MessageRole, content string, metadata Metadata) (Message, error) {
	tx, err := s.db().BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin add message: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()
	res, err := tx.ExecContext(ctx, `UPDATE agent_sessions SET updated_at = ? WHERE id = ?`, now, sessionID)
	if err != nil {
		return Message{}, fmt.Errorf("bump session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Message{}, &NotFoundError{Entity: "session", ID: sessionID}
	}

	msg := Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Metadata:  metadata.Clone(),
		CreatedAt: now,
	}
	blob, err := json.Marshal(msg.Metadata)
	if err != nil {
		return Message{}, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_messages (id, session_id, role, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, string(blob), msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit add message: %w", err)
	}
	return msg, nil
}

// GetHistory returns up to limit messages ordered by createdAt ascending.
// limit<=0 or limit>50 is clamped to the 50-message default.
func (s *SessionStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	rows, err := s.db().QueryContext(ctx,
		`SELECT id, session_id, role, content, metadata, created_at
		 FROM agent_messages WHERE session_id = ? ORDER BY created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertGoal performs a row-locked read (BEGIN IMMEDIATE, SQLite's
// substitute for SELECT ... FOR UPDATE) then updates or inserts the goal
// keyed by (sessionID, description). Insertion emits a "pivot" telemetry
// event carrying the new goal's id.
func (s *SessionStore) UpsertGoal(ctx context.Context, sessionID, description string, update GoalUpdate) (Goal, error) {
	var result Goal
	var inserted bool

	err := s.store.withImmediateTx(ctx, func(conn *sql.Conn) error {
		now := nowUTC()
		row := conn.QueryRowContext(ctx,
			`SELECT id, session_id, parent_id, description, status, priority, metadata, created_at, updated_at
			 FROM agent_goals WHERE session_id = ? AND description = ?`, sessionID, description)
		existing, err := scanGoal(row)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			goal := Goal{
				ID:          uuid.New().String(),
				SessionID:   sessionID,
				ParentID:    update.ParentID,
				Description: description,
				Status:      nonEmptyStatus(update.Status),
				Priority:    update.Priority,
				Metadata:    update.Metadata.Clone(),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			blob, merr := json.Marshal(goal.Metadata)
			if merr != nil {
				return fmt.Errorf("marshal metadata: %w", merr)
			}
			if _, err := conn.ExecContext(ctx,
				`INSERT INTO agent_goals (id, session_id, parent_id, description, status, priority, metadata, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				goal.ID, goal.SessionID, goal.ParentID, goal.Description, goal.Status, goal.Priority, string(blob), goal.CreatedAt, goal.UpdatedAt,
			); err != nil {
				return fmt.Errorf("insert goal: %w", err)
			}
			result = goal
			inserted = true
			return nil
		case err != nil:
			return fmt.Errorf("read goal: %w", err)
		}

		merged := existing
		merged.Status = nonEmptyStatus(update.Status)
		merged.Priority = update.Priority
		if update.ParentID != "" {
			merged.ParentID = update.ParentID
		}
		merged.Metadata = existing.Metadata.Merge(update.Metadata)
		merged.UpdatedAt = now
		blob, err := json.Marshal(merged.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := conn.ExecContext(ctx,
			`UPDATE agent_goals SET parent_id = ?, status = ?, priority = ?, metadata = ?, updated_at = ? WHERE id = ?`,
			merged.ParentID, merged.Status, merged.Priority, string(blob), merged.UpdatedAt, merged.ID,
		); err != nil {
			return fmt.Errorf("update goal: %w", err)
		}
		result = merged
		return nil
	})
	if err != nil {
		return Goal{}, err
	}
	if inserted {
		s.telemetry.Track(ctx, sessionID, "pivot", "goal created", map[string]any{"goalId": result.ID})
	}
	return result, nil
}

func nonEmptyStatus(s GoalStatus) GoalStatus {
	if s == "" {
		return GoalPending
	}
	return s
}

// GetGoals returns goals for a session, optionally filtered by status,
// ordered by priority descending.
func (s *SessionStore) GetGoals(ctx context.Context, sessionID string, status GoalStatus) ([]Goal, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db().QueryContext(ctx,
			`SELECT id, session_id, parent_id, description, status, priority, metadata, created_at, updated_at
			 FROM agent_goals WHERE session_id = ? ORDER BY priority DESC`, sessionID)
	} else {
		rows, err = s.db().QueryContext(ctx,
			`SELECT id, session_id, parent_id, description, status, priority, metadata, created_at, updated_at
			 FROM agent_goals WHERE session_id = ? AND status = ? ORDER BY priority DESC`, sessionID, status)
	}
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()

	var out []Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ClearHistory deletes every message for a session, returning the count.
func (s *SessionStore) ClearHistory(ctx context.Context, sessionID string) (int, error) {
	res, err := s.db().ExecContext(ctx, `DELETE FROM agent_messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkMessageAsAnchor performs a row-locked read-modify-write, merging
// metadata (never replacing it) and forcing anchor=true.
func (s *SessionStore) MarkMessageAsAnchor(ctx context.Context, messageID string) (Message, error) {
	var result Message
	err := s.store.withImmediateTx(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT id, session_id, role, content, metadata, created_at FROM agent_messages WHERE id = ?`, messageID)
		msg, err := scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Entity: "message", ID: messageID}
		}
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		msg.Metadata = msg.Metadata.Merge(Metadata{"anchor": true})
		blob, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := conn.ExecContext(ctx, `UPDATE agent_messages SET metadata = ? WHERE id = ?`, string(blob), messageID); err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		result = msg
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return result, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(r scannable) (Session, error) {
	var s Session
	var blob string
	if err := r.Scan(&s.ID, &s.Name, &s.Status, &blob, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return Session{}, err
	}
	if err := unmarshalMetadata(blob, &s.Metadata); err != nil {
		return Session{}, err
	}
	return s, nil
}

func scanMessage(r scannable) (Message, error) {
	var m Message
	var blob string
	if err := r.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &blob, &m.CreatedAt); err != nil {
		return Message{}, err
	}
	if err := unmarshalMetadata(blob, &m.Metadata); err != nil {
		return Message{}, err
	}
	return m, nil
}

func scanGoal(r scannable) (Goal, error) {
	var g Goal
	var parentID sql.NullString
	var blob string
	if err := r.Scan(&g.ID, &g.SessionID, &parentID, &g.Description, &g.Status, &g.Priority, &blob, &g.CreatedAt, &g.UpdatedAt); err != nil {
		return Goal{}, err
	}
	g.ParentID = parentID.String
	if err := unmarshalMetadata(blob, &g.Metadata); err != nil {
		return Goal{}, err
	}
	return g, nil
}

func unmarshalMetadata(blob string, out *Metadata) error {
	if blob == "" {
		*out = Metadata{}
		return nil
	}
	var m Metadata
	if err := json.Unmarshal([]byte(blob), &m); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	*out = m
	return nil
}
