package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// eraConsolidationThreshold is the Epoch count above which
// ConsolidateEpochsIntoEra fires on each pruning pass. Preserved as-is per
// SPEC_FULL.md §9 ("flagged for future tuning, not changed").
const eraConsolidationThreshold = 10

// SessionCompressor transforms long message histories into hierarchical
// Epoch summaries, grounded on the teacher's episodic-summary helpers in
// internal/memory/learning.go generalized to the Epoch/era domain.
type SessionCompressor struct {
	store *Store
}

// NewSessionCompressor constructs a SessionCompressor.
func NewSessionCompressor(store *Store) *SessionCompressor { return &SessionCompressor{store: store} }

func (c *SessionCompressor) db() *sql.DB { return c.store.db }

// Compress inserts one Epoch row; metadata merges {anchors} when non-empty.
func (c *SessionCompressor) Compress(ctx context.Context, sessionID, summary, startMessageID, endMessageID string, anchors []string, metadata Metadata) (Epoch, error) {
	meta := metadata.Clone()
	if len(anchors) > 0 {
		meta["anchors"] = anchors
	}
	ep := Epoch{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		Summary:        summary,
		StartMessageID: startMessageID,
		EndMessageID:   endMessageID,
		Metadata:       meta,
		CreatedAt:      nowUTC(),
	}
	blob, err := json.Marshal(ep.Metadata)
	if err != nil {
		return Epoch{}, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = c.db().ExecContext(ctx,
		`INSERT INTO agent_epochs (id, session_id, summary, start_message_id, end_message_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.SessionID, ep.Summary, nullableString(ep.StartMessageID), nullableString(ep.EndMessageID), string(blob), ep.CreatedAt)
	if err != nil {
		return Epoch{}, fmt.Errorf("insert epoch: %w", err)
	}
	return ep, nil
}

// SemanticPruning deletes session messages whose metadata.anchor is not
// truthy, returning the deleted count, then invokes
// ConsolidateEpochsIntoEra. keepAnchors controls the deletion predicate's
// meaning per spec.md §4.3: with false, every message of the session is
// deleted, anchored ones included.
func (c *SessionCompressor) SemanticPruning(ctx context.Context, sessionID string, keepAnchors bool) (int, error) {
	rows, err := c.db().QueryContext(ctx,
		`SELECT id, metadata FROM agent_messages WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("scan messages for pruning: %w", err)
	}
	var toDelete []string
	for rows.Next() {
		var id, blob string
		if err := rows.Scan(&id, &blob); err != nil {
			rows.Close()
			return 0, err
		}
		if keepAnchors && isAnchored(blob) {
			continue
		}
		toDelete = append(toDelete, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	deleted := 0
	for _, id := range toDelete {
		res, err := c.db().ExecContext(ctx, `DELETE FROM agent_messages WHERE id = ?`, id)
		if err != nil {
			return deleted, fmt.Errorf("delete message %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted++
		}
	}

	if err := c.ConsolidateEpochsIntoEra(ctx, sessionID); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// isAnchored implements the spec's textual fallback: metadata.anchor is
// truthy if a JSON decode says so, or — when JSON decoding fails — the raw
// text contains `"anchor":true` or `"anchor": true`.
func isAnchored(blob string) bool {
	var meta Metadata
	if err := json.Unmarshal([]byte(blob), &meta); err == nil {
		return meta.Bool("anchor")
	}
	return strings.Contains(blob, `"anchor":true`) || strings.Contains(blob, `"anchor": true`)
}

// ConsolidateEpochsIntoEra collapses a session's Epochs into one era Epoch
// when it has more than eraConsolidationThreshold of them.
func (c *SessionCompressor) ConsolidateEpochsIntoEra(ctx context.Context, sessionID string) error {
	epochs, err := c.GetEpochs(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(epochs) <= eraConsolidationThreshold {
		return nil
	}

	n := 5
	if n > len(epochs) {
		n = len(epochs)
	}
	summaries := make([]string, n)
	for i := 0; i < n; i++ {
		summaries[i] = epochs[i].Summary
	}
	eraSummary := strings.Join(summaries, ";") + "…"

	tx, err := c.db().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin era consolidation: %w", err)
	}
	defer tx.Rollback()

	eraEpoch := Epoch{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Summary:   eraSummary,
		Metadata:  Metadata{"type": "era"},
		CreatedAt: nowUTC(),
	}
	blob, err := json.Marshal(eraEpoch.Metadata)
	if err != nil {
		return fmt.Errorf("marshal era metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_epochs (id, session_id, summary, start_message_id, end_message_id, metadata, created_at)
		 VALUES (?, ?, ?, NULL, NULL, ?, ?)`,
		eraEpoch.ID, eraEpoch.SessionID, eraEpoch.Summary, string(blob), eraEpoch.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert era epoch: %w", err)
	}

	msgMeta := Metadata{"anchor": true, "type": "era_reification"}
	msgBlob, err := json.Marshal(msgMeta)
	if err != nil {
		return fmt.Errorf("marshal era message metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_messages (id, session_id, role, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), sessionID, RoleSystem, "[ERA SUMMARY] "+eraSummary, string(msgBlob), nowUTC(),
	); err != nil {
		return fmt.Errorf("insert era reification message: %w", err)
	}

	ids := make([]string, len(epochs))
	args := make([]any, len(epochs))
	for i, e := range epochs {
		ids[i] = "?"
		args[i] = e.ID
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM agent_epochs WHERE id IN (%s)`, strings.Join(ids, ",")), args...,
	); err != nil {
		return fmt.Errorf("delete consolidated epochs: %w", err)
	}

	return tx.Commit()
}

// GetEpochs returns a session's Epochs ordered by createdAt ascending.
func (c *SessionCompressor) GetEpochs(ctx context.Context, sessionID string) ([]Epoch, error) {
	rows, err := c.db().QueryContext(ctx,
		`SELECT id, session_id, summary, start_message_id, end_message_id, metadata, created_at
		 FROM agent_epochs WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query epochs: %w", err)
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		e, err := scanEpoch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEpoch(r scannable) (Epoch, error) {
	var e Epoch
	var startID, endID sql.NullString
	var blob string
	if err := r.Scan(&e.ID, &e.SessionID, &e.Summary, &startID, &endID, &blob, &e.CreatedAt); err != nil {
		return Epoch{}, err
	}
	e.StartMessageID = startID.String
	e.EndMessageID = endID.String
	if err := unmarshalMetadata(blob, &e.Metadata); err != nil {
		return Epoch{}, err
	}
	return e, nil
}
