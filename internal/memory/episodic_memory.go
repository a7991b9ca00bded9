package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EpisodicMemory tracks named, timed units of work within a session,
// grounded on the teacher's task lifecycle tables generalized from
// claim/complete to start/complete episode semantics.
type EpisodicMemory struct {
	store *Store
}

// NewEpisodicMemory constructs an EpisodicMemory.
func NewEpisodicMemory(store *Store) *EpisodicMemory { return &EpisodicMemory{store: store} }

func (e *EpisodicMemory) db() *sql.DB { return e.store.db }

// StartEpisode inserts an active episode with startTime = now.
func (e *EpisodicMemory) StartEpisode(ctx context.Context, sessionID, name string, metadata Metadata) (Episode, error) {
	now := nowUTC()
	ep := Episode{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Name:      name,
		Status:    EpisodeActive,
		StartTime: now,
		Metadata:  metadata.Clone(),
	}
	blob, err := json.Marshal(ep.Metadata)
	if err != nil {
		return Episode{}, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = e.db().ExecContext(ctx,
		`INSERT INTO agent_episodes (id, session_id, name, summary, status, start_time, end_time, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, ?)`,
		ep.ID, ep.SessionID, ep.Name, ep.Summary, ep.Status, ep.StartTime, string(blob))
	if err != nil {
		return Episode{}, fmt.Errorf("insert episode: %w", err)
	}
	return ep, nil
}

// CompleteEpisode performs a row-locked read-modify-write: merges
// metadata, sets status completed, endTime = now, and the given summary.
func (e *EpisodicMemory) CompleteEpisode(ctx context.Context, id, summary string, metadata Metadata) (Episode, error) {
	var result Episode
	err := e.store.withImmediateTx(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT id, session_id, name, summary, status, start_time, end_time, metadata
			 FROM agent_episodes WHERE id = ?`, id)
		ep, err := scanEpisode(row)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Entity: "episode", ID: id}
		}
		if err != nil {
			return fmt.Errorf("read episode: %w", err)
		}

		now := nowUTC()
		ep.Metadata = ep.Metadata.Merge(metadata)
		ep.Status = EpisodeCompleted
		ep.EndTime = &now
		ep.Summary = summary

		blob, err := json.Marshal(ep.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := conn.ExecContext(ctx,
			`UPDATE agent_episodes SET summary = ?, status = ?, end_time = ?, metadata = ? WHERE id = ?`,
			ep.Summary, ep.Status, ep.EndTime, string(blob), id,
		); err != nil {
			return fmt.Errorf("update episode: %w", err)
		}
		result = ep
		return nil
	})
	if err != nil {
		return Episode{}, err
	}
	return result, nil
}

// GetSessionEpisodes returns a session's episodes ordered by startTime
// descending, defaulting to limit=100, offset=0.
func (e *EpisodicMemory) GetSessionEpisodes(ctx context.Context, sessionID string, limit, offset int) ([]Episode, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := e.db().QueryContext(ctx,
		`SELECT id, session_id, name, summary, status, start_time, end_time, metadata
		 FROM agent_episodes WHERE session_id = ? ORDER BY start_time DESC LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// GetRecentEpisodes returns up to limit (default 10) completed episodes
// ordered by endTime descending.
func (e *EpisodicMemory) GetRecentEpisodes(ctx context.Context, limit int) ([]Episode, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := e.db().QueryContext(ctx,
		`SELECT id, session_id, name, summary, status, start_time, end_time, metadata
		 FROM agent_episodes WHERE status = ? ORDER BY end_time DESC LIMIT ?`, EpisodeCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent episodes: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

func scanEpisode(r scannable) (Episode, error) {
	var ep Episode
	var summary sql.NullString
	var endTime sql.NullTime
	var blob string
	if err := r.Scan(&ep.ID, &ep.SessionID, &ep.Name, &summary, &ep.Status, &ep.StartTime, &endTime, &blob); err != nil {
		return Episode{}, err
	}
	ep.Summary = summary.String
	if endTime.Valid {
		t := endTime.Time
		ep.EndTime = &t
	}
	if err := unmarshalMetadata(blob, &ep.Metadata); err != nil {
		return Episode{}, err
	}
	return ep, nil
}

func scanEpisodes(rows *sql.Rows) ([]Episode, error) {
	var out []Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}
