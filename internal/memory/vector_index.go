package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// vectorProvider is the tagged-variant interface behind VectorIndex's
// vector stage (SPEC_FULL.md §6): a native dense-vector provider, a
// sidecar-extension provider, and the always-available manual fallback.
// Selection is config-driven, not exception-driven; the two non-manual
// members are deliberate stubs (this driver configuration has neither a
// native vector column type nor a loadable vss0 extension without CGO).
type vectorProvider interface {
	name() string
	search(ctx context.Context, store *Store, sessionID string, embedding []float32, limit int) ([]Memory, error)
}

type nativeVectorProvider struct{}

func (nativeVectorProvider) name() string { return "native" }
func (nativeVectorProvider) search(context.Context, *Store, string, []float32, int) ([]Memory, error) {
	return nil, &BackendUnavailableError{Backend: "native", Cause: fmt.Errorf("no native vector column type in this driver configuration")}
}

type sidecarVSSProvider struct{}

func (sidecarVSSProvider) name() string { return "sidecar" }
func (sidecarVSSProvider) search(context.Context, *Store, string, []float32, int) ([]Memory, error) {
	return nil, &BackendUnavailableError{Backend: "sidecar", Cause: fmt.Errorf("vss0 extension not loadable without CGO")}
}

// manualFallbackProvider streams up to 1000 of the most recent memories
// and ranks them by in-process cosine similarity, per spec.md §4.4's
// "provider absent or fails" fallback path.
type manualFallbackProvider struct{}

func (manualFallbackProvider) name() string { return "manual" }

func (manualFallbackProvider) search(ctx context.Context, store *Store, sessionID string, embedding []float32, limit int) ([]Memory, error) {
	const scanCap = 1000
	var rows *sql.Rows
	var err error
	if sessionID != "" {
		rows, err = store.db.QueryContext(ctx,
			`SELECT id, session_id, content, embedding, metadata, created_at FROM agent_memories
			 WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, scanCap)
	} else {
		rows, err = store.db.QueryContext(ctx,
			`SELECT id, session_id, content, embedding, metadata, created_at FROM agent_memories
			 ORDER BY created_at DESC LIMIT ?`, scanCap)
	}
	if err != nil {
		return nil, fmt.Errorf("scan memories: %w", err)
	}
	defer rows.Close()

	type scoredMemory struct {
		mem   Memory
		score float64
	}
	var candidates []scoredMemory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, scoredMemory{mem: m, score: cosineSimilarity(embedding, m.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := 1; i < len(candidates); i++ {
		j := i
		for j > 0 && candidates[j-1].score < candidates[j].score {
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
			j--
		}
	}
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Memory, len(candidates))
	for i, c := range candidates {
		out[i] = c.mem
	}
	return out, nil
}

// ftsBackend is the tagged-variant interface behind the keyword stage.
type ftsBackend interface {
	name() string
	ensure(ctx context.Context, store *Store) error
	search(ctx context.Context, store *Store, sessionID, keyword string, limit int) ([]string, error)
}

// fts5Backend queries a `<table>_fts` FTS5 virtual table; modernc.org/sqlite
// is built with FTS5 support.
type fts5Backend struct{}

func (fts5Backend) name() string { return "fts5" }

func (fts5Backend) ensure(ctx context.Context, store *Store) error {
	_, err := store.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS agent_memories_fts USING fts5(id UNINDEXED, content)`)
	if err != nil {
		return fmt.Errorf("create fts5 table: %w", err)
	}
	return nil
}

func (b fts5Backend) search(ctx context.Context, store *Store, sessionID, keyword string, limit int) ([]string, error) {
	if err := b.ensure(ctx, store); err != nil {
		return nil, err
	}
	rows, err := store.db.QueryContext(ctx,
		`SELECT m.id FROM agent_memories m
		 JOIN agent_memories_fts f ON f.id = m.id
		 WHERE f.content MATCH ? AND (? = '' OR m.session_id = ?)
		 ORDER BY m.created_at DESC LIMIT ?`, keyword, sessionID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("fts5 search: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// likeBackend is the always-available substring fallback.
type likeBackend struct{}

func (likeBackend) name() string                        { return "like" }
func (likeBackend) ensure(context.Context, *Store) error { return nil }

func (likeBackend) search(ctx context.Context, store *Store, sessionID, keyword string, limit int) ([]string, error) {
	pattern := "%" + keyword + "%"
	var rows *sql.Rows
	var err error
	if sessionID != "" {
		rows, err = store.db.QueryContext(ctx,
			`SELECT id FROM agent_memories WHERE session_id = ? AND content LIKE ? ORDER BY created_at DESC LIMIT ?`,
			sessionID, pattern, limit)
	} else {
		rows, err = store.db.QueryContext(ctx,
			`SELECT id FROM agent_memories WHERE content LIKE ? ORDER BY created_at DESC LIMIT ?`, pattern, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("like search: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FTSMode selects the ftsBackend variant (SPEC_FULL.md §6): configuration-
// driven, not capability-probed at runtime.
type FTSMode string

const (
	FTSModeFTS5 FTSMode = "fts5"
	FTSModeLike FTSMode = "like"
)

// SearchOptions bounds a VectorIndex.Search call.
type SearchOptions struct {
	Limit     int
	SessionID string
	MinScore  float64
	Keyword   string
}

// VectorIndex stores embedding-bearing memories and answers similarity
// queries via vector search, keyword search and Reciprocal Rank Fusion,
// grounded on the teacher's learning.go manual-cosine search generalized
// with the tagged-variant provider/backend seams SPEC_FULL.md §6 adds.
type VectorIndex struct {
	store    *Store
	provider vectorProvider
	fts      ftsBackend
}

// VectorProviderMode selects the vectorProvider variant (SPEC_FULL.md §6).
type VectorProviderMode string

const (
	VectorProviderNative  VectorProviderMode = "native"
	VectorProviderSidecar VectorProviderMode = "sidecar"
	VectorProviderManual  VectorProviderMode = "manual"
)

// NewVectorIndex constructs a VectorIndex. providerMode defaults to manual
// when empty or unrecognized; fts defaults to the LIKE backend likewise.
// Selecting native or sidecar is legal configuration but both are
// deliberate stubs in this driver configuration (§6) — Search falls back
// to the manual provider whenever the configured one reports
// BackendUnavailableError, so the behavior is identical either way; the
// mode only changes which provider is tried first.
func NewVectorIndex(store *Store, providerMode VectorProviderMode, ftsMode FTSMode) *VectorIndex {
	var provider vectorProvider = manualFallbackProvider{}
	switch providerMode {
	case VectorProviderNative:
		provider = nativeVectorProvider{}
	case VectorProviderSidecar:
		provider = sidecarVSSProvider{}
	}

	var fts ftsBackend = likeBackend{}
	if ftsMode == FTSModeFTS5 {
		fts = fts5Backend{}
	}
	return &VectorIndex{store: store, provider: provider, fts: fts}
}

func (v *VectorIndex) db() *sql.DB { return v.store.db }

// AddMemory inserts one embedding-bearing memory.
func (v *VectorIndex) AddMemory(ctx context.Context, content string, embedding []float32, sessionID string, metadata Metadata) (Memory, error) {
	now := nowUTC()
	m := Memory{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Content:   content,
		Embedding: embedding,
		Metadata:  metadata.Clone(),
		CreatedAt: now,
	}
	blob, err := json.Marshal(m.Metadata)
	if err != nil {
		return Memory{}, fmt.Errorf("marshal metadata: %w", err)
	}
	embBlob, err := marshalEmbedding(m.Embedding)
	if err != nil {
		return Memory{}, fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = v.db().ExecContext(ctx,
		`INSERT INTO agent_memories (id, session_id, content, embedding, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, nullableString(m.SessionID), m.Content, embBlob, string(blob), m.CreatedAt)
	if err != nil {
		return Memory{}, fmt.Errorf("insert memory: %w", err)
	}
	if _, ok := v.fts.(fts5Backend); ok {
		if err := v.fts.ensure(ctx, v.store); err != nil {
			return Memory{}, err
		}
		if _, err := v.db().ExecContext(ctx,
			`INSERT INTO agent_memories_fts (id, content) VALUES (?, ?)`, m.ID, m.Content); err != nil {
			return Memory{}, fmt.Errorf("index memory for fts5: %w", err)
		}
	}
	return m, nil
}

// AddMemories bulk-inserts a batch of memories.
func (v *VectorIndex) AddMemories(ctx context.Context, batch []Memory) ([]Memory, error) {
	out := make([]Memory, 0, len(batch))
	for _, m := range batch {
		inserted, err := v.AddMemory(ctx, m.Content, m.Embedding, m.SessionID, m.Metadata)
		if err != nil {
			return out, err
		}
		out = append(out, inserted)
	}
	return out, nil
}

// Search runs the vector stage, keyword stage, RRF fusion, and relevance
// floor of spec.md §4.4.
func (v *VectorIndex) Search(ctx context.Context, embedding []float32, opts SearchOptions) ([]Memory, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = 0.7
	}

	vectorResults, err := v.provider.search(ctx, v.store, opts.SessionID, embedding, limit)
	var vectorIDs []string
	if err != nil {
		// absent/failed provider: manual fallback per spec.md §4.4.
		vectorResults, err = manualFallbackProvider{}.search(ctx, v.store, opts.SessionID, embedding, limit)
		if err != nil {
			return nil, err
		}
	}
	for _, m := range vectorResults {
		vectorIDs = append(vectorIDs, m.ID)
	}

	var keywordIDs []string
	if opts.Keyword != "" {
		keywordIDs, err = v.fts.search(ctx, v.store, opts.SessionID, opts.Keyword, limit)
		if err != nil {
			return nil, err
		}
	}

	var fusedIDs []string
	if len(keywordIDs) == 0 {
		fusedIDs = vectorIDs
	} else {
		fusedIDs = reciprocalRankFusion([][]string{vectorIDs, keywordIDs})
	}

	byID := make(map[string]Memory, len(vectorResults))
	for _, m := range vectorResults {
		byID[m.ID] = m
	}
	var missing []string
	for _, id := range fusedIDs {
		if _, ok := byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		fetched, err := v.fetchByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, m := range fetched {
			byID[m.ID] = m
		}
	}

	floor := 0.8 * minScore
	var out []Memory
	for _, id := range fusedIDs {
		m, ok := byID[id]
		if !ok {
			continue
		}
		score := cosineSimilarity(embedding, m.Embedding)
		if score >= floor {
			out = append(out, m)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (v *VectorIndex) fetchByIDs(ctx context.Context, ids []string) ([]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(
		`SELECT id, session_id, content, embedding, metadata, created_at FROM agent_memories WHERE id IN (%s)`,
		strings.Join(placeholders, ","))
	rows, err := v.db().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch by ids: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMemory(r scannable) (Memory, error) {
	var m Memory
	var sessionID sql.NullString
	var blob string
	var embBlob []byte
	if err := r.Scan(&m.ID, &sessionID, &m.Content, &embBlob, &blob, &m.CreatedAt); err != nil {
		return Memory{}, err
	}
	m.SessionID = sessionID.String
	if err := unmarshalMetadata(blob, &m.Metadata); err != nil {
		return Memory{}, err
	}
	emb, err := unmarshalEmbedding(embBlob)
	if err != nil {
		return Memory{}, err
	}
	m.Embedding = emb
	return m, nil
}

func marshalEmbedding(embedding []float32) ([]byte, error) {
	return json.Marshal(embedding)
}

func unmarshalEmbedding(blob []byte) ([]float32, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	var emb []float32
	if err := json.Unmarshal(blob, &emb); err != nil {
		return nil, fmt.Errorf("unmarshal embedding: %w", err)
	}
	return emb, nil
}
