package governance

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cogcortex/cortex/internal/memory"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	store, err := memory.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func insertFact(t *testing.T, store *memory.Store, id, entity, content string, confidence float64, tags string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := store.DB().ExecContext(context.Background(),
		`INSERT INTO agent_knowledge_base (id, entity, content, confidence, tags, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, entity, content, confidence, tags, now, now)
	require.NoError(t, err)
}

func TestIdentifyKnowledgeGapsLowConfidenceAndUnverified(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	insertFact(t, store, "f1", "postgres", "postgres supports MVCC", 0.3, `["verified"]`)
	insertFact(t, store, "f2", "postgres", "postgres has a query planner", 0.7, `[]`)

	engine := NewCuriosityEngine(store.DB())
	gaps, err := engine.IdentifyKnowledgeGaps(ctx)
	require.NoError(t, err)

	var lowConf, unverified bool
	for _, g := range gaps {
		if g.Type == GapLowConfidence && g.Entity == "postgres" {
			lowConf = true
		}
		if g.Type == GapUnverified && g.Entity == "postgres" {
			unverified = true
		}
	}
	require.True(t, lowConf, "expected a low_confidence gap")
	require.True(t, unverified, "expected an unverified gap")
}

func TestIdentifyKnowledgeHotspots(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	insertFact(t, store, "f1", "kafka", "kafka is a log", 0.9, `["verified"]`)

	_, err := store.DB().ExecContext(ctx,
		`INSERT INTO agent_metrics (id, metric_name, metric_value, created_at) VALUES (?, ?, ?, ?)`,
		"m1", "entity_hit_kafka", 10.0, time.Now().UTC())
	require.NoError(t, err)

	engine := NewCuriosityEngine(store.DB())
	hotspots, err := engine.IdentifyKnowledgeHotspots(ctx)
	require.NoError(t, err)
	require.Len(t, hotspots, 1)
	require.Equal(t, "kafka", hotspots[0].Entity)
}

func TestSuggestQuestionsColdStart(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := NewCuriosityEngine(store.DB())

	questions, err := engine.SuggestQuestions(ctx, "unknown-entity")
	require.NoError(t, err)
	require.NotEmpty(t, questions)
}

func TestGenerateHypothesesCapsAtFive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for i := 0; i < 6; i++ {
		entity := fmt.Sprintf("entity-%d", i)
		insertFact(t, store, entity, entity, "fact content", 0.9, `["database"]`)
	}

	engine := NewCuriosityEngine(store.DB())
	hyps, err := engine.GenerateHypotheses(ctx)
	require.NoError(t, err)
	require.LessOrEqual(t, len(hyps), 5)
}
