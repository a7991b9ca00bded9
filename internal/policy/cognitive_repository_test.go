package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	name    string
	inserts []map[string]any
}

func (f *fakeRepo) TableName() string { return f.name }

func (f *fakeRepo) Insert(ctx context.Context, data map[string]any) (map[string]any, error) {
	f.inserts = append(f.inserts, data)
	return data, nil
}

func (f *fakeRepo) Update(ctx context.Context, data map[string]any) (map[string]any, error) {
	return data, nil
}

func (f *fakeRepo) Delete(ctx context.Context, data map[string]any) (map[string]any, error) {
	return data, nil
}

func TestCognitiveRepositoryDeny(t *testing.T) {
	ctx := context.Background()
	store := newTestDB(t)
	engine := NewRuleEngine(store.DB())
	registry := NewRepositoryRegistry()
	repo := &fakeRepo{name: "agent_memories"}
	registry.Register(repo)

	_, err := engine.DefineRule(ctx, "agent_memories", OpInsert, ActionDeny, DefineRuleOptions{
		Condition: "classification == 'secret'",
	})
	require.NoError(t, err)

	cog := NewCognitiveRepository(store.DB(), engine, registry)
	_, err = cog.Insert(ctx, "agent_memories", map[string]any{"classification": "secret"})
	require.Error(t, err)

	var denied *CognitiveRuleDeniedError
	require.ErrorAs(t, err, &denied)
	require.Empty(t, repo.inserts)
}

func TestCognitiveRepositoryAuditRecordsReflection(t *testing.T) {
	ctx := context.Background()
	store := newTestDB(t)
	engine := NewRuleEngine(store.DB())
	registry := NewRepositoryRegistry()
	repo := &fakeRepo{name: "agent_memories"}
	registry.Register(repo)

	rule, err := engine.DefineRule(ctx, "agent_memories", OpInsert, ActionAudit, DefineRuleOptions{
		Condition: "flagged == true",
	})
	require.NoError(t, err)

	cog := NewCognitiveRepository(store.DB(), engine, registry)
	_, err = cog.Insert(ctx, "agent_memories", map[string]any{"flagged": true})
	require.NoError(t, err)
	require.Len(t, repo.inserts, 1)

	var count int
	err = store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_reflections WHERE rule_id = ?`, rule.ID).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestCognitiveRepositoryMaskRedactsFields(t *testing.T) {
	ctx := context.Background()
	store := newTestDB(t)
	engine := NewRuleEngine(store.DB())
	registry := NewRepositoryRegistry()
	repo := &fakeRepo{name: "agent_memories"}
	registry.Register(repo)

	_, err := engine.DefineRule(ctx, "agent_memories", OpInsert, ActionMask, DefineRuleOptions{
		Condition: "hasPII == true",
		Metadata:  map[string]any{"maskFields": []any{"ssn"}},
	})
	require.NoError(t, err)

	cog := NewCognitiveRepository(store.DB(), engine, registry)
	result, err := cog.Insert(ctx, "agent_memories", map[string]any{"hasPII": true, "ssn": "123-45-6789"})
	require.NoError(t, err)
	require.Equal(t, "*****", result["ssn"])
	require.Len(t, repo.inserts, 1)
	require.Equal(t, "*****", repo.inserts[0]["ssn"])
}

func TestCognitiveRepositoryPassThroughWithNoRepository(t *testing.T) {
	ctx := context.Background()
	store := newTestDB(t)
	engine := NewRuleEngine(store.DB())
	registry := NewRepositoryRegistry()

	cog := NewCognitiveRepository(store.DB(), engine, registry)
	data, err := cog.Insert(ctx, "agent_memories", map[string]any{"role": "user"})
	require.NoError(t, err)
	require.Equal(t, "user", data["role"])
}
