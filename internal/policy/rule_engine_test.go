package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuleEnginePriorityAndMatch(t *testing.T) {
	ctx := context.Background()
	store := newTestDB(t)
	engine := NewRuleEngine(store.DB())

	_, err := engine.DefineRule(ctx, "agent_memories", OpInsert, ActionAllow, DefineRuleOptions{
		Condition: "role == 'user'",
		Priority:  1,
	})
	require.NoError(t, err)

	_, err = engine.DefineRule(ctx, "agent_memories", OpInsert, ActionDeny, DefineRuleOptions{
		Condition: "classification == 'secret'",
		Priority:  10,
	})
	require.NoError(t, err)

	verdict, err := engine.EvaluateRules(ctx, "agent_memories", OpInsert, map[string]any{
		"role":           "user",
		"classification": "secret",
	})
	require.NoError(t, err)
	require.Equal(t, ActionDeny, verdict.Action)
	require.Regexp(t, `Matched rule .* \(deny\)`, verdict.Reason)
}

func TestRuleEngineAllOperationMatchesEveryOperation(t *testing.T) {
	ctx := context.Background()
	store := newTestDB(t)
	engine := NewRuleEngine(store.DB())

	_, err := engine.DefineRule(ctx, "agent_memories", OpAll, ActionAudit, DefineRuleOptions{
		Condition: "sessionId == 's1'",
	})
	require.NoError(t, err)

	for _, op := range []RuleOperation{OpInsert, OpUpdate, OpDelete} {
		verdict, err := engine.EvaluateRules(ctx, "agent_memories", op, map[string]any{"sessionId": "s1"})
		require.NoError(t, err)
		require.Equal(t, ActionAudit, verdict.Action)
	}
}

func TestRuleEngineNoMatchAllows(t *testing.T) {
	ctx := context.Background()
	store := newTestDB(t)
	engine := NewRuleEngine(store.DB())

	verdict, err := engine.EvaluateRules(ctx, "agent_memories", OpInsert, map[string]any{"role": "user"})
	require.NoError(t, err)
	require.Equal(t, ActionAllow, verdict.Action)
	require.Empty(t, verdict.RuleID)
}

func TestApplyMasking(t *testing.T) {
	rule := Rule{
		Action:   ActionMask,
		Metadata: map[string]any{"maskFields": []any{"ssn", "creditCard"}},
	}
	data := map[string]any{
		"ssn":        "123-45-6789",
		"creditCard": "4111111111111111",
		"name":       "Ada Lovelace",
	}

	masked := ApplyMasking(data, rule)
	if masked["ssn"] != "*****" {
		t.Errorf("expected ssn masked, got %v", masked["ssn"])
	}
	if masked["creditCard"] != "*****" {
		t.Errorf("expected creditCard masked, got %v", masked["creditCard"])
	}
	if masked["name"] != "Ada Lovelace" {
		t.Errorf("expected name untouched, got %v", masked["name"])
	}
}

func TestApplyMaskingNoopForNonMaskAction(t *testing.T) {
	rule := Rule{Action: ActionAllow, Metadata: map[string]any{"maskFields": []any{"ssn"}}}
	data := map[string]any{"ssn": "123-45-6789"}
	masked := ApplyMasking(data, rule)
	if masked["ssn"] != "123-45-6789" {
		t.Errorf("expected no masking for allow action, got %v", masked["ssn"])
	}
}
