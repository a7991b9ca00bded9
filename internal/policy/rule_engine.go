package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RuleEngine evaluates per-table data-operation rules against the
// condition grammar in condition.go.
type RuleEngine struct {
	db *sql.DB
}

// NewRuleEngine constructs a RuleEngine.
func NewRuleEngine(db *sql.DB) *RuleEngine { return &RuleEngine{db: db} }

// DefineRuleOptions carries defineRule's optional fields.
type DefineRuleOptions struct {
	Condition string
	Priority  int
	Script    string
	Metadata  map[string]any
}

// DefineRule inserts a new, enabled rule, transactional.
func (e *RuleEngine) DefineRule(ctx context.Context, tableName string, operation RuleOperation, action RuleAction, opts DefineRuleOptions) (Rule, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Rule{}, fmt.Errorf("begin define rule: %w", err)
	}
	defer tx.Rollback()

	meta := opts.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	rule := Rule{
		ID:        uuid.New().String(),
		TableName: tableName,
		Operation: operation,
		Condition: opts.Condition,
		Action:    action,
		Priority:  opts.Priority,
		Script:    opts.Script,
		IsEnabled: true,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	metaBlob, err := json.Marshal(rule.Metadata)
	if err != nil {
		return Rule{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_rules (id, table_name, operation, condition, action, priority, script, is_enabled, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.TableName, rule.Operation, nullableString(rule.Condition), rule.Action,
		rule.Priority, nullableString(rule.Script), rule.IsEnabled, string(metaBlob), rule.CreatedAt,
	); err != nil {
		return Rule{}, fmt.Errorf("insert rule: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Rule{}, fmt.Errorf("commit define rule: %w", err)
	}
	return rule, nil
}

// GetActiveRules returns enabled rules for tableName/operation, including
// rules whose operation is "all".
func (e *RuleEngine) GetActiveRules(ctx context.Context, tableName string, operation RuleOperation) ([]Rule, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, table_name, operation, condition, action, priority, script, is_enabled, metadata, created_at
		 FROM agent_rules WHERE table_name = ? AND is_enabled = 1 AND (operation = ? OR operation = ?)
		 ORDER BY priority DESC`, tableName, operation, OpAll)
	if err != nil {
		return nil, fmt.Errorf("query active rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EvaluateRules returns the first matching rule's verdict, sorted by
// priority descending; {action: allow} when nothing matches.
func (e *RuleEngine) EvaluateRules(ctx context.Context, tableName string, operation RuleOperation, data map[string]any) (RuleVerdict, error) {
	rules, err := e.GetActiveRules(ctx, tableName, operation)
	if err != nil {
		return RuleVerdict{}, err
	}
	for _, r := range rules {
		if r.Condition == "" {
			continue
		}
		if evaluateCondition(r.Condition, data) {
			return RuleVerdict{
				Action: r.Action,
				RuleID: r.ID,
				Reason: fmt.Sprintf("Matched rule %q (%s)", r.Condition, r.Action),
			}, nil
		}
	}
	return RuleVerdict{Action: ActionAllow}, nil
}

// ApplyMasking sets each field listed in rule.Metadata["maskFields"] to
// the literal "*****", whether or not data already carried it; other
// fields are left untouched. Only applies when rule.Action == "mask".
func ApplyMasking(data map[string]any, rule Rule) map[string]any {
	if rule.Action != ActionMask {
		return data
	}
	fields, _ := rule.Metadata["maskFields"].([]any)
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, f := range fields {
		name, ok := f.(string)
		if !ok {
			continue
		}
		out[name] = "*****"
	}
	return out
}

func scanRule(r interface{ Scan(dest ...any) error }) (Rule, error) {
	var rule Rule
	var condition, script sql.NullString
	var metaBlob string
	if err := r.Scan(&rule.ID, &rule.TableName, &rule.Operation, &condition, &rule.Action, &rule.Priority, &script, &rule.IsEnabled, &metaBlob, &rule.CreatedAt); err != nil {
		return Rule{}, err
	}
	rule.Condition = condition.String
	rule.Script = script.String
	if metaBlob != "" {
		if err := json.Unmarshal([]byte(metaBlob), &rule.Metadata); err != nil {
			return Rule{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	} else {
		rule.Metadata = map[string]any{}
	}
	return rule, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
