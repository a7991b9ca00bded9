package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TableRepository is a table-bound repository CognitiveRepository can
// place an intercept in front of. Read operations are never intercepted.
type TableRepository interface {
	TableName() string
	Insert(ctx context.Context, data map[string]any) (map[string]any, error)
	Update(ctx context.Context, data map[string]any) (map[string]any, error)
	Delete(ctx context.Context, data map[string]any) (map[string]any, error)
}

// RepositoryRegistry is a name-keyed collection of TableRepository
// instances, letting CognitiveRepository dispatch by table name without
// every caller rebuilding the map.
type RepositoryRegistry struct {
	repos map[string]TableRepository
}

// NewRepositoryRegistry constructs an empty registry.
func NewRepositoryRegistry() *RepositoryRegistry {
	return &RepositoryRegistry{repos: map[string]TableRepository{}}
}

// Register adds or replaces the repository bound to r.TableName().
func (g *RepositoryRegistry) Register(r TableRepository) { g.repos[r.TableName()] = r }

// Get returns the repository registered for name, if any.
func (g *RepositoryRegistry) Get(name string) (TableRepository, bool) {
	r, ok := g.repos[name]
	return r, ok
}

// CognitiveRuleDeniedError is returned when a rule's action is "deny".
type CognitiveRuleDeniedError struct {
	TableName string
	Operation RuleOperation
	Reason    string
}

func (e *CognitiveRuleDeniedError) Error() string {
	return fmt.Sprintf("cognitive rule denied %s on %s: %s", e.Operation, e.TableName, e.Reason)
}

// CognitiveRepository is the thin intercept placed in front of a
// table-bound repository (spec.md §4.11): for each mutating operation it
// consults the RuleEngine and applies deny/audit/mask/allow before
// delegating to the underlying repository.
type CognitiveRepository struct {
	db       *sql.DB
	rules    *RuleEngine
	registry *RepositoryRegistry
}

// NewCognitiveRepository constructs a CognitiveRepository.
func NewCognitiveRepository(db *sql.DB, rules *RuleEngine, registry *RepositoryRegistry) *CognitiveRepository {
	return &CognitiveRepository{db: db, rules: rules, registry: registry}
}

// Insert intercepts a table-bound insert.
func (c *CognitiveRepository) Insert(ctx context.Context, tableName string, data map[string]any) (map[string]any, error) {
	return c.intercept(ctx, tableName, OpInsert, data)
}

// Update intercepts a table-bound update.
func (c *CognitiveRepository) Update(ctx context.Context, tableName string, data map[string]any) (map[string]any, error) {
	return c.intercept(ctx, tableName, OpUpdate, data)
}

// Delete intercepts a table-bound delete.
func (c *CognitiveRepository) Delete(ctx context.Context, tableName string, data map[string]any) (map[string]any, error) {
	return c.intercept(ctx, tableName, OpDelete, data)
}

func (c *CognitiveRepository) intercept(ctx context.Context, tableName string, operation RuleOperation, data map[string]any) (map[string]any, error) {
	repo, hasRepo := c.registry.Get(tableName)

	verdict, err := c.rules.EvaluateRules(ctx, tableName, operation, data)
	if err != nil {
		return nil, fmt.Errorf("evaluate rules for %s.%s: %w", tableName, operation, err)
	}

	switch verdict.Action {
	case ActionDeny:
		return nil, &CognitiveRuleDeniedError{TableName: tableName, Operation: operation, Reason: verdict.Reason}
	case ActionAudit:
		if err := c.recordReflection(ctx, tableName, string(operation), verdict.RuleID, data); err != nil {
			return nil, err
		}
	case ActionMask:
		data = c.applyMaskForVerdict(ctx, verdict, data)
	case ActionAllow:
		// continue with data unchanged
	}

	if !hasRepo {
		// No table-bound repository registered: pass through after the
		// rule pipeline has had its say (spec.md §4.11 step 1 variant for
		// tables with rules but no dynamic repository wired).
		return data, nil
	}

	switch operation {
	case OpInsert:
		return repo.Insert(ctx, data)
	case OpUpdate:
		return repo.Update(ctx, data)
	case OpDelete:
		return repo.Delete(ctx, data)
	default:
		return data, nil
	}
}

// applyMaskForVerdict re-fetches the matched rule (for its maskFields
// metadata) and applies masking; falls back to returning data unchanged
// if the rule can no longer be read.
func (c *CognitiveRepository) applyMaskForVerdict(ctx context.Context, verdict RuleVerdict, data map[string]any) map[string]any {
	if verdict.RuleID == "" {
		return data
	}
	row := c.db.QueryRowContext(ctx,
		`SELECT id, table_name, operation, condition, action, priority, script, is_enabled, metadata, created_at
		 FROM agent_rules WHERE id = ?`, verdict.RuleID)
	rule, err := scanRule(row)
	if err != nil {
		return data
	}
	return ApplyMasking(data, rule)
}

func (c *CognitiveRepository) recordReflection(ctx context.Context, tableName, operation, ruleID string, data map[string]any) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal audit snapshot: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO agent_reflections (id, rule_id, table_name, operation, data_snapshot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), nullableString(ruleID), tableName, operation, string(blob), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert reflection: %w", err)
	}
	return nil
}
