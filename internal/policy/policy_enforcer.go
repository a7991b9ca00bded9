package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// PolicyEnforcer evaluates threshold/pattern/budget policies (privacy
// policies are stored but always allow) against a shared SQLite handle (the same database internal/memory's
// Store opens — this package takes the raw *sql.DB to avoid importing
// internal/memory just for a handle type).
type PolicyEnforcer struct {
	db *sql.DB
}

// NewPolicyEnforcer constructs a PolicyEnforcer.
func NewPolicyEnforcer(db *sql.DB) *PolicyEnforcer { return &PolicyEnforcer{db: db} }

// DefinePolicy is idempotent by name: update-or-insert, transactional.
func (p *PolicyEnforcer) DefinePolicy(ctx context.Context, name string, typ PolicyType, definition map[string]any, isEnabled bool) (Policy, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Policy{}, fmt.Errorf("begin define policy: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx,
		`SELECT id, name, type, definition, is_enabled, metadata, created_at, updated_at FROM agent_policies WHERE name = ?`, name)
	existing, err := scanPolicy(row)

	var result Policy
	switch {
	case errors.Is(err, sql.ErrNoRows):
		defBlob, merr := json.Marshal(definition)
		if merr != nil {
			return Policy{}, fmt.Errorf("marshal definition: %w", merr)
		}
		pol := Policy{
			ID:         uuid.New().String(),
			Name:       name,
			Type:       typ,
			Definition: definition,
			IsEnabled:  isEnabled,
			Metadata:   map[string]any{},
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agent_policies (id, name, type, definition, is_enabled, metadata, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			pol.ID, pol.Name, pol.Type, string(defBlob), pol.IsEnabled, "{}", pol.CreatedAt, pol.UpdatedAt,
		); err != nil {
			return Policy{}, fmt.Errorf("insert policy: %w", err)
		}
		result = pol
	case err != nil:
		return Policy{}, fmt.Errorf("read policy: %w", err)
	default:
		existing.Type = typ
		existing.Definition = definition
		existing.IsEnabled = isEnabled
		existing.UpdatedAt = now
		defBlob, merr := json.Marshal(definition)
		if merr != nil {
			return Policy{}, fmt.Errorf("marshal definition: %w", merr)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE agent_policies SET type = ?, definition = ?, is_enabled = ?, updated_at = ? WHERE id = ?`,
			existing.Type, string(defBlob), existing.IsEnabled, existing.UpdatedAt, existing.ID,
		); err != nil {
			return Policy{}, fmt.Errorf("update policy: %w", err)
		}
		result = existing
	}

	if err := tx.Commit(); err != nil {
		return Policy{}, fmt.Errorf("commit define policy: %w", err)
	}
	return result, nil
}

// CheckPolicy is a no-op (allowed=true) for disabled or absent policies;
// otherwise dispatches by policy type. Only threshold, pattern and budget
// types are checked; any other type, privacy included, is allowed.
func (p *PolicyEnforcer) CheckPolicy(ctx context.Context, name string, value any) (CheckResult, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, name, type, definition, is_enabled, metadata, created_at, updated_at FROM agent_policies WHERE name = ?`, name)
	pol, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CheckResult{Allowed: true}, nil
	}
	if err != nil {
		return CheckResult{}, fmt.Errorf("read policy: %w", err)
	}
	if !pol.IsEnabled {
		return CheckResult{Allowed: true}, nil
	}

	switch pol.Type {
	case PolicyThreshold:
		return checkThreshold(pol, value), nil
	case PolicyPattern:
		return checkPattern(pol, value)
	case PolicyBudget:
		return p.checkBudget(ctx, pol, value)
	default:
		return CheckResult{Allowed: true}, nil
	}
}

func checkThreshold(pol Policy, value any) CheckResult {
	f, ok := toFloat(value)
	if !ok {
		return CheckResult{Allowed: true}
	}
	if min, ok := toFloat(pol.Definition["min"]); ok && f < min {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("value %v below minimum %v", f, min)}
	}
	if max, ok := toFloat(pol.Definition["max"]); ok && f > max {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("value %v above maximum %v", f, max)}
	}
	return CheckResult{Allowed: true}
}

func checkPattern(pol Policy, value any) (CheckResult, error) {
	s, ok := value.(string)
	if !ok {
		s = fmt.Sprintf("%v", value)
	}
	patternStr, _ := pol.Definition["pattern"].(string)
	if patternStr == "" {
		return CheckResult{Allowed: true}, nil
	}
	re, err := regexp.Compile("(?i)" + patternStr)
	if err != nil {
		return CheckResult{}, fmt.Errorf("compile pattern: %w", err)
	}
	mustMatch, _ := pol.Definition["mustMatch"].(bool)
	matches := re.MatchString(s)
	if mustMatch && !matches {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("value %q does not match required pattern %q", s, patternStr)}, nil
	}
	if !mustMatch && matches {
		return CheckResult{Allowed: false, Reason: fmt.Sprintf("value %q matches forbidden pattern %q", s, patternStr)}, nil
	}
	return CheckResult{Allowed: true}, nil
}

func (p *PolicyEnforcer) checkBudget(ctx context.Context, pol Policy, value any) (CheckResult, error) {
	f, ok := toFloat(value)
	if !ok {
		return CheckResult{Allowed: true}, nil
	}
	metricName, _ := pol.Definition["metricName"].(string)
	period, _ := pol.Definition["period"].(string)
	limit, _ := toFloat(pol.Definition["limit"])

	since := windowStart(period)
	var sum sql.NullFloat64
	err := p.db.QueryRowContext(ctx,
		`SELECT SUM(metric_value) FROM agent_metrics WHERE metric_name = ? AND created_at >= ?`,
		metricName, since).Scan(&sum)
	if err != nil {
		return CheckResult{}, fmt.Errorf("sum budget metric: %w", err)
	}

	total := sum.Float64 + f
	if total > limit {
		reason := fmt.Sprintf("Cumulative budget for %q exceeded (%.2f / %s)", metricName, sum.Float64, strconv.FormatFloat(limit, 'f', -1, 64))
		return CheckResult{Allowed: false, Reason: reason}, nil
	}
	return CheckResult{Allowed: true}, nil
}

// windowStart resolves the selected budget window's start instant:
// "daily" = local midnight, "hourly" = 3600s ago, else the Unix epoch.
func windowStart(period string) time.Time {
	now := time.Now()
	switch period {
	case "daily":
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	case "hourly":
		return now.Add(-1 * time.Hour)
	default:
		return time.Unix(0, 0)
	}
}

// EvaluateContext invokes CheckPolicy for each policy whose name matches a
// context key, plus every privacy policy against context["content"] when
// present.
func (p *PolicyEnforcer) EvaluateContext(ctx context.Context, contextMap map[string]any) (ContextResult, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, type, definition, is_enabled, metadata, created_at, updated_at FROM agent_policies`)
	if err != nil {
		return ContextResult{}, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return ContextResult{}, err
		}
		policies = append(policies, pol)
	}
	if err := rows.Err(); err != nil {
		return ContextResult{}, err
	}

	var violations []string
	for _, pol := range policies {
		if value, ok := contextMap[pol.Name]; ok {
			res, err := p.CheckPolicy(ctx, pol.Name, value)
			if err != nil {
				return ContextResult{}, err
			}
			if !res.Allowed {
				violations = append(violations, res.Reason)
			}
		}
		if pol.Type == PolicyPrivacy {
			if content, ok := contextMap["content"]; ok {
				res, err := p.CheckPolicy(ctx, pol.Name, content)
				if err != nil {
					return ContextResult{}, err
				}
				if !res.Allowed {
					violations = append(violations, res.Reason)
				}
			}
		}
	}

	return ContextResult{Allowed: len(violations) == 0, Violations: violations}, nil
}

func scanPolicy(r interface{ Scan(dest ...any) error }) (Policy, error) {
	var pol Policy
	var defBlob, metaBlob string
	if err := r.Scan(&pol.ID, &pol.Name, &pol.Type, &defBlob, &pol.IsEnabled, &metaBlob, &pol.CreatedAt, &pol.UpdatedAt); err != nil {
		return Policy{}, err
	}
	if defBlob != "" {
		if err := json.Unmarshal([]byte(defBlob), &pol.Definition); err != nil {
			return Policy{}, fmt.Errorf("unmarshal definition: %w", err)
		}
	} else {
		pol.Definition = map[string]any{}
	}
	if metaBlob != "" {
		_ = json.Unmarshal([]byte(metaBlob), &pol.Metadata)
	}
	if pol.Metadata == nil {
		pol.Metadata = map[string]any{}
	}
	return pol, nil
}
