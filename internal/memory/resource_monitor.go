package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// QuotaChecker gates estimated spend at the persona, swarm and global
// scopes. ResourceMonitor.ValidateQuota checks them in that order and
// returns the first denial.
type QuotaChecker interface {
	CheckPersona(ctx context.Context, agentID string, estCost float64) (allowed bool, reason string, err error)
	CheckSwarm(ctx context.Context, swarmID string, estCost float64) (allowed bool, reason string, err error)
	CheckGlobal(ctx context.Context, estCost float64) (allowed bool, reason string, err error)
}

// RateOracle resolves a model's per-token cost rate.
type RateOracle interface {
	Rate(ctx context.Context, modelName string) (float64, error)
}

// conservativeDefaultRate is ResourceMonitor's fallback per-token cost when
// no RateOracle is configured (spec.md §4.8).
const conservativeDefaultRate = 2e-5

// tokenBucketQuota is an opt-in conservative QuotaChecker: a single shared
// golang.org/x/time/rate.Limiter token bucket gates every scope.
// ResourceMonitor never installs it by itself; with a nil QuotaChecker,
// ValidateQuota allows every request.
type tokenBucketQuota struct {
	limiter *rate.Limiter
}

// NewTokenBucketQuota builds a QuotaChecker backed by a token-bucket
// limiter: each check consumes estCost tokens from the bucket, denying
// when insufficient tokens are available.
func NewTokenBucketQuota(r rate.Limit, burst int) QuotaChecker {
	return &tokenBucketQuota{limiter: rate.NewLimiter(r, burst)}
}

func (q *tokenBucketQuota) check(estCost float64) (bool, string) {
	if q.limiter.AllowN(nowUTC(), int(estCost+0.5)) {
		return true, ""
	}
	return false, fmt.Sprintf("token bucket exhausted: requested %.2f tokens, %.2f available", estCost, q.limiter.Tokens())
}

func (q *tokenBucketQuota) CheckPersona(_ context.Context, _ string, estCost float64) (bool, string, error) {
	ok, reason := q.check(estCost)
	return ok, reason, nil
}

func (q *tokenBucketQuota) CheckSwarm(_ context.Context, _ string, estCost float64) (bool, string, error) {
	ok, reason := q.check(estCost)
	return ok, reason, nil
}

func (q *tokenBucketQuota) CheckGlobal(_ context.Context, estCost float64) (bool, string, error) {
	ok, reason := q.check(estCost)
	return ok, reason, nil
}

// QuotaResult is validateQuota's verdict.
type QuotaResult struct {
	Allowed bool
	Reason  string
}

// ResourceMonitor records model-usage accounting and validates spend
// estimates against persona/swarm/global quotas.
type ResourceMonitor struct {
	store *Store
	quota QuotaChecker
	rates RateOracle
}

// NewResourceMonitor constructs a ResourceMonitor. A nil quota or rates
// collaborator leaves the "no collaborator wired" defaults from spec.md
// §4.8 in effect for that collaborator independently.
func NewResourceMonitor(store *Store, quota QuotaChecker, rates RateOracle) *ResourceMonitor {
	return &ResourceMonitor{store: store, quota: quota, rates: rates}
}

func (m *ResourceMonitor) db() *sql.DB { return m.store.db }

// RecordUsage inserts a resource-usage row; cost defaults to 0, currency
// to "USD".
func (m *ResourceMonitor) RecordUsage(ctx context.Context, sessionID, modelName string, inputTokens, outputTokens int64, cost float64, agentID string, metadata Metadata) (ResourceUsage, error) {
	now := nowUTC()
	u := ResourceUsage{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		AgentID:      agentID,
		ModelName:    modelName,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		Currency:     "USD",
		Metadata:     metadata.Clone(),
		CreatedAt:    now,
	}
	blob, err := json.Marshal(u.Metadata)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = m.db().ExecContext(ctx,
		`INSERT INTO agent_resource_usage (id, session_id, agent_id, model_name, input_tokens, output_tokens, cost, currency, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.SessionID, u.AgentID, u.ModelName, u.InputTokens, u.OutputTokens, u.Cost, u.Currency, string(blob), u.CreatedAt)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("insert resource usage: %w", err)
	}
	return u, nil
}

// ValidateQuota checks persona, swarm, then global quotas in order,
// returning the first denial. estimatedTokens defaults to 2000.
func (m *ResourceMonitor) ValidateQuota(ctx context.Context, agentID, swarmID string, estimatedTokens int64, modelName string) (QuotaResult, error) {
	if estimatedTokens <= 0 {
		estimatedTokens = 2000
	}

	perTokenRate := conservativeDefaultRate
	if m.rates != nil {
		r, err := m.rates.Rate(ctx, modelName)
		if err != nil {
			return QuotaResult{}, fmt.Errorf("resolve rate: %w", err)
		}
		perTokenRate = r
	}
	estCost := float64(estimatedTokens) * perTokenRate

	if m.quota == nil {
		return QuotaResult{Allowed: true}, nil
	}

	if agentID != "" {
		ok, reason, err := m.quota.CheckPersona(ctx, agentID, estCost)
		if err != nil {
			return QuotaResult{}, fmt.Errorf("persona quota check: %w", err)
		}
		if !ok {
			return QuotaResult{Allowed: false, Reason: reason}, nil
		}
	}
	if swarmID != "" {
		ok, reason, err := m.quota.CheckSwarm(ctx, swarmID, estCost)
		if err != nil {
			return QuotaResult{}, fmt.Errorf("swarm quota check: %w", err)
		}
		if !ok {
			return QuotaResult{Allowed: false, Reason: reason}, nil
		}
	}
	ok, reason, err := m.quota.CheckGlobal(ctx, estCost)
	if err != nil {
		return QuotaResult{}, fmt.Errorf("global quota check: %w", err)
	}
	if !ok {
		return QuotaResult{Allowed: false, Reason: reason}, nil
	}
	return QuotaResult{Allowed: true}, nil
}

// GetSessionTotalCost sums cost for a session.
func (m *ResourceMonitor) GetSessionTotalCost(ctx context.Context, sessionID string) (float64, error) {
	var total sql.NullFloat64
	err := m.db().QueryRowContext(ctx,
		`SELECT SUM(cost) FROM agent_resource_usage WHERE session_id = ?`, sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum session cost: %w", err)
	}
	return total.Float64, nil
}

// GetGlobalTotalCost sums cost across every recorded usage row.
func (m *ResourceMonitor) GetGlobalTotalCost(ctx context.Context) (float64, error) {
	var total sql.NullFloat64
	err := m.db().QueryRowContext(ctx, `SELECT SUM(cost) FROM agent_resource_usage`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum global cost: %w", err)
	}
	return total.Float64, nil
}

// ModelUsageStat aggregates token/cost totals for one model.
type ModelUsageStat struct {
	ModelName    string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Invocations  int64
}

// GetModelUsageStats aggregates usage per model.
func (m *ResourceMonitor) GetModelUsageStats(ctx context.Context) ([]ModelUsageStat, error) {
	rows, err := m.db().QueryContext(ctx,
		`SELECT model_name, SUM(input_tokens), SUM(output_tokens), SUM(cost), COUNT(*)
		 FROM agent_resource_usage GROUP BY model_name ORDER BY model_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query model usage: %w", err)
	}
	defer rows.Close()

	var out []ModelUsageStat
	for rows.Next() {
		var s ModelUsageStat
		if err := rows.Scan(&s.ModelName, &s.InputTokens, &s.OutputTokens, &s.Cost, &s.Invocations); err != nil {
			return nil, fmt.Errorf("scan model usage: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
