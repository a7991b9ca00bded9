package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// PreWarmRequester receives fire-and-forget pre-warm hints ahead of a
// capability's promotion to verified, mirroring a SkillSynthesizer
// collaborator. Errors are swallowed by design (spec.md §4.5/§5).
type PreWarmRequester interface {
	PreWarm(ctx context.Context, capabilityName string) error
}

type noopPreWarm struct{}

func (noopPreWarm) PreWarm(context.Context, string) error { return nil }

// CapabilityRegistry owns skill definitions and evolves their
// status/reliability from reported outcomes, grounded on the teacher's
// agent-registration tables generalized to a versioned, lifecycle-driven
// skill domain.
type CapabilityRegistry struct {
	store   *Store
	config  EvolutionConfig
	preWarm PreWarmRequester
}

// NewCapabilityRegistry constructs a CapabilityRegistry. A nil preWarm
// collaborator installs a no-op.
func NewCapabilityRegistry(store *Store, config EvolutionConfig, preWarm PreWarmRequester) *CapabilityRegistry {
	if preWarm == nil {
		preWarm = noopPreWarm{}
	}
	return &CapabilityRegistry{store: store, config: config, preWarm: preWarm}
}

func (r *CapabilityRegistry) db() *sql.DB { return r.store.db }

// RegisterCapability is idempotent on (name, version): existing rows have
// description/status merged, new rows start experimental/reliability=1.0
// with zeroed counters, unless metadata.initialStatus overrides the start
// status.
func (r *CapabilityRegistry) RegisterCapability(ctx context.Context, name, version, description string, metadata Metadata) (Capability, error) {
	row := r.db().QueryRowContext(ctx,
		`SELECT id, name, version, description, status, reliability, metadata, created_at, updated_at
		 FROM agent_capabilities WHERE name = ? AND version = ?`, name, version)
	existing, err := scanCapability(row)

	now := nowUTC()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		status := CapabilityExperimental
		if s := metadata.String("initialStatus"); s != "" {
			status = CapabilityStatus(s)
		}
		meta := metadata.Clone()
		meta["successCount"] = int64(0)
		meta["totalCount"] = int64(0)

		cap := Capability{
			ID:          uuid.New().String(),
			Name:        name,
			Version:     version,
			Description: description,
			Status:      status,
			Reliability: 1.0,
			Metadata:    meta,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		blob, merr := json.Marshal(cap.Metadata)
		if merr != nil {
			return Capability{}, fmt.Errorf("marshal metadata: %w", merr)
		}
		_, err = r.db().ExecContext(ctx,
			`INSERT INTO agent_capabilities (id, name, version, description, status, reliability, metadata, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cap.ID, cap.Name, cap.Version, cap.Description, cap.Status, cap.Reliability, string(blob), cap.CreatedAt, cap.UpdatedAt)
		if err != nil {
			return Capability{}, fmt.Errorf("insert capability: %w", err)
		}
		return cap, nil
	case err != nil:
		return Capability{}, fmt.Errorf("read capability: %w", err)
	}

	if description != "" {
		existing.Description = description
	}
	if s := metadata.String("initialStatus"); s != "" {
		existing.Status = CapabilityStatus(s)
	}
	existing.Metadata = existing.Metadata.Merge(metadata)
	existing.UpdatedAt = now
	blob, err := json.Marshal(existing.Metadata)
	if err != nil {
		return Capability{}, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = r.db().ExecContext(ctx,
		`UPDATE agent_capabilities SET description = ?, status = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		existing.Description, existing.Status, string(blob), existing.UpdatedAt, existing.ID)
	if err != nil {
		return Capability{}, fmt.Errorf("update capability: %w", err)
	}
	return existing, nil
}

// ReportOutcome runs the damped reliability / streak / baseline-variance /
// lifecycle-transition pipeline of spec.md §4.5, transactionally, against
// the latest row for name (by updatedAt).
func (r *CapabilityRegistry) ReportOutcome(ctx context.Context, name string, success bool) (Capability, error) {
	var result Capability
	var preWarmHint bool

	err := r.store.withImmediateTx(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			`SELECT id, name, version, description, status, reliability, metadata, created_at, updated_at
			 FROM agent_capabilities WHERE name = ? ORDER BY updated_at DESC LIMIT 1`, name)
		cap, err := scanCapability(row)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Entity: "capability", ID: name}
		}
		if err != nil {
			return fmt.Errorf("read capability: %w", err)
		}

		totalCount := cap.totalCount() + 1
		successCount := cap.successCount()
		if success {
			successCount++
		}

		const alpha = 0.2
		delta := 0.0
		if success {
			delta = alpha
		}
		newReliability := clamp(cap.Reliability*(1-alpha)+delta, 0, 1)

		successStreak := int64(0)
		failureStreak := int64(0)
		if success {
			successStreak = cap.successStreak() + 1
		} else {
			failureStreak = cap.failureStreak() + 1
		}

		const alphaH = 0.05
		winRate := float64(successCount) / float64(totalCount)
		baseline := cap.baseline()
		variance := cap.variance()
		newBaseline := baseline*(1-alphaH) + winRate*alphaH
		newVariance := variance*(1-alphaH) + (winRate-baseline)*(winRate-baseline)*alphaH
		stdDev := math.Sqrt(newVariance)
		zScore := 0.0
		if stdDev > 0 {
			zScore = (winRate - newBaseline) / stdDev
		}

		verificationWindow := r.config.VerificationWindow
		if verificationWindow <= 0 {
			verificationWindow = DefaultEvolutionConfig().VerificationWindow
		}
		threshold75 := int64(math.Ceil(0.75 * float64(verificationWindow)))
		threshold60 := int64(math.Ceil(0.6 * float64(verificationWindow)))

		newStatus := cap.Status
		preTrack := cap.Status == CapabilityExperimental || cap.Status == CapabilitySandbox

		switch {
		case preTrack && !success && failureStreak >= 3 && totalCount <= 5:
			newStatus = CapabilityBlacklisted
		case preTrack && ((totalCount >= threshold75 && winRate >= 0.8) || successStreak >= 5):
			newStatus = CapabilityVerified
		case totalCount >= threshold75 && winRate < 0.4:
			newStatus = CapabilityBlacklisted
		case cap.Status == CapabilityVerified && totalCount >= threshold75 && zScore < -2.0:
			newStatus = CapabilityExperimental
		}

		if (totalCount >= threshold60 && winRate >= 0.8) || successStreak == 4 {
			preWarmHint = true
		}

		meta := cap.Metadata.Clone()
		meta["successCount"] = successCount
		meta["totalCount"] = totalCount
		meta["successStreak"] = successStreak
		meta["failureStreak"] = failureStreak
		meta["performanceBaseline"] = newBaseline
		meta["performanceVariance"] = newVariance

		cap.Metadata = meta
		cap.Reliability = newReliability
		cap.Status = newStatus
		cap.UpdatedAt = nowUTC()

		blob, err := json.Marshal(cap.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := conn.ExecContext(ctx,
			`UPDATE agent_capabilities SET status = ?, reliability = ?, metadata = ?, updated_at = ? WHERE id = ?`,
			cap.Status, cap.Reliability, string(blob), cap.UpdatedAt, cap.ID,
		); err != nil {
			return fmt.Errorf("update capability: %w", err)
		}

		result = cap
		return nil
	})
	if err != nil {
		return Capability{}, err
	}

	if preWarmHint {
		go func(name string) {
			defer func() { recover() }()
			_ = r.preWarm.PreWarm(context.Background(), name)
		}(name)
	}
	return result, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GetReliability returns the latest reliability score for name.
func (r *CapabilityRegistry) GetReliability(ctx context.Context, name string) (float64, error) {
	var reliability float64
	err := r.db().QueryRowContext(ctx,
		`SELECT reliability FROM agent_capabilities WHERE name = ? ORDER BY updated_at DESC LIMIT 1`, name,
	).Scan(&reliability)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &NotFoundError{Entity: "capability", ID: name}
	}
	if err != nil {
		return 0, fmt.Errorf("read reliability: %w", err)
	}
	return reliability, nil
}

// GetCapabilities returns capabilities, optionally filtered by status,
// ordered by name ascending.
func (r *CapabilityRegistry) GetCapabilities(ctx context.Context, status CapabilityStatus) ([]Capability, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = r.db().QueryContext(ctx,
			`SELECT id, name, version, description, status, reliability, metadata, created_at, updated_at
			 FROM agent_capabilities ORDER BY name ASC`)
	} else {
		rows, err = r.db().QueryContext(ctx,
			`SELECT id, name, version, description, status, reliability, metadata, created_at, updated_at
			 FROM agent_capabilities WHERE status = ? ORDER BY name ASC`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("query capabilities: %w", err)
	}
	defer rows.Close()

	var out []Capability
	for rows.Next() {
		c, err := scanCapability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCapability(r scannable) (Capability, error) {
	var c Capability
	var blob string
	if err := r.Scan(&c.ID, &c.Name, &c.Version, &c.Description, &c.Status, &c.Reliability, &blob, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Capability{}, err
	}
	if err := unmarshalMetadata(blob, &c.Metadata); err != nil {
		return Capability{}, err
	}
	return c, nil
}
