// Package memory implements the session/context, retrieval and skill-evolution
// subsystems of the cognitive substrate: SessionStore, ContextBuffer,
// SessionCompressor, VectorIndex, CapabilityRegistry, ActionJournal,
// EpisodicMemory and ResourceMonitor. All persistence goes through
// database/sql against an embedded schema, mirroring the dual-database split
// the teacher used for operational vs. learning state.
package memory

import "time"

// Metadata is the in-memory representation of a JSON-text column. It is only
// ever serialized/deserialized at the storage boundary; callers must not
// merge it in place without holding the owning row's lock.
type Metadata map[string]any

// Clone returns a shallow copy of m.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a new Metadata with patch applied on top of m.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := m.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func (m Metadata) Bool(key string) bool {
	if m == nil {
		return false
	}
	v, ok := m[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// SessionStatus enumerates Session.status.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
	SessionDeleted  SessionStatus = "deleted"
)

// Session is the top-level conversational container.
type Session struct {
	ID        string
	Name      string
	Status    SessionStatus
	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageRole enumerates Message.role.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
	RoleAction    MessageRole = "action"
)

// Message is a single append-only utterance in a session.
type Message struct {
	ID        string
	SessionID string
	Role      MessageRole
	Content   string
	Metadata  Metadata
	CreatedAt time.Time
}

// Anchor reports whether the message is flagged un-prunable.
func (m Message) Anchor() bool { return m.Metadata.Bool("anchor") }

// GoalStatus enumerates Goal.status.
type GoalStatus string

const (
	GoalPending    GoalStatus = "pending"
	GoalInProgress GoalStatus = "in_progress"
	GoalCompleted  GoalStatus = "completed"
	GoalFailed     GoalStatus = "failed"
	GoalBlocked    GoalStatus = "blocked"
)

// Goal tracks a session-scoped objective, optionally nested under a parent.
type Goal struct {
	ID          string
	SessionID   string
	ParentID    string
	Description string
	Status      GoalStatus
	Priority    int
	Metadata    Metadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GoalUpdate carries the mutable fields of upsertGoal.
type GoalUpdate struct {
	Status   GoalStatus
	Priority int
	ParentID string
	Metadata Metadata
}

// EpisodeStatus enumerates Episode.status.
type EpisodeStatus string

const (
	EpisodeActive    EpisodeStatus = "active"
	EpisodeCompleted EpisodeStatus = "completed"
)

// Episode is a named, timed unit of work within a session.
type Episode struct {
	ID        string
	SessionID string
	Name      string
	Summary   string
	Status    EpisodeStatus
	StartTime time.Time
	EndTime   *time.Time
	Metadata  Metadata
}

// Epoch is a summarized range of consecutive messages. Era epochs carry
// metadata.type == "era".
type Epoch struct {
	ID             string
	SessionID      string
	Summary        string
	StartMessageID string
	EndMessageID   string
	Metadata       Metadata
	CreatedAt      time.Time
}

func (e Epoch) IsEra() bool { return e.Metadata.String("type") == "era" }

// Memory is a single embedding-bearing vector-index entry.
type Memory struct {
	ID        string
	SessionID string
	Content   string
	Embedding []float32
	Metadata  Metadata
	CreatedAt time.Time
}

// ActionStatus enumerates Action.status.
type ActionStatus string

const (
	ActionPending ActionStatus = "pending"
	ActionSuccess ActionStatus = "success"
	ActionFailure ActionStatus = "failure"
)

// Action is a single tool-call record.
type Action struct {
	ID         int64
	SessionID  string
	MessageID  string
	ToolName   string
	Arguments  Metadata
	Status     ActionStatus
	Outcome    string
	DurationMs *int64
	Metadata   Metadata
	CreatedAt  time.Time
}

// FailureReportEntry summarizes recent failures for one tool.
type FailureReportEntry struct {
	ToolName     string
	FailureCount int
	LastFailure  time.Time
}

// ResourceUsage is one recorded model invocation's token/cost accounting.
type ResourceUsage struct {
	ID           string
	SessionID    string
	AgentID      string
	ModelName    string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Currency     string
	Metadata     Metadata
	CreatedAt    time.Time
}

// CapabilityStatus enumerates Capability.status lifecycle states.
type CapabilityStatus string

const (
	CapabilityExperimental CapabilityStatus = "experimental"
	CapabilitySandbox      CapabilityStatus = "sandbox"
	CapabilityVerified     CapabilityStatus = "verified"
	CapabilityBlacklisted  CapabilityStatus = "blacklisted"
)

// Capability is a named, versioned tool with an outcome-driven lifecycle.
type Capability struct {
	ID          string
	Name        string
	Version     string
	Description string
	Status      CapabilityStatus
	Reliability float64
	Metadata    Metadata
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (c Capability) successCount() int64 { return asInt64(c.Metadata["successCount"]) }
func (c Capability) totalCount() int64   { return asInt64(c.Metadata["totalCount"]) }
func (c Capability) successStreak() int64 { return asInt64(c.Metadata["successStreak"]) }
func (c Capability) failureStreak() int64 { return asInt64(c.Metadata["failureStreak"]) }
func (c Capability) baseline() float64    { return asFloat64(c.Metadata["performanceBaseline"]) }
func (c Capability) variance() float64    { return asFloat64(c.Metadata["performanceVariance"]) }

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func asFloat64(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return 0
	}
}

// EvolutionConfig groups CapabilityRegistry tunables (spec.md §4.5/§6).
type EvolutionConfig struct {
	VerificationWindow     int
	RollbackThresholdZ     float64
	EnableHiveLink         bool
	MutationAggressiveness float64
	MaxSandboxSkills       int
}

// DefaultEvolutionConfig returns the spec-mandated defaults.
func DefaultEvolutionConfig() EvolutionConfig {
	return EvolutionConfig{
		VerificationWindow:     20,
		RollbackThresholdZ:     2.5,
		EnableHiveLink:         true,
		MutationAggressiveness: 0.5,
		MaxSandboxSkills:       5,
	}
}
