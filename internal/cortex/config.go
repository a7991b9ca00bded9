package cortex

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StoreConfig names the driver, DSN and per-table overrides (spec.md §6:
// "all table names are configurable").
type StoreConfig struct {
	Driver               string `yaml:"driver" json:"driver"`
	DSN                  string `yaml:"dsn" json:"dsn"`
	SessionsTable        string `yaml:"sessions_table" json:"sessions_table"`
	MessagesTable        string `yaml:"messages_table" json:"messages_table"`
	GoalsTable           string `yaml:"goals_table" json:"goals_table"`
	MemoriesTable        string `yaml:"memories_table" json:"memories_table"`
	EpisodesTable        string `yaml:"episodes_table" json:"episodes_table"`
	EpochsTable          string `yaml:"epochs_table" json:"epochs_table"`
	ActionsTable         string `yaml:"actions_table" json:"actions_table"`
	ResourceUsageTable   string `yaml:"resource_usage_table" json:"resource_usage_table"`
	CapabilitiesTable    string `yaml:"capabilities_table" json:"capabilities_table"`
	PoliciesTable        string `yaml:"policies_table" json:"policies_table"`
	RulesTable           string `yaml:"rules_table" json:"rules_table"`
	MetricsTable         string `yaml:"metrics_table" json:"metrics_table"`
	KnowledgeBaseTable   string `yaml:"knowledge_base_table" json:"knowledge_base_table"`
}

// ContextConfig bounds ContextBuffer (spec.md §6).
type ContextConfig struct {
	MaxMessages int `yaml:"max_messages" json:"max_messages"`
	MaxTokens   int `yaml:"max_tokens" json:"max_tokens"`
}

// VectorProvider enumerates the configurable vector backend (spec.md §6).
type VectorProvider string

const (
	VectorProviderNative  VectorProvider = "native"
	VectorProviderSidecar VectorProvider = "sidecar"
	VectorProviderNone    VectorProvider = "none"
)

// FTSMode enumerates the configurable full-text backend (SPEC_FULL.md §6).
type FTSMode string

const (
	FTSModeFTS5 FTSMode = "fts5"
	FTSModeLike FTSMode = "like"
)

// VectorConfig selects the vector/FTS backend and relevance floor input.
type VectorConfig struct {
	Provider VectorProvider `yaml:"provider" json:"provider"`
	FTSMode  FTSMode        `yaml:"fts_mode" json:"fts_mode"`
	MinScore float64        `yaml:"min_score" json:"min_score"`
}

// EvolutionConfig mirrors internal/memory.EvolutionConfig's YAML surface
// (spec.md §4.5/§6).
type EvolutionConfig struct {
	VerificationWindow     int     `yaml:"verification_window" json:"verification_window"`
	RollbackThresholdZ     float64 `yaml:"rollback_threshold_z" json:"rollback_threshold_z"`
	EnableHiveLink         bool    `yaml:"enable_hive_link" json:"enable_hive_link"`
	MutationAggressiveness float64 `yaml:"mutation_aggressiveness" json:"mutation_aggressiveness"`
	MaxSandboxSkills       int     `yaml:"max_sandbox_skills" json:"max_sandbox_skills"`
}

// LoggingConfig mirrors r3e's logging knobs (SPEC_FULL.md §2).
type LoggingConfig struct {
	Level   string `yaml:"level" json:"level"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Format  string `yaml:"format" json:"format"`
}

// TelemetryConfig names the NATS transport backing the telemetry sink and
// hive broadcaster adapters (SPEC_FULL.md §4.14).
type TelemetryConfig struct {
	NATSURL string `yaml:"nats_url" json:"nats_url"`
	Subject string `yaml:"subject" json:"subject"`
}

// Config is the root configuration for the cortex daemon.
type Config struct {
	Store     StoreConfig     `yaml:"store" json:"store"`
	Context   ContextConfig   `yaml:"context" json:"context"`
	Vector    VectorConfig    `yaml:"vector" json:"vector"`
	Evolution EvolutionConfig `yaml:"evolution" json:"evolution"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// DefaultConfig returns the defaults enumerated in spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:             "sqlite",
			DSN:                "cortex.db",
			SessionsTable:      "agent_sessions",
			MessagesTable:      "agent_messages",
			GoalsTable:         "agent_goals",
			MemoriesTable:      "agent_memories",
			EpisodesTable:      "agent_episodes",
			EpochsTable:        "agent_epochs",
			ActionsTable:       "agent_actions",
			ResourceUsageTable: "agent_resource_usage",
			CapabilitiesTable:  "agent_capabilities",
			PoliciesTable:      "agent_policies",
			RulesTable:         "agent_rules",
			MetricsTable:       "agent_metrics",
			KnowledgeBaseTable: "agent_knowledge_base",
		},
		Context: ContextConfig{
			MaxMessages: 50,
			MaxTokens:   4000,
		},
		Vector: VectorConfig{
			Provider: VectorProviderNone,
			FTSMode:  FTSModeFTS5,
			MinScore: 0.7,
		},
		Evolution: EvolutionConfig{
			VerificationWindow:     20,
			RollbackThresholdZ:     2.5,
			EnableHiveLink:         true,
			MutationAggressiveness: 0.5,
			MaxSandboxSkills:       5,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Enabled: true,
			Format:  "json",
		},
		Telemetry: TelemetryConfig{
			NATSURL: "nats://127.0.0.1:4222",
			Subject: "cortex.telemetry",
		},
	}
}

// LoadConfig reads and validates a YAML config file, following teacher's
// aider.LoadConfig/Validate pattern: unset fields keep DefaultConfig's
// values by merging onto a default-initialized struct before unmarshal.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks the config for obviously invalid values.
func (c *Config) Validate() error {
	if c.Store.DSN == "" {
		return fmt.Errorf("store DSN is required")
	}
	if c.Context.MaxMessages <= 0 {
		return fmt.Errorf("context.max_messages must be positive")
	}
	if c.Context.MaxTokens <= 0 {
		return fmt.Errorf("context.max_tokens must be positive")
	}
	switch c.Vector.Provider {
	case VectorProviderNative, VectorProviderSidecar, VectorProviderNone:
	default:
		return fmt.Errorf("invalid vector provider: %s", c.Vector.Provider)
	}
	switch c.Vector.FTSMode {
	case FTSModeFTS5, FTSModeLike:
	default:
		return fmt.Errorf("invalid fts mode: %s", c.Vector.FTSMode)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	return nil
}
