// Package cortex is the façade wiring every subsystem (internal/memory,
// internal/policy, internal/governance) behind one constructor, following
// the teacher's cmd/cliairmonitor/main.go wiring style generalized into a
// reusable package rather than inline main() code.
package cortex

import (
	"context"
	"fmt"

	"github.com/cogcortex/cortex/internal/governance"
	"github.com/cogcortex/cortex/internal/memory"
	"github.com/cogcortex/cortex/internal/policy"
	"github.com/cogcortex/cortex/internal/provider"
)

// Cortex bundles every subsystem behind one handle. Fields are exported
// read-only collaborators for callers (cmd/cortexd's HTTP/status surface)
// rather than re-exposed methods, matching Design Notes' "children hold
// read-only collaborator interfaces" rule — Cortex itself holds no
// back-reference anywhere in the object graph it builds.
type Cortex struct {
	Config *Config
	Log    *Logger

	Store *memory.Store

	Sessions     *memory.SessionStore
	Context      *memory.ContextBuffer
	Compressor   *memory.SessionCompressor
	Vectors      *memory.VectorIndex
	Capabilities *memory.CapabilityRegistry
	Actions      *memory.ActionJournal
	Episodes     *memory.EpisodicMemory
	Resources    *memory.ResourceMonitor

	Policies   *policy.PolicyEnforcer
	Rules      *policy.RuleEngine
	Repository *policy.CognitiveRepository

	Curiosity    *governance.CuriosityEngine
	Orchestrator *governance.GovernanceOrchestrator

	Provider provider.Provider

	Telemetry TelemetrySink
	Hive      HiveBroadcaster
}

// Options carries the collaborators that have no safe zero value:
// callers supply the concrete telemetry/hive/provider adapters they want
// (e.g. an internal/transport/nats.Sink, or NoopSink); cmd/cortexd is
// where those concrete types get constructed and injected, keeping this
// package free of a direct dependency on internal/transport/nats.
type Options struct {
	Telemetry TelemetrySink
	Hive      HiveBroadcaster
	Provider  provider.Provider
	PreWarm   memory.PreWarmRequester
	Quota     memory.QuotaChecker
	Rates     memory.RateOracle
}

// New opens the configured store and wires every subsystem against it.
func New(cfg *Config, opts Options) (*Cortex, error) {
	store, err := memory.Open(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = NoopSink{}
	}
	hive := opts.Hive
	if hive == nil {
		hive = NoopSink{}
	}
	preWarm := opts.PreWarm

	memTelemetry := &telemetryAdapter{sink: telemetry}

	sessions := memory.NewSessionStore(store, memTelemetry)
	context := memory.NewContextBuffer(cfg.Context.MaxMessages, cfg.Context.MaxTokens)
	compressor := memory.NewSessionCompressor(store)
	vectors := memory.NewVectorIndex(store, vectorProviderMode(cfg.Vector.Provider), ftsMode(cfg.Vector.FTSMode))
	capabilities := memory.NewCapabilityRegistry(store, memory.EvolutionConfig{
		VerificationWindow:     cfg.Evolution.VerificationWindow,
		RollbackThresholdZ:     cfg.Evolution.RollbackThresholdZ,
		EnableHiveLink:         cfg.Evolution.EnableHiveLink,
		MutationAggressiveness: cfg.Evolution.MutationAggressiveness,
		MaxSandboxSkills:       cfg.Evolution.MaxSandboxSkills,
	}, preWarm)
	actions := memory.NewActionJournal(store, memTelemetry)
	episodes := memory.NewEpisodicMemory(store)
	resources := memory.NewResourceMonitor(store, opts.Quota, opts.Rates)

	policies := policy.NewPolicyEnforcer(store.DB())
	rules := policy.NewRuleEngine(store.DB())
	registry := policy.NewRepositoryRegistry()
	repository := policy.NewCognitiveRepository(store.DB(), rules, registry)

	curiosity := governance.NewCuriosityEngine(store.DB())
	orchestrator := governance.NewGovernanceOrchestrator(governance.OrchestratorConfig{
		Telemetry: memTelemetry,
		Hive:      &hiveAdapter{broadcaster: hive},
		HiveTopic: "cortex.knowledge",
	})

	return &Cortex{
		Config:       cfg,
		Log:          NewLogger(cfg.Logging),
		Store:        store,
		Sessions:     sessions,
		Context:      context,
		Compressor:   compressor,
		Vectors:      vectors,
		Capabilities: capabilities,
		Actions:      actions,
		Episodes:     episodes,
		Resources:    resources,
		Policies:     policies,
		Rules:        rules,
		Repository:   repository,
		Curiosity:    curiosity,
		Orchestrator: orchestrator,
		Provider:     opts.Provider,
		Telemetry:    telemetry,
		Hive:         hive,
	}, nil
}

// Close releases the underlying store handle and any running schedule.
func (c *Cortex) Close() error {
	c.Orchestrator.Stop()
	return c.Store.Close()
}

func vectorProviderMode(p VectorProvider) memory.VectorProviderMode {
	switch p {
	case VectorProviderNative:
		return memory.VectorProviderNative
	case VectorProviderSidecar:
		return memory.VectorProviderSidecar
	default:
		return memory.VectorProviderManual
	}
}

func ftsMode(m FTSMode) memory.FTSMode {
	if m == FTSModeLike {
		return memory.FTSModeLike
	}
	return memory.FTSModeFTS5
}

// telemetryAdapter bridges the façade's TelemetrySink (typed
// TelemetryEventType) onto internal/memory's and internal/governance's
// minimal local TelemetrySink interfaces (plain string eventType),
// avoiding a back-dependency from those packages onto this one.
type telemetryAdapter struct {
	sink TelemetrySink
}

func (a *telemetryAdapter) Track(ctx context.Context, scope string, eventType string, message string, metadata map[string]any) {
	a.sink.Track(ctx, scope, TelemetryEventType(eventType), message, metadata)
}

// hiveAdapter satisfies governance.HiveBroadcaster by delegating to the
// façade's HiveBroadcaster (identical method signature today, but kept as
// a named adapter so the two interfaces can diverge independently).
type hiveAdapter struct {
	broadcaster HiveBroadcaster
}

func (a *hiveAdapter) Broadcast(ctx context.Context, topic string, payload map[string]any) error {
	return a.broadcaster.Broadcast(ctx, topic, payload)
}
