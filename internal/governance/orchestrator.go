package governance

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/robfig/cron/v3"
)

// TelemetrySink is the minimal collaborator GovernanceOrchestrator needs
// to report pipeline failures; satisfied by internal/cortex's full sink
// (eventType is the plain string "error" here rather than cortex's
// TelemetryEventType, keeping this package free of a back-reference to
// internal/cortex — Design Notes: subsystems never depend on the façade).
type TelemetrySink interface {
	Track(ctx context.Context, scope string, eventType string, message string, metadata map[string]any)
}

// HealthAuditor reports non-fatal issues; a non-empty result is logged,
// never treated as a reason to abort the pipeline.
type HealthAuditor interface {
	AuditHealth(ctx context.Context) ([]string, error)
}

// SelfTester runs the registered self-test suite.
type SelfTester interface {
	RunSelfTests(ctx context.Context) error
}

// RitualRunner executes pending periodic rituals (compaction, optimization).
type RitualRunner interface {
	RunPendingRituals(ctx context.Context) error
}

// StatsRefiner refines action statistics, prunes zombie data, and
// monitors ablation outcomes — step 4 of spec.md §4.13, modeled as one
// collaborator since the three sub-steps share the same data sweep.
type StatsRefiner interface {
	RefineActionStatistics(ctx context.Context) error
	PruneZombieData(ctx context.Context) error
	MonitorAblationOutcomes(ctx context.Context) error
}

// StrategyMutator adjusts the agent's operating strategy.
type StrategyMutator interface {
	MutateStrategy(ctx context.Context) error
}

// EvolutionPulser executes one skill-mutation sandboxing pulse.
type EvolutionPulser interface {
	ExecutePulse(ctx context.Context) error
}

// HiveBroadcaster broadcasts knowledge to the hive collaborator.
type HiveBroadcaster interface {
	Broadcast(ctx context.Context, topic string, payload map[string]any) error
}

// SkillSynthesizer discovers and synthesizes new capabilities.
type SkillSynthesizer interface {
	Synthesize(ctx context.Context) error
}

// EvolutionaryPilot runs the evolutionary pilot's own self-improvement cycle.
type EvolutionaryPilot interface {
	RunCycle(ctx context.Context) error
}

// OrchestratorConfig wires every collaborator SelfIterate's nine steps
// consult. All fields are optional: a nil collaborator makes its step a
// no-op, so the orchestrator is usable before every subsystem exists.
type OrchestratorConfig struct {
	Health      HealthAuditor
	Tests       SelfTester
	Rituals     RitualRunner
	Stats       StatsRefiner
	Strategy    StrategyMutator
	Evolution   EvolutionPulser
	Hive        HiveBroadcaster
	Skills      SkillSynthesizer
	Pilot       EvolutionaryPilot
	Telemetry   TelemetrySink
	HiveTopic   string
	HivePayload map[string]any
}

// GovernanceOrchestrator runs the nine-step self-improvement pipeline of
// spec.md §4.13, optionally on a cron schedule (SPEC_FULL.md §4.13a).
// Grounded on the teacher's internal/aider.Spawner: a ticker-driven
// background loop guarded by a mutex, with a Stop() that cancels cleanly.
type GovernanceOrchestrator struct {
	cfg OrchestratorConfig

	mu      sync.Mutex
	running bool

	cronMu sync.Mutex
	c      *cron.Cron
}

// NewGovernanceOrchestrator constructs a GovernanceOrchestrator.
func NewGovernanceOrchestrator(cfg OrchestratorConfig) *GovernanceOrchestrator {
	return &GovernanceOrchestrator{cfg: cfg}
}

// SelfIterate executes the nine-step pipeline in order. Any step's error
// is caught, logged via telemetry as a system error, and does not prevent
// later invocations (spec.md §4.13).
func (g *GovernanceOrchestrator) SelfIterate(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		log.Println("[GOVERNANCE] self-iteration already running; skipping overlapping invocation")
		return nil
	}
	g.running = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.running = false
		g.mu.Unlock()
	}()

	if err := g.runPipeline(ctx); err != nil {
		g.reportFailure(ctx, err)
	}
	return nil
}

func (g *GovernanceOrchestrator) runPipeline(ctx context.Context) error {
	// Step 1: health audit — issues are logged, never abort the pipeline.
	if g.cfg.Health != nil {
		issues, err := g.cfg.Health.AuditHealth(ctx)
		if err != nil {
			g.reportFailure(ctx, fmt.Errorf("health audit: %w", err))
		}
		if len(issues) > 0 {
			log.Printf("[GOVERNANCE] health audit reported %d issue(s): %v", len(issues), issues)
		}
	}

	// Step 2: self-tests.
	if g.cfg.Tests != nil {
		if err := g.cfg.Tests.RunSelfTests(ctx); err != nil {
			return fmt.Errorf("self tests: %w", err)
		}
	}

	// Step 3: pending periodic rituals.
	if g.cfg.Rituals != nil {
		if err := g.cfg.Rituals.RunPendingRituals(ctx); err != nil {
			return fmt.Errorf("pending rituals: %w", err)
		}
	}

	// Step 4: refine action stats, prune zombie data, monitor ablation.
	if g.cfg.Stats != nil {
		if err := g.cfg.Stats.RefineActionStatistics(ctx); err != nil {
			return fmt.Errorf("refine action statistics: %w", err)
		}
		if err := g.cfg.Stats.PruneZombieData(ctx); err != nil {
			return fmt.Errorf("prune zombie data: %w", err)
		}
		if err := g.cfg.Stats.MonitorAblationOutcomes(ctx); err != nil {
			return fmt.Errorf("monitor ablation outcomes: %w", err)
		}
	}

	// Step 5: mutate strategy.
	if g.cfg.Strategy != nil {
		if err := g.cfg.Strategy.MutateStrategy(ctx); err != nil {
			return fmt.Errorf("mutate strategy: %w", err)
		}
	}

	// Step 6: evolution pulse.
	if g.cfg.Evolution != nil {
		if err := g.cfg.Evolution.ExecutePulse(ctx); err != nil {
			return fmt.Errorf("evolution pulse: %w", err)
		}
	}

	// Step 7: broadcast knowledge to the hive collaborator.
	if g.cfg.Hive != nil {
		if err := g.cfg.Hive.Broadcast(ctx, g.cfg.HiveTopic, g.cfg.HivePayload); err != nil {
			return fmt.Errorf("hive broadcast: %w", err)
		}
	}

	// Step 8: skill synthesis.
	if g.cfg.Skills != nil {
		if err := g.cfg.Skills.Synthesize(ctx); err != nil {
			return fmt.Errorf("skill synthesis: %w", err)
		}
	}

	// Step 9: evolutionary pilot's own cycle.
	if g.cfg.Pilot != nil {
		if err := g.cfg.Pilot.RunCycle(ctx); err != nil {
			return fmt.Errorf("evolutionary pilot cycle: %w", err)
		}
	}

	return nil
}

func (g *GovernanceOrchestrator) reportFailure(ctx context.Context, err error) {
	if g.cfg.Telemetry == nil {
		return
	}
	g.cfg.Telemetry.Track(ctx, "system", "error", "Self-iteration failed", map[string]any{
		"error": err.Error(),
	})
}

// StartScheduled registers SelfIterate on the given cron spec. An
// overlapping tick is a no-op (running stays guarded by mu), matching
// spec.md §5's "running it concurrently with itself is safe but produces
// no additional useful work".
func (g *GovernanceOrchestrator) StartScheduled(spec string) error {
	g.cronMu.Lock()
	defer g.cronMu.Unlock()
	if g.c != nil {
		return fmt.Errorf("scheduled self-iteration already running")
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		_ = g.SelfIterate(context.Background())
	}); err != nil {
		return fmt.Errorf("register self-iterate schedule: %w", err)
	}
	c.Start()
	g.c = c
	return nil
}

// Stop halts the cron-driven schedule, if any. Safe to call more than once.
func (g *GovernanceOrchestrator) Stop() {
	g.cronMu.Lock()
	defer g.cronMu.Unlock()
	if g.c == nil {
		return
	}
	stopCtx := g.c.Stop()
	<-stopCtx.Done()
	g.c = nil
}
