package cortex

import "context"

// TelemetryEventType enumerates track()'s event kinds (spec.md §6).
type TelemetryEventType string

const (
	TelemetryPrompt TelemetryEventType = "prompt"
	TelemetryOutput TelemetryEventType = "output"
	TelemetryAction TelemetryEventType = "action"
	TelemetryPivot  TelemetryEventType = "pivot"
	TelemetryError  TelemetryEventType = "error"
)

// TelemetrySink is the track() endpoint of spec.md §6: failures are
// logged but never propagated, hence no error return.
type TelemetrySink interface {
	Track(ctx context.Context, scope string, eventType TelemetryEventType, message string, metadata map[string]any)
}

// HiveBroadcaster broadcasts knowledge to the hive collaborator
// (SPEC_FULL.md §4.14), consumed by GovernanceOrchestrator step 7.
type HiveBroadcaster interface {
	Broadcast(ctx context.Context, topic string, payload map[string]any) error
}

// NoopSink satisfies TelemetrySink and HiveBroadcaster for callers that
// don't wire a transport.
type NoopSink struct{}

func (NoopSink) Track(context.Context, string, TelemetryEventType, string, map[string]any) {}
func (NoopSink) Broadcast(context.Context, string, map[string]any) error                   { return nil }
