package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/cogcortex/cortex/internal/cortex"
)

// Sink publishes telemetry events and hive broadcasts over NATS,
// satisfying internal/cortex.TelemetrySink and internal/cortex.HiveBroadcaster.
// It is the only package in this module allowed to import internal/cortex
// from outside cmd/ — cortex itself never imports this package, so wiring
// happens at the composition root (cmd/cortexd) to avoid an import cycle.
type Sink struct {
	client  *Client
	subject string
}

// NewSink wraps client for publishing to subject (telemetry events) and
// to "<subject>.hive.<topic>" (hive broadcasts).
func NewSink(client *Client, subject string) *Sink {
	return &Sink{client: client, subject: subject}
}

type telemetryEnvelope struct {
	Scope     string         `json:"scope"`
	EventType string         `json:"eventType"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Track publishes a telemetry event. Per spec.md §6, telemetry failures
// are never propagated to the caller — they are logged and swallowed here,
// matching the teacher's DisconnectErrHandler "log and carry on" posture.
func (s *Sink) Track(_ context.Context, scope string, eventType cortex.TelemetryEventType, message string, metadata map[string]any) {
	envelope := telemetryEnvelope{
		Scope:     scope,
		EventType: string(eventType),
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}
	if err := s.client.PublishJSON(s.subject, envelope); err != nil {
		fmt.Printf("[nats] telemetry publish failed: %v\n", err)
	}
}

type hiveEnvelope struct {
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Broadcast publishes a hive knowledge-sharing payload to a per-topic
// subject derived from the sink's base subject.
func (s *Sink) Broadcast(_ context.Context, topic string, payload map[string]any) error {
	envelope := hiveEnvelope{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	return s.client.PublishJSON(s.subject+".hive."+topic, envelope)
}
