// Package emit provides event emission and observability for the supervisor.
package emit

import "context"

// Emitter receives and processes observability events from the supervisor.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog.
//   - Distributed tracing: OpenTelemetry.
//   - In-memory capture for tests and dashboards.
//
// Implementations should be:
//   - Non-blocking: never slow down a migration or a sync tick.
//   - Thread-safe: called concurrently from per-instance tasks.
//   - Resilient: handle backend failures without crashing the node.
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit must not panic and must not block on a slow backend;
	// errors are handled internally (buffered, dropped, or logged).
	Emit(event Event)

	// EmitBatch sends multiple events in a single operation.
	//
	// Events are processed in order. Returns an error only on
	// catastrophic failures; individual event failures are handled
	// internally.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush ensures all buffered events are delivered to the backend.
	//
	// Call before node shutdown to prevent event loss. Implementations
	// must be safe to call multiple times.
	Flush(ctx context.Context) error
}
