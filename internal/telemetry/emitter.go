package telemetry

import (
	"context"

	auditdomain "session-security-engine/backend/internal/audit/domain"
)

// EventEmitter publishes committed security events (e.g. to Kafka or OTel Logs).
// Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *auditdomain.SecurityEvent) error
}

// MultiEmitter fans an event out to several emitters. Nil entries are skipped.
type MultiEmitter []EventEmitter

// Emit calls every emitter and returns the first error, after trying all of them.
func (m MultiEmitter) Emit(ctx context.Context, event *auditdomain.SecurityEvent) error {
	var first error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
