// Package audit appends immutable security events inside the caller's unit of work and publishes
// them once that unit of work commits.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"session-security-engine/backend/internal/audit/domain"
	"session-security-engine/backend/internal/catalog"
	"session-security-engine/backend/internal/telemetry"
)

// Context keys lifted out of the event context into dedicated columns.
const (
	FieldIPAddress = "ipAddress"
	FieldUserAgent = "userAgent"
)

// Writer is the transactional handle an event is written through.
type Writer interface {
	catalog.Source
	InsertSecurityEvent(ctx context.Context, event *domain.SecurityEvent) error
	// AfterCommit registers fn to run once the enclosing transaction has committed.
	AfterCommit(fn func(ctx context.Context))
}

// SecurityLogger writes one security event per call.
type SecurityLogger interface {
	LogEvent(ctx context.Context, w Writer, userID string, code domain.EventCode, fields map[string]any) error
}

// Logger implements SecurityLogger over the security_event_types catalog.
type Logger struct {
	events  *catalog.Catalog
	emitter telemetry.EventEmitter
	log     zerolog.Logger
	now     func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithEmitter publishes every committed event through emitter.
func WithEmitter(emitter telemetry.EventEmitter) Option {
	return func(l *Logger) { l.emitter = emitter }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger returns a Logger resolving event codes through events.
func NewLogger(events *catalog.Catalog, log zerolog.Logger, opts ...Option) *Logger {
	l := &Logger{events: events, log: log, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LogEvent resolves code, then inserts the event through w. Any error must abort the enclosing
// transaction: a state change never commits without its event. Publishing happens after commit
// and is best-effort.
func (l *Logger) LogEvent(ctx context.Context, w Writer, userID string, code domain.EventCode, fields map[string]any) error {
	typeID, err := l.events.IDByCode(ctx, w, string(code))
	if err != nil {
		return err
	}
	ip, ua, meta := splitFields(fields)
	event := &domain.SecurityEvent{
		ID:          uuid.New().String(),
		UserID:      userID,
		EventTypeID: typeID,
		Code:        code,
		OccurredAt:  l.now().UTC(),
		IPAddress:   ip,
		UserAgent:   ua,
		Metadata:    meta,
	}
	if err := w.InsertSecurityEvent(ctx, event); err != nil {
		return fmt.Errorf("audit: insert %s: %w", code, err)
	}
	if l.emitter != nil {
		w.AfterCommit(func(context.Context) {
			telemetry.EmitAsync(l.emitter, l.log, event)
		})
	}
	return nil
}

// splitFields pulls the normalized ip and user agent out of fields; the rest becomes metadata.
func splitFields(fields map[string]any) (ip, ua *string, meta map[string]any) {
	meta = make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case FieldIPAddress:
			ip = normalized(v)
		case FieldUserAgent:
			ua = normalized(v)
		default:
			if v != nil {
				meta[k] = v
			}
		}
	}
	return ip, ua, meta
}

func normalized(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
