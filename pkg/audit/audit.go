package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/medichain/platform/pkg/common/logger"
	"github.com/medichain/platform/pkg/common/models"
	"github.com/medichain/platform/pkg/observability/metrics"
)

var (
	ErrUnavailable = errors.New("audit sink unavailable")
)

// EventStore is the authoritative append-only log. Append assigns the
// per-patient sequence number under the store's own serialisation.
type EventStore interface {
	Append(ctx context.Context, event models.AuditEvent) (models.AuditEvent, error)
	ListByPatient(ctx context.Context, patientID string, f Filter) ([]models.AuditEvent, error)
}

// Publisher mirrors committed events onto a durable stream.
type Publisher interface {
	PublishAudit(ctx context.Context, event models.AuditEvent) error
}

// Scrubber redacts PHI from structured details before they are persisted.
type Scrubber interface {
	Scrub(details map[string]interface{}) map[string]interface{}
}

type Filter struct {
	Kind          string
	Since         time.Time
	Until         time.Time
	EmergencyOnly bool
	Limit         int
}

func (f Filter) matches(e models.AuditEvent) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.EmergencyOnly && !e.Emergency {
		return false
	}
	return true
}

// Log is the single audit entry point. A failed store append is surfaced as
// ErrUnavailable so callers can roll back the state change it was recording;
// a failed stream mirror is logged and tolerated.
type Log struct {
	store   EventStore
	stream  Publisher
	scrub   Scrubber
	nowFunc func() time.Time
}

type Option func(*Log)

func WithStream(p Publisher) Option {
	return func(l *Log) { l.stream = p }
}

func WithScrubber(s Scrubber) Option {
	return func(l *Log) { l.scrub = s }
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.nowFunc = now }
}

func New(store EventStore, opts ...Option) *Log {
	l := &Log{store: store, nowFunc: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Log) Append(ctx context.Context, event models.AuditEvent) (models.AuditEvent, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.nowFunc().UTC()
	}
	if l.scrub != nil && event.Details != nil {
		event.Details = l.scrub.Scrub(event.Details)
	}

	committed, err := l.store.Append(ctx, event)
	if err != nil {
		logger.Component("audit").WithError(err).WithField("kind", event.Kind).Error("audit append failed")
		return models.AuditEvent{}, ErrUnavailable
	}
	metrics.AuditAppended()

	if l.stream != nil {
		if err := l.stream.PublishAudit(ctx, committed); err != nil {
			logger.Component("audit").WithError(err).WithField("event_id", committed.ID).Warn("audit stream mirror failed")
		}
	}
	return committed, nil
}

func (l *Log) Read(ctx context.Context, patientID string, f Filter) ([]models.AuditEvent, error) {
	return l.store.ListByPatient(ctx, patientID, f)
}
