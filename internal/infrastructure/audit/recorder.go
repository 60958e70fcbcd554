// Package audit records auth lifecycle events, either to Kafka or to the
// relational store when no brokers are configured.
package audit

import (
	"context"

	"github.com/turtacn/authgate/internal/domain/models"
)

// Recorder accepts audit events. Recording is best-effort: failures are logged
// by implementations and never fail the triggering state transition.
type Recorder interface {
	Record(ctx context.Context, event *models.AuditEvent)
	Close() error
}

type noopRecorder struct{}

// NewNoopRecorder discards all events. Used by tests and the memory driver.
func NewNoopRecorder() Recorder { return &noopRecorder{} }

func (noopRecorder) Record(ctx context.Context, event *models.AuditEvent) {}
func (noopRecorder) Close() error                                         { return nil }
