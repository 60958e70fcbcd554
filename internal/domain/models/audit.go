package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/authgate/pkg/constants"
)

// AuditEvent represents a single auth lifecycle event in the audit trail.
type AuditEvent struct {
	EventID   uuid.UUID
	ChatID    int64
	EventType constants.AuditEventType
	Subject   string // provider subject, when known
	Reason    string // e.g. "idle_timeout", "logout", "denied"
	Metadata  json.RawMessage
	Timestamp time.Time
}

// NewAuditEvent creates an audit event for the given chat identity.
func NewAuditEvent(chatID int64, eventType constants.AuditEventType) *AuditEvent {
	return &AuditEvent{
		EventID:   uuid.New(),
		ChatID:    chatID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// WithSubject sets the provider subject for the event.
func (a *AuditEvent) WithSubject(subject string) *AuditEvent {
	a.Subject = subject
	return a
}

// WithReason sets the reason for the event.
func (a *AuditEvent) WithReason(reason string) *AuditEvent {
	a.Reason = reason
	return a
}

// WithMetadata attaches JSON metadata to the event.
func (a *AuditEvent) WithMetadata(data interface{}) *AuditEvent {
	if jsonData, err := json.Marshal(data); err == nil {
		a.Metadata = jsonData
	}
	return a
}
