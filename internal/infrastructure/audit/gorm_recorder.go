package audit

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/turtacn/authgate/internal/domain/models"
	"github.com/turtacn/authgate/pkg/logger"
)

// auditRecord is the persisted row shape for the relational fallback.
type auditRecord struct {
	EventID   string    `gorm:"column:event_id;primaryKey"`
	ChatID    int64     `gorm:"column:chat_id;index"`
	EventType string    `gorm:"column:event_type"`
	Subject   string    `gorm:"column:subject"`
	Reason    string    `gorm:"column:reason"`
	Metadata  []byte    `gorm:"column:metadata"`
	Timestamp time.Time `gorm:"column:timestamp"`
}

func (auditRecord) TableName() string { return "audit_events" }

// GormRecorder writes audit events to the relational database. It is used when
// Kafka is not configured but a gorm-backed session store is.
type GormRecorder struct {
	db     *gorm.DB
	logger logger.Logger
}

// NewGormRecorder creates the recorder and migrates its table.
func NewGormRecorder(db *gorm.DB, log logger.Logger) (Recorder, error) {
	if err := db.AutoMigrate(&auditRecord{}); err != nil {
		return nil, err
	}
	return &GormRecorder{db: db, logger: log.WithComponent("audit")}, nil
}

// Record saves an audit event row.
func (r *GormRecorder) Record(ctx context.Context, event *models.AuditEvent) {
	rec := &auditRecord{
		EventID:   event.EventID.String(),
		ChatID:    event.ChatID,
		EventType: string(event.EventType),
		Subject:   event.Subject,
		Reason:    event.Reason,
		Metadata:  event.Metadata,
		Timestamp: event.Timestamp,
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		r.logger.Error(ctx, "failed to persist audit event", err,
			logger.Fields{"event_type": event.EventType, "chat_id": event.ChatID})
	}
}

// Close is a no-op; the database handle is owned by the store.
func (r *GormRecorder) Close() error { return nil }
