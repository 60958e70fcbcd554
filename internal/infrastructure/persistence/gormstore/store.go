// Package gormstore implements the SessionStore on a relational database via
// GORM. Postgres backs production; SQLite covers local development and tests.
package gormstore

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/turtacn/authgate/internal/domain/models"
	"github.com/turtacn/authgate/internal/domain/repository"
	"github.com/turtacn/authgate/pkg/constants"
	"github.com/turtacn/authgate/pkg/errors"
	"github.com/turtacn/authgate/pkg/logger"
)

// sessionRecord is the persisted row shape. Claims travel as a JSON blob; the
// store never inspects them.
type sessionRecord struct {
	ChatID          int64     `gorm:"column:chat_id;primaryKey"`
	State           string    `gorm:"column:state;index"`
	DeviceCode      string    `gorm:"column:device_code"`
	UserCode        string    `gorm:"column:user_code"`
	VerificationURI string    `gorm:"column:verification_uri"`
	Claims          []byte    `gorm:"column:claims"`
	LastActivityAt  time.Time `gorm:"column:last_activity_at;index"`
	PollIntervalNS  int64     `gorm:"column:poll_interval_ns"`
	PollDeadline    time.Time `gorm:"column:poll_deadline"`
	UpdatedAt       time.Time `gorm:"column:updated_at"`
}

func (sessionRecord) TableName() string { return "sessions" }

type gormStore struct {
	db     *gorm.DB
	logger logger.Logger
}

// NewPostgresStore opens a Postgres-backed session store and migrates the schema.
func NewPostgresStore(dsn string, log logger.Logger) (repository.SessionStore, error) {
	return open(postgres.Open(dsn), log)
}

// NewSQLiteStore opens a SQLite-backed session store and migrates the schema.
func NewSQLiteStore(dsn string, log logger.Logger) (repository.SessionStore, error) {
	return open(sqlite.Open(dsn), log)
}

// NewStoreWithDB wraps an existing gorm handle; used by tests.
func NewStoreWithDB(db *gorm.DB, log logger.Logger) (repository.SessionStore, error) {
	if err := db.AutoMigrate(&sessionRecord{}); err != nil {
		return nil, errors.ErrStoreUnavailable("migrate", err)
	}
	return &gormStore{db: db, logger: log.WithComponent("gormstore")}, nil
}

func open(dialector gorm.Dialector, log logger.Logger) (repository.SessionStore, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.ErrStoreUnavailable("open", err)
	}
	return NewStoreWithDB(db, log)
}

func (s *gormStore) Get(ctx context.Context, chatID int64) (*models.Session, error) {
	var rec sessionRecord
	err := s.db.WithContext(ctx).First(&rec, "chat_id = ?", chatID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errors.ErrSessionNotFound(chatID)
	}
	if err != nil {
		return nil, errors.ErrStoreUnavailable("get", err)
	}
	return fromRecord(&rec)
}

func (s *gormStore) Upsert(ctx context.Context, session *models.Session) error {
	rec, err := toRecord(session)
	if err != nil {
		return errors.ErrStoreUnavailable("upsert", err)
	}

	start := time.Now()
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}},
		UpdateAll: true,
	}).Create(rec).Error
	if latency := time.Since(start); latency > 100*time.Millisecond {
		s.logger.Warn(ctx, "slow session upsert",
			logger.Fields{"latency_ms": latency.Milliseconds(), "chat_id": session.ChatID})
	}
	if err != nil {
		return errors.ErrStoreUnavailable("upsert", err)
	}
	return nil
}

func (s *gormStore) Delete(ctx context.Context, chatID int64) error {
	// Deleting a missing row affects zero rows; that is the contract's no-op.
	if err := s.db.WithContext(ctx).Delete(&sessionRecord{}, "chat_id = ?", chatID).Error; err != nil {
		return errors.ErrStoreUnavailable("delete", err)
	}
	return nil
}

func (s *gormStore) ListStale(ctx context.Context, olderThan time.Time) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&sessionRecord{}).
		Where("state IN ? AND last_activity_at < ?",
			[]string{string(constants.SessionStatePending), string(constants.SessionStateAuthenticated)},
			olderThan).
		Pluck("chat_id", &ids).Error
	if err != nil {
		return nil, errors.ErrStoreUnavailable("list_stale", err)
	}
	return ids, nil
}

func (s *gormStore) ListPending(ctx context.Context) ([]*models.Session, error) {
	var recs []sessionRecord
	err := s.db.WithContext(ctx).
		Where("state = ?", string(constants.SessionStatePending)).
		Find(&recs).Error
	if err != nil {
		return nil, errors.ErrStoreUnavailable("list_pending", err)
	}

	sessions := make([]*models.Session, 0, len(recs))
	for i := range recs {
		session, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (s *gormStore) CountByState(ctx context.Context) (map[constants.SessionState]int64, error) {
	var rows []struct {
		State string
		Count int64
	}
	err := s.db.WithContext(ctx).
		Model(&sessionRecord{}).
		Select("state, count(*) as count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.ErrStoreUnavailable("count_by_state", err)
	}

	counts := make(map[constants.SessionState]int64, len(rows))
	for _, row := range rows {
		counts[constants.SessionState(row.State)] = row.Count
	}
	return counts, nil
}

func toRecord(session *models.Session) (*sessionRecord, error) {
	var claims []byte
	if len(session.Claims) > 0 {
		data, err := json.Marshal(session.Claims)
		if err != nil {
			return nil, err
		}
		claims = data
	}
	return &sessionRecord{
		ChatID:          session.ChatID,
		State:           string(session.State),
		DeviceCode:      session.DeviceCode,
		UserCode:        session.UserCode,
		VerificationURI: session.VerificationURI,
		Claims:          claims,
		LastActivityAt:  session.LastActivityAt,
		PollIntervalNS:  int64(session.PollInterval),
		PollDeadline:    session.PollDeadline,
	}, nil
}

func fromRecord(rec *sessionRecord) (*models.Session, error) {
	session := &models.Session{
		ChatID:          rec.ChatID,
		State:           constants.SessionState(rec.State),
		DeviceCode:      rec.DeviceCode,
		UserCode:        rec.UserCode,
		VerificationURI: rec.VerificationURI,
		LastActivityAt:  rec.LastActivityAt,
		PollInterval:    time.Duration(rec.PollIntervalNS),
		PollDeadline:    rec.PollDeadline,
	}
	if len(rec.Claims) > 0 {
		if err := json.Unmarshal(rec.Claims, &session.Claims); err != nil {
			return nil, errors.ErrStoreUnavailable("decode", err)
		}
	}
	return session, nil
}
