// Package repository defines the persistence contracts of the domain.
package repository

import (
	"context"
	"time"

	"github.com/turtacn/authgate/internal/domain/models"
	"github.com/turtacn/authgate/pkg/constants"
)

// SessionStore persists one Session record per chat identity.
//
// All operations are atomic with respect to a single record: readers never
// observe a partially written session. ListStale must be safe to call
// concurrently with Upsert and Delete; staleness of at most one sweep interval
// is acceptable. Deleting a missing record is a no-op, not an error.
//
// Implementations:
//   - internal/infrastructure/persistence/gormstore (postgres, sqlite)
//   - internal/infrastructure/persistence/redisstore
//   - internal/infrastructure/persistence/memstore
type SessionStore interface {
	// Get returns the session for chatID, or errors.ErrSessionNotFound.
	Get(ctx context.Context, chatID int64) (*models.Session, error)

	// Upsert creates or overwrites the session record keyed by its ChatID.
	Upsert(ctx context.Context, session *models.Session) error

	// Delete removes the session for chatID. Missing records are a no-op.
	Delete(ctx context.Context, chatID int64) error

	// ListStale returns the chat ids of pending or authenticated sessions whose
	// last activity is older than the cutoff.
	ListStale(ctx context.Context, olderThan time.Time) ([]int64, error)

	// ListPending returns all pending sessions, used to resume polling after
	// a process restart.
	ListPending(ctx context.Context) ([]*models.Session, error)

	// CountByState reports how many sessions exist per state, used to rebuild
	// metrics after a process restart.
	CountByState(ctx context.Context) (map[constants.SessionState]int64, error)
}
