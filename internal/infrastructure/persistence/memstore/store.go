// Package memstore provides an in-memory SessionStore for the memory driver
// and for tests. Records are held in a go-cache instance without TTL; session
// expiry is the manager's business, not the cache's.
package memstore

import (
	"context"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/turtacn/authgate/internal/domain/models"
	"github.com/turtacn/authgate/internal/domain/repository"
	"github.com/turtacn/authgate/pkg/constants"
	"github.com/turtacn/authgate/pkg/errors"
)

type memStore struct {
	cache *gocache.Cache
}

// NewMemStore creates an empty in-memory session store.
func NewMemStore() repository.SessionStore {
	return &memStore{
		cache: gocache.New(gocache.NoExpiration, 0),
	}
}

func key(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

func (s *memStore) Get(ctx context.Context, chatID int64) (*models.Session, error) {
	v, ok := s.cache.Get(key(chatID))
	if !ok {
		return nil, errors.ErrSessionNotFound(chatID)
	}
	session := v.(models.Session)
	return &session, nil
}

func (s *memStore) Upsert(ctx context.Context, session *models.Session) error {
	// Stored by value so callers cannot mutate the record behind the store's back.
	s.cache.Set(key(session.ChatID), *session, gocache.NoExpiration)
	return nil
}

func (s *memStore) Delete(ctx context.Context, chatID int64) error {
	s.cache.Delete(key(chatID))
	return nil
}

func (s *memStore) ListStale(ctx context.Context, olderThan time.Time) ([]int64, error) {
	var stale []int64
	for _, item := range s.cache.Items() {
		session := item.Object.(models.Session)
		if session.State != constants.SessionStatePending && session.State != constants.SessionStateAuthenticated {
			continue
		}
		if session.LastActivityAt.Before(olderThan) {
			stale = append(stale, session.ChatID)
		}
	}
	return stale, nil
}

func (s *memStore) CountByState(ctx context.Context) (map[constants.SessionState]int64, error) {
	counts := make(map[constants.SessionState]int64)
	for _, item := range s.cache.Items() {
		session := item.Object.(models.Session)
		counts[session.State]++
	}
	return counts, nil
}

func (s *memStore) ListPending(ctx context.Context) ([]*models.Session, error) {
	var pending []*models.Session
	for _, item := range s.cache.Items() {
		session := item.Object.(models.Session)
		if session.State == constants.SessionStatePending {
			copied := session
			pending = append(pending, &copied)
		}
	}
	return pending, nil
}
