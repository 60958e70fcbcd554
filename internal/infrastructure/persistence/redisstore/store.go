// Package redisstore provides a Redis-backed implementation of the SessionStore.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/turtacn/authgate/internal/domain/models"
	"github.com/turtacn/authgate/internal/domain/repository"
	"github.com/turtacn/authgate/pkg/constants"
	"github.com/turtacn/authgate/pkg/errors"
)

const sessionKeyPrefix = "authgate:session:"

type redisStore struct {
	client *redis.Client
}

// NewRedisStore creates a session store over the given Redis client.
func NewRedisStore(client *redis.Client) repository.SessionStore {
	return &redisStore{client: client}
}

func sessionKey(chatID int64) string {
	return sessionKeyPrefix + strconv.FormatInt(chatID, 10)
}

func (s *redisStore) Get(ctx context.Context, chatID int64) (*models.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(chatID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, errors.ErrSessionNotFound(chatID)
		}
		return nil, errors.ErrStoreUnavailable("get", err)
	}

	var session models.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, errors.ErrStoreUnavailable("decode", fmt.Errorf("unmarshal session: %w", err))
	}
	return &session, nil
}

func (s *redisStore) Upsert(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return errors.ErrStoreUnavailable("upsert", fmt.Errorf("marshal session: %w", err))
	}
	// SET is atomic per key; the single-key record needs no transaction.
	if err := s.client.Set(ctx, sessionKey(session.ChatID), data, 0).Err(); err != nil {
		return errors.ErrStoreUnavailable("upsert", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, chatID int64) error {
	// DEL of a missing key returns 0 deleted, which satisfies the no-op contract.
	if err := s.client.Del(ctx, sessionKey(chatID)).Err(); err != nil {
		return errors.ErrStoreUnavailable("delete", err)
	}
	return nil
}

func (s *redisStore) ListStale(ctx context.Context, olderThan time.Time) ([]int64, error) {
	var stale []int64
	err := s.scanSessions(ctx, func(session *models.Session) {
		if session.State != constants.SessionStatePending && session.State != constants.SessionStateAuthenticated {
			return
		}
		if session.LastActivityAt.Before(olderThan) {
			stale = append(stale, session.ChatID)
		}
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

func (s *redisStore) ListPending(ctx context.Context) ([]*models.Session, error) {
	var pending []*models.Session
	err := s.scanSessions(ctx, func(session *models.Session) {
		if session.State == constants.SessionStatePending {
			pending = append(pending, session)
		}
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

func (s *redisStore) CountByState(ctx context.Context) (map[constants.SessionState]int64, error) {
	counts := make(map[constants.SessionState]int64)
	err := s.scanSessions(ctx, func(session *models.Session) {
		counts[session.State]++
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// scanSessions iterates session keys with SCAN so it never blocks concurrent
// writers. Keys deleted mid-scan are simply skipped.
func (s *redisStore) scanSessions(ctx context.Context, visit func(*models.Session)) error {
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return errors.ErrStoreUnavailable("scan", err)
		}

		var session models.Session
		if err := json.Unmarshal([]byte(data), &session); err != nil {
			continue
		}
		visit(&session)
	}
	if err := iter.Err(); err != nil {
		return errors.ErrStoreUnavailable("scan", err)
	}
	return nil
}
