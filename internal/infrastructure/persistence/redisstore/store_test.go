package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/turtacn/authgate/internal/domain/models"
	"github.com/turtacn/authgate/internal/domain/repository"
	"github.com/turtacn/authgate/pkg/constants"
	"github.com/turtacn/authgate/pkg/errors"
)

type RedisStoreTestSuite struct {
	suite.Suite
	mr    *miniredis.Miniredis
	store repository.SessionStore
}

func TestRedisStoreTestSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreTestSuite))
}

func (s *RedisStoreTestSuite) SetupTest() {
	mr, err := miniredis.Run()
	s.Require().NoError(err)
	s.mr = mr
	s.store = NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func (s *RedisStoreTestSuite) TearDownTest() {
	s.mr.Close()
}

func (s *RedisStoreTestSuite) pendingSession(chatID int64) *models.Session {
	return models.NewPendingSession(chatID, "dev-1", "ABCD-1234", "https://idp.example/activate",
		5*time.Second, time.Now().Add(5*time.Minute))
}

func (s *RedisStoreTestSuite) TestRoundTrip() {
	ctx := context.Background()
	sess := s.pendingSession(1)
	s.Require().NoError(s.store.Upsert(ctx, sess))

	got, err := s.store.Get(ctx, 1)
	s.Require().NoError(err)
	s.Equal(sess.DeviceCode, got.DeviceCode)
	s.Equal(sess.UserCode, got.UserCode)
	s.True(got.IsPending())
}

func (s *RedisStoreTestSuite) TestClaimsSurviveRoundTrip() {
	ctx := context.Background()
	sess := s.pendingSession(1)
	sess.Authenticate(models.Claims{"sub": "auth0|u1", "email": "ada@example.com"})
	s.Require().NoError(s.store.Upsert(ctx, sess))

	got, err := s.store.Get(ctx, 1)
	s.Require().NoError(err)
	s.True(got.IsAuthenticated())
	s.Equal("auth0|u1", got.Claims.Subject())
}

func (s *RedisStoreTestSuite) TestGetMissing() {
	_, err := s.store.Get(context.Background(), 99)
	s.True(errors.IsNotFound(err))
}

func (s *RedisStoreTestSuite) TestDeleteMissingIsNoop() {
	s.NoError(s.store.Delete(context.Background(), 99))
}

func (s *RedisStoreTestSuite) TestUpsertOverwrites() {
	ctx := context.Background()
	s.Require().NoError(s.store.Upsert(ctx, s.pendingSession(1)))

	replacement := s.pendingSession(1)
	replacement.DeviceCode = "dev-2"
	s.Require().NoError(s.store.Upsert(ctx, replacement))

	got, err := s.store.Get(ctx, 1)
	s.Require().NoError(err)
	s.Equal("dev-2", got.DeviceCode)
}

func (s *RedisStoreTestSuite) TestListStale() {
	ctx := context.Background()

	idle := s.pendingSession(1)
	idle.LastActivityAt = time.Now().Add(-time.Hour)
	fresh := s.pendingSession(2)
	s.Require().NoError(s.store.Upsert(ctx, idle))
	s.Require().NoError(s.store.Upsert(ctx, fresh))

	stale, err := s.store.ListStale(ctx, time.Now().Add(-time.Minute))
	s.Require().NoError(err)
	s.Equal([]int64{1}, stale)
}

func (s *RedisStoreTestSuite) TestListPending() {
	ctx := context.Background()

	p := s.pendingSession(1)
	auth := s.pendingSession(2)
	auth.Authenticate(models.Claims{"sub": "auth0|u1"})
	s.Require().NoError(s.store.Upsert(ctx, p))
	s.Require().NoError(s.store.Upsert(ctx, auth))

	pending, err := s.store.ListPending(ctx)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(int64(1), pending[0].ChatID)
}

func (s *RedisStoreTestSuite) TestCountByState() {
	ctx := context.Background()

	s.Require().NoError(s.store.Upsert(ctx, s.pendingSession(1)))
	s.Require().NoError(s.store.Upsert(ctx, s.pendingSession(2)))
	auth := s.pendingSession(3)
	auth.Authenticate(models.Claims{"sub": "auth0|u1"})
	s.Require().NoError(s.store.Upsert(ctx, auth))

	counts, err := s.store.CountByState(ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), counts[constants.SessionStatePending])
	s.Equal(int64(1), counts[constants.SessionStateAuthenticated])
}

func (s *RedisStoreTestSuite) TestStoreUnavailable() {
	s.mr.Close()
	_, err := s.store.Get(context.Background(), 1)
	s.Require().Error(err)
	s.True(errors.IsStoreFailure(err))
}
