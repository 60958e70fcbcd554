package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/turtacn/authgate/internal/config"
	"github.com/turtacn/authgate/internal/domain/models"
	"github.com/turtacn/authgate/internal/domain/repository"
	"github.com/turtacn/authgate/internal/infrastructure/identity"
	"github.com/turtacn/authgate/internal/infrastructure/monitoring"
	"github.com/turtacn/authgate/internal/infrastructure/persistence/memstore"
	"github.com/turtacn/authgate/pkg/constants"
	"github.com/turtacn/authgate/pkg/errors"
	"github.com/turtacn/authgate/pkg/logger"
)

const testChatID int64 = 4242

// fakeIdentity scripts poll outcomes. Once the script is exhausted the last
// step repeats, so a trailing "pending" keeps a loop alive indefinitely.
type fakeIdentity struct {
	mu        sync.Mutex
	auth      identity.DeviceAuthorization
	initErr   error
	script    []pollStep
	polls     int
	pollTimes []time.Time
}

type pollStep struct {
	result *identity.PollResult
	err    error
}

func (f *fakeIdentity) InitiateDeviceFlow(ctx context.Context) (*identity.DeviceAuthorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	auth := f.auth
	return &auth, nil
}

func (f *fakeIdentity) PollToken(ctx context.Context, deviceCode string) (*identity.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.polls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.polls++
	f.pollTimes = append(f.pollTimes, time.Now())
	step := f.script[idx]
	return step.result, step.err
}

func (f *fakeIdentity) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeIdentity) pollTimestamps() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.pollTimes...)
}

func (f *fakeIdentity) setInitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
}

// fakeNotifier records outbound messages.
type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) SendMessage(ctx context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
	return nil
}

func (n *fakeNotifier) received(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, msg := range n.messages {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// captureRecorder collects audit event types in emission order.
type captureRecorder struct {
	mu     sync.Mutex
	events []constants.AuditEventType
}

func (c *captureRecorder) Record(ctx context.Context, event *models.AuditEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event.EventType)
}

func (c *captureRecorder) Close() error { return nil }

func (c *captureRecorder) types() []constants.AuditEventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]constants.AuditEventType(nil), c.events...)
}

// flakyStore injects an upsert failure over a real store.
type flakyStore struct {
	repository.SessionStore
	failUpsert bool
}

func (s *flakyStore) Upsert(ctx context.Context, sess *models.Session) error {
	if s.failUpsert {
		return errors.ErrStoreUnavailable("upsert", fmt.Errorf("disk on fire"))
	}
	return s.SessionStore.Upsert(ctx, sess)
}

type ManagerTestSuite struct {
	suite.Suite
	store    repository.SessionStore
	notifier *fakeNotifier
	recorder *captureRecorder
	metrics  *monitoring.Metrics
}

func TestManagerTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerTestSuite))
}

func (s *ManagerTestSuite) SetupTest() {
	s.store = memstore.NewMemStore()
	s.notifier = &fakeNotifier{}
	s.recorder = &captureRecorder{}
	s.metrics = monitoring.NewMetrics(prometheus.NewRegistry())
}

func (s *ManagerTestSuite) newManager(idp identity.Client, store repository.SessionStore, timeout time.Duration) *Manager {
	return NewManager(
		store,
		idp,
		s.notifier,
		s.recorder,
		s.metrics,
		logger.NewNoopLogger(),
		config.NewInactivityTimeout(timeout),
		10*time.Millisecond,
		10*time.Millisecond, // poll override keeps tests fast
	)
}

func defaultAuth() identity.DeviceAuthorization {
	return identity.DeviceAuthorization{
		DeviceCode:      "dev-code-1",
		UserCode:        "WXYZ-1234",
		VerificationURI: "https://idp.example/activate?user_code=WXYZ-1234",
		ExpiresIn:       300,
		Interval:        5,
	}
}

func pending() pollStep {
	return pollStep{result: &identity.PollResult{Outcome: identity.OutcomePending}}
}

func (s *ManagerTestSuite) TestStartAuthPersistsPendingSession() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{pending()}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	auth, err := m.StartAuth(context.Background(), testChatID)
	s.Require().NoError(err)
	s.Equal("WXYZ-1234", auth.UserCode)

	sess, err := s.store.Get(context.Background(), testChatID)
	s.Require().NoError(err)
	s.True(sess.IsPending())
	s.Equal("dev-code-1", sess.DeviceCode)
	s.Equal(1, m.TaskCount())
}

func (s *ManagerTestSuite) TestAuthorizedPollTransitionsToAuthenticated() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{
		pending(),
		{result: &identity.PollResult{
			Outcome: identity.OutcomeAuthorized,
			Claims:  models.Claims{"sub": "auth0|u1", "name": "Ada"},
		}},
	}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	_, err := m.StartAuth(context.Background(), testChatID)
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		sess, err := s.store.Get(context.Background(), testChatID)
		return err == nil && sess.IsAuthenticated()
	}, 2*time.Second, 10*time.Millisecond)

	sess, err := s.store.Get(context.Background(), testChatID)
	s.Require().NoError(err)
	s.Equal("auth0|u1", sess.Claims.Subject())
	s.Empty(sess.DeviceCode)

	s.True(s.notifier.received("auth0|u1"))
	s.True(s.notifier.received(msgAuthSuccess))

	s.Eventually(func() bool { return m.TaskCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func (s *ManagerTestSuite) TestDeniedPollDeletesSession() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{
		{result: &identity.PollResult{Outcome: identity.OutcomeDenied}},
	}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	_, err := m.StartAuth(context.Background(), testChatID)
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		_, err := s.store.Get(context.Background(), testChatID)
		return errors.IsNotFound(err)
	}, 2*time.Second, 10*time.Millisecond)
	s.True(s.notifier.received(msgAuthDenied))
}

func (s *ManagerTestSuite) TestDeadlineEndsFlowWithoutPolling() {
	auth := defaultAuth()
	auth.ExpiresIn = 0 // deadline passes immediately
	idp := &fakeIdentity{auth: auth, script: []pollStep{pending()}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	_, err := m.StartAuth(context.Background(), testChatID)
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		_, err := s.store.Get(context.Background(), testChatID)
		return errors.IsNotFound(err)
	}, 2*time.Second, 10*time.Millisecond)
	s.True(s.notifier.received(msgAuthExpired))
}

func (s *ManagerTestSuite) TestTransientProviderErrorIsRetried() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{
		{err: errors.ErrProviderUnavailable("connection refused")},
		{result: &identity.PollResult{
			Outcome: identity.OutcomeAuthorized,
			Claims:  models.Claims{"sub": "auth0|u2"},
		}},
	}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	_, err := m.StartAuth(context.Background(), testChatID)
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		sess, err := s.store.Get(context.Background(), testChatID)
		return err == nil && sess.IsAuthenticated()
	}, 2*time.Second, 10*time.Millisecond)
	s.GreaterOrEqual(idp.pollCount(), 2)
}

func (s *ManagerTestSuite) TestProviderRejectionAbortsFlow() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{
		{err: errors.ErrProviderRejected("invalid client")},
	}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	_, err := m.StartAuth(context.Background(), testChatID)
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		_, err := s.store.Get(context.Background(), testChatID)
		return errors.IsNotFound(err)
	}, 2*time.Second, 10*time.Millisecond)
	s.True(s.notifier.received(msgAuthFailed))
}

func (s *ManagerTestSuite) TestRestartReplacesPendingFlow() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{pending()}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	_, err := m.StartAuth(context.Background(), testChatID)
	s.Require().NoError(err)

	idp.mu.Lock()
	idp.auth.DeviceCode = "dev-code-2"
	idp.mu.Unlock()

	_, err = m.StartAuth(context.Background(), testChatID)
	s.Require().NoError(err)

	sess, err := s.store.Get(context.Background(), testChatID)
	s.Require().NoError(err)
	s.Equal("dev-code-2", sess.DeviceCode)
	s.Equal(1, m.TaskCount())
}

func (s *ManagerTestSuite) TestFailedPersistLeavesNoTask() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{pending()}}
	store := &flakyStore{SessionStore: s.store, failUpsert: true}
	m := s.newManager(idp, store, time.Minute)
	defer m.Shutdown()

	_, err := m.StartAuth(context.Background(), testChatID)
	s.Require().Error(err)
	s.True(errors.IsStoreFailure(err))
	s.Equal(0, m.TaskCount())

	_, err = s.store.Get(context.Background(), testChatID)
	s.True(errors.IsNotFound(err))
}

func (s *ManagerTestSuite) TestSweepRevokesIdleSessions() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{pending()}}
	m := s.newManager(idp, s.store, 50*time.Millisecond)
	defer m.Shutdown()

	idle := &models.Session{
		ChatID:         testChatID,
		State:          constants.SessionStateAuthenticated,
		Claims:         models.Claims{"sub": "auth0|idle"},
		LastActivityAt: time.Now().Add(-time.Minute),
	}
	fresh := &models.Session{
		ChatID:         testChatID + 1,
		State:          constants.SessionStateAuthenticated,
		Claims:         models.Claims{"sub": "auth0|fresh"},
		LastActivityAt: time.Now(),
	}
	s.Require().NoError(s.store.Upsert(context.Background(), idle))
	s.Require().NoError(s.store.Upsert(context.Background(), fresh))

	m.sweepOnce(context.Background())

	_, err := s.store.Get(context.Background(), testChatID)
	s.True(errors.IsNotFound(err))
	_, err = s.store.Get(context.Background(), testChatID+1)
	s.NoError(err)
	s.True(s.notifier.received("inactivity"))
}

func (s *ManagerTestSuite) TestRevokeMissingSessionIsNoop() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{pending()}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	s.NoError(m.Revoke(context.Background(), testChatID, "logout"))
}

func (s *ManagerTestSuite) TestResumeReArmsLivePendingFlows() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{
		{result: &identity.PollResult{
			Outcome: identity.OutcomeAuthorized,
			Claims:  models.Claims{"sub": "auth0|resumed"},
		}},
	}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	live := models.NewPendingSession(testChatID, "dev-live", "AAAA-1111", "https://idp.example/activate",
		10*time.Millisecond, time.Now().Add(time.Minute))
	dead := models.NewPendingSession(testChatID+1, "dev-dead", "BBBB-2222", "https://idp.example/activate",
		10*time.Millisecond, time.Now().Add(-time.Minute))
	s.Require().NoError(s.store.Upsert(context.Background(), live))
	s.Require().NoError(s.store.Upsert(context.Background(), dead))

	s.Require().NoError(m.Resume(context.Background()))
	s.Equal(1, m.TaskCount())

	s.Require().Eventually(func() bool {
		sess, err := s.store.Get(context.Background(), testChatID)
		return err == nil && sess.IsAuthenticated()
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *ManagerTestSuite) TestRecordActivityRefreshesTimestamp() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{pending()}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	stale := time.Now().Add(-30 * time.Second)
	sess := &models.Session{
		ChatID:         testChatID,
		State:          constants.SessionStateAuthenticated,
		Claims:         models.Claims{"sub": "auth0|u3"},
		LastActivityAt: stale,
	}
	s.Require().NoError(s.store.Upsert(context.Background(), sess))

	updated, err := m.RecordActivity(context.Background(), testChatID)
	s.Require().NoError(err)
	s.True(updated.LastActivityAt.After(stale))

	persisted, err := s.store.Get(context.Background(), testChatID)
	s.Require().NoError(err)
	s.True(persisted.LastActivityAt.After(stale))
}

func (s *ManagerTestSuite) TestFailedRestartKeepsOldFlowAlive() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{pending()}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	_, err := m.StartAuth(context.Background(), testChatID)
	s.Require().NoError(err)

	idp.setInitErr(errors.ErrProviderUnavailable("device code endpoint down"))

	_, err = m.StartAuth(context.Background(), testChatID)
	s.Require().Error(err)

	// The original flow must keep its record and its poller.
	sess, err := s.store.Get(context.Background(), testChatID)
	s.Require().NoError(err)
	s.True(sess.IsPending())
	s.Equal("dev-code-1", sess.DeviceCode)
	s.Equal(1, m.TaskCount())
}

func (s *ManagerTestSuite) TestSlowDownStretchesPollInterval() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{
		{result: &identity.PollResult{Outcome: identity.OutcomePending, SlowDown: true}},
		pending(),
	}}
	m := s.newManager(idp, s.store, time.Minute)
	m.slowDownStep = 200 * time.Millisecond
	defer m.Shutdown()

	_, err := m.StartAuth(context.Background(), testChatID)
	s.Require().NoError(err)

	s.Require().Eventually(func() bool { return idp.pollCount() >= 2 },
		2*time.Second, 5*time.Millisecond)

	times := idp.pollTimestamps()
	s.Require().GreaterOrEqual(len(times), 2)
	s.GreaterOrEqual(times[1].Sub(times[0]), 150*time.Millisecond,
		"tick after slow_down should wait the stretched interval")
}

func (s *ManagerTestSuite) TestAuditEventsForAuthenticateAndRevoke() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{
		{result: &identity.PollResult{
			Outcome: identity.OutcomeAuthorized,
			Claims:  models.Claims{"sub": "auth0|u1"},
		}},
	}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	_, err := m.StartAuth(context.Background(), testChatID)
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		sess, err := s.store.Get(context.Background(), testChatID)
		return err == nil && sess.IsAuthenticated()
	}, 2*time.Second, 10*time.Millisecond)

	s.Require().NoError(m.Revoke(context.Background(), testChatID, "logout"))

	s.Equal([]constants.AuditEventType{
		constants.AuditEventFlowStarted,
		constants.AuditEventAuthenticated,
		constants.AuditEventRevoked,
	}, s.recorder.types())
}

func (s *ManagerTestSuite) TestAuditEventForDeniedFlow() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{
		{result: &identity.PollResult{Outcome: identity.OutcomeDenied}},
	}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	_, err := m.StartAuth(context.Background(), testChatID)
	s.Require().NoError(err)

	s.Require().Eventually(func() bool {
		_, err := s.store.Get(context.Background(), testChatID)
		return errors.IsNotFound(err)
	}, 2*time.Second, 10*time.Millisecond)

	s.Contains(s.recorder.types(), constants.AuditEventDenied)
}

func (s *ManagerTestSuite) TestResumeRebuildsSessionGauge() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{pending()}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	livePending := models.NewPendingSession(testChatID, "dev-live", "AAAA-1111", "u",
		time.Minute, time.Now().Add(time.Minute))
	authOne := &models.Session{
		ChatID: testChatID + 1, State: constants.SessionStateAuthenticated,
		Claims: models.Claims{"sub": "auth0|a"}, LastActivityAt: time.Now(),
	}
	authTwo := &models.Session{
		ChatID: testChatID + 2, State: constants.SessionStateAuthenticated,
		Claims: models.Claims{"sub": "auth0|b"}, LastActivityAt: time.Now(),
	}
	for _, sess := range []*models.Session{livePending, authOne, authTwo} {
		s.Require().NoError(s.store.Upsert(context.Background(), sess))
	}

	s.Require().NoError(m.Resume(context.Background()))

	gauge := s.metrics.SessionsByState
	s.Equal(1.0, testutil.ToFloat64(gauge.WithLabelValues(string(constants.SessionStatePending))))
	s.Equal(2.0, testutil.ToFloat64(gauge.WithLabelValues(string(constants.SessionStateAuthenticated))))
}

func (s *ManagerTestSuite) TestRecordActivityUnknownChat() {
	idp := &fakeIdentity{auth: defaultAuth(), script: []pollStep{pending()}}
	m := s.newManager(idp, s.store, time.Minute)
	defer m.Shutdown()

	_, err := m.RecordActivity(context.Background(), testChatID)
	s.True(errors.IsNotFound(err))
}
