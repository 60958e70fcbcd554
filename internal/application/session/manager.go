// Package session implements the authentication session state machine: device
// flow issuance, background token polling, activity tracking, and the idle
// sweep that revokes inactive sessions.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/turtacn/authgate/internal/config"
	"github.com/turtacn/authgate/internal/domain/models"
	"github.com/turtacn/authgate/internal/domain/repository"
	"github.com/turtacn/authgate/internal/infrastructure/audit"
	"github.com/turtacn/authgate/internal/infrastructure/identity"
	"github.com/turtacn/authgate/internal/infrastructure/monitoring"
	"github.com/turtacn/authgate/pkg/constants"
	"github.com/turtacn/authgate/pkg/errors"
	"github.com/turtacn/authgate/pkg/logger"
)

// Notifier delivers plain-text messages to a chat identity. The chat transport
// satisfies this; the manager never imports the transport package.
type Notifier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// User-facing notifications sent by background tasks. Inbound-path texts live
// in the router; these fire asynchronously from poll loops and the sweep.
const (
	msgAuthSuccess = "✅ Authorization completed successfully!"
	msgAuthDenied  = "❌ Authorization was denied. Use /start to try again."
	msgAuthExpired = "⏱️ Timed out waiting for authorization. Use /start to try again."
	msgAuthFailed  = "❌ Authorization could not be completed. Use /start to try again."
	msgIdleRevoked = "⏱️ Your session has been disconnected due to inactivity.\nUse /start to authorize again."
)

// Manager owns the per-identity auth state machine. It holds the registry of
// cancellable polling tasks and runs the periodic idle sweep.
type Manager struct {
	store    repository.SessionStore
	idp      identity.Client
	notifier Notifier
	recorder audit.Recorder
	logger   logger.Logger
	metrics  *monitoring.Metrics

	timeout       *config.InactivityTimeout
	sweepInterval time.Duration
	pollOverride  time.Duration
	slowDownStep  time.Duration

	mu    sync.Mutex
	tasks map[int64]*pollTask
	wg    sync.WaitGroup
}

// pollTask is one registry entry. The pointer identity distinguishes a task
// from its replacement after a flow restart.
type pollTask struct {
	cancel context.CancelFunc
}

// NewManager wires the state machine. All collaborators are required except
// pollOverride, which is zero to honor the provider-declared interval.
func NewManager(
	store repository.SessionStore,
	idp identity.Client,
	notifier Notifier,
	recorder audit.Recorder,
	metrics *monitoring.Metrics,
	log logger.Logger,
	timeout *config.InactivityTimeout,
	sweepInterval time.Duration,
	pollOverride time.Duration,
) *Manager {
	return &Manager{
		store:         store,
		idp:           idp,
		notifier:      notifier,
		recorder:      recorder,
		logger:        log.WithComponent("session_manager"),
		metrics:       metrics,
		timeout:       timeout,
		sweepInterval: sweepInterval,
		pollOverride:  pollOverride,
		slowDownStep:  constants.SlowDownBackoff,
		tasks:         make(map[int64]*pollTask),
	}
}

// Session returns the current session for chatID, or errors.ErrSessionNotFound.
func (m *Manager) Session(ctx context.Context, chatID int64) (*models.Session, error) {
	return m.store.Get(ctx, chatID)
}

// StartAuth begins (or restarts) a device flow for chatID. An in-flight poll
// task is cancelled once the provider has issued the replacement flow, and the
// new record overwrites the old one. The returned authorization carries what
// the user must be shown (verification URI, code).
func (m *Manager) StartAuth(ctx context.Context, chatID int64) (*identity.DeviceAuthorization, error) {
	var prevState constants.SessionState
	if prev, err := m.store.Get(ctx, chatID); err == nil {
		prevState = prev.State
	}

	// The previous poll task stays alive until the provider has actually
	// issued a replacement; a failed initiate must not disturb the old flow.
	auth, err := m.idp.InitiateDeviceFlow(ctx)
	if err != nil {
		return nil, err
	}

	m.cancelTask(chatID)

	interval := time.Duration(auth.Interval) * time.Second
	if m.pollOverride > 0 {
		interval = m.pollOverride
	}
	deadline := time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)

	sess := models.NewPendingSession(chatID, auth.DeviceCode, auth.UserCode, auth.VerificationURI, interval, deadline)
	if err := m.store.Upsert(ctx, sess); err != nil {
		// No task was scheduled for the new flow, and the old one is already
		// cancelled; a PENDING record nobody polls must not linger.
		if prevState == constants.SessionStatePending {
			if derr := m.store.Delete(ctx, chatID); derr != nil {
				m.logger.Error(ctx, "failed to clear stale pending session", derr,
					logger.Fields{"chat_id": chatID})
			} else {
				m.metrics.SessionsByState.WithLabelValues(string(constants.SessionStatePending)).Dec()
			}
		}
		return nil, err
	}

	m.spawnPollTask(chatID, auth.DeviceCode, interval, deadline)
	if prevState != "" {
		m.metrics.SessionsByState.WithLabelValues(string(prevState)).Dec()
	}
	m.metrics.SessionsByState.WithLabelValues(string(constants.SessionStatePending)).Inc()
	m.recorder.Record(ctx, models.NewAuditEvent(chatID, constants.AuditEventFlowStarted))
	m.logger.Info(ctx, "device flow started",
		logger.Fields{"chat_id": chatID, "user_code": auth.UserCode, "deadline": deadline})

	return auth, nil
}

// RecordActivity refreshes last_activity_at for an authenticated or pending
// session and returns the updated record.
func (m *Manager) RecordActivity(ctx context.Context, chatID int64) (*models.Session, error) {
	sess, err := m.store.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !sess.IsAuthenticated() && !sess.IsPending() {
		return sess, nil
	}
	sess.Touch()
	if err := m.store.Upsert(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Revoke deletes the session for chatID, cancelling any poll task. Missing
// sessions are a no-op. The caller is responsible for user-facing messaging.
func (m *Manager) Revoke(ctx context.Context, chatID int64, reason string) error {
	m.cancelTask(chatID)

	sess, err := m.store.Get(ctx, chatID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}

	if err := m.store.Delete(ctx, chatID); err != nil {
		return err
	}

	m.metrics.SessionsByState.WithLabelValues(string(sess.State)).Dec()
	m.recorder.Record(ctx, models.NewAuditEvent(chatID, constants.AuditEventRevoked).
		WithSubject(sess.Claims.Subject()).
		WithReason(reason))
	m.logger.Info(ctx, "session revoked", logger.Fields{"chat_id": chatID, "reason": reason})
	return nil
}

// Resume re-arms polling for PENDING sessions persisted by a previous process
// and rebuilds the session gauge from the store. Sessions whose deadline
// already passed are left for the sweep to reap.
func (m *Manager) Resume(ctx context.Context) error {
	counts, err := m.store.CountByState(ctx)
	if err != nil {
		return err
	}
	for _, state := range []constants.SessionState{constants.SessionStatePending, constants.SessionStateAuthenticated} {
		m.metrics.SessionsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}

	pending, err := m.store.ListPending(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	resumed := 0
	for _, sess := range pending {
		if sess.DeadlinePassed(now) {
			continue
		}
		m.spawnPollTask(sess.ChatID, sess.DeviceCode, sess.PollInterval, sess.PollDeadline)
		resumed++
	}
	if resumed > 0 {
		m.logger.Info(ctx, "resumed pending device flows", logger.Fields{"count": resumed})
	}
	return nil
}

// RunSweep blocks, revoking idle sessions every sweep interval, until ctx is done.
func (m *Manager) RunSweep(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

// Shutdown cancels all poll tasks and waits for them to drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for chatID, task := range m.tasks {
		task.cancel()
		delete(m.tasks, chatID)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// sweepOnce scans for sessions idle past the configured timeout and revokes
// them. Sessions deleted concurrently by a poll transition are tolerated:
// delete-of-deleted is a no-op at the store.
func (m *Manager) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-m.timeout.Get())
	stale, err := m.store.ListStale(ctx, cutoff)
	if err != nil {
		m.logger.Error(ctx, "idle sweep scan failed", err)
		return
	}

	for _, chatID := range stale {
		if err := m.Revoke(ctx, chatID, "idle_timeout"); err != nil {
			m.logger.Error(ctx, "failed to revoke idle session", err, logger.Fields{"chat_id": chatID})
			continue
		}
		m.metrics.SweepRevoked.Inc()
		// Best-effort: the session is gone whether or not the user hears about it.
		if err := m.notifier.SendMessage(ctx, chatID, msgIdleRevoked); err != nil {
			m.logger.Warn(ctx, "failed to deliver idle revocation notice",
				logger.Fields{"chat_id": chatID, "error": err.Error()})
		}
	}
}

// ================================================================================
// Poll task registry
// ================================================================================

func (m *Manager) spawnPollTask(chatID int64, deviceCode string, interval time.Duration, deadline time.Time) {
	taskCtx, cancel := context.WithCancel(context.Background())
	task := &pollTask{cancel: cancel}

	m.mu.Lock()
	if old, ok := m.tasks[chatID]; ok {
		old.cancel()
	}
	m.tasks[chatID] = task
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.clearTask(chatID, task)
		m.pollLoop(taskCtx, chatID, deviceCode, interval, deadline)
	}()
}

// cancelTask cancels the poll task for chatID if one is registered. Cancelling
// a missing or already-cancelled task is a no-op.
func (m *Manager) cancelTask(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[chatID]; ok {
		task.cancel()
		delete(m.tasks, chatID)
	}
}

// clearTask removes the registry entry, but only if it still belongs to this
// task; a restarted flow may have replaced it already.
func (m *Manager) clearTask(chatID int64, owned *pollTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[chatID]; ok && task == owned {
		delete(m.tasks, chatID)
	}
}

// TaskCount reports the number of live poll tasks. Used by tests and the ops
// health endpoint.
func (m *Manager) TaskCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// ================================================================================
// Polling loop
// ================================================================================

// pollLoop performs at most one PollToken call per tick and self-cancels on
// any terminal transition or when the provider-declared deadline passes,
// whichever comes first. Transient provider errors wait for the next tick.
func (m *Manager) pollLoop(ctx context.Context, chatID int64, deviceCode string, interval time.Duration, deadline time.Time) {
	deadlineTimer := time.NewTimer(time.Until(deadline))
	defer deadlineTimer.Stop()
	tick := time.NewTimer(interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadlineTimer.C:
			m.finishFlow(chatID, constants.AuditEventExpired, "deadline_exceeded", msgAuthExpired)
			return
		case <-tick.C:
		}

		result, err := m.idp.PollToken(ctx, deviceCode)
		if err != nil {
			if errors.IsTransient(err) {
				m.metrics.RecordPollTick("transient_error")
				m.logger.Warn(ctx, "transient provider failure, retrying next tick",
					logger.Fields{"chat_id": chatID, "error": err.Error()})
				tick.Reset(interval)
				continue
			}
			// Configuration-level rejection: no tick will ever succeed.
			m.metrics.RecordPollTick("rejected")
			m.logger.Error(ctx, "provider rejected polling, aborting flow", err, logger.Fields{"chat_id": chatID})
			m.finishFlow(chatID, constants.AuditEventExpired, "provider_rejected", msgAuthFailed)
			return
		}

		switch result.Outcome {
		case identity.OutcomePending:
			m.metrics.RecordPollTick("pending")
			if result.SlowDown {
				interval += m.slowDownStep
			}
			tick.Reset(interval)

		case identity.OutcomeAuthorized:
			m.metrics.RecordPollTick("authorized")
			m.completeFlow(chatID, result.Claims)
			return

		case identity.OutcomeExpired:
			m.metrics.RecordPollTick("expired")
			m.finishFlow(chatID, constants.AuditEventExpired, "device_code_expired", msgAuthExpired)
			return

		case identity.OutcomeDenied:
			m.metrics.RecordPollTick("denied")
			m.finishFlow(chatID, constants.AuditEventDenied, "access_denied", msgAuthDenied)
			return
		}
	}
}

// completeFlow transitions PENDING to AUTHENTICATED and delivers the claims
// payload to the user. Uses a fresh context: the poll task's own context is
// about to be cancelled and must not abort the final writes.
func (m *Manager) completeFlow(chatID int64, claims models.Claims) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := m.store.Get(ctx, chatID)
	if err != nil {
		// Session was revoked or deleted while the provider approved; drop it.
		m.logger.Warn(ctx, "authorized flow has no session, dropping result",
			logger.Fields{"chat_id": chatID, "error": err.Error()})
		return
	}
	if !sess.IsPending() {
		return
	}

	sess.Authenticate(claims)
	if err := m.store.Upsert(ctx, sess); err != nil {
		m.logger.Error(ctx, "failed to persist authenticated session", err, logger.Fields{"chat_id": chatID})
		if err := m.notifier.SendMessage(ctx, chatID, msgAuthFailed); err != nil {
			m.logger.Warn(ctx, "failed to deliver auth failure notice", logger.Fields{"chat_id": chatID})
		}
		return
	}

	m.metrics.SessionsByState.WithLabelValues(string(constants.SessionStatePending)).Dec()
	m.metrics.SessionsByState.WithLabelValues(string(constants.SessionStateAuthenticated)).Inc()
	m.metrics.RecordFlowResult("authenticated")
	m.recorder.Record(ctx, models.NewAuditEvent(chatID, constants.AuditEventAuthenticated).
		WithSubject(claims.Subject()))
	m.logger.Info(ctx, "session authenticated",
		logger.Fields{"chat_id": chatID, "subject": claims.Subject()})

	payload, err := json.MarshalIndent(claims, "", "  ")
	if err == nil {
		if err := m.notifier.SendMessage(ctx, chatID, string(payload)); err != nil {
			m.logger.Warn(ctx, "failed to deliver claims payload", logger.Fields{"chat_id": chatID})
		}
	}
	if err := m.notifier.SendMessage(ctx, chatID, msgAuthSuccess); err != nil {
		m.logger.Warn(ctx, "failed to deliver auth success notice", logger.Fields{"chat_id": chatID})
	}
}

// finishFlow handles every unsuccessful terminal transition out of PENDING:
// the session is deleted and the user told how to retry.
func (m *Manager) finishFlow(chatID int64, event constants.AuditEventType, reason, userMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.store.Delete(ctx, chatID); err != nil {
		m.logger.Error(ctx, "failed to delete session after flow end", err, logger.Fields{"chat_id": chatID})
	} else {
		m.metrics.SessionsByState.WithLabelValues(string(constants.SessionStatePending)).Dec()
	}

	m.metrics.RecordFlowResult(reason)
	m.recorder.Record(ctx, models.NewAuditEvent(chatID, event).WithReason(reason))
	m.logger.Info(ctx, "device flow ended without authentication",
		logger.Fields{"chat_id": chatID, "reason": reason})

	if err := m.notifier.SendMessage(ctx, chatID, userMsg); err != nil {
		m.logger.Warn(ctx, "failed to deliver flow end notice", logger.Fields{"chat_id": chatID})
	}
}
