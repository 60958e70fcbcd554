package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/authgate/internal/domain/models"
	"github.com/turtacn/authgate/internal/infrastructure/identity"
	"github.com/turtacn/authgate/internal/infrastructure/monitoring"
	"github.com/turtacn/authgate/pkg/constants"
	"github.com/turtacn/authgate/pkg/errors"
	"github.com/turtacn/authgate/pkg/logger"
)

// SessionService is the slice of the session manager the router needs.
type SessionService interface {
	StartAuth(ctx context.Context, chatID int64) (*identity.DeviceAuthorization, error)
	Revoke(ctx context.Context, chatID int64, reason string) error
	RecordActivity(ctx context.Context, chatID int64) (*models.Session, error)
}

// Inbound-path replies. Async notifications live in the session manager.
const (
	msgAuthPrompt = "👋 Welcome! To authorize, open the link below and enter the code:\n\n" +
		"🔗 %s\n🔑 Code: %s\n\nThe code expires in %d minutes."
	msgAuthStartFailed = "❌ Could not start authorization right now. Please try again in a moment."
	msgNotLoggedIn     = "You are not logged in. Use /start to authorize."
	msgLoggedOut       = "👋 You have been logged out. Use /start to authorize again."
	msgUseStart        = "Please use /start to begin authorization."
	msgAuthPending     = "⏳ Authorization is still in progress. Open the verification link and enter your code."
	msgTemporaryError  = "⚠️ Something went wrong. Please try again."
)

// Router dispatches inbound chat events to the session manager.
type Router struct {
	svc       SessionService
	transport Transport
	metrics   *monitoring.Metrics
	logger    logger.Logger

	mu     sync.Mutex
	queues map[int64]*chatQueue
	wg     sync.WaitGroup
}

// chatQueue holds the backlog for one chat identity. busy marks a live drain
// goroutine so at most one runs per chat.
type chatQueue struct {
	events []Event
	busy   bool
}

// NewRouter wires the message router.
func NewRouter(svc SessionService, transport Transport, metrics *monitoring.Metrics, log logger.Logger) *Router {
	return &Router{
		svc:       svc,
		transport: transport,
		metrics:   metrics,
		logger:    log.WithComponent("router"),
		queues:    make(map[int64]*chatQueue),
	}
}

// Run consumes transport events until ctx is done, then waits for in-flight
// handlers to finish.
func (r *Router) Run(ctx context.Context) error {
	err := r.transport.Poll(ctx, r.Dispatch)
	r.wg.Wait()
	return err
}

// Dispatch enqueues the event for its chat. Events within one chat are handled
// strictly in arrival order; different chats drain independently, so one
// identity's blocking provider call never stalls another's traffic.
func (r *Router) Dispatch(ctx context.Context, event Event) {
	r.mu.Lock()
	q, ok := r.queues[event.ChatID]
	if !ok {
		q = &chatQueue{}
		r.queues[event.ChatID] = q
	}
	q.events = append(q.events, event)
	if q.busy {
		r.mu.Unlock()
		return
	}
	q.busy = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.drain(ctx, q)
}

func (r *Router) drain(ctx context.Context, q *chatQueue) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(q.events) == 0 || ctx.Err() != nil {
			q.busy = false
			r.mu.Unlock()
			return
		}
		event := q.events[0]
		q.events = q.events[1:]
		r.mu.Unlock()

		r.Handle(ctx, event)
	}
}

// Handle processes one inbound event. Commands are matched on the first word
// so "/start@botname" still dispatches.
func (r *Router) Handle(ctx context.Context, event Event) {
	ctx = context.WithValue(ctx, constants.ContextKeyRequestID, uuid.NewString())
	ctx = context.WithValue(ctx, constants.ContextKeyChatID, event.ChatID)

	command, _, _ := strings.Cut(strings.TrimSpace(event.Text), " ")
	if at := strings.Index(command, "@"); at > 0 {
		command = command[:at]
	}

	switch command {
	case "/start":
		r.handleStart(ctx, event.ChatID)
	case "/logout":
		r.handleLogout(ctx, event.ChatID)
	default:
		r.handleText(ctx, event.ChatID, event.Text)
	}
}

func (r *Router) handleStart(ctx context.Context, chatID int64) {
	auth, err := r.svc.StartAuth(ctx, chatID)
	if err != nil {
		r.logger.Error(ctx, "failed to start device flow", err)
		r.reply(ctx, chatID, msgAuthStartFailed)
		return
	}

	expiresMin := auth.ExpiresIn / 60
	if expiresMin < 1 {
		expiresMin = 1
	}
	r.reply(ctx, chatID, fmt.Sprintf(msgAuthPrompt, auth.VerificationURI, auth.UserCode, expiresMin))
}

func (r *Router) handleLogout(ctx context.Context, chatID int64) {
	if err := r.svc.Revoke(ctx, chatID, "logout"); err != nil {
		r.logger.Error(ctx, "failed to revoke session on logout", err)
		r.reply(ctx, chatID, msgTemporaryError)
		return
	}
	r.reply(ctx, chatID, msgLoggedOut)
}

// handleText gates free text on the session state: authenticated users get an
// echo, pending users a progress note, everyone else the /start hint.
func (r *Router) handleText(ctx context.Context, chatID int64, text string) {
	sess, err := r.svc.RecordActivity(ctx, chatID)
	if err != nil {
		if errors.IsNotFound(err) {
			r.reply(ctx, chatID, msgUseStart)
			return
		}
		r.logger.Error(ctx, "failed to load session for message", err)
		r.reply(ctx, chatID, msgTemporaryError)
		return
	}

	switch sess.State {
	case constants.SessionStateAuthenticated:
		r.metrics.EchoMessages.Inc()
		r.reply(ctx, chatID, text)
	case constants.SessionStatePending:
		r.reply(ctx, chatID, msgAuthPending)
	default:
		r.reply(ctx, chatID, msgUseStart)
	}
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := r.transport.SendMessage(sendCtx, chatID, text); err != nil {
		r.logger.Error(ctx, "failed to send reply", err)
	}
}
