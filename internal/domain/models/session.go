// Package models defines the domain models.
package models

import (
	"time"

	"github.com/turtacn/authgate/pkg/constants"
)

// Claims holds the opaque user attributes returned by the identity provider
// on successful authentication. The gateway treats the mapping as a blob; only
// well-known keys (sub, name, email) are ever read individually.
type Claims map[string]interface{}

// Subject returns the provider's stable user identifier, or "" if absent.
func (c Claims) Subject() string {
	if s, ok := c["sub"].(string); ok {
		return s
	}
	return ""
}

// Session represents the authentication state of a single chat identity.
// Exactly one Session exists per chat id at any time; a new authorization
// attempt overwrites any prior record (upsert semantics).
type Session struct {
	// ChatID is the opaque chat identity this session belongs to.
	ChatID int64

	// State is the current position in the auth state machine.
	State constants.SessionState

	// DeviceCode is the secret code polled against the provider while pending.
	DeviceCode string

	// UserCode is the short code the user enters on the secondary device.
	UserCode string

	// VerificationURI is where the user completes authorization.
	VerificationURI string

	// Claims is non-empty iff State == authenticated.
	Claims Claims

	// LastActivityAt is defined iff State is pending or authenticated; it is
	// refreshed on every successful inbound interaction and drives the idle sweep.
	LastActivityAt time.Time

	// PollInterval is the provider-declared minimum wait between poll ticks.
	PollInterval time.Duration

	// PollDeadline is when the device code expires; polling never outlives it.
	PollDeadline time.Time
}

// NewPendingSession builds the record persisted when a device flow is issued.
func NewPendingSession(chatID int64, deviceCode, userCode, verificationURI string, interval time.Duration, deadline time.Time) *Session {
	return &Session{
		ChatID:          chatID,
		State:           constants.SessionStatePending,
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		VerificationURI: verificationURI,
		LastActivityAt:  time.Now(),
		PollInterval:    interval,
		PollDeadline:    deadline,
	}
}

// Authenticate transitions the session to authenticated with the given claims.
// Device flow fields are cleared; they are meaningless past this point.
func (s *Session) Authenticate(claims Claims) {
	s.State = constants.SessionStateAuthenticated
	s.Claims = claims
	s.DeviceCode = ""
	s.UserCode = ""
	s.VerificationURI = ""
	s.LastActivityAt = time.Now()
}

// Touch refreshes the activity timestamp.
func (s *Session) Touch() {
	s.LastActivityAt = time.Now()
}

// IdleSince reports whether the session has been inactive longer than timeout
// as of now.
func (s *Session) IdleSince(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivityAt) > timeout
}

// DeadlinePassed reports whether the provider-declared device code window is over.
func (s *Session) DeadlinePassed(now time.Time) bool {
	return now.After(s.PollDeadline)
}

// IsAuthenticated reports whether the session grants access to the echo channel.
func (s *Session) IsAuthenticated() bool {
	return s.State == constants.SessionStateAuthenticated
}

// IsPending reports whether a device flow is in flight for this session.
func (s *Session) IsPending() bool {
	return s.State == constants.SessionStatePending
}
