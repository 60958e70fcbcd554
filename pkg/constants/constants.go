// Package constants defines system-wide constants for the authgate service.
// This package provides type-safe constant definitions used across all modules.
package constants

import "time"

// ================================================================================
// Session State Constants
// ================================================================================

// SessionState represents the lifecycle state of a chat session
type SessionState string

const (
	// SessionStateUnauthenticated indicates no completed or in-flight authorization
	SessionStateUnauthenticated SessionState = "unauthenticated"

	// SessionStatePending indicates a device flow has been issued and is being polled
	SessionStatePending SessionState = "pending"

	// SessionStateAuthenticated indicates the provider approved the flow and claims are stored
	SessionStateAuthenticated SessionState = "authenticated"

	// SessionStateRevoked is a transient state; revoked sessions are deleted, never persisted
	SessionStateRevoked SessionState = "revoked"
)

// ================================================================================
// Device Flow Constants
// ================================================================================

const (
	// DeviceCodeGrantType is the grant_type value for device code token requests (RFC 8628)
	DeviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// DefaultPollInterval is used when the provider omits the polling interval
	DefaultPollInterval = 5 * time.Second

	// SlowDownBackoff is added to the poll interval when the provider answers slow_down
	SlowDownBackoff = 5 * time.Second

	// DefaultDeviceCodeTTL is used when the provider omits expires_in
	DefaultDeviceCodeTTL = 5 * time.Minute
)

// Provider error codes returned by the token endpoint during polling
const (
	ProviderErrAuthorizationPending = "authorization_pending"
	ProviderErrSlowDown             = "slow_down"
	ProviderErrExpiredToken         = "expired_token"
	ProviderErrAccessDenied         = "access_denied"
)

// ================================================================================
// Session Lifetime Constants
// ================================================================================

const (
	// DefaultInactivityTimeout is the default idle window before a session is revoked
	DefaultInactivityTimeout = 60 * time.Second

	// DefaultSweepInterval is the default period of the idle sweep, independent of the timeout
	DefaultSweepInterval = 30 * time.Second
)

// ================================================================================
// Audit Event Type Constants
// ================================================================================

// AuditEventType classifies audit trail events
type AuditEventType string

const (
	// AuditEventFlowStarted records a device flow issuance for a chat identity
	AuditEventFlowStarted AuditEventType = "flow_started"

	// AuditEventAuthenticated records a successful PENDING to AUTHENTICATED transition
	AuditEventAuthenticated AuditEventType = "authenticated"

	// AuditEventDenied records a provider denial during polling
	AuditEventDenied AuditEventType = "denied"

	// AuditEventExpired records a device code expiring before approval
	AuditEventExpired AuditEventType = "expired"

	// AuditEventRevoked records an idle-sweep or explicit revocation
	AuditEventRevoked AuditEventType = "revoked"
)

// ================================================================================
// Log Level Constants
// ================================================================================

// LogLevel represents the severity threshold for log output
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelFatal
)

// ================================================================================
// Context Key Constants
// ================================================================================

// ContextKey is the type for values stored in a context.Context
type ContextKey string

const (
	// ContextKeyRequestID carries a per-update correlation id
	ContextKeyRequestID ContextKey = "request_id"

	// ContextKeyChatID carries the chat identity being handled
	ContextKeyChatID ContextKey = "chat_id"
)

// ================================================================================
// Store Driver Constants
// ================================================================================

const (
	StoreDriverMemory   = "memory"
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverRedis    = "redis"
)
