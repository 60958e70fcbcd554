// Package identity wraps the identity provider's Device Authorization Grant
// endpoints (RFC 8628). The client performs exactly one HTTP attempt per call;
// retry and backoff policy belongs to the session manager.
package identity

import (
	"context"

	"github.com/turtacn/authgate/internal/domain/models"
)

// Outcome is the result of a single token poll.
type Outcome string

const (
	// OutcomeAuthorized means the user approved the flow and claims are available.
	OutcomeAuthorized Outcome = "authorized"
	// OutcomePending means the user has not finished authorizing yet.
	OutcomePending Outcome = "pending"
	// OutcomeExpired means the device code expired before approval.
	OutcomeExpired Outcome = "expired"
	// OutcomeDenied means the user rejected the authorization request.
	OutcomeDenied Outcome = "denied"
)

// DeviceAuthorization is the provider's answer to a device code request.
type DeviceAuthorization struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	ExpiresIn       int // seconds
	Interval        int // seconds
}

// PollResult carries the outcome of one poll tick. Claims is populated only
// when Outcome is OutcomeAuthorized. SlowDown asks the caller to stretch the
// polling interval.
type PollResult struct {
	Outcome  Outcome
	Claims   models.Claims
	SlowDown bool
}

// Client is the identity provider contract consumed by the session manager.
//
//go:generate mockery --name Client --output ./mocks --filename mock_client.go --structname MockClient
type Client interface {
	// InitiateDeviceFlow requests a device and user code pair. Fails with
	// errors.ErrCodeProviderUnavailable on network/5xx trouble and
	// errors.ErrCodeProviderRejected on client configuration errors.
	InitiateDeviceFlow(ctx context.Context) (*DeviceAuthorization, error)

	// PollToken checks the flow bound to deviceCode once. Normal flow outcomes
	// (pending, expired, denied) are values, not errors; an error means the
	// provider could not be asked at all.
	PollToken(ctx context.Context, deviceCode string) (*PollResult, error)
}
