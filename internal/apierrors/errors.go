// Package apierrors defines the machine-readable error codes carried in
// every REST error body. It replaces the teacher's sibling
// uncord-protocol/errors module: Nexus has no private wire-protocol
// package to depend on, so the same "Code string with named constants"
// shape is reimplemented locally, scoped to the codes the message-plane
// core's own REST surface actually returns.
package apierrors

// Code is a stable, machine-readable error identifier returned in an
// ErrorBody. Clients switch on Code, never on Message, which is free-text
// for humans and may change wording without notice.
type Code string

const (
	ValidationError    Code = "VALIDATION_ERROR"
	InvalidBody        Code = "INVALID_BODY"
	InvalidChannelID   Code = "INVALID_CHANNEL_ID"
	PlaintextOnE2EE    Code = "PLAINTEXT_ON_E2EE_CHANNEL"
	Unauthorized       Code = "UNAUTHORIZED"
	MissingPermissions Code = "MISSING_PERMISSIONS"
	NotFound           Code = "NOT_FOUND"
	UnknownMessage     Code = "UNKNOWN_MESSAGE"
	TokenExpired       Code = "TOKEN_EXPIRED"
	RateLimited        Code = "RATE_LIMITED"
	PayloadTooLarge    Code = "PAYLOAD_TOO_LARGE"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	InternalError      Code = "INTERNAL_ERROR"
)
