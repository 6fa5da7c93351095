package core

import (
	"errors"
	"fmt"
)

// AuthFailureReason classifies why an authorization flow failed.
type AuthFailureReason string

const (
	// AuthNoCode means a callback arrived without a code parameter.
	AuthNoCode AuthFailureReason = "no_code"
	// AuthExchangeRejected means the token endpoint answered non-200.
	AuthExchangeRejected AuthFailureReason = "exchange_rejected"
	// AuthExchangeNetworkError means the token endpoint was unreachable.
	AuthExchangeNetworkError AuthFailureReason = "exchange_network_error"
	// AuthTimeout means the flow deadline elapsed before completion.
	AuthTimeout AuthFailureReason = "timeout"
)

// AuthError is returned by AuthorizationFlow callers. Never retried
// internally.
type AuthError struct {
	Reason AuthFailureReason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authorization failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authorization failed (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ArbiterRejectedError means the arbiter's ordering instruction failed
// validation. The engine falls back to tail-append; never fatal.
type ArbiterRejectedError struct {
	Reason string
}

func (e *ArbiterRejectedError) Error() string {
	return fmt.Sprintf("arbiter result rejected: %s", e.Reason)
}

// IsArbiterRejected reports whether err wraps an ArbiterRejectedError.
func IsArbiterRejected(err error) bool {
	var are *ArbiterRejectedError
	return errors.As(err, &are)
}

// CatalogError wraps a failed remote catalog call. Transient errors
// (network, 5xx, 429) may be retried with backoff; permanent errors
// propagate immediately.
type CatalogError struct {
	Op         string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *CatalogError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("catalog %s failed (%s, status %d): %v", e.Op, kind, e.StatusCode, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// IsCatalogTransient reports whether err is a retryable catalog failure.
func IsCatalogTransient(err error) bool {
	var ce *CatalogError
	return errors.As(err, &ce) && ce.Transient
}

var (
	// ErrOutOfRange is returned for queue operations on invalid positions.
	ErrOutOfRange = errors.New("queue position out of range")

	// ErrUserNotConnected means a remote-authorized operation was attempted
	// for a user with no credential for the provider. Fatal to that call.
	ErrUserNotConnected = errors.New("user has no provider connection")

	// ErrAmbiguousPlaylistName means more than one remote playlist carries
	// the exact session name, so resolution cannot pick one safely.
	ErrAmbiguousPlaylistName = errors.New("multiple playlists match name")

	// ErrDuplicateRequest means the track is already in the session queue
	// or was already played in this session.
	ErrDuplicateRequest = errors.New("track already requested in session")

	// ErrSessionNotFound is returned by registry lookups for unknown IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUserNotFound is returned by directory lookups for unknown users.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned when creating a user whose username is taken.
	ErrUserExists = errors.New("username already taken")
)
