// Package apierror defines the error taxonomy shared by parsing, dispatch, providers and
// streaming, and classifies any error into a wire-format-neutral Problem that each format
// adapter renders into its native envelope.
package apierror

import (
	"context"
	"errors"
	"fmt"
)

// ParseError reports a malformed inbound request. Field is a JSON path such as
// "messages[2].content[0].image_url".
type ParseError struct {
	Field   string
	Message string
}

// Parsef builds a ParseError with a formatted message.
func Parsef(field, format string, args ...any) *ParseError {
	return &ParseError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// UnsupportedParameterError reports a parameter or capability the provider's policy rejects.
type UnsupportedParameterError struct {
	Param    string
	Provider string
	Reason   string
}

func (e *UnsupportedParameterError) Error() string {
	msg := fmt.Sprintf("parameter %q is not supported by provider %q", e.Param, e.Provider)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// CredentialModeError reports an OAuth-derived credential used with a mode that only
// accepts directly-issued API keys.
type CredentialModeError struct {
	Mode string
}

func (e *CredentialModeError) Error() string {
	return fmt.Sprintf("OAuth credentials are not accepted in %s mode; use an API key or the full mode prefix", e.Mode)
}

// AuthKind distinguishes how an authentication failure can be resolved.
type AuthKind int

const (
	// AuthNeedsLogin means stored credentials are missing or revoked; an interactive login is required.
	AuthNeedsLogin AuthKind = iota
	// AuthTransient means the refresh failed for a retryable reason.
	AuthTransient
)

func (k AuthKind) String() string {
	if k == AuthTransient {
		return "transient"
	}
	return "needs_login"
}

// AuthError reports a failure to obtain a valid token.
type AuthError struct {
	Provider string
	Kind     AuthKind
	Err      error
}

func (e *AuthError) Error() string {
	if e.Kind == AuthNeedsLogin {
		return fmt.Sprintf("provider %s: credentials invalid, run 'claudine auth login': %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider %s: token refresh failed, retry later: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// UpstreamError is an error envelope returned by a provider.
type UpstreamError struct {
	Provider string
	Status   int
	Kind     Kind
	Message  string
	Cause    error
}

func (e *UpstreamError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s upstream error (%d %s): %s", e.Provider, e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s upstream error (%s): %s", e.Provider, e.Kind, e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// ProtocolViolation reports a stream event sequence that breaks the open/delta/close/finish rules.
type ProtocolViolation struct {
	Index  int
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation at content index %d: %s", e.Index, e.Reason)
}

// TimeoutError reports an upstream or client-side deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Op)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Is matches context.DeadlineExceeded so callers can test either form.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// NotFoundError reports an unknown route or provider.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string {
	return e.What + " not found"
}

// IsNeedsLogin reports whether err requires an interactive login.
func IsNeedsLogin(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Kind == AuthNeedsLogin
}
