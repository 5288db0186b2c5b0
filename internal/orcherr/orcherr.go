// Package orcherr defines the error taxonomy shared by the orchestration
// handlers. Each category carries routing semantics: validation and auth
// failures drop the event, conflicts are logged no-ops, external-service
// failures decide between failing a session and leaving a workflow
// pending for retry.
package orcherr

import (
	"errors"
	"fmt"
)

// ValidationError marks a malformed inbound payload. Dropped and logged,
// no reply is sent.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Reason)
}

// AuthError marks a callback secret or signature mismatch. Rejected with
// no state change.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s", e.Reason)
}

// NotFoundError marks a lookup that matched no session or workflow. The
// user receives a "start over" message.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ConflictError marks a transition attempted from an unexpected source
// state. Logged and ignored; prior state is preserved.
type ConflictError struct {
	Kind     string
	ID       string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected status %q, found %q", e.Kind, e.ID, e.Expected, e.Actual)
}

// ExternalServiceError marks an unavailable channel, generation service
// or store. Session flows move to failed; approval flows stay pending.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ExpiredError marks a TTL that elapsed before the user responded.
// Surfaced as "session expired, please resend".
type ExpiredError struct {
	Kind string
	ID   string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("%s expired: %s", e.Kind, e.ID)
}

// IsConflict reports whether err is a ConflictError anywhere in its chain.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is a NotFoundError anywhere in its chain.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsExternal reports whether err is an ExternalServiceError anywhere in
// its chain.
func IsExternal(err error) bool {
	var ee *ExternalServiceError
	return errors.As(err, &ee)
}
