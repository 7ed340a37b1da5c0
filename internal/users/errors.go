package users

import (
	"errors"
	"fmt"
)

// ErrorKind tags the expected failure outcomes of the identity subsystem.
type ErrorKind string

const (
	KindHandleTaken               ErrorKind = "handle_taken"
	KindInvalidCredentials        ErrorKind = "invalid_credentials"
	KindBatchAlreadyExists        ErrorKind = "batch_already_exists"
	KindInvalidBackupCode         ErrorKind = "invalid_backup_code"
	KindMigrationAlreadyCompleted ErrorKind = "migration_already_completed"
	KindProviderAlreadyLinked     ErrorKind = "provider_already_linked"
	KindStoreUnavailable          ErrorKind = "store_unavailable"
	KindInvalidHandle             ErrorKind = "invalid_handle"
	KindInvalidAction             ErrorKind = "invalid_action"
	KindIdentityNotFound          ErrorKind = "identity_not_found"
	KindUnauthenticated           ErrorKind = "unauthenticated"
)

// Error carries a failure kind, the operation that produced it and an optional cause.
// errors.Is matches any two Errors of the same kind, so callers compare against the sentinels below.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return "users: " + string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// Retryable reports whether the failure is transient infrastructure trouble. State-changing
// calls must re-read current state before retrying because the conditional write may have landed.
func (e *Error) Retryable() bool {
	return e.Kind == KindStoreUnavailable
}

var (
	ErrHandleTaken               = &Error{Kind: KindHandleTaken}
	ErrInvalidCredentials        = &Error{Kind: KindInvalidCredentials}
	ErrBatchAlreadyExists        = &Error{Kind: KindBatchAlreadyExists}
	ErrInvalidBackupCode         = &Error{Kind: KindInvalidBackupCode}
	ErrMigrationAlreadyCompleted = &Error{Kind: KindMigrationAlreadyCompleted}
	ErrProviderAlreadyLinked     = &Error{Kind: KindProviderAlreadyLinked}
	ErrStoreUnavailable          = &Error{Kind: KindStoreUnavailable}
	ErrInvalidHandle             = &Error{Kind: KindInvalidHandle}
	ErrInvalidAction             = &Error{Kind: KindInvalidAction}
	ErrIdentityNotFound          = &Error{Kind: KindIdentityNotFound}
	ErrUnauthenticated           = &Error{Kind: KindUnauthenticated}
)

// NewError builds an Error for the given operation.
func NewError(kind ErrorKind, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf returns the tagged kind of err, or "" when err is not an identity subsystem error.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

func storeUnavailable(op string, cause error) error {
	return &Error{Kind: KindStoreUnavailable, Op: op, Err: cause}
}
