// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by every typed not-found error in this package.
var ErrNotFound = errors.New("not found")

type ErrTrackedEmailNotFound struct {
	ID int64
}

func (e *ErrTrackedEmailNotFound) Error() string {
	return fmt.Sprintf("tracked email with ID %d not found", e.ID)
}

func (e *ErrTrackedEmailNotFound) Is(target error) bool { return target == ErrNotFound }

func NewTrackedEmailNotFound(id int64) error {
	return &ErrTrackedEmailNotFound{ID: id}
}

type ErrMailboxNotFound struct {
	ID int64
}

func (e *ErrMailboxNotFound) Error() string {
	return fmt.Sprintf("mailbox with ID %d not found", e.ID)
}

func (e *ErrMailboxNotFound) Is(target error) bool { return target == ErrNotFound }

func NewMailboxNotFound(id int64) error {
	return &ErrMailboxNotFound{ID: id}
}

// ConfigError means the policy record is missing or malformed. It is fatal
// to the invocation that hit it.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(reason string, err error) error {
	return &ConfigError{Reason: reason, Err: err}
}

// InvalidTransitionError is returned when a status change is not in the
// entity's transition table. No SQL is issued for it.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

func NewInvalidTransition(entity, from, to string) error {
	return &InvalidTransitionError{Entity: entity, From: from, To: to}
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
