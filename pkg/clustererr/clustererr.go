// Package clustererr defines the kind-tagged error values used across the
// installer packages: invalid-argument, not-found, precondition-failed,
// transient, and fatal.
package clustererr

import (
	"errors"
	"fmt"
)

// GenericError wraps an underlying cause with a human-readable message.
// Per-kind types embed it so callers can type-switch or use errors.As.
type GenericError struct {
	Message string
	Err     error
}

func (e *GenericError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *GenericError) Unwrap() error {
	return e.Err
}

// InvalidArgumentError signals a bad cluster_type, bad plugins shape, a
// create against an already-existing cluster, or a port range too narrow.
type InvalidArgumentError struct{ *GenericError }

// NotFoundError signals an operation against a nonexistent cluster, a CFG
// operation missing its required ip/remaining_ip, or a missing etcd member.
type NotFoundError struct{ *GenericError }

// PreconditionFailedError signals an extend/shrink attempted against an
// unhealthy etcd cluster.
type PreconditionFailedError struct{ *GenericError }

// TransientError signals a remote shell failure or a health probe timeout
// that is expected to be retried within a bounded budget.
type TransientError struct{ *GenericError }

// FatalError signals health-probe exhaustion after start/extend; the
// caller should treat it as a runtime failure with no automatic recovery.
type FatalError struct{ *GenericError }

func NewInvalidArgument(format string, args ...interface{}) error {
	return &InvalidArgumentError{&GenericError{Message: fmt.Sprintf(format, args...)}}
}

func WrapInvalidArgument(err error, format string, args ...interface{}) error {
	return &InvalidArgumentError{&GenericError{Message: fmt.Sprintf(format, args...), Err: err}}
}

func NewNotFound(format string, args ...interface{}) error {
	return &NotFoundError{&GenericError{Message: fmt.Sprintf(format, args...)}}
}

func NewPreconditionFailed(format string, args ...interface{}) error {
	return &PreconditionFailedError{&GenericError{Message: fmt.Sprintf(format, args...)}}
}

func WrapTransient(err error, format string, args ...interface{}) error {
	return &TransientError{&GenericError{Message: fmt.Sprintf(format, args...), Err: err}}
}

func WrapFatal(err error, format string, args ...interface{}) error {
	return &FatalError{&GenericError{Message: fmt.Sprintf(format, args...), Err: err}}
}

func IsInvalidArgument(err error) bool {
	var target *InvalidArgumentError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsPreconditionFailed(err error) bool {
	var target *PreconditionFailedError
	return errors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

func IsFatal(err error) bool {
	var target *FatalError
	return errors.As(err, &target)
}
