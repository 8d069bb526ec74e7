package types

import (
	"errors"
	"fmt"
)

// ErrClass is a class of task failure. It satisfies the error interface but allows
// constant values for direct comparison with errors.Is.
type ErrClass string

// Error is required by error interface.
func (e ErrClass) Error() string {
	return string(e)
}

const (
	// ErrMalformedPayload means garbage input. Discard, do not retry.
	ErrMalformedPayload = ErrClass("malformed payload")
	// ErrBadBox means the envelope failed to open. Fatal to the single message.
	ErrBadBox = ErrClass("bad box")
	// ErrBadSignature means a signature did not verify. Fatal to the single message.
	ErrBadSignature = ErrClass("bad signature")
	// ErrUnauthorizedUser means the sender is not entitled to the operation. Drop.
	ErrUnauthorizedUser = ErrClass("unauthorized user")
	// ErrUnauthorizedUserDataLeak is like ErrUnauthorizedUser but the sender knew something
	// it should not have known. Drop and flag for security review.
	ErrUnauthorizedUserDataLeak = ErrClass("unauthorized user data leak")
	// ErrAlreadyHappened means the event was already applied. Idempotent no-op.
	ErrAlreadyHappened = ErrClass("already happened")
	// ErrMissingPrereqFatal means the referenced row is absent: corruption or a missing
	// predecessor event. Escalate.
	ErrMissingPrereqFatal = ErrClass("missing prerequisite")
	// ErrApparentRaceMaybeLater is a transient race, eligible for retry.
	ErrApparentRaceMaybeLater = ErrClass("apparent race, maybe later")
	// ErrApparentOutageMaybeLater is a transient outage of storage or a peer server,
	// eligible for retry.
	ErrApparentOutageMaybeLater = ErrClass("apparent outage, maybe later")
	// ErrNotYetAuthorized is a designed-in protocol race expected to resolve itself once
	// a concurrent message arrives. Not a hard failure.
	ErrNotYetAuthorized = ErrClass("not yet authorized")
	// ErrUnclassified is reported for errors which carry no class.
	ErrUnclassified = ErrClass("unclassified")
)

// AllErrClasses lists every class in a stable order. Used for metrics registration.
var AllErrClasses = []ErrClass{
	ErrMalformedPayload,
	ErrBadBox,
	ErrBadSignature,
	ErrUnauthorizedUser,
	ErrUnauthorizedUserDataLeak,
	ErrAlreadyHappened,
	ErrMissingPrereqFatal,
	ErrApparentRaceMaybeLater,
	ErrApparentOutageMaybeLater,
	ErrNotYetAuthorized,
	ErrUnclassified,
}

// TaskError is a classified error with context. The class survives wrapping:
// errors.Is(err, types.ErrBadBox) works through any number of fmt.Errorf("%w") layers.
type TaskError struct {
	Class ErrClass
	Msg   string
	Err   error
}

func (e *TaskError) Error() string {
	msg := string(e.Class)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Is reports class equality.
func (e *TaskError) Is(target error) bool {
	if cls, ok := target.(ErrClass); ok {
		return cls == e.Class
	}
	return false
}

// Errorf creates a classified error with a formatted message.
func Errorf(class ErrClass, format string, args ...any) error {
	return &TaskError{Class: class, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. An error which already carries a class keeps it.
func Wrap(class ErrClass, err error, msg string) error {
	if err == nil {
		return nil
	}
	if Classify(err) != ErrUnclassified {
		if msg == "" {
			return err
		}
		return fmt.Errorf("%s: %w", msg, err)
	}
	return &TaskError{Class: class, Msg: msg, Err: err}
}

// Classify returns the class of the error or ErrUnclassified. Nil error has no class.
func Classify(err error) ErrClass {
	if err == nil {
		return ""
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.Class
	}
	var cls ErrClass
	if errors.As(err, &cls) {
		return cls
	}
	return ErrUnclassified
}

// IsNoop checks if the error means the work was already done.
func IsNoop(err error) bool {
	return errors.Is(err, ErrAlreadyHappened)
}

// IsRetryable checks if a supervising layer may retry the task later.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ErrApparentRaceMaybeLater, ErrApparentOutageMaybeLater, ErrNotYetAuthorized:
		return true
	}
	return false
}

// NeedsSecurityReview checks if the failure implies the sender knew something it should not.
func NeedsSecurityReview(err error) bool {
	return errors.Is(err, ErrUnauthorizedUserDataLeak)
}

// IsFatal checks if the failure indicates corruption or a missing predecessor and must be escalated.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMissingPrereqFatal)
}
