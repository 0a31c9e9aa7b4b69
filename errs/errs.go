// Package errs defines the error taxonomy shared by every PDM command
// core component: a user-visible precondition/post-condition failure
// (PdmError), a recoverable protocol desync (TransmissionOutOfSyncError),
// and a single-flight lock contention error (PdmBusyError).
package errs

import "fmt"

// OmnipyError is implemented by every error type in this taxonomy, so
// callers can distinguish "expected" protocol/precondition failures from
// anything else, which Commands wrap as PdmError("Unexpected error").
type OmnipyError interface {
	error
	omnipyError()
}

// PdmError is a user-visible precondition or post-condition violation.
// The message carries the specific reason, matching the Python
// `raise PdmError("...")` call sites in pdm.py.
type PdmError struct {
	Message string
	Cause   error
}

func NewPdmError(message string) *PdmError {
	return &PdmError{Message: message}
}

func WrapPdmError(message string, cause error) *PdmError {
	return &PdmError{Message: message, Cause: cause}
}

func (e *PdmError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *PdmError) Unwrap() error { return e.Cause }

func (*PdmError) omnipyError() {}

// TransmissionOutOfSyncError signals that RadioLink observed the peer's
// packet/message counters diverge from ours. Recovered once per logical
// exchange via an interim resync; a second occurrence is fatal.
type TransmissionOutOfSyncError struct {
	Cause error
}

func NewTransmissionOutOfSyncError(cause error) *TransmissionOutOfSyncError {
	return &TransmissionOutOfSyncError{Cause: cause}
}

func (e *TransmissionOutOfSyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transmission out of sync: %v", e.Cause)
	}
	return "transmission out of sync"
}

func (e *TransmissionOutOfSyncError) Unwrap() error { return e.Cause }

func (*TransmissionOutOfSyncError) omnipyError() {}

// PdmBusyError is raised when a caller attempts to acquire the
// process-wide single-flight lock while it is held by another caller.
// IsBusy callers swallow this and return true instead of propagating it.
type PdmBusyError struct{}

func NewPdmBusyError() *PdmBusyError { return &PdmBusyError{} }

func (*PdmBusyError) Error() string { return "PDM is busy with another command" }

func (*PdmBusyError) omnipyError() {}

// Wrap converts any non-taxonomy error into a PdmError("Unexpected error"),
// preserving the original as its cause, matching the
// `except Exception as e: raise PdmError("Unexpected error") from e`
// clause present at the end of every command in pdm.py. Errors already in
// the taxonomy pass through untouched.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	var o OmnipyError
	if asOmnipy(err, &o) {
		return err
	}
	return WrapPdmError("Unexpected error", err)
}

func asOmnipy(err error, target *OmnipyError) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if o, ok := err.(OmnipyError); ok {
			*target = o
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
