package media

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied        = errors.New("media: permission denied")
	ErrNoDevice                = errors.New("media: no capture device")
	ErrDeviceBusy              = errors.New("media: device in use")
	ErrConstraintUnsatisfiable = errors.New("media: constraints cannot be satisfied")
)

type Reason string

const (
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonNoDevice         Reason = "no_device"
	ReasonDeviceBusy       Reason = "device_busy"
	ReasonConstraint       Reason = "constraint_unsatisfiable"
	ReasonUnknown          Reason = "unknown"
)

// AcquireError is a classified capture failure. Every reason is retryable.
type AcquireError struct {
	Reason Reason
	Err    error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("media acquire (%s): %v", e.Reason, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// Hint is a short user-facing explanation of the failure.
func (e *AcquireError) Hint() string {
	switch e.Reason {
	case ReasonPermissionDenied:
		return "Microphone or camera access was denied. Allow access and try again."
	case ReasonNoDevice:
		return "No microphone or camera was found."
	case ReasonDeviceBusy:
		return "The microphone or camera is in use by another application."
	case ReasonConstraint:
		return "The device cannot satisfy the requested quality."
	}
	return "Could not start media."
}

// Classify wraps err into an *AcquireError. A nil err yields nil.
func Classify(err error) *AcquireError {
	if err == nil {
		return nil
	}
	var ae *AcquireError
	if errors.As(err, &ae) {
		return ae
	}
	reason := ReasonUnknown
	switch {
	case errors.Is(err, ErrPermissionDenied):
		reason = ReasonPermissionDenied
	case errors.Is(err, ErrNoDevice):
		reason = ReasonNoDevice
	case errors.Is(err, ErrDeviceBusy):
		reason = ReasonDeviceBusy
	case errors.Is(err, ErrConstraintUnsatisfiable):
		reason = ReasonConstraint
	}
	return &AcquireError{Reason: reason, Err: err}
}
