package types

import (
	"context"
	"errors"
)

var (
	// ErrMoreDataNeeded is returned when a stage needs more input before it can produce output.
	ErrMoreDataNeeded = errors.New("more data needed")
	// ErrMoreSurfaceNeeded is returned when a stage needs another output surface for the same input,
	// or when a cross-stage buffer has nothing queued.
	ErrMoreSurfaceNeeded = errors.New("more surface needed")
	// ErrDeviceBusy is returned when the accelerator cannot accept work right now.
	ErrDeviceBusy = errors.New("device busy")
	// ErrHardwareHang is returned when the accelerator stopped responding to submitted work.
	ErrHardwareHang = errors.New("hardware hang")
	// ErrDeviceFailed is returned when the device stayed busy past the configured ceiling.
	ErrDeviceFailed = errors.New("device failed")
	// ErrResourceExhausted is returned when no surface or task is available.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrInvalidState is returned when an object is not in a state that allows the operation.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotFound is returned when a lookup or a free-slot search finds nothing.
	ErrNotFound = errors.New("not found")
	// ErrUndefinedBehavior is returned when an opaque handle mapping is missing or inconsistent.
	ErrUndefinedBehavior = errors.New("undefined behavior")
	// ErrInvalidConfig is returned when a session configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrUnsupported is returned for parameter combinations no backend can serve.
	ErrUnsupported = errors.New("unsupported parameter combination")
	// ErrEndOfStream is returned when a source has no more frames.
	ErrEndOfStream = errors.New("end of stream")
	// ErrAborted is returned when work was cancelled by a stop or a reset.
	ErrAborted = errors.New("aborted")
	// ErrPartialAcceleration is the degraded-mode warning: a stage runs on the software path.
	ErrPartialAcceleration = errors.New("partial acceleration")
)

// ErrorClass groups errors by how they propagate.
type ErrorClass int

const (
	// ClassNone means no error.
	ClassNone ErrorClass = iota
	// ClassRetry errors are handled inside the loop and never cross a component boundary.
	ClassRetry
	// ClassDegraded errors are reported once as a warning; processing continues.
	ClassDegraded
	// ClassFatalSession errors stop the owning session.
	ClassFatalSession
	// ClassFatalHardware errors trigger hang recovery when enabled, otherwise stop the session.
	ClassFatalHardware
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetry:
		return "retry"
	case ClassDegraded:
		return "degraded"
	case ClassFatalSession:
		return "fatal-session"
	case ClassFatalHardware:
		return "fatal-hardware"
	default:
		return "unknown"
	}
}

// Classify maps an error onto the propagation taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrMoreDataNeeded),
		errors.Is(err, ErrMoreSurfaceNeeded),
		errors.Is(err, ErrDeviceBusy):
		return ClassRetry
	case errors.Is(err, ErrPartialAcceleration):
		return ClassDegraded
	case errors.Is(err, ErrHardwareHang):
		return ClassFatalHardware
	default:
		return ClassFatalSession
	}
}

// IsWarning reports whether err only signals degraded operation.
func IsWarning(err error) bool {
	return Classify(err) == ClassDegraded
}

// IsCancellation reports whether err comes from a stop request or a cancelled context.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}
