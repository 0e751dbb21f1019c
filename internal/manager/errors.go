package manager

import (
	"errors"
	"strings"
)

var (
	// ErrNotLoaded is returned when an operation needs a model and none is loaded.
	ErrNotLoaded = errors.New("no model loaded")
	// ErrReleaseTimeout is returned by Unload when the engine did not confirm
	// release within the grace period. The slot is cleared regardless.
	ErrReleaseTimeout = errors.New("model release not confirmed before grace period expired")
)

// LoadError reports a failed load. Retried is true when the compat retry
// was attempted.
type LoadError struct {
	Path    string
	Retried bool
	Err     error
}

func (e *LoadError) Error() string {
	msg := "load model " + e.Path
	if e.Retried {
		msg += " (compat retry)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsLoadError reports whether err is a *LoadError.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// busyError signals that another lifecycle operation holds the manager.
type busyError struct{ op string }

func (e busyError) Error() string { return "model manager busy: " + e.op + " in progress" }

// IsBusy reports whether err was returned because a lifecycle operation was
// already running.
func IsBusy(err error) bool {
	var be busyError
	return errors.As(err, &be)
}

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ path string }

func (e tooBusyError) Error() string { return "too busy: " + e.path }

// IsTooBusy reports whether err indicates generation backpressure.
func IsTooBusy(err error) bool {
	var tb tooBusyError
	return errors.As(err, &tb)
}

// dependencyUnavailableError signals a missing runtime such as llama.cpp.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var de dependencyUnavailableError
	return errors.As(err, &de)
}

// unknownArchMarker is the loader message that triggers a compat retry.
const unknownArchMarker = "unknown model architecture"

func isUnknownArchitecture(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), unknownArchMarker)
}
