package inference

import (
	"errors"
	"fmt"
)

// GenerationError wraps a failure of the underlying engine, including a
// recovered panic.
type GenerationError struct {
	Op    string
	Err   error
	Panic bool
}

func (e *GenerationError) Error() string {
	if e.Panic {
		return fmt.Sprintf("generation %s panicked: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("generation %s: %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsGenerationError reports whether err is a *GenerationError.
func IsGenerationError(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}

// FormatApology renders err as the user-facing apology text older clients
// expect in place of an answer.
func FormatApology(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	var ge *GenerationError
	if errors.As(err, &ge) && ge.Err != nil {
		msg = ge.Err.Error()
	}
	return fmt.Sprintf("Sorry, an error occurred while generating the answer: %s. Please rephrase the question or try again later.", msg)
}
