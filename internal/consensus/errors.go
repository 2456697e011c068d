package consensus

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTimeout   = errors.New("validation timed out, please try again")
	ErrCancelled = errors.New("validation cancelled")
)

// InputError rejects a request before any work is started.
type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// MissingResponsesError is returned when evaluation is attempted without every
// expected model response. Models holds display names.
type MissingResponsesError struct {
	Models []string
}

func (e *MissingResponsesError) Error() string {
	return "missing responses from: " + strings.Join(e.Models, ", ")
}

// EvaluatorError wraps any failure of the synthesis call. The message shown to
// callers is always the same.
type EvaluatorError struct {
	Err error
}

func (e *EvaluatorError) Error() string {
	return "Meta-evaluation failed."
}

func (e *EvaluatorError) Unwrap() error {
	return e.Err
}

// contextError maps a finished context onto ErrTimeout or ErrCancelled.
func contextError(ctx context.Context) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	case ctx.Err() != nil:
		return ErrCancelled
	}
	return nil
}
