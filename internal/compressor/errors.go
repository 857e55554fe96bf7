package compressor

import (
	"context"
	"errors"
	"fmt"

	"pngoptimiser-go/internal/pngquant"
)

var (
	ErrUnknownStrategy = errors.New("unknown compression strategy")
	ErrNotPNG          = errors.New("source is not a PNG file")
	ErrEmptySource     = errors.New("source file is empty")
	ErrEmptyOutput     = errors.New("compressed output is empty")
)

// EncoderError reports a failure signaled by an image codec or compression library.
type EncoderError struct {
	Op  string
	Err error
}

func (e *EncoderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *EncoderError) Unwrap() error { return e.Err }

func encoderError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &EncoderError{Op: op, Err: err}
}

// classify maps a handler error onto the result taxonomy.
func classify(err error) (Outcome, Reason) {
	var encErr *EncoderError
	switch {
	case errors.Is(err, ErrNotPNG):
		return OutcomeRejected, ReasonNotPNG
	case errors.Is(err, ErrUnknownStrategy):
		return OutcomeFailed, ReasonUnknownStrategy
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeFailed, ReasonCanceled
	case errors.As(err, &encErr),
		errors.Is(err, ErrEmptyOutput),
		errors.Is(err, pngquant.ErrQualityTooLow):
		return OutcomeFailed, ReasonEncoderFailure
	default:
		return OutcomeFailed, ReasonIOError
	}
}
