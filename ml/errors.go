package ml

import (
	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch reports tensors whose spatial sizes cannot be reconciled.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrLoad reports a model artifact that is missing, corrupt or incompatible.
	ErrLoad = errors.New("model not loaded")
	// ErrNumericDivergence reports a non-finite loss.
	ErrNumericDivergence = errors.New("loss is not finite")
)

// InferenceError is returned by Predict. Reason is meant for end users.
type InferenceError struct {
	Reason string
	Err    error
}

func (e *InferenceError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *InferenceError) Unwrap() error { return e.Err }
