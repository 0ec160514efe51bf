package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/vigil/pkg/provider/embeddings"
)

// Kind classifies inference failures.
type Kind int

const (
	// KindUnavailable means the backend could not be reached or failed
	// internally. Retrying later may succeed.
	KindUnavailable Kind = iota

	// KindTimeout means the call exceeded the inference timeout.
	KindTimeout

	// KindMalformed means the backend rejected the clip or answered with an
	// unusable vector. Retrying the same clip will not help.
	KindMalformed
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "inference_unavailable"
	case KindTimeout:
		return "inference_timeout"
	case KindMalformed:
		return "inference_malformed"
	default:
		return "inference_unknown"
	}
}

// InferenceError reports a failed backend call.
type InferenceError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("embedding: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// classify wraps a backend error into an *InferenceError. Caller
// cancellation is passed through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindUnavailable
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, embeddings.ErrRejected), errors.Is(err, embeddings.ErrMalformedResponse):
		kind = KindMalformed
	}
	return &InferenceError{Kind: kind, Op: op, Err: err}
}

// IsKind reports whether err is an *InferenceError of kind k.
func IsKind(err error, k Kind) bool {
	var ie *InferenceError
	return errors.As(err, &ie) && ie.Kind == k
}
