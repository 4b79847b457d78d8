package protocol

import (
	"errors"
	"fmt"
)

// Error kinds carried on run.final payloads and res frames.
const (
	ErrKindProtocol          = "protocol"
	ErrKindPolicyDenied      = "policy_denied"
	ErrKindTool              = "tool"
	ErrKindProvider          = "provider"
	ErrKindStateConflict     = "state_conflict"
	ErrKindResourceExhausted = "resource_exhausted"
)

var (
	ErrProtocol          = errors.New("protocol error")
	ErrPolicyDenied      = errors.New("permission denied")
	ErrStateConflict     = errors.New("state conflict")
	ErrResourceExhausted = errors.New("resource exhausted")
)

// KindError attaches a taxonomy kind to an underlying error.
type KindError struct {
	Kind string
	Err  error
}

func (e *KindError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *KindError) Unwrap() error { return e.Err }

func WithKind(kind string, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// ErrorKind classifies err into the taxonomy, defaulting to provider.
func ErrorKind(err error) string {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	switch {
	case errors.Is(err, ErrProtocol):
		return ErrKindProtocol
	case errors.Is(err, ErrPolicyDenied):
		return ErrKindPolicyDenied
	case errors.Is(err, ErrStateConflict):
		return ErrKindStateConflict
	case errors.Is(err, ErrResourceExhausted):
		return ErrKindResourceExhausted
	}
	return ErrKindProvider
}
