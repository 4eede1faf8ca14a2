package workflow

import (
	"errors"
	"fmt"

	"permitline/internal/domain"
)

var (
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrMissingComment         = errors.New("comment required")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrPreconditionFailed     = errors.New("precondition failed")
)

// TransitionError describes a refused call. Kind is one of the sentinel
// errors above and is what errors.Is matches against.
type TransitionError struct {
	Kind      error
	RequestID string
	State     domain.State
	Role      domain.Role
	Action    domain.Action
	Reason    string
}

func (e *TransitionError) Error() string {
	msg := e.Kind.Error()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.RequestID != "" {
		msg += fmt.Sprintf(" (request %s, state %s, role %s, action %s)", e.RequestID, e.State, e.Role, e.Action)
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.Kind }

// Retryable reports whether the caller should re-read the request and try again.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// Code returns the stable wire code for one of the taxonomy errors, or "".
func Code(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrMissingComment):
		return "missing_comment"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrPreconditionFailed):
		return "precondition_failed"
	}
	return ""
}

func refuse(kind error, req domain.Request, role domain.Role, action domain.Action, reason string) error {
	return &TransitionError{
		Kind:      kind,
		RequestID: req.ID,
		State:     req.State,
		Role:      role,
		Action:    action,
		Reason:    reason,
	}
}
