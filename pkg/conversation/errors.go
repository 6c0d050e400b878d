package conversation

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrTurnSealed = errors.New("turn is sealed")
)

// ValidationError reports a malformed request or turn. It always aborts before side effects.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a missing conversation or turn.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ErrNotFound.Error()
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func ConversationNotFound(id string) error {
	return &NotFoundError{Resource: "conversation", ID: id}
}

func TurnNotFound(id TurnID) error {
	return &NotFoundError{Resource: "turn", ID: id.String()}
}

// SealedError reports an update against a turn whose content is final.
type SealedError struct {
	TurnID TurnID
}

func (e *SealedError) Error() string {
	return fmt.Sprintf("turn %s is sealed", e.TurnID)
}

func (e *SealedError) Is(target error) bool { return target == ErrTurnSealed }
