package domain

import (
	"fmt"

	"github.com/sakashimaa/commerce-saga/pkg/apperr"
)

// TransitionError reports a state change the entity's state machine forbids.
// It classifies as a conflict.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return apperr.ErrConflict
}
