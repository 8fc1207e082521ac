package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrPipelineFailure     = errors.New("pipeline failure")
	ErrConcurrencyConflict = errors.New("concurrent modification")

	ErrInvalidRunStateChanging = errors.New("cannot change run state")
)

func NewErrInvalidRunStateChanging(from, to RunStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidRunStateChanging, from, to)
}
