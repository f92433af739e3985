package models

import (
	"errors"
	"fmt"
)

// InvariantError marks a broken internal contract. The unit of work that hit it is abandoned.
type InvariantError struct {
	Component string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated in %s: %s", e.Component, e.Detail)
}

func NewInvariantError(component, format string, args ...interface{}) *InvariantError {
	return &InvariantError{Component: component, Detail: fmt.Sprintf(format, args...)}
}

func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
