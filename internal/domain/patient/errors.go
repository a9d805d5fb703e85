package patient

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("patient not found")

// ValidationError reports missing or malformed input. Its message is safe
// to return to the client.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// StoreError wraps a persistence failure. Its text is logged, never
// returned to clients.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("patient store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
