package errors

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// RecoverPanic converts a recovered value into a fatal internal error carrying the stack.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}

	var err error
	switch v := r.(type) {
	case error:
		err = v
	case string:
		err = fmt.Errorf("panic: %s", v)
	default:
		err = fmt.Errorf("panic: %v", v)
	}

	return ErrInternal.
		WithCause(err).
		WithDetail("panic", true).
		WithDetail("stack_trace", string(debug.Stack())).
		AsFatal()
}

// Safely runs fn and turns a panic into the error RecoverPanic would produce.
func Safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = RecoverPanic(r)
		}
	}()
	return fn()
}

// IsPanic reports whether err was produced by RecoverPanic.
func IsPanic(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		panicked, _ := appErr.Details["panic"].(bool)
		return panicked
	}
	return false
}
