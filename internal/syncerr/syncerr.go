// Package syncerr carries the operation-coded error type used by the sync
// services. Codes have the shape "<operation>.<reason>" and wrap the cause.
package syncerr

import "fmt"

// ServiceError tags an underlying failure with an operation code.
type ServiceError struct {
	code string
	err  error
}

// New builds a ServiceError for the given operation and reason.
func New(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation code.
func (e *ServiceError) Code() string {
	return e.code
}
