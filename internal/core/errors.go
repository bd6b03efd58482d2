package core

import (
	"errors"
	"fmt"
)

// Error is the typed error returned by every runtime operation.
//
// The code tells callers how to react:
//   - VALIDATION: user-fixable input problem, surfaced verbatim
//   - WORKFLOW: schema or infrastructure misconfiguration
//   - EVALUATION: expression authoring bug (type error, unknown function)
//   - PERMISSION: caller lacks a permission string
//   - DATASTORE: storage backend failure
//   - NOT_FOUND: referenced record or definition does not exist
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Entity names the entity involved, if any.
	Entity string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes runtime errors.
type ErrorCode string

const (
	ErrCodeValidation ErrorCode = "VALIDATION"
	ErrCodeWorkflow   ErrorCode = "WORKFLOW"
	ErrCodeEvaluation ErrorCode = "EVALUATION"
	ErrCodePermission ErrorCode = "PERMISSION"
	ErrCodeDatastore  ErrorCode = "DATASTORE"
	ErrCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrCodeInternal   ErrorCode = "INTERNAL"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the outermost *Error in err's chain,
// or ErrCodeInternal if there is none.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeInternal
}

// MessageOf returns the bare message of the outermost *Error in err's chain,
// falling back to err.Error().
func MessageOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}

func hasCode(err error, code ErrorCode) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsValidationError returns true if the error is a validation failure.
// Uses errors.As to handle wrapped errors.
func IsValidationError(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsWorkflowError returns true if the error signals misconfiguration.
func IsWorkflowError(err error) bool { return hasCode(err, ErrCodeWorkflow) }

// IsEvaluationError returns true if the error came from expression evaluation.
func IsEvaluationError(err error) bool { return hasCode(err, ErrCodeEvaluation) }

// IsPermissionError returns true if the caller lacked a permission.
func IsPermissionError(err error) bool { return hasCode(err, ErrCodePermission) }

// IsDatastoreError returns true if the storage backend failed.
func IsDatastoreError(err error) bool { return hasCode(err, ErrCodeDatastore) }

// IsNotFoundError returns true if a record or definition was missing.
func IsNotFoundError(err error) bool { return hasCode(err, ErrCodeNotFound) }

// Validation creates a VALIDATION error.
func Validation(format string, args ...any) *Error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Workflow creates a WORKFLOW error.
func Workflow(format string, args ...any) *Error {
	return &Error{Code: ErrCodeWorkflow, Message: fmt.Sprintf(format, args...)}
}

// Evaluation creates an EVALUATION error.
func Evaluation(format string, args ...any) *Error {
	return &Error{Code: ErrCodeEvaluation, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a NOT_FOUND error.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Internal creates an INTERNAL error.
func Internal(format string, args ...any) *Error {
	return &Error{Code: ErrCodeInternal, Message: fmt.Sprintf(format, args...)}
}

// Permission creates the error for a missing entity permission.
func Permission(permission, verb, entity string) *Error {
	return &Error{
		Code:    ErrCodePermission,
		Message: fmt.Sprintf("Missing permission '%s' to %s entity '%s'", permission, verb, entity),
		Entity:  entity,
		Details: map[string]string{"permission": permission, "verb": verb},
	}
}

// TransitionPermission creates the error for a missing transition permission.
func TransitionPermission(permission, entity string) *Error {
	return &Error{
		Code:    ErrCodePermission,
		Message: fmt.Sprintf("Missing permission '%s' for transition", permission),
		Entity:  entity,
		Details: map[string]string{"permission": permission},
	}
}

// Wrap attaches a code and message to an underlying error.
// If err already carries a *Error it is returned unchanged, so the
// innermost classification wins.
func Wrap(code ErrorCode, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}
