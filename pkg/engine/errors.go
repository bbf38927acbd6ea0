package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for handling and recovery logic.
type ErrorClass string

const (
	// ErrorClassValidation indicates a rejected request with no side effects.
	// Examples: missing permit, incomplete checklist, unknown enum value.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassIdempotency indicates the request was already satisfied.
	// The caller should treat it as a logged no-op.
	ErrorClassIdempotency ErrorClass = "idempotency"

	// ErrorClassConflict indicates a concurrent modification.
	// Examples: optimistic version mismatch, out-of-order transition.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassDegraded indicates a unit of work failed while the surrounding
	// batch continued. The failure is captured and audited.
	ErrorClassDegraded ErrorClass = "degraded"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: record not found, collaborator failure, storage failure.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the identifier of the record that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error with the given code.
func NewValidationError(code, message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Code:    code,
		Message: message,
	}
}

// NewIdempotencyError creates a new idempotency error with the given code.
func NewIdempotencyError(code, message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassIdempotency,
		Code:    code,
		Message: message,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Code:    ErrCodeVersionConflict,
		Message: message,
		Err:     err,
	}
}

// NewDegradedError creates a new degraded error with the given code.
func NewDegradedError(code, message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassDegraded,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// NewNotFoundError creates a permanent error for a missing record.
func NewNotFoundError(kind, id string) *EngineError {
	return &EngineError{
		Class:    ErrorClassPermanent,
		Code:     ErrCodeNotFound,
		Message:  kind + " not found",
		Resource: id,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode sets the error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first engine error in the chain, or an
// empty class when err is not classified.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// CodeOf returns the code of the first engine error in the chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return ClassOf(err) == ErrorClassValidation
}

// IsIdempotency returns true if the error reports an already-satisfied request.
func IsIdempotency(err error) bool {
	return ClassOf(err) == ErrorClassIdempotency
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return ClassOf(err) == ErrorClassConflict
}

// IsDegraded returns true if the error is classified as degraded.
func IsDegraded(err error) bool {
	return ClassOf(err) == ErrorClassDegraded
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return ClassOf(err) == ErrorClassPermanent
}

// IsNotFound returns true if the error reports a missing record.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsRetryable returns true if the error can be retried.
// Only conflict errors are retryable; the caller re-reads and re-applies.
func IsRetryable(err error) bool {
	return IsConflict(err)
}

// Error codes.
const (
	ErrCodeValidation               = "VALIDATION_ERROR"
	ErrCodeUnknownEnum              = "UNKNOWN_ENUM"
	ErrCodePermitRequired           = "PERMIT_REQUIRED"
	ErrCodeChecklistIncomplete      = "CHECKLIST_INCOMPLETE"
	ErrCodeDeferralRequiresApproval = "DEFERRAL_REQUIRES_APPROVAL"
	ErrCodeQASignOffRequired        = "QA_SIGNOFF_REQUIRED"
	ErrCodeInvalidTransition        = "INVALID_TRANSITION"
	ErrCodeMalformedCondition       = "MALFORMED_CONDITION"

	ErrCodeDuplicateGeneration = "DUPLICATE_GENERATION"
	ErrCodeDuplicateTrigger    = "DUPLICATE_TRIGGER"
	ErrCodeAlreadyWaived       = "ALREADY_WAIVED"
	ErrCodeAlreadyExists       = "ALREADY_EXISTS"

	ErrCodeVersionConflict = "VERSION_CONFLICT"
	ErrCodeStaleTransition = "STALE_TRANSITION"

	ErrCodeTemplateFailed = "TEMPLATE_FAILED"
	ErrCodeIngestFailed   = "INGEST_FAILED"

	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeCollaboratorFailed = "COLLABORATOR_FAILED"
)

// Sentinel errors for errors.Is matching.
var (
	ErrPermitRequired           = &EngineError{Class: ErrorClassValidation, Code: ErrCodePermitRequired}
	ErrChecklistIncomplete      = &EngineError{Class: ErrorClassValidation, Code: ErrCodeChecklistIncomplete}
	ErrDeferralRequiresApproval = &EngineError{Class: ErrorClassValidation, Code: ErrCodeDeferralRequiresApproval}
	ErrQASignOffRequired        = &EngineError{Class: ErrorClassValidation, Code: ErrCodeQASignOffRequired}
	ErrInvalidTransition        = &EngineError{Class: ErrorClassValidation, Code: ErrCodeInvalidTransition}
	ErrUnknownEnum              = &EngineError{Class: ErrorClassValidation, Code: ErrCodeUnknownEnum}
	ErrMalformedCondition       = &EngineError{Class: ErrorClassValidation, Code: ErrCodeMalformedCondition}
	ErrDuplicateGeneration      = &EngineError{Class: ErrorClassIdempotency, Code: ErrCodeDuplicateGeneration}
	ErrDuplicateTrigger         = &EngineError{Class: ErrorClassIdempotency, Code: ErrCodeDuplicateTrigger}
	ErrAlreadyWaived            = &EngineError{Class: ErrorClassIdempotency, Code: ErrCodeAlreadyWaived}
	ErrVersionConflict          = &EngineError{Class: ErrorClassConflict, Code: ErrCodeVersionConflict}
	ErrNotFound                 = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotFound}
)
