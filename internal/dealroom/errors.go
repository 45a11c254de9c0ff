package dealroom

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks input that failed field validation.
	ErrValidation = errors.New("dealroom: validation failed")
	// ErrNotFound marks a missing project, draft, version or conflict.
	ErrNotFound = errors.New("dealroom: not found")
	// ErrConflict marks a publish that diverged from already-published data.
	ErrConflict = errors.New("dealroom: publish conflict")
	// ErrAlreadyResolved marks an attempt to resolve a closed conflict.
	ErrAlreadyResolved = errors.New("dealroom: conflict already resolved")
	// ErrStorage marks a persistence failure wrapped with operation context.
	ErrStorage = errors.New("dealroom: storage failure")
	// ErrVersionConflict is returned by VersionStore.Append when the log moved past the expected number.
	ErrVersionConflict = errors.New("dealroom: version sequence moved")
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every invalid field found in one request.
type ValidationError struct {
	Fields []FieldError
}

func newValidationError(fields ...FieldError) *ValidationError {
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, field := range e.Fields {
		parts = append(parts, field.Field+": "+field.Message)
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), strings.Join(parts, "; "))
}

// Is lets errors.Is match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConflictError is returned by Publish when a divergence was recorded.
type ConflictError struct {
	ConflictID string
	Fields     []FieldName
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: conflict %s", ErrConflict.Error(), e.ConflictID)
}

// Is lets errors.Is match ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func newNotFoundError(kind string, key string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, key)
}

// ServiceError wraps unexpected failures with an "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
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

// Is lets errors.Is match ErrStorage.
func (e *ServiceError) Is(target error) bool {
	return target == ErrStorage
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
