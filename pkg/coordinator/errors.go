package coordinator

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidRequest marks client errors in a run request (400 Bad Request).
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNoEngine is returned by operations that need a workflow engine in a
	// process that only accepts runs.
	ErrNoEngine = errors.New("coordinator has no workflow engine")
	// ErrRunExists is returned when a request names a run id that is already
	// stored (409 Conflict).
	ErrRunExists = errors.New("run already exists")
)

// RequestError wraps a rejected request with the fields that failed.
type RequestError struct {
	Op      string            // Operation name
	Fields  map[string]string // Field name to failed rule
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func (e *RequestError) Is(target error) bool {
	return target == ErrInvalidRequest || errors.Is(e.Err, target)
}

// IsValidationError checks if an error should be reported as HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// newRequestError converts validator field errors into a RequestError.
func newRequestError(op string, err error) *RequestError {
	fields := map[string]string{}

	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		for _, fieldErr := range validationErrors {
			fields[strings.ToLower(fieldErr.Field())] = fieldErr.Tag()
		}
	}

	parts := make([]string, 0, len(fields))
	for field, tag := range fields {
		parts = append(parts, field+" failed "+tag)
	}

	slices.Sort(parts)

	message := "request validation failed"
	if len(parts) > 0 {
		message = strings.Join(parts, "; ")
	}

	return &RequestError{Op: op, Fields: fields, Message: message, Err: err}
}
