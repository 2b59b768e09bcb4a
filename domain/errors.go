package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a referenced task, member or rating does not exist.
var ErrNotFound = errors.New("not found")

// ErrForbidden indicates the caller lacks the required weight for the
// operation.
var ErrForbidden = errors.New("forbidden")

// ValidationError rejects an out-of-range or missing numeric input before
// any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
