package repository

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Validator checks a document before it is written.
type Validator[T any] func(ctx context.Context, doc T) error

// DefaultValidator runs ozzo-validation rules declared by the document.
func DefaultValidator[T any](ctx context.Context, doc T) error {
	switch v := any(doc).(type) {
	case validation.ValidatableWithContext:
		return v.ValidateWithContext(ctx)
	case validation.Validatable:
		return v.Validate()
	}
	return nil
}
