package apperr

import (
	"errors"
	"strings"
)

// Categories mirror the failure causes callers branch on. Validation and
// precondition failures are caller-correctable; integrity failures are fatal
// and never retried; transport failures wrap the network cause; verification
// failures always block settlement.
const (
	CategoryValidation   = "validation"
	CategoryPrecondition = "precondition"
	CategoryIntegrity    = "integrity"
	CategoryTransport    = "transport"
	CategoryVerification = "verification"
	CategoryInternal     = "internal"
)

type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func normalizeCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case CategoryValidation:
		return CategoryValidation
	case CategoryPrecondition:
		return CategoryPrecondition
	case CategoryIntegrity:
		return CategoryIntegrity
	case CategoryTransport:
		return CategoryTransport
	case CategoryVerification:
		return CategoryVerification
	default:
		return CategoryInternal
	}
}

// Wrap tags err with category. An error that already carries a category keeps
// the innermost one so re-wrapping at a boundary never reclassifies a cause.
func Wrap(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return err
	}
	return &CategorizedError{
		Category: normalizeCategory(category),
		Err:      err,
	}
}

func Validation(err error) error   { return Wrap(CategoryValidation, err) }
func Precondition(err error) error { return Wrap(CategoryPrecondition, err) }
func Integrity(err error) error    { return Wrap(CategoryIntegrity, err) }
func Transport(err error) error    { return Wrap(CategoryTransport, err) }
func Verification(err error) error { return Wrap(CategoryVerification, err) }

func CategoryOf(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeCategory(classified.Category)
	}
	return CategoryInternal
}

// Retryable reports whether an automatic retry could change the outcome.
// Only transport failures qualify.
func Retryable(err error) bool {
	return err != nil && CategoryOf(err) == CategoryTransport
}
