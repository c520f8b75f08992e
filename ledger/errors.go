/*
errors.go - Error kinds of the billing and enrollment ledger

PURPOSE:
  All error types in one place. Operations return these (possibly wrapped
  with fmt.Errorf("...: %w")) and the API maps them to HTTP statuses.

ERROR CATEGORIES:
  1. NotFound           - referenced row missing or owned by another school
  2. InvalidLink        - payment/invoice owner or kind mismatch, or invoice already paid
  3. AlreadyExists      - duplicate periodic invoice (the generator skips it silently)
  4. InvariantViolation - second active enrollment, negative amount, dangling link
  5. InvalidInput       - malformed request values (month 13, unknown kind)

USAGE:
  if errors.Is(err, ledger.ErrInvalidLink) { ... }

  var nf *ledger.NotFoundError
  if errors.As(err, &nf) { log(nf.Resource, nf.ID) }
*/
package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidLink        = errors.New("invalid link")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInvalidInput       = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing resource. Rows owned by another school are
// reported exactly like missing rows.
type NotFoundError struct {
	Resource string // "student", "class", "invoice", "payment"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound is shorthand for &NotFoundError{...}.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// InvalidLinkError explains why a payment cannot reference an invoice.
type InvalidLinkError struct {
	InvoiceID InvoiceID
	Reason    string
}

func (e *InvalidLinkError) Error() string {
	return fmt.Sprintf("invalid link to invoice %s: %s", e.InvoiceID, e.Reason)
}

func (e *InvalidLinkError) Unwrap() error { return ErrInvalidLink }

// InvariantError reports a state the ledger must never reach.
type InvariantError struct {
	Invariant string // e.g. "single_active_enrollment", "non_negative_amount"
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Invariant, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// FieldError is a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects invalid fields of one request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// Add records a field error.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns the error only if at least one field failed.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidLink) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrInvalidInput)
}
