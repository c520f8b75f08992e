/*
dto.go - Request and response bodies of the REST API

PURPOSE:
  Defines the JSON structures for API communication. Ledger types already
  carry json tags and are returned as they are; this file holds what the
  ledger has no type for: request bodies, list envelopes and errors.

NAMING CONVENTION:
  - *Request:  request body types from clients
  - *Response: response wrappers

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  h.decode(), which rejects unknown shapes and failed tags with 400 before
  any ledger call. The ledger re-checks amounts and periods for non-HTTP
  callers.

SEE ALSO:
  - handlers.go: uses these types
  - ledger/types.go: response types
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/school-ledger/billing"
	"github.com/warp/school-ledger/enrollment"
	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// DIRECTORY
// =============================================================================

// StudentRequest creates or replaces a directory student.
type StudentRequest struct {
	ID     ledger.StudentID     `json:"id" validate:"omitempty,max=64"`
	Name   string               `json:"name" validate:"required,max=150"`
	Status ledger.StudentStatus `json:"status" validate:"omitempty,oneof=active graduated transferred_out"`
}

// ClassRequest creates or replaces a class.
type ClassRequest struct {
	ID   ledger.ClassID `json:"id" validate:"omitempty,max=64"`
	Name string         `json:"name" validate:"required,max=100"`
}

// =============================================================================
// ENROLLMENT
// =============================================================================

type AssignClassRequest struct {
	ClassID ledger.ClassID `json:"class_id" validate:"required"`
}

type ConcludeRequest struct {
	Status      ledger.MembershipStatus `json:"status" validate:"required,oneof=promoted retained"`
	NextClassID *ledger.ClassID         `json:"next_class_id"`
}

func (r ConcludeRequest) outcome(actor string) enrollment.Outcome {
	return enrollment.Outcome{Status: r.Status, NextClass: r.NextClassID, ActorID: actor}
}

// =============================================================================
// INVOICES
// =============================================================================

type CreateInvoiceRequest struct {
	StudentID    ledger.StudentID `json:"student_id" validate:"required"`
	Kind         ledger.Kind      `json:"kind" validate:"required,oneof=tuition re_registration activity uniform other"`
	Label        string           `json:"label" validate:"required,max=150"`
	Description  string           `json:"description" validate:"max=1000"`
	PeriodMonth  *int             `json:"period_month" validate:"omitempty,min=1,max=12"`
	PeriodYear   *int             `json:"period_year" validate:"omitempty,min=2000,max=2100"`
	IssuedDate   *ledger.Date     `json:"issued_date"`
	DueDate      *ledger.Date     `json:"due_date"`
	TargetAmount decimal.Decimal  `json:"target_amount" validate:"gte=0"`
}

func (r CreateInvoiceRequest) newInvoice() billing.NewInvoice {
	return billing.NewInvoice{
		StudentID:    r.StudentID,
		Kind:         r.Kind,
		Label:        r.Label,
		Description:  r.Description,
		PeriodMonth:  r.PeriodMonth,
		PeriodYear:   r.PeriodYear,
		IssuedDate:   r.IssuedDate,
		DueDate:      r.DueDate,
		TargetAmount: r.TargetAmount,
	}
}

// UpdateInvoiceRequest changes descriptive fields. Omitted fields are kept;
// ClearDueDate removes the due date.
type UpdateInvoiceRequest struct {
	Label        *string          `json:"label" validate:"omitempty,min=1,max=150"`
	Description  *string          `json:"description" validate:"omitempty,max=1000"`
	DueDate      *ledger.Date     `json:"due_date"`
	ClearDueDate bool             `json:"clear_due_date"`
	TargetAmount *decimal.Decimal `json:"target_amount" validate:"omitempty,gte=0"`
}

func (r UpdateInvoiceRequest) update() billing.InvoiceUpdate {
	u := billing.InvoiceUpdate{
		Label:        r.Label,
		Description:  r.Description,
		DueDate:      r.DueDate,
		TargetAmount: r.TargetAmount,
	}
	if r.ClearDueDate {
		u.DueDate = &ledger.Date{}
	}
	return u
}

type OverrideStatusRequest struct {
	Status ledger.InvoiceStatus `json:"status" validate:"required,oneof=unpaid partially_paid paid overdue"`
	Reason string               `json:"reason" validate:"max=500"`
}

type GenerateTuitionRequest struct {
	Month   int             `json:"month" validate:"required,min=1,max=12"`
	Year    int             `json:"year" validate:"required,min=2000,max=2100"`
	Amount  decimal.Decimal `json:"amount" validate:"gte=0"`
	DueDate *ledger.Date    `json:"due_date"`
	ClassID *ledger.ClassID `json:"class_id"`
}

func (r GenerateTuitionRequest) tuition(actor string) billing.TuitionRequest {
	return billing.TuitionRequest{
		Month:   r.Month,
		Year:    r.Year,
		Amount:  r.Amount,
		DueDate: r.DueDate,
		ClassID: r.ClassID,
		ActorID: actor,
	}
}

// GenerateTuitionResponse lists the invoices one run created.
type GenerateTuitionResponse struct {
	Created  int              `json:"created"`
	Invoices []ledger.Invoice `json:"invoices"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

type RecordPaymentRequest struct {
	StudentID      ledger.StudentID     `json:"student_id" validate:"required"`
	InvoiceID      *ledger.InvoiceID    `json:"invoice_id"`
	Kind           ledger.Kind          `json:"kind" validate:"required,oneof=tuition re_registration activity uniform other"`
	Amount         decimal.Decimal      `json:"amount" validate:"gte=0"`
	DueDate        *ledger.Date         `json:"due_date"`
	PaidDate       *ledger.Date         `json:"paid_date"`
	Status         ledger.PaymentStatus `json:"status" validate:"omitempty,oneof=pending settled overdue"`
	Method         string               `json:"method" validate:"max=50"`
	ProofReference string               `json:"proof_reference" validate:"max=255"`
	Note           string               `json:"note" validate:"max=1000"`
}

func (r RecordPaymentRequest) newPayment() billing.NewPayment {
	return billing.NewPayment{
		StudentID:      r.StudentID,
		InvoiceID:      r.InvoiceID,
		Kind:           r.Kind,
		Amount:         r.Amount,
		DueDate:        r.DueDate,
		PaidDate:       r.PaidDate,
		Status:         r.Status,
		Method:         r.Method,
		ProofReference: r.ProofReference,
		Note:           r.Note,
	}
}

type PaymentStatusRequest struct {
	Status         ledger.PaymentStatus `json:"status" validate:"required,oneof=pending settled overdue"`
	PaidDate       *ledger.Date         `json:"paid_date"`
	ProofReference *string              `json:"proof_reference" validate:"omitempty,max=255"`
	Note           *string              `json:"note" validate:"omitempty,max=1000"`
	Method         *string              `json:"method" validate:"omitempty,max=50"`
}

func (r PaymentStatusRequest) update() billing.StatusUpdate {
	return billing.StatusUpdate{
		Status:         r.Status,
		PaidDate:       r.PaidDate,
		ProofReference: r.ProofReference,
		Note:           r.Note,
		Method:         r.Method,
	}
}

// =============================================================================
// ADMIN
// =============================================================================

type RefreshOverdueResponse struct {
	Updated int `json:"updated"`
}

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// LoadScenarioResponse reports what a scenario seeded.
type LoadScenarioResponse struct {
	ScenarioID string          `json:"scenario_id"`
	SchoolID   ledger.SchoolID `json:"school_id"`
	Students   int             `json:"students"`
	Invoices   int             `json:"invoices"`
	Payments   int             `json:"payments"`
}

// =============================================================================
// ENVELOPES
// =============================================================================

// PageMeta describes one page of a list.
type PageMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// ListResponse wraps a page of items.
type ListResponse[T any] struct {
	Data []T      `json:"data"`
	Meta PageMeta `json:"meta"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string              `json:"error"`
	Details string              `json:"details,omitempty"`
	Fields  []ledger.FieldError `json:"fields,omitempty"`
}
