/*
Package ledger provides the core model of the school billing and enrollment ledger.

PURPOSE:
  Domain types shared by every component: invoices (tagihan), payments
  (pembayaran), enrollment records, and the minimal student/class directory
  the ledger consults. Operations live in the billing and enrollment packages.
  This package only defines what they operate on and the store they persist to.

KEY CONCEPTS IN THIS FILE (types.go):
  - Typed identifiers: SchoolID, StudentID, InvoiceID... cannot be mixed up
  - Invoice: a billable charge whose PaidAmount and Status are DERIVED
  - Payment: a payment event with its own client-driven lifecycle
  - EnrollmentRecord: one student's membership of one class over time

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal rounded to 2 places, never float64
  2. Tenant isolation: every owned row carries its SchoolID
  3. Derived state: Invoice.PaidAmount/Status are written only by reconciliation

SEE ALSO:
  - store.go: persistence interfaces
  - errors.go: error kinds surfaced to callers
  - billing/reconcile.go: the only writer of derived invoice state
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SchoolID string
type StudentID string
type ClassID string
type InvoiceID string
type PaymentID string
type EnrollmentID string

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.NewString()
}

// =============================================================================
// MONEY
// =============================================================================

// MoneyScale is the number of decimal places stored for every amount.
const MoneyScale = 2

// RoundMoney normalizes an amount to the stored scale.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// SumMoney adds amounts without losing precision.
func SumMoney(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// KIND - What a charge is for (shared by invoices and payments)
// =============================================================================

type Kind string

const (
	KindTuition        Kind = "tuition"         // SPP, monthly school fee
	KindReRegistration Kind = "re_registration" // daftar ulang
	KindActivity       Kind = "activity"
	KindUniform        Kind = "uniform"
	KindOther          Kind = "other"
)

var kinds = map[Kind]bool{
	KindTuition: true, KindReRegistration: true, KindActivity: true,
	KindUniform: true, KindOther: true,
}

func (k Kind) Valid() bool { return kinds[k] }

// =============================================================================
// INVOICE
// =============================================================================

type InvoiceStatus string

const (
	InvoiceUnpaid        InvoiceStatus = "unpaid"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceOverdue       InvoiceStatus = "overdue"
)

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceUnpaid, InvoicePartiallyPaid, InvoicePaid, InvoiceOverdue:
		return true
	}
	return false
}

// Invoice is one billable charge owned by (school, student).
//
// INVARIANTS (maintained by billing.Reconcile):
//   - PaidAmount == sum of Amount over linked payments with status settled
//   - Status is a function of PaidAmount, TargetAmount, DueDate and today
//   - PaidOnDate is set iff Status == paid
type Invoice struct {
	ID          InvoiceID `json:"id"`
	SchoolID    SchoolID  `json:"school_id"`
	StudentID   StudentID `json:"student_id"`
	Kind        Kind      `json:"kind"`
	Label       string    `json:"label"`
	Description string    `json:"description,omitempty"`

	PeriodMonth *int `json:"period_month,omitempty"`
	PeriodYear  *int `json:"period_year,omitempty"`

	IssuedDate Date  `json:"issued_date"`
	DueDate    *Date `json:"due_date,omitempty"`

	TargetAmount decimal.Decimal `json:"target_amount"`
	PaidAmount   decimal.Decimal `json:"paid_amount"`
	Status       InvoiceStatus   `json:"status"`
	PaidOnDate   *Date           `json:"paid_on_date,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Outstanding is what is still owed, never negative.
func (inv Invoice) Outstanding() decimal.Decimal {
	rest := inv.TargetAmount.Sub(inv.PaidAmount)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// =============================================================================
// PAYMENT
// =============================================================================

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSettled PaymentStatus = "settled"
	PaymentOverdue PaymentStatus = "overdue"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentSettled, PaymentOverdue:
		return true
	}
	return false
}

// Payment is a discrete payment event. Its InvoiceID is optional: a
// miscellaneous fee may be recorded without a generated invoice.
type Payment struct {
	ID        PaymentID  `json:"id"`
	SchoolID  SchoolID   `json:"school_id"`
	StudentID StudentID  `json:"student_id"`
	InvoiceID *InvoiceID `json:"invoice_id,omitempty"`
	Kind      Kind       `json:"kind"`

	Amount   decimal.Decimal `json:"amount"`
	DueDate  *Date           `json:"due_date,omitempty"`
	PaidDate *Date           `json:"paid_date,omitempty"`
	Status   PaymentStatus   `json:"status"`

	Method         string `json:"method,omitempty"`
	ProofReference string `json:"proof_reference,omitempty"`
	Note           string `json:"note,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// LinkedTo reports whether the payment references the given invoice.
func (p Payment) LinkedTo(id InvoiceID) bool {
	return p.InvoiceID != nil && *p.InvoiceID == id
}

// =============================================================================
// ENROLLMENT RECORD
// =============================================================================

type MembershipStatus string

const (
	MembershipActive      MembershipStatus = "active"
	MembershipTransferred MembershipStatus = "transferred"
	MembershipPromoted    MembershipStatus = "promoted"
	MembershipRetained    MembershipStatus = "retained"
)

func (s MembershipStatus) Valid() bool {
	switch s {
	case MembershipActive, MembershipTransferred, MembershipPromoted, MembershipRetained:
		return true
	}
	return false
}

// EnrollmentRecord is one student's membership of one class. Records are
// never deleted; closed records form the class history. Seq numbers a
// student's records from 1 and orders records that share an entry date.
type EnrollmentRecord struct {
	ID        EnrollmentID     `json:"id"`
	StudentID StudentID        `json:"student_id"`
	ClassID   ClassID          `json:"class_id"`
	Status    MembershipStatus `json:"membership_status"`
	EntryDate Date             `json:"entry_date"`
	ExitDate  *Date            `json:"exit_date,omitempty"`
	Seq       int              `json:"seq"`
	CreatedAt time.Time        `json:"created_at"`
}

// =============================================================================
// DIRECTORY - Collaborator data the ledger only looks up
// =============================================================================

type StudentStatus string

const (
	StudentActive         StudentStatus = "active"
	StudentGraduated      StudentStatus = "graduated"
	StudentTransferredOut StudentStatus = "transferred_out"
)

type Student struct {
	ID       StudentID     `json:"id"`
	SchoolID SchoolID      `json:"school_id"`
	Name     string        `json:"name"`
	Status   StudentStatus `json:"status"`
}

type Class struct {
	ID       ClassID  `json:"id"`
	SchoolID SchoolID `json:"school_id"`
	Name     string   `json:"name"`
}
