/*
store.go - Persistence interfaces for invoices, payments, enrollments

PURPOSE:
  Defines the boundary between the ledger logic (billing, enrollment) and
  the database. Implementations must be ACID-transactional: every mutating
  ledger operation runs inside exactly one WithTx call.

KEY INTERFACES:
  Directory:       student/class lookups (collaborator data)
  InvoiceStore:    invoice rows, including the row lock used by reconciliation
  PaymentStore:    payment rows and the settled-payment report feed
  EnrollmentStore: enrollment history with per-student row locking
  AuditLog:        append-only record of manual and batch actions
  TxStore:         all of the above plus WithTx

TENANT ISOLATION:
  Every read and write of an owned row takes the SchoolID. A row owned by a
  different school is reported as ErrNotFound, never returned.

LOCKING:
  Lock* methods read a row and hold a write lock on it until the enclosing
  transaction ends (SELECT ... FOR UPDATE on PostgreSQL). Outside WithTx they
  behave like plain reads.

IMPLEMENTATIONS:
  - store/sqlstore: SQLite (dev/tests) and PostgreSQL (production) through sqlx
  - ledger/store: in-memory, for unit tests

SEE ALSO:
  - billing/ledger.go, enrollment/ledger.go: the callers
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FILTERS
// =============================================================================

// Page selects a window of a list. Limit 0 means "everything".
type Page struct {
	Limit  int
	Offset int
}

type StudentFilter struct {
	Status *StudentStatus
}

type InvoiceFilter struct {
	Status    *InvoiceStatus
	Kind      *Kind
	Month     *int
	Year      *int
	StudentID *StudentID
	DueBefore *Date // strictly before
	Page
}

type PaymentFilter struct {
	StudentID *StudentID
	InvoiceID *InvoiceID
	Status    *PaymentStatus
	Page
}

type EnrollmentFilter struct {
	StudentID *StudentID
	ClassID   *ClassID
	Status    *MembershipStatus
}

// PeriodKey identifies a recurring charge for deduplication.
type PeriodKey struct {
	SchoolID  SchoolID
	StudentID StudentID
	Kind      Kind
	Month     int
	Year      int
}

// ReportPayment is a settled payment joined with its invoice's period and kind.
// Invoice fields are nil for unlinked payments.
type ReportPayment struct {
	PaymentID   PaymentID
	Kind        Kind
	Amount      decimal.Decimal
	Linked      bool
	InvoiceKind *Kind
	PeriodMonth *int
	PeriodYear  *int
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

type Directory interface {
	// SaveStudent and SaveClass upsert by id. An id owned by another school
	// returns ErrAlreadyExists.
	SaveStudent(ctx context.Context, s Student) error
	SaveClass(ctx context.Context, c Class) error
	GetStudent(ctx context.Context, school SchoolID, id StudentID) (Student, error)
	// LockStudent serializes enrollment changes for one student.
	LockStudent(ctx context.Context, school SchoolID, id StudentID) (Student, error)
	ListStudents(ctx context.Context, school SchoolID, filter StudentFilter) ([]Student, error)
	GetClass(ctx context.Context, school SchoolID, id ClassID) (Class, error)
	ListSchools(ctx context.Context) ([]SchoolID, error)
}

type InvoiceStore interface {
	// InsertInvoice returns ErrAlreadyExists when the tuition period is taken.
	InsertInvoice(ctx context.Context, inv Invoice) error
	UpdateInvoice(ctx context.Context, inv Invoice) error
	DeleteInvoice(ctx context.Context, school SchoolID, id InvoiceID) error
	GetInvoice(ctx context.Context, school SchoolID, id InvoiceID) (Invoice, error)
	LockInvoice(ctx context.Context, school SchoolID, id InvoiceID) (Invoice, error)
	ListInvoices(ctx context.Context, school SchoolID, filter InvoiceFilter) ([]Invoice, int, error)
	HasPeriodInvoice(ctx context.Context, key PeriodKey) (bool, error)
}

type PaymentStore interface {
	InsertPayment(ctx context.Context, p Payment) error
	UpdatePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, school SchoolID, id PaymentID) (Payment, error)
	ListPayments(ctx context.Context, school SchoolID, filter PaymentFilter) ([]Payment, int, error)
	// DetachPayments nulls invoice_id on every payment of the invoice.
	DetachPayments(ctx context.Context, school SchoolID, invoice InvoiceID) error
	SettledPayments(ctx context.Context, school SchoolID) ([]ReportPayment, error)
}

type EnrollmentStore interface {
	InsertEnrollment(ctx context.Context, r EnrollmentRecord) error
	UpdateEnrollment(ctx context.Context, r EnrollmentRecord) error
	// LockEnrollments returns the student's records oldest first, locked.
	LockEnrollments(ctx context.Context, student StudentID) ([]EnrollmentRecord, error)
	ListEnrollments(ctx context.Context, filter EnrollmentFilter) ([]EnrollmentRecord, error)
}

// Store is everything a ledger operation may touch.
type Store interface {
	Directory
	InvoiceStore
	PaymentStore
	EnrollmentStore
	AuditLog
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AUDIT LOG - Separate from the ledger, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditInvoiceStatusOverride AuditAction = "invoice_status_override"
	AuditInvoiceDeleted        AuditAction = "invoice_deleted"
	AuditTuitionGenerated      AuditAction = "tuition_generated"
	AuditEnrollmentTransferred AuditAction = "enrollment_transferred"
	AuditEnrollmentConcluded   AuditAction = "enrollment_concluded"
)

// AuditEntry records who did what when.
type AuditEntry struct {
	ID        string            `json:"id"`
	SchoolID  SchoolID          `json:"school_id"`
	Timestamp time.Time         `json:"timestamp"`
	ActorID   string            `json:"actor_id,omitempty"`
	Action    AuditAction       `json:"action"`
	Subject   string            `json:"subject"` // id of the affected row or batch
	Payload   map[string]string `json:"payload,omitempty"`
}

type AuditFilter struct {
	Action *AuditAction
	Limit  int
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, school SchoolID, filter AuditFilter) ([]AuditEntry, error)
}
