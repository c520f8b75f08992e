/*
handlers.go - HTTP API handlers for the school billing and enrollment ledger

PURPOSE:
  Exposes the billing and enrollment ledgers via REST API. Handles HTTP
  request/response, JSON serialization and validation, and delegates to the
  ledger packages. No ledger rule lives here.

ENDPOINTS:
  Directory:
    POST   /api/students                    Save student
    GET    /api/students                    List students (?status=)
    POST   /api/classes                     Save class
    GET    /api/classes/{id}/students       Active members of a class

  Enrollment:
    GET    /api/students/{id}/enrollments   Class history
    PUT    /api/students/{id}/class         Assign (transfer) to a class
    POST   /api/students/{id}/conclude      Close the year: promoted/retained

  Invoices:
    POST   /api/invoices                    Create invoice
    GET    /api/invoices                    List (?status=&kind=&month=&year=&student_id=&page=&limit=)
    POST   /api/invoices/tuition            Generate monthly tuition
    GET    /api/invoices/{id}               Invoice with its payments
    PUT    /api/invoices/{id}               Update descriptive fields
    PUT    /api/invoices/{id}/status        Manual status override (audited)
    POST   /api/invoices/{id}/recompute     Re-derive paid amount and status
    DELETE /api/invoices/{id}               Delete, detaching payments

  Payments:
    POST   /api/payments                    Record payment
    GET    /api/payments                    List (?student_id=&invoice_id=&status=&page=&limit=)
    GET    /api/payments/{id}               Get payment
    PUT    /api/payments/{id}/status        Move through pending/settled/overdue

  Reports and admin:
    GET    /api/reports/summary             Totals (?kind=&month=&year=)
    POST   /api/admin/refresh-overdue       Re-derive overdue statuses now
    GET    /api/audit                       Audit entries (?action=&limit=)

TENANCY:
  Every /api route except /api/scenarios requires the X-School-ID header.
  X-Actor-ID is optional and ends up in audit entries.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, failed validation, invalid input
  - 404: Resource not found (or owned by another school)
  - 409: Duplicate tuition period, invariant violation
  - 422: Payment cannot be linked to the invoice
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The school header is trusted; put the API behind a
  gateway that sets it.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - ledger/errors.go: Error kinds
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/school-ledger/billing"
	"github.com/warp/school-ledger/enrollment"
	"github.com/warp/school-ledger/ledger"
)

const (
	HeaderSchoolID = "X-School-ID"
	HeaderActorID  = "X-Actor-ID"

	defaultPageLimit = 20
	maxPageLimit     = 100
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      ledger.TxStore
	Billing    *billing.Ledger
	Enrollment *enrollment.Ledger
	Clock      ledger.Clock

	log      *zap.Logger
	validate *validator.Validate
}

// NewHandler creates a handler over one store. Both ledgers share it.
func NewHandler(store ledger.TxStore, clock ledger.Clock, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Store:      store,
		Billing:    billing.NewLedger(store, clock, log),
		Enrollment: enrollment.NewLedger(store, clock, log),
		Clock:      clock,
		log:        log.Named("api"),
		validate:   newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// Amounts are compared as numbers (gte=0).
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		d, ok := f.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}
		return d.InexactFloat64()
	}, decimal.Decimal{})
	return v
}

// =============================================================================
// DIRECTORY HANDLERS
// =============================================================================

// SaveStudent creates or replaces a student of the calling school.
// POST /api/students
func (h *Handler) SaveStudent(w http.ResponseWriter, r *http.Request) {
	var req StudentRequest
	if !h.decode(w, r, &req) {
		return
	}

	st := ledger.Student{
		ID:       req.ID,
		SchoolID: schoolFrom(r),
		Name:     strings.TrimSpace(req.Name),
		Status:   req.Status,
	}
	if st.ID == "" {
		st.ID = ledger.StudentID(ledger.NewID())
	}
	if st.Status == "" {
		st.Status = ledger.StudentActive
	}
	if err := h.Store.SaveStudent(r.Context(), st); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// ListStudents returns the students of the calling school.
// GET /api/students
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	var f ledger.StudentFilter
	if s := r.URL.Query().Get("status"); s != "" {
		status := ledger.StudentStatus(s)
		f.Status = &status
	}

	students, err := h.Store.ListStudents(r.Context(), schoolFrom(r), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if students == nil {
		students = []ledger.Student{}
	}
	writeJSON(w, http.StatusOK, students)
}

// SaveClass creates or replaces a class of the calling school.
// POST /api/classes
func (h *Handler) SaveClass(w http.ResponseWriter, r *http.Request) {
	var req ClassRequest
	if !h.decode(w, r, &req) {
		return
	}

	c := ledger.Class{ID: req.ID, SchoolID: schoolFrom(r), Name: strings.TrimSpace(req.Name)}
	if c.ID == "" {
		c.ID = ledger.ClassID(ledger.NewID())
	}
	if err := h.Store.SaveClass(r.Context(), c); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ClassMembers returns the ids of the students actively enrolled in a class.
// GET /api/classes/{id}/students
func (h *Handler) ClassMembers(w http.ResponseWriter, r *http.Request) {
	class := ledger.ClassID(chi.URLParam(r, "id"))

	ids, err := h.Enrollment.ActiveStudents(r.Context(), schoolFrom(r), class)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// =============================================================================
// ENROLLMENT HANDLERS
// =============================================================================

// EnrollmentHistory returns a student's records, oldest first.
// GET /api/students/{id}/enrollments
func (h *Handler) EnrollmentHistory(w http.ResponseWriter, r *http.Request) {
	student := ledger.StudentID(chi.URLParam(r, "id"))

	history, err := h.Enrollment.History(r.Context(), schoolFrom(r), student)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// AssignClass moves a student into a class, closing the previous record.
// PUT /api/students/{id}/class
func (h *Handler) AssignClass(w http.ResponseWriter, r *http.Request) {
	student := ledger.StudentID(chi.URLParam(r, "id"))
	var req AssignClassRequest
	if !h.decode(w, r, &req) {
		return
	}

	rec, err := h.Enrollment.Assign(r.Context(), schoolFrom(r), student, req.ClassID, actorFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ConcludeYear closes the active record as promoted or retained.
// POST /api/students/{id}/conclude
func (h *Handler) ConcludeYear(w http.ResponseWriter, r *http.Request) {
	student := ledger.StudentID(chi.URLParam(r, "id"))
	var req ConcludeRequest
	if !h.decode(w, r, &req) {
		return
	}

	next, err := h.Enrollment.Conclude(r.Context(), schoolFrom(r), student, req.outcome(actorFrom(r)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	// next is nil when the student left the school.
	writeJSON(w, http.StatusOK, next)
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// CreateInvoice creates one invoice.
// POST /api/invoices
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	inv, err := h.Billing.CreateInvoice(r.Context(), schoolFrom(r), req.newInvoice())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// ListInvoices returns one page of invoices, earliest due first.
// GET /api/invoices
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v := &ledger.ValidationError{}
	page := parsePage(q, v)
	f := ledger.InvoiceFilter{
		Month: queryInt(q, "month", v),
		Year:  queryInt(q, "year", v),
		Page:  page.window(),
	}
	if s := q.Get("status"); s != "" {
		status := ledger.InvoiceStatus(s)
		if !status.Valid() {
			v.Add("status", fmt.Sprintf("unknown status %q", s))
		}
		f.Status = &status
	}
	if k := q.Get("kind"); k != "" {
		kind := ledger.Kind(k)
		if !kind.Valid() {
			v.Add("kind", fmt.Sprintf("unknown kind %q", k))
		}
		f.Kind = &kind
	}
	if id := q.Get("student_id"); id != "" {
		student := ledger.StudentID(id)
		f.StudentID = &student
	}
	if err := v.OrNil(); err != nil {
		h.fail(w, r, err)
		return
	}

	invoices, total, err := h.Billing.ListInvoices(r.Context(), schoolFrom(r), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, respond(page, invoices, total))
}

// GetInvoice returns an invoice with its payments and outstanding amount.
// GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Billing.GetInvoice(r.Context(), schoolFrom(r), invoiceParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// UpdateInvoice changes label, description, due date or target amount.
// PUT /api/invoices/{id}
func (h *Handler) UpdateInvoice(w http.ResponseWriter, r *http.Request) {
	var req UpdateInvoiceRequest
	if !h.decode(w, r, &req) {
		return
	}

	inv, err := h.Billing.UpdateInvoice(r.Context(), schoolFrom(r), invoiceParam(r), req.update())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// OverrideInvoiceStatus sets a status by hand. The next recompute replaces it.
// PUT /api/invoices/{id}/status
func (h *Handler) OverrideInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	var req OverrideStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	inv, err := h.Billing.OverrideInvoiceStatus(r.Context(), schoolFrom(r), invoiceParam(r), billing.StatusOverride{
		Status:  req.Status,
		ActorID: actorFrom(r),
		Reason:  req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// RecomputeInvoice re-derives paid amount and status from the payments.
// POST /api/invoices/{id}/recompute
func (h *Handler) RecomputeInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Billing.RecomputeInvoice(r.Context(), schoolFrom(r), invoiceParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// DeleteInvoice removes an invoice. Its payments stay, unlinked.
// DELETE /api/invoices/{id}
func (h *Handler) DeleteInvoice(w http.ResponseWriter, r *http.Request) {
	if err := h.Billing.DeleteInvoice(r.Context(), schoolFrom(r), invoiceParam(r), actorFrom(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GenerateTuition creates the monthly tuition invoices of a period.
// Running it again for the same period creates nothing.
// POST /api/invoices/tuition
func (h *Handler) GenerateTuition(w http.ResponseWriter, r *http.Request) {
	var req GenerateTuitionRequest
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.Billing.GenerateTuition(r.Context(), schoolFrom(r), req.tuition(actorFrom(r)))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if len(created) == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, GenerateTuitionResponse{Created: len(created), Invoices: created})
}

func invoiceParam(r *http.Request) ledger.InvoiceID {
	return ledger.InvoiceID(chi.URLParam(r, "id"))
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RecordPayment records a payment and reconciles its invoice.
// POST /api/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.Billing.RecordPayment(r.Context(), schoolFrom(r), req.newPayment())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ListPayments returns one page of payments, newest first.
// GET /api/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v := &ledger.ValidationError{}
	page := parsePage(q, v)
	f := ledger.PaymentFilter{Page: page.window()}
	if id := q.Get("student_id"); id != "" {
		student := ledger.StudentID(id)
		f.StudentID = &student
	}
	if id := q.Get("invoice_id"); id != "" {
		invoice := ledger.InvoiceID(id)
		f.InvoiceID = &invoice
	}
	if s := q.Get("status"); s != "" {
		status := ledger.PaymentStatus(s)
		if !status.Valid() {
			v.Add("status", fmt.Sprintf("unknown status %q", s))
		}
		f.Status = &status
	}
	if err := v.OrNil(); err != nil {
		h.fail(w, r, err)
		return
	}

	payments, total, err := h.Billing.ListPayments(r.Context(), schoolFrom(r), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, respond(page, payments, total))
}

// GetPayment returns one payment.
// GET /api/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Billing.GetPayment(r.Context(), schoolFrom(r), ledger.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdatePaymentStatus changes a payment's status and reconciles its invoice.
// PUT /api/payments/{id}/status
func (h *Handler) UpdatePaymentStatus(w http.ResponseWriter, r *http.Request) {
	var req PaymentStatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	p, err := h.Billing.UpdatePaymentStatus(r.Context(), schoolFrom(r), ledger.PaymentID(chi.URLParam(r, "id")), req.update())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// =============================================================================
// REPORT & ADMIN HANDLERS
// =============================================================================

// Summary returns billed, collected and outstanding totals.
// GET /api/reports/summary
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v := &ledger.ValidationError{}
	f := billing.ReportFilter{
		Month: queryInt(q, "month", v),
		Year:  queryInt(q, "year", v),
	}
	if k := q.Get("kind"); k != "" {
		kind := ledger.Kind(k)
		if !kind.Valid() {
			v.Add("kind", fmt.Sprintf("unknown kind %q", k))
		}
		f.Kind = &kind
	}
	if err := v.OrNil(); err != nil {
		h.fail(w, r, err)
		return
	}

	report, err := h.Billing.Summary(r.Context(), schoolFrom(r), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RefreshOverdue marks the calling school's past-due invoices overdue.
// POST /api/admin/refresh-overdue
func (h *Handler) RefreshOverdue(w http.ResponseWriter, r *http.Request) {
	n, err := h.Billing.RefreshOverdue(r.Context(), schoolFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshOverdueResponse{Updated: n})
}

// ListAudit returns the school's audit entries, newest first.
// GET /api/audit
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v := &ledger.ValidationError{}
	f := ledger.AuditFilter{Limit: maxPageLimit}
	if a := q.Get("action"); a != "" {
		action := ledger.AuditAction(a)
		f.Action = &action
	}
	if n := queryInt(q, "limit", v); n != nil {
		if *n < 1 || *n > maxPageLimit {
			v.Add("limit", fmt.Sprintf("must be between 1 and %d", maxPageLimit))
		}
		f.Limit = *n
	}
	if err := v.OrNil(); err != nil {
		h.fail(w, r, err)
		return
	}

	entries, err := h.Store.QueryAudit(r.Context(), schoolFrom(r), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Health reports liveness and, when the store can tell, database reachability.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PAGINATION
// =============================================================================

type pageParams struct {
	page  int
	limit int
}

func parsePage(q url.Values, v *ledger.ValidationError) pageParams {
	p := pageParams{page: 1, limit: defaultPageLimit}
	if n := queryInt(q, "page", v); n != nil {
		if *n < 1 {
			v.Add("page", "must be at least 1")
		} else {
			p.page = *n
		}
	}
	if n := queryInt(q, "limit", v); n != nil {
		if *n < 1 || *n > maxPageLimit {
			v.Add("limit", fmt.Sprintf("must be between 1 and %d", maxPageLimit))
		} else {
			p.limit = *n
		}
	}
	return p
}

func (p pageParams) window() ledger.Page {
	return ledger.Page{Limit: p.limit, Offset: (p.page - 1) * p.limit}
}

func respond[T any](p pageParams, items []T, total int) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{
		Data: items,
		Meta: PageMeta{
			Page:       p.page,
			Limit:      p.limit,
			Total:      total,
			TotalPages: (total + p.limit - 1) / p.limit,
		},
	}
}

// =============================================================================
// REQUEST HELPERS
// =============================================================================

// queryInt parses an optional integer query parameter.
func queryInt(q url.Values, key string, v *ledger.ValidationError) *int {
	s := q.Get(key)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		v.Add(key, "must be an integer")
		return nil
	}
	return &n
}

// decode reads a JSON body into dst and validates it. On failure it writes
// the 400 response and returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		var fields validator.ValidationErrors
		if !errors.As(err, &fields) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
		v := &ledger.ValidationError{}
		for _, fe := range fields {
			v.Add(fe.Field(), describe(fe))
		}
		h.fail(w, r, v)
		return false
	}
	return true
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min", "gte":
		return "must be at least " + fe.Param()
	case "max", "lte":
		return "must be at most " + fe.Param()
	}
	return "failed " + fe.Tag()
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// fail maps a ledger error to its HTTP status. Unknown errors are logged
// and reported as 500 without details.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *ledger.ValidationError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid input", Details: err.Error(), Fields: invalid.Fields})
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrInvalidLink):
		writeError(w, http.StatusUnprocessableEntity, "Invalid payment link", err)
	case errors.Is(err, ledger.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "Already exists", err)
	case errors.Is(err, ledger.ErrInvariantViolation):
		writeError(w, http.StatusConflict, "Conflict", err)
	case errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "Invalid input", err)
	default:
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
