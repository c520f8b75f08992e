// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one mutex. WithTx runs against
// a copy of the state and swaps it in only on success, so a failed
// transaction leaves nothing behind.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

var _ ledger.TxStore = (*Memory)(nil)

type memState struct {
	students    map[ledger.StudentID]ledger.Student
	classes     map[ledger.ClassID]ledger.Class
	invoices    map[ledger.InvoiceID]ledger.Invoice
	payments    map[ledger.PaymentID]ledger.Payment
	enrollments []ledger.EnrollmentRecord
	audit       []ledger.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		students: make(map[ledger.StudentID]ledger.Student),
		classes:  make(map[ledger.ClassID]ledger.Class),
		invoices: make(map[ledger.InvoiceID]ledger.Invoice),
		payments: make(map[ledger.PaymentID]ledger.Payment),
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		students:    make(map[ledger.StudentID]ledger.Student, len(s.students)),
		classes:     make(map[ledger.ClassID]ledger.Class, len(s.classes)),
		invoices:    make(map[ledger.InvoiceID]ledger.Invoice, len(s.invoices)),
		payments:    make(map[ledger.PaymentID]ledger.Payment, len(s.payments)),
		enrollments: append([]ledger.EnrollmentRecord(nil), s.enrollments...),
		audit:       append([]ledger.AuditEntry(nil), s.audit...),
	}
	for k, v := range s.students {
		c.students[k] = v
	}
	for k, v := range s.classes {
		c.classes[k] = v
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

// WithTx executes fn against a private copy and commits it if fn succeeds.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(work); err != nil {
		return err
	}
	m.state = work
	return nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (s *memState) SaveStudent(_ context.Context, st ledger.Student) error {
	if old, ok := s.students[st.ID]; ok && old.SchoolID != st.SchoolID {
		return fmt.Errorf("student %s: %w", st.ID, ledger.ErrAlreadyExists)
	}
	s.students[st.ID] = st
	return nil
}

func (s *memState) SaveClass(_ context.Context, c ledger.Class) error {
	if old, ok := s.classes[c.ID]; ok && old.SchoolID != c.SchoolID {
		return fmt.Errorf("class %s: %w", c.ID, ledger.ErrAlreadyExists)
	}
	s.classes[c.ID] = c
	return nil
}

func (s *memState) GetStudent(_ context.Context, school ledger.SchoolID, id ledger.StudentID) (ledger.Student, error) {
	st, ok := s.students[id]
	if !ok || st.SchoolID != school {
		return ledger.Student{}, ledger.NotFound("student", string(id))
	}
	return st, nil
}

func (s *memState) LockStudent(ctx context.Context, school ledger.SchoolID, id ledger.StudentID) (ledger.Student, error) {
	return s.GetStudent(ctx, school, id)
}

func (s *memState) ListStudents(_ context.Context, school ledger.SchoolID, filter ledger.StudentFilter) ([]ledger.Student, error) {
	var out []ledger.Student
	for _, st := range s.students {
		if st.SchoolID != school {
			continue
		}
		if filter.Status != nil && st.Status != *filter.Status {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memState) GetClass(_ context.Context, school ledger.SchoolID, id ledger.ClassID) (ledger.Class, error) {
	c, ok := s.classes[id]
	if !ok || c.SchoolID != school {
		return ledger.Class{}, ledger.NotFound("class", string(id))
	}
	return c, nil
}

func (s *memState) ListSchools(_ context.Context) ([]ledger.SchoolID, error) {
	seen := make(map[ledger.SchoolID]bool)
	var out []ledger.SchoolID
	for _, st := range s.students {
		if !seen[st.SchoolID] {
			seen[st.SchoolID] = true
			out = append(out, st.SchoolID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// =============================================================================
// INVOICES
// =============================================================================

func (s *memState) InsertInvoice(_ context.Context, inv ledger.Invoice) error {
	if _, exists := s.invoices[inv.ID]; exists {
		return ledger.ErrAlreadyExists
	}
	if inv.Kind == ledger.KindTuition && inv.PeriodMonth != nil && inv.PeriodYear != nil {
		key := ledger.PeriodKey{
			SchoolID: inv.SchoolID, StudentID: inv.StudentID, Kind: inv.Kind,
			Month: *inv.PeriodMonth, Year: *inv.PeriodYear,
		}
		if s.hasPeriod(key) {
			return ledger.ErrAlreadyExists
		}
	}
	s.invoices[inv.ID] = inv
	return nil
}

func (s *memState) UpdateInvoice(_ context.Context, inv ledger.Invoice) error {
	existing, ok := s.invoices[inv.ID]
	if !ok || existing.SchoolID != inv.SchoolID {
		return ledger.NotFound("invoice", string(inv.ID))
	}
	s.invoices[inv.ID] = inv
	return nil
}

func (s *memState) DeleteInvoice(_ context.Context, school ledger.SchoolID, id ledger.InvoiceID) error {
	existing, ok := s.invoices[id]
	if !ok || existing.SchoolID != school {
		return ledger.NotFound("invoice", string(id))
	}
	delete(s.invoices, id)
	return nil
}

func (s *memState) GetInvoice(_ context.Context, school ledger.SchoolID, id ledger.InvoiceID) (ledger.Invoice, error) {
	inv, ok := s.invoices[id]
	if !ok || inv.SchoolID != school {
		return ledger.Invoice{}, ledger.NotFound("invoice", string(id))
	}
	return inv, nil
}

func (s *memState) LockInvoice(ctx context.Context, school ledger.SchoolID, id ledger.InvoiceID) (ledger.Invoice, error) {
	return s.GetInvoice(ctx, school, id)
}

func (s *memState) ListInvoices(_ context.Context, school ledger.SchoolID, f ledger.InvoiceFilter) ([]ledger.Invoice, int, error) {
	var out []ledger.Invoice
	for _, inv := range s.invoices {
		if inv.SchoolID != school {
			continue
		}
		if f.Status != nil && inv.Status != *f.Status {
			continue
		}
		if f.Kind != nil && inv.Kind != *f.Kind {
			continue
		}
		if f.Month != nil && (inv.PeriodMonth == nil || *inv.PeriodMonth != *f.Month) {
			continue
		}
		if f.Year != nil && (inv.PeriodYear == nil || *inv.PeriodYear != *f.Year) {
			continue
		}
		if f.StudentID != nil && inv.StudentID != *f.StudentID {
			continue
		}
		if f.DueBefore != nil && (inv.DueDate == nil || !inv.DueDate.Before(*f.DueBefore)) {
			continue
		}
		out = append(out, inv)
	}
	// Due date ascending, undated last.
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.DueDate == nil && b.DueDate != nil:
			return false
		case a.DueDate != nil && b.DueDate == nil:
			return true
		case a.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
			return a.DueDate.Before(*b.DueDate)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	total := len(out)
	return window(out, f.Page), total, nil
}

func (s *memState) HasPeriodInvoice(_ context.Context, key ledger.PeriodKey) (bool, error) {
	return s.hasPeriod(key), nil
}

func (s *memState) hasPeriod(key ledger.PeriodKey) bool {
	for _, inv := range s.invoices {
		if inv.SchoolID == key.SchoolID && inv.StudentID == key.StudentID && inv.Kind == key.Kind &&
			inv.PeriodMonth != nil && *inv.PeriodMonth == key.Month &&
			inv.PeriodYear != nil && *inv.PeriodYear == key.Year {
			return true
		}
	}
	return false
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (s *memState) InsertPayment(_ context.Context, p ledger.Payment) error {
	if _, exists := s.payments[p.ID]; exists {
		return ledger.ErrAlreadyExists
	}
	s.payments[p.ID] = p
	return nil
}

func (s *memState) UpdatePayment(_ context.Context, p ledger.Payment) error {
	existing, ok := s.payments[p.ID]
	if !ok || existing.SchoolID != p.SchoolID {
		return ledger.NotFound("payment", string(p.ID))
	}
	s.payments[p.ID] = p
	return nil
}

func (s *memState) GetPayment(_ context.Context, school ledger.SchoolID, id ledger.PaymentID) (ledger.Payment, error) {
	p, ok := s.payments[id]
	if !ok || p.SchoolID != school {
		return ledger.Payment{}, ledger.NotFound("payment", string(id))
	}
	return p, nil
}

func (s *memState) ListPayments(_ context.Context, school ledger.SchoolID, f ledger.PaymentFilter) ([]ledger.Payment, int, error) {
	var out []ledger.Payment
	for _, p := range s.payments {
		if p.SchoolID != school {
			continue
		}
		if f.StudentID != nil && p.StudentID != *f.StudentID {
			continue
		}
		if f.InvoiceID != nil && !p.LinkedTo(*f.InvoiceID) {
			continue
		}
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		out = append(out, p)
	}
	// Newest first.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	total := len(out)
	return window(out, f.Page), total, nil
}

func (s *memState) DetachPayments(_ context.Context, school ledger.SchoolID, invoice ledger.InvoiceID) error {
	for id, p := range s.payments {
		if p.SchoolID == school && p.LinkedTo(invoice) {
			p.InvoiceID = nil
			s.payments[id] = p
		}
	}
	return nil
}

func (s *memState) SettledPayments(_ context.Context, school ledger.SchoolID) ([]ledger.ReportPayment, error) {
	var out []ledger.ReportPayment
	for _, p := range s.payments {
		if p.SchoolID != school || p.Status != ledger.PaymentSettled {
			continue
		}
		rp := ledger.ReportPayment{PaymentID: p.ID, Kind: p.Kind, Amount: p.Amount}
		if p.InvoiceID != nil {
			if inv, ok := s.invoices[*p.InvoiceID]; ok {
				kind := inv.Kind
				rp.Linked = true
				rp.InvoiceKind = &kind
				rp.PeriodMonth = inv.PeriodMonth
				rp.PeriodYear = inv.PeriodYear
			}
		}
		out = append(out, rp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentID < out[j].PaymentID })
	return out, nil
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func (s *memState) InsertEnrollment(_ context.Context, r ledger.EnrollmentRecord) error {
	if r.Status == ledger.MembershipActive && s.activeIndex(r.StudentID, "") >= 0 {
		return &ledger.InvariantError{
			Invariant: "single_active_enrollment",
			Detail:    "student " + string(r.StudentID) + " already has an active record",
		}
	}
	s.enrollments = append(s.enrollments, r)
	return nil
}

func (s *memState) UpdateEnrollment(_ context.Context, r ledger.EnrollmentRecord) error {
	for i := range s.enrollments {
		if s.enrollments[i].ID != r.ID {
			continue
		}
		if r.Status == ledger.MembershipActive && s.activeIndex(r.StudentID, r.ID) >= 0 {
			return &ledger.InvariantError{
				Invariant: "single_active_enrollment",
				Detail:    "student " + string(r.StudentID) + " already has an active record",
			}
		}
		s.enrollments[i] = r
		return nil
	}
	return ledger.NotFound("enrollment", string(r.ID))
}

func (s *memState) activeIndex(student ledger.StudentID, except ledger.EnrollmentID) int {
	for i, r := range s.enrollments {
		if r.StudentID == student && r.Status == ledger.MembershipActive && r.ID != except {
			return i
		}
	}
	return -1
}

func (s *memState) LockEnrollments(ctx context.Context, student ledger.StudentID) ([]ledger.EnrollmentRecord, error) {
	return s.ListEnrollments(ctx, ledger.EnrollmentFilter{StudentID: &student})
}

func (s *memState) ListEnrollments(_ context.Context, f ledger.EnrollmentFilter) ([]ledger.EnrollmentRecord, error) {
	var out []ledger.EnrollmentRecord
	for _, r := range s.enrollments {
		if f.StudentID != nil && r.StudentID != *f.StudentID {
			continue
		}
		if f.ClassID != nil && r.ClassID != *f.ClassID {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.EntryDate.Equal(b.EntryDate) {
			return a.EntryDate.Before(b.EntryDate)
		}
		return a.Seq < b.Seq
	})
	return out, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *memState) AppendAudit(_ context.Context, e ledger.AuditEntry) error {
	s.audit = append(s.audit, e)
	return nil
}

func (s *memState) QueryAudit(_ context.Context, school ledger.SchoolID, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	var out []ledger.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if e.SchoolID != school {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// LOCKED ACCESSORS - Memory outside of WithTx
// =============================================================================

func (m *Memory) SaveStudent(ctx context.Context, st ledger.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveStudent(ctx, st)
}

func (m *Memory) SaveClass(ctx context.Context, c ledger.Class) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveClass(ctx, c)
}

func (m *Memory) GetStudent(ctx context.Context, school ledger.SchoolID, id ledger.StudentID) (ledger.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetStudent(ctx, school, id)
}

func (m *Memory) LockStudent(ctx context.Context, school ledger.SchoolID, id ledger.StudentID) (ledger.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LockStudent(ctx, school, id)
}

func (m *Memory) ListStudents(ctx context.Context, school ledger.SchoolID, f ledger.StudentFilter) ([]ledger.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListStudents(ctx, school, f)
}

func (m *Memory) GetClass(ctx context.Context, school ledger.SchoolID, id ledger.ClassID) (ledger.Class, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetClass(ctx, school, id)
}

func (m *Memory) ListSchools(ctx context.Context) ([]ledger.SchoolID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListSchools(ctx)
}

func (m *Memory) InsertInvoice(ctx context.Context, inv ledger.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertInvoice(ctx, inv)
}

func (m *Memory) UpdateInvoice(ctx context.Context, inv ledger.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateInvoice(ctx, inv)
}

func (m *Memory) DeleteInvoice(ctx context.Context, school ledger.SchoolID, id ledger.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DeleteInvoice(ctx, school, id)
}

func (m *Memory) GetInvoice(ctx context.Context, school ledger.SchoolID, id ledger.InvoiceID) (ledger.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetInvoice(ctx, school, id)
}

func (m *Memory) LockInvoice(ctx context.Context, school ledger.SchoolID, id ledger.InvoiceID) (ledger.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LockInvoice(ctx, school, id)
}

func (m *Memory) ListInvoices(ctx context.Context, school ledger.SchoolID, f ledger.InvoiceFilter) ([]ledger.Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListInvoices(ctx, school, f)
}

func (m *Memory) HasPeriodInvoice(ctx context.Context, key ledger.PeriodKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.HasPeriodInvoice(ctx, key)
}

func (m *Memory) InsertPayment(ctx context.Context, p ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertPayment(ctx, p)
}

func (m *Memory) UpdatePayment(ctx context.Context, p ledger.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdatePayment(ctx, p)
}

func (m *Memory) GetPayment(ctx context.Context, school ledger.SchoolID, id ledger.PaymentID) (ledger.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.GetPayment(ctx, school, id)
}

func (m *Memory) ListPayments(ctx context.Context, school ledger.SchoolID, f ledger.PaymentFilter) ([]ledger.Payment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListPayments(ctx, school, f)
}

func (m *Memory) DetachPayments(ctx context.Context, school ledger.SchoolID, invoice ledger.InvoiceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.DetachPayments(ctx, school, invoice)
}

func (m *Memory) SettledPayments(ctx context.Context, school ledger.SchoolID) ([]ledger.ReportPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SettledPayments(ctx, school)
}

func (m *Memory) InsertEnrollment(ctx context.Context, r ledger.EnrollmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.InsertEnrollment(ctx, r)
}

func (m *Memory) UpdateEnrollment(ctx context.Context, r ledger.EnrollmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateEnrollment(ctx, r)
}

func (m *Memory) LockEnrollments(ctx context.Context, student ledger.StudentID) ([]ledger.EnrollmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LockEnrollments(ctx, student)
}

func (m *Memory) ListEnrollments(ctx context.Context, f ledger.EnrollmentFilter) ([]ledger.EnrollmentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.ListEnrollments(ctx, f)
}

func (m *Memory) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendAudit(ctx, e)
}

func (m *Memory) QueryAudit(ctx context.Context, school ledger.SchoolID, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.QueryAudit(ctx, school, f)
}

func window[T any](items []T, p ledger.Page) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	items = items[p.Offset:]
	if p.Limit > 0 && p.Limit < len(items) {
		items = items[:p.Limit]
	}
	return items
}
