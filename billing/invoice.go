package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

const maxLabelLength = 150

// NewInvoice is the input of CreateInvoice. Derived fields are absent on
// purpose: paid amount and status always start from reconciliation.
type NewInvoice struct {
	StudentID    ledger.StudentID
	Kind         ledger.Kind
	Label        string
	Description  string
	PeriodMonth  *int
	PeriodYear   *int
	IssuedDate   *ledger.Date // defaults to today
	DueDate      *ledger.Date
	TargetAmount decimal.Decimal
}

// InvoiceUpdate changes descriptive fields. Nil leaves a field untouched.
type InvoiceUpdate struct {
	Label        *string
	Description  *string
	DueDate      *ledger.Date
	TargetAmount *decimal.Decimal
}

// StatusOverride is an administrator's manual status change.
type StatusOverride struct {
	Status  ledger.InvoiceStatus
	ActorID string
	Reason  string
}

// InvoiceDetail is an invoice with the payments linked to it.
type InvoiceDetail struct {
	ledger.Invoice
	Outstanding decimal.Decimal  `json:"outstanding"`
	Payments    []ledger.Payment `json:"payments"`
}

func validatePeriod(v *ledger.ValidationError, month, year *int) {
	if month != nil && (*month < 1 || *month > 12) {
		v.Add("period_month", "must be between 1 and 12")
	}
	if year != nil && (*year < 2000 || *year > 2100) {
		v.Add("period_year", "must be between 2000 and 2100")
	}
	if (month == nil) != (year == nil) {
		v.Add("period", "month and year must be given together")
	}
}

func validateLabel(v *ledger.ValidationError, label string) {
	switch {
	case strings.TrimSpace(label) == "":
		v.Add("label", "is required")
	case len(label) > maxLabelLength:
		v.Add("label", fmt.Sprintf("must be at most %d characters", maxLabelLength))
	}
}

func checkAmount(field string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &ledger.InvariantError{
			Invariant: "non_negative_amount",
			Detail:    fmt.Sprintf("%s %s is negative", field, amount),
		}
	}
	return nil
}

func (n NewInvoice) validate() error {
	v := &ledger.ValidationError{}
	if n.StudentID == "" {
		v.Add("student_id", "is required")
	}
	if !n.Kind.Valid() {
		v.Add("kind", fmt.Sprintf("unknown kind %q", n.Kind))
	}
	validateLabel(v, n.Label)
	validatePeriod(v, n.PeriodMonth, n.PeriodYear)
	if err := v.OrNil(); err != nil {
		return err
	}
	return checkAmount("target_amount", n.TargetAmount)
}

// =============================================================================
// INVOICE STORE OPERATIONS
// =============================================================================

// CreateInvoice inserts an invoice for an existing student of the school.
// The initial status comes from reconciliation with no payments, so an
// invoice created past its due date starts overdue. A second tuition
// invoice for the same period fails with ErrAlreadyExists.
func (l *Ledger) CreateInvoice(ctx context.Context, school ledger.SchoolID, n NewInvoice) (ledger.Invoice, error) {
	if err := n.validate(); err != nil {
		return ledger.Invoice{}, err
	}

	var created ledger.Invoice
	err := l.store.WithTx(ctx, func(s ledger.Store) error {
		if _, err := s.GetStudent(ctx, school, n.StudentID); err != nil {
			return err
		}

		now := l.clock.Now()
		inv := ledger.Invoice{
			ID:           ledger.InvoiceID(ledger.NewID()),
			SchoolID:     school,
			StudentID:    n.StudentID,
			Kind:         n.Kind,
			Label:        strings.TrimSpace(n.Label),
			Description:  n.Description,
			PeriodMonth:  n.PeriodMonth,
			PeriodYear:   n.PeriodYear,
			IssuedDate:   l.clock.Today(),
			DueDate:      ledger.Given(n.DueDate),
			TargetAmount: ledger.RoundMoney(n.TargetAmount),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if ledger.Given(n.IssuedDate) != nil {
			inv.IssuedDate = *n.IssuedDate
		}
		inv = Reconcile(inv, nil, l.clock.Today())

		if err := s.InsertInvoice(ctx, inv); err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}
		created = inv
		return nil
	})
	if err != nil {
		return ledger.Invoice{}, err
	}

	l.log.Info("invoice created",
		zap.String("school", string(school)),
		zap.String("invoice", string(created.ID)),
		zap.String("kind", string(created.Kind)),
		zap.String("target", created.TargetAmount.String()),
	)
	return created, nil
}

// UpdateInvoice edits descriptive fields and re-runs reconciliation, since a
// new target or due date can change the status.
func (l *Ledger) UpdateInvoice(ctx context.Context, school ledger.SchoolID, id ledger.InvoiceID, u InvoiceUpdate) (ledger.Invoice, error) {
	v := &ledger.ValidationError{}
	if u.Label != nil {
		validateLabel(v, *u.Label)
	}
	if err := v.OrNil(); err != nil {
		return ledger.Invoice{}, err
	}
	if u.TargetAmount != nil {
		if err := checkAmount("target_amount", *u.TargetAmount); err != nil {
			return ledger.Invoice{}, err
		}
	}

	var updated ledger.Invoice
	err := l.store.WithTx(ctx, func(s ledger.Store) error {
		inv, err := s.LockInvoice(ctx, school, id)
		if err != nil {
			return err
		}
		if u.Label != nil {
			inv.Label = strings.TrimSpace(*u.Label)
		}
		if u.Description != nil {
			inv.Description = *u.Description
		}
		if u.DueDate != nil {
			if u.DueDate.IsZero() {
				inv.DueDate = nil
			} else {
				inv.DueDate = u.DueDate
			}
		}
		if u.TargetAmount != nil {
			inv.TargetAmount = ledger.RoundMoney(*u.TargetAmount)
		}
		inv.UpdatedAt = l.clock.Now()
		if err := s.UpdateInvoice(ctx, inv); err != nil {
			return fmt.Errorf("update invoice %s: %w", id, err)
		}

		updated, err = l.applyReconcile(ctx, s, inv)
		return err
	})
	return updated, err
}

// OverrideInvoiceStatus sets a status by hand. The paid amount is untouched;
// the next payment change on the invoice reconciles the status again.
//
//   - paid stamps the paid-on date if unset
//   - unpaid / partially_paid clear the paid-on date
//   - overdue on a fully covered invoice is coerced to paid
func (l *Ledger) OverrideInvoiceStatus(ctx context.Context, school ledger.SchoolID, id ledger.InvoiceID, o StatusOverride) (ledger.Invoice, error) {
	if !o.Status.Valid() {
		v := &ledger.ValidationError{}
		v.Add("status", fmt.Sprintf("unknown status %q", o.Status))
		return ledger.Invoice{}, v
	}

	var updated ledger.Invoice
	err := l.store.WithTx(ctx, func(s ledger.Store) error {
		inv, err := s.LockInvoice(ctx, school, id)
		if err != nil {
			return err
		}
		previous := inv.Status

		status := o.Status
		if status == ledger.InvoiceOverdue && inv.PaidAmount.GreaterThanOrEqual(inv.TargetAmount) {
			status = ledger.InvoicePaid
		}
		inv.Status = status
		switch status {
		case ledger.InvoicePaid:
			if inv.PaidOnDate == nil {
				inv.PaidOnDate = l.clock.Today().Ptr()
			}
		case ledger.InvoiceUnpaid, ledger.InvoicePartiallyPaid:
			inv.PaidOnDate = nil
		}
		inv.UpdatedAt = l.clock.Now()

		if err := s.UpdateInvoice(ctx, inv); err != nil {
			return fmt.Errorf("override status of invoice %s: %w", id, err)
		}
		if err := s.AppendAudit(ctx, ledger.AuditEntry{
			ID:        ledger.NewID(),
			SchoolID:  school,
			Timestamp: l.clock.Now(),
			ActorID:   o.ActorID,
			Action:    ledger.AuditInvoiceStatusOverride,
			Subject:   string(id),
			Payload: map[string]string{
				"from":   string(previous),
				"to":     string(status),
				"reason": o.Reason,
			},
		}); err != nil {
			return fmt.Errorf("audit status override: %w", err)
		}
		updated = inv
		return nil
	})
	if err != nil {
		return ledger.Invoice{}, err
	}

	l.log.Warn("invoice status overridden",
		zap.String("school", string(school)),
		zap.String("invoice", string(id)),
		zap.String("status", string(updated.Status)),
		zap.String("actor", o.ActorID),
	)
	return updated, nil
}

// RecomputeInvoice forces reconciliation, undoing a manual override.
func (l *Ledger) RecomputeInvoice(ctx context.Context, school ledger.SchoolID, id ledger.InvoiceID) (ledger.Invoice, error) {
	var out ledger.Invoice
	err := l.store.WithTx(ctx, func(s ledger.Store) error {
		inv, err := l.reconcileLocked(ctx, s, school, id)
		if err != nil {
			return err
		}
		out = inv
		return nil
	})
	return out, err
}

// GetInvoice returns the invoice with its linked payments, newest first.
// Both reads share one transaction so the paid amount matches the list.
func (l *Ledger) GetInvoice(ctx context.Context, school ledger.SchoolID, id ledger.InvoiceID) (InvoiceDetail, error) {
	var (
		inv      ledger.Invoice
		payments []ledger.Payment
	)
	err := l.store.WithTx(ctx, func(s ledger.Store) error {
		var err error
		if inv, err = s.GetInvoice(ctx, school, id); err != nil {
			return err
		}
		if payments, _, err = s.ListPayments(ctx, school, ledger.PaymentFilter{InvoiceID: &id}); err != nil {
			return fmt.Errorf("load payments of invoice %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return InvoiceDetail{}, err
	}
	if payments == nil {
		payments = []ledger.Payment{}
	}
	return InvoiceDetail{Invoice: inv, Outstanding: inv.Outstanding(), Payments: payments}, nil
}

// ListInvoices returns one page of the school's invoices ordered by due date
// (undated last) and the total number of matches.
func (l *Ledger) ListInvoices(ctx context.Context, school ledger.SchoolID, f ledger.InvoiceFilter) ([]ledger.Invoice, int, error) {
	return l.store.ListInvoices(ctx, school, f)
}

// DeleteInvoice removes an invoice. Its payments survive unlinked.
func (l *Ledger) DeleteInvoice(ctx context.Context, school ledger.SchoolID, id ledger.InvoiceID, actorID string) error {
	err := l.store.WithTx(ctx, func(s ledger.Store) error {
		inv, err := s.LockInvoice(ctx, school, id)
		if err != nil {
			return err
		}
		if err := s.DetachPayments(ctx, school, id); err != nil {
			return fmt.Errorf("detach payments of invoice %s: %w", id, err)
		}
		if err := s.DeleteInvoice(ctx, school, id); err != nil {
			return fmt.Errorf("delete invoice %s: %w", id, err)
		}
		return s.AppendAudit(ctx, ledger.AuditEntry{
			ID:        ledger.NewID(),
			SchoolID:  school,
			Timestamp: l.clock.Now(),
			ActorID:   actorID,
			Action:    ledger.AuditInvoiceDeleted,
			Subject:   string(id),
			Payload: map[string]string{
				"student": string(inv.StudentID),
				"kind":    string(inv.Kind),
				"label":   inv.Label,
				"paid":    inv.PaidAmount.String(),
			},
		})
	})
	if err != nil {
		return err
	}
	l.log.Info("invoice deleted", zap.String("school", string(school)), zap.String("invoice", string(id)))
	return nil
}

// RefreshOverdue reconciles every unpaid invoice of the school whose due date
// has passed, so stored statuses catch up with the calendar. It returns how
// many invoices changed.
func (l *Ledger) RefreshOverdue(ctx context.Context, school ledger.SchoolID) (int, error) {
	today := l.clock.Today()
	changed := 0
	err := l.store.WithTx(ctx, func(s ledger.Store) error {
		due, _, err := s.ListInvoices(ctx, school, ledger.InvoiceFilter{DueBefore: &today})
		if err != nil {
			return fmt.Errorf("list due invoices: %w", err)
		}
		for _, candidate := range due {
			if candidate.Status == ledger.InvoicePaid || candidate.Status == ledger.InvoiceOverdue {
				continue
			}
			inv, err := s.LockInvoice(ctx, school, candidate.ID)
			if err != nil {
				return err
			}
			next, err := l.applyReconcile(ctx, s, inv)
			if err != nil {
				return err
			}
			if next.Status != inv.Status {
				changed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		l.log.Info("overdue invoices refreshed", zap.String("school", string(school)), zap.Int("changed", changed))
	}
	return changed, nil
}
