package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// RECONCILIATION ENGINE
// =============================================================================

// Reconcile derives an invoice's paid amount, status and paid-on date from
// its payments as of today. It is pure: the result depends only on the
// arguments, the order of payments is irrelevant, and reconciling the result
// again with the same payments returns it unchanged.
//
//  1. paid = sum of settled payments linked to the invoice
//  2. paid >= target          -> paid (paid-on date stamped once, overpayment kept)
//  3. 0 < paid < target       -> partially_paid
//  4. otherwise               -> unpaid
//  5. not paid and due < today -> overdue
func Reconcile(inv ledger.Invoice, payments []ledger.Payment, today ledger.Date) ledger.Invoice {
	paid := decimal.Zero
	for _, p := range payments {
		if p.Status == ledger.PaymentSettled && p.LinkedTo(inv.ID) {
			paid = paid.Add(p.Amount)
		}
	}

	out := inv
	out.PaidAmount = ledger.RoundMoney(paid)
	switch {
	case paid.GreaterThanOrEqual(inv.TargetAmount):
		out.Status = ledger.InvoicePaid
		if out.PaidOnDate == nil {
			out.PaidOnDate = today.Ptr()
		}
	case paid.IsPositive():
		out.Status = ledger.InvoicePartiallyPaid
		out.PaidOnDate = nil
	default:
		out.Status = ledger.InvoiceUnpaid
		out.PaidOnDate = nil
	}

	if out.Status != ledger.InvoicePaid && ledger.Given(out.DueDate) != nil && out.DueDate.Before(today) {
		out.Status = ledger.InvoiceOverdue
	}
	return out
}

// derivedEqual compares only the fields Reconcile owns.
func derivedEqual(a, b ledger.Invoice) bool {
	if !a.PaidAmount.Equal(b.PaidAmount) || a.Status != b.Status {
		return false
	}
	if (a.PaidOnDate == nil) != (b.PaidOnDate == nil) {
		return false
	}
	return a.PaidOnDate == nil || a.PaidOnDate.Equal(*b.PaidOnDate)
}

// reconcileLocked locks the invoice, re-derives its state from the linked
// payments and persists it if anything changed. It must run inside the
// transaction of the write that triggered it.
func (l *Ledger) reconcileLocked(ctx context.Context, s ledger.Store, school ledger.SchoolID, id ledger.InvoiceID) (ledger.Invoice, error) {
	inv, err := s.LockInvoice(ctx, school, id)
	if errors.Is(err, ledger.ErrNotFound) {
		// A payment pointing at a missing invoice is a caller bug, not a
		// business error.
		return ledger.Invoice{}, &ledger.InvariantError{
			Invariant: "linked_invoice_exists",
			Detail:    fmt.Sprintf("invoice %s referenced by a payment does not exist", id),
		}
	}
	if err != nil {
		return ledger.Invoice{}, err
	}
	return l.applyReconcile(ctx, s, inv)
}

// applyReconcile recomputes an invoice that is already locked.
func (l *Ledger) applyReconcile(ctx context.Context, s ledger.Store, inv ledger.Invoice) (ledger.Invoice, error) {
	payments, _, err := s.ListPayments(ctx, inv.SchoolID, ledger.PaymentFilter{InvoiceID: &inv.ID})
	if err != nil {
		return ledger.Invoice{}, fmt.Errorf("load payments of invoice %s: %w", inv.ID, err)
	}

	next := Reconcile(inv, payments, l.clock.Today())
	if derivedEqual(inv, next) {
		return inv, nil
	}
	next.UpdatedAt = l.clock.Now()
	if err := s.UpdateInvoice(ctx, next); err != nil {
		return ledger.Invoice{}, fmt.Errorf("save reconciled invoice %s: %w", inv.ID, err)
	}

	l.log.Debug("invoice reconciled",
		zap.String("invoice", string(inv.ID)),
		zap.String("from", string(inv.Status)),
		zap.String("to", string(next.Status)),
		zap.String("paid", next.PaidAmount.String()),
	)
	return next, nil
}
