package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/school-ledger/ledger"
)

// NewPayment is the input of RecordPayment.
type NewPayment struct {
	StudentID      ledger.StudentID
	InvoiceID      *ledger.InvoiceID
	Kind           ledger.Kind
	Amount         decimal.Decimal
	DueDate        *ledger.Date // inherited from the invoice when nil
	PaidDate       *ledger.Date // defaults to today when created settled
	Status         ledger.PaymentStatus
	Method         string
	ProofReference string
	Note           string
}

// StatusUpdate moves a payment through its lifecycle. Optional fields
// overwrite the stored value when set.
type StatusUpdate struct {
	Status         ledger.PaymentStatus
	PaidDate       *ledger.Date
	ProofReference *string
	Note           *string
	Method         *string
}

func (n NewPayment) validate() error {
	v := &ledger.ValidationError{}
	if n.StudentID == "" {
		v.Add("student_id", "is required")
	}
	if !n.Kind.Valid() {
		v.Add("kind", fmt.Sprintf("unknown kind %q", n.Kind))
	}
	if n.Status != "" && !n.Status.Valid() {
		v.Add("status", fmt.Sprintf("unknown status %q", n.Status))
	}
	if err := v.OrNil(); err != nil {
		return err
	}
	return checkAmount("amount", n.Amount)
}

// checkLink enforces the rules for attaching a payment to an invoice.
func checkLink(inv ledger.Invoice, student ledger.StudentID, kind ledger.Kind) error {
	switch {
	case inv.StudentID != student:
		return &ledger.InvalidLinkError{InvoiceID: inv.ID, Reason: "invoice belongs to another student"}
	case inv.Kind != kind:
		return &ledger.InvalidLinkError{
			InvoiceID: inv.ID,
			Reason:    fmt.Sprintf("payment kind %s does not match invoice kind %s", kind, inv.Kind),
		}
	case inv.Status == ledger.InvoicePaid:
		return &ledger.InvalidLinkError{InvoiceID: inv.ID, Reason: "invoice is already paid"}
	}
	return nil
}

// RecordPayment creates a payment and, when it is linked, reconciles the
// invoice in the same transaction. A link to an invoice of another student,
// of another kind, or already paid fails with ErrInvalidLink.
func (l *Ledger) RecordPayment(ctx context.Context, school ledger.SchoolID, n NewPayment) (ledger.Payment, error) {
	if err := n.validate(); err != nil {
		return ledger.Payment{}, err
	}

	var recorded ledger.Payment
	err := l.store.WithTx(ctx, func(s ledger.Store) error {
		if _, err := s.GetStudent(ctx, school, n.StudentID); err != nil {
			return err
		}

		p := ledger.Payment{
			ID:             ledger.PaymentID(ledger.NewID()),
			SchoolID:       school,
			StudentID:      n.StudentID,
			InvoiceID:      n.InvoiceID,
			Kind:           n.Kind,
			Amount:         ledger.RoundMoney(n.Amount),
			DueDate:        ledger.Given(n.DueDate),
			PaidDate:       ledger.Given(n.PaidDate),
			Status:         n.Status,
			Method:         strings.TrimSpace(n.Method),
			ProofReference: n.ProofReference,
			Note:           n.Note,
			CreatedAt:      l.clock.Now(),
		}
		if p.Status == "" {
			p.Status = ledger.PaymentPending
		}
		if p.Status == ledger.PaymentSettled && p.PaidDate == nil {
			p.PaidDate = l.clock.Today().Ptr()
		}

		if n.InvoiceID != nil {
			inv, err := s.LockInvoice(ctx, school, *n.InvoiceID)
			if err != nil {
				return err
			}
			if err := checkLink(inv, n.StudentID, n.Kind); err != nil {
				return err
			}
			if p.DueDate == nil && inv.DueDate != nil {
				due := *inv.DueDate
				p.DueDate = &due
			}
		}

		if err := s.InsertPayment(ctx, p); err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		if p.InvoiceID != nil {
			if _, err := l.reconcileLocked(ctx, s, school, *p.InvoiceID); err != nil {
				return err
			}
		}
		recorded = p
		return nil
	})
	if err != nil {
		return ledger.Payment{}, err
	}

	l.log.Info("payment recorded",
		zap.String("school", string(school)),
		zap.String("payment", string(recorded.ID)),
		zap.String("status", string(recorded.Status)),
		zap.String("amount", recorded.Amount.String()),
		zap.Bool("linked", recorded.InvoiceID != nil),
	)
	return recorded, nil
}

// UpdatePaymentStatus changes a payment's status and reconciles its invoice
// atomically. Settling stamps the paid date with today unless one is given.
// Any transition is accepted, including settled back to pending; the invoice
// follows whatever the payments say.
func (l *Ledger) UpdatePaymentStatus(ctx context.Context, school ledger.SchoolID, id ledger.PaymentID, u StatusUpdate) (ledger.Payment, error) {
	if !u.Status.Valid() {
		v := &ledger.ValidationError{}
		v.Add("status", fmt.Sprintf("unknown status %q", u.Status))
		return ledger.Payment{}, v
	}

	var updated ledger.Payment
	err := l.store.WithTx(ctx, func(s ledger.Store) error {
		p, err := s.GetPayment(ctx, school, id)
		if err != nil {
			return err
		}
		// Lock the invoice before touching the payment so concurrent
		// changes to its payments serialize on the same row.
		if p.InvoiceID != nil {
			if _, err := s.LockInvoice(ctx, school, *p.InvoiceID); err != nil && !ledger.IsNotFound(err) {
				return err
			}
			if p, err = s.GetPayment(ctx, school, id); err != nil {
				return err
			}
		}

		p.Status = u.Status
		switch {
		case ledger.Given(u.PaidDate) != nil:
			p.PaidDate = u.PaidDate
		case u.Status == ledger.PaymentSettled && p.PaidDate == nil:
			p.PaidDate = l.clock.Today().Ptr()
		}
		if u.ProofReference != nil {
			p.ProofReference = *u.ProofReference
		}
		if u.Note != nil {
			p.Note = *u.Note
		}
		if u.Method != nil {
			p.Method = strings.TrimSpace(*u.Method)
		}

		if err := s.UpdatePayment(ctx, p); err != nil {
			return fmt.Errorf("update payment %s: %w", id, err)
		}
		if p.InvoiceID != nil {
			if _, err := l.reconcileLocked(ctx, s, school, *p.InvoiceID); err != nil {
				return err
			}
		}
		updated = p
		return nil
	})
	if err != nil {
		return ledger.Payment{}, err
	}

	l.log.Info("payment status updated",
		zap.String("school", string(school)),
		zap.String("payment", string(id)),
		zap.String("status", string(updated.Status)),
	)
	return updated, nil
}

// GetPayment returns one payment of the school.
func (l *Ledger) GetPayment(ctx context.Context, school ledger.SchoolID, id ledger.PaymentID) (ledger.Payment, error) {
	return l.store.GetPayment(ctx, school, id)
}

// ListPayments returns one page of payments, newest first, and the total.
func (l *Ledger) ListPayments(ctx context.Context, school ledger.SchoolID, f ledger.PaymentFilter) ([]ledger.Payment, int, error) {
	return l.store.ListPayments(ctx, school, f)
}
