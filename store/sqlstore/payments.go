package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// PAYMENTS
// =============================================================================

const paymentColumns = `id, school_id, student_id, invoice_id, kind, amount,
	due_date, paid_date, status, method, proof_reference, note, created_at`

type paymentRow struct {
	ID             string          `db:"id"`
	SchoolID       string          `db:"school_id"`
	StudentID      string          `db:"student_id"`
	InvoiceID      *string         `db:"invoice_id"`
	Kind           string          `db:"kind"`
	Amount         decimal.Decimal `db:"amount"`
	DueDate        *ledger.Date    `db:"due_date"`
	PaidDate       *ledger.Date    `db:"paid_date"`
	Status         string          `db:"status"`
	Method         string          `db:"method"`
	ProofReference string          `db:"proof_reference"`
	Note           string          `db:"note"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (r paymentRow) payment() ledger.Payment {
	p := ledger.Payment{
		ID:             ledger.PaymentID(r.ID),
		SchoolID:       ledger.SchoolID(r.SchoolID),
		StudentID:      ledger.StudentID(r.StudentID),
		Kind:           ledger.Kind(r.Kind),
		Amount:         r.Amount,
		DueDate:        r.DueDate,
		PaidDate:       r.PaidDate,
		Status:         ledger.PaymentStatus(r.Status),
		Method:         r.Method,
		ProofReference: r.ProofReference,
		Note:           r.Note,
		CreatedAt:      r.CreatedAt,
	}
	if r.InvoiceID != nil {
		id := ledger.InvoiceID(*r.InvoiceID)
		p.InvoiceID = &id
	}
	return p
}

func (q *queries) InsertPayment(ctx context.Context, p ledger.Payment) error {
	_, err := q.exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SchoolID, p.StudentID, p.InvoiceID, p.Kind, p.Amount,
		p.DueDate, p.PaidDate, p.Status, p.Method, p.ProofReference, p.Note,
		p.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("payment %s: %w", p.ID, ledger.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert payment %s: %w", p.ID, err)
	}
	return nil
}

func (q *queries) UpdatePayment(ctx context.Context, p ledger.Payment) error {
	n, err := q.exec(ctx, `
		UPDATE payments SET
			invoice_id = ?, kind = ?, amount = ?, due_date = ?, paid_date = ?,
			status = ?, method = ?, proof_reference = ?, note = ?
		WHERE id = ? AND school_id = ?`,
		p.InvoiceID, p.Kind, p.Amount, p.DueDate, p.PaidDate,
		p.Status, p.Method, p.ProofReference, p.Note,
		p.ID, p.SchoolID,
	)
	if err != nil {
		return fmt.Errorf("update payment %s: %w", p.ID, err)
	}
	if n == 0 {
		return ledger.NotFound("payment", string(p.ID))
	}
	return nil
}

func (q *queries) GetPayment(ctx context.Context, school ledger.SchoolID, id ledger.PaymentID) (ledger.Payment, error) {
	var row paymentRow
	err := q.get(ctx, &row, `SELECT `+paymentColumns+` FROM payments WHERE id = ? AND school_id = ?`, id, school)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Payment{}, ledger.NotFound("payment", string(id))
	}
	if err != nil {
		return ledger.Payment{}, fmt.Errorf("get payment %s: %w", id, err)
	}
	return row.payment(), nil
}

func (q *queries) ListPayments(ctx context.Context, school ledger.SchoolID, f ledger.PaymentFilter) ([]ledger.Payment, int, error) {
	w := &where{}
	w.add("school_id = ?", school)
	if f.StudentID != nil {
		w.add("student_id = ?", *f.StudentID)
	}
	if f.InvoiceID != nil {
		w.add("invoice_id = ?", *f.InvoiceID)
	}
	if f.Status != nil {
		w.add("status = ?", *f.Status)
	}

	var total int
	if err := q.get(ctx, &total, `SELECT COUNT(*) FROM payments`+w.String(), w.args...); err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}

	limit, args := limitClause(f.Page, w.args)
	var rows []paymentRow
	query := `SELECT ` + paymentColumns + ` FROM payments` + w.String() +
		` ORDER BY created_at DESC, id` + limit
	if err := q.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}

	out := make([]ledger.Payment, len(rows))
	for i, r := range rows {
		out[i] = r.payment()
	}
	return out, total, nil
}

func (q *queries) DetachPayments(ctx context.Context, school ledger.SchoolID, invoice ledger.InvoiceID) error {
	if _, err := q.exec(ctx, `UPDATE payments SET invoice_id = NULL WHERE invoice_id = ? AND school_id = ?`, invoice, school); err != nil {
		return fmt.Errorf("detach payments of invoice %s: %w", invoice, err)
	}
	return nil
}

type reportPaymentRow struct {
	ID          string          `db:"id"`
	Kind        string          `db:"kind"`
	Amount      decimal.Decimal `db:"amount"`
	InvoiceKind *string         `db:"invoice_kind"`
	PeriodMonth *int            `db:"period_month"`
	PeriodYear  *int            `db:"period_year"`
}

// SettledPayments joins every settled payment with its invoice's kind and
// period. Unlinked payments come back with nil invoice fields.
func (q *queries) SettledPayments(ctx context.Context, school ledger.SchoolID) ([]ledger.ReportPayment, error) {
	var rows []reportPaymentRow
	err := q.selectAll(ctx, &rows, `
		SELECT p.id, p.kind, p.amount,
		       i.kind AS invoice_kind, i.period_month, i.period_year
		FROM payments p
		LEFT JOIN invoices i ON i.id = p.invoice_id AND i.school_id = p.school_id
		WHERE p.school_id = ? AND p.status = ?
		ORDER BY p.id`,
		school, ledger.PaymentSettled)
	if err != nil {
		return nil, fmt.Errorf("load settled payments: %w", err)
	}

	out := make([]ledger.ReportPayment, len(rows))
	for i, r := range rows {
		rp := ledger.ReportPayment{
			PaymentID:   ledger.PaymentID(r.ID),
			Kind:        ledger.Kind(r.Kind),
			Amount:      r.Amount,
			PeriodMonth: r.PeriodMonth,
			PeriodYear:  r.PeriodYear,
		}
		if r.InvoiceKind != nil {
			kind := ledger.Kind(*r.InvoiceKind)
			rp.Linked = true
			rp.InvoiceKind = &kind
		}
		out[i] = rp
	}
	return out, nil
}
