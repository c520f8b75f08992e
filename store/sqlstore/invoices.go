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
// INVOICES
// =============================================================================

const invoiceColumns = `id, school_id, student_id, kind, label, description,
	period_month, period_year, issue_date, due_date,
	target_amount, paid_amount, status, paid_on_date, created_at, updated_at`

type invoiceRow struct {
	ID           string          `db:"id"`
	SchoolID     string          `db:"school_id"`
	StudentID    string          `db:"student_id"`
	Kind         string          `db:"kind"`
	Label        string          `db:"label"`
	Description  string          `db:"description"`
	PeriodMonth  *int            `db:"period_month"`
	PeriodYear   *int            `db:"period_year"`
	IssueDate    ledger.Date     `db:"issue_date"`
	DueDate      *ledger.Date    `db:"due_date"`
	TargetAmount decimal.Decimal `db:"target_amount"`
	PaidAmount   decimal.Decimal `db:"paid_amount"`
	Status       string          `db:"status"`
	PaidOnDate   *ledger.Date    `db:"paid_on_date"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

func (r invoiceRow) invoice() ledger.Invoice {
	return ledger.Invoice{
		ID:           ledger.InvoiceID(r.ID),
		SchoolID:     ledger.SchoolID(r.SchoolID),
		StudentID:    ledger.StudentID(r.StudentID),
		Kind:         ledger.Kind(r.Kind),
		Label:        r.Label,
		Description:  r.Description,
		PeriodMonth:  r.PeriodMonth,
		PeriodYear:   r.PeriodYear,
		IssuedDate:   r.IssueDate,
		DueDate:      r.DueDate,
		TargetAmount: r.TargetAmount,
		PaidAmount:   r.PaidAmount,
		Status:       ledger.InvoiceStatus(r.Status),
		PaidOnDate:   r.PaidOnDate,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// InsertInvoice adds an invoice. A tuition invoice whose period is taken is
// skipped by the database (ON CONFLICT DO NOTHING) and reported as
// ErrAlreadyExists; the enclosing PostgreSQL transaction stays usable.
func (q *queries) InsertInvoice(ctx context.Context, inv ledger.Invoice) error {
	n, err := q.exec(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (school_id, student_id, kind, period_month, period_year)
			WHERE kind = 'tuition' DO NOTHING`,
		inv.ID, inv.SchoolID, inv.StudentID, inv.Kind, inv.Label, inv.Description,
		inv.PeriodMonth, inv.PeriodYear, inv.IssuedDate, inv.DueDate,
		inv.TargetAmount, inv.PaidAmount, inv.Status, inv.PaidOnDate,
		inv.CreatedAt.UTC(), inv.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("invoice %s: %w", inv.ID, ledger.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert invoice %s: %w", inv.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("tuition %d/%d for student %s: %w",
			deref(inv.PeriodMonth), deref(inv.PeriodYear), inv.StudentID, ledger.ErrAlreadyExists)
	}
	return nil
}

func (q *queries) UpdateInvoice(ctx context.Context, inv ledger.Invoice) error {
	n, err := q.exec(ctx, `
		UPDATE invoices SET
			label = ?, description = ?, period_month = ?, period_year = ?,
			issue_date = ?, due_date = ?, target_amount = ?, paid_amount = ?,
			status = ?, paid_on_date = ?, updated_at = ?
		WHERE id = ? AND school_id = ?`,
		inv.Label, inv.Description, inv.PeriodMonth, inv.PeriodYear,
		inv.IssuedDate, inv.DueDate, inv.TargetAmount, inv.PaidAmount,
		inv.Status, inv.PaidOnDate, inv.UpdatedAt.UTC(),
		inv.ID, inv.SchoolID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("invoice %s: %w", inv.ID, ledger.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("update invoice %s: %w", inv.ID, err)
	}
	if n == 0 {
		return ledger.NotFound("invoice", string(inv.ID))
	}
	return nil
}

func (q *queries) DeleteInvoice(ctx context.Context, school ledger.SchoolID, id ledger.InvoiceID) error {
	n, err := q.exec(ctx, `DELETE FROM invoices WHERE id = ? AND school_id = ?`, id, school)
	if err != nil {
		return fmt.Errorf("delete invoice %s: %w", id, err)
	}
	if n == 0 {
		return ledger.NotFound("invoice", string(id))
	}
	return nil
}

func (q *queries) GetInvoice(ctx context.Context, school ledger.SchoolID, id ledger.InvoiceID) (ledger.Invoice, error) {
	return q.invoice(ctx, school, id, "")
}

func (q *queries) LockInvoice(ctx context.Context, school ledger.SchoolID, id ledger.InvoiceID) (ledger.Invoice, error) {
	return q.invoice(ctx, school, id, q.dialect.forUpdate)
}

func (q *queries) invoice(ctx context.Context, school ledger.SchoolID, id ledger.InvoiceID, lock string) (ledger.Invoice, error) {
	var row invoiceRow
	err := q.get(ctx, &row,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ? AND school_id = ?`+lock,
		id, school)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Invoice{}, ledger.NotFound("invoice", string(id))
	}
	if err != nil {
		return ledger.Invoice{}, fmt.Errorf("get invoice %s: %w", id, err)
	}
	return row.invoice(), nil
}

func (q *queries) ListInvoices(ctx context.Context, school ledger.SchoolID, f ledger.InvoiceFilter) ([]ledger.Invoice, int, error) {
	w := &where{}
	w.add("school_id = ?", school)
	if f.Status != nil {
		w.add("status = ?", *f.Status)
	}
	if f.Kind != nil {
		w.add("kind = ?", *f.Kind)
	}
	if f.Month != nil {
		w.add("period_month = ?", *f.Month)
	}
	if f.Year != nil {
		w.add("period_year = ?", *f.Year)
	}
	if f.StudentID != nil {
		w.add("student_id = ?", *f.StudentID)
	}
	if f.DueBefore != nil {
		w.add("due_date < ?", *f.DueBefore)
	}

	var total int
	if err := q.get(ctx, &total, `SELECT COUNT(*) FROM invoices`+w.String(), w.args...); err != nil {
		return nil, 0, fmt.Errorf("count invoices: %w", err)
	}

	limit, args := limitClause(f.Page, w.args)
	var rows []invoiceRow
	query := `SELECT ` + invoiceColumns + ` FROM invoices` + w.String() +
		` ORDER BY due_date IS NULL, due_date, created_at, id` + limit
	if err := q.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}

	out := make([]ledger.Invoice, len(rows))
	for i, r := range rows {
		out[i] = r.invoice()
	}
	return out, total, nil
}

func (q *queries) HasPeriodInvoice(ctx context.Context, key ledger.PeriodKey) (bool, error) {
	var count int
	err := q.get(ctx, &count, `
		SELECT COUNT(*) FROM invoices
		WHERE school_id = ? AND student_id = ? AND kind = ? AND period_month = ? AND period_year = ?`,
		key.SchoolID, key.StudentID, key.Kind, key.Month, key.Year)
	if err != nil {
		return false, fmt.Errorf("check period invoice: %w", err)
	}
	return count > 0, nil
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
