package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// ENROLLMENTS
// =============================================================================

const enrollmentColumns = `id, student_id, class_id, membership_status, entry_date, exit_date, seq, created_at`

type enrollmentRow struct {
	ID        string       `db:"id"`
	StudentID string       `db:"student_id"`
	ClassID   string       `db:"class_id"`
	Status    string       `db:"membership_status"`
	EntryDate ledger.Date  `db:"entry_date"`
	ExitDate  *ledger.Date `db:"exit_date"`
	Seq       int          `db:"seq"`
	CreatedAt time.Time    `db:"created_at"`
}

func (r enrollmentRow) record() ledger.EnrollmentRecord {
	return ledger.EnrollmentRecord{
		ID:        ledger.EnrollmentID(r.ID),
		StudentID: ledger.StudentID(r.StudentID),
		ClassID:   ledger.ClassID(r.ClassID),
		Status:    ledger.MembershipStatus(r.Status),
		EntryDate: r.EntryDate,
		ExitDate:  r.ExitDate,
		Seq:       r.Seq,
		CreatedAt: r.CreatedAt,
	}
}

func secondActive(student ledger.StudentID) error {
	return &ledger.InvariantError{
		Invariant: "single_active_enrollment",
		Detail:    fmt.Sprintf("student %s already has an active record", student),
	}
}

func (q *queries) InsertEnrollment(ctx context.Context, r ledger.EnrollmentRecord) error {
	_, err := q.exec(ctx, `
		INSERT INTO enrollments (`+enrollmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.StudentID, r.ClassID, r.Status, r.EntryDate, r.ExitDate, r.Seq, r.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return secondActive(r.StudentID)
	}
	if err != nil {
		return fmt.Errorf("insert enrollment %s: %w", r.ID, err)
	}
	return nil
}

func (q *queries) UpdateEnrollment(ctx context.Context, r ledger.EnrollmentRecord) error {
	n, err := q.exec(ctx, `
		UPDATE enrollments SET class_id = ?, membership_status = ?, entry_date = ?, exit_date = ?
		WHERE id = ?`,
		r.ClassID, r.Status, r.EntryDate, r.ExitDate, r.ID,
	)
	if isUniqueViolation(err) {
		return secondActive(r.StudentID)
	}
	if err != nil {
		return fmt.Errorf("update enrollment %s: %w", r.ID, err)
	}
	if n == 0 {
		return ledger.NotFound("enrollment", string(r.ID))
	}
	return nil
}

func (q *queries) LockEnrollments(ctx context.Context, student ledger.StudentID) ([]ledger.EnrollmentRecord, error) {
	return q.enrollments(ctx, ledger.EnrollmentFilter{StudentID: &student}, q.dialect.forUpdate)
}

func (q *queries) ListEnrollments(ctx context.Context, f ledger.EnrollmentFilter) ([]ledger.EnrollmentRecord, error) {
	return q.enrollments(ctx, f, "")
}

func (q *queries) enrollments(ctx context.Context, f ledger.EnrollmentFilter, lock string) ([]ledger.EnrollmentRecord, error) {
	w := &where{}
	if f.StudentID != nil {
		w.add("student_id = ?", *f.StudentID)
	}
	if f.ClassID != nil {
		w.add("class_id = ?", *f.ClassID)
	}
	if f.Status != nil {
		w.add("membership_status = ?", *f.Status)
	}

	var rows []enrollmentRow
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments` + w.String() +
		` ORDER BY entry_date, seq, id` + lock
	if err := q.selectAll(ctx, &rows, query, w.args...); err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}

	out := make([]ledger.EnrollmentRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}
