package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// DIRECTORY
// =============================================================================

const studentColumns = `id, school_id, name, status`

type studentRow struct {
	ID       string `db:"id"`
	SchoolID string `db:"school_id"`
	Name     string `db:"name"`
	Status   string `db:"status"`
}

func (r studentRow) student() ledger.Student {
	return ledger.Student{
		ID:       ledger.StudentID(r.ID),
		SchoolID: ledger.SchoolID(r.SchoolID),
		Name:     r.Name,
		Status:   ledger.StudentStatus(r.Status),
	}
}

type classRow struct {
	ID       string `db:"id"`
	SchoolID string `db:"school_id"`
	Name     string `db:"name"`
}

// SaveStudent upserts a student. An id owned by another school is left
// alone and reported as ErrAlreadyExists.
func (q *queries) SaveStudent(ctx context.Context, st ledger.Student) error {
	n, err := q.exec(ctx, `
		INSERT INTO students (id, school_id, name, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status
		WHERE students.school_id = excluded.school_id`,
		st.ID, st.SchoolID, st.Name, st.Status,
	)
	if err != nil {
		return fmt.Errorf("save student %s: %w", st.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("student %s: %w", st.ID, ledger.ErrAlreadyExists)
	}
	return nil
}

func (q *queries) SaveClass(ctx context.Context, c ledger.Class) error {
	n, err := q.exec(ctx, `
		INSERT INTO classes (id, school_id, name)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name
		WHERE classes.school_id = excluded.school_id`,
		c.ID, c.SchoolID, c.Name,
	)
	if err != nil {
		return fmt.Errorf("save class %s: %w", c.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("class %s: %w", c.ID, ledger.ErrAlreadyExists)
	}
	return nil
}

func (q *queries) GetStudent(ctx context.Context, school ledger.SchoolID, id ledger.StudentID) (ledger.Student, error) {
	return q.student(ctx, school, id, "")
}

func (q *queries) LockStudent(ctx context.Context, school ledger.SchoolID, id ledger.StudentID) (ledger.Student, error) {
	return q.student(ctx, school, id, q.dialect.forUpdate)
}

func (q *queries) student(ctx context.Context, school ledger.SchoolID, id ledger.StudentID, lock string) (ledger.Student, error) {
	var row studentRow
	err := q.get(ctx, &row,
		`SELECT `+studentColumns+` FROM students WHERE id = ? AND school_id = ?`+lock,
		id, school)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Student{}, ledger.NotFound("student", string(id))
	}
	if err != nil {
		return ledger.Student{}, fmt.Errorf("get student %s: %w", id, err)
	}
	return row.student(), nil
}

func (q *queries) ListStudents(ctx context.Context, school ledger.SchoolID, f ledger.StudentFilter) ([]ledger.Student, error) {
	w := &where{}
	w.add("school_id = ?", school)
	if f.Status != nil {
		w.add("status = ?", *f.Status)
	}
	var rows []studentRow
	if err := q.selectAll(ctx, &rows, `SELECT `+studentColumns+` FROM students`+w.String()+` ORDER BY id`, w.args...); err != nil {
		return nil, fmt.Errorf("list students: %w", err)
	}
	out := make([]ledger.Student, len(rows))
	for i, r := range rows {
		out[i] = r.student()
	}
	return out, nil
}

func (q *queries) GetClass(ctx context.Context, school ledger.SchoolID, id ledger.ClassID) (ledger.Class, error) {
	var row classRow
	err := q.get(ctx, &row, `SELECT id, school_id, name FROM classes WHERE id = ? AND school_id = ?`, id, school)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Class{}, ledger.NotFound("class", string(id))
	}
	if err != nil {
		return ledger.Class{}, fmt.Errorf("get class %s: %w", id, err)
	}
	return ledger.Class{ID: ledger.ClassID(row.ID), SchoolID: ledger.SchoolID(row.SchoolID), Name: row.Name}, nil
}

func (q *queries) ListSchools(ctx context.Context) ([]ledger.SchoolID, error) {
	var out []ledger.SchoolID
	if err := q.selectAll(ctx, &out, `SELECT DISTINCT school_id FROM students ORDER BY school_id`); err != nil {
		return nil, fmt.Errorf("list schools: %w", err)
	}
	return out, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type auditRow struct {
	ID        string    `db:"id"`
	SchoolID  string    `db:"school_id"`
	Timestamp time.Time `db:"ts"`
	ActorID   string    `db:"actor_id"`
	Action    string    `db:"action"`
	Subject   string    `db:"subject"`
	Payload   *string   `db:"payload"`
}

func (q *queries) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	var payload *string
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode audit payload: %w", err)
		}
		s := string(b)
		payload = &s
	}
	_, err := q.exec(ctx, `
		INSERT INTO audit_log (id, school_id, ts, actor_id, action, subject, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SchoolID, e.Timestamp.UTC(), e.ActorID, e.Action, e.Subject, payload,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (q *queries) QueryAudit(ctx context.Context, school ledger.SchoolID, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	w := &where{}
	w.add("school_id = ?", school)
	if f.Action != nil {
		w.add("action = ?", *f.Action)
	}
	limit, args := limitClause(ledger.Page{Limit: f.Limit}, w.args)

	var rows []auditRow
	query := `SELECT id, school_id, ts, actor_id, action, subject, payload FROM audit_log` +
		w.String() + ` ORDER BY ts DESC, id DESC` + limit
	if err := q.selectAll(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}

	out := make([]ledger.AuditEntry, 0, len(rows))
	for _, r := range rows {
		e := ledger.AuditEntry{
			ID:        r.ID,
			SchoolID:  ledger.SchoolID(r.SchoolID),
			Timestamp: r.Timestamp,
			ActorID:   r.ActorID,
			Action:    ledger.AuditAction(r.Action),
			Subject:   r.Subject,
		}
		if r.Payload != nil {
			if err := json.Unmarshal([]byte(*r.Payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode audit payload %s: %w", r.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}
