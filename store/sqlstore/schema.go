package sqlstore

import (
	"context"
	"strings"
)

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect.name == DriverPostgres {
		schema = postgresSchema
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// The two schemas differ only in column types. Statements are kept in the
// same order so a diff of the two shows exactly that.

const sqliteSchema = `
	-- Directory (collaborator data; the ledger only looks it up)
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active'
	);
	CREATE INDEX IF NOT EXISTS idx_students_school
		ON students(school_id, status);

	CREATE TABLE IF NOT EXISTS classes (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL,
		name TEXT NOT NULL
	);

	-- Invoices (tagihan)
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL,
		student_id TEXT NOT NULL REFERENCES students(id),
		kind TEXT NOT NULL,
		label TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		period_month INTEGER CHECK (period_month BETWEEN 1 AND 12),
		period_year INTEGER,
		issue_date DATE NOT NULL,
		due_date DATE,
		target_amount TEXT NOT NULL,
		paid_amount TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		paid_on_date DATE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	-- CRITICAL: one tuition invoice per student and period
	CREATE UNIQUE INDEX IF NOT EXISTS ux_invoices_tuition_period
		ON invoices(school_id, student_id, kind, period_month, period_year)
		WHERE kind = 'tuition';

	CREATE INDEX IF NOT EXISTS idx_invoices_school_due
		ON invoices(school_id, due_date);
	CREATE INDEX IF NOT EXISTS idx_invoices_student
		ON invoices(student_id);

	-- Payments (pembayaran)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL,
		student_id TEXT NOT NULL REFERENCES students(id),
		invoice_id TEXT REFERENCES invoices(id) ON DELETE SET NULL,
		kind TEXT NOT NULL,
		amount TEXT NOT NULL,
		due_date DATE,
		paid_date DATE,
		status TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		proof_reference TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_invoice
		ON payments(invoice_id) WHERE invoice_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_payments_school_created
		ON payments(school_id, created_at);

	-- Enrollment history
	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		class_id TEXT NOT NULL REFERENCES classes(id),
		membership_status TEXT NOT NULL,
		entry_date DATE NOT NULL,
		exit_date DATE,
		seq INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	-- CRITICAL: at most one active record per student
	CREATE UNIQUE INDEX IF NOT EXISTS ux_enrollments_one_active
		ON enrollments(student_id) WHERE membership_status = 'active';

	CREATE INDEX IF NOT EXISTS idx_enrollments_class
		ON enrollments(class_id, membership_status);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		school_id TEXT NOT NULL,
		ts TIMESTAMP NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		subject TEXT NOT NULL,
		payload TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_school_ts
		ON audit_log(school_id, ts);
`

var postgresSchema = strings.NewReplacer(
	"target_amount TEXT", "target_amount NUMERIC(14,2)",
	"paid_amount TEXT NOT NULL DEFAULT '0'", "paid_amount NUMERIC(14,2) NOT NULL DEFAULT 0",
	"amount TEXT", "amount NUMERIC(14,2)",
	"TIMESTAMP", "TIMESTAMPTZ",
	"payload TEXT", "payload JSONB",
).Replace(sqliteSchema)
