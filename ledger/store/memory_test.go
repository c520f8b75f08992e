package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/school-ledger/ledger"
)

func intPtr(n int) *int { return &n }

func tuition(id ledger.InvoiceID, school ledger.SchoolID, student ledger.StudentID, month int, due ledger.Date) ledger.Invoice {
	return ledger.Invoice{
		ID: id, SchoolID: school, StudentID: student,
		Kind: ledger.KindTuition, Label: "SPP",
		PeriodMonth: intPtr(month), PeriodYear: intPtr(2025),
		DueDate: due.Ptr(), TargetAmount: decimal.NewFromInt(350000),
		Status: ledger.InvoiceUnpaid,
	}
}

func TestMemory_WithTxRollsBack(t *testing.T) {
	// GIVEN
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	// WHEN: the transaction writes and then fails
	err := m.WithTx(ctx, func(s ledger.Store) error {
		require.NoError(t, s.SaveStudent(ctx, ledger.Student{ID: "stu-1", SchoolID: "sch-1", Name: "A"}))
		return boom
	})

	// THEN: nothing was kept
	assert.ErrorIs(t, err, boom)
	_, err = m.GetStudent(ctx, "sch-1", "stu-1")
	assert.True(t, ledger.IsNotFound(err))
}

func TestMemory_TenantIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveStudent(ctx, ledger.Student{ID: "stu-1", SchoolID: "sch-1", Name: "A"}))
	require.NoError(t, m.InsertInvoice(ctx, tuition("inv-1", "sch-1", "stu-1", 7, ledger.NewDate(2025, time.July, 10))))

	_, err := m.GetStudent(ctx, "sch-2", "stu-1")
	assert.True(t, ledger.IsNotFound(err))
	_, err = m.GetInvoice(ctx, "sch-2", "inv-1")
	assert.True(t, ledger.IsNotFound(err))
	assert.True(t, ledger.IsNotFound(m.DeleteInvoice(ctx, "sch-2", "inv-1")))

	err = m.SaveStudent(ctx, ledger.Student{ID: "stu-1", SchoolID: "sch-2", Name: "B"})
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	schools, err := m.ListSchools(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ledger.SchoolID{"sch-1"}, schools)
}

func TestMemory_TuitionPeriodUnique(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	due := ledger.NewDate(2025, time.July, 10)
	require.NoError(t, m.InsertInvoice(ctx, tuition("inv-1", "sch-1", "stu-1", 7, due)))

	err := m.InsertInvoice(ctx, tuition("inv-2", "sch-1", "stu-1", 7, due))
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	assert.NoError(t, m.InsertInvoice(ctx, tuition("inv-3", "sch-1", "stu-2", 7, due)), "other student")
	assert.NoError(t, m.InsertInvoice(ctx, tuition("inv-4", "sch-1", "stu-1", 8, due)), "other month")

	has, err := m.HasPeriodInvoice(ctx, ledger.PeriodKey{SchoolID: "sch-1", StudentID: "stu-1", Kind: ledger.KindTuition, Month: 7, Year: 2025})
	require.NoError(t, err)
	assert.True(t, has)
}

func TestMemory_ListInvoicesOrderAndPage(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	undated := tuition("inv-u", "sch-1", "stu-1", 1, ledger.Date{})
	undated.DueDate = nil
	require.NoError(t, m.InsertInvoice(ctx, undated))
	require.NoError(t, m.InsertInvoice(ctx, tuition("inv-aug", "sch-1", "stu-1", 8, ledger.NewDate(2025, time.August, 10))))
	require.NoError(t, m.InsertInvoice(ctx, tuition("inv-jul", "sch-1", "stu-1", 7, ledger.NewDate(2025, time.July, 10))))

	all, total, err := m.ListInvoices(ctx, "sch-1", ledger.InvoiceFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, all, 3)
	assert.Equal(t, []ledger.InvoiceID{"inv-jul", "inv-aug", "inv-u"}, []ledger.InvoiceID{all[0].ID, all[1].ID, all[2].ID})

	page, total, err := m.ListInvoices(ctx, "sch-1", ledger.InvoiceFilter{Page: ledger.Page{Limit: 1, Offset: 1}})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, ledger.InvoiceID("inv-aug"), page[0].ID)

	cutoff := ledger.NewDate(2025, time.August, 1)
	due, _, err := m.ListInvoices(ctx, "sch-1", ledger.InvoiceFilter{DueBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, ledger.InvoiceID("inv-jul"), due[0].ID)
}

func TestMemory_SingleActiveEnrollment(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	day := ledger.NewDate(2025, time.July, 14)
	first := ledger.EnrollmentRecord{ID: "enr-1", StudentID: "stu-1", ClassID: "7A", Status: ledger.MembershipActive, EntryDate: day}
	require.NoError(t, m.InsertEnrollment(ctx, first))

	err := m.InsertEnrollment(ctx, ledger.EnrollmentRecord{ID: "enr-2", StudentID: "stu-1", ClassID: "7B", Status: ledger.MembershipActive, EntryDate: day})
	var inv *ledger.InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "single_active_enrollment", inv.Invariant)

	// Closing the first record frees the slot; same-day records keep insertion order.
	first.Status = ledger.MembershipTransferred
	first.ExitDate = day.Ptr()
	require.NoError(t, m.UpdateEnrollment(ctx, first))
	require.NoError(t, m.InsertEnrollment(ctx, ledger.EnrollmentRecord{ID: "enr-2", StudentID: "stu-1", ClassID: "7B", Status: ledger.MembershipActive, EntryDate: day}))

	student := ledger.StudentID("stu-1")
	history, err := m.ListEnrollments(ctx, ledger.EnrollmentFilter{StudentID: &student})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ledger.EnrollmentID("enr-1"), history[0].ID)
	assert.Equal(t, ledger.EnrollmentID("enr-2"), history[1].ID)
}

func TestMemory_DetachAndSettledPayments(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.InsertInvoice(ctx, tuition("inv-1", "sch-1", "stu-1", 7, ledger.NewDate(2025, time.July, 10))))
	inv := ledger.InvoiceID("inv-1")
	require.NoError(t, m.InsertPayment(ctx, ledger.Payment{ID: "pay-1", SchoolID: "sch-1", StudentID: "stu-1", InvoiceID: &inv, Kind: ledger.KindTuition, Amount: decimal.NewFromInt(100000), Status: ledger.PaymentSettled}))
	require.NoError(t, m.InsertPayment(ctx, ledger.Payment{ID: "pay-2", SchoolID: "sch-1", StudentID: "stu-1", Kind: ledger.KindOther, Amount: decimal.NewFromInt(5000), Status: ledger.PaymentPending}))

	settled, err := m.SettledPayments(ctx, "sch-1")
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.True(t, settled[0].Linked)
	assert.Equal(t, 7, *settled[0].PeriodMonth)

	require.NoError(t, m.DeleteInvoice(ctx, "sch-1", "inv-1"))
	require.NoError(t, m.DetachPayments(ctx, "sch-1", "inv-1"))

	p, err := m.GetPayment(ctx, "sch-1", "pay-1")
	require.NoError(t, err)
	assert.Nil(t, p.InvoiceID)
	settled, err = m.SettledPayments(ctx, "sch-1")
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.False(t, settled[0].Linked)
}

func TestMemory_QueryAuditNewestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	actions := []ledger.AuditAction{ledger.AuditTuitionGenerated, ledger.AuditInvoiceDeleted, ledger.AuditInvoiceStatusOverride}
	for _, action := range actions {
		require.NoError(t, m.AppendAudit(ctx, ledger.AuditEntry{ID: ledger.NewID(), SchoolID: "sch-1", Action: action}))
	}
	require.NoError(t, m.AppendAudit(ctx, ledger.AuditEntry{ID: ledger.NewID(), SchoolID: "sch-2", Action: ledger.AuditInvoiceDeleted}))

	entries, err := m.QueryAudit(ctx, "sch-1", ledger.AuditFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.AuditInvoiceStatusOverride, entries[0].Action)
	assert.Equal(t, ledger.AuditInvoiceDeleted, entries[1].Action)

	deleted := ledger.AuditInvoiceDeleted
	filtered, err := m.QueryAudit(ctx, "sch-1", ledger.AuditFilter{Action: &deleted})
	require.NoError(t, err)
	assert.Len(t, filtered, 1)
}
