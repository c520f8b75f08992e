package sqlstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/school-ledger/billing"
	"github.com/warp/school-ledger/enrollment"
	"github.com/warp/school-ledger/ledger"
	"github.com/warp/school-ledger/store/sqlstore"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	school      = ledger.SchoolID("sch-1")
	otherSchool = ledger.SchoolID("sch-2")
)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite, ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seed(t *testing.T, store *sqlstore.Store) {
	t.Helper()
	ctx := context.Background()
	for _, c := range []string{"7A", "7B"} {
		require.NoError(t, store.SaveClass(ctx, ledger.Class{ID: ledger.ClassID(c), SchoolID: school, Name: c}))
	}
	for _, s := range []string{"stu-1", "stu-2", "stu-3"} {
		require.NoError(t, store.SaveStudent(ctx, ledger.Student{ID: ledger.StudentID(s), SchoolID: school, Name: s, Status: ledger.StudentActive}))
	}
	require.NoError(t, store.SaveStudent(ctx, ledger.Student{ID: "stu-x", SchoolID: otherSchool, Name: "x", Status: ledger.StudentActive}))
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(y int, m time.Month, d int) ledger.Date { return ledger.NewDate(y, m, d) }

func intPtr(i int) *int { return &i }

func billingAt(store ledger.TxStore, today ledger.Date) *billing.Ledger {
	return billing.NewLedger(store, ledger.FixedClock{Day: today}, zap.NewNop())
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestInvoice_RoundTrip(t *testing.T) {
	// GIVEN
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	due := day(2025, time.July, 10)
	inv := ledger.Invoice{
		ID: "inv-1", SchoolID: school, StudentID: "stu-1", Kind: ledger.KindTuition,
		Label: "SPP Juli 2025", Description: "semester ganjil",
		PeriodMonth: intPtr(7), PeriodYear: intPtr(2025),
		IssuedDate: day(2025, time.July, 1), DueDate: &due,
		TargetAmount: money("250000.50"), PaidAmount: money("0"),
		Status:    ledger.InvoiceUnpaid,
		CreatedAt: time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
	}

	// WHEN
	require.NoError(t, store.InsertInvoice(ctx, inv))
	got, err := store.GetInvoice(ctx, school, "inv-1")

	// THEN
	require.NoError(t, err)
	assert.Equal(t, inv.Label, got.Label)
	assert.Equal(t, inv.Description, got.Description)
	assert.Equal(t, 7, *got.PeriodMonth)
	assert.Equal(t, 2025, *got.PeriodYear)
	assert.Equal(t, inv.IssuedDate, got.IssuedDate)
	require.NotNil(t, got.DueDate)
	assert.Equal(t, due, *got.DueDate)
	assert.True(t, money("250000.50").Equal(got.TargetAmount), "got %s", got.TargetAmount)
	assert.True(t, got.PaidAmount.IsZero())
	assert.Nil(t, got.PaidOnDate)
	assert.True(t, inv.CreatedAt.Equal(got.CreatedAt))
}

func TestInvoice_TenantIsolation(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	bill := billingAt(store, day(2025, time.July, 1))

	inv, err := bill.CreateInvoice(ctx, school, billing.NewInvoice{
		StudentID: "stu-1", Kind: ledger.KindUniform, Label: "Seragam", TargetAmount: money("300000"),
	})
	require.NoError(t, err)

	_, err = store.GetInvoice(ctx, otherSchool, inv.ID)
	assert.True(t, ledger.IsNotFound(err))

	err = store.DeleteInvoice(ctx, otherSchool, inv.ID)
	assert.True(t, ledger.IsNotFound(err))

	list, total, err := store.ListInvoices(ctx, otherSchool, ledger.InvoiceFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, list)
}

func TestAudit_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	action := ledger.AuditInvoiceDeleted

	require.NoError(t, store.AppendAudit(ctx, ledger.AuditEntry{
		ID: "a1", SchoolID: school, Timestamp: time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
		ActorID: "admin", Action: ledger.AuditInvoiceStatusOverride, Subject: "inv-1",
		Payload: map[string]string{"from": "unpaid", "to": "paid"},
	}))
	require.NoError(t, store.AppendAudit(ctx, ledger.AuditEntry{
		ID: "a2", SchoolID: school, Timestamp: time.Date(2025, 7, 2, 9, 0, 0, 0, time.UTC),
		Action: ledger.AuditInvoiceDeleted, Subject: "inv-1",
	}))

	all, err := store.QueryAudit(ctx, school, ledger.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a2", all[0].ID, "newest first")
	assert.Equal(t, "paid", all[1].Payload["to"])

	deleted, err := store.QueryAudit(ctx, school, ledger.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Nil(t, deleted[0].Payload)
}

// =============================================================================
// SCHEMA-BACKED INVARIANTS
// =============================================================================

func TestInsertInvoice_DuplicateTuitionPeriod(t *testing.T) {
	// GIVEN: a tuition invoice for July 2025
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	bill := billingAt(store, day(2025, time.July, 1))
	n := billing.NewInvoice{
		StudentID: "stu-1", Kind: ledger.KindTuition, Label: "SPP Juli 2025",
		PeriodMonth: intPtr(7), PeriodYear: intPtr(2025), TargetAmount: money("250000"),
	}
	_, err := bill.CreateInvoice(ctx, school, n)
	require.NoError(t, err)

	// WHEN: the same period is inserted again
	_, err = bill.CreateInvoice(ctx, school, n)

	// THEN
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	// Other kinds may repeat a period.
	n.Kind = ledger.KindActivity
	_, err = bill.CreateInvoice(ctx, school, n)
	assert.NoError(t, err)
	_, err = bill.CreateInvoice(ctx, school, n)
	assert.NoError(t, err)
}

func TestInsertEnrollment_SecondActiveRejected(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	rec := ledger.EnrollmentRecord{ID: "e1", StudentID: "stu-1", ClassID: "7A", Status: ledger.MembershipActive, EntryDate: day(2024, time.July, 15)}
	require.NoError(t, store.InsertEnrollment(ctx, rec))

	rec.ID, rec.ClassID = "e2", "7B"
	err := store.InsertEnrollment(ctx, rec)

	var inv *ledger.InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "single_active_enrollment", inv.Invariant)

	// A closed record for the same student is fine.
	rec.Status = ledger.MembershipTransferred
	assert.NoError(t, store.InsertEnrollment(ctx, rec))
}

func TestEnrollmentHistory_SameDayOrderOnSQLite(t *testing.T) {
	// GIVEN: every write on one day under a fixed clock
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	require.NoError(t, store.SaveClass(ctx, ledger.Class{ID: "8A", SchoolID: school, Name: "8A"}))
	clock := ledger.FixedClock{Day: day(2024, time.July, 15)}
	en := enrollment.NewLedger(store, clock, zap.NewNop())

	// WHEN
	_, err := en.Assign(ctx, school, "stu-1", "7A", "")
	require.NoError(t, err)
	_, err = en.Assign(ctx, school, "stu-1", "7B", "")
	require.NoError(t, err)
	next := ledger.ClassID("8A")
	_, err = en.Conclude(ctx, school, "stu-1", enrollment.Outcome{Status: ledger.MembershipPromoted, NextClass: &next})
	require.NoError(t, err)

	// THEN: the seq column breaks the entry date tie
	history, err := en.History(ctx, school, "stu-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []ledger.ClassID{"7A", "7B", "8A"}, []ledger.ClassID{history[0].ClassID, history[1].ClassID, history[2].ClassID})
	assert.Equal(t, []int{1, 2, 3}, []int{history[0].Seq, history[1].Seq, history[2].Seq})
	assert.Equal(t, ledger.MembershipPromoted, history[1].Status)
	assert.WithinDuration(t, clock.Now(), history[2].CreatedAt, time.Second)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s ledger.Store) error {
		require.NoError(t, s.SaveClass(ctx, ledger.Class{ID: "9Z", SchoolID: school, Name: "9Z"}))
		return ledger.NotFound("student", "ghost")
	})
	require.Error(t, err)

	_, err = store.GetClass(ctx, school, "9Z")
	assert.True(t, ledger.IsNotFound(err), "rolled back")
}

// =============================================================================
// LEDGER SCENARIOS ON SQLITE
// =============================================================================

func TestScenarioA_OnSQLite(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	bill := billingAt(store, day(2025, time.July, 5))

	inv, err := bill.CreateInvoice(ctx, school, billing.NewInvoice{
		StudentID: "stu-1", Kind: ledger.KindTuition, Label: "SPP Juli 2025",
		PeriodMonth: intPtr(7), PeriodYear: intPtr(2025),
		DueDate: day(2025, time.July, 10).Ptr(), TargetAmount: money("500000"),
	})
	require.NoError(t, err)

	for _, amount := range []string{"300000", "200000"} {
		_, err := bill.RecordPayment(ctx, school, billing.NewPayment{
			StudentID: "stu-1", InvoiceID: &inv.ID, Kind: ledger.KindTuition,
			Amount: money(amount), Status: ledger.PaymentSettled,
		})
		require.NoError(t, err)
	}

	detail, err := bill.GetInvoice(ctx, school, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoicePaid, detail.Status)
	assert.True(t, money("500000").Equal(detail.PaidAmount))
	assert.Equal(t, day(2025, time.July, 5), *detail.PaidOnDate)
	assert.Len(t, detail.Payments, 2)
}

func TestScenarioB_OnSQLite(t *testing.T) {
	// GIVEN: three active students in 7A
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	today := day(2024, time.August, 1)
	en := enrollment.NewLedger(store, ledger.FixedClock{Day: today}, zap.NewNop())
	for _, s := range []ledger.StudentID{"stu-1", "stu-2", "stu-3"} {
		_, err := en.Assign(ctx, school, s, "7A", "")
		require.NoError(t, err)
	}
	class := ledger.ClassID("7A")
	req := billing.TuitionRequest{Month: 8, Year: 2024, Amount: money("250000"), ClassID: &class}
	bill := billingAt(store, today)

	// WHEN
	created, err := bill.GenerateTuition(ctx, school, req)
	require.NoError(t, err)
	again, err := bill.GenerateTuition(ctx, school, req)
	require.NoError(t, err)

	// THEN
	require.Len(t, created, 3)
	for _, inv := range created {
		assert.Equal(t, day(2024, time.August, 10), *inv.DueDate)
	}
	assert.Empty(t, again)

	_, total, err := store.ListInvoices(ctx, school, ledger.InvoiceFilter{Month: intPtr(8), Year: intPtr(2024)})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestScenarioC_OnSQLite(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	start := enrollment.NewLedger(store, ledger.FixedClock{Day: day(2024, time.July, 15)}, zap.NewNop())
	_, err := start.Assign(ctx, school, "stu-1", "7A", "")
	require.NoError(t, err)

	move := day(2025, time.January, 6)
	later := enrollment.NewLedger(store, ledger.FixedClock{Day: move}, zap.NewNop())
	_, err = later.Assign(ctx, school, "stu-1", "7B", "admin")
	require.NoError(t, err)

	history, err := later.History(ctx, school, "stu-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ledger.MembershipTransferred, history[0].Status)
	assert.Equal(t, move, *history[0].ExitDate)
	assert.Equal(t, ledger.MembershipActive, history[1].Status)
	assert.Equal(t, ledger.ClassID("7B"), history[1].ClassID)
}

func TestScenarioD_OnSQLite(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	today := day(2025, time.July, 11)
	bill := billingAt(store, today)

	inv, err := bill.CreateInvoice(ctx, school, billing.NewInvoice{
		StudentID: "stu-2", Kind: ledger.KindActivity, Label: "Study tour",
		DueDate: today.AddDays(-1).Ptr(), TargetAmount: money("150000"),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoiceOverdue, inv.Status)

	_, err = bill.RecordPayment(ctx, school, billing.NewPayment{
		StudentID: "stu-2", InvoiceID: &inv.ID, Kind: ledger.KindActivity,
		Amount: money("150000"), Status: ledger.PaymentSettled,
	})
	require.NoError(t, err)

	got, err := store.GetInvoice(ctx, school, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoicePaid, got.Status)
}

func TestDeleteInvoice_DetachesPaymentsOnSQLite(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	bill := billingAt(store, day(2025, time.July, 1))

	inv, err := bill.CreateInvoice(ctx, school, billing.NewInvoice{
		StudentID: "stu-1", Kind: ledger.KindOther, Label: "Buku", TargetAmount: money("90000"),
	})
	require.NoError(t, err)
	p, err := bill.RecordPayment(ctx, school, billing.NewPayment{
		StudentID: "stu-1", InvoiceID: &inv.ID, Kind: ledger.KindOther, Amount: money("90000"), Status: ledger.PaymentSettled,
	})
	require.NoError(t, err)

	require.NoError(t, bill.DeleteInvoice(ctx, school, inv.ID, "admin"))

	kept, err := store.GetPayment(ctx, school, p.ID)
	require.NoError(t, err)
	assert.Nil(t, kept.InvoiceID)

	settled, err := store.SettledPayments(ctx, school)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.False(t, settled[0].Linked)
}

func TestSummary_OnSQLite(t *testing.T) {
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	bill := billingAt(store, day(2024, time.August, 1))

	created, err := bill.GenerateTuition(ctx, school, billing.TuitionRequest{Month: 8, Year: 2024, Amount: money("250000")})
	require.NoError(t, err)
	require.Len(t, created, 3)
	_, err = bill.RecordPayment(ctx, school, billing.NewPayment{
		StudentID: created[0].StudentID, InvoiceID: &created[0].ID, Kind: ledger.KindTuition,
		Amount: money("300000"), Status: ledger.PaymentSettled,
	})
	require.NoError(t, err)
	_, err = bill.RecordPayment(ctx, school, billing.NewPayment{
		StudentID: "stu-2", Kind: ledger.KindUniform, Amount: money("75000"), Status: ledger.PaymentSettled,
	})
	require.NoError(t, err)

	all, err := bill.Summary(ctx, school, billing.ReportFilter{})
	require.NoError(t, err)
	assert.True(t, money("750000").Equal(all.TotalBilled))
	assert.True(t, money("375000").Equal(all.TotalCollected))
	assert.True(t, money("375000").Equal(all.TotalOutstanding))
	assert.Equal(t, 1, all.InvoiceCountPaid)
	assert.Equal(t, 2, all.InvoiceCountUnpaid)

	aug, err := bill.Summary(ctx, school, billing.ReportFilter{Month: intPtr(8), Year: intPtr(2024)})
	require.NoError(t, err)
	assert.True(t, money("300000").Equal(aug.TotalCollected), "unlinked payments are left out of filtered reports")
}

func TestConcurrentPayments_OnSQLite(t *testing.T) {
	// GIVEN: ten concurrent settled payments on one invoice
	store := newTestStore(t)
	seed(t, store)
	ctx := context.Background()
	bill := billingAt(store, day(2025, time.July, 1))
	inv, err := bill.CreateInvoice(ctx, school, billing.NewInvoice{
		StudentID: "stu-1", Kind: ledger.KindActivity, Label: "Camp", TargetAmount: money("1000000"),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := bill.RecordPayment(ctx, school, billing.NewPayment{
				StudentID: "stu-1", InvoiceID: &inv.ID, Kind: ledger.KindActivity,
				Amount: money("50000"), Status: ledger.PaymentSettled,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// THEN: no lost update
	got, err := store.GetInvoice(ctx, school, inv.ID)
	require.NoError(t, err)
	assert.True(t, money("500000").Equal(got.PaidAmount), "got %s", got.PaidAmount)
	assert.Equal(t, ledger.InvoicePartiallyPaid, got.Status)
}
