package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/school-ledger/billing"
	"github.com/warp/school-ledger/enrollment"
	"github.com/warp/school-ledger/ledger"
	"github.com/warp/school-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	school      = ledger.SchoolID("sch-1")
	otherSchool = ledger.SchoolID("sch-2")
)

type fixture struct {
	ctx   context.Context
	store *store.Memory
	today ledger.Date
	bill  *billing.Ledger
}

func newFixture(t *testing.T, today ledger.Date) *fixture {
	t.Helper()
	mem := store.NewMemory()
	return &fixture{
		ctx:   context.Background(),
		store: mem,
		today: today,
		bill:  billing.NewLedger(mem, ledger.FixedClock{Day: today}, zap.NewNop()),
	}
}

// at returns a billing ledger over the same data whose clock reads day.
func (f *fixture) at(day ledger.Date) *billing.Ledger {
	return billing.NewLedger(f.store, ledger.FixedClock{Day: day}, zap.NewNop())
}

func (f *fixture) student(t *testing.T, id string) ledger.StudentID {
	t.Helper()
	return f.studentIn(t, school, id, ledger.StudentActive)
}

func (f *fixture) studentIn(t *testing.T, sch ledger.SchoolID, id string, status ledger.StudentStatus) ledger.StudentID {
	t.Helper()
	require.NoError(t, f.store.SaveStudent(f.ctx, ledger.Student{
		ID: ledger.StudentID(id), SchoolID: sch, Name: "Siswa " + id, Status: status,
	}))
	return ledger.StudentID(id)
}

func (f *fixture) class(t *testing.T, id string) ledger.ClassID {
	t.Helper()
	require.NoError(t, f.store.SaveClass(f.ctx, ledger.Class{ID: ledger.ClassID(id), SchoolID: school, Name: id}))
	return ledger.ClassID(id)
}

func (f *fixture) enroll(t *testing.T, student ledger.StudentID, class ledger.ClassID) {
	t.Helper()
	en := enrollment.NewLedger(f.store, ledger.FixedClock{Day: f.today}, zap.NewNop())
	_, err := en.Assign(f.ctx, school, student, class, "")
	require.NoError(t, err)
}

func (f *fixture) invoice(t *testing.T, student ledger.StudentID, kind ledger.Kind, target string, due *ledger.Date) ledger.Invoice {
	t.Helper()
	inv, err := f.bill.CreateInvoice(f.ctx, school, billing.NewInvoice{
		StudentID:    student,
		Kind:         kind,
		Label:        "Tagihan " + string(kind),
		DueDate:      due,
		TargetAmount: money(target),
	})
	require.NoError(t, err)
	return inv
}

func (f *fixture) pay(t *testing.T, student ledger.StudentID, inv ledger.Invoice, amount string, status ledger.PaymentStatus) ledger.Payment {
	t.Helper()
	id := inv.ID
	p, err := f.bill.RecordPayment(f.ctx, school, billing.NewPayment{
		StudentID: student,
		InvoiceID: &id,
		Kind:      inv.Kind,
		Amount:    money(amount),
		Status:    status,
		Method:    "transfer",
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) reload(t *testing.T, id ledger.InvoiceID) ledger.Invoice {
	t.Helper()
	inv, err := f.store.GetInvoice(f.ctx, school, id)
	require.NoError(t, err)
	return inv
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Truef(t, money(want).Equal(got), "want %s, got %s %v", want, got, msgAndArgs)
}

func day(y int, m time.Month, d int) ledger.Date {
	return ledger.NewDate(y, m, d)
}

func intPtr(i int) *int { return &i }
