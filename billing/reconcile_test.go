package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/school-ledger/billing"
	"github.com/warp/school-ledger/ledger"
)

func baseInvoice(target string, due *ledger.Date) ledger.Invoice {
	return ledger.Invoice{
		ID:           "inv-1",
		SchoolID:     school,
		StudentID:    "stu-1",
		Kind:         ledger.KindTuition,
		TargetAmount: money(target),
		DueDate:      due,
		Status:       ledger.InvoiceUnpaid,
	}
}

func settled(id, amount string) ledger.Payment {
	inv := ledger.InvoiceID("inv-1")
	return ledger.Payment{
		ID:        ledger.PaymentID(id),
		InvoiceID: &inv,
		Amount:    money(amount),
		Status:    ledger.PaymentSettled,
	}
}

// =============================================================================
// DERIVATION RULES
// =============================================================================

func TestReconcile_StatusFollowsPaidAmount(t *testing.T) {
	today := day(2025, time.July, 5)

	tests := []struct {
		name     string
		payments []ledger.Payment
		paid     string
		status   ledger.InvoiceStatus
	}{
		{"no payments", nil, "0", ledger.InvoiceUnpaid},
		{"partial", []ledger.Payment{settled("p1", "200000")}, "200000", ledger.InvoicePartiallyPaid},
		{"exact", []ledger.Payment{settled("p1", "200000"), settled("p2", "300000")}, "500000", ledger.InvoicePaid},
		{"overpaid", []ledger.Payment{settled("p1", "600000")}, "600000", ledger.InvoicePaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := billing.Reconcile(baseInvoice("500000", nil), tt.payments, today)
			assertMoney(t, tt.paid, got.PaidAmount)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.status == ledger.InvoicePaid, got.PaidOnDate != nil)
		})
	}
}

func TestReconcile_OnlySettledLinkedPaymentsCount(t *testing.T) {
	// GIVEN: pending, overdue, unlinked and foreign payments next to one settled one
	other := ledger.InvoiceID("inv-2")
	pending := settled("p2", "100000")
	pending.Status = ledger.PaymentPending
	late := settled("p3", "100000")
	late.Status = ledger.PaymentOverdue
	unlinked := settled("p4", "100000")
	unlinked.InvoiceID = nil
	foreign := settled("p5", "100000")
	foreign.InvoiceID = &other

	// WHEN
	got := billing.Reconcile(baseInvoice("500000", nil),
		[]ledger.Payment{settled("p1", "50000"), pending, late, unlinked, foreign},
		day(2025, time.July, 5))

	// THEN: only the settled, linked payment is summed
	assertMoney(t, "50000", got.PaidAmount)
	assert.Equal(t, ledger.InvoicePartiallyPaid, got.Status)
}

func TestReconcile_OrderIndependent(t *testing.T) {
	today := day(2025, time.July, 5)
	a, b, c := settled("p1", "125000.50"), settled("p2", "74999.50"), settled("p3", "300000")

	orders := [][]ledger.Payment{{a, b, c}, {a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a}}
	want := billing.Reconcile(baseInvoice("500000", nil), orders[0], today)

	for _, order := range orders[1:] {
		got := billing.Reconcile(baseInvoice("500000", nil), order, today)
		assert.True(t, want.PaidAmount.Equal(got.PaidAmount))
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.PaidOnDate, got.PaidOnDate)
	}
	assertMoney(t, "500000", want.PaidAmount)
	assert.Equal(t, ledger.InvoicePaid, want.Status)
}

func TestReconcile_Idempotent(t *testing.T) {
	today := day(2025, time.July, 5)
	payments := []ledger.Payment{settled("p1", "500000")}

	once := billing.Reconcile(baseInvoice("500000", day(2025, time.July, 1).Ptr()), payments, today)
	twice := billing.Reconcile(once, payments, today.AddDays(3))

	assert.Equal(t, once, twice, "a paid invoice keeps its first paid-on date")
}

func TestReconcile_PaidFallsBackWhenPaymentRevoked(t *testing.T) {
	// GIVEN: a paid invoice
	paid := billing.Reconcile(baseInvoice("500000", nil), []ledger.Payment{settled("p1", "500000")}, day(2025, time.July, 5))
	assert.NotNil(t, paid.PaidOnDate)

	// WHEN: the payment is no longer settled
	got := billing.Reconcile(paid, nil, day(2025, time.July, 6))

	// THEN
	assert.Equal(t, ledger.InvoiceUnpaid, got.Status)
	assert.Nil(t, got.PaidOnDate)
}

// =============================================================================
// OVERDUE OVERRIDE
// =============================================================================

func TestReconcile_OverdueOverride(t *testing.T) {
	today := day(2025, time.July, 11)
	yesterday := today.AddDays(-1).Ptr()

	tests := []struct {
		name     string
		due      *ledger.Date
		payments []ledger.Payment
		want     ledger.InvoiceStatus
	}{
		{"past due, nothing paid", yesterday, nil, ledger.InvoiceOverdue},
		{"past due, partially paid", yesterday, []ledger.Payment{settled("p1", "1")}, ledger.InvoiceOverdue},
		{"past due, fully paid", yesterday, []ledger.Payment{settled("p1", "500000")}, ledger.InvoicePaid},
		{"due today is not late", today.Ptr(), nil, ledger.InvoiceUnpaid},
		{"no due date never late", nil, nil, ledger.InvoiceUnpaid},
		{"zero due date never late", &ledger.Date{}, nil, ledger.InvoiceUnpaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := billing.Reconcile(baseInvoice("500000", tt.due), tt.payments, today)
			assert.Equal(t, tt.want, got.Status)
		})
	}
}
