/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Loads each scenario into a SQLite store through the HTTP route and checks
	the resulting state, so the scenarios double as integration tests of the
	ledgers on the SQL backend.
*/
package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/school-ledger/billing"
	"github.com/warp/school-ledger/ledger"
	"github.com/warp/school-ledger/store/sqlstore"
)

func setupScenarioServer(t *testing.T, today ledger.Date) (*Handler, http.Handler) {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite, ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := NewHandler(s, ledger.FixedClock{Day: today}, zap.NewNop())
	return h, NewRouter(h, nil)
}

func loadScenario(t *testing.T, router http.Handler, school, id string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/scenarios/load", strings.NewReader(`{"scenario_id":"`+id+`"}`))
	if school != "" {
		req.Header.Set(HeaderSchoolID, school)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestScenario_NewSchoolYear(t *testing.T) {
	// GIVEN: mid-July, after the 10th
	h, router := setupScenarioServer(t, day(2025, time.July, 15))
	ctx := context.Background()

	// WHEN
	rec := loadScenario(t, router, "", "new-school-year")

	// THEN
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[LoadScenarioResponse](t, rec)
	school := ledger.SchoolID("demo-new-school-year")
	assert.Equal(t, school, resp.SchoolID)
	assert.Equal(t, 6, resp.Students)
	assert.Equal(t, 7, resp.Invoices)
	assert.Equal(t, 5, resp.Payments)

	paid := ledger.InvoicePaid
	paidInvoices, _, err := h.Billing.ListInvoices(ctx, school, ledger.InvoiceFilter{Status: &paid})
	require.NoError(t, err)
	assert.Len(t, paidInvoices, 2, "one tuition and the uniform")

	partial := ledger.InvoicePartiallyPaid
	_, partialCount, err := h.Billing.ListInvoices(ctx, school, ledger.InvoiceFilter{Status: &partial})
	require.NoError(t, err)
	assert.Zero(t, partialCount, "past the due date, partial payers read overdue")

	report, err := h.Billing.Summary(ctx, school, billing.ReportFilter{})
	require.NoError(t, err)
	assert.True(t, money("2550000").Equal(report.TotalBilled), "6 x 350000 + 450000, got %s", report.TotalBilled)
	assert.True(t, money("2450000").Equal(report.TotalCollected), "350000 + 150000 + 450000 + 1500000, got %s", report.TotalCollected)
	assert.True(t, money("100000").Equal(report.TotalOutstanding), "got %s", report.TotalOutstanding)
}

func TestScenario_Arrears(t *testing.T) {
	h, router := setupScenarioServer(t, day(2025, time.July, 15))
	ctx := context.Background()

	rec := loadScenario(t, router, "sch-arrears", "arrears")

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[LoadScenarioResponse](t, rec)
	assert.Equal(t, 3, resp.Students)
	assert.Equal(t, 12, resp.Invoices)
	assert.Equal(t, 4, resp.Payments)

	overdue := ledger.InvoiceOverdue
	_, n, err := h.Billing.ListInvoices(ctx, "sch-arrears", ledger.InvoiceFilter{Status: &overdue})
	require.NoError(t, err)
	assert.Equal(t, 9, n, "April to June for two students, July for all three")

	april := 4
	invoices, _, err := h.Billing.ListInvoices(ctx, "sch-arrears", ledger.InvoiceFilter{Month: &april})
	require.NoError(t, err)
	require.Len(t, invoices, 3)
	paidCount := 0
	for _, inv := range invoices {
		if inv.Status == ledger.InvoicePaid {
			paidCount++
		}
	}
	assert.Equal(t, 1, paidCount)
}

func TestScenario_Promotion(t *testing.T) {
	h, router := setupScenarioServer(t, day(2025, time.June, 20))
	ctx := context.Background()

	rec := loadScenario(t, router, "", "promotion")

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	school := ledger.SchoolID("demo-promotion")

	mover, err := h.Enrollment.History(ctx, school, "demo-promotion-stu-01")
	require.NoError(t, err)
	require.Len(t, mover, 3)
	assert.Equal(t, ledger.MembershipTransferred, mover[0].Status)
	assert.Equal(t, ledger.MembershipPromoted, mover[1].Status)
	assert.Equal(t, ledger.MembershipActive, mover[2].Status)
	assert.Equal(t, ledger.ClassID("demo-promotion-8B"), mover[2].ClassID)

	graduate, err := h.Store.GetStudent(ctx, school, "demo-promotion-stu-03")
	require.NoError(t, err)
	assert.Equal(t, ledger.StudentGraduated, graduate.Status)
	active, err := h.Enrollment.Active(ctx, school, graduate.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestLoadScenario_Errors(t *testing.T) {
	_, router := setupScenarioServer(t, day(2025, time.July, 15))

	assert.Equal(t, http.StatusNotFound, loadScenario(t, router, "", "nope").Code)

	require.Equal(t, http.StatusCreated, loadScenario(t, router, "sch-x", "promotion").Code)
	assert.Equal(t, http.StatusConflict, loadScenario(t, router, "sch-x", "arrears").Code, "school already seeded")
}
