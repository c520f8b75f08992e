/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate one school with realistic
	data for demos and manual testing. Every write goes through the billing
	and enrollment ledgers, so the seeded data obeys the same rules as
	production traffic.

AVAILABLE SCENARIOS:

	new-school-year: classes, students, this month's tuition, mixed payments
	arrears:         three months of tuition with partial payments, overdue
	promotion:       transfer, promotion, retention and graduation histories

HOW SCENARIOS WORK:
 1. Pick the school: X-School-ID if sent, otherwise "demo-<scenario>"
 2. Refuse if the school already has students
 3. Create classes and students, enroll them
 4. Generate tuition and record payments relative to today

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "arrears"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxx(d *demo) error
 3. Register it in 'loaders'

SEE ALSO:
  - handlers.go: Handler and helpers
  - billing/generator.go: GenerateTuition
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/school-ledger/billing"
	"github.com/warp/school-ledger/enrollment"
	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "new-school-year",
		Name:        "New School Year",
		Description: "Three classes, this month's SPP, paid, partial and pending payments",
	},
	{
		ID:          "arrears",
		Name:        "Arrears",
		Description: "Three months of SPP with partial payments; past months overdue",
	},
	{
		ID:          "promotion",
		Name:        "Promotion",
		Description: "Class transfer, promotion, retention and graduation",
	},
}

var loaders = map[string]func(d *demo) error{
	"new-school-year": loadNewSchoolYear,
	"arrears":         loadArrears,
	"promotion":       loadPromotion,
}

var (
	demoTuition = decimal.NewFromInt(350000)
	demoUniform = decimal.NewFromInt(450000)
	demoReReg   = decimal.NewFromInt(1500000)
)

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds one school with a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	school := ledger.SchoolID(strings.TrimSpace(r.Header.Get(HeaderSchoolID)))
	if school == "" {
		school = ledger.SchoolID("demo-" + req.ScenarioID)
	}
	existing, err := h.Store.ListStudents(r.Context(), school, ledger.StudentFilter{})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(existing) > 0 {
		h.fail(w, r, fmt.Errorf("school %s already has students: %w", school, ledger.ErrAlreadyExists))
		return
	}

	d := &demo{
		ctx:    r.Context(),
		h:      h,
		school: school,
		actor:  actorFrom(r),
		today:  h.Clock.Today(),
	}
	if err := load(d); err != nil {
		h.fail(w, r, fmt.Errorf("load scenario %s: %w", req.ScenarioID, err))
		return
	}

	d.out.ScenarioID = req.ScenarioID
	d.out.SchoolID = school
	h.log.Info("scenario loaded",
		zap.String("scenario", req.ScenarioID),
		zap.String("school", string(school)),
		zap.Int("students", d.out.Students),
		zap.Int("invoices", d.out.Invoices),
		zap.Int("payments", d.out.Payments))
	writeJSON(w, http.StatusCreated, d.out)
}

// =============================================================================
// LOADERS
// =============================================================================

func loadNewSchoolYear(d *demo) error {
	roster := []struct {
		class string
		names []string
	}{
		{"7A", []string{"Ahmad Fauzi", "Siti Rahmawati", "Budi Santoso"}},
		{"7B", []string{"Dewi Lestari", "Rizky Pratama"}},
		{"8A", []string{"Nur Aisyah"}},
	}
	var students []ledger.StudentID
	for _, group := range roster {
		class, err := d.class(group.class)
		if err != nil {
			return err
		}
		for _, name := range group.names {
			id, err := d.student(name, class)
			if err != nil {
				return err
			}
			students = append(students, id)
		}
	}

	spp, err := d.tuition(d.today.Year(), d.today.Month(), nil)
	if err != nil {
		return err
	}
	byStudent := make(map[ledger.StudentID]ledger.Invoice, len(spp))
	for _, inv := range spp {
		byStudent[inv.StudentID] = inv
	}

	// Paid in full, paid half, and a transfer awaiting verification.
	if err := d.pay(students[0], byStudent[students[0]], demoTuition, ledger.PaymentSettled, "transfer"); err != nil {
		return err
	}
	if err := d.pay(students[1], byStudent[students[1]], decimal.NewFromInt(150000), ledger.PaymentSettled, "cash"); err != nil {
		return err
	}
	if err := d.pay(students[2], byStudent[students[2]], demoTuition, ledger.PaymentPending, "transfer"); err != nil {
		return err
	}

	uniform, err := d.h.Billing.CreateInvoice(d.ctx, d.school, billing.NewInvoice{
		StudentID:    students[0],
		Kind:         ledger.KindUniform,
		Label:        "Seragam olahraga",
		DueDate:      d.today.AddDays(14).Ptr(),
		TargetAmount: demoUniform,
	})
	if err != nil {
		return err
	}
	d.out.Invoices++
	if err := d.pay(students[0], uniform, demoUniform, ledger.PaymentSettled, "cash"); err != nil {
		return err
	}

	// Re-registration fee collected without an invoice.
	if _, err := d.h.Billing.RecordPayment(d.ctx, d.school, billing.NewPayment{
		StudentID: students[3],
		Kind:      ledger.KindReRegistration,
		Amount:    demoReReg,
		Status:    ledger.PaymentSettled,
		Method:    "transfer",
		Note:      "daftar ulang",
	}); err != nil {
		return err
	}
	d.out.Payments++
	return nil
}

func loadArrears(d *demo) error {
	class, err := d.class("9A")
	if err != nil {
		return err
	}
	var students []ledger.StudentID
	for _, name := range []string{"Fajar Nugroho", "Intan Permata", "Yusuf Hidayat"} {
		id, err := d.student(name, class)
		if err != nil {
			return err
		}
		students = append(students, id)
	}

	// Oldest month first; each past month is already overdue when created.
	for back := 3; back >= 0; back-- {
		year, month := monthsAgo(d.today, back)
		spp, err := d.tuition(year, month, &class)
		if err != nil {
			return err
		}
		if back == 0 {
			continue
		}
		for _, inv := range spp {
			switch inv.StudentID {
			case students[0]:
				err = d.pay(inv.StudentID, inv, demoTuition, ledger.PaymentSettled, "transfer")
			case students[1]:
				if back == 3 {
					err = d.pay(inv.StudentID, inv, decimal.NewFromInt(100000), ledger.PaymentSettled, "cash")
				}
			}
			if err != nil {
				return err
			}
		}
	}

	_, err = d.h.Billing.RefreshOverdue(d.ctx, d.school)
	return err
}

func loadPromotion(d *demo) error {
	ids := make(map[string]ledger.ClassID)
	for _, code := range []string{"7A", "7B", "8B", "9A"} {
		id, err := d.class(code)
		if err != nil {
			return err
		}
		ids[code] = id
	}

	// Moved from 7A to 7B mid-year, then promoted to 8B.
	mover, err := d.student("Rina Marlina", ids["7A"])
	if err != nil {
		return err
	}
	if _, err := d.h.Enrollment.Assign(d.ctx, d.school, mover, ids["7B"], d.actor); err != nil {
		return err
	}
	next := ids["8B"]
	if _, err := d.h.Enrollment.Conclude(d.ctx, d.school, mover, enrollment.Outcome{
		Status: ledger.MembershipPromoted, NextClass: &next, ActorID: d.actor,
	}); err != nil {
		return err
	}

	// Repeats 7A.
	repeater, err := d.student("Agus Setiawan", ids["7A"])
	if err != nil {
		return err
	}
	if _, err := d.h.Enrollment.Conclude(d.ctx, d.school, repeater, enrollment.Outcome{
		Status: ledger.MembershipRetained, ActorID: d.actor,
	}); err != nil {
		return err
	}

	// Finishes 9A and leaves the school.
	graduate, err := d.student("Putri Wulandari", ids["9A"])
	if err != nil {
		return err
	}
	if _, err := d.h.Enrollment.Conclude(d.ctx, d.school, graduate, enrollment.Outcome{
		Status: ledger.MembershipPromoted, ActorID: d.actor,
	}); err != nil {
		return err
	}
	return d.h.Store.SaveStudent(d.ctx, ledger.Student{
		ID: graduate, SchoolID: d.school, Name: "Putri Wulandari", Status: ledger.StudentGraduated,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// demo carries one scenario run and counts what it creates.
type demo struct {
	ctx    context.Context
	h      *Handler
	school ledger.SchoolID
	actor  string
	today  ledger.Date
	out    LoadScenarioResponse
}

func (d *demo) class(code string) (ledger.ClassID, error) {
	id := ledger.ClassID(fmt.Sprintf("%s-%s", d.school, code))
	err := d.h.Store.SaveClass(d.ctx, ledger.Class{ID: id, SchoolID: d.school, Name: "Kelas " + code})
	return id, err
}

// student saves an active student and enrolls them in the class.
func (d *demo) student(name string, class ledger.ClassID) (ledger.StudentID, error) {
	d.out.Students++
	id := ledger.StudentID(fmt.Sprintf("%s-stu-%02d", d.school, d.out.Students))
	st := ledger.Student{ID: id, SchoolID: d.school, Name: name, Status: ledger.StudentActive}
	if err := d.h.Store.SaveStudent(d.ctx, st); err != nil {
		return "", err
	}
	if _, err := d.h.Enrollment.Assign(d.ctx, d.school, id, class, d.actor); err != nil {
		return "", err
	}
	return id, nil
}

func (d *demo) tuition(year int, month time.Month, class *ledger.ClassID) ([]ledger.Invoice, error) {
	created, err := d.h.Billing.GenerateTuition(d.ctx, d.school, billing.TuitionRequest{
		Month:   int(month),
		Year:    year,
		Amount:  demoTuition,
		ClassID: class,
		ActorID: d.actor,
	})
	d.out.Invoices += len(created)
	return created, err
}

func (d *demo) pay(student ledger.StudentID, inv ledger.Invoice, amount decimal.Decimal, status ledger.PaymentStatus, method string) error {
	_, err := d.h.Billing.RecordPayment(d.ctx, d.school, billing.NewPayment{
		StudentID: student,
		InvoiceID: &inv.ID,
		Kind:      inv.Kind,
		Amount:    amount,
		Status:    status,
		Method:    method,
	})
	if err == nil {
		d.out.Payments++
	}
	return err
}

// monthsAgo returns the calendar month n months before today's.
func monthsAgo(today ledger.Date, n int) (int, time.Month) {
	first := time.Date(today.Year(), today.Month()-time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	return first.Year(), first.Month()
}
