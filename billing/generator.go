package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/school-ledger/enrollment"
	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// PERIODIC INVOICE GENERATOR
// =============================================================================
//
// GenerateTuition creates one tuition invoice per eligible student for a
// (month, year). It is idempotent: a student who already has a tuition
// invoice for the period is skipped, so re-running the same call creates
// nothing. The whole batch is one transaction: a failure on any student
// leaves no invoice from the batch behind.
//
// ELIGIBILITY:
//   - student status is active
//   - with a class filter: the student has an active enrollment in that class

// TuitionRequest parameterizes one generator run.
type TuitionRequest struct {
	Month   int
	Year    int
	Amount  decimal.Decimal
	DueDate *ledger.Date    // defaults to DefaultTuitionDueDate
	ClassID *ledger.ClassID // nil means every active student
	ActorID string
}

// defaultDueDay is the day of the month tuition falls due.
const defaultDueDay = 10

// DefaultTuitionDueDate is the 10th of the period month, or its last day if
// the month is shorter.
func DefaultTuitionDueDate(year int, month time.Month) ledger.Date {
	last := ledger.EndOfMonth(year, month)
	if last.Day() < defaultDueDay {
		return last
	}
	return ledger.NewDate(year, month, defaultDueDay)
}

var bulanIndonesia = [...]string{
	"Januari", "Februari", "Maret", "April", "Mei", "Juni",
	"Juli", "Agustus", "September", "Oktober", "November", "Desember",
}

// TuitionLabel is the label of a generated invoice, e.g. "SPP Juli 2025".
func TuitionLabel(year int, month time.Month) string {
	return "SPP " + bulanIndonesia[month-1] + " " + strconv.Itoa(year)
}

func (r TuitionRequest) validate() error {
	v := &ledger.ValidationError{}
	month, year := r.Month, r.Year
	validatePeriod(v, &month, &year)
	if err := v.OrNil(); err != nil {
		return err
	}
	return checkAmount("amount", r.Amount)
}

// GenerateTuition creates the period's missing tuition invoices and returns
// them. Students already billed for the period are not in the result.
func (l *Ledger) GenerateTuition(ctx context.Context, school ledger.SchoolID, r TuitionRequest) ([]ledger.Invoice, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	month := time.Month(r.Month)
	due := DefaultTuitionDueDate(r.Year, month)
	if d := ledger.Given(r.DueDate); d != nil {
		due = *d
	}
	today := l.clock.Today()

	created := []ledger.Invoice{}
	skipped := 0
	err := l.store.WithTx(ctx, func(s ledger.Store) error {
		created, skipped = created[:0], 0

		eligible, err := l.eligibleStudents(ctx, s, school, r.ClassID)
		if err != nil {
			return err
		}

		for _, st := range eligible {
			key := ledger.PeriodKey{
				SchoolID:  school,
				StudentID: st.ID,
				Kind:      ledger.KindTuition,
				Month:     r.Month,
				Year:      r.Year,
			}
			exists, err := s.HasPeriodInvoice(ctx, key)
			if err != nil {
				return fmt.Errorf("generate tuition: student %s: %w", st.ID, err)
			}
			if exists {
				skipped++
				continue
			}

			periodMonth, periodYear := r.Month, r.Year
			dueDate := due
			now := l.clock.Now()
			inv := Reconcile(ledger.Invoice{
				ID:           ledger.InvoiceID(ledger.NewID()),
				SchoolID:     school,
				StudentID:    st.ID,
				Kind:         ledger.KindTuition,
				Label:        TuitionLabel(r.Year, month),
				PeriodMonth:  &periodMonth,
				PeriodYear:   &periodYear,
				IssuedDate:   today,
				DueDate:      &dueDate,
				TargetAmount: ledger.RoundMoney(r.Amount),
				CreatedAt:    now,
				UpdatedAt:    now,
			}, nil, today)

			err = s.InsertInvoice(ctx, inv)
			if errors.Is(err, ledger.ErrAlreadyExists) {
				// Lost a race with a concurrent run for the same period.
				skipped++
				continue
			}
			if err != nil {
				return fmt.Errorf("generate tuition: student %s: %w", st.ID, err)
			}
			created = append(created, inv)
		}

		if len(created) == 0 {
			return nil
		}
		payload := map[string]string{
			"month":   strconv.Itoa(r.Month),
			"year":    strconv.Itoa(r.Year),
			"amount":  r.Amount.String(),
			"created": strconv.Itoa(len(created)),
			"skipped": strconv.Itoa(skipped),
		}
		if r.ClassID != nil {
			payload["class"] = string(*r.ClassID)
		}
		return s.AppendAudit(ctx, ledger.AuditEntry{
			ID:        ledger.NewID(),
			SchoolID:  school,
			Timestamp: l.clock.Now(),
			ActorID:   r.ActorID,
			Action:    ledger.AuditTuitionGenerated,
			Subject:   fmt.Sprintf("%04d-%02d", r.Year, r.Month),
			Payload:   payload,
		})
	})
	if err != nil {
		l.log.Error("tuition generation failed",
			zap.String("school", string(school)),
			zap.Int("month", r.Month),
			zap.Int("year", r.Year),
			zap.Error(err),
		)
		return nil, err
	}

	l.log.Info("tuition generated",
		zap.String("school", string(school)),
		zap.Int("month", r.Month),
		zap.Int("year", r.Year),
		zap.Int("created", len(created)),
		zap.Int("skipped", skipped),
	)
	return created, nil
}

// eligibleStudents lists the active students, narrowed to the active members
// of a class when one is given. An unknown class is ErrNotFound.
func (l *Ledger) eligibleStudents(ctx context.Context, s ledger.Store, school ledger.SchoolID, class *ledger.ClassID) ([]ledger.Student, error) {
	active := ledger.StudentActive
	students, err := s.ListStudents(ctx, school, ledger.StudentFilter{Status: &active})
	if err != nil {
		return nil, fmt.Errorf("list active students: %w", err)
	}
	if class == nil {
		return students, nil
	}

	if _, err := s.GetClass(ctx, school, *class); err != nil {
		return nil, err
	}
	members, err := enrollment.ActiveMembers(ctx, s, *class)
	if err != nil {
		return nil, err
	}
	eligible := students[:0]
	for _, st := range students {
		if members[st.ID] {
			eligible = append(eligible, st)
		}
	}
	return eligible, nil
}
