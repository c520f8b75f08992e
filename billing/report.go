package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// REPORTING AGGREGATOR
// =============================================================================

// ReportFilter narrows a summary. Nil fields match everything.
type ReportFilter struct {
	Kind  *ledger.Kind
	Month *int
	Year  *int
}

func (f ReportFilter) empty() bool {
	return f.Kind == nil && f.Month == nil && f.Year == nil
}

// Report sums a school's receivables.
type Report struct {
	TotalBilled        decimal.Decimal `json:"total_billed"`
	TotalCollected     decimal.Decimal `json:"total_collected"`
	TotalOutstanding   decimal.Decimal `json:"total_outstanding"`
	InvoiceCount       int             `json:"invoice_count"`
	InvoiceCountPaid   int             `json:"invoice_count_paid"`
	InvoiceCountUnpaid int             `json:"invoice_count_unpaid"`
}

// UnlinkedPolicy decides whether settled payments without an invoice count
// toward TotalCollected.
type UnlinkedPolicy string

const (
	// UnlinkedWhenUnfiltered counts them only in an unfiltered summary.
	UnlinkedWhenUnfiltered UnlinkedPolicy = "unfiltered"
	// UnlinkedMatchKind counts them when the filter has no period and the
	// kind filter, if any, matches the payment's kind.
	UnlinkedMatchKind UnlinkedPolicy = "match_kind"
	// UnlinkedNever leaves them out.
	UnlinkedNever UnlinkedPolicy = "never"
)

// ParseUnlinkedPolicy reads a policy name. Empty means the default.
func ParseUnlinkedPolicy(s string) (UnlinkedPolicy, error) {
	switch p := UnlinkedPolicy(s); p {
	case "":
		return UnlinkedWhenUnfiltered, nil
	case UnlinkedWhenUnfiltered, UnlinkedMatchKind, UnlinkedNever:
		return p, nil
	}
	return "", fmt.Errorf("unknown unlinked payment policy %q", s)
}

func matchPeriod(f ReportFilter, kind *ledger.Kind, month, year *int) bool {
	if f.Kind != nil && (kind == nil || *kind != *f.Kind) {
		return false
	}
	if f.Month != nil && (month == nil || *month != *f.Month) {
		return false
	}
	if f.Year != nil && (year == nil || *year != *f.Year) {
		return false
	}
	return true
}

func (p UnlinkedPolicy) counts(f ReportFilter, kind ledger.Kind) bool {
	switch p {
	case UnlinkedNever:
		return false
	case UnlinkedMatchKind:
		return f.Month == nil && f.Year == nil && (f.Kind == nil || *f.Kind == kind)
	default:
		return f.empty()
	}
}

// Summarize aggregates invoices and settled payments under a filter.
//
//   - billed: target amounts of matching invoices
//   - collected: settled payments whose invoice matches the filter, plus
//     unlinked settled payments as the policy allows
//   - outstanding: billed - collected, never below zero (overpayment)
//   - paid count: status paid; unpaid count: everything else
func Summarize(invoices []ledger.Invoice, payments []ledger.ReportPayment, f ReportFilter, policy UnlinkedPolicy) Report {
	r := Report{
		TotalBilled:      decimal.Zero,
		TotalCollected:   decimal.Zero,
		TotalOutstanding: decimal.Zero,
	}
	for _, inv := range invoices {
		kind := inv.Kind
		if !matchPeriod(f, &kind, inv.PeriodMonth, inv.PeriodYear) {
			continue
		}
		r.InvoiceCount++
		r.TotalBilled = r.TotalBilled.Add(inv.TargetAmount)
		if inv.Status == ledger.InvoicePaid {
			r.InvoiceCountPaid++
		} else {
			r.InvoiceCountUnpaid++
		}
	}
	for _, p := range payments {
		if p.Linked {
			if matchPeriod(f, p.InvoiceKind, p.PeriodMonth, p.PeriodYear) {
				r.TotalCollected = r.TotalCollected.Add(p.Amount)
			}
			continue
		}
		if policy.counts(f, p.Kind) {
			r.TotalCollected = r.TotalCollected.Add(p.Amount)
		}
	}
	if rest := r.TotalBilled.Sub(r.TotalCollected); rest.IsPositive() {
		r.TotalOutstanding = rest
	}
	return r
}

// Summary reports the school's receivables as currently stored.
func (l *Ledger) Summary(ctx context.Context, school ledger.SchoolID, f ReportFilter) (Report, error) {
	var (
		invoices []ledger.Invoice
		payments []ledger.ReportPayment
	)
	err := l.store.WithTx(ctx, func(s ledger.Store) error {
		var err error
		invoices, _, err = s.ListInvoices(ctx, school, ledger.InvoiceFilter{
			Kind:  f.Kind,
			Month: f.Month,
			Year:  f.Year,
		})
		if err != nil {
			return fmt.Errorf("load invoices: %w", err)
		}
		payments, err = s.SettledPayments(ctx, school)
		if err != nil {
			return fmt.Errorf("load settled payments: %w", err)
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}
	return Summarize(invoices, payments, f, l.Unlinked), nil
}
