/*
Package billing implements the invoice and payment ledger of a school.

PURPOSE:
  Invoices (tagihan) are billable charges per student. Payments
  (pembayaran) are payment events, each optionally linked to one invoice.
  An invoice's paid amount and status are never written by clients: they
  are recomputed from the linked settled payments whenever those change.

COMPONENTS:
  invoice.go:   Invoice Store (create, update, override, get, list, delete)
  payment.go:   Payment Ledger (record, status transitions)
  reconcile.go: Reconciliation Engine (pure derivation of invoice state)
  generator.go: Periodic Invoice Generator (monthly tuition, idempotent)
  report.go:    Reporting Aggregator (billed / collected / outstanding)

TRANSACTIONS:
  Every mutating method runs in exactly one store transaction. A payment
  status change and the reconciliation of its invoice commit together or
  not at all; the invoice row is locked before its payments are summed.

TIME:
  "Today" comes from the injected ledger.Clock, never from time.Now(), so
  overdue detection and default due dates are reproducible.

SEE ALSO:
  - ledger/store.go: persistence contract
  - enrollment/: supplies the class roster to the generator
*/
package billing

import (
	"go.uber.org/zap"

	"github.com/warp/school-ledger/ledger"
)

// Ledger is the entry point for every billing operation.
type Ledger struct {
	store ledger.TxStore
	clock ledger.Clock
	log   *zap.Logger

	// Unlinked decides how payments without an invoice enter Summary.
	Unlinked UnlinkedPolicy
}

// NewLedger wires a billing ledger. A nil logger disables logging.
func NewLedger(store ledger.TxStore, clock ledger.Clock, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		store:    store,
		clock:    clock,
		log:      log.Named("billing"),
		Unlinked: UnlinkedWhenUnfiltered,
	}
}

// Today is the ledger's notion of the current day.
func (l *Ledger) Today() ledger.Date {
	return l.clock.Today()
}
